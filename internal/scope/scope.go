// Package scope restricts enumeration to the subscriptions and tenant the
// operator declared. Subscriptions outside scope are skipped and audited.
package scope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// Checker evaluates whether subscriptions fall within the workspace scope.
type Checker struct {
	scope core.Scope
}

// NewChecker creates a scope checker for the given workspace scope.
func NewChecker(scope core.Scope) *Checker {
	return &Checker{scope: scope}
}

// CheckTenant verifies a tenant ID is in scope.
func (c *Checker) CheckTenant(tenantID string) error {
	if c.scope.TenantID == "" {
		return nil
	}
	if !strings.EqualFold(c.scope.TenantID, tenantID) {
		return &ScopeViolation{
			Resource: "tenant:" + tenantID,
			Reason:   fmt.Sprintf("tenant %s is not in scope (allowed: %s)", tenantID, c.scope.TenantID),
		}
	}
	return nil
}

// CheckSubscription verifies a subscription is in scope. Exclusions win
// over inclusions; an empty include list admits everything not excluded.
func (c *Checker) CheckSubscription(sub core.Subscription) error {
	if err := c.CheckTenant(sub.TenantID); err != nil {
		return err
	}
	for _, id := range c.scope.ExcludedSubscriptions {
		if strings.EqualFold(id, sub.ID) || strings.EqualFold(id, sub.Name) {
			return &ScopeViolation{
				Resource: "subscription:" + sub.ID,
				Reason:   fmt.Sprintf("subscription %s is excluded", sub.ID),
			}
		}
	}
	if len(c.scope.Subscriptions) == 0 {
		return nil
	}
	for _, id := range c.scope.Subscriptions {
		if strings.EqualFold(id, sub.ID) || strings.EqualFold(id, sub.Name) {
			return nil
		}
	}
	return &ScopeViolation{
		Resource: "subscription:" + sub.ID,
		Reason:   fmt.Sprintf("subscription %s is not in scope (allowed: %s)", sub.ID, strings.Join(c.scope.Subscriptions, ", ")),
	}
}

// Filter splits subscriptions into those in scope and the violations for
// the rest, preserving input order.
func (c *Checker) Filter(subs []core.Subscription) ([]core.Subscription, []error) {
	var kept []core.Subscription
	var violations []error
	for _, s := range subs {
		if err := c.CheckSubscription(s); err != nil {
			violations = append(violations, err)
			continue
		}
		kept = append(kept, s)
	}
	return kept, violations
}

// ScopeViolation represents an out-of-scope subscription or tenant.
type ScopeViolation struct {
	Resource string
	Reason   string
}

func (sv *ScopeViolation) Error() string {
	return fmt.Sprintf("scope violation [%s]: %s", sv.Resource, sv.Reason)
}

// IsScopeViolation checks if an error is a scope violation.
func IsScopeViolation(err error) bool {
	var sv *ScopeViolation
	return errors.As(err, &sv)
}
