package scope

import (
	"fmt"
	"testing"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

func TestCheckSubscriptionIncludeList(t *testing.T) {
	checker := NewChecker(core.Scope{
		Subscriptions: []string{"sub-1", "Production"},
	})

	if err := checker.CheckSubscription(core.Subscription{ID: "sub-1"}); err != nil {
		t.Errorf("Expected in-scope subscription to pass: %v", err)
	}
	if err := checker.CheckSubscription(core.Subscription{ID: "sub-9", Name: "production"}); err != nil {
		t.Errorf("Expected match by name to pass: %v", err)
	}

	if err := checker.CheckSubscription(core.Subscription{ID: "sub-2"}); err == nil {
		t.Error("Expected out-of-scope subscription to fail")
	} else if !IsScopeViolation(err) {
		t.Errorf("Expected ScopeViolation error, got %T", err)
	}
}

func TestCheckSubscriptionExclusionWins(t *testing.T) {
	checker := NewChecker(core.Scope{
		Subscriptions:         []string{"sub-1"},
		ExcludedSubscriptions: []string{"sub-1"},
	})

	if err := checker.CheckSubscription(core.Subscription{ID: "sub-1"}); err == nil {
		t.Error("Expected excluded subscription to fail")
	}
}

func TestCheckTenant(t *testing.T) {
	checker := NewChecker(core.Scope{TenantID: "tenant-a"})

	if err := checker.CheckSubscription(core.Subscription{ID: "s", TenantID: "TENANT-A"}); err != nil {
		t.Errorf("Expected case-insensitive tenant match: %v", err)
	}
	if err := checker.CheckSubscription(core.Subscription{ID: "s", TenantID: "tenant-b"}); err == nil {
		t.Error("Expected foreign tenant to fail")
	}
}

func TestEmptyScopeAllowsAll(t *testing.T) {
	checker := NewChecker(core.Scope{})

	if err := checker.CheckSubscription(core.Subscription{ID: "anything", TenantID: "any"}); err != nil {
		t.Errorf("Empty scope should allow all: %v", err)
	}
}

func TestFilter(t *testing.T) {
	checker := NewChecker(core.Scope{ExcludedSubscriptions: []string{"b"}})

	kept, violations := checker.Filter([]core.Subscription{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if len(kept) != 2 || kept[0].ID != "a" || kept[1].ID != "c" {
		t.Errorf("unexpected kept subscriptions: %+v", kept)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
}

func TestIsScopeViolationWrapped(t *testing.T) {
	err := fmt.Errorf("collecting: %w", &ScopeViolation{Resource: "subscription:x", Reason: "excluded"})
	if !IsScopeViolation(err) {
		t.Error("expected wrapped ScopeViolation to be detected")
	}

	sv := &ScopeViolation{Resource: "subscription:x", Reason: "not allowed"}
	expected := "scope violation [subscription:x]: not allowed"
	if sv.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, sv.Error())
	}
}
