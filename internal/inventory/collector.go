// Package inventory queries the Azure CLI for subscriptions, resources,
// role definitions, role assignments, group membership and user profiles,
// and normalizes the heterogeneous JSON it returns into core records.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/scope"
	"github.com/azenumrbac/azenumrbac/internal/session"
	"github.com/rs/zerolog"
)

// ErrSessionNotReady is returned by every collection call made without a
// ready az session.
var ErrSessionNotReady = errors.New("az session is not ready")

// Progress receives collection progress updates.
type Progress interface {
	Total(n int)
	Update(done int, msg string)
}

type noopProgress struct{}

func (noopProgress) Total(int)          {}
func (noopProgress) Update(int, string) {}

// NoOpProgress discards progress updates.
var NoOpProgress Progress = noopProgress{}

// Collector runs the az queries behind each collection phase.
type Collector struct {
	client    *azcli.Client
	readiness session.Readiness
	checker   *scope.Checker
	audit     *audit.Logger
	logger    zerolog.Logger
	progress  Progress
	runUUID   string
	batchSize int
}

// NewCollector creates a collector. The readiness value must come from a
// session check made by the caller; collection refuses to start otherwise.
func NewCollector(client *azcli.Client, readiness session.Readiness, checker *scope.Checker, al *audit.Logger, logger zerolog.Logger) *Collector {
	if checker == nil {
		checker = scope.NewChecker(core.Scope{})
	}
	return &Collector{
		client:    client,
		readiness: readiness,
		checker:   checker,
		audit:     al,
		logger:    logger.With().Str("component", "inventory").Logger(),
		progress:  NoOpProgress,
		batchSize: 50,
	}
}

// SetProgress installs a progress reporter.
func (c *Collector) SetProgress(p Progress) {
	if p == nil {
		p = NoOpProgress
	}
	c.progress = p
}

// SetRun tags audit records with the pipeline run ID.
func (c *Collector) SetRun(runUUID string) { c.runUUID = runUUID }

// SetBatchSize sets how many user profiles are fetched between checkpoints.
func (c *Collector) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

func (c *Collector) requireSession() error {
	if !c.readiness.Ready() {
		return ErrSessionNotReady
	}
	return nil
}

// Subscriptions lists every subscription visible to the session and drops
// those outside the workspace scope. Out-of-scope subscriptions are audited.
func (c *Collector) Subscriptions(ctx context.Context) ([]core.Subscription, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	var raw []rawSubscription
	if err := c.client.RunJSON(ctx, &raw, "account", "list", "--all"); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}

	subs := make([]core.Subscription, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			c.logger.Warn().Str("name", r.Name).Msg("subscription without id, skipping")
			continue
		}
		subs = append(subs, r.toCore())
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	kept, violations := c.checker.Filter(subs)
	for _, v := range violations {
		c.logger.Info().Err(v).Msg("subscription out of scope")
		c.logAudit(audit.EventScopeViolation, map[string]any{"violation": v.Error()})
	}

	c.logger.Info().Int("visible", len(subs)).Int("in_scope", len(kept)).Msg("subscriptions collected")
	return kept, nil
}

// Resources lists each subscription's resource groups and attributes every
// resource to its group.
func (c *Collector) Resources(ctx context.Context, subs []core.Subscription) ([]core.SubscriptionResources, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	c.progress.Total(len(subs))
	out := make([]core.SubscriptionResources, 0, len(subs))

	for i, sub := range subs {
		var groups []rawResourceGroup
		if err := c.client.RunJSON(ctx, &groups, "group", "list", "--subscription", sub.ID); err != nil {
			return nil, fmt.Errorf("listing resource groups of %s: %w", sub.ID, err)
		}
		var resources []rawResource
		if err := c.client.RunJSON(ctx, &resources, "resource", "list", "--subscription", sub.ID); err != nil {
			return nil, fmt.Errorf("listing resources of %s: %w", sub.ID, err)
		}

		sr := buildSubscriptionResources(sub, groups, resources)
		out = append(out, sr)

		c.logger.Debug().Str("subscription", sub.ID).
			Int("resource_groups", sr.ResourceGroupCount).
			Int("resources", sr.ResourceCount).Msg("resources collected")
		c.progress.Update(i+1, "Resources: "+sub.Name)
	}
	return out, nil
}

func buildSubscriptionResources(sub core.Subscription, groups []rawResourceGroup, resources []rawResource) core.SubscriptionResources {
	byName := make(map[string]int, len(groups))
	rgs := make([]core.ResourceGroup, 0, len(groups))
	for _, g := range groups {
		if g.Name == "" {
			continue
		}
		byName[strings.ToLower(g.Name)] = len(rgs)
		rgs = append(rgs, core.ResourceGroup{
			ID:       g.ID,
			Name:     g.Name,
			Location: g.Location,
			Tags:     g.Tags,
		})
	}

	total := 0
	for _, r := range resources {
		idx, ok := byName[strings.ToLower(r.ResourceGroup)]
		if !ok || r.ID == "" {
			continue
		}
		rgs[idx].Resources = append(rgs[idx].Resources, r.ID)
		rgs[idx].ResourceCount++
		total++
	}
	sort.Slice(rgs, func(i, j int) bool { return strings.ToLower(rgs[i].Name) < strings.ToLower(rgs[j].Name) })

	return core.SubscriptionResources{
		SubscriptionID:     sub.ID,
		SubscriptionName:   sub.Name,
		ResourceGroupCount: len(rgs),
		ResourceCount:      total,
		ResourceGroups:     rgs,
	}
}

// RoleDefinitions lists built-in and custom role definitions. IDs are
// reduced to the definition GUID.
func (c *Collector) RoleDefinitions(ctx context.Context) ([]core.RoleDefinition, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	var raw []rawRoleDefinition
	if err := c.client.RunJSON(ctx, &raw, "role", "definition", "list"); err != nil {
		return nil, fmt.Errorf("listing role definitions: %w", err)
	}

	seen := make(map[string]bool, len(raw))
	defs := make([]core.RoleDefinition, 0, len(raw))
	for _, r := range raw {
		d := r.toCore()
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	c.logger.Info().Int("count", len(defs)).Msg("role definitions collected")
	return defs, nil
}

// RoleAssignments lists assignments at every scope of each subscription.
// Assignments inherited from management groups appear under several
// subscriptions and are kept once.
func (c *Collector) RoleAssignments(ctx context.Context, subs []core.Subscription) ([]core.RoleAssignment, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	c.progress.Total(len(subs))
	seen := make(map[string]bool)
	var out []core.RoleAssignment

	for i, sub := range subs {
		var raw []rawRoleAssignment
		if err := c.client.RunJSON(ctx, &raw, "role", "assignment", "list", "--subscription", sub.ID, "--all"); err != nil {
			return nil, fmt.Errorf("listing role assignments of %s: %w", sub.ID, err)
		}

		for _, r := range raw {
			a := r.toCore(sub.ID)
			if a.PrincipalID == "" {
				continue
			}
			key := strings.ToLower(a.ID)
			if key == "" {
				key = a.PrincipalID + "|" + a.RoleDefinitionID + "|" + strings.ToLower(a.Scope)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
		c.progress.Update(i+1, "Assignments: "+sub.Name)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.logger.Info().Int("count", len(out)).Msg("role assignments collected")
	return out, nil
}

// PrincipalsFromAssignments returns one principal per distinct assignee,
// typed by the assignment's principal type.
func PrincipalsFromAssignments(assignments []core.RoleAssignment) []core.Principal {
	byID := make(map[string]core.Principal)
	for _, a := range assignments {
		p := byID[a.PrincipalID]
		p.ID = a.PrincipalID
		if p.Kind == "" || p.Kind == core.KindUnknown {
			p.Kind = a.PrincipalType
		}
		if p.DisplayName == "" {
			p.DisplayName = a.PrincipalName
		}
		if a.PrincipalType == core.KindUser && p.UserPrincipalName == "" {
			p.UserPrincipalName = a.PrincipalName
		}
		byID[a.PrincipalID] = p
	}
	return sortedPrincipals(byID)
}

// MergePrincipals combines principal lists by ID. Earlier lists win for
// fields they set; later lists only fill blanks.
func MergePrincipals(lists ...[]core.Principal) []core.Principal {
	byID := make(map[string]core.Principal)
	for _, list := range lists {
		for _, p := range list {
			cur, ok := byID[p.ID]
			if !ok {
				byID[p.ID] = p
				continue
			}
			if cur.DisplayName == "" {
				cur.DisplayName = p.DisplayName
			}
			if cur.UserPrincipalName == "" {
				cur.UserPrincipalName = p.UserPrincipalName
			}
			if cur.Kind == "" || cur.Kind == core.KindUnknown {
				cur.Kind = p.Kind
			}
			byID[p.ID] = cur
		}
	}
	return sortedPrincipals(byID)
}

func sortedPrincipals(byID map[string]core.Principal) []core.Principal {
	out := make([]core.Principal, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Collector) logAudit(event audit.EventType, detail map[string]any) {
	if c.audit == nil {
		return
	}
	c.audit.Log(event, "local", c.runUUID, detail)
}
