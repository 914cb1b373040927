package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/db"
	"github.com/azenumrbac/azenumrbac/internal/graph"
	"github.com/azenumrbac/azenumrbac/internal/inventory"
	"github.com/azenumrbac/azenumrbac/internal/report"
)

// Phase names, which double as intermediate file names.
const (
	PhaseSession       = "session"
	PhaseSubscriptions = "subscriptions"
	PhaseResources     = "resources"
	PhaseRoles         = "roles"
	PhaseAssignments   = "assignments"
	PhaseGroups        = "groups"
	PhaseUsers         = "users"
	PhaseResolve       = "resolve"
	PhaseReport        = "report"
)

// Order is the full pipeline in execution order.
var Order = []string{
	PhaseSession,
	PhaseSubscriptions,
	PhaseResources,
	PhaseRoles,
	PhaseAssignments,
	PhaseGroups,
	PhaseUsers,
	PhaseResolve,
	PhaseReport,
}

// Phase describes one pipeline step.
type Phase struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Requires    []string `json:"requires,omitempty"`
	// Cloud phases query the az CLI and need a ready session.
	Cloud bool `json:"cloud"`
}

var phases = map[string]Phase{
	PhaseSession: {
		Name:        PhaseSession,
		Description: "Check the az CLI install and login, installing or logging in when needed",
	},
	PhaseSubscriptions: {
		Name:        PhaseSubscriptions,
		Description: "List subscriptions visible to the session, filtered by scope",
		Cloud:       true,
	},
	PhaseResources: {
		Name:        PhaseResources,
		Description: "Count resources per resource group of every subscription",
		Requires:    []string{PhaseSubscriptions},
		Cloud:       true,
	},
	PhaseRoles: {
		Name:        PhaseRoles,
		Description: "List role definitions",
		Cloud:       true,
	},
	PhaseAssignments: {
		Name:        PhaseAssignments,
		Description: "List role assignments at every scope of every subscription",
		Requires:    []string{PhaseSubscriptions},
		Cloud:       true,
	},
	PhaseGroups: {
		Name:        PhaseGroups,
		Description: "Fetch nested membership of every group holding a role",
		Requires:    []string{PhaseAssignments},
		Cloud:       true,
	},
	PhaseUsers: {
		Name:        PhaseUsers,
		Description: "Fetch directory profiles of every user principal",
		Requires:    []string{PhaseAssignments, PhaseGroups},
		Cloud:       true,
	},
	PhaseResolve: {
		Name:        PhaseResolve,
		Description: "Flatten group membership into per-user role grants",
		Requires:    []string{PhaseAssignments, PhaseGroups},
	},
	PhaseReport: {
		Name:        PhaseReport,
		Description: "Write CSV, JSON, HTML and markdown reports",
		Requires: []string{
			PhaseResolve, PhaseSubscriptions, PhaseResources, PhaseRoles,
			PhaseAssignments, PhaseGroups, PhaseUsers,
		},
	},
}

// Phases returns every phase in execution order.
func Phases() []Phase {
	out := make([]Phase, 0, len(Order))
	for _, name := range Order {
		out = append(out, phases[name])
	}
	return out
}

// Lookup returns the named phase.
func Lookup(name string) (Phase, bool) {
	ph, ok := phases[name]
	return ph, ok
}

func (p *Pipeline) dispatch(ctx context.Context, ex *execution, name string) (map[string]any, error) {
	switch name {
	case PhaseSession:
		return p.runSession(ctx, ex)
	case PhaseSubscriptions:
		return p.runSubscriptions(ctx, ex)
	case PhaseResources:
		return p.runResources(ctx, ex)
	case PhaseRoles:
		return p.runRoles(ctx, ex)
	case PhaseAssignments:
		return p.runAssignments(ctx, ex)
	case PhaseGroups:
		return p.runGroups(ctx, ex)
	case PhaseUsers:
		return p.runUsers(ctx, ex)
	case PhaseResolve:
		return p.runResolve(ctx, ex)
	case PhaseReport:
		return p.runReport(ctx, ex)
	}
	return nil, fmt.Errorf("unknown phase %q", name)
}

// ResolveOutput is the resolve intermediate. Complete is set only once the
// resolver finished its full pass.
type ResolveOutput struct {
	Complete    bool          `json:"complete"`
	GeneratedAt time.Time     `json:"generated_at"`
	Result      *graph.Result `json:"result"`
}

// ReportOutput is the report intermediate: a manifest of the final files.
type ReportOutput struct {
	Dir   string        `json:"dir"`
	Files []report.File `json:"files"`
}

func (p *Pipeline) runSession(ctx context.Context, ex *execution) (map[string]any, error) {
	r, err := p.sessions.Ensure(ctx)
	ex.readiness = &r
	if err != nil {
		return nil, &SessionNotReadyError{Readiness: r, Err: err}
	}
	if !r.Ready() {
		return nil, &SessionNotReadyError{Readiness: r}
	}
	if err := p.save(ex, PhaseSession, r, 1); err != nil {
		return nil, err
	}
	return map[string]any{"user": r.User, "tenant_id": r.TenantID, "version": r.Version}, nil
}

func (p *Pipeline) runSubscriptions(ctx context.Context, ex *execution) (map[string]any, error) {
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}
	subs, err := c.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.save(ex, PhaseSubscriptions, subs, len(subs)); err != nil {
		return nil, err
	}
	return map[string]any{"subscriptions": len(subs)}, nil
}

func (p *Pipeline) runResources(ctx context.Context, ex *execution) (map[string]any, error) {
	var subs []core.Subscription
	if err := p.load(ctx, ex, PhaseResources, PhaseSubscriptions, &subs); err != nil {
		return nil, err
	}
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}
	res, err := c.Resources(ctx, subs)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, sr := range res {
		total += sr.ResourceCount
	}
	if err := p.save(ex, PhaseResources, res, total); err != nil {
		return nil, err
	}
	return map[string]any{"subscriptions": len(res), "resources": total}, nil
}

func (p *Pipeline) runRoles(ctx context.Context, ex *execution) (map[string]any, error) {
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}
	defs, err := c.RoleDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.save(ex, PhaseRoles, defs, len(defs)); err != nil {
		return nil, err
	}
	return map[string]any{"role_definitions": len(defs)}, nil
}

func (p *Pipeline) runAssignments(ctx context.Context, ex *execution) (map[string]any, error) {
	var subs []core.Subscription
	if err := p.load(ctx, ex, PhaseAssignments, PhaseSubscriptions, &subs); err != nil {
		return nil, err
	}
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}
	assignments, err := c.RoleAssignments(ctx, subs)
	if err != nil {
		return nil, err
	}
	if err := p.save(ex, PhaseAssignments, assignments, len(assignments)); err != nil {
		return nil, err
	}
	return map[string]any{"role_assignments": len(assignments)}, nil
}

func (p *Pipeline) runGroups(ctx context.Context, ex *execution) (map[string]any, error) {
	var assignments []core.RoleAssignment
	if err := p.load(ctx, ex, PhaseGroups, PhaseAssignments, &assignments); err != nil {
		return nil, err
	}
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}
	inv, err := c.GroupMembers(ctx, assignments)
	if err != nil {
		return nil, err
	}
	if err := p.save(ex, PhaseGroups, inv, len(inv.Groups)); err != nil {
		return nil, err
	}
	return map[string]any{"groups": len(inv.Groups), "members": len(inv.Members), "warnings": len(inv.Warnings)}, nil
}

func (p *Pipeline) runUsers(ctx context.Context, ex *execution) (map[string]any, error) {
	var assignments []core.RoleAssignment
	if err := p.load(ctx, ex, PhaseUsers, PhaseAssignments, &assignments); err != nil {
		return nil, err
	}
	var groups inventory.GroupInventory
	if err := p.load(ctx, ex, PhaseUsers, PhaseGroups, &groups); err != nil {
		return nil, err
	}
	c, err := p.collector(ctx, ex)
	if err != nil {
		return nil, err
	}

	ids := inventory.UserIDs(inventory.PrincipalsFromAssignments(assignments), groups.Members)

	var prior *inventory.UserProfiles
	if ex.opts.Resume {
		var cached inventory.UserProfiles
		if _, err := p.store.Load(PhaseUsers, &cached); err == nil {
			prior = &cached
		}
	}

	checkpoint := func(up *inventory.UserProfiles) error {
		_, err := p.store.Save(PhaseUsers, ex.runUUID, up, len(up.Profiles))
		return err
	}
	profiles, err := c.UserProfiles(ctx, ids, prior, checkpoint)
	if err != nil {
		return nil, err
	}
	if err := p.save(ex, PhaseUsers, profiles, len(profiles.Profiles)); err != nil {
		return nil, err
	}
	return map[string]any{"users": len(ids), "profiles": len(profiles.Profiles), "warnings": len(profiles.Warnings)}, nil
}

func (p *Pipeline) runResolve(ctx context.Context, ex *execution) (map[string]any, error) {
	var assignments []core.RoleAssignment
	if err := p.load(ctx, ex, PhaseResolve, PhaseAssignments, &assignments); err != nil {
		return nil, err
	}
	var groups inventory.GroupInventory
	if err := p.load(ctx, ex, PhaseResolve, PhaseGroups, &groups); err != nil {
		return nil, err
	}

	principals := inventory.MergePrincipals(inventory.PrincipalsFromAssignments(assignments), groups.Members)
	inv := graph.NewInventory(principals, groups.Groups, assignments)
	res := graph.Resolve(inv)

	if err := p.graph.Replace(inv); err != nil {
		return nil, fmt.Errorf("persisting membership graph: %w", err)
	}

	out := ResolveOutput{Complete: true, GeneratedAt: time.Now().UTC(), Result: res}
	if err := p.save(ex, PhaseResolve, out, len(res.Assignments)); err != nil {
		return nil, err
	}

	p.logger.Info().Int("resolved", len(res.Assignments)).Int("dangling", res.DanglingRefs).
		Int("skipped_non_user", res.SkippedNonUser).Msg("membership resolved")
	return map[string]any{
		"resolved":         len(res.Assignments),
		"dangling_refs":    res.DanglingRefs,
		"skipped_non_user": res.SkippedNonUser,
	}, nil
}

func (p *Pipeline) runReport(ctx context.Context, ex *execution) (map[string]any, error) {
	var resolved ResolveOutput
	if err := p.load(ctx, ex, PhaseReport, PhaseResolve, &resolved); err != nil {
		return nil, err
	}
	if !resolved.Complete || resolved.Result == nil {
		return nil, ErrIncompleteResolve
	}

	var (
		subs        []core.Subscription
		resources   []core.SubscriptionResources
		roles       []core.RoleDefinition
		assignments []core.RoleAssignment
		groups      inventory.GroupInventory
		users       inventory.UserProfiles
	)
	inputs := []struct {
		phase string
		v     any
	}{
		{PhaseSubscriptions, &subs},
		{PhaseResources, &resources},
		{PhaseRoles, &roles},
		{PhaseAssignments, &assignments},
		{PhaseGroups, &groups},
		{PhaseUsers, &users},
	}
	for _, in := range inputs {
		if err := p.load(ctx, ex, PhaseReport, in.phase, in.v); err != nil {
			return nil, err
		}
	}

	runs, err := p.Status()
	if err != nil {
		return nil, err
	}

	in := report.Input{
		Resolved:      resolved.Result.Assignments,
		Assignments:   assignments,
		Principals:    inventory.MergePrincipals(inventory.PrincipalsFromAssignments(assignments), groups.Members),
		Roles:         roles,
		Subscriptions: subs,
		Resources:     resources,
		Profiles:      users.Profiles,
		Stats: report.Stats{
			DanglingRefs:   resolved.Result.DanglingRefs,
			SkippedNonUser: resolved.Result.SkippedNonUser,
			Warnings:       collectWarnings(resolved.Result, groups.Warnings, users.Warnings),
		},
		Phases:      runs,
		GeneratedAt: time.Now().UTC(),
	}

	dir := filepath.Join(p.workspace.Path, db.FinalDir)
	files, err := report.NewWriter(dir, p.logger).Write(in)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	p.logAudit(audit.EventReportWritten, ex.runUUID, map[string]any{"dir": dir, "files": names})

	if err := p.save(ex, PhaseReport, ReportOutput{Dir: dir, Files: files}, len(files)); err != nil {
		return nil, err
	}
	return map[string]any{"dir": dir, "files": len(files), "rows": len(resolved.Result.Assignments)}, nil
}

func collectWarnings(res *graph.Result, lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	for _, w := range res.Warnings {
		switch w.Kind {
		case graph.WarnDanglingMember:
			out = append(out, fmt.Sprintf("group %s: member %s not found in inventory", w.GroupID, w.MemberID))
		case graph.WarnDanglingPrincipal:
			out = append(out, fmt.Sprintf("assignment %s: principal %s not found in inventory", w.AssignmentID, w.MemberID))
		case graph.WarnUnexpandedGroup:
			out = append(out, fmt.Sprintf("group %s: membership not collected", w.GroupID))
		}
	}
	sort.Strings(out)
	return out
}
