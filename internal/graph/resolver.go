package graph

import (
	"sort"
	"strings"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// Inventory is the read-only input to Resolve: every known principal, the
// direct membership of every collected group, and the role assignments.
type Inventory struct {
	Principals  map[string]core.Principal
	Groups      map[string]core.Group
	Assignments []core.RoleAssignment
}

// NewInventory indexes principals and groups by ID. Groups are also
// registered as principals of kind group.
func NewInventory(principals []core.Principal, groups []core.Group, assignments []core.RoleAssignment) Inventory {
	inv := Inventory{
		Principals:  make(map[string]core.Principal, len(principals)+len(groups)),
		Groups:      make(map[string]core.Group, len(groups)),
		Assignments: assignments,
	}
	for _, p := range principals {
		inv.Principals[p.ID] = p
	}
	for _, g := range groups {
		g.Kind = core.KindGroup
		inv.Groups[g.ID] = g
		inv.Principals[g.ID] = g.Principal
	}
	return inv
}

// WarningKind classifies a data defect met during resolution.
type WarningKind string

const (
	// WarnDanglingMember is a membership entry naming an unknown principal.
	WarnDanglingMember WarningKind = "dangling_member"
	// WarnDanglingPrincipal is an assignment granted to an unknown principal.
	WarnDanglingPrincipal WarningKind = "dangling_principal"
	// WarnUnexpandedGroup is a group whose membership was never collected.
	WarnUnexpandedGroup WarningKind = "unexpanded_group"
)

// Warning describes one tolerated defect in the inventory.
type Warning struct {
	Kind         WarningKind `json:"kind"`
	AssignmentID string      `json:"assignment_id,omitempty"`
	GroupID      string      `json:"group_id,omitempty"`
	MemberID     string      `json:"member_id,omitempty"`
}

// Result is the output of a resolution pass. DanglingRefs counts distinct
// unknown references: one per (group, member) pair and one per assignment
// naming an unknown principal, however many grants walk through them.
type Result struct {
	Assignments    []core.ResolvedAssignment `json:"assignments"`
	DanglingRefs   int                       `json:"dangling_refs"`
	SkippedNonUser int                       `json:"skipped_non_user"`
	Warnings       []Warning                 `json:"warnings,omitempty"`
}

type resolver struct {
	inv      Inventory
	best     map[string]core.ResolvedAssignment
	warnings map[string]Warning
	skipped  map[string]struct{}
}

// Resolve flattens nested group membership into per-user role grants.
//
// Grants held directly by users pass through at depth 0. Grants held by a
// group are expanded depth first: the group's direct members are at depth
// 1 and each nested group adds one. Each assignment's expansion keeps its
// own visited map, so a principal met again at the same or a greater depth
// is neither re-expanded nor re-emitted, which also terminates cycles. The
// output holds one entry per (user, role, scope) carrying the smallest
// depth, and is sorted so repeated runs produce identical files.
func Resolve(inv Inventory) *Result {
	r := &resolver{
		inv:      inv,
		best:     make(map[string]core.ResolvedAssignment),
		warnings: make(map[string]Warning),
		skipped:  make(map[string]struct{}),
	}

	for _, a := range inv.Assignments {
		r.resolveAssignment(a)
	}

	res := &Result{
		Assignments:    make([]core.ResolvedAssignment, 0, len(r.best)),
		SkippedNonUser: len(r.skipped),
	}
	for _, ra := range r.best {
		res.Assignments = append(res.Assignments, ra)
	}
	sort.Slice(res.Assignments, func(i, j int) bool {
		a, b := res.Assignments[i], res.Assignments[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.RoleDefinitionID != b.RoleDefinitionID {
			return a.RoleDefinitionID < b.RoleDefinitionID
		}
		return strings.ToLower(a.Scope) < strings.ToLower(b.Scope)
	})

	for _, w := range r.warnings {
		if w.Kind != WarnUnexpandedGroup {
			res.DanglingRefs++
		}
		res.Warnings = append(res.Warnings, w)
	}
	sort.Slice(res.Warnings, func(i, j int) bool {
		return warningKey(res.Warnings[i]) < warningKey(res.Warnings[j])
	})

	return res
}

func (r *resolver) resolveAssignment(a core.RoleAssignment) {
	p, ok := r.lookup(a.PrincipalID)
	if !ok {
		r.warn(Warning{Kind: WarnDanglingPrincipal, AssignmentID: a.ID, MemberID: a.PrincipalID})
		return
	}

	switch p.Kind {
	case core.KindUser:
		r.emit(a, p.ID, 0, "")
	case core.KindGroup:
		visited := map[string]int{p.ID: 0}
		r.expand(a, p.ID, 1, visited)
	default:
		r.skipped[p.ID] = struct{}{}
	}
}

func (r *resolver) expand(a core.RoleAssignment, groupID string, depth int, visited map[string]int) {
	g, ok := r.inv.Groups[groupID]
	if !ok {
		r.warn(Warning{Kind: WarnUnexpandedGroup, GroupID: groupID})
		return
	}

	for _, memberID := range g.Members {
		if d, seen := visited[memberID]; seen && d <= depth {
			continue
		}
		visited[memberID] = depth

		p, ok := r.lookup(memberID)
		if !ok {
			r.warn(Warning{Kind: WarnDanglingMember, GroupID: groupID, MemberID: memberID})
			continue
		}

		switch p.Kind {
		case core.KindUser:
			r.emit(a, memberID, depth, a.PrincipalID)
		case core.KindGroup:
			r.expand(a, memberID, depth+1, visited)
		default:
			r.skipped[memberID] = struct{}{}
		}
	}
}

func (r *resolver) lookup(id string) (core.Principal, bool) {
	if g, ok := r.inv.Groups[id]; ok {
		return g.Principal, true
	}
	p, ok := r.inv.Principals[id]
	return p, ok
}

// emit records a grant, keeping the shortest path per (user, role, scope).
// Equal depths are broken on the granting group ID so the result does not
// depend on assignment order.
func (r *resolver) emit(a core.RoleAssignment, userID string, depth int, via string) {
	ra := core.ResolvedAssignment{
		UserID:           userID,
		RoleDefinitionID: a.RoleDefinitionID,
		Scope:            a.Scope,
		PathLength:       depth,
		ViaGroupID:       via,
		SubscriptionID:   a.SubscriptionID,
	}
	if ra.SubscriptionID == "" {
		ra.SubscriptionID = core.SubscriptionFromScope(a.Scope)
	}

	key := ra.Key()
	cur, ok := r.best[key]
	if !ok || better(ra, cur) {
		r.best[key] = ra
	}
}

func better(a, b core.ResolvedAssignment) bool {
	if a.PathLength != b.PathLength {
		return a.PathLength < b.PathLength
	}
	if a.ViaGroupID != b.ViaGroupID {
		return a.ViaGroupID < b.ViaGroupID
	}
	return a.Scope < b.Scope
}

func (r *resolver) warn(w Warning) {
	r.warnings[warningKey(w)] = w
}

func warningKey(w Warning) string {
	return string(w.Kind) + "|" + w.GroupID + "|" + w.MemberID + "|" + w.AssignmentID
}
