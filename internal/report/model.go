// Package report joins resolved assignments with names, profiles and
// resource counts and writes the final CSV, JSON, HTML and markdown outputs.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// Input is everything the report needs. It is read only.
type Input struct {
	Resolved      []core.ResolvedAssignment
	Assignments   []core.RoleAssignment
	Principals    []core.Principal
	Roles         []core.RoleDefinition
	Subscriptions []core.Subscription
	Resources     []core.SubscriptionResources
	Profiles      map[string]core.UserProfile
	Stats         Stats
	Phases        []core.PhaseRun
	GeneratedAt   time.Time
}

// Stats carries resolver and collector counters into the summary.
type Stats struct {
	DanglingRefs   int      `json:"dangling_refs"`
	SkippedNonUser int      `json:"skipped_non_user"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Row is one resolved assignment joined with display data.
type Row struct {
	UserID            string `json:"user_id"`
	Name              string `json:"name"`
	DisplayName       string `json:"display_name,omitempty"`
	UserPrincipalName string `json:"user_principal_name,omitempty"`
	JobTitle          string `json:"job_title,omitempty"`
	RoleID            string `json:"role_id"`
	Role              string `json:"role"`
	Scope             string `json:"scope"`
	SubscriptionID    string `json:"subscription_id,omitempty"`
	SubscriptionName  string `json:"subscription_name,omitempty"`
	ResourceCount     int    `json:"resource_count"`
	PathLength        int    `json:"path_length"`
	ViaGroupID        string `json:"via_group_id,omitempty"`
	ViaGroupName      string `json:"via_group_name,omitempty"`
}

// ScopeGrant is one scope under a user's role.
type ScopeGrant struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	Scope          string `json:"scope"`
	ResourceCount  int    `json:"resource_count"`
	PathLength     int    `json:"path_length"`
}

// RoleGrant groups a user's scopes for one role. ResourceCount is the sum
// of its scopes.
type RoleGrant struct {
	Role          string       `json:"role"`
	ResourceCount int          `json:"resource_count"`
	Scopes        []ScopeGrant `json:"scopes"`
}

// Identity is one user principal with its profile and role tree.
type Identity struct {
	Mail           string      `json:"mail,omitempty"`
	DisplayName    string      `json:"displayName,omitempty"`
	JobTitle       string      `json:"jobTitle,omitempty"`
	MobilePhone    string      `json:"mobilePhone,omitempty"`
	BusinessPhone  string      `json:"businessPhone,omitempty"`
	BusinessPhones []string    `json:"businessPhones,omitempty"`
	ResourceCount  int         `json:"resource_count"`
	RBAC           []RoleGrant `json:"rbac"`
}

// dataset is the joined view every output is rendered from.
type dataset struct {
	rows []Row
	// identities is keyed by full name, then principal ID.
	identities map[string]map[string]Identity
	resources  *ResourceIndex
}

func build(in Input) *dataset {
	principals := make(map[string]core.Principal, len(in.Principals))
	for _, p := range in.Principals {
		principals[p.ID] = p
	}
	subNames := make(map[string]string, len(in.Subscriptions))
	for _, s := range in.Subscriptions {
		subNames[strings.ToLower(s.ID)] = s.Name
	}
	names := newRoleNames(in.Roles, in.Assignments)
	idx := NewResourceIndex(in.Resources)

	ds := &dataset{identities: make(map[string]map[string]Identity), resources: idx}

	for _, ra := range in.Resolved {
		p := principals[ra.UserID]
		profile, hasProfile := in.Profiles[ra.UserID]
		if !hasProfile {
			profile = core.UserProfile{ID: ra.UserID, DisplayName: p.DisplayName, UserPrincipalName: p.UserPrincipalName}
		}

		row := Row{
			UserID:            ra.UserID,
			Name:              profile.FullName(),
			DisplayName:       displayOr(profile.DisplayName, p.DisplayName),
			UserPrincipalName: displayOr(profile.UserPrincipalName, p.UserPrincipalName),
			JobTitle:          profile.JobTitle,
			RoleID:            ra.RoleDefinitionID,
			Role:              names.name(ra.RoleDefinitionID),
			Scope:             ra.Scope,
			SubscriptionID:    ra.SubscriptionID,
			SubscriptionName:  subNames[strings.ToLower(ra.SubscriptionID)],
			ResourceCount:     idx.Count(ra.Scope, ra.SubscriptionID),
			PathLength:        ra.PathLength,
			ViaGroupID:        ra.ViaGroupID,
		}
		if ra.ViaGroupID != "" {
			row.ViaGroupName = principals[ra.ViaGroupID].DisplayName
		}
		ds.rows = append(ds.rows, row)
	}

	sort.SliceStable(ds.rows, func(i, j int) bool {
		a, b := ds.rows[i], ds.rows[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return strings.ToLower(a.Scope) < strings.ToLower(b.Scope)
	})

	for _, row := range ds.rows {
		byID, ok := ds.identities[row.Name]
		if !ok {
			byID = make(map[string]Identity)
			ds.identities[row.Name] = byID
		}
		ident, ok := byID[row.UserID]
		if !ok {
			ident = newIdentity(row, in.Profiles[row.UserID])
		}
		ident.addGrant(row)
		byID[row.UserID] = ident
	}

	return ds
}

func newIdentity(row Row, profile core.UserProfile) Identity {
	ident := Identity{
		Mail:        profile.Mail,
		DisplayName: row.DisplayName,
		JobTitle:    row.JobTitle,
		MobilePhone: profile.MobilePhone,
		RBAC:        []RoleGrant{},
	}
	switch len(profile.BusinessPhones) {
	case 0:
	case 1:
		ident.BusinessPhone = profile.BusinessPhones[0]
	default:
		ident.BusinessPhones = profile.BusinessPhones
	}
	return ident
}

// addGrant expects rows for one user to arrive sorted by role.
func (id *Identity) addGrant(row Row) {
	n := len(id.RBAC)
	if n == 0 || id.RBAC[n-1].Role != row.Role {
		id.RBAC = append(id.RBAC, RoleGrant{Role: row.Role})
		n++
	}
	g := &id.RBAC[n-1]
	g.Scopes = append(g.Scopes, ScopeGrant{
		SubscriptionID: row.SubscriptionID,
		Scope:          row.Scope,
		ResourceCount:  row.ResourceCount,
		PathLength:     row.PathLength,
	})
	g.ResourceCount += row.ResourceCount
	id.ResourceCount += row.ResourceCount
}

// roleNames resolves role definition IDs to names. Definitions listed for
// the session's default subscription miss custom roles defined elsewhere,
// so the names carried on assignments fill the gaps.
type roleNames map[string]string

func newRoleNames(defs []core.RoleDefinition, assignments []core.RoleAssignment) roleNames {
	n := make(roleNames, len(defs))
	for _, a := range assignments {
		if a.RoleDefinitionName != "" {
			n[a.RoleDefinitionID] = a.RoleDefinitionName
		}
	}
	for _, d := range defs {
		if d.Name != "" {
			n[d.ID] = d.Name
		}
	}
	return n
}

func (n roleNames) name(id string) string {
	if name, ok := n[id]; ok {
		return name
	}
	return id
}

// ResourceIndex answers resource counts per scope.
type ResourceIndex struct {
	subs map[string]*subscriptionIndex
}

type subscriptionIndex struct {
	total int
	rgs   map[string]core.ResourceGroup
	order []core.ResourceGroup
}

// NewResourceIndex indexes collected resources by lowercased subscription
// and resource group IDs.
func NewResourceIndex(resources []core.SubscriptionResources) *ResourceIndex {
	idx := &ResourceIndex{subs: make(map[string]*subscriptionIndex, len(resources))}
	for _, sr := range resources {
		si := &subscriptionIndex{total: sr.ResourceCount, rgs: make(map[string]core.ResourceGroup)}
		for _, rg := range sr.ResourceGroups {
			if rg.ID == "" {
				continue
			}
			si.rgs[strings.ToLower(rg.ID)] = rg
			si.order = append(si.order, rg)
		}
		idx.subs[strings.ToLower(sr.SubscriptionID)] = si
	}
	return idx
}

// Count returns the number of resources a grant at scope reaches. The root
// scope and a whole subscription count every resource in subscriptionID; a
// known resource group counts its resources; anything else, including
// scopes in subscriptions that were never collected, counts as one.
func (x *ResourceIndex) Count(scope, subscriptionID string) int {
	si, ok := x.subs[strings.ToLower(subscriptionID)]
	if !ok {
		return 1
	}
	trimmed := strings.TrimSpace(scope)
	if trimmed == "/" || strings.EqualFold(trimmed, "/subscriptions/"+subscriptionID) {
		return si.total
	}
	if rg, ok := si.rgs[strings.ToLower(trimmed)]; ok {
		return rg.ResourceCount
	}
	return 1
}

// Path is one resource path a grant reaches with its resource count.
type Path struct {
	Path  string
	Count int
}

// Expand breaks a grant's scope down for the user matrix. A subscription
// scope yields each of its resource groups holding resources; a resource
// group yields itself when it holds resources; any other scope yields
// itself with count one.
func (x *ResourceIndex) Expand(scope string) []Path {
	trimmed := strings.TrimSpace(scope)
	sub := core.SubscriptionFromScope(trimmed)
	si, ok := x.subs[strings.ToLower(sub)]
	if sub == "" || !ok {
		return []Path{{Path: trimmed, Count: 1}}
	}

	if core.IsSubscriptionScope(trimmed) {
		var out []Path
		for _, rg := range si.order {
			if rg.ResourceCount > 0 {
				out = append(out, Path{Path: rg.ID, Count: rg.ResourceCount})
			}
		}
		return out
	}
	if rg, ok := si.rgs[strings.ToLower(trimmed)]; ok {
		if rg.ResourceCount == 0 {
			return nil
		}
		return []Path{{Path: rg.ID, Count: rg.ResourceCount}}
	}
	return []Path{{Path: trimmed, Count: 1}}
}

func displayOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
