// Package core defines the foundational types for azenumrbac.
// Collection phases produce these records, the resolver consumes them,
// and the report writer joins them into tabular and visual outputs.
package core

import (
	"strings"
	"time"
)

// PrincipalKind describes what sort of directory object a principal is.
type PrincipalKind string

const (
	KindUser             PrincipalKind = "user"
	KindGroup            PrincipalKind = "group"
	KindServicePrincipal PrincipalKind = "service_principal"
	KindForeignGroup     PrincipalKind = "foreign_group"
	KindUnknown          PrincipalKind = "unknown"
)

// ParsePrincipalKind normalizes the principal type strings emitted by the
// role assignment API ("User", "Group") and by Graph member listings
// ("#microsoft.graph.user").
func ParsePrincipalKind(raw string) PrincipalKind {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "#microsoft.graph.")
	switch s {
	case "user":
		return KindUser
	case "group":
		return KindGroup
	case "serviceprincipal", "service_principal", "msi":
		return KindServicePrincipal
	case "foreigngroup", "foreign_group":
		return KindForeignGroup
	default:
		return KindUnknown
	}
}

// RunStatus tracks a phase run's lifecycle.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
	RunSkipped RunStatus = "skipped"
)

// RunMode tells full pipeline runs apart from single-phase invocations.
type RunMode string

const (
	ModeAll   RunMode = "all"
	ModePhase RunMode = "phase"
)

// Workspace is the output directory of one enumeration target.
type Workspace struct {
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Owner       string    `json:"owner"`
	ScopeConfig Scope     `json:"scope_config"`
	Path        string    `json:"path"`
}

// Scope limits which subscriptions are enumerated.
type Scope struct {
	TenantID              string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Subscriptions         []string `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`
	ExcludedSubscriptions []string `json:"excluded_subscriptions,omitempty" yaml:"excluded_subscriptions,omitempty"`
}

// Principal is any identity that can hold a role: user, group or service principal.
type Principal struct {
	ID                string        `json:"id"`
	DisplayName       string        `json:"display_name"`
	Kind              PrincipalKind `json:"kind"`
	UserPrincipalName string        `json:"user_principal_name,omitempty"`
}

// Group is a principal whose members are other principals.
// Membership may be nested and may contain cycles.
type Group struct {
	Principal
	Members []string `json:"members"`
}

// RoleDefinition is a named set of permissions.
type RoleDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	RoleType    string   `json:"role_type,omitempty"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	NotActions  []string `json:"not_actions,omitempty"`
	DataActions []string `json:"data_actions,omitempty"`
}

// RoleAssignment binds a principal to a role definition at a scope.
type RoleAssignment struct {
	ID                 string        `json:"id"`
	PrincipalID        string        `json:"principal_id"`
	PrincipalType      PrincipalKind `json:"principal_type"`
	PrincipalName      string        `json:"principal_name,omitempty"`
	RoleDefinitionID   string        `json:"role_definition_id"`
	RoleDefinitionName string        `json:"role_definition_name,omitempty"`
	Scope              string        `json:"scope"`
	SubscriptionID     string        `json:"subscription_id"`
}

// ResolvedAssignment is a flattened user-to-role mapping.
// PathLength 0 means the role is held directly; greater values count the
// group hops between the grant and the user.
type ResolvedAssignment struct {
	UserID           string `json:"user_id"`
	RoleDefinitionID string `json:"role_definition_id"`
	Scope            string `json:"scope"`
	PathLength       int    `json:"path_length"`
	ViaGroupID       string `json:"via_group_id,omitempty"`
	SubscriptionID   string `json:"subscription_id,omitempty"`
}

// Key returns the deduplication key (user, role, scope).
func (r ResolvedAssignment) Key() string {
	return r.UserID + "|" + r.RoleDefinitionID + "|" + strings.ToLower(r.Scope)
}

// Subscription is an account container returned by the session's account listing.
type Subscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TenantID  string `json:"tenant_id"`
	State     string `json:"state,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// ResourceGroup is a named container of resources within a subscription.
type ResourceGroup struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Location      string            `json:"location,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	ResourceCount int               `json:"resource_count"`
	Resources     []string          `json:"resources,omitempty"`
}

// SubscriptionResources summarizes one subscription's resource groups.
type SubscriptionResources struct {
	SubscriptionID     string          `json:"subscription_id"`
	SubscriptionName   string          `json:"subscription_name"`
	ResourceGroupCount int             `json:"resource_group_count"`
	ResourceCount      int             `json:"resource_count"`
	ResourceGroups     []ResourceGroup `json:"resource_groups"`
}

// UserProfile holds directory attributes used to label report rows.
type UserProfile struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"display_name,omitempty"`
	GivenName         string   `json:"given_name,omitempty"`
	Surname           string   `json:"surname,omitempty"`
	Mail              string   `json:"mail,omitempty"`
	JobTitle          string   `json:"job_title,omitempty"`
	MobilePhone       string   `json:"mobile_phone,omitempty"`
	BusinessPhones    []string `json:"business_phones,omitempty"`
	UserPrincipalName string   `json:"user_principal_name,omitempty"`
}

// FullName returns "Given Surname", falling back to the display name,
// then the UPN, then "(Unknown)".
func (p UserProfile) FullName() string {
	name := strings.TrimSpace(p.GivenName + " " + p.Surname)
	switch {
	case name != "":
		return name
	case p.DisplayName != "":
		return p.DisplayName
	case p.UserPrincipalName != "":
		return p.UserPrincipalName
	default:
		return "(Unknown)"
	}
}

// PhaseRun records a single execution of a pipeline phase.
type PhaseRun struct {
	UUID          string         `json:"uuid"`
	RunUUID       string         `json:"run_uuid"`
	Phase         string         `json:"phase"`
	Status        RunStatus      `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	ErrorDetail   *string        `json:"error_detail,omitempty"`
	WorkspaceUUID string         `json:"workspace_uuid"`
	CreatedBy     string         `json:"created_by"`
	Mode          RunMode        `json:"mode"`
}

// IntermediateRecord describes a phase's persisted output file.
type IntermediateRecord struct {
	UUID          string    `json:"uuid"`
	WorkspaceUUID string    `json:"workspace_uuid"`
	Phase         string    `json:"phase"`
	RunUUID       string    `json:"run_uuid,omitempty"`
	ContentHash   string    `json:"content_hash"`
	StoragePath   string    `json:"storage_path"`
	ByteSize      int64     `json:"byte_size"`
	RecordCount   int       `json:"record_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// MembershipEdge links a group to one of its direct members.
type MembershipEdge struct {
	UUID          string        `json:"uuid"`
	WorkspaceUUID string        `json:"workspace_uuid"`
	GroupID       string        `json:"group_id"`
	MemberID      string        `json:"member_id"`
	MemberKind    PrincipalKind `json:"member_kind"`
	DiscoveredAt  time.Time     `json:"discovered_at"`
}

// SubscriptionFromScope extracts the subscription ID from an ARM scope path.
// Returns "" for the root scope "/" or malformed paths.
func SubscriptionFromScope(scope string) string {
	parts := strings.Split(strings.Trim(scope, "/"), "/")
	if len(parts) >= 2 && strings.EqualFold(parts[0], "subscriptions") {
		return parts[1]
	}
	return ""
}

// ResourceGroupFromScope extracts the resource group name from an ARM scope
// path, or "" when the scope is above or outside a resource group.
func ResourceGroupFromScope(scope string) string {
	parts := strings.Split(strings.Trim(scope, "/"), "/")
	if len(parts) >= 4 && strings.EqualFold(parts[2], "resourceGroups") {
		return parts[3]
	}
	return ""
}

// RoleDefinitionGUID reduces a role definition resource ID to its trailing
// GUID. The same built-in role carries a different subscription prefix in
// every subscription, so the GUID is the stable join key.
func RoleDefinitionGUID(id string) string {
	id = strings.TrimRight(strings.TrimSpace(id), "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return strings.ToLower(id)
}

// IsSubscriptionScope reports whether scope is the root scope or a whole
// subscription.
func IsSubscriptionScope(scope string) bool {
	trimmed := strings.Trim(scope, "/")
	if trimmed == "" {
		return true
	}
	parts := strings.Split(trimmed, "/")
	return len(parts) == 2 && strings.EqualFold(parts[0], "subscriptions")
}
