package inventory

import (
	"strings"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// Shapes of the az JSON output. Only the fields read are declared.

type rawSubscription struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TenantID  string `json:"tenantId"`
	State     string `json:"state"`
	IsDefault bool   `json:"isDefault"`
}

func (r rawSubscription) toCore() core.Subscription {
	return core.Subscription{
		ID:        normalizeID(r.ID),
		Name:      r.Name,
		TenantID:  normalizeID(r.TenantID),
		State:     r.State,
		IsDefault: r.IsDefault,
	}
}

type rawResourceGroup struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Tags     map[string]string `json:"tags"`
}

type rawResource struct {
	ID            string `json:"id"`
	ResourceGroup string `json:"resourceGroup"`
}

type rawRoleDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RoleName    string `json:"roleName"`
	RoleType    string `json:"roleType"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Permissions []struct {
		Actions     []string `json:"actions"`
		NotActions  []string `json:"notActions"`
		DataActions []string `json:"dataActions"`
	} `json:"permissions"`
}

func (r rawRoleDefinition) toCore() core.RoleDefinition {
	id := r.Name
	if id == "" {
		id = r.ID
	}
	d := core.RoleDefinition{
		ID:          core.RoleDefinitionGUID(id),
		Name:        r.RoleName,
		RoleType:    r.RoleType,
		Description: r.Description,
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	for _, p := range r.Permissions {
		d.Actions = append(d.Actions, p.Actions...)
		d.NotActions = append(d.NotActions, p.NotActions...)
		d.DataActions = append(d.DataActions, p.DataActions...)
	}
	return d
}

type rawRoleAssignment struct {
	ID                 string `json:"id"`
	PrincipalID        string `json:"principalId"`
	PrincipalName      string `json:"principalName"`
	PrincipalType      string `json:"principalType"`
	RoleDefinitionID   string `json:"roleDefinitionId"`
	RoleDefinitionName string `json:"roleDefinitionName"`
	Scope              string `json:"scope"`
}

func (r rawRoleAssignment) toCore(subscriptionID string) core.RoleAssignment {
	sub := core.SubscriptionFromScope(r.Scope)
	if sub == "" {
		sub = subscriptionID
	}
	return core.RoleAssignment{
		ID:                 r.ID,
		PrincipalID:        normalizeID(r.PrincipalID),
		PrincipalType:      core.ParsePrincipalKind(r.PrincipalType),
		PrincipalName:      r.PrincipalName,
		RoleDefinitionID:   core.RoleDefinitionGUID(r.RoleDefinitionID),
		RoleDefinitionName: r.RoleDefinitionName,
		Scope:              r.Scope,
		SubscriptionID:     normalizeID(sub),
	}
}

// rawDirectoryObject is a Graph object as returned by az ad commands.
type rawDirectoryObject struct {
	ID                string   `json:"id"`
	ObjectID          string   `json:"objectId"`
	ODataType         string   `json:"@odata.type"`
	ObjectType        string   `json:"objectType"`
	DisplayName       string   `json:"displayName"`
	UserPrincipalName string   `json:"userPrincipalName"`
	GivenName         string   `json:"givenName"`
	Surname           string   `json:"surname"`
	Mail              string   `json:"mail"`
	JobTitle          string   `json:"jobTitle"`
	MobilePhone       string   `json:"mobilePhone"`
	BusinessPhones    []string `json:"businessPhones"`
}

// objectID prefers the Graph "id" and falls back to the legacy "objectId".
func (r rawDirectoryObject) objectID() string {
	if r.ID != "" {
		return normalizeID(r.ID)
	}
	return normalizeID(r.ObjectID)
}

func (r rawDirectoryObject) kind() core.PrincipalKind {
	if r.ODataType != "" {
		return core.ParsePrincipalKind(r.ODataType)
	}
	return core.ParsePrincipalKind(r.ObjectType)
}

func (r rawDirectoryObject) toPrincipal() core.Principal {
	return core.Principal{
		ID:                r.objectID(),
		DisplayName:       r.DisplayName,
		Kind:              r.kind(),
		UserPrincipalName: r.UserPrincipalName,
	}
}

func (r rawDirectoryObject) toProfile() core.UserProfile {
	return core.UserProfile{
		ID:                r.objectID(),
		DisplayName:       r.DisplayName,
		GivenName:         r.GivenName,
		Surname:           r.Surname,
		Mail:              r.Mail,
		JobTitle:          r.JobTitle,
		MobilePhone:       r.MobilePhone,
		BusinessPhones:    r.BusinessPhones,
		UserPrincipalName: r.UserPrincipalName,
	}
}

// normalizeID lowercases directory and subscription GUIDs so IDs from
// different commands compare equal.
func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
