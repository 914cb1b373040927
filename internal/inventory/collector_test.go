package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/azenumrbac/azenumrbac/internal/azcli/azclitest"
	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/scope"
	"github.com/azenumrbac/azenumrbac/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ready = session.Readiness{Installed: true, Authenticated: true}

func newCollector(fake *azclitest.Executor, sc core.Scope) *Collector {
	client := azcli.NewClient(fake, zerolog.Nop(), azcli.Options{MaxAttempts: 2, RatePerSecond: 1000})
	return NewCollector(client, ready, scope.NewChecker(sc), nil, zerolog.Nop())
}

func TestCollectorRequiresSession(t *testing.T) {
	client := azcli.NewClient(azclitest.New(), zerolog.Nop(), azcli.Options{MaxAttempts: 1, RatePerSecond: 1000})
	c := NewCollector(client, session.Readiness{Installed: true}, nil, nil, zerolog.Nop())

	_, err := c.Subscriptions(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotReady)
	_, err = c.GroupMembers(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestSubscriptionsScopeFilter(t *testing.T) {
	fake := azclitest.New().On("account list --all", azclitest.Response{Stdout: `[
		{"id": "SUB-1", "name": "Prod", "tenantId": "t1", "state": "Enabled", "isDefault": true, "user": {"name": "ops@contoso.com"}},
		{"id": "sub-2", "name": "Dev", "tenantId": "t1", "state": "Enabled"},
		{"name": "broken"}
	]`})

	subs, err := newCollector(fake, core.Scope{ExcludedSubscriptions: []string{"Dev"}}).Subscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.True(t, subs[0].IsDefault)
}

func TestSubscriptionsFailureIsFatal(t *testing.T) {
	fake := azclitest.New().Fail("account list --all", 1, "ERROR: server busy")

	_, err := newCollector(fake, core.Scope{}).Subscriptions(context.Background())
	require.Error(t, err)

	var cmdErr *azcli.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.Attempts)
	assert.Equal(t, 2, fake.CallCount("account list --all"))
}

func TestResources(t *testing.T) {
	fake := azclitest.New().
		On("group list --subscription sub-1", azclitest.Response{Stdout: `[
			{"id": "/subscriptions/sub-1/resourceGroups/rg-web", "name": "rg-web", "location": "westeurope", "tags": {"env": "prod"}},
			{"id": "/subscriptions/sub-1/resourceGroups/rg-empty", "name": "rg-empty", "location": "westeurope"}
		]`}).
		On("resource list --subscription sub-1", azclitest.Response{Stdout: `[
			{"id": "/subscriptions/sub-1/resourceGroups/rg-web/providers/Microsoft.Web/sites/a", "resourceGroup": "RG-WEB"},
			{"id": "/subscriptions/sub-1/resourceGroups/rg-web/providers/Microsoft.Web/sites/b", "resourceGroup": "rg-web"},
			{"id": "/subscriptions/sub-1/resourceGroups/gone/providers/x/y/z", "resourceGroup": "gone"}
		]`})

	out, err := newCollector(fake, core.Scope{}).Resources(context.Background(), []core.Subscription{{ID: "sub-1", Name: "Prod"}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	sr := out[0]
	assert.Equal(t, 2, sr.ResourceGroupCount)
	assert.Equal(t, 2, sr.ResourceCount)
	assert.Equal(t, "rg-empty", sr.ResourceGroups[0].Name)
	assert.Equal(t, 0, sr.ResourceGroups[0].ResourceCount)
	assert.Equal(t, 2, sr.ResourceGroups[1].ResourceCount)
	assert.Equal(t, "prod", sr.ResourceGroups[1].Tags["env"])
}

func TestRoleDefinitions(t *testing.T) {
	fake := azclitest.New().On("role definition list", azclitest.Response{Stdout: `[
		{"id": "/subscriptions/sub-1/providers/Microsoft.Authorization/roleDefinitions/acdd72a7-3385-48ef-bd42-f606fba81ae7",
		 "name": "acdd72a7-3385-48ef-bd42-f606fba81ae7", "roleName": "Reader", "roleType": "BuiltInRole",
		 "permissions": [{"actions": ["*/read"], "notActions": [], "dataActions": []}]},
		{"id": "/subscriptions/sub-1/providers/Microsoft.Authorization/roleDefinitions/8e3af657-a8ff-443c-a75c-2fe8c4bcb635",
		 "name": "8e3af657-a8ff-443c-a75c-2fe8c4bcb635", "roleName": "Owner", "roleType": "BuiltInRole",
		 "permissions": [{"actions": ["*"]}]}
	]`})

	defs, err := newCollector(fake, core.Scope{}).RoleDefinitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "Owner", defs[0].Name)
	assert.Equal(t, "acdd72a7-3385-48ef-bd42-f606fba81ae7", defs[1].ID)
	assert.Equal(t, []string{"*/read"}, defs[1].Actions)
}

func TestRoleAssignmentsNormalizeAndDedup(t *testing.T) {
	inherited := `{"id": "/providers/Microsoft.Management/managementGroups/root/providers/Microsoft.Authorization/roleAssignments/ra-mg",
		"principalId": "G-ROOT", "principalType": "Group", "principalName": "Root Admins",
		"roleDefinitionId": "/providers/Microsoft.Authorization/roleDefinitions/8E3AF657-A8FF-443C-A75C-2FE8C4BCB635",
		"roleDefinitionName": "Owner", "scope": "/providers/Microsoft.Management/managementGroups/root"}`

	fake := azclitest.New().
		On("role assignment list --subscription sub-1 --all", azclitest.Response{Stdout: `[` + inherited + `,
			{"id": "/subscriptions/sub-1/providers/Microsoft.Authorization/roleAssignments/ra-1",
			 "principalId": "u-1", "principalType": "User", "principalName": "alice@contoso.com",
			 "roleDefinitionId": "/subscriptions/sub-1/providers/Microsoft.Authorization/roleDefinitions/acdd72a7-3385-48ef-bd42-f606fba81ae7",
			 "roleDefinitionName": "Reader", "scope": "/subscriptions/sub-1/resourceGroups/rg-web"}
		]`}).
		On("role assignment list --subscription sub-2 --all", azclitest.Response{Stdout: `[` + inherited + `]`})

	subs := []core.Subscription{{ID: "sub-1"}, {ID: "sub-2"}}
	got, err := newCollector(fake, core.Scope{}).RoleAssignments(context.Background(), subs)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byPrincipal := map[string]core.RoleAssignment{}
	for _, a := range got {
		byPrincipal[a.PrincipalID] = a
	}
	root := byPrincipal["g-root"]
	assert.Equal(t, core.KindGroup, root.PrincipalType)
	assert.Equal(t, "8e3af657-a8ff-443c-a75c-2fe8c4bcb635", root.RoleDefinitionID)
	assert.Equal(t, "sub-1", root.SubscriptionID, "management group grants take the listing subscription")

	alice := byPrincipal["u-1"]
	assert.Equal(t, core.KindUser, alice.PrincipalType)
	assert.Equal(t, "sub-1", alice.SubscriptionID)

	principals := PrincipalsFromAssignments(got)
	require.Len(t, principals, 2)
	assert.Equal(t, "alice@contoso.com", principals[1].UserPrincipalName)
}

func TestGroupMembersNestedCycle(t *testing.T) {
	fake := azclitest.New().
		On("ad group show --group g1", azclitest.Response{Stdout: `{"id": "g1", "displayName": "Admins"}`}).
		On("ad group member list --group g1", azclitest.Response{Stdout: `[
			{"@odata.type": "#microsoft.graph.user", "id": "u-a", "displayName": "User A", "userPrincipalName": "a@contoso.com"},
			{"@odata.type": "#microsoft.graph.group", "id": "g2", "displayName": "Ops"}
		]`}).
		On("ad group show --group g2", azclitest.Response{Stdout: `{"id": "g2", "displayName": "Ops"}`}).
		On("ad group member list --group g2", azclitest.Response{Stdout: `[
			{"@odata.type": "#microsoft.graph.user", "id": "u-b", "displayName": "User B"},
			{"@odata.type": "#microsoft.graph.group", "id": "g1", "displayName": "Admins"},
			{"@odata.type": "#microsoft.graph.servicePrincipal", "id": "sp-1", "displayName": "deployer"}
		]`})

	assignments := []core.RoleAssignment{{PrincipalID: "g1", PrincipalType: core.KindGroup}}
	inv, err := newCollector(fake, core.Scope{}).GroupMembers(context.Background(), assignments)
	require.NoError(t, err)

	require.Len(t, inv.Groups, 2)
	assert.Equal(t, "Admins", inv.Groups[0].DisplayName)
	assert.Equal(t, []string{"g2", "u-a"}, inv.Groups[0].Members)
	assert.Equal(t, []string{"g1", "sp-1", "u-b"}, inv.Groups[1].Members)
	assert.Empty(t, inv.Warnings)

	assert.Equal(t, 1, fake.CallCount("ad group member list --group g1"), "cycle must not re-fetch g1")

	kinds := map[string]core.PrincipalKind{}
	for _, m := range inv.Members {
		kinds[m.ID] = m.Kind
	}
	assert.Equal(t, core.KindServicePrincipal, kinds["sp-1"])
	assert.Equal(t, core.KindUser, kinds["u-a"])
}

func TestGroupMembersFailureIsWarning(t *testing.T) {
	fake := azclitest.New().
		On("ad group show --group g1", azclitest.Response{Stdout: `{"id": "g1", "displayName": "Admins"}`}).
		Fail("ad group member list --group g1", 1, "Insufficient privileges")

	assignments := []core.RoleAssignment{{PrincipalID: "g1", PrincipalType: core.KindGroup}}
	inv, err := newCollector(fake, core.Scope{}).GroupMembers(context.Background(), assignments)
	require.NoError(t, err)
	assert.Empty(t, inv.Groups)
	assert.Len(t, inv.Warnings, 1)
}

func TestUserProfilesResumeAndCheckpoint(t *testing.T) {
	fake := azclitest.New().
		On("ad user show --id u-2", azclitest.Response{Stdout: `{"id": "u-2", "givenName": "Bo", "surname": "Ek", "jobTitle": "SRE", "businessPhones": ["+46 1"]}`}).
		Fail("ad user show --id u-3", 1, "Resource 'u-3' does not exist")

	c := newCollector(fake, core.Scope{})
	c.SetBatchSize(1)

	prior := &UserProfiles{Profiles: map[string]core.UserProfile{"u-1": {ID: "u-1", DisplayName: "Cached"}}}
	checkpoints := 0
	out, err := c.UserProfiles(context.Background(), []string{"u-1", "u-2", "u-3"}, prior, func(*UserProfiles) error {
		checkpoints++
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 0, fake.CallCount("ad user show --id u-1"), "cached profile must not be refetched")
	assert.Equal(t, "Bo Ek", out.Profiles["u-2"].FullName())
	assert.Equal(t, "SRE", out.Profiles["u-2"].JobTitle)
	assert.NotContains(t, out.Profiles, "u-3")
	assert.Len(t, out.Warnings, 1)
	assert.Equal(t, 2, checkpoints)
}

func TestUserProfilesCheckpointError(t *testing.T) {
	fake := azclitest.New().On("ad user show --id u-1", azclitest.Response{Stdout: `{"id": "u-1"}`})

	_, err := newCollector(fake, core.Scope{}).UserProfiles(context.Background(), []string{"u-1"}, nil,
		func(*UserProfiles) error { return errors.New("disk full") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestMergePrincipalsAndUserIDs(t *testing.T) {
	fromAssignments := []core.Principal{{ID: "u-1", Kind: core.KindUser, UserPrincipalName: "a@contoso.com"}}
	fromMembers := []core.Principal{
		{ID: "u-1", Kind: core.KindUser, DisplayName: "Alice"},
		{ID: "sp-1", Kind: core.KindServicePrincipal},
		{ID: "u-2", Kind: core.KindUser},
	}

	merged := MergePrincipals(fromAssignments, fromMembers)
	require.Len(t, merged, 3)
	assert.Equal(t, core.Principal{ID: "u-1", Kind: core.KindUser, DisplayName: "Alice", UserPrincipalName: "a@contoso.com"}, merged[1])

	assert.Equal(t, []string{"u-1", "u-2"}, UserIDs(merged))
}
