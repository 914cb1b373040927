package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/db"
)

func TestOpenWorkspaceCreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "AzureEnumRBAC")

	engine, err := OpenWorkspace(dir, Scope{TenantID: "tenant-1"}, "info")
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	defer engine.Close()

	ws := engine.Workspace
	if ws.UUID == "" {
		t.Error("expected non-empty UUID")
	}
	if ws.Name != "AzureEnumRBAC" {
		t.Errorf("expected name derived from directory, got %q", ws.Name)
	}
	if ws.TenantID != "tenant-1" {
		t.Errorf("expected tenant persisted, got %q", ws.TenantID)
	}

	for _, sub := range []string{db.IntermediateDir, db.FinalDir, db.SnapshotsDir} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected %s directory to exist", sub)
		}
	}

	valid, count, err := audit.Verify(engine.AuditDB, ws.UUID)
	if err != nil || !valid {
		t.Fatalf("audit chain invalid: %v", err)
	}
	if count != 1 {
		t.Errorf("expected workspace_created audit record, got %d records", count)
	}
}

func TestReopenWorkspaceKeepsIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenWorkspace(dir, Scope{}, "info")
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	uuid := first.Workspace.UUID
	first.Close()

	second, err := OpenWorkspace(dir, Scope{Subscriptions: []string{"sub-1"}}, "debug")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	if second.Workspace.UUID != uuid {
		t.Errorf("expected UUID %s, got %s", uuid, second.Workspace.UUID)
	}
	if len(second.Workspace.ScopeConfig.Subscriptions) != 1 {
		t.Error("expected scope refreshed on reopen")
	}

	_, count, _ := audit.Verify(second.AuditDB, uuid)
	if count != 1 {
		t.Errorf("reopen should not log another workspace_created event, got %d records", count)
	}
}

func TestEngineClose(t *testing.T) {
	engine, err := OpenWorkspace(t.TempDir(), Scope{}, "info")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Errorf("close error: %v", err)
	}
}

func TestParsePrincipalKind(t *testing.T) {
	tests := []struct {
		raw  string
		want PrincipalKind
	}{
		{"User", KindUser},
		{"#microsoft.graph.user", KindUser},
		{"Group", KindGroup},
		{"#microsoft.graph.group", KindGroup},
		{"ServicePrincipal", KindServicePrincipal},
		{"#microsoft.graph.servicePrincipal", KindServicePrincipal},
		{"ForeignGroup", KindForeignGroup},
		{"#microsoft.graph.device", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParsePrincipalKind(tt.raw); got != tt.want {
				t.Errorf("ParsePrincipalKind(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestScopeParsing(t *testing.T) {
	tests := []struct {
		scope   string
		sub     string
		rg      string
		subWide bool
	}{
		{"/", "", "", true},
		{"/subscriptions/s1", "s1", "", true},
		{"/subscriptions/s1/resourceGroups/rg-a", "s1", "rg-a", false},
		{"/subscriptions/s1/resourcegroups/rg-a/providers/Microsoft.Storage/storageAccounts/x", "s1", "rg-a", false},
		{"/providers/Microsoft.Management/managementGroups/mg", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			if got := SubscriptionFromScope(tt.scope); got != tt.sub {
				t.Errorf("SubscriptionFromScope(%q) = %q, want %q", tt.scope, got, tt.sub)
			}
			if got := ResourceGroupFromScope(tt.scope); got != tt.rg {
				t.Errorf("ResourceGroupFromScope(%q) = %q, want %q", tt.scope, got, tt.rg)
			}
			if got := IsSubscriptionScope(tt.scope); got != tt.subWide {
				t.Errorf("IsSubscriptionScope(%q) = %v, want %v", tt.scope, got, tt.subWide)
			}
		})
	}
}

func TestUserProfileFullName(t *testing.T) {
	tests := []struct {
		name    string
		profile UserProfile
		want    string
	}{
		{"given and surname", UserProfile{GivenName: "Ada", Surname: "Lovelace", DisplayName: "AL"}, "Ada Lovelace"},
		{"display name fallback", UserProfile{DisplayName: "Ops Bot"}, "Ops Bot"},
		{"upn fallback", UserProfile{UserPrincipalName: "x@contoso.com"}, "x@contoso.com"},
		{"unknown", UserProfile{}, "(Unknown)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.profile.FullName(); got != tt.want {
				t.Errorf("FullName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoleDefinitionGUID(t *testing.T) {
	full := "/subscriptions/s1/providers/Microsoft.Authorization/roleDefinitions/ACDD72A7-3385-48EF-BD42-F606FBA81AE7"
	if got := RoleDefinitionGUID(full); got != "acdd72a7-3385-48ef-bd42-f606fba81ae7" {
		t.Errorf("RoleDefinitionGUID(full) = %q", got)
	}
	if got := RoleDefinitionGUID("b24988ac-6180-42a0-ab88-20f7382dd24c"); got != "b24988ac-6180-42a0-ab88-20f7382dd24c" {
		t.Errorf("bare GUID should pass through, got %q", got)
	}
}
