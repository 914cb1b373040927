package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sub1     = "/subscriptions/sub1"
	rgA      = "/subscriptions/sub1/resourceGroups/rg-a"
	rgB      = "/subscriptions/sub1/resourceGroups/rg-b"
	vmScope  = "/subscriptions/sub1/resourceGroups/rg-a/providers/Microsoft.Compute/virtualMachines/vm1"
	roleRead = "acdd72a7-3385-48ef-bd42-f606fba81ae7"
	roleOwn  = "8e3af657-a8ff-443c-a75c-2fe8c4bcb635"
	roleCon  = "b24988ac-6180-42a0-ab88-20f7382dd24c"
)

func sampleInput() Input {
	return Input{
		Resolved: []core.ResolvedAssignment{
			{UserID: "u1", RoleDefinitionID: roleRead, Scope: sub1, SubscriptionID: "sub1"},
			{UserID: "u1", RoleDefinitionID: roleOwn, Scope: rgA, SubscriptionID: "sub1", PathLength: 1, ViaGroupID: "g1"},
			{UserID: "u2", RoleDefinitionID: roleRead, Scope: rgB, SubscriptionID: "sub1"},
			{UserID: "u3", RoleDefinitionID: roleCon, Scope: vmScope, SubscriptionID: "sub1", PathLength: 2, ViaGroupID: "g1"},
		},
		Assignments: []core.RoleAssignment{
			{ID: "a1", PrincipalID: "u1", RoleDefinitionID: roleRead, Scope: sub1},
			{ID: "a2", PrincipalID: "g1", RoleDefinitionID: roleOwn, Scope: rgA},
			{ID: "a3", PrincipalID: "g1", RoleDefinitionID: roleCon, RoleDefinitionName: "Contributor", Scope: vmScope},
		},
		Principals: []core.Principal{
			{ID: "u1", DisplayName: "Ann", Kind: core.KindUser},
			{ID: "u2", DisplayName: "Bob", Kind: core.KindUser},
			{ID: "u3", DisplayName: "Carl", Kind: core.KindUser, UserPrincipalName: "carl@example.com"},
			{ID: "g1", DisplayName: "Admins", Kind: core.KindGroup},
		},
		Roles: []core.RoleDefinition{
			{ID: roleRead, Name: "Reader"},
			{ID: roleOwn, Name: "Owner"},
		},
		Subscriptions: []core.Subscription{{ID: "sub1", Name: "Production"}},
		Resources: []core.SubscriptionResources{{
			SubscriptionID: "sub1",
			ResourceCount:  3,
			ResourceGroups: []core.ResourceGroup{
				{ID: rgA, Name: "rg-a", ResourceCount: 3},
				{ID: rgB, Name: "rg-b", ResourceCount: 0},
			},
		}},
		Profiles: map[string]core.UserProfile{
			"u1": {ID: "u1", GivenName: "Ann", Surname: "Lee", JobTitle: "Engineer", Mail: "ann@example.com", BusinessPhones: []string{"555-0100"}},
			"u2": {ID: "u2", GivenName: "Bob", Surname: "Ray", JobTitle: "Analyst"},
		},
		Stats:       Stats{DanglingRefs: 2, SkippedNonUser: 1, Warnings: []string{"group g9: members unavailable"}},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func writeSample(t *testing.T, in Input) (string, []File) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "final")
	files, err := NewWriter(dir, zerolog.Nop()).Write(in)
	require.NoError(t, err)
	return dir, files
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteProducesAllFiles(t *testing.T) {
	dir, files := writeSample(t, sampleInput())

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		require.NoError(t, err)
		sum := sha256.Sum256(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), f.SHA256, f.Name)
	}
	assert.ElementsMatch(t, []string{
		FileResolvedCSV, FileResolvedJSON, FileRoleMatrix, FileUserMatrix,
		FileIdentities, FileUserChart, FileRoleChart, FileSummary,
	}, names)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(files), "no temporary files left behind")
}

func TestResolvedCSVJoinsNames(t *testing.T) {
	dir, _ := writeSample(t, sampleInput())
	records := readCSV(t, filepath.Join(dir, FileResolvedCSV))
	require.Len(t, records, 5)
	assert.Equal(t, "user_id", records[0][0])

	byKey := make(map[string][]string)
	for _, r := range records[1:] {
		byKey[r[0]+"|"+r[5]] = r
	}

	owner := byKey["u1|Owner"]
	require.NotNil(t, owner)
	assert.Equal(t, "Ann Lee", owner[1])
	assert.Equal(t, "Production", owner[9])
	assert.Equal(t, "3", owner[10])
	assert.Equal(t, "1", owner[11])
	assert.Equal(t, "Admins", owner[13])

	// No definition listed; the name carried on the assignment is used.
	carl := byKey["u3|Contributor"]
	require.NotNil(t, carl)
	assert.Equal(t, "Carl", carl[1])
	assert.Equal(t, "carl@example.com", carl[3])
	assert.Equal(t, "1", carl[10])

	assert.Equal(t, "0", byKey["u2|Reader"][10])
}

func TestResolvedJSONDocument(t *testing.T) {
	dir, _ := writeSample(t, sampleInput())
	data, err := os.ReadFile(filepath.Join(dir, FileResolvedJSON))
	require.NoError(t, err)

	var doc resolvedDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2026-03-01T12:00:00Z", doc.GeneratedAt)
	assert.Equal(t, 4, doc.Count)
	assert.Len(t, doc.Assignments, 4)
	assert.Equal(t, 2, doc.Stats.DanglingRefs)
	assert.Equal(t, 1, doc.Stats.SkippedNonUser)
}

func TestEmptyInputStillWritesEveryFile(t *testing.T) {
	dir, files := writeSample(t, Input{})
	require.Len(t, files, 8)

	data, err := os.ReadFile(filepath.Join(dir, FileResolvedJSON))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"assignments": []`)

	chart, err := os.ReadFile(filepath.Join(dir, FileUserChart))
	require.NoError(t, err)
	assert.Contains(t, string(chart), "const userData = [];")
}

func TestUserMatrixExpandsScopes(t *testing.T) {
	dir, files := writeSample(t, sampleInput())
	records := readCSV(t, filepath.Join(dir, FileUserMatrix))

	// Ann's subscription Reader expands to rg-a only (rg-b is empty), her
	// Owner grant is rg-a, Bob's rg-b grant reaches nothing, Carl's VM is one.
	require.Len(t, records, 4)
	var paths []string
	for _, r := range records[1:] {
		paths = append(paths, r[7]+"="+r[6])
	}
	assert.Equal(t, []string{rgA + "=3", rgA + "=3", vmScope + "=1"}, paths)

	for _, f := range files {
		if f.Name == FileUserMatrix {
			assert.Equal(t, 3, f.Records)
		}
	}
}

func TestRoleMatrixPrincipalCount(t *testing.T) {
	dir, _ := writeSample(t, sampleInput())
	records := readCSV(t, filepath.Join(dir, FileRoleMatrix))
	require.Len(t, records, 5)
	for _, r := range records[1:] {
		if r[1] == "Reader" {
			assert.Equal(t, "2", r[0])
		}
	}
}

func TestIdentitiesGroupedByName(t *testing.T) {
	ds := build(sampleInput())

	ann := ds.identities["Ann Lee"]["u1"]
	assert.Equal(t, 6, ann.ResourceCount)
	assert.Equal(t, "ann@example.com", ann.Mail)
	assert.Equal(t, "555-0100", ann.BusinessPhone)
	assert.Empty(t, ann.BusinessPhones)
	require.Len(t, ann.RBAC, 2)
	assert.Equal(t, "Owner", ann.RBAC[0].Role)
	assert.Equal(t, "Reader", ann.RBAC[1].Role)
}

func TestUserBubblesAboveAverage(t *testing.T) {
	users, avg := userBubbles(build(sampleInput()))
	assert.InDelta(t, 7.0/3.0, avg, 0.001)
	require.Len(t, users, 1)
	assert.Equal(t, "Ann Lee", users[0].UserName)
	assert.Equal(t, 6, users[0].TotalResourceCount)
	assert.Equal(t, []roleSlice{{RoleName: "Owner", Count: 3}, {RoleName: "Reader", Count: 3}}, users[0].Roles)
}

func TestUserBubblesMergeSameName(t *testing.T) {
	in := sampleInput()
	in.Profiles["u4"] = core.UserProfile{ID: "u4", GivenName: "Ann", Surname: "Lee"}
	in.Principals = append(in.Principals, core.Principal{ID: "u4", Kind: core.KindUser})
	in.Resolved = append(in.Resolved, core.ResolvedAssignment{UserID: "u4", RoleDefinitionID: roleRead, Scope: rgA, SubscriptionID: "sub1"})

	users, _ := userBubbles(build(in))
	require.Len(t, users, 1)
	assert.Equal(t, 9, users[0].TotalResourceCount)
	assert.Equal(t, []roleSlice{{RoleName: "Owner", Count: 3}, {RoleName: "Reader", Count: 6}}, users[0].Roles)
}

func TestRoleBubbles(t *testing.T) {
	roles := roleBubbles(build(sampleInput()))
	require.Len(t, roles, 3)
	assert.Equal(t, "Reader", roles[0].RoleName)
	assert.Equal(t, 2, roles[0].AssignmentCount)
	assert.Equal(t, []string{sub1, rgB}, roles[0].Scopes)
}

func TestChartPagesRender(t *testing.T) {
	ds := build(sampleInput())

	var buf bytes.Buffer
	n, err := writeUserChart(&buf, ds)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	page := buf.String()
	assert.True(t, strings.HasPrefix(page, "<!doctype html>"))
	assert.Contains(t, page, d3Source)
	assert.Contains(t, page, `"userName":"Ann Lee"`)
	assert.NotContains(t, page, "Bob Ray")

	buf.Reset()
	n, err = writeRoleChart(&buf, ds)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Contains(t, buf.String(), `"roleName":"Contributor"`)
}

func TestChartPagesTreatNamesAsText(t *testing.T) {
	const markup = `<img src=x onerror=alert(1)>`
	in := sampleInput()
	in.Profiles["u1"] = core.UserProfile{ID: "u1", DisplayName: markup}
	in.Roles[1].Name = markup
	in.Resolved[1].Scope = rgA + "/" + markup
	ds := build(in)

	for name, render := range map[string]func(*bytes.Buffer) (int, error){
		"users": func(b *bytes.Buffer) (int, error) { return writeUserChart(b, ds) },
		"roles": func(b *bytes.Buffer) (int, error) { return writeRoleChart(b, ds) },
	} {
		var buf bytes.Buffer
		_, err := render(&buf)
		require.NoError(t, err, name)
		page := buf.String()
		assert.Contains(t, page, `<img src=x onerror=alert(1)>`, name)
		assert.NotContains(t, page, markup, name)
		assert.NotContains(t, page, ".html(", name)
	}

	for _, js := range []string{tooltipJS, userChartJS, roleChartJS} {
		assert.NotContains(t, js, ".html(")
	}
	assert.Contains(t, tooltipJS, ".text(")
}

func TestSummary(t *testing.T) {
	dir, _ := writeSample(t, sampleInput())
	data, err := os.ReadFile(filepath.Join(dir, FileSummary))
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "| Resolved assignments | 4 |")
	assert.Contains(t, s, "| Inherited through groups | 2 |")
	assert.Contains(t, s, "| Dangling references | 2 |")
	assert.Contains(t, s, "| Ann Lee | 6 |")
	assert.Contains(t, s, "group g9: members unavailable")
}

func TestResourceIndex(t *testing.T) {
	idx := NewResourceIndex(sampleInput().Resources)

	tests := []struct {
		scope, sub string
		want       int
	}{
		{sub1, "sub1", 3},
		{"/", "sub1", 3},
		{rgA, "sub1", 3},
		{strings.ToUpper(rgB), "sub1", 0},
		{vmScope, "sub1", 1},
		{"/subscriptions/other", "other", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idx.Count(tt.scope, tt.sub), tt.scope)
	}

	assert.Equal(t, []Path{{Path: rgA, Count: 3}}, idx.Expand(sub1))
	assert.Nil(t, idx.Expand(rgB))
	assert.Equal(t, []Path{{Path: vmScope, Count: 1}}, idx.Expand(vmScope))
}
