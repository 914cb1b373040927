package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

func writeResolvedCSV(w io.Writer, ds *dataset) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"user_id", "name", "display_name", "user_principal_name", "job_title",
		"role", "role_id", "scope", "subscription_id", "subscription_name",
		"resource_count", "path_length", "via_group_id", "via_group_name",
	})
	for _, r := range ds.rows {
		cw.Write([]string{
			r.UserID, r.Name, r.DisplayName, r.UserPrincipalName, r.JobTitle,
			r.Role, r.RoleID, r.Scope, r.SubscriptionID, r.SubscriptionName,
			strconv.Itoa(r.ResourceCount), strconv.Itoa(r.PathLength), r.ViaGroupID, r.ViaGroupName,
		})
	}
	cw.Flush()
	return cw.Error()
}

type resolvedDocument struct {
	GeneratedAt string `json:"generated_at"`
	Stats       Stats  `json:"stats"`
	Count       int    `json:"count"`
	Assignments []Row  `json:"assignments"`
}

func writeResolvedJSON(w io.Writer, ds *dataset, in Input) error {
	doc := resolvedDocument{
		GeneratedAt: in.GeneratedAt.UTC().Format(time.RFC3339),
		Stats:       in.Stats,
		Count:       len(ds.rows),
		Assignments: ds.rows,
	}
	if doc.Assignments == nil {
		doc.Assignments = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// writeRoleMatrix writes one row per user, role and scope. principal_count
// is how many rows the role has across the whole tenant.
func writeRoleMatrix(w io.Writer, ds *dataset) error {
	roleCount := make(map[string]int)
	for _, r := range ds.rows {
		roleCount[r.Role]++
	}

	cw := csv.NewWriter(w)
	cw.Write([]string{"principal_count", "role", "name", "displayName", "jobTitle", "principalID", "scope"})
	for _, r := range ds.rows {
		cw.Write([]string{
			strconv.Itoa(roleCount[r.Role]), r.Role, r.Name, r.DisplayName, r.JobTitle, r.UserID, r.Scope,
		})
	}
	cw.Flush()
	return cw.Error()
}

// writeUserMatrix writes one row per resource path a grant reaches and
// omits paths holding no resources.
func writeUserMatrix(w io.Writer, ds *dataset) (int, error) {
	cw := csv.NewWriter(w)
	cw.Write([]string{"name", "displayName", "jobTitle", "principalID", "role", "scope", "resource_count", "resource_path"})

	n := 0
	for _, r := range ds.rows {
		for _, p := range ds.resources.Expand(r.Scope) {
			if p.Count <= 0 {
				continue
			}
			cw.Write([]string{
				r.Name, r.DisplayName, r.JobTitle, r.UserID, r.Role, r.Scope, strconv.Itoa(p.Count), p.Path,
			})
			n++
		}
	}
	cw.Flush()
	return n, cw.Error()
}

func writeIdentities(w io.Writer, ds *dataset) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ds.identities); err != nil {
		return fmt.Errorf("encoding identities: %w", err)
	}
	return nil
}
