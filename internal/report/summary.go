package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

func writeSummary(w io.Writer, ds *dataset, in Input, files []File) error {
	var b strings.Builder

	users := make(map[string]bool)
	roles := make(map[string]bool)
	inherited := 0
	for _, r := range ds.rows {
		users[r.UserID] = true
		roles[r.Role] = true
		if r.PathLength > 0 {
			inherited++
		}
	}

	fmt.Fprintf(&b, "# Azure RBAC enumeration\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", in.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Counts\n\n")
	b.WriteString("| Item | Count |\n|---|---|\n")
	fmt.Fprintf(&b, "| Subscriptions | %d |\n", len(in.Subscriptions))
	fmt.Fprintf(&b, "| Role definitions | %d |\n", len(in.Roles))
	fmt.Fprintf(&b, "| Role assignments | %d |\n", len(in.Assignments))
	fmt.Fprintf(&b, "| Principals | %d |\n", len(in.Principals))
	fmt.Fprintf(&b, "| Resolved assignments | %d |\n", len(ds.rows))
	fmt.Fprintf(&b, "| Inherited through groups | %d |\n", inherited)
	fmt.Fprintf(&b, "| Distinct users | %d |\n", len(users))
	fmt.Fprintf(&b, "| Distinct roles | %d |\n", len(roles))
	fmt.Fprintf(&b, "| Dangling references | %d |\n", in.Stats.DanglingRefs)
	fmt.Fprintf(&b, "| Skipped non-user principals | %d |\n", in.Stats.SkippedNonUser)

	if top := topUsers(ds, 10); len(top) > 0 {
		b.WriteString("\n## Widest reach\n\n")
		b.WriteString("| User | Resources |\n|---|---|\n")
		for _, t := range top {
			fmt.Fprintf(&b, "| %s | %d |\n", escapeCell(t.name), t.count)
		}
	}

	if len(in.Phases) > 0 {
		b.WriteString("\n## Phases\n\n")
		b.WriteString("| Phase | Status | Started | Duration |\n|---|---|---|---|\n")
		for _, p := range in.Phases {
			dur := "-"
			if p.CompletedAt != nil {
				dur = p.CompletedAt.Sub(p.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", p.Phase, p.Status, p.StartedAt.UTC().Format(time.RFC3339), dur)
		}
	}

	if len(files) > 0 {
		b.WriteString("\n## Files\n\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s` (%d records)\n", f.Name, f.Records)
		}
	}

	if len(in.Stats.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, msg := range in.Stats.Warnings {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

type reach struct {
	name  string
	count int
}

func topUsers(ds *dataset, n int) []reach {
	var out []reach
	for name, byID := range ds.identities {
		total := 0
		for _, ident := range byID {
			total += ident.ResourceCount
		}
		out = append(out, reach{name: name, count: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
