package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/graph"
	"github.com/azenumrbac/azenumrbac/internal/pipeline"
	"github.com/spf13/cobra"
)

// RegisterExplainCommands adds the command that traces how a user holds
// each of their roles.
func RegisterExplainCommands(root *cobra.Command) {
	var showPath bool

	cmd := &cobra.Command{
		Use:   "explain <user-id>",
		Short: "Show a user's resolved roles and the group chain behind each",
		Long: `Show every role a user holds after group expansion. Inherited grants
name the group the role was assigned to; with --path the full membership
chain from that group down to the user is printed.

Requires a completed resolve phase.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			p := env.pipeline(false)
			var resolved pipeline.ResolveOutput
			if _, err := p.Store().Load(pipeline.PhaseResolve, &resolved); err != nil {
				return fmt.Errorf("loading resolved assignments: %w", err)
			}
			if !resolved.Complete || resolved.Result == nil {
				return pipeline.ErrIncompleteResolve
			}

			roleNames := map[string]string{}
			var defs []core.RoleDefinition
			if _, err := p.Store().Load(pipeline.PhaseRoles, &defs); err == nil {
				for _, d := range defs {
					roleNames[core.RoleDefinitionGUID(d.ID)] = d.Name
				}
			}

			userID := strings.ToLower(strings.TrimSpace(args[0]))
			var grants []core.ResolvedAssignment
			for _, a := range resolved.Result.Assignments {
				if a.UserID == userID {
					grants = append(grants, a)
				}
			}
			if len(grants) == 0 {
				fmt.Printf("No resolved roles for %s.\n", userID)
				return nil
			}
			sort.Slice(grants, func(i, j int) bool {
				if grants[i].PathLength != grants[j].PathLength {
					return grants[i].PathLength < grants[j].PathLength
				}
				return grants[i].Key() < grants[j].Key()
			})

			g := p.Graph()
			fmt.Printf("%s %s\n\n", titleStyle.Render("Roles held by"), nodeLabel(g, userID))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tSCOPE\tDEPTH\tVIA")
			for _, a := range grants {
				role := roleNames[a.RoleDefinitionID]
				if role == "" {
					role = a.RoleDefinitionID
				}
				via := "direct"
				if a.ViaGroupID != "" {
					via = nodeLabel(g, a.ViaGroupID)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", role, a.Scope, a.PathLength, via)
			}
			w.Flush()

			if !showPath {
				return nil
			}
			seen := map[string]bool{}
			for _, a := range grants {
				if a.ViaGroupID == "" || seen[a.ViaGroupID] {
					continue
				}
				seen[a.ViaGroupID] = true
				path, err := g.FindPath(a.ViaGroupID, userID)
				if err != nil {
					fmt.Printf("\n%s %s\n", warnStyle.Render("no path:"), err)
					continue
				}
				labels := []string{nodeLabel(g, a.ViaGroupID)}
				for _, e := range path {
					labels = append(labels, nodeLabel(g, e.MemberID))
				}
				fmt.Printf("\n%s\n", strings.Join(labels, dimStyle.Render(" -> ")))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showPath, "path", true, "Print the membership chain for each inheriting group")
	root.AddCommand(cmd)
}

func nodeLabel(g *graph.Store, id string) string {
	n, err := g.Node(id)
	if err != nil || n.DisplayName == "" || n.DisplayName == id {
		return id
	}
	return fmt.Sprintf("%s (%s)", n.DisplayName, shortID(id))
}
