package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/spf13/cobra"
)

// RegisterAuditCommands adds audit log inspection commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the workspace audit log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			ok, count, err := audit.Verify(env.engine.AuditDB, env.engine.Workspace.UUID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println(failStyle.Render(fmt.Sprintf("Audit chain broken after %d records", count)))
				return fmt.Errorf("audit chain verification failed")
			}
			fmt.Println(passStyle.Render(fmt.Sprintf("Audit chain intact (%d records)", count)))
			return nil
		},
	}

	var runUUID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, optionally for one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			records, err := audit.List(env.engine.AuditDB, env.engine.Workspace.UUID, runUUID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No audit events.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tRUN\tEVENT\tDETAIL")
			for _, r := range records {
				detail := r.Detail
				if len(detail) > 80 {
					detail = detail[:77] + "..."
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					r.ID, r.Timestamp.Local().Format("2006-01-02 15:04:05"), shortID(r.RunUUID), r.EventType, detail)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&runUUID, "run", "", "Only show events of this run UUID")

	auditCmd.AddCommand(verifyCmd, listCmd)
	root.AddCommand(auditCmd)
}
