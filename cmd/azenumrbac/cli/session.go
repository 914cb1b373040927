package cli

import (
	"fmt"

	"github.com/azenumrbac/azenumrbac/internal/session"
	"github.com/spf13/cobra"
)

// RegisterSessionCommands adds az CLI session diagnostics.
func RegisterSessionCommands(root *cobra.Command) {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Check or establish the az CLI session",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether the az CLI is installed and logged in",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			r := env.provider(false).Check(cmd.Context())
			printReadiness(r)
			if !r.Ready() {
				return fmt.Errorf("session not ready")
			}
			return nil
		},
	}

	var assumeYes bool
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Install the az CLI if needed and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			r, err := env.provider(assumeYes).Ensure(cmd.Context())
			printReadiness(r)
			return err
		},
	}
	loginCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Install the Azure CLI without asking when it is missing")

	sessionCmd.AddCommand(checkCmd, loginCmd)
	root.AddCommand(sessionCmd)
}

func printReadiness(r session.Readiness) {
	mark := func(ok bool) string {
		if ok {
			return passStyle.Render("ok")
		}
		return failStyle.Render("missing")
	}

	fmt.Println(titleStyle.Render("Azure CLI session"))
	version := r.Version
	if version == "" {
		version = "-"
	}
	fmt.Printf("  %-14s %s %s\n", "Installed:", mark(r.Installed), dimStyle.Render(version))
	fmt.Printf("  %-14s %s\n", "Logged in:", mark(r.Authenticated))
	if r.Authenticated {
		fmt.Printf("  %-14s %s (%s)\n", "User:", r.User, r.UserType)
		fmt.Printf("  %-14s %s\n", "Tenant:", r.TenantID)
		fmt.Printf("  %-14s %s (%s)\n", "Subscription:", r.SubscriptionName, r.SubscriptionID)
	}
	if r.Ready() {
		fmt.Println(passStyle.Render("\nReady to enumerate."))
	} else {
		fmt.Println(warnStyle.Render("\nNot ready: run 'azenumrbac session login'."))
	}
}
