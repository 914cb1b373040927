package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/pipeline"
	"github.com/spf13/cobra"
)

// RegisterRunCommands adds the full pipeline run command.
func RegisterRunCommands(root *cobra.Command) {
	var (
		resume    bool
		restart   bool
		offline   bool
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every phase: session, collection, resolution and report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && restart {
				return fmt.Errorf("--resume and --restart are mutually exclusive")
			}

			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			p := env.pipeline(assumeYes)
			runUUID, runErr := p.RunAll(cmd.Context(), pipeline.RunOptions{
				Resume:  resume,
				Restart: restart,
				Offline: offline || env.cfg.Offline,
			})

			runs, err := p.ListRuns(runUUID)
			if err == nil && len(runs) > 0 {
				fmt.Printf("%s %s\n\n", titleStyle.Render("Run"), shortID(runUUID))
				printRuns(runs)
			}
			if runErr != nil {
				return explainRunError(runErr)
			}

			var out pipeline.ReportOutput
			if _, err := p.Store().Load(pipeline.PhaseReport, &out); err == nil {
				fmt.Printf("\n%s %s\n", titleStyle.Render("Reports written to"), out.Dir)
				for _, f := range out.Files {
					fmt.Printf("  %-32s %s\n", f.Name, dimStyle.Render(fmt.Sprintf("%d records", f.Records)))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "Skip phases the latest full run completed")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard every intermediate and start over")
	cmd.Flags().BoolVar(&offline, "offline", false, "Never re-collect missing intermediates")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Install the Azure CLI without asking when it is missing")

	root.AddCommand(cmd)
}

// RegisterPhaseCommands adds single-phase execution and run log commands.
func RegisterPhaseCommands(root *cobra.Command) {
	phaseCmd := &cobra.Command{
		Use:   "phase",
		Short: "Run a single phase or inspect the run log",
	}

	phaseCmd.AddCommand(newPhaseRunCmd())
	phaseCmd.AddCommand(newPhaseListCmd())
	phaseCmd.AddCommand(newPhaseStatusCmd())

	root.AddCommand(phaseCmd)
}

func newPhaseRunCmd() *cobra.Command {
	var (
		offline   bool
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "run <phase>",
		Short: "Run one phase from cached intermediates",
		Long: `Run one phase against the intermediates of earlier phases. Missing
intermediates are collected again first unless --offline is set.

Phases: ` + strings.Join(pipeline.Order, ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := pipeline.Lookup(args[0]); !ok {
				return fmt.Errorf("unknown phase %q (valid: %s)", args[0], strings.Join(pipeline.Order, ", "))
			}

			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			p := env.pipeline(assumeYes)
			runUUID, runErr := p.RunPhase(cmd.Context(), args[0], pipeline.RunOptions{Offline: offline || env.cfg.Offline})

			if runs, err := p.ListRuns(runUUID); err == nil && len(runs) > 0 {
				printRuns(runs)
			}
			if runErr != nil {
				return explainRunError(runErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Fail instead of re-collecting missing intermediates")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Install the Azure CLI without asking when it is missing")
	return cmd
}

func newPhaseListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List phases in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tREQUIRES\tCLOUD\tDESCRIPTION")
			for _, ph := range pipeline.Phases() {
				requires := strings.Join(ph.Requires, ",")
				if requires == "" {
					requires = "-"
				}
				cloud := "no"
				if ph.Cloud {
					cloud = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ph.Name, requires, cloud, ph.Description)
			}
			return w.Flush()
		},
	}
}

func newPhaseStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest run of each phase and its intermediate",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			p := env.pipeline(false)
			runs, err := p.Status()
			if err != nil {
				return err
			}
			latest := make(map[string]core.PhaseRun, len(runs))
			for _, r := range runs {
				latest[r.Phase] = r
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tSTATUS\tSTARTED\tDURATION\tRECORDS\tINTERMEDIATE")
			for _, name := range pipeline.Order {
				status, started, dur := dimStyle.Render("never"), "-", "-"
				if r, ok := latest[name]; ok {
					status = statusText(r.Status)
					started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
					dur = runDuration(r)
				}
				records, file := "-", "-"
				if rec, err := p.Store().Get(name); err == nil {
					records = fmt.Sprintf("%d", rec.RecordCount)
					file = rec.StoragePath
					if !p.Store().Exists(name) {
						file = failStyle.Render(rec.StoragePath + " (missing)")
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name, status, started, dur, records, file)
			}
			return w.Flush()
		},
	}
}

func printRuns(runs []core.PhaseRun) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tSTATUS\tDURATION\tDETAIL")
	for _, r := range runs {
		detail := ""
		if r.ErrorDetail != nil {
			detail = *r.ErrorDetail
		} else if len(r.Outputs) > 0 {
			detail = formatOutputs(r.Outputs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Phase, statusText(r.Status), runDuration(r), detail)
	}
	w.Flush()
}

func formatOutputs(outputs map[string]any) string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, outputs[k]))
	}
	return strings.Join(parts, " ")
}

// explainRunError adds a hint for the failures an operator can act on.
func explainRunError(err error) error {
	var missing *pipeline.MissingIntermediateError
	var notReady *pipeline.SessionNotReadyError
	switch {
	case errors.As(err, &missing):
		fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("hint: run 'azenumrbac phase run %s' or drop --offline", missing.Requires)))
	case errors.As(err, &notReady):
		fmt.Fprintln(os.Stderr, warnStyle.Render("hint: run 'azenumrbac session check' to diagnose the az CLI"))
	case errors.Is(err, pipeline.ErrIncompleteResolve):
		fmt.Fprintln(os.Stderr, warnStyle.Render("hint: run 'azenumrbac phase run resolve'"))
	}
	return err
}
