package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/db"
	"github.com/spf13/cobra"
)

// RegisterExportCommands adds the evidence bundle export command.
func RegisterExportCommands(root *cobra.Command) {
	var output string

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export reports, membership graph and audit log as a bundle",
		Long: `Copy the final reports into a bundle directory together with a snapshot
of the membership graph, the audit log and a manifest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("--output is required")
			}

			env, err := openWorkspace()
			if err != nil {
				return err
			}
			defer env.Close()

			for _, d := range []string{
				output,
				filepath.Join(output, "reports"),
				filepath.Join(output, "graph"),
				filepath.Join(output, "audit"),
			} {
				if err := os.MkdirAll(d, 0755); err != nil {
					return fmt.Errorf("creating directory %s: %w", d, err)
				}
			}

			ws := env.engine.Workspace
			fmt.Printf("Exporting workspace: %s (%s)\n", ws.Name, shortID(ws.UUID))
			fmt.Printf("  Output: %s\n\n", output)

			reports, err := copyReports(filepath.Join(ws.Path, db.FinalDir), filepath.Join(output, "reports"))
			if err != nil {
				return err
			}

			p := env.pipeline(false)
			snapshot, err := p.Graph().Snapshot()
			if err != nil {
				return fmt.Errorf("snapshotting graph: %w", err)
			}
			if err := os.WriteFile(filepath.Join(output, "graph", "graph.json"), snapshot, 0644); err != nil {
				return err
			}
			nodes, edges, groups, _ := p.Graph().Stats()

			records, err := audit.List(env.engine.AuditDB, ws.UUID, "")
			if err != nil {
				return err
			}
			if err := writeJSON(filepath.Join(output, "audit", "audit.json"), records); err != nil {
				return err
			}
			chainOK, _, _ := audit.Verify(env.engine.AuditDB, ws.UUID)

			manifest := map[string]any{
				"exported_at":    time.Now().UTC().Format(time.RFC3339),
				"workspace_id":   ws.UUID,
				"workspace_path": ws.Path,
				"tenant_id":      ws.TenantID,
				"format":         "azenumrbac_bundle_v1",
				"reports":        reports,
				"graph":          map[string]int{"nodes": nodes, "edges": edges, "groups": groups},
				"audit_events":   len(records),
				"audit_chain_ok": chainOK,
			}
			if err := writeJSON(filepath.Join(output, "manifest.json"), manifest); err != nil {
				return err
			}

			env.engine.AuditLogger.Log(audit.EventExport, "local", "", map[string]any{
				"output":  output,
				"reports": len(reports),
			})

			fmt.Printf("  Reports: %d files\n", len(reports))
			fmt.Printf("  Graph:   %d nodes, %d edges\n", nodes, edges)
			fmt.Printf("  Audit:   %d events\n", len(records))
			fmt.Printf("\nBundle exported to: %s\n", output)
			return nil
		},
	}

	exportCmd.Flags().StringVar(&output, "output", "", "Output directory (required)")
	root.AddCommand(exportCmd)
}

func copyReports(src, dst string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src, err)
	}

	var copied []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return copied, err
		}
		copied = append(copied, e.Name())
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
