package cli

import (
	"fmt"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/azenumrbac/azenumrbac/internal/config"
	"github.com/azenumrbac/azenumrbac/internal/core"
	"github.com/azenumrbac/azenumrbac/internal/pipeline"
	"github.com/azenumrbac/azenumrbac/internal/scope"
	"github.com/azenumrbac/azenumrbac/internal/session"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	passColor = lipgloss.Color("#10B981")
	failColor = lipgloss.Color("#EF4444")
	warnColor = lipgloss.Color("#F59E0B")
	dimColor  = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().Bold(true)
	passStyle  = lipgloss.NewStyle().Foreground(passColor).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	dimStyle   = lipgloss.NewStyle().Foreground(dimColor)
)

type globalOptions struct {
	outputDir  string
	logLevel   string
	configPath string
}

var globals globalOptions

// RegisterGlobalFlags adds the flags shared by every command.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&globals.outputDir, "output-dir", "", "Workspace directory for intermediate and final files (default from config)")
	root.PersistentFlags().StringVar(&globals.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")
	root.PersistentFlags().StringVar(&globals.configPath, "config", "", "Path to the global config file (default ~/.azenumrbac/config.json)")
}

func loadConfig() (config.GlobalConfig, error) {
	var (
		cfg config.GlobalConfig
		err error
	)
	if globals.configPath != "" {
		cfg, err = config.LoadGlobalConfigFrom(globals.configPath)
	} else {
		cfg, err = config.LoadGlobalConfig()
	}
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}

	if globals.outputDir != "" {
		cfg.OutputDir = globals.outputDir
	}
	if globals.logLevel != "" {
		cfg.LogLevel = globals.logLevel
	}
	return cfg, cfg.Validate()
}

// workspaceEnv bundles the opened workspace with an az client configured
// from the global config.
type workspaceEnv struct {
	cfg    config.GlobalConfig
	engine *core.Engine
	client *azcli.Client
}

func openWorkspace() (*workspaceEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	sc, err := config.LoadScope(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("loading scope: %w", err)
	}

	engine, err := core.OpenWorkspace(cfg.OutputDir, sc, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	client := azcli.NewClient(azcli.OSExecutor{}, engine.Logger, azcli.Options{
		Binary:        cfg.AzBinary,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff:       cfg.RetryBackoff(),
		RatePerSecond: cfg.RatePerSecond,
		CacheTTL:      cfg.CacheTTL(),
	})
	client.SetAudit(engine.AuditLogger, "")

	return &workspaceEnv{cfg: cfg, engine: engine, client: client}, nil
}

func (e *workspaceEnv) Close() error { return e.engine.Close() }

func (e *workspaceEnv) provider(assumeYes bool) *session.Provider {
	prompter := session.NewTerminalPrompter(assumeYes || e.cfg.AssumeYes)
	return session.NewProvider(e.client, e.engine.AuditLogger, e.engine.Logger, prompter)
}

func (e *workspaceEnv) pipeline(assumeYes bool) *pipeline.Pipeline {
	p := pipeline.New(e.engine, e.client, e.provider(assumeYes), scope.NewChecker(e.engine.Workspace.ScopeConfig))
	p.SetBatchSize(e.cfg.UserProfileBatch)
	return p
}

func statusText(s core.RunStatus) string {
	switch s {
	case core.RunSuccess:
		return passStyle.Render(string(s))
	case core.RunError:
		return failStyle.Render(string(s))
	case core.RunSkipped:
		return dimStyle.Render(string(s))
	default:
		return warnStyle.Render(string(s))
	}
}

func runDuration(r core.PhaseRun) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
