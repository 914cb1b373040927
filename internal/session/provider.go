// Package session checks and establishes the az CLI session that every
// collection phase runs under. Readiness is returned as a value and passed
// explicitly to the phases that need it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInstalled is returned when the az CLI is missing and the operator declined installation.
	ErrNotInstalled = errors.New("azure cli is not installed")
	// ErrNotAuthenticated is returned when no az session could be established.
	ErrNotAuthenticated = errors.New("azure cli is not logged in")
)

// Readiness is the outcome of a session check.
type Readiness struct {
	Installed        bool      `json:"installed"`
	Version          string    `json:"version,omitempty"`
	Authenticated    bool      `json:"authenticated"`
	User             string    `json:"user,omitempty"`
	UserType         string    `json:"user_type,omitempty"`
	TenantID         string    `json:"tenant_id,omitempty"`
	SubscriptionID   string    `json:"subscription_id,omitempty"`
	SubscriptionName string    `json:"subscription_name,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Ready reports whether collection phases may query the cloud.
func (r Readiness) Ready() bool {
	return r.Installed && r.Authenticated
}

// Prompter asks the operator yes/no questions.
type Prompter interface {
	Confirm(question string) (bool, error)
}

// Provider checks for, installs and logs in the az CLI.
type Provider struct {
	client   *azcli.Client
	audit    *audit.Logger
	logger   zerolog.Logger
	prompter Prompter
	goos     string
	goarch   string
}

// NewProvider creates a session provider for the running platform.
func NewProvider(client *azcli.Client, al *audit.Logger, logger zerolog.Logger, prompter Prompter) *Provider {
	return &Provider{
		client:   client,
		audit:    al,
		logger:   logger,
		prompter: prompter,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
	}
}

// SetPlatform overrides the detected operating system and architecture.
func (p *Provider) SetPlatform(goos, goarch string) {
	p.goos = goos
	p.goarch = goarch
}

type accountShow struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TenantID string `json:"tenantId"`
	User     struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"user"`
}

// Check inspects the installed CLI and its login state without changing anything.
func (p *Provider) Check(ctx context.Context) Readiness {
	r := Readiness{CheckedAt: time.Now().UTC()}

	out, err := p.client.Probe(ctx, "--version")
	if err != nil {
		if !azcli.IsNotInstalled(err) {
			p.logger.Warn().Err(err).Msg("az --version failed")
		}
		return r
	}
	r.Installed = true
	r.Version = parseVersion(string(out))

	out, err = p.client.Probe(ctx, "account", "show", "--output", "json")
	if err != nil {
		p.logger.Debug().Err(err).Msg("az account show failed, not logged in")
		return r
	}
	var acct accountShow
	if err := json.Unmarshal(out, &acct); err != nil {
		p.logger.Warn().Err(err).Msg("unexpected az account show output")
		return r
	}
	r.Authenticated = true
	r.User = acct.User.Name
	r.UserType = acct.User.Type
	r.TenantID = acct.TenantID
	r.SubscriptionID = acct.ID
	r.SubscriptionName = acct.Name
	return r
}

// Ensure makes the session ready: it installs the CLI after confirmation
// when missing and runs an interactive login when not authenticated.
func (p *Provider) Ensure(ctx context.Context) (Readiness, error) {
	r := p.Check(ctx)

	if !r.Installed {
		if err := p.install(ctx); err != nil {
			return r, err
		}
		r = p.Check(ctx)
		if !r.Installed {
			return r, fmt.Errorf("%w: installation finished but az is still not runnable", ErrNotInstalled)
		}
	}

	if !r.Authenticated {
		p.logger.Info().Msg("az is not logged in, starting interactive login")
		err := p.client.Attach(ctx, "login")
		p.logAudit(audit.EventLogin, map[string]any{"success": err == nil, "error": errString(err)})
		if err != nil {
			return r, fmt.Errorf("%w: az login: %v", ErrNotAuthenticated, err)
		}
		r = p.Check(ctx)
		if !r.Authenticated {
			return r, ErrNotAuthenticated
		}
	}

	p.logger.Info().Str("user", r.User).Str("tenant", r.TenantID).Msg("az session ready")
	return r, nil
}

func (p *Provider) install(ctx context.Context) error {
	steps, err := InstallSteps(p.goos, p.goarch)
	if err != nil {
		return err
	}

	ok, err := p.prompter.Confirm("Azure CLI is not installed. Install it now?")
	if err != nil {
		return fmt.Errorf("reading confirmation: %w", err)
	}
	if !ok {
		return ErrNotInstalled
	}

	for _, step := range steps {
		p.logger.Info().Str("program", step.Program).Strs("args", step.Args).Msg("installing azure cli")
		err := p.client.Executor().Attach(ctx, step.Program, step.Args...)
		p.logAudit(audit.EventInstall, map[string]any{
			"platform": p.goos + "/" + p.goarch,
			"step":     step.String(),
			"error":    errString(err),
		})
		if err != nil {
			return fmt.Errorf("installing azure cli (%s): %w", step, err)
		}
	}
	return nil
}

func (p *Provider) logAudit(event audit.EventType, detail map[string]any) {
	if p.audit == nil {
		return
	}
	p.audit.Log(event, "local", "", detail)
}

// InstallStep is one program invocation of a platform installer.
type InstallStep struct {
	Program string
	Args    []string
}

func (s InstallStep) String() string {
	return strings.TrimSpace(s.Program + " " + strings.Join(s.Args, " "))
}

const (
	windowsMSI64 = "https://aka.ms/installazurecliwindowsx64"
	windowsMSI32 = "https://aka.ms/installazurecliwindows"
	debianScript = "https://aka.ms/InstallAzureCLIDeb"
)

// InstallSteps returns the installer commands for a platform.
func InstallSteps(goos, goarch string) ([]InstallStep, error) {
	switch goos {
	case "windows":
		url := windowsMSI32
		if goarch == "amd64" || goarch == "arm64" {
			url = windowsMSI64
		}
		script := fmt.Sprintf("$ProgressPreference = 'SilentlyContinue'; "+
			"Invoke-WebRequest -Uri %s -OutFile .\\AzureCLI.msi; "+
			"Start-Process msiexec.exe -Wait -ArgumentList '/I AzureCLI.msi /quiet'; "+
			"Remove-Item .\\AzureCLI.msi", url)
		return []InstallStep{{Program: "powershell", Args: []string{"-NoProfile", "-Command", script}}}, nil
	case "linux":
		return []InstallStep{{Program: "bash", Args: []string{"-c", "curl -sL " + debianScript + " | sudo bash"}}}, nil
	case "darwin":
		return []InstallStep{
			{Program: "brew", Args: []string{"update"}},
			{Program: "brew", Args: []string{"install", "azure-cli"}},
		}, nil
	default:
		return nil, fmt.Errorf("automatic azure cli installation is not supported on %s", goos)
	}
}

// parseVersion extracts the version from the first line of az --version,
// which reads "azure-cli    2.61.0 *".
func parseVersion(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	if len(fields) >= 2 && fields[0] == "azure-cli" {
		return fields[1]
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
