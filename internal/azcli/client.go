// Package azcli wraps the az command-line tool with bounded retries, rate
// limiting, response caching and audit logging. Every cloud query the
// collector makes goes through a Client.
package azcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/audit"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	Binary        string
	MaxAttempts   int
	Backoff       time.Duration
	RatePerSecond int
	CacheTTL      time.Duration
}

// DefaultOptions mirrors the global config defaults.
func DefaultOptions() Options {
	return Options{
		Binary:        "az",
		MaxAttempts:   3,
		Backoff:       2 * time.Second,
		RatePerSecond: 5,
		CacheTTL:      5 * time.Minute,
	}
}

// Client runs az commands.
type Client struct {
	mu          sync.Mutex
	exec        Executor
	opts        Options
	limiter     *rate.Limiter
	cache       *ResponseCache
	logger      zerolog.Logger
	auditLogger *audit.Logger
	runUUID     string
}

// NewClient creates a client over the given executor.
func NewClient(exec Executor, logger zerolog.Logger, opts Options) *Client {
	def := DefaultOptions()
	if opts.Binary == "" {
		opts.Binary = def.Binary
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.RatePerSecond < 1 {
		opts.RatePerSecond = def.RatePerSecond
	}
	return &Client{
		exec:    exec,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		cache:   NewResponseCache(opts.CacheTTL),
		logger:  logger,
	}
}

// SetAudit enables audit logging of every invocation under the given run.
func (c *Client) SetAudit(al *audit.Logger, runUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditLogger = al
	c.runUUID = runUUID
}

// Cache returns the response cache for manual invalidation.
func (c *Client) Cache() *ResponseCache { return c.cache }

// Executor returns the underlying executor.
func (c *Client) Executor() Executor { return c.exec }

// Binary returns the az executable name.
func (c *Client) Binary() string { return c.opts.Binary }

// CommandError is returned when an az invocation fails on every attempt.
type CommandError struct {
	Args     []string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("az %s failed after %d attempt(s): %v", strings.Join(e.Args, " "), e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Run executes an az command, retrying non-zero exits up to MaxAttempts
// with linear backoff. A missing binary or cancelled context is not retried.
func (c *Client) Run(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &CommandError{Args: args, Attempts: attempt - 1, Err: err}
		}

		stdout, _, err := c.exec.Execute(ctx, c.opts.Binary, args...)
		c.logCall(args, attempt, err)
		if err == nil {
			return stdout, nil
		}
		lastErr = err

		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			return nil, &CommandError{Args: args, Attempts: attempt, Err: err}
		}
		if attempt == c.opts.MaxAttempts {
			break
		}

		wait := time.Duration(attempt) * c.opts.Backoff
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).
			Str("command", strings.Join(args, " ")).Msg("az command failed, retrying")
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, &CommandError{Args: args, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(wait):
			}
		}
	}
	return nil, &CommandError{Args: args, Attempts: c.opts.MaxAttempts, Err: lastErr}
}

// Probe runs an az command once with no retry or caching. It is used for
// readiness checks where a non-zero exit is an answer, not a fault.
func (c *Client) Probe(ctx context.Context, args ...string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	stdout, _, err := c.exec.Execute(ctx, c.opts.Binary, args...)
	c.logCall(args, 1, err)
	return stdout, err
}

// Attach runs an interactive az command on the operator's terminal.
func (c *Client) Attach(ctx context.Context, args ...string) error {
	err := c.exec.Attach(ctx, c.opts.Binary, args...)
	c.logCall(args, 1, err)
	return err
}

// RunJSON runs an az command with JSON output and decodes it into v.
// Successful responses are cached by argument list.
func (c *Client) RunJSON(ctx context.Context, v any, args ...string) error {
	args = withJSONOutput(args)
	key := strings.Join(args, " ")

	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug().Str("command", key).Msg("az response cache hit")
		return json.Unmarshal(cached.([]byte), v)
	}

	out, err := c.Run(ctx, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decoding output of az %s: %w", key, err)
	}
	c.cache.Put(key, out)
	return nil
}

func withJSONOutput(args []string) []string {
	for i, a := range args {
		if (a == "-o" || a == "--output") && i+1 < len(args) {
			return args
		}
	}
	out := make([]string, 0, len(args)+2)
	out = append(out, args...)
	return append(out, "--output", "json")
}

// logCall records an invocation to both the structured logger and the audit database.
func (c *Client) logCall(args []string, attempt int, err error) {
	command := strings.Join(args, " ")
	c.logger.Debug().Str("command", command).Int("attempt", attempt).Msg("az invocation")

	c.mu.Lock()
	al, runUUID := c.auditLogger, c.runUUID
	c.mu.Unlock()
	if al == nil {
		return
	}
	detail := map[string]any{
		"command": command,
		"attempt": attempt,
	}
	if err != nil {
		detail["error"] = err.Error()
	}
	al.Log(audit.EventCommand, "local", runUUID, detail)
}
