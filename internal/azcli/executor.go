package azcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Executor runs an external program. The default implementation shells out
// with os/exec; tests substitute a scripted fake.
type Executor interface {
	// Execute runs the program with captured output.
	Execute(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
	// Attach runs the program connected to the operator's terminal, for
	// interactive steps such as login and installation.
	Attach(ctx context.Context, name string, args ...string) error
}

// ExitError reports a program that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// OSExecutor runs programs with os/exec.
type OSExecutor struct{}

// Execute implements Executor.
func (OSExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), translateExecError(err, stderr.Bytes())
}

// Attach implements Executor.
func (OSExecutor) Attach(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return translateExecError(cmd.Run(), nil)
}

func translateExecError(err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: string(bytes.TrimSpace(stderr))}
	}
	return err
}

// IsNotInstalled reports whether err means the executable could not be found.
func IsNotInstalled(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}
