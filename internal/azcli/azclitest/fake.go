// Package azclitest provides a scripted az executor for tests.
package azclitest

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/azenumrbac/azenumrbac/internal/azcli"
)

// Response is one scripted result.
type Response struct {
	Stdout string
	Err    error
}

// Executor replays scripted responses keyed by the az argument list with
// any output-format flags removed. A sequence of responses is consumed in
// order and the last one repeats.
type Executor struct {
	mu           sync.Mutex
	responses    map[string][]Response
	attachErrs   map[string]error
	calls        []string
	attached     []string
	NotInstalled bool
}

// New returns an empty fake executor.
func New() *Executor {
	return &Executor{
		responses:  make(map[string][]Response),
		attachErrs: make(map[string]error),
	}
}

// On scripts the responses for a command such as "account list --all".
func (f *Executor) On(command string, resp ...Response) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = append(f.responses[command], resp...)
	return f
}

// OnJSON scripts a successful response carrying v encoded as JSON.
func (f *Executor) OnJSON(command string, v any) *Executor {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("azclitest: marshaling response for %q: %v", command, err))
	}
	return f.On(command, Response{Stdout: string(data)})
}

// Fail scripts a non-zero exit for a command.
func (f *Executor) Fail(command string, code int, stderr string) *Executor {
	return f.On(command, Response{Err: &azcli.ExitError{Code: code, Stderr: stderr}})
}

// FailAttach scripts an error for an interactive command.
func (f *Executor) FailAttach(command string, err error) *Executor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErrs[command] = err
	return f
}

// Execute implements azcli.Executor.
func (f *Executor) Execute(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	key := normalize(args)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)

	if f.NotInstalled {
		return nil, nil, exec.ErrNotFound
	}

	seq, ok := f.responses[key]
	if !ok || len(seq) == 0 {
		return nil, []byte("unscripted command"), &azcli.ExitError{Code: 2, Stderr: "unscripted command: " + key}
	}
	resp := seq[0]
	if len(seq) > 1 {
		f.responses[key] = seq[1:]
	}
	var stderr []byte
	if exitErr, ok := resp.Err.(*azcli.ExitError); ok {
		stderr = []byte(exitErr.Stderr)
	}
	return []byte(resp.Stdout), stderr, resp.Err
}

// Attach implements azcli.Executor.
func (f *Executor) Attach(_ context.Context, name string, args ...string) error {
	key := strings.TrimSpace(name + " " + normalize(args))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, key)
	return f.attachErrs[key]
}

// Calls returns the captured commands in invocation order.
func (f *Executor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times a command was executed.
func (f *Executor) CallCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

// Attached returns the interactive commands run, prefixed with the program name.
func (f *Executor) Attached() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached...)
}

func normalize(args []string) string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if (args[i] == "-o" || args[i] == "--output") && i+1 < len(args) {
			i++
			continue
		}
		out = append(out, args[i])
	}
	return strings.Join(out, " ")
}
