package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompter asks questions on the operator's terminal. AssumeYes
// answers yes without asking; otherwise, when stdin is not a terminal, every
// question is declined without prompting.
type TerminalPrompter struct {
	In        io.Reader
	Out       io.Writer
	AssumeYes bool
	isTTY     func() bool
}

// NewTerminalPrompter creates a prompter bound to stdin and stderr.
func NewTerminalPrompter(assumeYes bool) *TerminalPrompter {
	return &TerminalPrompter{
		In:        os.Stdin,
		Out:       os.Stderr,
		AssumeYes: assumeYes,
		isTTY:     func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Confirm implements Prompter.
func (tp *TerminalPrompter) Confirm(question string) (bool, error) {
	if tp.AssumeYes {
		return true, nil
	}
	if tp.isTTY != nil && !tp.isTTY() {
		return false, nil
	}

	fmt.Fprintf(tp.Out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(tp.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
