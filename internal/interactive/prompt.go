// Package interactive provides terminal prompts and progress display.
package interactive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a confirmation is required but stdin is
// not a terminal.
var ErrNotInteractive = errors.New("confirmation required, rerun with --yes")

// Response represents the user's response to a prompt.
type Response int

const (
	ResponseYes Response = iota
	ResponseNo
	ResponseQuit // input closed
)

// Prompter asks yes/no questions.
type Prompter struct {
	out     io.Writer
	scanner *bufio.Scanner
}

// NewPrompter creates a prompter with stdin/stdout.
func NewPrompter() *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout)
}

// NewPrompterWithIO creates a prompter with custom input/output (for testing).
func NewPrompterWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		out:     out,
		scanner: bufio.NewScanner(in),
	}
}

// IsTerminal checks if stdin is a terminal (TTY).
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsTerminalFile reports whether f is attached to a terminal.
func IsTerminalFile(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// prompt displays a question and reads the response. Anything but an
// explicit yes is a no.
func (p *Prompter) prompt(format string, args ...any) Response {
	_, _ = fmt.Fprintf(p.out, format, args...)
	_, _ = fmt.Fprint(p.out, " [y/N] ")

	if !p.scanner.Scan() {
		_, _ = fmt.Fprintln(p.out)
		return ResponseQuit
	}

	switch strings.ToLower(strings.TrimSpace(p.scanner.Text())) {
	case "y", "yes":
		return ResponseYes
	default:
		return ResponseNo
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(format string, args ...any) bool {
	return p.prompt(format, args...) == ResponseYes
}

// Confirm asks on the terminal unless assumeYes is set. Without a terminal
// it fails with ErrNotInteractive instead of guessing.
func Confirm(assumeYes bool, format string, args ...any) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !IsTerminal() {
		return false, ErrNotInteractive
	}
	return NewPrompter().Confirm(format, args...), nil
}
