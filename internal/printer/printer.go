// Package printer writes the CLI's human-facing output: status lines, toast
// notices and formatted errors with suggestions.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta, color.Bold)
)

// Printer writes to an output and an error stream.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New returns a printer writing to out and errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

var std = New(os.Stdout, os.Stderr)

// Success prints a message in green with a checkmark prefix.
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints a message in the default color.
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a message in yellow with a warning prefix.
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.out, msg)
}

// Step prints one step of a multi-step operation.
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Toast prints a short notice about a failed background action to the
// error stream. It does not interrupt the command.
func (p *Printer) Toast(title, message string) {
	magenta.Fprintf(p.err, "▲ %s", title)
	if message != "" {
		fmt.Fprintf(p.err, ": %s", message)
	}
	fmt.Fprintln(p.err)
}

// Error prints a title, explanation and suggestions to the error stream and
// returns an error carrying only the title, for Cobra (which is silenced).
func (p *Printer) Error(title, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func (p *Printer) ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for key := range context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintln(p.err)
		for _, key := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", key, context[key])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(p.err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(p.err, "\nEither:\n")
		for i, suggestion := range suggestions {
			fmt.Fprintf(p.err, "  %d. %s\n", i+1, suggestion)
		}
	}

	return &shownError{title: title}
}

// shownError is an error whose details were already printed.
type shownError struct {
	title string
}

func (e *shownError) Error() string { return e.title }

// IsFormatted reports whether err (or an error it wraps) was produced by
// Error or ErrorWithContext, so its details are already on screen.
func IsFormatted(err error) bool {
	var shown *shownError
	return errors.As(err, &shown)
}

// Success prints to stdout. See Printer.Success.
func Success(format string, a ...any) { std.Success(format, a...) }

// Info prints to stdout. See Printer.Info.
func Info(format string, a ...any) { std.Info(format, a...) }

// Warning prints to stdout. See Printer.Warning.
func Warning(format string, a ...any) { std.Warning(format, a...) }

// Step prints to stdout. See Printer.Step.
func Step(format string, a ...any) { std.Step(format, a...) }

// Toast prints to stderr. See Printer.Toast.
func Toast(title, message string) { std.Toast(title, message) }

// Error prints to stderr. See Printer.Error.
func Error(title, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

// ErrorWithContext prints to stderr. See Printer.ErrorWithContext.
func ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}

// Println prints a plain line.
func Println(a ...any) {
	fmt.Fprintln(std.out, a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Fprintf(std.out, format, a...)
}
