// Package ui talks to the person running the installation.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rootzfs/rootzfs/core/secret"
)

var ErrNotInteractive = errors.New("an answer is required but standard input is not a terminal")

// Provider asks questions and shows messages and progress
type Provider interface {
	// Message shows an informational message and waits for acknowledgment
	Message(title, msg string) error
	Warn(msg string)
	Confirm(msg string, def bool) (bool, error)
	Input(msg, def string) (string, error)
	Password(msg string) (*secret.Secret, error)
	// SelectDisks lets the operator pick one or more entries of options
	SelectDisks(msg string, options, preselected []string) ([]string, error)
	Progress(description string, max int) *progressbar.ProgressBar
}

// New returns the survey backed provider when in is a terminal, the
// unattended one otherwise
func New(in *os.File, out io.Writer) Provider {
	if term.IsTerminal(int(in.Fd())) {
		return &Survey{Out: out}
	}
	return &Unattended{Out: out}
}

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	okColor    = color.New(color.FgGreen, color.Bold)
)

func printMessage(out io.Writer, title, msg string) {
	if title != "" {
		titleColor.Fprintf(out, "\n== %s ==\n", title)
	}
	fmt.Fprintln(out, strings.TrimRight(msg, "\n"))
}

func printWarning(out io.Writer, msg string) {
	warnColor.Fprintf(out, "WARNING: %s\n", msg)
}

// Error prints err in red
func Error(out io.Writer, err error) {
	errorColor.Fprintf(out, "error: %s\n", err)
}

// Success prints a closing banner
func Success(out io.Writer, msg string) {
	okColor.Fprintln(out, msg)
}

func newProgress(out io.Writer, description string, max int) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)
}

// Print shows a titled message without waiting for the operator
func Print(out io.Writer, title, msg string) {
	printMessage(out, title, msg)
}
