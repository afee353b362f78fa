package ui

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/rootzfs/rootzfs/core/secret"
)

// Unattended answers every question with its default. Questions without a
// default fail with ErrNotInteractive, so every such value must come from
// the configuration.
type Unattended struct {
	Out io.Writer
}

func (u *Unattended) Message(title, msg string) error {
	printMessage(u.Out, title, msg)
	return nil
}

func (u *Unattended) Warn(msg string) {
	printWarning(u.Out, msg)
}

func (u *Unattended) Confirm(msg string, def bool) (bool, error) {
	return def, nil
}

func (u *Unattended) Input(msg, def string) (string, error) {
	if def == "" {
		return "", fmt.Errorf("%q: %w", msg, ErrNotInteractive)
	}
	return def, nil
}

func (u *Unattended) Password(msg string) (*secret.Secret, error) {
	return nil, fmt.Errorf("%q: %w", msg, ErrNotInteractive)
}

// SelectDisks never picks disks on its own, even a single candidate: they
// are wiped, so they must be named in the configuration.
func (u *Unattended) SelectDisks(msg string, options, preselected []string) ([]string, error) {
	if len(preselected) > 0 {
		return preselected, nil
	}
	return nil, fmt.Errorf("%q: %w; set ZFS_SELECTED_DISKS", msg, ErrNotInteractive)
}

func (u *Unattended) Progress(description string, max int) *progressbar.ProgressBar {
	return newProgress(u.Out, description, max)
}
