// Package uitest provides a scripted ui.Provider for tests.
package uitest

import (
	"errors"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/rootzfs/rootzfs/core/secret"
)

var ErrNoAnswer = errors.New("no scripted answer left")

// Scripted answers from queues and records what was shown. An empty
// Confirms queue answers with the default.
type Scripted struct {
	Confirms  []bool
	Inputs    []string
	Passwords []string
	Disks     []string

	Messages []string
	Warnings []string
	Asked    []string
}

func (s *Scripted) Message(title, msg string) error {
	s.Messages = append(s.Messages, title)
	return nil
}

func (s *Scripted) Warn(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

func (s *Scripted) Confirm(msg string, def bool) (bool, error) {
	s.Asked = append(s.Asked, msg)
	if len(s.Confirms) == 0 {
		return def, nil
	}
	v := s.Confirms[0]
	s.Confirms = s.Confirms[1:]
	return v, nil
}

func (s *Scripted) Input(msg, def string) (string, error) {
	s.Asked = append(s.Asked, msg)
	if len(s.Inputs) == 0 {
		if def != "" {
			return def, nil
		}
		return "", ErrNoAnswer
	}
	v := s.Inputs[0]
	s.Inputs = s.Inputs[1:]
	return v, nil
}

func (s *Scripted) Password(msg string) (*secret.Secret, error) {
	s.Asked = append(s.Asked, msg)
	if len(s.Passwords) == 0 {
		return nil, ErrNoAnswer
	}
	v := s.Passwords[0]
	s.Passwords = s.Passwords[1:]
	return secret.New(v), nil
}

func (s *Scripted) SelectDisks(msg string, options, preselected []string) ([]string, error) {
	s.Asked = append(s.Asked, msg)
	if s.Disks != nil {
		return s.Disks, nil
	}
	if len(preselected) > 0 {
		return preselected, nil
	}
	return nil, ErrNoAnswer
}

func (s *Scripted) Progress(description string, max int) *progressbar.ProgressBar {
	return progressbar.NewOptions(max, progressbar.OptionSetWriter(io.Discard))
}
