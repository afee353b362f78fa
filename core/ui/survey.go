package ui

import (
	"io"

	"github.com/AlecAivazis/survey/v2"
	"github.com/schollz/progressbar/v3"

	"github.com/rootzfs/rootzfs/core/secret"
)

// Survey prompts on the terminal
type Survey struct {
	Out  io.Writer
	Opts []survey.AskOpt
}

func (s *Survey) Message(title, msg string) error {
	printMessage(s.Out, title, msg)
	var ignored string
	return survey.AskOne(&survey.Input{Message: "Press Enter to continue"}, &ignored, s.Opts...)
}

func (s *Survey) Warn(msg string) {
	printWarning(s.Out, msg)
}

func (s *Survey) Confirm(msg string, def bool) (bool, error) {
	answer := def
	err := survey.AskOne(&survey.Confirm{Message: msg, Default: def}, &answer, s.Opts...)
	return answer, err
}

func (s *Survey) Input(msg, def string) (string, error) {
	answer := ""
	err := survey.AskOne(&survey.Input{Message: msg, Default: def}, &answer, s.Opts...)
	return answer, err
}

func (s *Survey) Password(msg string) (*secret.Secret, error) {
	answer := ""
	if err := survey.AskOne(&survey.Password{Message: msg}, &answer, s.Opts...); err != nil {
		return nil, err
	}
	return secret.New(answer), nil
}

func (s *Survey) SelectDisks(msg string, options, preselected []string) ([]string, error) {
	prompt := &survey.MultiSelect{
		Message:  msg,
		Options:  options,
		Default:  preselected,
		PageSize: 15,
	}

	var selected []string
	opts := append([]survey.AskOpt{survey.WithValidator(survey.MinItems(1))}, s.Opts...)
	if err := survey.AskOne(prompt, &selected, opts...); err != nil {
		return nil, err
	}
	return selected, nil
}

func (s *Survey) Progress(description string, max int) *progressbar.ProgressBar {
	return newProgress(s.Out, description, max)
}
