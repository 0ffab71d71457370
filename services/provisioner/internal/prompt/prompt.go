// Package prompt asks the operator for confirmation and for values detection could not supply.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"pxeprov/services/provisioner/internal/config"
)

// ErrCancelled is returned when the operator declines or aborts a prompt.
var ErrCancelled = errors.New("cancelled by operator")

// ErrNoTTY is returned when a prompt is needed but stdin is not a terminal.
var ErrNoTTY = errors.New("no terminal available for prompting")

// Prompter asks questions.
type Prompter interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
	Input(ctx context.Context, title, description string, validate func(string) error) (string, error)
}

// Interactive reports whether both stdin and stdout are terminals.
func Interactive() bool {
	in, out := os.Stdin.Fd(), os.Stdout.Fd()
	return (isatty.IsTerminal(in) || isatty.IsCygwinTerminal(in)) &&
		(isatty.IsTerminal(out) || isatty.IsCygwinTerminal(out))
}

// Terminal prompts with huh forms.
type Terminal struct{}

func (Terminal) Confirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, ErrCancelled
	}
	return ok, err
}

func (Terminal) Input(ctx context.Context, title, description string, validate func(string) error) (string, error) {
	var value string
	input := huh.NewInput().
		Title(title).
		Description(description).
		Value(&value)
	if validate != nil {
		input = input.Validate(validate)
	}
	err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return "", ErrCancelled
	}
	return value, err
}

// Scripted answers from fixed lists, for non-interactive callers and tests.
type Scripted struct {
	Confirms []bool
	Inputs   []string
	Asked    []string
}

func (s *Scripted) Confirm(_ context.Context, title, _ string) (bool, error) {
	s.Asked = append(s.Asked, title)
	if len(s.Confirms) == 0 {
		return false, ErrNoTTY
	}
	ok := s.Confirms[0]
	s.Confirms = s.Confirms[1:]
	return ok, nil
}

func (s *Scripted) Input(_ context.Context, title, _ string, validate func(string) error) (string, error) {
	s.Asked = append(s.Asked, title)
	if len(s.Inputs) == 0 {
		return "", ErrNoTTY
	}
	v := s.Inputs[0]
	s.Inputs = s.Inputs[1:]
	if validate != nil {
		if err := validate(v); err != nil {
			return "", err
		}
	}
	return v, nil
}

// Missing asks for every field named by a *config.MissingFactsError and stores the answers in s.
func Missing(ctx context.Context, p Prompter, missing *config.MissingFactsError, s *config.Settings) error {
	for _, field := range missing.Fields {
		var (
			title, desc string
			validate    func(string) error
			dst         *string
		)
		switch field {
		case "interface":
			title, desc = "Network interface", "Interface that serves DHCP to boot clients (e.g. eth0)"
			validate, dst = config.ValidateInterface, &s.Network.Interface
		case "address":
			title, desc = "Server IPv4 address", "Address of this host on the boot network (e.g. 192.168.1.50)"
			validate, dst = config.ValidateAddress, &s.Network.Address
		default:
			return fmt.Errorf("no prompt for %s", field)
		}
		v, err := p.Input(ctx, title, desc, validate)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = v
	}
	return nil
}
