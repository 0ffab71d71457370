// Package hostexec runs host tools (systemctl, apt-get, 7z) behind an interface.
package hostexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// LookPath reports the location of an executable.
type LookPath func(file string) (string, error)

// Exec runs commands on the host.
type Exec struct {
	Logger zerolog.Logger
	// Env is appended to the inherited environment.
	Env []string
	// DryRun logs commands without running them.
	DryRun bool
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if e.DryRun {
		e.Logger.Info().Str("cmd", line).Msg("dry run")
		return "", nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	e.Logger.Debug().Str("cmd", line).Msg("exec")
	err := cmd.Run()
	output := strings.TrimSpace(out.String())
	if err != nil {
		return output, &ExitError{Command: line, Output: output, Err: err}
	}
	return output, nil
}

// ExitError carries the output of a failed command.
type ExitError struct {
	Command string
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.Output != "" {
		msg += ": " + lastLine(e.Output)
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
