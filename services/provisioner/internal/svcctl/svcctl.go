// Package svcctl restarts, enables and checks the services backing the boot server.
package svcctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/hostexec"
)

// Services restarted and checked, in order.
var Services = []string{"isc-dhcp-server", "tftpd-hpa", "nginx", "smbd"}

// State is the liveness of one service.
type State struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
	State  string `json:"state"`
}

// Failure is a service action that did not succeed.
type Failure struct {
	Service string
	Action  string
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Action, f.Service, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Controller drives systemd through a Runner.
type Controller struct {
	runner   hostexec.Runner
	services []string
	logger   zerolog.Logger
}

// New returns a Controller for services. Nil services selects the default set.
func New(runner hostexec.Runner, services []string, logger zerolog.Logger) (*Controller, error) {
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if services == nil {
		services = Services
	}
	return &Controller{runner: runner, services: services, logger: logger}, nil
}

// Services returns the managed service names.
func (c *Controller) Services() []string {
	return append([]string(nil), c.services...)
}

// Apply restarts then enables every service. With ServiceAbort the first failure is returned
// immediately. With ServiceContinue every service is attempted and the failures are returned
// for reporting; the error is nil in that case.
func (c *Controller) Apply(ctx context.Context, policy config.ServicePolicy) ([]Failure, error) {
	var failures []Failure
	for _, svc := range c.services {
		for _, action := range []string{"restart", "enable"} {
			if err := ctx.Err(); err != nil {
				return failures, err
			}
			if _, err := c.runner.Run(ctx, "systemctl", action, svc); err != nil {
				f := Failure{Service: svc, Action: action, Err: err}
				if policy != config.ServiceContinue {
					return append(failures, f), f
				}
				c.logger.Warn().Err(err).Str("service", svc).Str("action", action).Msg("service action failed, continuing")
				failures = append(failures, f)
				if action == "restart" {
					break
				}
				continue
			}
			c.logger.Info().Str("service", svc).Str("action", action).Msg("service updated")
		}
	}
	return failures, nil
}

// Liveness queries systemctl is-active for every service.
func (c *Controller) Liveness(ctx context.Context) []State {
	states := make([]State, 0, len(c.services))
	for _, svc := range c.services {
		out, err := c.runner.Run(ctx, "systemctl", "is-active", svc)
		state := strings.TrimSpace(out)
		if state == "" {
			state = "unknown"
			if err != nil {
				state = "error"
			}
		}
		states = append(states, State{Name: svc, Active: err == nil && state == "active", State: state})
	}
	return states
}

// Check returns an error naming every inactive service.
func Check(states []State) error {
	var errs []error
	for _, s := range states {
		if !s.Active {
			errs = append(errs, fmt.Errorf("service %s is %s", s.Name, s.State))
		}
	}
	return errors.Join(errs...)
}
