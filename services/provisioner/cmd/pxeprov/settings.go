package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"

	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/netfacts"
	"pxeprov/services/provisioner/internal/prompt"
)

// flagSettings turns the persistent flags into a settings layer.
func (g *globalOptions) flagSettings() config.Settings {
	return config.Settings{
		Network: config.NetworkSettings{
			Interface:  g.iface,
			Address:    g.address,
			RangeStart: g.rangeStart,
			RangeEnd:   g.rangeEnd,
			Router:     g.router,
			DNS:        g.dns,
		},
		Paths: config.PathSettings{
			TFTPRoot:  g.tftpRoot,
			WebRoot:   g.webRoot,
			ShareName: g.shareName,
		},
		Menu:     config.MenuSettings{Default: g.menuDefault, Timeout: g.menuTimeout},
		Detect:   config.DetectSettings{OnFailure: config.DetectPolicy(g.onDetect)},
		Services: config.ServiceSettings{OnFailure: config.ServicePolicy(g.onService)},
	}
}

// settings layers file, environment and flags, later layers winning.
func (g *globalOptions) settings(ctx context.Context, lookuper envconfig.Lookuper, extra ...config.Settings) (config.Settings, error) {
	file, err := config.LoadFile(g.configPath, g.configPath == config.DefaultConfigPath)
	if err != nil {
		return config.Settings{}, err
	}
	env, err := config.FromEnv(ctx, lookuper)
	if err != nil {
		return config.Settings{}, err
	}
	layers := append([]config.Settings{env, g.flagSettings()}, extra...)
	return config.Merge(file, layers...), nil
}

// resolver turns settings into a ServerConfig using host discovery and, when allowed, the operator.
type resolver struct {
	Host        netfacts.Host
	Prompter    prompt.Prompter
	Interactive bool
	Logger      zerolog.Logger
}

func (r resolver) resolve(ctx context.Context, s config.Settings) (config.ServerConfig, netfacts.Facts, error) {
	detect, _, err := s.Policies()
	if err != nil {
		return config.ServerConfig{}, netfacts.Facts{}, err
	}

	facts, err := netfacts.Discover(r.Host)
	if err != nil {
		r.Logger.Warn().Err(err).Msg("network discovery incomplete")
	}

	cfg, err := config.Resolve(s, facts.Interface, facts.Address)
	var missing *config.MissingFactsError
	if !errors.As(err, &missing) {
		return cfg, facts, err
	}
	if detect != config.DetectPrompt {
		return config.ServerConfig{}, facts, err
	}
	if !r.Interactive || r.Prompter == nil {
		return config.ServerConfig{}, facts, fmt.Errorf("%w: %w", err, prompt.ErrNoTTY)
	}
	if err := prompt.Missing(ctx, r.Prompter, missing, &s); err != nil {
		return config.ServerConfig{}, facts, err
	}
	cfg, err = config.Resolve(s, facts.Interface, facts.Address)
	return cfg, facts, err
}

func systemResolver(logger zerolog.Logger) resolver {
	return resolver{
		Host:        netfacts.SystemHost{},
		Prompter:    prompt.Terminal{},
		Interactive: prompt.Interactive(),
		Logger:      logger,
	}
}
