package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pxeprov/pkg/telemetry"
	"pxeprov/services/provisioner/internal/config"
)

const serviceName = "pxeprov"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string

	iface       string
	address     string
	rangeStart  string
	rangeEnd    string
	router      string
	dns         []string
	tftpRoot    string
	webRoot     string
	shareName   string
	menuDefault string
	menuTimeout time.Duration
	onDetect    string
	onService   string
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "pxeprov",
		Short:         "Turn a Debian/Ubuntu host into a PXE/iPXE network boot server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.loadEnvFile(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&g.configPath, "config", config.DefaultConfigPath, "YAML settings file (optional when left at the default)")
	f.StringVar(&g.envFile, "env-file", config.DefaultEnvFile, "dotenv file loaded before reading PXEPROV_* variables")
	f.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&g.iface, "interface", "", "interface serving DHCP (default: the default-route interface)")
	f.StringVar(&g.address, "address", "", "IPv4 address of this host on the boot network (default: detected)")
	f.StringVar(&g.rangeStart, "range-start", "", "first DHCP lease address (default: .150 of the subnet)")
	f.StringVar(&g.rangeEnd, "range-end", "", "last DHCP lease address (default: .200 of the subnet)")
	f.StringVar(&g.router, "router", "", "router handed to clients (default: .1 of the subnet)")
	f.StringSliceVar(&g.dns, "dns", nil, "DNS servers handed to clients (default: 8.8.8.8,1.1.1.1)")
	f.StringVar(&g.tftpRoot, "tftp-root", "", "TFTP root directory (default: "+config.DefaultTFTPRoot+")")
	f.StringVar(&g.webRoot, "web-root", "", "web root directory (default: "+config.DefaultWebRoot+")")
	f.StringVar(&g.shareName, "share-name", "", "Samba share name (default: "+config.DefaultShareName+")")
	f.StringVar(&g.menuDefault, "menu-default", "", "boot menu entry chosen on timeout (default: exit)")
	f.DurationVar(&g.menuTimeout, "menu-timeout", 0, "boot menu timeout (default: 30s)")
	f.StringVar(&g.onDetect, "on-detect-failure", "", "what to do when detection misses a value: fail or prompt")
	f.StringVar(&g.onService, "on-service-failure", "", "what to do when a service fails to restart: abort or continue")

	cmd.AddCommand(
		newInstallCommand(g),
		newDetectCommand(g),
		newRenderCommand(g),
		newStatusCommand(g),
		newServeStatusCommand(g),
		newAssetsCommand(g),
		newJournalCommand(g),
		newEventsCommand(g),
		newVersionCommand(),
	)
	return cmd
}

func (g *globalOptions) loadEnvFile(cmd *cobra.Command) error {
	if g.envFile == "" {
		return nil
	}
	err := godotenv.Load(g.envFile)
	if err == nil || (!cmd.Flags().Changed("env-file") && errors.Is(err, os.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", g.envFile, err)
}

// telemetry starts tracing and the stderr logger. The returned function flushes pending spans.
func (g *globalOptions) telemetry(ctx context.Context) (*telemetry.Telemetry, func(), error) {
	level, err := zerolog.ParseLevel(g.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q", g.logLevel)
	}
	t, err := telemetry.Init(ctx, serviceName, os.Stderr, level)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	return t, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.Shutdown(shutdownCtx); err != nil {
			t.Logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}, nil
}
