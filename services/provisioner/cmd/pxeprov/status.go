package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"pxeprov/pkg/telemetry"
	"pxeprov/services/provisioner/internal/hostexec"
	"pxeprov/services/provisioner/internal/status"
	"pxeprov/services/provisioner/internal/svcctl"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444"))
)

// collector builds the status collector shared by status and serve-status.
func collector(ctx context.Context, g *globalOptions, t *telemetry.Telemetry) (status.Collector, error) {
	s, err := g.settings(ctx, nil)
	if err != nil {
		return nil, err
	}
	cfg, _, err := systemResolver(t.Logger).resolve(ctx, s)
	if err != nil {
		return nil, err
	}
	services, err := svcctl.New(hostexec.Exec{Logger: t.Logger}, nil, t.Logger)
	if err != nil {
		return nil, err
	}
	return status.Collect(services, newProber(t), cfg), nil
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the boot services and probe TFTP and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			collect, err := collector(ctx, g, t)
			if err != nil {
				return err
			}
			snap := collect(ctx)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					return err
				}
			} else if err := printSnapshot(out, snap); err != nil {
				return err
			}
			return snap.Err()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printSnapshot(w io.Writer, snap status.Snapshot) error {
	mark := func(ok bool) string {
		if ok {
			return okStyle.Render("ok")
		}
		return failStyle.Render("FAIL")
	}

	rows := make([][]string, 0, len(snap.Services)+len(snap.Probes))
	for _, s := range snap.Services {
		rows = append(rows, []string{"service", s.Name, mark(s.Active), s.State})
	}
	for _, p := range snap.Probes {
		detail := p.Detail
		if p.OK {
			detail = fmt.Sprintf("%s in %s", p.Detail, p.Latency.Round(time.Millisecond))
		}
		rows = append(rows, []string{"probe", p.Name + " " + p.Target, mark(p.OK), detail})
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("check", "target", "result", "detail").
		Rows(rows...)
	_, err := fmt.Fprintln(w, tbl.String())
	return err
}

func newServeStatusCommand(g *globalOptions) *cobra.Command {
	var (
		listen   string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-status",
		Short: "Serve service liveness as JSON and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()
			logger := t.Logger

			collect, err := collector(ctx, g, t)
			if err != nil {
				return err
			}
			monitor, err := status.NewMonitor(collect, logger)
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              listen,
				Handler:           t.Middleware(monitor.Routes()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			go func() {
				errCh <- monitor.Run(ctx, interval)
			}()
			go func() {
				logger.Info().Str("addr", listen).Dur("interval", interval).Msg("status endpoint listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http: %w", err)
				}
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", status.DefaultListen, "address the status endpoint listens on")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "how often services are checked")
	return cmd
}
