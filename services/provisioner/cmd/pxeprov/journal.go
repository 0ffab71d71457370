package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"pxeprov/pkg/bus"
	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/journal"
	"pxeprov/services/provisioner/internal/plan"
)

func newJournalCommand(g *globalOptions) *cobra.Command {
	var (
		opts   journalOptions
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the step journal of the last provisioning run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.settings(ctx, nil, config.Settings{Journal: config.JournalSettings{Path: opts.path, DSN: opts.dsn}})
			if err != nil {
				return err
			}
			store, closeStore, err := openJournal(ctx, s.Journal)
			if err != nil {
				return err
			}
			defer closeStore()

			runs, err := loadRuns(ctx, store, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			for _, run := range runs {
				if err := printRun(out, run); err != nil {
					return err
				}
			}
			return nil
		},
	}
	opts.register(cmd.Flags())
	cmd.Flags().BoolVar(&all, "all", false, "show every stored run (file journal only)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

type historian interface {
	History(ctx context.Context) ([]*journal.Run, error)
}

func loadRuns(ctx context.Context, store journal.Store, all bool) ([]*journal.Run, error) {
	if all {
		h, ok := store.(historian)
		if !ok {
			return nil, errors.New("--all is only supported by the file journal")
		}
		return h.History(ctx)
	}
	run, err := store.Last(ctx)
	if err != nil || run == nil {
		return nil, err
	}
	return []*journal.Run{run}, nil
}

func printRun(w io.Writer, run *journal.Run) error {
	finished := "-"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Local().Format(time.DateTime)
	}
	fp := run.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	fmt.Fprintf(w, "Run %s  %s  started %s  finished %s  config %s\n",
		run.ID, statusText(run.Status), run.StartedAt.Local().Format(time.DateTime), finished, fp)

	rows := make([][]string, 0, len(run.Steps))
	for _, s := range run.Steps {
		rows = append(rows, []string{s.Name, statusText(s.Status), s.Duration.Round(time.Millisecond).String(), s.Error})
	}
	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("step", "status", "took", "error").
		Rows(rows...)
	_, err := fmt.Fprintln(w, tbl.String())
	return err
}

func statusText(s journal.Status) string {
	switch s {
	case journal.StatusOK:
		return okStyle.Render(string(s))
	case journal.StatusFailed:
		return failStyle.Render(string(s))
	default:
		return string(s)
	}
}

func newEventsCommand(g *globalOptions) *cobra.Command {
	var url, subject string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow step events published by install runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.settings(ctx, nil, config.Settings{Events: config.EventSettings{URL: url, Subject: subject}})
			if err != nil {
				return err
			}
			if s.Events.URL == "" {
				return errors.New("no NATS URL: pass --url or set PXEPROV_EVENTS_URL")
			}
			b, err := bus.New(s.Events.URL)
			if err != nil {
				return fmt.Errorf("connect %s: %w", s.Events.URL, err)
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, firstSet(s.Events.Subject, config.DefaultEventsTopic), func(_ context.Context, data []byte) error {
				var ev plan.Event
				if err := json.Unmarshal(data, &ev); err != nil {
					return err
				}
				line := fmt.Sprintf("%s  %-18s %-8s %s", ev.Time.Local().Format(time.TimeOnly), ev.Step, statusText(ev.Status), ev.Duration.Round(time.Millisecond))
				if ev.Error != "" {
					line += "  " + ev.Error
				}
				_, err := fmt.Fprintln(out, line)
				return err
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "NATS URL (default: PXEPROV_EVENTS_URL)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject to follow (default: "+config.DefaultEventsTopic+")")
	return cmd
}
