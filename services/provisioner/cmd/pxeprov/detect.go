package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/netfacts"
)

func newDetectCommand(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Print the discovered network facts and the derived server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			t, shutdown, err := g.telemetry(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			s, err := g.settings(ctx, nil)
			if err != nil {
				return err
			}
			cfg, facts, err := systemResolver(t.Logger).resolve(ctx, s)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Detected netfacts.Facts     `json:"detected"`
					Config   config.ServerConfig `json:"config"`
				}{facts, cfg})
			}
			fmt.Fprintf(out, "Detected: interface=%s address=%s\n", orDash(facts.Interface), orDash(addrString(facts)))
			return printServerConfig(out, cfg)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printServerConfig(w io.Writer, cfg config.ServerConfig) error {
	dns := make([]string, 0, len(cfg.DNS))
	for _, d := range cfg.DNS {
		dns = append(dns, d.String())
	}
	rows := [][]string{
		{"interface", cfg.Interface},
		{"address", cfg.Address.String()},
		{"subnet", cfg.Subnet.String()},
		{"dhcp range", cfg.RangeStart.String() + " - " + cfg.RangeEnd.String()},
		{"router", cfg.Router.String()},
		{"broadcast", cfg.Broadcast.String()},
		{"dns", strings.Join(dns, ", ")},
		{"tftp root", cfg.TFTPRoot},
		{"web root", cfg.WebRoot},
		{"boot menu", cfg.BootURL()},
		{"samba share", cfg.ShareName + " -> " + cfg.IPXERoot()},
	}
	names := make([]string, 0, len(cfg.AssetDirs))
	for name := range cfg.AssetDirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rows = append(rows, []string{"asset " + name, cfg.AssetPath(name)})
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#3b82f6"))).
		Headers("setting", "value").
		Rows(rows...)
	_, err := fmt.Fprintln(w, tbl.String())
	return err
}

func addrString(f netfacts.Facts) string {
	if !f.Address.IsValid() {
		return ""
	}
	return f.Address.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
