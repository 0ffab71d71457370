package plan

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/config"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#22c55e"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#3b82f6")).Padding(0, 1)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f59e0b"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ef4444"))
)

type instructionsView struct {
	Interface string
	Server    string
	BootURL   string
	TFTPRoot  string
	ShareName string
	SharePath string
	Steps     []string
}

// Instructions renders the operator follow-up text for cfg.
func Instructions(engine *render.Engine, cfg config.ServerConfig, hirens bool) (string, error) {
	dir := func(name string) string {
		return path.Join(cfg.WebRoot, cfg.AssetDirs[name])
	}
	share := func(name string) string {
		return `\\` + cfg.Address.String() + `\` + cfg.ShareName + `\` + name
	}

	steps := []string{
		fmt.Sprintf("Copy the contents of a Windows 11 ISO into %s (or from a Windows PC into %s).", dir(config.AssetWin11), share(config.AssetWin11)),
		fmt.Sprintf("Copy the contents of a Windows 10 ISO into %s (or into %s).", dir(config.AssetWin10), share(config.AssetWin10)),
		fmt.Sprintf("Copy casper/vmlinuz and casper/initrd from an Ubuntu desktop ISO into %s/casper.", dir(config.AssetUbuntuLive)),
		fmt.Sprintf("Place the Ubuntu desktop ISO itself at %s; the live system loads it over HTTP.", path.Join(dir(config.AssetUbuntuLive), config.UbuntuLiveISO)),
	}
	if !hirens {
		steps = append(steps, "Re-run with --hirens to add Hiren's BootCD PE to the menu.")
	}
	steps = append(steps, fmt.Sprintf("Enable network (PXE) boot in the client firmware and connect it to the network on %s.", cfg.Interface))

	return engine.Render(render.Instructions, instructionsView{
		Interface: cfg.Interface,
		Server:    cfg.Address.String(),
		BootURL:   cfg.BootURL(),
		TFTPRoot:  cfg.TFTPRoot,
		ShareName: cfg.ShareName,
		SharePath: cfg.IPXERoot(),
		Steps:     steps,
	})
}

// Print writes the instructions and the warnings and failures of report to w.
func Print(w io.Writer, text string, report Report) error {
	lines := strings.SplitN(strings.TrimRight(text, "\n"), "\n", 2)
	body := titleStyle.Render(lines[0])
	if len(lines) > 1 {
		body += "\n" + lines[1]
	}

	var b strings.Builder
	b.WriteString(boxStyle.Render(body))
	b.WriteString("\n")
	for _, warning := range report.Warnings {
		b.WriteString(warnStyle.Render("warning: "+warning) + "\n")
	}
	if err := report.Err(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			b.WriteString(errStyle.Render("failed: "+line) + "\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
