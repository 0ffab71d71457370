// Package bootmenu builds the iPXE menu served to network-booting clients.
package bootmenu

import (
	"fmt"
	"path"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/config"
)

// Kind selects the boot stanza emitted for an entry.
type Kind string

const (
	KindWIM     Kind = "wim"
	KindLinux   Kind = "linux"
	KindMemtest Kind = "memtest"
	KindBuiltin Kind = "builtin"
)

// Entry is one selectable menu item.
type Entry struct {
	ID    string
	Label string
	Kind  Kind
	Group string
	// Dir is the URL path of the tool tree, empty for builtins.
	Dir string
}

// Group is a titled run of entries in menu order.
type Group struct {
	Name    string
	Entries []Entry
}

// Catalog is the fixed set of menu entries in display order.
var Catalog = []Entry{
	{ID: config.AssetWin11, Label: "Windows 11 installer", Kind: KindWIM, Group: "Installers"},
	{ID: config.AssetWin10, Label: "Windows 10 installer", Kind: KindWIM, Group: "Installers"},
	{ID: config.AssetUbuntuLive, Label: "Ubuntu live", Kind: KindLinux, Group: "Installers"},
	{ID: config.AssetHirens, Label: "Hiren's BootCD PE", Kind: KindWIM, Group: "Tools"},
	{ID: config.AssetMemtest, Label: "Memtest86+", Kind: KindMemtest, Group: "Tools"},
	{ID: "shell", Label: "iPXE shell", Kind: KindBuiltin, Group: "iPXE"},
	{ID: "reboot", Label: "Reboot", Kind: KindBuiltin, Group: "iPXE"},
	{ID: "exit", Label: "Exit and boot from local disk", Kind: KindBuiltin, Group: "iPXE"},
}

// Lookup returns the catalog entry with the given id.
func Lookup(id string) (Entry, bool) {
	for _, e := range Catalog {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Menu is the data rendered into boot.ipxe.
type Menu struct {
	Header    string
	Title     string
	Server    string
	Wimboot   string
	LiveISO   string
	Default   string
	TimeoutMS int64
	Groups    []Group
	Entries   []Entry
}

// Build assembles the menu for cfg.
func Build(cfg config.ServerConfig) (Menu, error) {
	if !cfg.Address.IsValid() {
		return Menu{}, fmt.Errorf("boot menu: server address is required")
	}
	if _, ok := Lookup(cfg.MenuEntry); !ok {
		return Menu{}, fmt.Errorf("boot menu: unknown default entry %q", cfg.MenuEntry)
	}

	m := Menu{
		Header:    "Managed by pxeprov; changes are overwritten on the next run.",
		Title:     "Network boot",
		Server:    cfg.Address.String(),
		Wimboot:   "/" + path.Join(cfg.IPXEDir, "wimboot"),
		LiveISO:   config.UbuntuLiveISO,
		Default:   cfg.MenuEntry,
		TimeoutMS: cfg.MenuWait.Milliseconds(),
	}

	for _, e := range Catalog {
		if e.Kind != KindBuiltin {
			dir, ok := cfg.AssetDirs[e.ID]
			if !ok {
				return Menu{}, fmt.Errorf("boot menu: no directory for %s", e.ID)
			}
			e.Dir = "/" + dir
		}
		m.Entries = append(m.Entries, e)
		if n := len(m.Groups); n == 0 || m.Groups[n-1].Name != e.Group {
			m.Groups = append(m.Groups, Group{Name: e.Group})
		}
		g := &m.Groups[len(m.Groups)-1]
		g.Entries = append(g.Entries, e)
	}
	return m, nil
}

// Render builds and renders the menu script.
func Render(engine *render.Engine, cfg config.ServerConfig) (string, error) {
	m, err := Build(cfg)
	if err != nil {
		return "", err
	}
	return engine.Render(render.BootMenu, m)
}
