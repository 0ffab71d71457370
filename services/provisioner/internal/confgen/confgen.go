// Package confgen renders the configuration documents of the backing services.
// Rendering is pure: it reads only the ServerConfig and never touches the host.
package confgen

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/bootmenu"
	"pxeprov/services/provisioner/internal/config"
)

// Merge controls how a document is combined with an existing file.
type Merge string

const (
	// MergeReplace overwrites the whole file.
	MergeReplace Merge = "replace"
	// MergeManagedBlock replaces or appends a delimited block, leaving the rest of the file alone.
	MergeManagedBlock Merge = "managed-block"
)

// Document names.
const (
	DocDHCP         = "dhcpd"
	DocDHCPDefaults = "dhcp-defaults"
	DocTFTP         = "tftpd"
	DocSamba        = "samba"
	DocBootMenu     = "boot-menu"
)

// Well-known target paths.
const (
	PathDHCP         = "/etc/dhcp/dhcpd.conf"
	PathDHCPDefaults = "/etc/default/isc-dhcp-server"
	PathTFTP         = "/etc/default/tftpd-hpa"
	PathSamba        = "/etc/samba/smb.conf"
)

const header = "Managed by pxeprov; changes are overwritten on the next run."

// Document is a rendered file.
type Document struct {
	Name    string
	Path    string
	Mode    fs.FileMode
	Content string
	Merge   Merge
	// Marker delimits the managed block for MergeManagedBlock documents.
	Marker string
}

type netView struct {
	Header     string
	Interface  string
	Server     string
	Network    string
	Netmask    string
	RangeStart string
	RangeEnd   string
	Router     string
	Broadcast  string
	DNS        []string
	BootURL    string
	TFTPRoot   string
}

type shareView struct {
	ShareName string
	SharePath string
	Comment   string
}

// Renderer renders documents with a shared template engine.
type Renderer struct {
	engine *render.Engine
}

// NewRenderer returns a Renderer using engine.
func NewRenderer(engine *render.Engine) (*Renderer, error) {
	if engine == nil {
		return nil, errors.New("template engine is required")
	}
	return &Renderer{engine: engine}, nil
}

// Render produces every document for cfg in a fixed order.
func (r *Renderer) Render(cfg config.ServerConfig) ([]Document, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	view := netView{
		Header:     header,
		Interface:  cfg.Interface,
		Server:     cfg.Address.String(),
		Network:    cfg.Network().String(),
		Netmask:    cfg.Netmask(),
		RangeStart: cfg.RangeStart.String(),
		RangeEnd:   cfg.RangeEnd.String(),
		Router:     cfg.Router.String(),
		Broadcast:  cfg.Broadcast.String(),
		BootURL:    cfg.BootURL(),
		TFTPRoot:   cfg.TFTPRoot,
	}
	for _, d := range cfg.DNS {
		view.DNS = append(view.DNS, d.String())
	}

	specs := []struct {
		name     string
		path     string
		tmpl     string
		data     any
		merge    Merge
		marker   string
		mode     fs.FileMode
		describe string
	}{
		{DocDHCP, PathDHCP, render.DHCPConfig, view, MergeReplace, "", 0o644, "dhcp server"},
		{DocDHCPDefaults, PathDHCPDefaults, render.DHCPDefaults, view, MergeReplace, "", 0o644, "dhcp defaults"},
		{DocTFTP, PathTFTP, render.TFTPDefaults, view, MergeReplace, "", 0o644, "tftp defaults"},
		{
			DocSamba, PathSamba, render.SambaShare,
			shareView{ShareName: cfg.ShareName, SharePath: cfg.IPXERoot(), Comment: "Network boot images"},
			MergeManagedBlock, "pxeprov share " + cfg.ShareName, 0o644, "samba share",
		},
	}

	docs := make([]Document, 0, len(specs)+1)
	for _, s := range specs {
		content, err := r.engine.Render(s.tmpl, s.data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.describe, err)
		}
		docs = append(docs, Document{
			Name:    s.name,
			Path:    s.path,
			Mode:    s.mode,
			Content: content,
			Merge:   s.merge,
			Marker:  s.marker,
		})
	}

	menu, err := bootmenu.Render(r.engine, cfg)
	if err != nil {
		return nil, err
	}
	docs = append(docs, Document{
		Name:    DocBootMenu,
		Path:    path.Join(cfg.IPXERoot(), "boot.ipxe"),
		Mode:    0o644,
		Content: menu,
		Merge:   MergeReplace,
	})

	return docs, nil
}

// Find returns the document with the given name.
func Find(docs []Document, name string) (Document, bool) {
	for _, d := range docs {
		if d.Name == name {
			return d, true
		}
	}
	return Document{}, false
}
