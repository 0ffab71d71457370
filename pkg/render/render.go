package render

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	DHCPConfig   = "dhcpd.conf.tmpl"
	DHCPDefaults = "isc-dhcp-server.tmpl"
	TFTPDefaults = "tftpd-hpa.tmpl"
	SambaShare   = "smb-share.tmpl"
	BootMenu     = "boot.ipxe.tmpl"
	Instructions = "instructions.tmpl"
)

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").
		Option("missingkey=error").
		Funcs(funcs()).
		ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}

	return buf.String(), nil
}

// Names lists the embedded templates.
func (e *Engine) Names() []string {
	var names []string
	for _, t := range e.templates.Templates() {
		if strings.HasSuffix(t.Name(), ".tmpl") {
			names = append(names, t.Name())
		}
	}
	sort.Strings(names)
	return names
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"quote": Quote,
		"join": func(items []string, sep string) string {
			return strings.Join(items, sep)
		},
		"line": SingleLine,
		"inc":  func(i int) int { return i + 1 },
	}
}

// Quote renders s as a double-quoted string for dhcpd.conf and shell-style defaults files.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ", "\r", " ")
	return `"` + r.Replace(s) + `"`
}

// SingleLine collapses control characters so a value cannot start a new directive.
func SingleLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
