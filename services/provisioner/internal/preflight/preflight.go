// Package preflight checks that the host can be provisioned before anything is changed.
package preflight

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRoot is returned when the process lacks root privileges.
var ErrNotRoot = errors.New("pxeprov must run as root (try sudo)")

// Tool is an external program the provisioner calls.
type Tool struct {
	Name        string
	Required    bool
	Description string
	Package     string
}

// Tools lists the host programs used by a full run.
var Tools = []Tool{
	{Name: "systemctl", Required: true, Description: "restarts and enables services", Package: "systemd"},
	{Name: "apt-get", Required: false, Description: "installs the service packages", Package: "apt"},
	{Name: "7z", Required: false, Description: "extracts ISO images (only with hirens enabled)", Package: "p7zip-full"},
}

// Checker runs the checks. The zero value inspects the real host.
type Checker struct {
	Euid     func() int
	LookPath func(string) (string, error)
}

// Result lists the checks that failed or only warned.
type Result struct {
	Missing  []Tool
	Warnings []string
}

// Privileges fails with ErrNotRoot unless the effective uid is 0.
func (c Checker) Privileges() error {
	euid := c.Euid
	if euid == nil {
		euid = geteuid
	}
	if euid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Tools checks that every tool in tools can be found. Missing required tools are an error,
// missing optional ones a warning.
func (c Checker) Tools(tools []Tool) (Result, error) {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var (
		res     Result
		missing []string
	)
	for _, t := range tools {
		if _, err := lookPath(t.Name); err != nil {
			res.Missing = append(res.Missing, t)
			if t.Required {
				missing = append(missing, fmt.Sprintf("%s (%s, package %s)", t.Name, t.Description, t.Package))
				continue
			}
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s not found: %s", t.Name, t.Description))
		}
	}
	if len(missing) > 0 {
		return res, fmt.Errorf("required tools missing: %s", strings.Join(missing, "; "))
	}
	return res, nil
}

// Select returns the tools needed for a run with the given options.
func Select(installPackages, extractISO bool) []Tool {
	var out []Tool
	for _, t := range Tools {
		switch t.Name {
		case "apt-get":
			t.Required = installPackages
		case "7z":
			if !extractISO {
				continue
			}
			t.Required = !installPackages
		}
		out = append(out, t)
	}
	return out
}
