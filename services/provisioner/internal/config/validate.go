package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path"
	"regexp"
	"strings"
	"unicode"
)

var (
	ifaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,15}$`)
	shareNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
)

// Validate reports every field that cannot be substituted safely into a rendered document.
func (c ServerConfig) Validate() error {
	var errs []error

	if !ifaceNamePattern.MatchString(c.Interface) {
		errs = append(errs, fmt.Errorf("interface name %q is not a valid Linux interface name", c.Interface))
	}
	if !c.Address.Is4() {
		errs = append(errs, fmt.Errorf("address %s is not IPv4", c.Address))
	}
	if !c.Subnet.IsValid() || c.Subnet.Bits() != 24 {
		errs = append(errs, fmt.Errorf("subnet %s is not a /24", c.Subnet))
	} else {
		if !c.Subnet.Contains(c.Address) {
			errs = append(errs, fmt.Errorf("address %s is outside %s", c.Address, c.Subnet))
		}
		if !c.Subnet.Contains(c.RangeStart) || !c.Subnet.Contains(c.RangeEnd) {
			errs = append(errs, fmt.Errorf("range %s-%s is outside %s", c.RangeStart, c.RangeEnd, c.Subnet))
		} else if c.RangeEnd.Less(c.RangeStart) {
			errs = append(errs, fmt.Errorf("range start %s is after range end %s", c.RangeStart, c.RangeEnd))
		}
		if !c.Subnet.Contains(c.Router) {
			errs = append(errs, fmt.Errorf("router %s is outside %s", c.Router, c.Subnet))
		}
	}
	if len(c.DNS) == 0 {
		errs = append(errs, errors.New("at least one DNS server is required"))
	}
	for _, d := range c.DNS {
		if !d.Is4() {
			errs = append(errs, fmt.Errorf("DNS server %s is not IPv4", d))
		}
	}
	for name, dir := range map[string]string{"tftp root": c.TFTPRoot, "web root": c.WebRoot} {
		if err := validateAbsPath(dir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := validateRelPath(c.IPXEDir); err != nil {
		errs = append(errs, fmt.Errorf("ipxe dir: %w", err))
	}
	for name, dir := range c.AssetDirs {
		if err := validateRelPath(dir); err != nil {
			errs = append(errs, fmt.Errorf("asset %s: %w", name, err))
		}
	}
	if !shareNamePattern.MatchString(c.ShareName) {
		errs = append(errs, fmt.Errorf("share name %q must match %s", c.ShareName, shareNamePattern))
	}
	if c.MenuWait < 0 {
		errs = append(errs, fmt.Errorf("menu timeout %s is negative", c.MenuWait))
	}

	return errors.Join(errs...)
}

func validateAbsPath(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("%q is not absolute", p)
	}
	return validatePathChars(p)
}

func validateRelPath(p string) error {
	if p == "" || path.IsAbs(p) {
		return fmt.Errorf("%q must be a non-empty relative path", p)
	}
	if clean := path.Clean(p); clean != p || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q is not a clean path below the web root", p)
	}
	return validatePathChars(p)
}

func validatePathChars(p string) error {
	for _, r := range p {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`"'\;{}$`+"`", r) {
			return fmt.Errorf("%q contains unsupported character %q", p, r)
		}
	}
	return nil
}

// ValidateInterface checks a single interface name, as typed by an operator.
func ValidateInterface(name string) error {
	if !ifaceNamePattern.MatchString(name) {
		return fmt.Errorf("%q is not a valid Linux interface name", name)
	}
	return nil
}

// ValidateAddress checks a single IPv4 address, as typed by an operator.
func ValidateAddress(raw string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%q is not an IP address", raw)
	}
	if !addr.Is4() {
		return fmt.Errorf("%s is not IPv4", addr)
	}
	return nil
}
