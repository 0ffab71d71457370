// Package netfacts discovers the host network parameters a PXE server is configured from.
package netfacts

import (
	"errors"
	"fmt"
	"net/netip"
)

// Interface is a host network interface as seen by discovery.
type Interface struct {
	Name     string
	Index    int
	Loopback bool
	Addrs    []netip.Prefix
}

// Host exposes the routing and interface tables.
type Host interface {
	// DefaultRouteInterface returns the outbound interface of the first IPv4 default route.
	DefaultRouteInterface() (string, error)
	// Interfaces returns interfaces in index order.
	Interfaces() ([]Interface, error)
}

// Facts is the result of discovery. Zero values mean the fact could not be determined.
type Facts struct {
	Interface string
	Address   netip.Addr
	Subnet    netip.Prefix
}

// Complete reports whether every fact was discovered.
func (f Facts) Complete() bool {
	return f.Interface != "" && f.Address.IsValid()
}

// Discover reads the default-route interface and the first non-loopback IPv4 address.
// The first matching record wins. Lookup failures are returned joined alongside whatever
// facts could still be determined.
func Discover(h Host) (Facts, error) {
	if h == nil {
		return Facts{}, errors.New("nil host")
	}

	var (
		facts Facts
		errs  []error
	)

	iface, err := h.DefaultRouteInterface()
	if err != nil {
		errs = append(errs, fmt.Errorf("default route: %w", err))
	}
	facts.Interface = iface

	ifaces, err := h.Interfaces()
	if err != nil {
		errs = append(errs, fmt.Errorf("list interfaces: %w", err))
	}
	if addr, ok := firstIPv4(ifaces); ok {
		facts.Address = addr
		facts.Subnet, _ = addr.Prefix(24)
	}

	return facts, errors.Join(errs...)
}

func firstIPv4(ifaces []Interface) (netip.Addr, bool) {
	for _, iface := range ifaces {
		if iface.Loopback {
			continue
		}
		for _, p := range iface.Addrs {
			a := p.Addr().Unmap()
			if a.Is4() && !a.IsLoopback() {
				return a, true
			}
		}
	}
	return netip.Addr{}, false
}

// Static is a Host with fixed answers.
type Static struct {
	Route    string
	RouteErr error
	Ifaces   []Interface
	IfaceErr error
}

func (s Static) DefaultRouteInterface() (string, error) { return s.Route, s.RouteErr }
func (s Static) Interfaces() ([]Interface, error)       { return s.Ifaces, s.IfaceErr }
