//go:build linux

package netfacts

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/insomniacslk/dhcp/interfaces"
	"github.com/jsimonetti/rtnetlink"
	"golang.org/x/sys/unix"
)

// SystemHost reads routes over rtnetlink and interfaces from the kernel.
type SystemHost struct{}

func (SystemHost) DefaultRouteInterface() (string, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return "", fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	routes, err := conn.Route.List()
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.Family != unix.AF_INET || r.DstLength != 0 {
			continue
		}
		if r.Attributes.Table != 0 && r.Attributes.Table != unix.RT_TABLE_MAIN {
			continue
		}
		if r.Attributes.OutIface == 0 {
			continue
		}
		iface, err := net.InterfaceByIndex(int(r.Attributes.OutIface))
		if err != nil {
			return "", fmt.Errorf("resolve interface %d: %w", r.Attributes.OutIface, err)
		}
		return iface.Name, nil
	}
	return "", errors.New("no IPv4 default route")
}

func (SystemHost) Interfaces() ([]Interface, error) {
	ifaces, err := interfaces.GetNonLoopbackInterfaces()
	if err != nil {
		return nil, err
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{
			Name:     iface.Name,
			Index:    iface.Index,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			entry.Addrs = append(entry.Addrs, netip.PrefixFrom(addr.Unmap(), ones))
		}
		out = append(out, entry)
	}
	return out, nil
}
