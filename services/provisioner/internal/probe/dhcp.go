package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
)

// Offer is a DHCPOFFER seen on the wire.
type Offer struct {
	Server   netip.Addr `json:"server"`
	Offered  netip.Addr `json:"offered"`
	BootFile string     `json:"boot_file,omitempty"`
}

// Discoverer broadcasts a DHCPDISCOVER and returns the first offer, or nil when nobody answered.
type Discoverer interface {
	Discover(ctx context.Context) (*Offer, error)
}

// NClient discovers offers with a raw-socket DHCP client bound to Interface.
type NClient struct {
	Interface string
	Timeout   time.Duration
}

func (n NClient) Discover(ctx context.Context) (*Offer, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client, err := nclient4.New(n.Interface, nclient4.WithTimeout(timeout), nclient4.WithRetry(1))
	if err != nil {
		return nil, fmt.Errorf("dhcp client on %s: %w", n.Interface, err)
	}
	defer client.Close()

	msg, err := client.DiscoverOffer(ctx)
	if err != nil {
		if errors.Is(err, nclient4.ErrNoResponse) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("discover: %w", err)
	}
	offer := OfferFrom(msg)
	return &offer, nil
}

// OfferFrom extracts the fields of interest from a DHCP message.
func OfferFrom(msg *dhcpv4.DHCPv4) Offer {
	server := toAddr(msg.ServerIdentifier())
	if !server.IsValid() {
		server = toAddr(msg.ServerIPAddr)
	}
	return Offer{
		Server:   server,
		Offered:  toAddr(msg.YourIPAddr),
		BootFile: msg.BootFileName,
	}
}

// Foreign reports whether an offer came from a server other than self.
func Foreign(offer *Offer, self netip.Addr) bool {
	return offer != nil && offer.Server != self
}

func toAddr(ip net.IP) netip.Addr {
	if v4 := ip.To4(); v4 != nil && !v4.IsUnspecified() {
		addr, _ := netip.AddrFromSlice(v4)
		return addr
	}
	return netip.Addr{}
}
