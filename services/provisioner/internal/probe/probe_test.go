package probe

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pin/tftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTFTP(t *testing.T, files map[string][]byte) int {
	t.Helper()
	srv := tftp.NewServer(func(filename string, rf io.ReaderFrom) error {
		body, ok := files[filename]
		if !ok {
			return os.ErrNotExist
		}
		_, err := rf.ReadFrom(bytes.NewReader(body))
		return err
	}, nil)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()
	t.Cleanup(func() {
		srv.Shutdown()
		<-done
	})
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestTFTPProbe(t *testing.T) {
	port := startTFTP(t, map[string][]byte{"undionly.kpxe": bytes.Repeat([]byte{0x90}, 2000)})
	p := Prober{Timeout: 2 * time.Second, TFTPPort: port}
	loopback := netip.MustParseAddr("127.0.0.1")

	res := p.TFTP(context.Background(), loopback, "undionly.kpxe")
	require.True(t, res.OK, res.Detail)
	assert.Equal(t, "2000 bytes", res.Detail)
	assert.NoError(t, res.Err())

	res = p.TFTP(context.Background(), loopback, "missing.efi")
	assert.False(t, res.OK)
	assert.Error(t, res.Err())
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ipxe/boot.ipxe":
			_, _ = w.Write([]byte("#!ipxe\nmenu\n"))
		case "/index.html":
			_, _ = w.Write([]byte("<html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := Prober{Client: srv.Client(), Timeout: time.Second}

	res := p.HTTP(context.Background(), srv.URL+"/ipxe/boot.ipxe")
	assert.True(t, res.OK, res.Detail)

	res = p.HTTP(context.Background(), srv.URL+"/index.html")
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "not an iPXE script")

	res = p.HTTP(context.Background(), srv.URL+"/missing")
	assert.False(t, res.OK)
	assert.Contains(t, res.Detail, "404")
}

func TestErrors(t *testing.T) {
	assert.NoError(t, Errors([]Result{{Name: NameHTTP, OK: true}}))

	err := Errors([]Result{
		{Name: NameTFTP, Target: "10.0.0.1:69/undionly.kpxe", Detail: "timeout"},
		{Name: NameHTTP, OK: true},
	})
	require.Error(t, err)
	assert.Equal(t, "tftp probe 10.0.0.1:69/undionly.kpxe: timeout", err.Error())
}

func TestOfferFrom(t *testing.T) {
	msg, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IPv4(192, 168, 1, 77)),
		dhcpv4.WithServerIP(net.IPv4(192, 168, 1, 2)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IPv4(192, 168, 1, 1))),
	)
	require.NoError(t, err)
	msg.BootFileName = "pxelinux.0"

	offer := OfferFrom(msg)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), offer.Server)
	assert.Equal(t, netip.MustParseAddr("192.168.1.77"), offer.Offered)
	assert.Equal(t, "pxelinux.0", offer.BootFile)

	self := netip.MustParseAddr("192.168.1.50")
	assert.True(t, Foreign(&offer, self))
	assert.False(t, Foreign(&Offer{Server: self}, self))
	assert.False(t, Foreign(nil, self))
}

func TestOfferFromFallsBackToServerIP(t *testing.T) {
	msg, err := dhcpv4.New(dhcpv4.WithServerIP(net.IPv4(10, 0, 0, 5)))
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), OfferFrom(msg).Server)
}
