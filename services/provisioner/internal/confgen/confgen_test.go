package confgen

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/config"
)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	r, err := NewRenderer(engine)
	require.NoError(t, err)
	return r
}

func resolve(t *testing.T, s config.Settings, iface, addr string) config.ServerConfig {
	t.Helper()
	cfg, err := config.Resolve(s, iface, netip.MustParseAddr(addr))
	require.NoError(t, err)
	return cfg
}

func TestRenderScenario(t *testing.T) {
	docs, err := newRenderer(t).Render(resolve(t, config.Settings{}, "eth0", "192.168.1.50"))
	require.NoError(t, err)

	names := make([]string, 0, len(docs))
	for _, d := range docs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{DocDHCP, DocDHCPDefaults, DocTFTP, DocSamba, DocBootMenu}, names)

	dhcp, ok := Find(docs, DocDHCP)
	require.True(t, ok)
	assert.Equal(t, PathDHCP, dhcp.Path)
	assert.Contains(t, dhcp.Content, "subnet 192.168.1.0 netmask 255.255.255.0")
	assert.Contains(t, dhcp.Content, "range 192.168.1.150 192.168.1.200")
	assert.Contains(t, dhcp.Content, "option routers 192.168.1.1;")
	assert.Contains(t, dhcp.Content, "option broadcast-address 192.168.1.255;")
	assert.Contains(t, dhcp.Content, "option domain-name-servers 8.8.8.8, 1.1.1.1;")
	assert.Contains(t, dhcp.Content, "next-server 192.168.1.50;")
	assert.Contains(t, dhcp.Content, `filename "http://192.168.1.50/ipxe/boot.ipxe";`)
	assert.Contains(t, dhcp.Content, `filename "undionly.kpxe";`)
	assert.Contains(t, dhcp.Content, `filename "ipxe.efi";`)

	defaults, _ := Find(docs, DocDHCPDefaults)
	assert.Contains(t, defaults.Content, `INTERFACESv4="eth0"`)

	tftp, _ := Find(docs, DocTFTP)
	assert.Contains(t, tftp.Content, `TFTP_DIRECTORY="/srv/tftp"`)

	samba, _ := Find(docs, DocSamba)
	assert.Equal(t, MergeManagedBlock, samba.Merge)
	assert.NotEmpty(t, samba.Marker)
	assert.True(t, strings.HasPrefix(samba.Content, "[pxe]\n"))
	assert.Contains(t, samba.Content, "path = /var/www/html/ipxe\n")

	menu, _ := Find(docs, DocBootMenu)
	assert.Equal(t, "/var/www/html/ipxe/boot.ipxe", menu.Path)
	assert.Contains(t, menu.Content, "set server 192.168.1.50")
}

func TestRenderDeterministic(t *testing.T) {
	r := newRenderer(t)
	cfg := resolve(t, config.Settings{}, "eth0", "192.168.1.50")

	first, err := r.Render(cfg)
	require.NoError(t, err)
	second, err := r.Render(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenderRejectsEmptyFacts(t *testing.T) {
	r := newRenderer(t)

	_, err := r.Render(config.ServerConfig{})
	require.Error(t, err)

	cfg := resolve(t, config.Settings{}, "eth0", "192.168.1.50")
	cfg.Interface = ""
	_, err = r.Render(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interface name")
}

func TestRenderDNSOverride(t *testing.T) {
	s := config.Settings{Network: config.NetworkSettings{DNS: []string{"10.0.0.53"}}}
	docs, err := newRenderer(t).Render(resolve(t, s, "enp1s0", "10.0.0.10"))
	require.NoError(t, err)

	dhcp, _ := Find(docs, DocDHCP)
	assert.Contains(t, dhcp.Content, "option domain-name-servers 10.0.0.53;")
	assert.NotContains(t, dhcp.Content, "8.8.8.8")
}

func TestNewRendererRequiresEngine(t *testing.T) {
	_, err := NewRenderer(nil)
	require.Error(t, err)
}
