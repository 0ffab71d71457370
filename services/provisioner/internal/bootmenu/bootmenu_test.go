package bootmenu

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/config"
)

func testConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	cfg, err := config.Resolve(config.Settings{}, "eth0", netip.MustParseAddr("192.168.1.50"))
	require.NoError(t, err)
	return cfg
}

func renderMenu(t *testing.T, cfg config.ServerConfig) string {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	out, err := Render(engine, cfg)
	require.NoError(t, err)
	return out
}

func TestMenuHasOneItemAndLabelPerEntry(t *testing.T) {
	out := renderMenu(t, testConfig(t))
	lines := strings.Split(out, "\n")

	require.True(t, strings.HasPrefix(out, "#!ipxe\n"))
	for _, e := range Catalog {
		items, labels := 0, 0
		for _, l := range lines {
			if strings.HasPrefix(l, "item "+e.ID+" ") {
				items++
			}
			if l == ":"+e.ID {
				labels++
			}
		}
		assert.Equal(t, 1, items, "item lines for %s", e.ID)
		assert.Equal(t, 1, labels, "label blocks for %s", e.ID)
	}
}

func TestMenuToolPaths(t *testing.T) {
	out := renderMenu(t, testConfig(t))

	assert.Contains(t, out, "set server 192.168.1.50\n")
	assert.Contains(t, out, "choose --default exit --timeout 30000 target && goto ${target} || goto exit\n")
	assert.Contains(t, out, "kernel http://${server}/ipxe/wimboot\n")
	for _, id := range []string{"win11", "win10", "hirens"} {
		assert.Contains(t, out, "initrd http://${server}/ipxe/"+id+"/boot/bcd BCD\n")
		assert.Contains(t, out, "initrd http://${server}/ipxe/"+id+"/boot/boot.sdi boot.sdi\n")
		assert.Contains(t, out, "initrd http://${server}/ipxe/"+id+"/sources/boot.wim boot.wim\n")
	}
	assert.Contains(t, out, "kernel http://${server}/ipxe/ubuntu-live/casper/vmlinuz")
	assert.Contains(t, out, "url=http://${server}/ipxe/ubuntu-live/ubuntu.iso")
	assert.Contains(t, out, "kernel http://${server}/ipxe/memtest/memtest64.efi\n")
	assert.Contains(t, out, "kernel http://${server}/ipxe/memtest/memtest64.bin\n")
}

func TestMenuDeterministic(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, renderMenu(t, cfg), renderMenu(t, cfg))
}

func TestMenuDefaultAndTimeout(t *testing.T) {
	cfg, err := config.Resolve(config.Settings{Menu: config.MenuSettings{Default: "memtest", Timeout: 5000000000}},
		"eth0", netip.MustParseAddr("10.0.0.9"))
	require.NoError(t, err)

	out := renderMenu(t, cfg)
	assert.Contains(t, out, "choose --default memtest --timeout 5000 target")
}

func TestBuildRejectsUnknownDefault(t *testing.T) {
	cfg := testConfig(t)
	cfg.MenuEntry = "win95"
	_, err := Build(cfg)
	require.Error(t, err)
}

func TestBuildGroupsInOrder(t *testing.T) {
	m, err := Build(testConfig(t))
	require.NoError(t, err)

	var names []string
	for _, g := range m.Groups {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"Installers", "Tools", "iPXE"}, names)
	assert.Len(t, m.Entries, len(Catalog))
}
