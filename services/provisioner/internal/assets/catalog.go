package assets

import (
	"path"
	"strings"

	"pxeprov/services/provisioner/internal/config"
)

// Root selects the tree an asset is installed into.
type Root string

const (
	RootWeb  Root = "web"
	RootTFTP Root = "tftp"
)

// Format is the archive format of a downloaded asset.
type Format string

const (
	FormatFile   Format = ""
	FormatZip    Format = "zip"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatISO    Format = "iso"
)

// Asset is a file fetched into the web or TFTP tree.
type Asset struct {
	Name string
	URL  string
	// Local is a host path copied instead of downloading when it exists.
	Local string
	Root  Root
	// Dest is relative to the root: the file for plain assets, the directory for archives.
	Dest   string
	Format Format
	// Expect lists files that must exist below Dest after extraction.
	Expect []string
	SHA256 string
}

// Asset names.
const (
	Wimboot  = "wimboot"
	Undionly = "undionly.kpxe"
	IPXEEFI  = "ipxe.efi"
	Memtest  = config.AssetMemtest
	Hirens   = config.AssetHirens
)

// Upstream locations.
const (
	WimbootURL  = "https://github.com/ipxe/wimboot/releases/latest/download/wimboot"
	UndionlyURL = "https://boot.ipxe.org/undionly.kpxe"
	IPXEEFIURL  = "https://boot.ipxe.org/ipxe.efi"
	MemtestURL  = "https://memtest.org/download/v7.20/mt86plus_7.20.binaries.zip"
	HirensURL   = "https://www.hirensbootcd.org/files/HBCD_PE_x64.iso"
)

// Catalog returns the assets for cfg. Hiren's BootCD is included only when enabled.
func Catalog(cfg config.ServerConfig, s config.AssetSettings) []Asset {
	list := []Asset{
		{Name: Wimboot, URL: WimbootURL, Root: RootWeb, Dest: path.Join(cfg.IPXEDir, "wimboot")},
		{Name: Undionly, URL: UndionlyURL, Local: "/usr/lib/ipxe/undionly.kpxe", Root: RootTFTP, Dest: "undionly.kpxe"},
		{Name: IPXEEFI, URL: IPXEEFIURL, Local: "/usr/lib/ipxe/ipxe.efi", Root: RootTFTP, Dest: "ipxe.efi"},
		{
			Name:   Memtest,
			URL:    MemtestURL,
			Root:   RootWeb,
			Dest:   cfg.AssetDirs[config.AssetMemtest],
			Format: FormatZip,
			Expect: []string{"memtest64.bin", "memtest64.efi"},
		},
	}
	if s.HirensEnabled() {
		list = append(list, Asset{
			Name:   Hirens,
			URL:    HirensURL,
			Root:   RootWeb,
			Dest:   cfg.AssetDirs[config.AssetHirens],
			Format: FormatISO,
		})
	}

	for i := range list {
		a := &list[i]
		if u, ok := s.URLs[a.Name]; ok && u != "" {
			a.URL = u
		} else if s.Mirror != "" {
			a.URL = strings.TrimRight(s.Mirror, "/") + "/" + path.Base(a.URL)
		}
		if sum, ok := s.SHA256[a.Name]; ok {
			a.SHA256 = strings.ToLower(sum)
		}
	}
	return list
}
