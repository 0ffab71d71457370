package config

import (
	"net/netip"
	"time"
)

// DetectPolicy selects what happens when network discovery leaves a required value empty.
type DetectPolicy string

const (
	DetectFail   DetectPolicy = "fail"
	DetectPrompt DetectPolicy = "prompt"
)

// ServicePolicy selects how service restart failures are handled.
type ServicePolicy string

const (
	ServiceAbort    ServicePolicy = "abort"
	ServiceContinue ServicePolicy = "continue"
)

// Asset names served from the web root.
const (
	AssetWin11      = "win11"
	AssetWin10      = "win10"
	AssetUbuntuLive = "ubuntu-live"
	AssetHirens     = "hirens"
	AssetMemtest    = "memtest"
)

// UbuntuLiveISO is the file name the live entry fetches as its root filesystem.
const UbuntuLiveISO = "ubuntu.iso"

// Defaults applied by Resolve when neither the operator nor detection supplied a value.
const (
	DefaultTFTPRoot    = "/srv/tftp"
	DefaultWebRoot     = "/var/www/html"
	DefaultIPXEDir     = "ipxe"
	DefaultShareName   = "pxe"
	DefaultMenuEntry   = "exit"
	DefaultMenuTimeout = 30 * time.Second
	DefaultConfigPath  = "/etc/pxeprov/pxeprov.yaml"
	DefaultEnvFile     = "/etc/pxeprov/pxeprov.env"
	DefaultJournalPath = "/var/lib/pxeprov/journal.yaml"
	DefaultEventsTopic = "pxeprov.steps"
)

var DefaultDNS = []string{"8.8.8.8", "1.1.1.1"}

// ServerConfig is the resolved, validated input of every render step.
type ServerConfig struct {
	Interface  string
	Address    netip.Addr
	Subnet     netip.Prefix
	RangeStart netip.Addr
	RangeEnd   netip.Addr
	Router     netip.Addr
	Broadcast  netip.Addr
	DNS        []netip.Addr
	TFTPRoot   string
	WebRoot    string
	IPXEDir    string
	ShareName  string
	AssetDirs  map[string]string
	MenuEntry  string
	MenuWait   time.Duration
}

// Settings is the operator-supplied layer merged from the config file, environment and flags.
type Settings struct {
	Network  NetworkSettings `yaml:"network"`
	Paths    PathSettings    `yaml:"paths"`
	Menu     MenuSettings    `yaml:"menu"`
	Detect   DetectSettings  `yaml:"detect"`
	Services ServiceSettings `yaml:"services"`
	Assets   AssetSettings   `yaml:"assets"`
	Journal  JournalSettings `yaml:"journal"`
	Events   EventSettings   `yaml:"events"`
}

type NetworkSettings struct {
	Interface  string   `yaml:"interface"`
	Address    string   `yaml:"address"`
	RangeStart string   `yaml:"range_start"`
	RangeEnd   string   `yaml:"range_end"`
	Router     string   `yaml:"router"`
	DNS        []string `yaml:"dns"`
}

type PathSettings struct {
	TFTPRoot  string `yaml:"tftp_root"`
	WebRoot   string `yaml:"web_root"`
	ShareName string `yaml:"share_name"`
}

type MenuSettings struct {
	Default string        `yaml:"default"`
	Timeout time.Duration `yaml:"timeout"`
}

type DetectSettings struct {
	OnFailure DetectPolicy `yaml:"on_failure"`
}

type ServiceSettings struct {
	OnFailure ServicePolicy `yaml:"on_failure"`
}

// AssetSettings tunes the asset fetcher.
// Hirens and Retries are pointers so an explicit false or 0 in a later layer wins.
type AssetSettings struct {
	Hirens  *bool             `yaml:"hirens"`
	Retries *int              `yaml:"retries"`
	Mirror  string            `yaml:"mirror"`
	URLs    map[string]string `yaml:"urls"`
	SHA256  map[string]string `yaml:"sha256"`
}

// HirensEnabled reports whether Hiren's BootCD is fetched.
func (a AssetSettings) HirensEnabled() bool { return a.Hirens != nil && *a.Hirens }

// RetryCount is the number of extra download attempts.
func (a AssetSettings) RetryCount() int {
	if a.Retries == nil {
		return 0
	}
	return *a.Retries
}

type JournalSettings struct {
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type EventSettings struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}
