package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// ErrMissingFacts is matched by MissingFactsError.
var ErrMissingFacts = errors.New("required network facts are missing")

// MissingFactsError names the values neither detection nor the operator supplied.
type MissingFactsError struct {
	Fields []string
}

func (e *MissingFactsError) Error() string {
	return fmt.Sprintf("%s: %s (set them with --interface/--address or PXEPROV_INTERFACE/PXEPROV_ADDRESS)",
		ErrMissingFacts, strings.Join(e.Fields, ", "))
}

func (e *MissingFactsError) Is(target error) bool {
	return target == ErrMissingFacts
}

type envSettings struct {
	Interface        string   `env:"PXEPROV_INTERFACE"`
	Address          string   `env:"PXEPROV_ADDRESS"`
	RangeStart       string   `env:"PXEPROV_RANGE_START"`
	RangeEnd         string   `env:"PXEPROV_RANGE_END"`
	Router           string   `env:"PXEPROV_ROUTER"`
	DNS              []string `env:"PXEPROV_DNS"`
	TFTPRoot         string   `env:"PXEPROV_TFTP_ROOT"`
	WebRoot          string   `env:"PXEPROV_WEB_ROOT"`
	ShareName        string   `env:"PXEPROV_SHARE_NAME"`
	MenuDefault      string   `env:"PXEPROV_MENU_DEFAULT"`
	MenuTimeout      string   `env:"PXEPROV_MENU_TIMEOUT"`
	OnDetectFailure  string   `env:"PXEPROV_ON_DETECT_FAILURE"`
	OnServiceFailure string   `env:"PXEPROV_ON_SERVICE_FAILURE"`
	Hirens           string   `env:"PXEPROV_HIRENS"`
	FetchRetries     string   `env:"PXEPROV_FETCH_RETRIES"`
	AssetMirror      string   `env:"PXEPROV_ASSET_MIRROR"`
	JournalPath      string   `env:"PXEPROV_JOURNAL_PATH"`
	JournalDSN       string   `env:"PXEPROV_JOURNAL_DSN"`
	EventsURL        string   `env:"PXEPROV_EVENTS_URL"`
	EventsSubject    string   `env:"PXEPROV_EVENTS_SUBJECT"`
}

// LoadFile reads yaml settings from path. A missing file is not an error when optional is set.
func LoadFile(p string, optional bool) (Settings, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("read config %s: %w", p, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", p, err)
	}
	return s, nil
}

// FromEnv reads PXEPROV_* variables through lookuper. A nil lookuper reads the process environment.
func FromEnv(ctx context.Context, lookuper envconfig.Lookuper) (Settings, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var env envSettings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: lookuper}); err != nil {
		return Settings{}, fmt.Errorf("process environment: %w", err)
	}

	s := Settings{
		Network: NetworkSettings{
			Interface:  env.Interface,
			Address:    env.Address,
			RangeStart: env.RangeStart,
			RangeEnd:   env.RangeEnd,
			Router:     env.Router,
			DNS:        env.DNS,
		},
		Paths: PathSettings{
			TFTPRoot:  env.TFTPRoot,
			WebRoot:   env.WebRoot,
			ShareName: env.ShareName,
		},
		Menu:     MenuSettings{Default: env.MenuDefault},
		Detect:   DetectSettings{OnFailure: DetectPolicy(env.OnDetectFailure)},
		Services: ServiceSettings{OnFailure: ServicePolicy(env.OnServiceFailure)},
		Assets:   AssetSettings{Mirror: env.AssetMirror},
		Journal:  JournalSettings{Path: env.JournalPath, DSN: env.JournalDSN},
		Events:   EventSettings{URL: env.EventsURL, Subject: env.EventsSubject},
	}
	if env.MenuTimeout != "" {
		d, err := time.ParseDuration(env.MenuTimeout)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid PXEPROV_MENU_TIMEOUT: %q", env.MenuTimeout)
		}
		s.Menu.Timeout = d
	}
	if env.Hirens != "" {
		b, err := strconv.ParseBool(env.Hirens)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid PXEPROV_HIRENS: %q", env.Hirens)
		}
		s.Assets.Hirens = &b
	}
	if env.FetchRetries != "" {
		n, err := strconv.Atoi(env.FetchRetries)
		if err != nil || n < 0 {
			return Settings{}, fmt.Errorf("invalid PXEPROV_FETCH_RETRIES: %q", env.FetchRetries)
		}
		s.Assets.Retries = &n
	}
	return s, nil
}

// Merge overlays every set field of layers onto base, later layers winning.
// Strings count as set when non-blank, pointers when non-nil.
func Merge(base Settings, layers ...Settings) Settings {
	out := base
	for _, l := range layers {
		overlay(&out.Network.Interface, l.Network.Interface)
		overlay(&out.Network.Address, l.Network.Address)
		overlay(&out.Network.RangeStart, l.Network.RangeStart)
		overlay(&out.Network.RangeEnd, l.Network.RangeEnd)
		overlay(&out.Network.Router, l.Network.Router)
		if len(l.Network.DNS) > 0 {
			out.Network.DNS = append([]string(nil), l.Network.DNS...)
		}
		overlay(&out.Paths.TFTPRoot, l.Paths.TFTPRoot)
		overlay(&out.Paths.WebRoot, l.Paths.WebRoot)
		overlay(&out.Paths.ShareName, l.Paths.ShareName)
		overlay(&out.Menu.Default, l.Menu.Default)
		if l.Menu.Timeout > 0 {
			out.Menu.Timeout = l.Menu.Timeout
		}
		if l.Detect.OnFailure != "" {
			out.Detect.OnFailure = l.Detect.OnFailure
		}
		if l.Services.OnFailure != "" {
			out.Services.OnFailure = l.Services.OnFailure
		}
		if l.Assets.Hirens != nil {
			v := *l.Assets.Hirens
			out.Assets.Hirens = &v
		}
		if l.Assets.Retries != nil {
			v := *l.Assets.Retries
			out.Assets.Retries = &v
		}
		overlay(&out.Assets.Mirror, l.Assets.Mirror)
		out.Assets.URLs = mergeMap(out.Assets.URLs, l.Assets.URLs)
		out.Assets.SHA256 = mergeMap(out.Assets.SHA256, l.Assets.SHA256)
		overlay(&out.Journal.Path, l.Journal.Path)
		overlay(&out.Journal.DSN, l.Journal.DSN)
		overlay(&out.Events.URL, l.Events.URL)
		overlay(&out.Events.Subject, l.Events.Subject)
	}
	return out
}

func overlay(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func mergeMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Policies validates and defaults the failure policies.
func (s Settings) Policies() (DetectPolicy, ServicePolicy, error) {
	detect := s.Detect.OnFailure
	if detect == "" {
		detect = DetectFail
	}
	if detect != DetectFail && detect != DetectPrompt {
		return "", "", fmt.Errorf("invalid detect failure policy %q (want fail or prompt)", detect)
	}
	svc := s.Services.OnFailure
	if svc == "" {
		svc = ServiceAbort
	}
	if svc != ServiceAbort && svc != ServiceContinue {
		return "", "", fmt.Errorf("invalid service failure policy %q (want abort or continue)", svc)
	}
	return detect, svc, nil
}

// Resolve combines detected facts with operator settings into a validated ServerConfig.
// Operator values win over detected ones. Empty required values yield a *MissingFactsError.
func Resolve(s Settings, detectedIface string, detectedAddr netip.Addr) (ServerConfig, error) {
	iface := s.Network.Interface
	if iface == "" {
		iface = detectedIface
	}

	addr := detectedAddr
	if s.Network.Address != "" {
		parsed, err := netip.ParseAddr(s.Network.Address)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid address %q: %w", s.Network.Address, err)
		}
		addr = parsed
	}

	var missing []string
	if iface == "" {
		missing = append(missing, "interface")
	}
	if !addr.IsValid() {
		missing = append(missing, "address")
	}
	if len(missing) > 0 {
		return ServerConfig{}, &MissingFactsError{Fields: missing}
	}
	if !addr.Is4() {
		return ServerConfig{}, fmt.Errorf("address %s is not IPv4", addr)
	}

	subnet := SubnetOf(addr)
	cfg := ServerConfig{
		Interface:  iface,
		Address:    addr,
		Subnet:     subnet,
		RangeStart: HostIn(subnet, 150),
		RangeEnd:   HostIn(subnet, 200),
		Router:     HostIn(subnet, 1),
		Broadcast:  HostIn(subnet, 255),
		TFTPRoot:   firstNonEmpty(s.Paths.TFTPRoot, DefaultTFTPRoot),
		WebRoot:    firstNonEmpty(s.Paths.WebRoot, DefaultWebRoot),
		IPXEDir:    DefaultIPXEDir,
		ShareName:  firstNonEmpty(s.Paths.ShareName, DefaultShareName),
		MenuEntry:  firstNonEmpty(s.Menu.Default, DefaultMenuEntry),
		MenuWait:   s.Menu.Timeout,
	}
	if cfg.MenuWait <= 0 {
		cfg.MenuWait = DefaultMenuTimeout
	}

	for _, o := range []struct {
		name string
		raw  string
		dst  *netip.Addr
	}{
		{"range start", s.Network.RangeStart, &cfg.RangeStart},
		{"range end", s.Network.RangeEnd, &cfg.RangeEnd},
		{"router", s.Network.Router, &cfg.Router},
	} {
		if o.raw == "" {
			continue
		}
		parsed, err := netip.ParseAddr(o.raw)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid %s %q: %w", o.name, o.raw, err)
		}
		*o.dst = parsed
	}

	dns := s.Network.DNS
	if len(dns) == 0 {
		dns = DefaultDNS
	}
	for _, raw := range dns {
		parsed, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid DNS server %q: %w", raw, err)
		}
		cfg.DNS = append(cfg.DNS, parsed)
	}

	cfg.AssetDirs = map[string]string{}
	for _, name := range []string{AssetWin11, AssetWin10, AssetUbuntuLive, AssetHirens, AssetMemtest} {
		cfg.AssetDirs[name] = path.Join(cfg.IPXEDir, name)
	}

	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// SubnetOf returns the /24 containing addr.
func SubnetOf(addr netip.Addr) netip.Prefix {
	p, _ := addr.Prefix(24)
	return p
}

// HostIn returns the address with the given last octet inside a /24.
func HostIn(subnet netip.Prefix, last byte) netip.Addr {
	b := subnet.Masked().Addr().As4()
	b[3] = last
	return netip.AddrFrom4(b)
}

// PrefixString renders the first three octets of a /24 ("192.168.1").
func PrefixString(subnet netip.Prefix) string {
	b := subnet.Masked().Addr().As4()
	return fmt.Sprintf("%d.%d.%d", b[0], b[1], b[2])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Netmask is always the /24 mask.
func (c ServerConfig) Netmask() string { return "255.255.255.0" }

// Network returns the network address of the subnet.
func (c ServerConfig) Network() netip.Addr { return c.Subnet.Masked().Addr() }

// IPXERoot is the absolute directory holding menu, chain-loader and tool trees.
func (c ServerConfig) IPXERoot() string { return path.Join(c.WebRoot, c.IPXEDir) }

// AssetPath returns the absolute directory for a logical asset name.
func (c ServerConfig) AssetPath(name string) string {
	return path.Join(c.WebRoot, c.AssetDirs[name])
}

// BootURL is the HTTP location of the boot menu script.
func (c ServerConfig) BootURL() string {
	return fmt.Sprintf("http://%s/%s/boot.ipxe", c.Address, c.IPXEDir)
}

// Fingerprint identifies a configuration for journal resume decisions.
func (c ServerConfig) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "iface=%s\naddr=%s\nsubnet=%s\nrange=%s-%s\nrouter=%s\nbcast=%s\n",
		c.Interface, c.Address, c.Subnet, c.RangeStart, c.RangeEnd, c.Router, c.Broadcast)
	for _, d := range c.DNS {
		fmt.Fprintf(&b, "dns=%s\n", d)
	}
	fmt.Fprintf(&b, "tftp=%s\nweb=%s\nipxe=%s\nshare=%s\nmenu=%s/%s\n",
		c.TFTPRoot, c.WebRoot, c.IPXEDir, c.ShareName, c.MenuEntry, c.MenuWait)
	keys := make([]string, 0, len(c.AssetDirs))
	for k := range c.AssetDirs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "asset.%s=%s\n", k, c.AssetDirs[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
