package config

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestResolveDerivesFromPrefix(t *testing.T) {
	cfg, err := Resolve(Settings{}, "eth0", netip.MustParseAddr("192.168.1.50"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	checks := map[string]string{
		"subnet":    cfg.Subnet.String(),
		"network":   cfg.Network().String(),
		"start":     cfg.RangeStart.String(),
		"end":       cfg.RangeEnd.String(),
		"router":    cfg.Router.String(),
		"broadcast": cfg.Broadcast.String(),
		"prefix":    PrefixString(cfg.Subnet),
	}
	want := map[string]string{
		"subnet":    "192.168.1.0/24",
		"network":   "192.168.1.0",
		"start":     "192.168.1.150",
		"end":       "192.168.1.200",
		"router":    "192.168.1.1",
		"broadcast": "192.168.1.255",
		"prefix":    "192.168.1",
	}
	if !reflect.DeepEqual(checks, want) {
		t.Fatalf("derived values = %v, want %v", checks, want)
	}
	if cfg.TFTPRoot != DefaultTFTPRoot || cfg.WebRoot != DefaultWebRoot {
		t.Fatalf("unexpected roots %q %q", cfg.TFTPRoot, cfg.WebRoot)
	}
	if got := cfg.AssetPath(AssetWin11); got != "/var/www/html/ipxe/win11" {
		t.Fatalf("AssetPath(win11) = %q", got)
	}
	if got := cfg.BootURL(); got != "http://192.168.1.50/ipxe/boot.ipxe" {
		t.Fatalf("BootURL() = %q", got)
	}
}

func TestResolveMissingFacts(t *testing.T) {
	tests := []struct {
		name   string
		iface  string
		addr   netip.Addr
		fields []string
	}{
		{name: "both missing", fields: []string{"interface", "address"}},
		{name: "interface missing", addr: netip.MustParseAddr("10.0.0.5"), fields: []string{"interface"}},
		{name: "address missing", iface: "eth0", fields: []string{"address"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(Settings{}, tt.iface, tt.addr)
			if !errors.Is(err, ErrMissingFacts) {
				t.Fatalf("Resolve() error = %v, want ErrMissingFacts", err)
			}
			var missing *MissingFactsError
			if !errors.As(err, &missing) {
				t.Fatalf("error %T is not *MissingFactsError", err)
			}
			if !reflect.DeepEqual(missing.Fields, tt.fields) {
				t.Fatalf("fields = %v, want %v", missing.Fields, tt.fields)
			}
		})
	}
}

func TestResolveOverridesWin(t *testing.T) {
	s := Settings{
		Network: NetworkSettings{
			Interface:  "enp3s0",
			Address:    "10.20.30.40",
			RangeStart: "10.20.30.100",
			RangeEnd:   "10.20.30.120",
			DNS:        []string{"9.9.9.9"},
		},
	}
	cfg, err := Resolve(s, "eth0", netip.MustParseAddr("192.168.1.50"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Interface != "enp3s0" || cfg.Address.String() != "10.20.30.40" {
		t.Fatalf("operator values lost: %s %s", cfg.Interface, cfg.Address)
	}
	if cfg.RangeStart.String() != "10.20.30.100" || cfg.RangeEnd.String() != "10.20.30.120" {
		t.Fatalf("range = %s-%s", cfg.RangeStart, cfg.RangeEnd)
	}
	if cfg.Broadcast.String() != "10.20.30.255" {
		t.Fatalf("broadcast = %s", cfg.Broadcast)
	}
	if len(cfg.DNS) != 1 || cfg.DNS[0].String() != "9.9.9.9" {
		t.Fatalf("dns = %v", cfg.DNS)
	}
}

func TestResolveRejectsUnsafeValues(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		contains string
	}{
		{
			name:     "interface with space",
			settings: Settings{Network: NetworkSettings{Interface: "eth0; rm"}},
			contains: "interface name",
		},
		{
			name:     "relative web root",
			settings: Settings{Paths: PathSettings{WebRoot: "var/www"}},
			contains: "web root",
		},
		{
			name:     "quoted tftp root",
			settings: Settings{Paths: PathSettings{TFTPRoot: `/srv/"tftp"`}},
			contains: "tftp root",
		},
		{
			name:     "range outside subnet",
			settings: Settings{Network: NetworkSettings{RangeStart: "10.0.0.1"}},
			contains: "outside",
		},
		{
			name:     "share name",
			settings: Settings{Paths: PathSettings{ShareName: "pxe share"}},
			contains: "share name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.settings, "eth0", netip.MustParseAddr("192.168.1.50"))
			if err == nil {
				t.Fatalf("Resolve() expected error")
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Fatalf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := Resolve(Settings{}, "eth0", netip.MustParseAddr("192.168.1.50"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Resolve(Settings{}, "eth0", netip.MustParseAddr("192.168.1.50"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable")
	}
	c, err := Resolve(Settings{}, "eth0", netip.MustParseAddr("192.168.2.50"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("fingerprint ignores address")
	}
}

func TestMergePrecedence(t *testing.T) {
	file := Settings{
		Network: NetworkSettings{Interface: "eth0", DNS: []string{"1.1.1.1"}},
		Paths:   PathSettings{WebRoot: "/srv/www"},
		Assets:  AssetSettings{URLs: map[string]string{"wimboot": "http://a"}},
	}
	env := Settings{Network: NetworkSettings{Interface: "eth1"}}
	flags := Settings{
		Network: NetworkSettings{Address: "10.0.0.2"},
		Assets:  AssetSettings{URLs: map[string]string{"memtest": "http://b"}},
	}

	got := Merge(file, env, flags)
	if got.Network.Interface != "eth1" {
		t.Fatalf("interface = %q, want eth1", got.Network.Interface)
	}
	if got.Network.Address != "10.0.0.2" {
		t.Fatalf("address = %q", got.Network.Address)
	}
	if got.Paths.WebRoot != "/srv/www" {
		t.Fatalf("web root = %q", got.Paths.WebRoot)
	}
	want := map[string]string{"wimboot": "http://a", "memtest": "http://b"}
	if !reflect.DeepEqual(got.Assets.URLs, want) {
		t.Fatalf("urls = %v, want %v", got.Assets.URLs, want)
	}
}

func TestMergeExplicitZeroValues(t *testing.T) {
	file, err := FromEnv(context.Background(), envconfig.MapLookuper(map[string]string{
		"PXEPROV_HIRENS":        "true",
		"PXEPROV_FETCH_RETRIES": "3",
	}))
	if err != nil {
		t.Fatal(err)
	}
	env, err := FromEnv(context.Background(), envconfig.MapLookuper(map[string]string{
		"PXEPROV_HIRENS":        "false",
		"PXEPROV_FETCH_RETRIES": "0",
	}))
	if err != nil {
		t.Fatal(err)
	}

	got := Merge(file, env)
	if got.Assets.HirensEnabled() || got.Assets.RetryCount() != 0 {
		t.Fatalf("hirens = %v retries = %d, want false 0", got.Assets.HirensEnabled(), got.Assets.RetryCount())
	}

	// Unset layers leave earlier values alone.
	got = Merge(file, Settings{})
	if !got.Assets.HirensEnabled() || got.Assets.RetryCount() != 3 {
		t.Fatalf("hirens = %v retries = %d, want true 3", got.Assets.HirensEnabled(), got.Assets.RetryCount())
	}
}

func TestPolicies(t *testing.T) {
	tests := []struct {
		name       string
		settings   Settings
		wantDetect DetectPolicy
		wantSvc    ServicePolicy
		wantErr    bool
	}{
		{name: "defaults", wantDetect: DetectFail, wantSvc: ServiceAbort},
		{
			name:       "explicit",
			settings:   Settings{Detect: DetectSettings{OnFailure: DetectPrompt}, Services: ServiceSettings{OnFailure: ServiceContinue}},
			wantDetect: DetectPrompt,
			wantSvc:    ServiceContinue,
		},
		{name: "bad detect", settings: Settings{Detect: DetectSettings{OnFailure: "guess"}}, wantErr: true},
		{name: "bad service", settings: Settings{Services: ServiceSettings{OnFailure: "retry"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, s, err := tt.settings.Policies()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Policies() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if d != tt.wantDetect || s != tt.wantSvc {
				t.Fatalf("Policies() = %s, %s", d, s)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	lookuper := envconfig.MapLookuper(map[string]string{
		"PXEPROV_INTERFACE":     "eth9",
		"PXEPROV_DNS":           "9.9.9.9,149.112.112.112",
		"PXEPROV_MENU_TIMEOUT":  "10s",
		"PXEPROV_HIRENS":        "true",
		"PXEPROV_FETCH_RETRIES": "3",
	})
	s, err := FromEnv(context.Background(), lookuper)
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if s.Network.Interface != "eth9" {
		t.Fatalf("interface = %q", s.Network.Interface)
	}
	if !reflect.DeepEqual(s.Network.DNS, []string{"9.9.9.9", "149.112.112.112"}) {
		t.Fatalf("dns = %v", s.Network.DNS)
	}
	if s.Menu.Timeout != 10*time.Second || !s.Assets.HirensEnabled() || s.Assets.RetryCount() != 3 {
		t.Fatalf("unexpected settings %+v", s)
	}

	_, err = FromEnv(context.Background(), envconfig.MapLookuper(map[string]string{"PXEPROV_FETCH_RETRIES": "-1"}))
	if err == nil {
		t.Fatalf("expected error for negative retries")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pxeprov.yaml")
	data := `network:
  interface: eth0
  dns: [9.9.9.9]
menu:
  default: memtest
  timeout: 15s
services:
  on_failure: continue
assets:
  hirens: true
`
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadFile(p, false)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if s.Network.Interface != "eth0" || s.Menu.Default != "memtest" || s.Menu.Timeout != 15*time.Second {
		t.Fatalf("unexpected settings %+v", s)
	}
	if s.Services.OnFailure != ServiceContinue || !s.Assets.HirensEnabled() {
		t.Fatalf("unexpected settings %+v", s)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.yaml"), true); err != nil {
		t.Fatalf("optional missing file error = %v", err)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml"), false); err == nil {
		t.Fatalf("expected error for required missing file")
	}
}
