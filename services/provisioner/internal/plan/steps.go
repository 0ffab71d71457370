package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog"

	"pxeprov/pkg/render"
	"pxeprov/services/provisioner/internal/assets"
	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/confgen"
	"pxeprov/services/provisioner/internal/filewriter"
	"pxeprov/services/provisioner/internal/hostexec"
	"pxeprov/services/provisioner/internal/preflight"
	"pxeprov/services/provisioner/internal/probe"
	"pxeprov/services/provisioner/internal/svcctl"
)

// Step names, in execution order.
const (
	StepPreflight       = "preflight"
	StepProbeDHCP       = "probe-dhcp"
	StepInstallPackages = "install-packages"
	StepPrepareDirs     = "prepare-dirs"
	StepFetchAssets     = "fetch-assets"
	StepWriteConfigs    = "write-configs"
	StepRestartServices = "restart-services"
	StepVerify          = "verify"
	StepInstructions    = "instructions"
)

// Packages installed by the install-packages step.
var Packages = []string{"isc-dhcp-server", "tftpd-hpa", "nginx", "samba", "ipxe", "p7zip-full"}

// Options select the optional parts of a run.
type Options struct {
	InstallPackages bool
	ProbeDHCP       bool
	ExtractISO      bool
	ServicePolicy   config.ServicePolicy
	// Staged writes files and assets into a scratch tree and leaves packages and services alone.
	Staged bool
}

// Report collects what a run found that does not stop it.
type Report struct {
	Warnings        []string
	Documents       []filewriter.Result
	Assets          []assets.Result
	ServiceFailures []svcctl.Failure
	Services        []svcctl.State
	Probes          []probe.Result
}

// Err joins the service and probe failures.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.ServiceFailures)+2)
	for _, f := range r.ServiceFailures {
		errs = append(errs, f)
	}
	errs = append(errs, svcctl.Check(r.Services), probe.Errors(r.Probes))
	return errors.Join(errs...)
}

// Provisioner holds the collaborators of every step.
type Provisioner struct {
	Config   config.ServerConfig
	Options  Options
	Checker  preflight.Checker
	Exec     hostexec.Runner
	FS       filewriter.FS
	Engine   *render.Engine
	Renderer *confgen.Renderer
	Writer   *filewriter.Writer
	Fetcher  *assets.Fetcher
	Assets   []assets.Asset
	Roots    assets.Roots
	Services *svcctl.Controller
	Prober   probe.Prober
	DHCP     probe.Discoverer
	Out      io.Writer

	report Report
}

// Report returns the findings of the last run.
func (p *Provisioner) Report() Report {
	return p.report
}

// Steps returns the provisioning steps in order.
func (p *Provisioner) Steps() []Step {
	return []Step{
		{Name: StepPreflight, Always: true, Run: p.preflight},
		{Name: StepProbeDHCP, Run: p.probeDHCP},
		{Name: StepInstallPackages, Run: p.installPackages},
		{Name: StepPrepareDirs, Run: p.prepareDirs},
		{Name: StepFetchAssets, Run: p.fetchAssets},
		{Name: StepWriteConfigs, Run: p.writeConfigs},
		{Name: StepRestartServices, Run: p.restartServices},
		{Name: StepVerify, Always: true, Run: p.verify},
		{Name: StepInstructions, Always: true, Run: p.instructions},
	}
}

func (p *Provisioner) warn(ctx context.Context, msg string) {
	p.report.Warnings = append(p.report.Warnings, msg)
	zerolog.Ctx(ctx).Warn().Msg(msg)
}

func (p *Provisioner) preflight(ctx context.Context) error {
	if p.Options.Staged {
		_, err := p.Checker.Tools(preflight.Select(false, p.Options.ExtractISO))
		return err
	}
	if err := p.Checker.Privileges(); err != nil {
		return err
	}
	res, err := p.Checker.Tools(preflight.Select(p.Options.InstallPackages, p.Options.ExtractISO))
	for _, w := range res.Warnings {
		p.warn(ctx, w)
	}
	return err
}

func (p *Provisioner) probeDHCP(ctx context.Context) error {
	if !p.Options.ProbeDHCP || p.DHCP == nil {
		return ErrSkip
	}
	offer, err := p.DHCP.Discover(ctx)
	if err != nil {
		p.warn(ctx, fmt.Sprintf("dhcp probe on %s failed: %v", p.Config.Interface, err))
		return nil
	}
	if probe.Foreign(offer, p.Config.Address) {
		p.warn(ctx, fmt.Sprintf("another DHCP server %s is answering on %s (offered %s); boot clients may get the wrong lease",
			offer.Server, p.Config.Interface, offer.Offered))
		return nil
	}
	zerolog.Ctx(ctx).Info().Str("interface", p.Config.Interface).Msg("no foreign dhcp server answered")
	return nil
}

func (p *Provisioner) installPackages(ctx context.Context) error {
	if !p.Options.InstallPackages || p.Options.Staged {
		return ErrSkip
	}
	if _, err := p.Exec.Run(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("update package index: %w", err)
	}
	args := append([]string{"install", "-y"}, Packages...)
	if _, err := p.Exec.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("install packages: %w", err)
	}
	return nil
}

func (p *Provisioner) prepareDirs(ctx context.Context) error {
	dirs := []string{p.Config.TFTPRoot, p.Config.IPXERoot()}
	for _, name := range sortedKeys(p.Config.AssetDirs) {
		dirs = append(dirs, path.Join(p.Config.WebRoot, p.Config.AssetDirs[name]))
	}
	for _, d := range dirs {
		if err := p.FS.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	zerolog.Ctx(ctx).Info().Strs("dirs", dirs).Msg("directories ready")
	return nil
}

func (p *Provisioner) fetchAssets(ctx context.Context) error {
	results, err := p.Fetcher.FetchAll(ctx, p.Assets, p.Roots)
	p.report.Assets = results
	return err
}

func (p *Provisioner) writeConfigs(ctx context.Context) error {
	docs, err := p.Renderer.Render(p.Config)
	if err != nil {
		return err
	}
	results, err := p.Writer.WriteAll(docs)
	p.report.Documents = results
	return err
}

func (p *Provisioner) restartServices(ctx context.Context) error {
	if p.Options.Staged {
		return ErrSkip
	}
	failures, err := p.Services.Apply(ctx, p.Options.ServicePolicy)
	p.report.ServiceFailures = failures
	return err
}

func (p *Provisioner) verify(ctx context.Context) error {
	if p.Options.Staged {
		return ErrSkip
	}
	p.report.Services = p.Services.Liveness(ctx)
	p.report.Probes = []probe.Result{
		p.Prober.TFTP(ctx, p.Config.Address, "undionly.kpxe"),
		p.Prober.HTTP(ctx, p.Config.BootURL()),
	}

	err := errors.Join(svcctl.Check(p.report.Services), probe.Errors(p.report.Probes))
	if err == nil {
		return nil
	}
	if p.Options.ServicePolicy == config.ServiceContinue {
		p.warn(ctx, "verification failed: "+err.Error())
		return nil
	}
	return err
}

func (p *Provisioner) instructions(ctx context.Context) error {
	text, err := Instructions(p.Engine, p.Config, p.Options.ExtractISO)
	if err != nil {
		return err
	}
	if p.Out == nil {
		return nil
	}
	return Print(p.Out, text, p.report)
}
