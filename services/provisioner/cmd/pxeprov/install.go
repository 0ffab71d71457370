package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pxeprov/pkg/bus"
	"pxeprov/pkg/render"
	gos3 "pxeprov/pkg/s3"
	"pxeprov/pkg/telemetry"
	"pxeprov/services/provisioner/internal/assets"
	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/confgen"
	"pxeprov/services/provisioner/internal/filewriter"
	"pxeprov/services/provisioner/internal/hostexec"
	"pxeprov/services/provisioner/internal/journal"
	"pxeprov/services/provisioner/internal/plan"
	"pxeprov/services/provisioner/internal/preflight"
	"pxeprov/services/provisioner/internal/probe"
	"pxeprov/services/provisioner/internal/prompt"
	"pxeprov/services/provisioner/internal/svcctl"
)

// hostChecker guards install runs against the real host.
var hostChecker = preflight.Checker{}

type installOptions struct {
	yes          bool
	hirens       bool
	skipPackages bool
	probeDHCP    bool
	resume       bool
	root         string
	lockPath     string
	retries      int
	mirror       string
	journal      journalOptions
	eventsURL    string
	eventsTopic  string
}

// settings returns the install flags as a settings layer. Boolean and numeric
// flags only take part when given on the command line.
func (o installOptions) settings(flags *pflag.FlagSet) config.Settings {
	s := config.Settings{
		Assets:  config.AssetSettings{Mirror: o.mirror},
		Journal: config.JournalSettings{Path: o.journal.path, DSN: o.journal.dsn},
		Events:  config.EventSettings{URL: o.eventsURL, Subject: o.eventsTopic},
	}
	if flags.Changed("hirens") {
		hirens := o.hirens
		s.Assets.Hirens = &hirens
	}
	if flags.Changed("retries") {
		retries := o.retries
		s.Assets.Retries = &retries
	}
	return s
}

func newInstallCommand(g *globalOptions) *cobra.Command {
	o := installOptions{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install packages, fetch boot assets, write configs and restart the boot services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, g, o)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&o.yes, "yes", "y", false, "do not ask for confirmation")
	f.BoolVar(&o.hirens, "hirens", false, "download and extract Hiren's BootCD PE")
	f.BoolVar(&o.skipPackages, "skip-packages", false, "do not run apt-get")
	f.BoolVar(&o.probeDHCP, "probe-dhcp", false, "look for another DHCP server on the interface first")
	f.BoolVar(&o.resume, "resume", false, "skip steps that succeeded in the last run with the same configuration")
	f.StringVar(&o.root, "root", "", "stage files and assets under this directory and leave packages and services alone")
	f.StringVar(&o.lockPath, "lock", preflight.DefaultLockPath, "lock file guarding against concurrent runs")
	f.IntVar(&o.retries, "retries", 0, "extra attempts for each failed asset download")
	f.StringVar(&o.mirror, "mirror", "", "base URL or s3://bucket/prefix all assets are fetched from")
	f.StringVar(&o.eventsURL, "events-url", "", "NATS URL step events are published to")
	f.StringVar(&o.eventsTopic, "events-subject", "", "NATS subject for step events (default: "+config.DefaultEventsTopic+")")
	o.journal.register(f)
	return cmd
}

func runInstall(cmd *cobra.Command, g *globalOptions, o installOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	staged := o.root != ""
	if !staged {
		if err := hostChecker.Privileges(); err != nil {
			return err
		}
	}

	t, shutdown, err := g.telemetry(ctx)
	if err != nil {
		return err
	}
	defer shutdown()
	logger := t.Logger
	ctx = logger.WithContext(ctx)

	s, err := g.settings(ctx, nil, o.settings(cmd.Flags()))
	if err != nil {
		return err
	}
	_, servicePolicy, err := s.Policies()
	if err != nil {
		return err
	}
	cfg, _, err := systemResolver(logger).resolve(ctx, s)
	if err != nil {
		return err
	}

	if err := printServerConfig(out, cfg); err != nil {
		return err
	}
	if !o.yes {
		if !prompt.Interactive() {
			return errors.New("confirmation needs a terminal; pass --yes to run unattended")
		}
		ok, err := prompt.Terminal{}.Confirm(ctx, "Provision this host as a network boot server?", confirmText(cfg, staged))
		if errors.Is(err, prompt.ErrCancelled) || (err == nil && !ok) {
			fmt.Fprintln(out, "Cancelled; nothing was changed.")
			return nil
		}
		if err != nil {
			return err
		}
	}

	lockPath := o.lockPath
	if staged && !cmd.Flags().Changed("lock") {
		lockPath = filepath.Join(o.root, "run", "pxeprov.lock")
	}
	lock, err := preflight.Acquire(lockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	journalCfg := s.Journal
	if staged && journalCfg.DSN == "" && journalCfg.Path == "" {
		journalCfg.Path = filepath.Join(o.root, config.DefaultJournalPath)
	}
	store, closeStore, err := openJournal(ctx, journalCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	p, err := newProvisioner(ctx, t, cfg, s, o, servicePolicy, out)
	if err != nil {
		return err
	}

	runner := &plan.Runner{
		Store:  store,
		Tracer: t.Tracer("pxeprov/plan"),
		Logger: logger,
		Resume: o.resume,
	}
	if s.Events.URL != "" {
		b, err := bus.New(s.Events.URL)
		if err != nil {
			logger.Warn().Err(err).Str("url", s.Events.URL).Msg("step events disabled")
		} else {
			defer b.Close()
			runner.Events = b
			runner.Subject = firstSet(s.Events.Subject, config.DefaultEventsTopic)
		}
	}

	run, err := runner.Execute(ctx, cfg.Fingerprint(), p.Steps())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted; re-run with --resume to continue (run %s): %w", run.ID, err)
		}
		return err
	}
	if err := p.Report().Err(); err != nil {
		return fmt.Errorf("provisioning finished with failures: %w", err)
	}
	logger.Info().Str("run", run.ID).Msg("provisioning complete")
	return nil
}

func newProvisioner(ctx context.Context, t *telemetry.Telemetry, cfg config.ServerConfig, s config.Settings,
	o installOptions, policy config.ServicePolicy, out io.Writer) (*plan.Provisioner, error) {
	logger := t.Logger
	staged := o.root != ""

	exec := hostexec.Exec{
		Logger: logger,
		Env:    []string{"DEBIAN_FRONTEND=noninteractive"},
		DryRun: staged,
	}

	list := assets.Catalog(cfg, s.Assets)
	fetchOpts := []assets.Option{
		assets.WithHTTPClient(t.HTTPClient(30 * time.Minute)),
		assets.WithRunner(hostexec.Exec{Logger: logger}),
		assets.WithRetries(s.Assets.RetryCount(), 2*time.Second),
		assets.WithLogger(logger),
	}
	if needsS3(list) {
		client, err := gos3.NewClientFromEnv(ctx, t.HTTPClient(30*time.Minute))
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		fetchOpts = append(fetchOpts, assets.WithObjectGetter(client))
	}

	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	renderer, err := confgen.NewRenderer(engine)
	if err != nil {
		return nil, err
	}
	dir := filewriter.Dir{Root: o.root}
	writer, err := filewriter.New(dir, filewriter.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	services, err := svcctl.New(exec, nil, logger)
	if err != nil {
		return nil, err
	}

	return &plan.Provisioner{
		Config: cfg,
		Options: plan.Options{
			InstallPackages: !o.skipPackages,
			ProbeDHCP:       o.probeDHCP,
			ExtractISO:      s.Assets.HirensEnabled(),
			ServicePolicy:   policy,
			Staged:          staged,
		},
		Checker:  hostChecker,
		Exec:     exec,
		FS:       dir,
		Engine:   engine,
		Renderer: renderer,
		Writer:   writer,
		Fetcher:  assets.NewFetcher(fetchOpts...),
		Assets:   list,
		Roots:    assets.Roots{Web: cfg.WebRoot, TFTP: cfg.TFTPRoot, Prefix: o.root},
		Services: services,
		Prober:   newProber(t),
		DHCP:     probe.NClient{Interface: cfg.Interface, Timeout: 5 * time.Second},
		Out:      out,
	}, nil
}

func newProber(t *telemetry.Telemetry) probe.Prober {
	return probe.Prober{Client: t.HTTPClient(10 * time.Second), Timeout: 5 * time.Second}
}

func needsS3(list []assets.Asset) bool {
	for _, a := range list {
		if gos3.IsURL(a.URL) {
			return true
		}
	}
	return false
}

func confirmText(cfg config.ServerConfig, staged bool) string {
	if staged {
		return fmt.Sprintf("Files for %s (%s) are staged; packages and services are left alone.", cfg.Interface, cfg.Address)
	}
	return fmt.Sprintf("DHCP will be served on %s for %s-%s. Existing configs are backed up once as .bak.",
		cfg.Interface, cfg.RangeStart, cfg.RangeEnd)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// journalOptions selects the journal backend.
type journalOptions struct {
	path string
	dsn  string
}

func (j *journalOptions) register(f *pflag.FlagSet) {
	f.StringVar(&j.path, "journal", "", "journal file (default: "+config.DefaultJournalPath+")")
	f.StringVar(&j.dsn, "journal-dsn", "", "Postgres DSN; stores the journal in a database instead of a file")
}

// openJournal returns the configured store and a function releasing it.
func openJournal(ctx context.Context, s config.JournalSettings) (journal.Store, func(), error) {
	if s.DSN != "" {
		pg, err := journal.OpenPostgres(ctx, s.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := journal.NewFileStore(firstSet(s.Path, config.DefaultJournalPath))
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}
