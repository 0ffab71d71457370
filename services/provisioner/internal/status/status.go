// Package status reports the liveness of the boot services as JSON and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pxeprov/services/provisioner/internal/config"
	"pxeprov/services/provisioner/internal/probe"
	"pxeprov/services/provisioner/internal/svcctl"
)

// DefaultListen is the status endpoint address.
const DefaultListen = ":9273"

// Snapshot is one collection of service states and probe results.
type Snapshot struct {
	Time     time.Time      `json:"time"`
	Services []svcctl.State `json:"services"`
	Probes   []probe.Result `json:"probes"`
}

// Err joins inactive services and failed probes.
func (s Snapshot) Err() error {
	return errors.Join(svcctl.Check(s.Services), probe.Errors(s.Probes))
}

// Ready reports whether every service is active.
func (s Snapshot) Ready() bool {
	return len(s.Services) > 0 && svcctl.Check(s.Services) == nil
}

// Collector takes a snapshot.
type Collector func(ctx context.Context) Snapshot

// Collect returns a Collector querying services and probing the boot server described by cfg.
func Collect(services *svcctl.Controller, prober probe.Prober, cfg config.ServerConfig) Collector {
	return func(ctx context.Context) Snapshot {
		return Snapshot{
			Time:     time.Now().UTC(),
			Services: services.Liveness(ctx),
			Probes: []probe.Result{
				prober.TFTP(ctx, cfg.Address, "undionly.kpxe"),
				prober.HTTP(ctx, cfg.BootURL()),
			},
		}
	}
}

// Monitor keeps the latest snapshot and exports it.
type Monitor struct {
	collect Collector
	logger  zerolog.Logger

	mu   sync.RWMutex
	last *Snapshot

	registry  *prometheus.Registry
	serviceUp *prometheus.GaugeVec
	probeUp   *prometheus.GaugeVec
	lastRun   prometheus.Gauge
}

// NewMonitor returns a Monitor using collect.
func NewMonitor(collect Collector, logger zerolog.Logger) (*Monitor, error) {
	if collect == nil {
		return nil, errors.New("collector is required")
	}
	m := &Monitor{
		collect:  collect,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pxeprov_service_up",
			Help: "Whether a boot service is active (1) or not (0).",
		}, []string{"service"}),
		probeUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pxeprov_probe_up",
			Help: "Whether a functional probe succeeded (1) or not (0).",
		}, []string{"probe"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pxeprov_status_last_refresh_timestamp_seconds",
			Help: "Unix time of the last status refresh.",
		}),
	}
	m.registry.MustRegister(m.serviceUp, m.probeUp, m.lastRun)
	return m, nil
}

// Refresh collects a snapshot and updates the metrics.
func (m *Monitor) Refresh(ctx context.Context) Snapshot {
	snap := m.collect(ctx)
	for _, s := range snap.Services {
		m.serviceUp.WithLabelValues(s.Name).Set(boolGauge(s.Active))
	}
	for _, p := range snap.Probes {
		m.probeUp.WithLabelValues(p.Name).Set(boolGauge(p.OK))
	}
	m.lastRun.Set(float64(snap.Time.Unix()))

	m.mu.Lock()
	m.last = &snap
	m.mu.Unlock()

	if err := snap.Err(); err != nil {
		m.logger.Warn().Err(err).Msg("boot server degraded")
	}
	return snap
}

// Last returns the latest snapshot, or false before the first refresh.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return *m.last, true
}

// Run refreshes on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", interval)
	}
	m.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Routes returns the status HTTP handler.
func (m *Monitor) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if snap, ok := m.Last(); ok && snap.Ready() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "services not ready", http.StatusServiceUnavailable)
	})
	r.Get("/v1/status", m.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := m.Last()
	if !ok {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no status collected yet"})
		return
	}
	body := struct {
		Snapshot
		Ready   bool   `json:"ready"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}{Snapshot: snap, Ready: snap.Ready()}
	if err := snap.Err(); err != nil {
		body.Error = err.Error()
	} else {
		body.Healthy = true
	}
	respondJSON(w, http.StatusOK, body)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
