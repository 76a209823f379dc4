// Package prometheus exposes supervisor state over HTTP: Prometheus
// metrics on the metrics path and a JSON snapshot on the health path.
package prometheus

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const namespace = "prefork"

var stages = []group.Stage{group.Normal, group.Quitting, group.Restarting}

// Exporter serves metrics and health and receives supervisor
// notifications. Observer methods run on the supervisor loop and only
// touch metric vectors and the snapshot.
type Exporter struct {
	config config.ServerConfig
	logger *zap.Logger

	registry    *prometheus.Registry
	rateLimiter *rate.Limiter

	workers        *prometheus.GaugeVec
	desired        *prometheus.GaugeVec
	spawns         *prometheus.CounterVec
	exits          *prometheus.CounterVec
	spawnFailures  *prometheus.CounterVec
	signalFailures *prometheus.CounterVec
	tags           *prometheus.CounterVec
	stage          *prometheus.GaugeVec
	reexecs        prometheus.Counter
	ticks          prometheus.Gauge
	startTime      prometheus.Gauge

	mu       sync.RWMutex
	mounts   []mount
	snapshot supervisor.Status
	started  time.Time
	running  bool
	listener net.Listener
}

var _ supervisor.Observer = (*Exporter)(nil)

// NewExporter creates an exporter with its own registry
func NewExporter(cfg config.ServerConfig, logger *zap.Logger) (*Exporter, error) {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = config.DefaultRateLimit
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = config.BurstLimit
	}

	e := &Exporter{
		config:      cfg,
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return e, nil
}

func (e *Exporter) initMetrics() error {
	groupLabel := []string{"group"}

	e.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Live workers per group.",
	}, groupLabel)
	e.desired = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_desired",
		Help:      "Desired workers per group.",
	}, groupLabel)
	e.spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Workers spawned per group.",
	}, groupLabel)
	e.exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_exits_total",
		Help:      "Workers reaped per group.",
	}, groupLabel)
	e.spawnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spawn_failures_total",
		Help:      "Failed worker spawns per group.",
	}, groupLabel)
	e.signalFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signal_failures_total",
		Help:      "Failed signal deliveries to workers per group.",
	}, groupLabel)
	e.tags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_received_total",
		Help:      "Signal tags handled by the master loop.",
	}, []string{"tag"})
	e.stage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "master_stage",
		Help:      "1 for the current master stage, 0 otherwise.",
	}, []string{"stage"})
	e.reexecs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "master_reexecs_total",
		Help:      "Re-executions started by this master image.",
	})
	e.ticks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "loop_ticks",
		Help:      "Master loop iterations since start.",
	})
	e.startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "master_start_time_seconds",
		Help:      "Unix time the master loop started.",
	})

	for _, c := range []prometheus.Collector{
		e.workers, e.desired, e.spawns, e.exits, e.spawnFailures, e.signalFailures,
		e.tags, e.stage, e.reexecs, e.ticks, e.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := e.registry.Register(c); err != nil {
			return err
		}
	}

	e.setStage(group.Normal)
	return nil
}

// Registry returns the exporter's registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

type mount struct {
	pattern string
	handler http.Handler
}

// Mount serves handler under pattern behind the same rate limit and API
// key as the metrics path. It must be called before Start.
func (e *Exporter) Mount(pattern string, handler http.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mounts = append(e.mounts, mount{pattern: pattern, handler: handler})
}

// Handler returns the HTTP handler serving the metrics and health paths
// and every mounted handler
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()

	metricsHandler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(e.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
	mux.Handle(e.config.MetricsPath, e.rateLimitMiddleware(e.authMiddleware(metricsHandler)))
	mux.HandleFunc(e.config.HealthPath, e.healthHandler)
	mux.HandleFunc("/", e.rootHandler)

	e.mu.RLock()
	for _, m := range e.mounts {
		mux.Handle(m.pattern, e.rateLimitMiddleware(e.authMiddleware(m.handler)))
	}
	e.mu.RUnlock()

	return mux
}

// Start serves HTTP until ctx is cancelled. Bind errors are returned
// immediately.
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exporter is already running")
	}

	ln, err := net.Listen("tcp", e.config.BindAddress)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", e.config.BindAddress, err)
	}
	e.running = true
	e.listener = ln
	e.mu.Unlock()

	server := &http.Server{
		Handler:      e.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	e.logger.Info("Starting Prometheus exporter",
		zap.String("bind_address", ln.Addr().String()),
		zap.String("metrics_path", e.config.MetricsPath),
		zap.String("health_path", e.config.HealthPath))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("Server shutdown failed", zap.Error(err))
		return err
	}

	e.logger.Info("Prometheus exporter stopped")
	return nil
}

// Addr returns the bound address once Start has listened
func (e *Exporter) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// authMiddleware requires the configured API key when one is set
func (e *Exporter) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		if ok, reason := e.validateAPIKey(r); !ok {
			e.logger.Warn("Authentication failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.String("error", reason))

			w.Header().Set("WWW-Authenticate", `Bearer realm="prefork-manager"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateAPIKey accepts "Authorization: Bearer <key>" or "X-API-Key: <key>"
func (e *Exporter) validateAPIKey(r *http.Request) (bool, string) {
	provided := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			provided = parts[1]
		}
	}
	if provided == "" {
		return false, "API key not provided"
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(e.config.APIKey)) != 1 {
		return false, "invalid API key"
	}
	return true, ""
}

// rateLimitMiddleware provides rate limiting for endpoints
func (e *Exporter) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.rateLimiter.Allow() {
			e.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()))

			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthResponse is the body served on the health path
type HealthResponse struct {
	Status    string        `json:"status"`
	PID       int           `json:"pid"`
	Stage     string        `json:"stage"`
	Alive     int           `json:"alive"`
	Ticks     uint64        `json:"ticks"`
	Uptime    string        `json:"uptime,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Groups    []HealthGroup `json:"groups"`
}

// HealthGroup describes one group in a HealthResponse
type HealthGroup struct {
	Name    string `json:"name"`
	Desired int    `json:"desired"`
	Size    int    `json:"size"`
	PIDs    []int  `json:"pids"`
}

func (e *Exporter) health() HealthResponse {
	e.mu.RLock()
	snap := e.snapshot
	started := e.started
	e.mu.RUnlock()

	resp := HealthResponse{
		Status:    config.HealthStateHealthy,
		PID:       snap.PID,
		Stage:     snap.Stage.String(),
		Alive:     snap.Alive,
		Ticks:     snap.Ticks,
		Timestamp: time.Now().UTC(),
		Groups:    make([]HealthGroup, 0, len(snap.Groups)),
	}
	switch snap.Stage {
	case group.Quitting:
		resp.Status = config.HealthStateStopping
	case group.Restarting:
		resp.Status = config.HealthStateRestarting
	}
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	for _, g := range snap.Groups {
		pids := g.PIDs
		if pids == nil {
			pids = []int{}
		}
		resp.Groups = append(resp.Groups, HealthGroup{
			Name:    g.Name,
			Desired: g.Desired,
			Size:    g.Size,
			PIDs:    pids,
		})
	}
	return resp
}

// healthHandler reports the latest supervisor snapshot. It answers 503
// once the master left the normal stage.
func (e *Exporter) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := e.health()

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != config.HealthStateHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		e.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (e *Exporter) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><title>prefork-manager</title></head><body>
<h1>prefork-manager</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="%s">Health</a></p>
</body></html>
`, e.config.MetricsPath, e.config.HealthPath)
}

func (e *Exporter) setStage(current group.Stage) {
	for _, st := range stages {
		v := 0.0
		if st == current {
			v = 1
		}
		e.stage.WithLabelValues(st.String()).Set(v)
	}
}

func (e *Exporter) update(status supervisor.Status) {
	for _, g := range status.Groups {
		e.workers.WithLabelValues(g.Name).Set(float64(g.Size))
		e.desired.WithLabelValues(g.Name).Set(float64(g.Desired))
	}
	e.ticks.Set(float64(status.Ticks))

	e.mu.Lock()
	e.snapshot = status
	e.mu.Unlock()
}

func (e *Exporter) WorkerSpawned(g string, pid int) { e.spawns.WithLabelValues(g).Inc() }

func (e *Exporter) WorkerReaped(g string, pid int) { e.exits.WithLabelValues(g).Inc() }

func (e *Exporter) SpawnFailed(g string, err error) { e.spawnFailures.WithLabelValues(g).Inc() }

func (e *Exporter) SignalFailed(g string, pid int, err error) {
	e.signalFailures.WithLabelValues(g).Inc()
}

func (e *Exporter) Started(status supervisor.Status) {
	now := time.Now()
	e.startTime.Set(float64(now.Unix()))
	for _, g := range status.Groups {
		// Make every group visible before its first event.
		e.spawns.WithLabelValues(g.Name)
		e.exits.WithLabelValues(g.Name)
		e.spawnFailures.WithLabelValues(g.Name)
		e.signalFailures.WithLabelValues(g.Name)
	}

	e.mu.Lock()
	e.started = now
	e.mu.Unlock()

	e.setStage(status.Stage)
	e.update(status)
}

func (e *Exporter) StageChanged(from, to group.Stage) { e.setStage(to) }

func (e *Exporter) TagReceived(tag signalbridge.Tag) { e.tags.WithLabelValues(tag.String()).Inc() }

func (e *Exporter) Reexec(path string, argv []string) { e.reexecs.Inc() }

func (e *Exporter) Tick(status supervisor.Status) { e.update(status) }
