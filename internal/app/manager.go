// Package app assembles the supervisor and its supporting services for the
// role the current process plays.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/prefork-manager/internal/api"
	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/jobs"
	"github.com/cboxdk/prefork-manager/internal/platform"
	"github.com/cboxdk/prefork-manager/internal/prometheus"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
	"github.com/cboxdk/prefork-manager/internal/spawner"
	"github.com/cboxdk/prefork-manager/internal/storage"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
	"github.com/cboxdk/prefork-manager/internal/worker"
)

// Manager coordinates all system components
type Manager struct {
	config     *config.Config
	configPath string
	logger     *zap.Logger
	role       spawner.Role
	roleSet    bool
	signals    config.SignalSet
	version    string

	supervisor       *supervisor.Supervisor
	telemetryService *telemetry.Service

	// Master only
	storage  *storage.SQLiteStorage
	exporter *prometheus.Exporter
	recorder *telemetry.Recorder
	watcher  *config.Watcher
	notifier Notifier

	signalSelf func(sig unix.Signal) error
	exit       func(code int)
	supOpts    []supervisor.Option

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithRole fixes the process role instead of reading it from the environment
func WithRole(role spawner.Role) Option {
	return func(m *Manager) {
		m.role = role
		m.roleSet = true
	}
}

// WithVersion sets the version reported by the control API
func WithVersion(version string) Option {
	return func(m *Manager) { m.version = version }
}

// WithNotifier replaces the systemd notifier
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithSignalSelf replaces the function used to signal the own process
func WithSignalSelf(fn func(sig unix.Signal) error) Option {
	return func(m *Manager) { m.signalSelf = fn }
}

// WithSupervisorOptions passes extra options to the supervisor
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(m *Manager) { m.supOpts = append(m.supOpts, opts...) }
}

// NewManager creates the components for the current role. configPath may be
// empty when the configuration did not come from a file.
func NewManager(cfg *config.Config, configPath string, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	m := &Manager{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		notifier:   SystemdNotifier{},
		signalSelf: func(sig unix.Signal) error { return unix.Kill(os.Getpid(), sig) },
		exit:       os.Exit,
	}
	for _, opt := range opts {
		opt(m)
	}

	if !m.roleSet {
		role, err := spawner.CurrentRole()
		if err != nil {
			return nil, fmt.Errorf("failed to determine process role: %w", err)
		}
		m.role = role
	}

	signals, err := cfg.Supervisor.Signals()
	if err != nil {
		return nil, err
	}
	m.signals = signals

	probe, err := platform.NewProbe(cfg.Supervisor.LivenessProbe)
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness probe: %w", err)
	}

	m.telemetryService, err = telemetry.NewService(cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry service: %w", err)
	}

	observers := supervisor.Observers{}
	if !m.role.IsWorker() {
		if err := m.initMaster(&observers); err != nil {
			m.closeServices()
			return nil, err
		}
	}

	bridge := signalbridge.New(signalbridge.Config{
		ChildSignal:   unix.SIGCHLD,
		QuitSignals:   toOSSignals(signals.Quit),
		RestartSignal: signals.Restart,
	}, logger.Named("signals"))

	supOpts := []supervisor.Option{
		supervisor.WithBridge(bridge),
		supervisor.WithRole(m.role),
		supervisor.WithWorkerQuitSignal(signals.WorkerQuit),
		supervisor.WithPollInterval(cfg.Supervisor.PollInterval.Std()),
		supervisor.WithObserver(observers),
		supervisor.WithWorkerOptions(
			worker.WithProbe(probe),
			worker.WithExit(m.workerExit),
		),
	}
	m.supervisor, err = supervisor.New(logger.Named("supervisor"), append(supOpts, m.supOpts...)...)
	if err != nil {
		m.closeServices()
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	for _, g := range cfg.Groups {
		if _, err := m.supervisor.Register(g.Name, g.Workers, m.jobFor(g)); err != nil {
			m.closeServices()
			return nil, fmt.Errorf("failed to register group %q: %w", g.Name, err)
		}
	}

	return m, nil
}

// initMaster creates the services only the master runs
func (m *Manager) initMaster(observers *supervisor.Observers) error {
	cfg := m.config

	var journal telemetry.EventStorage
	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStorage(cfg.Storage, m.logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		m.storage = store
		journal = store.Events()
	}

	emitter := telemetry.NewEventEmitter(m.telemetryService, m.logger.Named("events"), journal)
	m.recorder = telemetry.NewRecorder(emitter, m.telemetryService, m.logger.Named("recorder"), telemetry.DefaultQueueSize)
	*observers = append(*observers, m.recorder)

	if cfg.Server.Enabled {
		exporter, err := prometheus.NewExporter(cfg.Server, m.logger.Named("prometheus"))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		m.exporter = exporter
		*observers = append(*observers, exporter)

		if cfg.Server.API {
			var events api.EventStorage
			if m.storage != nil {
				events = m.storage.Events()
			}
			server := api.NewServer(m.logger, m, events, m.version)
			exporter.Mount(api.Prefix, server.Handler())
			*observers = append(*observers, server)
		}
	}

	*observers = append(*observers, &notifyObserver{notifier: m.notifier, logger: m.logger.Named("systemd")})

	if cfg.Supervisor.WatchConfig && m.configPath != "" {
		m.watcher = config.NewWatcher(m.configPath, m.logger.Named("watcher"),
			config.WithErrorHandler(m.configRejected))
		m.watcher.OnReload(m.configChanged)
	}
	return nil
}

// jobFor defers building a group's job until a worker runs it, so the
// master never opens job resources.
func (m *Manager) jobFor(g config.GroupConfig) worker.Job {
	return worker.JobFunc(func(ctx context.Context, cp worker.Checkpointer) error {
		job, err := jobs.Build(g, jobs.Deps{
			Logger: m.logger.Named("job"),
			Tracer: m.telemetryService.GetTraceHelper(),
			PID:    os.Getpid(),
		})
		if err != nil {
			return err
		}
		return job.Run(ctx, cp)
	})
}

// workerExit flushes telemetry before a worker process terminates
func (m *Manager) workerExit(code int) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := m.telemetryService.Stop(ctx); err != nil {
		m.logger.Warn("Failed to stop telemetry", zap.Error(err))
	}
	_ = m.logger.Sync()
	m.exit(code)
}

// Run runs the supervisor. In the master it also runs the exporter, the
// event recorder, storage cleanup and the config watcher until the
// supervisor finishes.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.role.IsWorker() {
		return m.supervisor.Run(ctx)
	}

	m.logger.Info("Starting prefork-manager",
		zap.Int("pid", m.role.MasterPID),
		zap.Int("groups", len(m.config.Groups)))

	if err := m.performPreflightChecks(); err != nil {
		m.closeServices()
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	// Services stop once the supervisor is done
	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	services, svcCtx := errgroup.WithContext(svcCtx)

	if m.storage != nil {
		if err := m.storage.Start(svcCtx); err != nil {
			m.closeServices()
			return fmt.Errorf("failed to start storage: %w", err)
		}
	}

	services.Go(func() error {
		return m.recorder.Run(svcCtx)
	})
	if m.exporter != nil {
		services.Go(func() error {
			return m.exporter.Start(svcCtx)
		})
	}
	if m.watcher != nil {
		services.Go(func() error {
			return m.watcher.Run(svcCtx)
		})
	}

	// A failing service takes the master down gracefully
	supCtx, cancelSup := context.WithCancel(ctx)
	defer cancelSup()
	go func() {
		select {
		case <-svcCtx.Done():
			cancelSup()
		case <-supCtx.Done():
		}
	}()

	err := m.supervisor.Run(supCtx)

	m.logger.Info("Stopping remaining services")
	stopServices()
	if svcErr := services.Wait(); svcErr != nil && !errors.Is(svcErr, context.Canceled) {
		m.logger.Error("Service failed", zap.Error(svcErr))
		if err == nil {
			err = svcErr
		}
	}
	m.closeServices()

	if err != nil {
		m.logger.Error("Manager stopped with error", zap.Error(err))
		return err
	}

	m.logger.Info("Manager stopped gracefully",
		zap.Duration("uptime", time.Since(m.startTime)))
	return nil
}

// closeServices releases storage and flushes telemetry
func (m *Manager) closeServices() {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()

	if m.storage != nil {
		if err := m.storage.Stop(ctx); err != nil {
			m.logger.Warn("Failed to stop storage", zap.Error(err))
		}
	}
	if m.telemetryService != nil {
		if err := m.telemetryService.Stop(ctx); err != nil {
			m.logger.Warn("Failed to stop telemetry", zap.Error(err))
		}
	}
}

// configChanged restarts the master so the new configuration is loaded by
// the re-executed process
func (m *Manager) configChanged(cfg *config.Config) {
	m.recorder.ConfigurationChanged(m.configPath, nil)
	m.logger.Info("Configuration changed, requesting restart",
		zap.String("path", m.configPath),
		zap.String("signal", config.SignalName(m.signals.Restart)))

	if err := m.RequestRestart(); err != nil {
		m.logger.Error("Failed to request restart", zap.Error(err))
	}
}

func (m *Manager) configRejected(err error) {
	var messages []string
	var result *config.ValidationResult
	if errors.As(err, &result) {
		for _, e := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", e.Field, e.Message))
		}
	} else {
		messages = []string{err.Error()}
	}
	m.recorder.ConfigurationChanged(m.configPath, messages)
}

// performPreflightChecks validates the environment before workers are spawned
func (m *Manager) performPreflightChecks() error {
	m.logger.Info("Performing pre-flight checks")

	if m.exporter != nil {
		if err := checkBindAddressAvailable(m.config.Server.BindAddress); err != nil {
			return fmt.Errorf("server bind address %s is not available: %w", m.config.Server.BindAddress, err)
		}
	}

	if m.config.Storage.Enabled {
		if err := validateStorageDirectory(m.config.Storage.DatabasePath); err != nil {
			return fmt.Errorf("storage directory validation failed: %w", err)
		}
	}

	m.logger.Info("All pre-flight checks passed successfully")
	return nil
}

// checkBindAddressAvailable checks if a bind address is available for binding
func checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("address is already in use or cannot be bound: %w", err)
	}
	return listener.Close()
}

// validateStorageDirectory ensures the database directory is writable
func validateStorageDirectory(databasePath string) error {
	if databasePath == "" || databasePath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(databasePath)

	tempFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dir, err)
	}
	file.Close()
	return os.Remove(tempFile)
}

// RequestRestart asks the supervisor loop to re-exec the master
func (m *Manager) RequestRestart() error {
	return m.signalSelf(m.signals.Restart)
}

// RequestQuit asks the supervisor loop to stop every group and exit
func (m *Manager) RequestQuit() error {
	if len(m.signals.Quit) == 0 {
		return fmt.Errorf("no quit signal configured")
	}
	return m.signalSelf(m.signals.Quit[0])
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Role returns the role of the current process
func (m *Manager) Role() spawner.Role {
	return m.role
}

// Exporter returns the Prometheus exporter, nil when the server is disabled
// or the process is a worker
func (m *Manager) Exporter() *prometheus.Exporter {
	return m.exporter
}

func toOSSignals(sigs []unix.Signal) []os.Signal {
	out := make([]os.Signal, len(sigs))
	for i, s := range sigs {
		out[i] = s
	}
	return out
}
