package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Groups     []GroupConfig    `yaml:"groups" toml:"groups"`
}

// SupervisorConfig contains master loop and signal settings
type SupervisorConfig struct {
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	QuitSignals      []string `yaml:"quit_signals" toml:"quit_signals"`
	RestartSignal    string   `yaml:"restart_signal" toml:"restart_signal"`
	WorkerQuitSignal string   `yaml:"worker_quit_signal" toml:"worker_quit_signal"`
	LivenessProbe    string   `yaml:"liveness_probe" toml:"liveness_probe"` // "auto", "signal", "procfs"
	WatchConfig      bool     `yaml:"watch_config" toml:"watch_config"`     // restart the master when the config file changes
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	OutputPath string `yaml:"output_path" toml:"output_path"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Enabled     bool            `yaml:"enabled" toml:"enabled"`
	BindAddress string          `yaml:"bind_address" toml:"bind_address"`
	MetricsPath string          `yaml:"metrics_path" toml:"metrics_path"`
	HealthPath  string          `yaml:"health_path" toml:"health_path"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	APIKey      string          `yaml:"api_key,omitempty" toml:"api_key,omitempty"` // required on the metrics and API paths when set
	API         bool            `yaml:"api" toml:"api"`                             // serve the /api/v1 control and event endpoints
}

// RateLimitConfig limits requests to the metrics endpoint
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StorageConfig contains lifecycle event journal settings
type StorageConfig struct {
	Enabled        bool                 `yaml:"enabled" toml:"enabled"`
	DatabasePath   string               `yaml:"database_path" toml:"database_path"`
	Retention      Duration             `yaml:"retention" toml:"retention"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool" toml:"connection_pool"`
}

// ConnectionPoolConfig contains database connection pool settings
type ConnectionPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled        bool                    `yaml:"enabled" toml:"enabled"`
	ServiceName    string                  `yaml:"service_name" toml:"service_name"`
	ServiceVersion string                  `yaml:"service_version" toml:"service_version"`
	Environment    string                  `yaml:"environment" toml:"environment"`
	Exporter       TelemetryExporterConfig `yaml:"exporter" toml:"exporter"`
	Sampling       TelemetrySamplingConfig `yaml:"sampling" toml:"sampling"`
}

// TelemetryExporterConfig configures telemetry exporters
type TelemetryExporterConfig struct {
	Type     string            `yaml:"type" toml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// TelemetrySamplingConfig configures trace sampling
type TelemetrySamplingConfig struct {
	Rate float64 `yaml:"rate" toml:"rate"` // 0.0 to 1.0
}

// GroupConfig describes one worker group
type GroupConfig struct {
	Name    string    `yaml:"name" toml:"name"`
	Workers int       `yaml:"workers" toml:"workers"`
	Job     JobConfig `yaml:"job" toml:"job"`
}

// JobConfig selects and configures the task body run by each worker
type JobConfig struct {
	Kind string `yaml:"kind" toml:"kind"` // "heartbeat", "lua", "fastcgi"

	// Pause between two units of work.
	Interval Duration `yaml:"interval" toml:"interval"`
	Jitter   Duration `yaml:"jitter,omitempty" toml:"jitter,omitempty"`

	// heartbeat
	Message string `yaml:"message,omitempty" toml:"message,omitempty"`

	// lua
	Script string `yaml:"script,omitempty" toml:"script,omitempty"`

	// fastcgi
	Endpoint  string            `yaml:"endpoint,omitempty" toml:"endpoint,omitempty"` // host:port or unix:/path
	Path      string            `yaml:"path,omitempty" toml:"path,omitempty"`
	JSONField string            `yaml:"json_field,omitempty" toml:"json_field,omitempty"`
	Params    map[string]string `yaml:"params,omitempty" toml:"params,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty" toml:"timeout,omitempty"`

	// Consecutive failed requests that open the circuit, and how long it
	// stays open before a probe request is let through.
	BreakerThreshold int      `yaml:"breaker_threshold,omitempty" toml:"breaker_threshold,omitempty"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown,omitempty" toml:"breaker_cooldown,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("1s",
// "250ms") in both YAML and TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts duration strings and plain integers (nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML writes d as a duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadDefault creates a zero-configuration setup with all defaults
func LoadDefault() (*Config, error) {
	var config Config

	// Apply defaults (creates the "default" heartbeat group)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid default configuration: %w", err)
	}

	return &config, nil
}

// Load reads and parses the configuration file. The format follows the
// file extension: .toml for TOML, anything else for YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}

	// Create necessary directories before validation
	if err := ensureConfigDirectories(config); err != nil {
		return nil, fmt.Errorf("directory creation failed: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Parse decodes data in the given format and applies defaults. The result
// is not validated.
func Parse(data []byte, format string) (*Config, error) {
	var config Config

	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	applyDefaults(&config)
	return &config, nil
}

// FormatFromPath returns the config format implied by path's extension.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Supervisor.PollInterval == 0 {
		cfg.Supervisor.PollInterval = Duration(DefaultPollInterval)
	}
	if len(cfg.Supervisor.QuitSignals) == 0 {
		cfg.Supervisor.QuitSignals = []string{"SIGQUIT", "SIGTERM", "SIGINT"}
	}
	if cfg.Supervisor.RestartSignal == "" {
		cfg.Supervisor.RestartSignal = "SIGUSR2"
	}
	if cfg.Supervisor.WorkerQuitSignal == "" {
		cfg.Supervisor.WorkerQuitSignal = "SIGQUIT"
	}
	if cfg.Supervisor.LivenessProbe == "" {
		cfg.Supervisor.LivenessProbe = "auto"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.OutputPath == "" {
		cfg.Logging.OutputPath = "stderr"
	}

	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = "127.0.0.1:9090"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/health"
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 {
		cfg.Server.RateLimit.RequestsPerSecond = DefaultRateLimit
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = BurstLimit
	}

	// Default to in-memory database
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = ":memory:"
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = Duration(7 * 24 * time.Hour)
	}
	if cfg.Storage.ConnectionPool.MaxOpenConns == 0 {
		cfg.Storage.ConnectionPool.MaxOpenConns = 4
	}
	if cfg.Storage.ConnectionPool.MaxIdleConns == 0 {
		cfg.Storage.ConnectionPool.MaxIdleConns = 2
	}
	if cfg.Storage.ConnectionPool.ConnMaxLifetime == 0 {
		cfg.Storage.ConnectionPool.ConnMaxLifetime = Duration(time.Hour)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "1.0.0"
	}
	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = EnvProduction
	}
	if cfg.Telemetry.Exporter.Type == "" {
		cfg.Telemetry.Exporter.Type = ExporterTypeStdout
	}
	if cfg.Telemetry.Sampling.Rate == 0 {
		cfg.Telemetry.Sampling.Rate = DefaultSamplingRate
	}

	// Zero-config: one heartbeat group
	if len(cfg.Groups) == 0 {
		cfg.Groups = []GroupConfig{{
			Name:    "default",
			Workers: DefaultWorkerCount,
		}}
	}

	for i := range cfg.Groups {
		job := &cfg.Groups[i].Job
		if job.Kind == "" {
			job.Kind = JobKindHeartbeat
		}
		if job.Interval == 0 {
			job.Interval = Duration(DefaultJobInterval)
		}
		if job.Kind == JobKindHeartbeat && job.Message == "" {
			job.Message = "heartbeat"
		}
		if job.Kind == JobKindFastCGI {
			if job.Timeout == 0 {
				job.Timeout = Duration(DefaultJobTimeout)
			}
			if job.BreakerThreshold == 0 {
				job.BreakerThreshold = DefaultBreakerThreshold
			}
			if job.BreakerCooldown == 0 {
				job.BreakerCooldown = Duration(DefaultBreakerCooldown)
			}
		}
	}
}

// GroupByName returns the group called name.
func (c *Config) GroupByName(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}

// ensureConfigDirectories creates all necessary directories for config-defined paths
func ensureConfigDirectories(cfg *Config) error {
	var paths []string

	if cfg.Storage.Enabled && cfg.Storage.DatabasePath != "" && cfg.Storage.DatabasePath != ":memory:" {
		paths = append(paths, cfg.Storage.DatabasePath)
	}

	// Logging output path (if it's a file path, not stdout/stderr)
	if cfg.Logging.OutputPath != "" &&
		cfg.Logging.OutputPath != "stdout" &&
		cfg.Logging.OutputPath != "stderr" {
		paths = append(paths, cfg.Logging.OutputPath)
	}

	for _, path := range paths {
		dir := filepath.Dir(path)
		if dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating directory %s for path %s: %w", dir, path, err)
			}
		}
	}

	return nil
}
