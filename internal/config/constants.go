package config

import "time"

// Application constants for configuration and resource management
const (
	// Timeouts and Delays
	DefaultShutdownTimeout = 5 * time.Second         // Telemetry provider and HTTP server shutdown timeout
	DefaultPollInterval    = time.Second             // Master loop idle wait between ticks
	MinPollInterval        = 10 * time.Millisecond   // Lower bound for the master poll interval
	MaxPollInterval        = time.Minute             // Upper bound for the master poll interval
	DefaultJobInterval     = time.Second             // Pause between two units of worker work
	DefaultJobTimeout      = 5 * time.Second         // FastCGI request timeout
	DefaultWatchDebounce   = 1500 * time.Millisecond // Config watcher debounce
	DefaultBreakerCooldown = 30 * time.Second        // FastCGI circuit open time before a probe

	// Event and Storage Limits
	DefaultEventQueryLimit = 100  // Default limit for event queries
	MaxEventQueryLimit     = 1000 // Maximum allowed limit for event queries

	// Configuration Defaults
	DefaultConfigPath   = "configs/example.yaml" // Default configuration file path
	DefaultServiceName  = "prefork-manager"      // Default telemetry service name
	DefaultSamplingRate = 0.1                    // Default telemetry sampling rate (10%)

	// Validation Constants
	MinWorkerCount     = 0    // Minimum number of workers per group
	MaxWorkerCount     = 1000 // Maximum number of workers per group
	DefaultWorkerCount = 2    // Workers in the zero-config group

	// FastCGI circuit breaker
	DefaultBreakerThreshold = 5 // Consecutive failures that open the circuit

	// Security Constants
	MinAPIKeyLength = 16 // Shorter metrics API keys only warn

	// Rate Limiting
	DefaultRateLimit = 10 // Metrics requests per second
	BurstLimit       = 20 // Burst requests allowed
)

// Config file formats
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Job kinds
const (
	JobKindHeartbeat = "heartbeat"
	JobKindLua       = "lua"
	JobKindFastCGI   = "fastcgi"
)

// Liveness probes
const (
	ProbeAuto   = "auto"
	ProbeSignal = "signal"
	ProbeProcFS = "procfs"
)

// Environment-specific constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Telemetry exporter types
const (
	ExporterTypeStdout = "stdout"
	ExporterTypeOTLP   = "otlp"
)

// Health states
const (
	HealthStateHealthy    = "healthy"
	HealthStateStopping   = "stopping"
	HealthStateRestarting = "restarting"
)
