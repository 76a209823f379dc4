package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a structured validation error
type ValidationError struct {
	Field      string      // Configuration field path (e.g., "groups[0].name")
	Value      interface{} // Invalid value
	Message    string      // Human-readable error message
	Suggestion string      // Suggested fix
}

// ValidationResult contains the results of configuration validation
type ValidationResult struct {
	Valid    bool              // Overall validation status
	Errors   []ValidationError // List of validation errors
	Warnings []ValidationError // List of validation warnings
}

// Error implements the error interface for ValidationResult
func (vr *ValidationResult) Error() string {
	if len(vr.Errors) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(vr.Errors)))

	for i, err := range vr.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s", i+1, err.Field, err.Message))
		if err.Suggestion != "" {
			sb.WriteString(fmt.Sprintf(" (suggestion: %s)", err.Suggestion))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	result := validateConfiguration(cfg)
	if !result.Valid {
		return result
	}
	return nil
}

// GetValidationResult returns detailed validation results without failing
func GetValidationResult(cfg *Config) *ValidationResult {
	return validateConfiguration(cfg)
}

// validateConfiguration performs comprehensive validation and returns detailed results
func validateConfiguration(cfg *Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	validateSupervisorConfig(&cfg.Supervisor, result)
	validateLoggingConfig(&cfg.Logging, result)
	validateServerConfig(&cfg.Server, result)
	validateStorageConfig(&cfg.Storage, result)
	validateTelemetryConfig(&cfg.Telemetry, result)
	validateGroupsConfig(cfg.Groups, result)

	result.Valid = len(result.Errors) == 0
	return result
}

func validateSupervisorConfig(cfg *SupervisorConfig, result *ValidationResult) {
	if err := validateDuration(cfg.PollInterval.Std(), MinPollInterval, MaxPollInterval, "supervisor.poll_interval"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	quit := make(map[string]bool)
	for i, name := range cfg.QuitSignals {
		sig, err := ParseSignal(name)
		if err != nil {
			result.Errors = append(result.Errors, signalError(fmt.Sprintf("supervisor.quit_signals[%d]", i), name, err))
			continue
		}
		quit[SignalName(sig)] = true
	}

	restart, err := ParseSignal(cfg.RestartSignal)
	if err != nil {
		result.Errors = append(result.Errors, signalError("supervisor.restart_signal", cfg.RestartSignal, err))
	} else if quit[SignalName(restart)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "supervisor.restart_signal",
			Value:      cfg.RestartSignal,
			Message:    "restart signal is also configured as a quit signal",
			Suggestion: "use a signal that is not in supervisor.quit_signals, such as SIGUSR2",
		})
	}

	if _, err := ParseSignal(cfg.WorkerQuitSignal); err != nil {
		result.Errors = append(result.Errors, signalError("supervisor.worker_quit_signal", cfg.WorkerQuitSignal, err))
	}

	switch cfg.LivenessProbe {
	case ProbeAuto, ProbeSignal, ProbeProcFS:
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "supervisor.liveness_probe",
			Value:      cfg.LivenessProbe,
			Message:    "invalid liveness probe",
			Suggestion: "use 'auto', 'signal', or 'procfs'",
		})
	}
}

func signalError(field, value string, err error) ValidationError {
	return ValidationError{
		Field:      field,
		Value:      value,
		Message:    err.Error(),
		Suggestion: "use a signal name such as SIGQUIT, SIGTERM or SIGUSR2",
	}
}

// validateLoggingConfig validates logging configuration
func validateLoggingConfig(cfg *LoggingConfig, result *ValidationResult) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}

	if !validLevels[strings.ToLower(cfg.Level)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.level",
			Value:      cfg.Level,
			Message:    "invalid log level",
			Suggestion: "use 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{
		"json": true, "console": true,
	}

	if !validFormats[strings.ToLower(cfg.Format)] {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "logging.format",
			Value:      cfg.Format,
			Message:    "invalid log format",
			Suggestion: "use 'json' or 'console'",
		})
	}
}

// validateServerConfig validates the metrics server configuration
func validateServerConfig(cfg *ServerConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateNetworkAddress(cfg.BindAddress); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.bind_address",
			Value:      cfg.BindAddress,
			Message:    err.Error(),
			Suggestion: "use host:port, e.g. '127.0.0.1:9090'",
		})
	}

	for _, p := range []struct{ field, path string }{
		{"server.metrics_path", cfg.MetricsPath},
		{"server.health_path", cfg.HealthPath},
	} {
		if !strings.HasPrefix(p.path, "/") {
			result.Errors = append(result.Errors, ValidationError{
				Field:      p.field,
				Value:      p.path,
				Message:    "path must start with '/'",
				Suggestion: "use a path such as '/metrics'",
			})
		}
	}
	if cfg.MetricsPath == cfg.HealthPath {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.health_path",
			Value:      cfg.HealthPath,
			Message:    "health path collides with metrics path",
			Suggestion: "use distinct paths",
		})
	}

	if cfg.RateLimit.RequestsPerSecond < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "server.rate_limit.requests_per_second",
			Value:      cfg.RateLimit.RequestsPerSecond,
			Message:    "rate must not be negative",
			Suggestion: "use a value > 0",
		})
	}
	if err := validatePositiveInt(cfg.RateLimit.Burst, "server.rate_limit.burst"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if cfg.APIKey != "" && len(cfg.APIKey) < MinAPIKeyLength {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "server.api_key",
			Value:      "<redacted>",
			Message:    fmt.Sprintf("API key is shorter than %d characters", MinAPIKeyLength),
			Suggestion: "use a longer random key",
		})
	}
	if cfg.API && cfg.APIKey == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "server.api",
			Value:      cfg.API,
			Message:    "control API is enabled without an API key",
			Suggestion: "set server.api_key so restart and quit requests are authenticated",
		})
	}
}

// validateStorageConfig validates storage configuration
func validateStorageConfig(cfg *StorageConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateStringNotEmpty(cfg.DatabasePath, "storage.database_path"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateDuration(cfg.Retention.Std(), time.Minute, 0, "storage.retention"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	pool := cfg.ConnectionPool
	if err := validatePositiveInt(pool.MaxOpenConns, "storage.connection_pool.max_open_conns"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if pool.MaxIdleConns > pool.MaxOpenConns {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:      "storage.connection_pool.max_idle_conns",
			Value:      pool.MaxIdleConns,
			Message:    "max idle connections exceeds max open connections",
			Suggestion: "set max_idle_conns <= max_open_conns",
		})
	}
}

// validateTelemetryConfig validates telemetry configuration
func validateTelemetryConfig(cfg *TelemetryConfig, result *ValidationResult) {
	if !cfg.Enabled {
		return
	}

	if err := validateStringNotEmpty(cfg.ServiceName, "telemetry.service_name"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateStringNotEmpty(cfg.ServiceVersion, "telemetry.service_version"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	if err := validateStringNotEmpty(cfg.Environment, "telemetry.environment"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	validateTelemetryExporterConfig(&cfg.Exporter, result)

	if cfg.Sampling.Rate < 0 || cfg.Sampling.Rate > 1.0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.sampling.rate",
			Value:      cfg.Sampling.Rate,
			Message:    "sampling rate must be between 0 and 1",
			Suggestion: "use 0.1 for 10% sampling or 1.0 for all traces",
		})
	}
}

// validateTelemetryExporterConfig validates telemetry exporter configuration
func validateTelemetryExporterConfig(cfg *TelemetryExporterConfig, result *ValidationResult) {
	switch cfg.Type {
	case ExporterTypeStdout:
	case ExporterTypeOTLP:
		if cfg.Endpoint == "" {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "telemetry.exporter.endpoint",
				Value:      cfg.Endpoint,
				Message:    "endpoint is required for otlp exporter",
				Suggestion: "provide the collector endpoint URL",
			})
			return
		}
		if err := validateURL(cfg.Endpoint, "telemetry.exporter.endpoint"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      "telemetry.exporter.type",
			Value:      cfg.Type,
			Message:    "invalid exporter type",
			Suggestion: "use 'stdout' or 'otlp'",
		})
	}
}

// validateGroupsConfig validates worker group definitions
func validateGroupsConfig(groups []GroupConfig, result *ValidationResult) {
	if len(groups) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      "groups",
			Message:    "at least one group must be configured",
			Suggestion: "add a group with a name, a worker count and a job",
		})
		return
	}

	names := make(map[string]bool)
	for i, g := range groups {
		prefix := fmt.Sprintf("groups[%d]", i)

		if err := validateStringNotEmpty(g.Name, prefix+".name"); err != nil {
			result.Errors = append(result.Errors, *err)
			continue
		}
		if strings.ContainsAny(g.Name, "= \t\n") {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".name",
				Value:      g.Name,
				Message:    "group name must not contain whitespace or '='",
				Suggestion: "use letters, digits, '-' or '_'",
			})
		}
		if names[g.Name] {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".name",
				Value:      g.Name,
				Message:    fmt.Sprintf("duplicate group name '%s'", g.Name),
				Suggestion: "use unique names for each group",
			})
		}
		names[g.Name] = true

		if g.Workers < MinWorkerCount || g.Workers > MaxWorkerCount {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".workers",
				Value:      g.Workers,
				Message:    fmt.Sprintf("workers must be between %d and %d", MinWorkerCount, MaxWorkerCount),
				Suggestion: "adjust the worker count",
			})
		}
		if g.Workers == 0 {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:      prefix + ".workers",
				Value:      g.Workers,
				Message:    "group has no workers",
				Suggestion: "set workers > 0 or remove the group",
			})
		}

		validateJobConfig(&g.Job, prefix+".job", result)
	}
}

func validateJobConfig(job *JobConfig, prefix string, result *ValidationResult) {
	if err := validateDuration(job.Interval.Std(), time.Millisecond, 0, prefix+".interval"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
	if job.Jitter < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:      prefix + ".jitter",
			Value:      job.Jitter.String(),
			Message:    "jitter must not be negative",
			Suggestion: "use a value >= 0",
		})
	}

	switch job.Kind {
	case JobKindHeartbeat:
	case JobKindLua:
		if err := validateStringNotEmpty(job.Script, prefix+".script"); err != nil {
			result.Errors = append(result.Errors, *err)
			return
		}
		if _, err := os.Stat(job.Script); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".script",
				Value:      job.Script,
				Message:    fmt.Sprintf("script is not readable: %v", err),
				Suggestion: "point script at an existing Lua file",
			})
		}
	case JobKindFastCGI:
		if err := validateFastCGIEndpoint(job.Endpoint); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".endpoint",
				Value:      job.Endpoint,
				Message:    err.Error(),
				Suggestion: "use host:port or unix:/absolute/path",
			})
		}
		if !strings.HasPrefix(job.Path, "/") {
			result.Errors = append(result.Errors, ValidationError{
				Field:      prefix + ".path",
				Value:      job.Path,
				Message:    "path must start with '/'",
				Suggestion: "use a script path such as '/status'",
			})
		}
		if err := validateDuration(job.Timeout.Std(), time.Millisecond, 0, prefix+".timeout"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
		if err := validatePositiveInt(job.BreakerThreshold, prefix+".breaker_threshold"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
		if err := validateDuration(job.BreakerCooldown.Std(), time.Millisecond, 0, prefix+".breaker_cooldown"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	default:
		result.Errors = append(result.Errors, ValidationError{
			Field:      prefix + ".kind",
			Value:      job.Kind,
			Message:    "unknown job kind",
			Suggestion: "use 'heartbeat', 'lua', or 'fastcgi'",
		})
	}
}

func validateFastCGIEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if strings.HasPrefix(endpoint, "unix:") {
		socketPath := strings.TrimPrefix(endpoint, "unix:")
		if socketPath == "" {
			return fmt.Errorf("unix socket path cannot be empty")
		}
		if !strings.HasPrefix(socketPath, "/") {
			return fmt.Errorf("unix socket path must be absolute")
		}
		return nil
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("invalid host:port format: %w", err)
	}
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	return nil
}

// validateNetworkAddress validates a network address in host:port format
func validateNetworkAddress(address string) error {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port number: %w", err)
	}

	if portNum < 0 || portNum > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}

	return nil
}

// validateDuration validates a duration is within acceptable bounds
func validateDuration(d time.Duration, min, max time.Duration, fieldName string) *ValidationError {
	if d < min {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is below minimum %s", d, min),
			Suggestion: fmt.Sprintf("use a value >= %s", min),
		}
	}

	if max > 0 && d > max {
		return &ValidationError{
			Field:      fieldName,
			Value:      d.String(),
			Message:    fmt.Sprintf("duration %s is above maximum %s", d, max),
			Suggestion: fmt.Sprintf("use a value <= %s", max),
		}
	}

	return nil
}

// validatePositiveInt validates a positive integer
func validatePositiveInt(value int, fieldName string) *ValidationError {
	if value <= 0 {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value must be positive",
			Suggestion: "use a value > 0",
		}
	}
	return nil
}

// validateStringNotEmpty validates a string is not empty
func validateStringNotEmpty(value, fieldName string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      value,
			Message:    "value cannot be empty",
			Suggestion: "provide a non-empty value",
		}
	}
	return nil
}

// validateURL validates a URL format
func validateURL(urlStr, fieldName string) *ValidationError {
	u, err := url.Parse(urlStr)
	if err != nil {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    fmt.Sprintf("invalid URL format: %v", err),
			Suggestion: "provide a valid URL like 'http://localhost:4318'",
		}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    "URL scheme must be http or https",
			Suggestion: "use 'http://' or 'https://' prefix",
		}
	}

	if u.Host == "" {
		return &ValidationError{
			Field:      fieldName,
			Value:      urlStr,
			Message:    "URL host cannot be empty",
			Suggestion: "provide a valid hostname or IP address",
		}
	}

	return nil
}
