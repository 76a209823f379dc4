package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault failed: %v", err)
	}
	return cfg
}

func hasError(result *ValidationResult, field string) bool {
	for _, e := range result.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidateConfiguration(t *testing.T) {
	script := filepath.Join(t.TempDir(), "work.lua")
	if err := os.WriteFile(script, []byte("function work() end"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:      "poll interval too small",
			mutate:    func(c *Config) { c.Supervisor.PollInterval = Duration(time.Millisecond) },
			wantField: "supervisor.poll_interval",
		},
		{
			name:      "unknown quit signal",
			mutate:    func(c *Config) { c.Supervisor.QuitSignals = []string{"SIGQUIT", "SIGWHAT"} },
			wantField: "supervisor.quit_signals[1]",
		},
		{
			name:      "restart signal doubles as quit signal",
			mutate:    func(c *Config) { c.Supervisor.RestartSignal = "TERM" },
			wantField: "supervisor.restart_signal",
		},
		{
			name:      "uncatchable worker quit signal",
			mutate:    func(c *Config) { c.Supervisor.WorkerQuitSignal = "SIGKILL" },
			wantField: "supervisor.worker_quit_signal",
		},
		{
			name:      "unknown liveness probe",
			mutate:    func(c *Config) { c.Supervisor.LivenessProbe = "ptrace" },
			wantField: "supervisor.liveness_probe",
		},
		{
			name:      "bad log level",
			mutate:    func(c *Config) { c.Logging.Level = "verbose" },
			wantField: "logging.level",
		},
		{
			name:      "bad log format",
			mutate:    func(c *Config) { c.Logging.Format = "xml" },
			wantField: "logging.format",
		},
		{
			name: "bad bind address",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.BindAddress = "localhost"
			},
			wantField: "server.bind_address",
		},
		{
			name: "metrics and health paths collide",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.HealthPath = "/metrics"
			},
			wantField: "server.health_path",
		},
		{
			name: "disabled server is not validated",
			mutate: func(c *Config) {
				c.Server.BindAddress = "nonsense"
			},
		},
		{
			name: "retention too short",
			mutate: func(c *Config) {
				c.Storage.Enabled = true
				c.Storage.Retention = Duration(time.Second)
			},
			wantField: "storage.retention",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Exporter.Type = ExporterTypeOTLP
			},
			wantField: "telemetry.exporter.endpoint",
		},
		{
			name: "otlp with bad endpoint scheme",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Exporter.Type = ExporterTypeOTLP
				c.Telemetry.Exporter.Endpoint = "grpc://collector:4317"
			},
			wantField: "telemetry.exporter.endpoint",
		},
		{
			name: "sampling rate out of range",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Sampling.Rate = 1.5
			},
			wantField: "telemetry.sampling.rate",
		},
		{
			name:      "no groups",
			mutate:    func(c *Config) { c.Groups = nil },
			wantField: "groups",
		},
		{
			name: "duplicate group",
			mutate: func(c *Config) {
				c.Groups = append(c.Groups, c.Groups[0])
			},
			wantField: "groups[1].name",
		},
		{
			name:      "group name with whitespace",
			mutate:    func(c *Config) { c.Groups[0].Name = "my group" },
			wantField: "groups[0].name",
		},
		{
			name:      "too many workers",
			mutate:    func(c *Config) { c.Groups[0].Workers = MaxWorkerCount + 1 },
			wantField: "groups[0].workers",
		},
		{
			name:      "negative workers",
			mutate:    func(c *Config) { c.Groups[0].Workers = -1 },
			wantField: "groups[0].workers",
		},
		{
			name:      "unknown job kind",
			mutate:    func(c *Config) { c.Groups[0].Job.Kind = "cron" },
			wantField: "groups[0].job.kind",
		},
		{
			name: "lua job without script",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{Kind: JobKindLua, Interval: Duration(time.Second)}
			},
			wantField: "groups[0].job.script",
		},
		{
			name: "lua job with missing script",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{Kind: JobKindLua, Interval: Duration(time.Second), Script: "/nonexistent/work.lua"}
			},
			wantField: "groups[0].job.script",
		},
		{
			name: "lua job with script",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{Kind: JobKindLua, Interval: Duration(time.Second), Script: script}
			},
		},
		{
			name: "fastcgi job with relative socket",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{
					Kind:             JobKindFastCGI,
					Interval:         Duration(time.Second),
					Timeout:          Duration(time.Second),
					BreakerThreshold: 5,
					BreakerCooldown:  Duration(time.Second),
					Endpoint:         "unix:php-fpm.sock",
					Path:             "/status",
				}
			},
			wantField: "groups[0].job.endpoint",
		},
		{
			name: "fastcgi job without path",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{
					Kind:             JobKindFastCGI,
					Interval:         Duration(time.Second),
					Timeout:          Duration(time.Second),
					BreakerThreshold: 5,
					BreakerCooldown:  Duration(time.Second),
					Endpoint:         "127.0.0.1:9000",
				}
			},
			wantField: "groups[0].job.path",
		},
		{
			name: "valid fastcgi job",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{
					Kind:             JobKindFastCGI,
					Interval:         Duration(time.Second),
					Timeout:          Duration(time.Second),
					BreakerThreshold: 5,
					BreakerCooldown:  Duration(time.Second),
					Endpoint:         "unix:/run/php-fpm.sock",
					Path:             "/status",
				}
			},
		},
		{
			name: "fastcgi job without breaker threshold",
			mutate: func(c *Config) {
				c.Groups[0].Job = JobConfig{
					Kind:     JobKindFastCGI,
					Interval: Duration(time.Second),
					Timeout:  Duration(time.Second),
					Endpoint: "127.0.0.1:9000",
					Path:     "/status",
				}
			},
			wantField: "groups[0].job.breaker_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			result := GetValidationResult(cfg)

			if tt.wantField == "" {
				if !result.Valid {
					t.Fatalf("Expected valid config, got %v", result)
				}
				return
			}
			if result.Valid {
				t.Fatalf("Expected error on %s, config was valid", tt.wantField)
			}
			if !hasError(result, tt.wantField) {
				t.Errorf("Expected error on %s, got %v", tt.wantField, result)
			}
		})
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Groups[0].Workers = 0

	result := GetValidationResult(cfg)
	if !result.Valid {
		t.Fatalf("Empty group should only warn: %v", result)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Field != "groups[0].workers" {
		t.Errorf("Expected one worker warning, got %+v", result.Warnings)
	}
}

func TestValidationResultError(t *testing.T) {
	result := &ValidationResult{}
	if result.Error() != "no validation errors" {
		t.Errorf("Unexpected message %q", result.Error())
	}

	result.Errors = []ValidationError{
		{Field: "groups[0].name", Message: "value cannot be empty", Suggestion: "provide a non-empty value"},
		{Field: "logging.level", Message: "invalid log level"},
	}
	msg := result.Error()
	for _, want := range []string{
		"failed with 2 error(s)",
		"1. groups[0].name: value cannot be empty (suggestion: provide a non-empty value)",
		"2. logging.level: invalid log level",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "groups:\n  - name: \"\"\n    workers: 1\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !strings.Contains(err.Error(), "groups[0].name") {
		t.Errorf("Expected field in error, got %v", err)
	}
}
