package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/cboxdk/prefork-manager/internal/config"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestNewService(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name      string
		config    config.TelemetryConfig
		wantError bool
	}{
		{
			name:   "telemetry disabled",
			config: config.TelemetryConfig{Enabled: false},
		},
		{
			name: "telemetry enabled with stdout exporter",
			config: config.TelemetryConfig{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
				Environment:    "test",
				Exporter:       config.TelemetryExporterConfig{Type: config.ExporterTypeStdout},
				Sampling:       config.TelemetrySamplingConfig{Rate: 0.5},
			},
		},
		{
			name: "otlp exporter with endpoint",
			config: config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter: config.TelemetryExporterConfig{
					Type:     config.ExporterTypeOTLP,
					Endpoint: "http://127.0.0.1:4318",
					Headers:  map[string]string{"x-token": "abc"},
				},
				Sampling: config.TelemetrySamplingConfig{Rate: 1},
			},
		},
		{
			name: "otlp exporter without endpoint",
			config: config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    config.TelemetryExporterConfig{Type: config.ExporterTypeOTLP},
			},
			wantError: true,
		},
		{
			name: "unsupported exporter type",
			config: config.TelemetryConfig{
				Enabled:     true,
				ServiceName: "test-service",
				Exporter:    config.TelemetryExporterConfig{Type: "unsupported"},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewService(tt.config, logger)
			if tt.wantError {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if service.IsEnabled() != tt.config.Enabled {
				t.Errorf("IsEnabled() = %v, want %v", service.IsEnabled(), tt.config.Enabled)
			}
			if service.Tracer() == nil {
				t.Error("Tracer() returned nil")
			}
			if err := service.Stop(context.Background()); err != nil {
				t.Errorf("Stop() error: %v", err)
			}
		})
	}
}

func newTestService(t *testing.T) (*Service, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	service, err := newService(config.TelemetryConfig{
		Enabled:        true,
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		Sampling:       config.TelemetrySamplingConfig{Rate: 1},
	}, zaptest.NewLogger(t), exporter)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = service.Stop(context.Background()) })
	return service, exporter
}

func TestServiceFlushExportsSpans(t *testing.T) {
	service, exporter := newTestService(t)

	_, span := service.Tracer().Start(context.Background(), "unit")
	span.End()

	if err := service.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 1 {
		t.Fatalf("expected 1 exported span, got %d", got)
	}
}

func TestDisabledServiceFlushIsNoop(t *testing.T) {
	service, err := NewService(config.TelemetryConfig{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := service.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error: %v", err)
	}
}

func TestTraceJobFunc(t *testing.T) {
	service, exporter := newTestService(t)
	helper := service.GetTraceHelper()

	if err := helper.TraceJobFunc(context.Background(), "web", "heartbeat", 42, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	if err := helper.TraceFastCGIRequestFunc(context.Background(), "127.0.0.1:9000", func(context.Context) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := service.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != TraceJobRun || spans[1].Name != TraceFastCGI {
		t.Errorf("unexpected span names %q, %q", spans[0].Name, spans[1].Name)
	}
	if len(spans[1].Events) == 0 {
		t.Error("expected error event on failed span")
	}
}
