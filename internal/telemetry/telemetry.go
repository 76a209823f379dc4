package telemetry

import (
	"context"
	"fmt"

	"github.com/cboxdk/prefork-manager/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service manages OpenTelemetry tracing
type Service struct {
	config   config.TelemetryConfig
	logger   *zap.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewService creates a new telemetry service
func NewService(cfg config.TelemetryConfig, logger *zap.Logger) (*Service, error) {
	if !cfg.Enabled {
		logger.Debug("Telemetry disabled")
		return &Service{
			config: cfg,
			logger: logger,
		}, nil
	}

	exporter, err := createExporter(cfg.Exporter)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	return newService(cfg, logger, exporter)
}

func newService(cfg config.TelemetryConfig, logger *zap.Logger, exporter trace.SpanExporter) (*Service, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.Sampling.Rate))),
	)

	otel.SetTracerProvider(provider)

	logger.Info("Telemetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
		zap.String("exporter", cfg.Exporter.Type),
		zap.Float64("sampling_rate", cfg.Sampling.Rate))

	return &Service{
		config:   cfg,
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

// createExporter creates the appropriate exporter based on configuration
func createExporter(cfg config.TelemetryExporterConfig) (trace.SpanExporter, error) {
	switch cfg.Type {
	case config.ExporterTypeStdout:
		return stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
	case config.ExporterTypeOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("OTLP endpoint is required")
		}

		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpointURL(cfg.Endpoint),
		}

		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}

		return otlptracehttp.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Type)
	}
}

// Flush exports every finished span. The master calls it right before it
// replaces its own image.
func (s *Service) Flush(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, config.DefaultShutdownTimeout)
	defer cancel()
	return s.provider.ForceFlush(ctx)
}

// Stop stops the telemetry service and flushes remaining spans
func (s *Service) Stop(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	s.logger.Info("Stopping telemetry service")

	shutdownCtx, cancel := context.WithTimeout(ctx, config.DefaultShutdownTimeout)
	defer cancel()

	if err := s.provider.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown telemetry provider", zap.Error(err))
		return err
	}

	s.logger.Info("Telemetry service stopped")
	return nil
}

// Tracer returns the OpenTelemetry tracer
func (s *Service) Tracer() oteltrace.Tracer {
	if s.tracer == nil {
		return otel.Tracer("noop")
	}
	return s.tracer
}

// IsEnabled returns true if telemetry is enabled
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}
