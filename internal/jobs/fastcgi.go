package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cboxdk/fcgx"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/resilience"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
)

// fastcgiJob issues one FastCGI GET per unit.
type fastcgiJob struct {
	endpoint string
	network  string
	address  string
	path     string
	field    string
	extra    map[string]string
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	tracer   *telemetry.TraceHelper
	logger   *zap.Logger
}

func newFastCGIJob(cfg config.JobConfig, tracer *telemetry.TraceHelper, logger *zap.Logger) (*fastcgiJob, error) {
	network, address, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = config.DefaultJobTimeout
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = config.DefaultBreakerThreshold
	}
	cooldown := cfg.BreakerCooldown.Std()
	if cooldown <= 0 {
		cooldown = config.DefaultBreakerCooldown
	}
	return &fastcgiJob{
		endpoint: cfg.Endpoint,
		network:  network,
		address:  address,
		path:     cfg.Path,
		field:    cfg.JSONField,
		extra:    cfg.Params,
		timeout:  timeout,
		breaker: resilience.NewCircuitBreaker(cfg.Endpoint, resilience.CircuitBreakerConfig{
			FailureThreshold: threshold,
			RecoveryTimeout:  cooldown,
		}, logger),
		tracer: tracer,
		logger: logger,
	}, nil
}

// parseEndpoint splits "unix:/path" and "host:port" endpoints.
func parseEndpoint(endpoint string) (network, address string, err error) {
	switch {
	case endpoint == "":
		return "", "", fmt.Errorf("empty fastcgi endpoint")
	case strings.HasPrefix(endpoint, "unix:"):
		address = strings.TrimPrefix(endpoint, "unix:")
		if address == "" {
			return "", "", fmt.Errorf("empty socket path in %q", endpoint)
		}
		return "unix", address, nil
	default:
		return "tcp", strings.TrimPrefix(endpoint, "tcp://"), nil
	}
}

func (j *fastcgiJob) params() map[string]string {
	script, query, _ := strings.Cut(j.path, "?")
	params := map[string]string{
		"REQUEST_METHOD":  "GET",
		"SCRIPT_NAME":     script,
		"SCRIPT_FILENAME": script,
		"REQUEST_URI":     j.path,
		"QUERY_STRING":    query,
		"SERVER_SOFTWARE": config.DefaultServiceName,
		"REMOTE_ADDR":     "127.0.0.1",
		"SERVER_NAME":     "localhost",
		"SERVER_PORT":     "80",
		"SERVER_PROTOCOL": "HTTP/1.1",
	}
	for k, v := range j.extra {
		params[k] = v
	}
	return params
}

func (j *fastcgiJob) run(ctx context.Context) error {
	return j.breaker.Execute(ctx, func(ctx context.Context) error {
		return j.tracer.TraceFastCGIRequestFunc(ctx, j.endpoint, j.request)
	})
}

func (j *fastcgiJob) request(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	client, err := fcgx.DialContext(ctx, j.network, j.address)
	if err != nil {
		return fmt.Errorf("failed to connect to FastCGI endpoint: %w", err)
	}
	defer client.Close()

	resp, err := client.Get(ctx, j.params())
	if err != nil {
		return fmt.Errorf("FastCGI request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := fcgx.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read FastCGI response: %w", err)
	}

	if j.field == "" {
		j.logger.Debug("FastCGI request completed", zap.Int("bytes", len(body)))
		return nil
	}

	if !gjson.ValidBytes(body) {
		return fmt.Errorf("FastCGI response is not JSON")
	}
	value := gjson.GetBytes(body, j.field)
	if !value.Exists() {
		return fmt.Errorf("field %q missing from FastCGI response", j.field)
	}
	j.logger.Info("FastCGI response",
		zap.String("field", j.field),
		zap.String("value", value.String()))
	return nil
}
