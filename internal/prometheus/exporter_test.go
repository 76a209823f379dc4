package prometheus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Enabled:     true,
		BindAddress: "127.0.0.1:0",
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		RateLimit:   config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
	}
}

func newTestExporter(t *testing.T, cfg config.ServerConfig) *Exporter {
	t.Helper()
	e, err := NewExporter(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	return e
}

func testStatus(stage group.Stage) supervisor.Status {
	return supervisor.Status{
		PID:   100,
		Stage: stage,
		Alive: 3,
		Ticks: 7,
		Groups: []supervisor.GroupStatus{
			{Name: "web", Stage: stage, Desired: 2, Size: 2, PIDs: []int{101, 102}},
			{Name: "mail", Stage: stage, Desired: 1, Size: 1, PIDs: []int{103}},
		},
	}
}

func TestObserverUpdatesMetrics(t *testing.T) {
	e := newTestExporter(t, testServerConfig())

	e.Started(testStatus(group.Normal))
	e.WorkerSpawned("web", 101)
	e.WorkerSpawned("web", 102)
	e.WorkerReaped("web", 101)
	e.SpawnFailed("mail", errors.New("EAGAIN"))
	e.SignalFailed("mail", 103, errors.New("ESRCH"))
	e.TagReceived(signalbridge.TagChildExited)
	e.TagReceived(signalbridge.TagQuit)
	e.StageChanged(group.Normal, group.Quitting)
	e.Reexec("/bin/true", nil)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"workers web", testutil.ToFloat64(e.workers.WithLabelValues("web")), 2},
		{"desired mail", testutil.ToFloat64(e.desired.WithLabelValues("mail")), 1},
		{"spawns web", testutil.ToFloat64(e.spawns.WithLabelValues("web")), 2},
		{"exits web", testutil.ToFloat64(e.exits.WithLabelValues("web")), 1},
		{"exits mail", testutil.ToFloat64(e.exits.WithLabelValues("mail")), 0},
		{"spawn failures mail", testutil.ToFloat64(e.spawnFailures.WithLabelValues("mail")), 1},
		{"signal failures mail", testutil.ToFloat64(e.signalFailures.WithLabelValues("mail")), 1},
		{"quit tags", testutil.ToFloat64(e.tags.WithLabelValues("quit")), 1},
		{"stage normal", testutil.ToFloat64(e.stage.WithLabelValues("normal")), 0},
		{"stage quit", testutil.ToFloat64(e.stage.WithLabelValues("quit")), 1},
		{"reexecs", testutil.ToFloat64(e.reexecs), 1},
		{"ticks", testutil.ToFloat64(e.ticks), 7},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestExporter(t, testServerConfig())
	e.Started(testStatus(group.Normal))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`prefork_workers{group="web"} 2`,
		`prefork_master_stage{stage="normal"} 1`,
		`prefork_worker_spawns_total{group="mail"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		stage      group.Stage
		wantStatus string
		wantCode   int
	}{
		{group.Normal, config.HealthStateHealthy, http.StatusOK},
		{group.Quitting, config.HealthStateStopping, http.StatusServiceUnavailable},
		{group.Restarting, config.HealthStateRestarting, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.stage.String(), func(t *testing.T) {
			e := newTestExporter(t, testServerConfig())
			e.Started(testStatus(group.Normal))
			e.Tick(testStatus(tt.stage))

			rec := httptest.NewRecorder()
			e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.Stage != tt.stage.String() {
				t.Errorf("unexpected health %+v", resp)
			}
			if resp.PID != 100 || resp.Alive != 3 || len(resp.Groups) != 2 {
				t.Errorf("unexpected snapshot %+v", resp)
			}
			if len(resp.Groups[0].PIDs) != 2 {
				t.Errorf("unexpected pids %v", resp.Groups[0].PIDs)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	const key = "test-api-key-32-characters-minimum-length"

	tests := []struct {
		name           string
		apiKey         string
		header         string
		value          string
		expectedStatus int
	}{
		{"auth disabled", "", "", "", http.StatusOK},
		{"valid bearer token", key, "Authorization", "Bearer " + key, http.StatusOK},
		{"valid X-API-Key header", key, "X-API-Key", key, http.StatusOK},
		{"invalid key", key, "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", key, "Authorization", "Basic " + key, http.StatusUnauthorized},
		{"no key provided", key, "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testServerConfig()
			cfg.APIKey = tt.apiKey
			e := newTestExporter(t, cfg)

			req := httptest.NewRequest("GET", "/metrics", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			e.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.expectedStatus)
			}
			if tt.expectedStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIKey = "test-api-key-32-characters-minimum-length"
	e := newTestExporter(t, cfg)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	e := newTestExporter(t, cfg)
	h := e.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestRootHandler(t *testing.T) {
	e := newTestExporter(t, testServerConfig())
	h := e.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `href="/metrics"`) {
		t.Errorf("unexpected root response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMountRequiresAuth(t *testing.T) {
	cfg := testServerConfig()
	cfg.APIKey = "secret"
	e := newTestExporter(t, cfg)
	e.Mount("/api/v1/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h := e.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without key", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want mounted handler response", rec.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	e := newTestExporter(t, testServerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for e.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Addr() == nil {
		t.Fatal("exporter did not start listening")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", e.Addr()))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := e.Start(ctx); err == nil {
		t.Error("expected error starting twice")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	cfg := testServerConfig()
	cfg.BindAddress = ln.Addr().String()
	e := newTestExporter(t, cfg)
	if err := e.Start(context.Background()); err == nil {
		t.Error("expected bind error")
	}
}
