package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cboxdk/prefork-manager/internal/config"
)

// stopAfter is a Checkpointer that cancels the job context once it has
// been reached n times.
type stopAfter struct {
	n      int
	calls  int
	cancel context.CancelFunc
}

func (s *stopAfter) Checkpoint(cleanup func()) {
	s.calls++
	if s.calls >= s.n {
		s.cancel()
	}
}

func newStopAfter(n int) (context.Context, *stopAfter) {
	ctx, cancel := context.WithCancel(context.Background())
	return ctx, &stopAfter{n: n, cancel: cancel}
}

func observedDeps() (Deps, *observer.ObservedLogs, *[]time.Duration) {
	core, logs := observer.New(zap.DebugLevel)
	var pauses []time.Duration
	return Deps{
		Logger: zap.New(core),
		PID:    4242,
		Sleep: func(ctx context.Context, d time.Duration) bool {
			pauses = append(pauses, d)
			return ctx.Err() == nil
		},
	}, logs, &pauses
}

func writeScript(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.lua")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build(config.GroupConfig{Name: "x", Job: config.JobConfig{Kind: "cron"}}, Deps{})
	if err == nil {
		t.Fatal("Expected error for unknown job kind")
	}
}

func TestHeartbeatRunsUntilCancelled(t *testing.T) {
	deps, logs, pauses := observedDeps()
	job, err := Build(config.GroupConfig{
		Name: "beat",
		Job: config.JobConfig{
			Kind:     config.JobKindHeartbeat,
			Interval: config.Duration(250 * time.Millisecond),
			Message:  "still here",
		},
	}, deps)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ctx, cp := newStopAfter(4)
	if err := job.Run(ctx, cp); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	beats := logs.FilterMessage("still here").All()
	if len(beats) != 3 {
		t.Fatalf("Expected 3 heartbeats, got %d", len(beats))
	}
	if beats[2].ContextMap()["beat"] != uint64(3) {
		t.Errorf("Expected third beat to be numbered 3, got %v", beats[2].ContextMap()["beat"])
	}
	if beats[0].ContextMap()["group"] != "beat" {
		t.Errorf("Expected group field, got %v", beats[0].ContextMap())
	}
	for _, p := range *pauses {
		if p != 250*time.Millisecond {
			t.Errorf("Expected 250ms pause, got %v", p)
		}
	}
}

func TestJobPauseJitter(t *testing.T) {
	j := &Job{interval: time.Second, jitter: 100 * time.Millisecond}
	for i := 0; i < 50; i++ {
		p := j.pause()
		if p < time.Second || p >= 1100*time.Millisecond {
			t.Fatalf("Pause %v out of range", p)
		}
	}
}

func TestSleepContext(t *testing.T) {
	if !sleepContext(context.Background(), time.Millisecond) {
		t.Error("Expected sleep to complete")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepContext(ctx, time.Hour) {
		t.Error("Expected cancelled sleep to report false")
	}
	if sleepContext(ctx, 0) {
		t.Error("Expected zero sleep on cancelled context to report false")
	}
}

func TestLuaJobFinishes(t *testing.T) {
	script := writeScript(t, `
function work(n)
  prefork.log("tick " .. n .. " in " .. prefork.group)
  if n >= 3 then
    return false
  end
end
`)
	deps, logs, _ := observedDeps()
	job, err := Build(config.GroupConfig{
		Name: "lua",
		Job:  config.JobConfig{Kind: config.JobKindLua, Script: script},
	}, deps)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ctx, cp := newStopAfter(100)
	if err := job.Run(ctx, cp); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if cp.calls != 3 {
		t.Errorf("Expected 3 checkpoints, got %d", cp.calls)
	}
	if logs.FilterMessage("tick 3 in lua").Len() != 1 {
		t.Errorf("Expected log from lua script, got %v", logs.All())
	}
}

func TestLuaJobGivesUpAfterFailures(t *testing.T) {
	script := writeScript(t, `function work(n) error("boom") end`)
	deps, logs, _ := observedDeps()
	job, err := Build(config.GroupConfig{
		Name: "lua",
		Job:  config.JobConfig{Kind: config.JobKindLua, Script: script},
	}, deps)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ctx, cp := newStopAfter(100)
	if err := job.Run(ctx, cp); err == nil {
		t.Fatal("Expected job to fail")
	}
	if got := logs.FilterMessage("Job unit failed").Len(); got != MaxConsecutiveFailures {
		t.Errorf("Expected %d failures logged, got %d", MaxConsecutiveFailures, got)
	}
}

func TestLuaJobLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax error", "function work("},
		{"no work function", "x = 1"},
		{"work is not a function", "work = 5"},
		{"os library is not available", "os.exit(1)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(config.GroupConfig{
				Name: "lua",
				Job:  config.JobConfig{Kind: config.JobKindLua, Script: writeScript(t, tt.source)},
			}, Deps{})
			if err == nil {
				t.Error("Expected load error")
			}
		})
	}
}

func TestLuaJobMissingScript(t *testing.T) {
	_, err := Build(config.GroupConfig{
		Name: "lua",
		Job:  config.JobConfig{Kind: config.JobKindLua, Script: "/nonexistent/job.lua"},
	}, Deps{})
	if err == nil {
		t.Error("Expected error for missing script")
	}
}
