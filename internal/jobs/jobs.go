// Package jobs builds the task bodies that worker groups run. Every job is
// a loop of units separated by a pause, with a checkpoint before each unit.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/resilience"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
	"github.com/cboxdk/prefork-manager/internal/worker"
)

// ErrDone is returned by a unit that has no more work. The job then
// finishes cleanly.
var ErrDone = errors.New("job done")

// MaxConsecutiveFailures is the number of failing units in a row after
// which a job gives up and its worker exits with an error.
const MaxConsecutiveFailures = 10

// Deps are the process-level dependencies handed to every job.
type Deps struct {
	Logger *zap.Logger
	Tracer *telemetry.TraceHelper
	PID    int

	// Sleep pauses between units. It returns false when ctx ended first.
	Sleep func(ctx context.Context, d time.Duration) bool
}

type unitFunc func(ctx context.Context) error

// Job runs one unit of work per iteration until ctx ends, a unit reports
// ErrDone or too many units fail.
type Job struct {
	group    string
	kind     string
	interval time.Duration
	jitter   time.Duration
	deps     Deps
	logger   *zap.Logger

	unit      unitFunc
	closer    func()
	closeOnce sync.Once
}

var _ worker.Job = (*Job)(nil)

// Build returns the job configured for g.
func Build(g config.GroupConfig, deps Deps) (*Job, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewTraceHelper(config.DefaultServiceName)
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}

	j := &Job{
		group:    g.Name,
		kind:     g.Job.Kind,
		interval: g.Job.Interval.Std(),
		jitter:   g.Job.Jitter.Std(),
		deps:     deps,
		logger: deps.Logger.With(
			zap.String("group", g.Name),
			zap.String("job", g.Job.Kind)),
		closer: func() {},
	}

	switch g.Job.Kind {
	case config.JobKindHeartbeat:
		j.unit = newHeartbeat(g.Job.Message, j.logger).run
	case config.JobKindLua:
		lj, err := newLuaJob(g.Job.Script, g.Name, deps.PID, j.logger)
		if err != nil {
			return nil, err
		}
		j.unit = lj.run
		j.closer = lj.close
	case config.JobKindFastCGI:
		fj, err := newFastCGIJob(g.Job, deps.Tracer, j.logger)
		if err != nil {
			return nil, err
		}
		j.unit = fj.run
	default:
		return nil, fmt.Errorf("unknown job kind %q", g.Job.Kind)
	}

	return j, nil
}

// Run implements worker.Job.
func (j *Job) Run(ctx context.Context, cp worker.Checkpointer) error {
	defer j.close()

	failures := 0
	for iteration := uint64(1); ; iteration++ {
		cp.Checkpoint(j.close)
		if ctx.Err() != nil {
			return nil
		}

		err := j.deps.Tracer.TraceJobFunc(ctx, j.group, j.kind, j.deps.PID, j.unit)
		switch {
		case errors.Is(err, ErrDone):
			j.logger.Info("Job has no more work", zap.Uint64("iterations", iteration))
			return nil
		case errors.Is(err, resilience.ErrCircuitOpen):
			// Rejected without contacting the endpoint.
			j.logger.Debug("Job unit skipped", zap.Error(err))
		case err != nil:
			failures++
			j.logger.Warn("Job unit failed",
				zap.Uint64("iteration", iteration),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			if failures >= MaxConsecutiveFailures {
				return fmt.Errorf("%d consecutive failures: %w", failures, err)
			}
		default:
			failures = 0
		}

		if !j.deps.Sleep(ctx, j.pause()) {
			return nil
		}
	}
}

func (j *Job) close() {
	j.closeOnce.Do(j.closer)
}

func (j *Job) pause() time.Duration {
	if j.jitter <= 0 {
		return j.interval
	}
	return j.interval + rand.N(j.jitter)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
