// Package worker is the child-side counterpart of the supervisor. A worker
// process runs exactly one job and is interrupted only at the checkpoints
// the job calls between units of work.
package worker

import (
	"context"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/prefork-manager/internal/platform"
	"github.com/cboxdk/prefork-manager/internal/spawner"
)

// Checkpointer is the cooperative interruption point handed to jobs.
type Checkpointer interface {
	// Checkpoint returns when the worker should keep going. When the worker
	// was asked to quit, or its master is gone, it runs cleanup (if not nil)
	// and terminates the process instead of returning.
	Checkpoint(cleanup func())
}

// Job is the task body a group runs in each of its workers.
type Job interface {
	Run(ctx context.Context, cp Checkpointer) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, cp Checkpointer) error

// Run calls f(ctx, cp).
func (f JobFunc) Run(ctx context.Context, cp Checkpointer) error { return f(ctx, cp) }

// Exit codes used when the worker terminates.
const (
	ExitClean = 0
	ExitError = 1
)

// Runtime drives one worker process.
type Runtime struct {
	role        spawner.Role
	logger      *zap.Logger
	probe       platform.ProcessProbe
	parentPID   func() int
	exit        func(code int)
	quitSignals []os.Signal

	ctx      context.Context
	quit     chan os.Signal
	shutdown bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithProbe sets the probe used for orphan detection.
func WithProbe(probe platform.ProcessProbe) Option {
	return func(r *Runtime) { r.probe = probe }
}

// WithQuitSignals sets the signals that request a worker shutdown.
func WithQuitSignals(sigs ...os.Signal) Option {
	return func(r *Runtime) { r.quitSignals = sigs }
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) Option {
	return func(r *Runtime) { r.exit = exit }
}

// WithParentPID replaces os.Getppid. Pass nil to disable the parent check
// and rely on the probe alone.
func WithParentPID(fn func() int) Option {
	return func(r *Runtime) { r.parentPID = fn }
}

// NewRuntime creates the runtime for a worker role.
func NewRuntime(role spawner.Role, logger *zap.Logger, opts ...Option) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		role:        role,
		logger:      logger,
		probe:       platform.DefaultProbe(),
		parentPID:   os.Getppid,
		exit:        os.Exit,
		quitSignals: []os.Signal{unix.SIGQUIT},
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Install ignores child-exit notifications and starts catching the quit
// signals. Caught signals are only recorded; they are acted upon at the
// next checkpoint.
func (r *Runtime) Install() {
	signal.Ignore(unix.SIGCHLD)
	if r.quit == nil {
		r.quit = make(chan os.Signal, 1)
		signal.Notify(r.quit, r.quitSignals...)
	}
}

// Run installs the worker signal handling and runs job. When the job
// returns the worker exits, with ExitError if the job failed.
func (r *Runtime) Run(ctx context.Context, job Job) {
	r.Install()
	r.ctx = ctx

	r.logger.Info("Worker started",
		zap.String("group", r.role.Group),
		zap.Int("master_pid", r.role.MasterPID))

	err := job.Run(ctx, r)
	if err != nil {
		r.logger.Error("Worker job failed", zap.String("group", r.role.Group), zap.Error(err))
		r.exit(ExitError)
		return
	}

	r.logger.Info("Worker job finished", zap.String("group", r.role.Group))
	r.exit(ExitClean)
}

// Checkpoint implements Checkpointer.
func (r *Runtime) Checkpoint(cleanup func()) {
	reason := r.exitReason()
	if reason == "" {
		return
	}

	r.logger.Info("Worker exiting",
		zap.String("group", r.role.Group),
		zap.String("reason", reason))
	if cleanup != nil {
		cleanup()
	}
	r.exit(ExitClean)
}

// ShutdownRequested reports whether a quit signal has been caught so far.
func (r *Runtime) ShutdownRequested() bool {
	r.pollSignals()
	return r.shutdown
}

func (r *Runtime) exitReason() string {
	r.pollSignals()
	switch {
	case r.shutdown:
		return "quit requested"
	case r.ctx != nil && r.ctx.Err() != nil:
		return "context cancelled"
	case r.orphaned():
		return "master gone"
	default:
		return ""
	}
}

func (r *Runtime) pollSignals() {
	for {
		select {
		case sig := <-r.quit:
			r.logger.Debug("Quit signal received", zap.String("signal", sig.String()))
			r.shutdown = true
		default:
			return
		}
	}
}

func (r *Runtime) orphaned() bool {
	if r.parentPID != nil && r.parentPID() != r.role.MasterPID {
		return true
	}
	return !r.probe.IsAlive(r.role.MasterPID)
}
