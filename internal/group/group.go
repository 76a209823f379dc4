// Package group manages one named pool of worker processes: it keeps the
// pool at its desired size while the group is in its normal stage and
// drives every member through quit or restart afterwards.
//
// A Group is owned by the supervisor loop and is not safe for concurrent
// use.
package group

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cboxdk/prefork-manager/internal/spawner"
	"github.com/cboxdk/prefork-manager/internal/worker"
)

// Stage is the lifecycle stage of a group or of the master. Once a stage
// has left Normal it never returns to it.
type Stage int

const (
	Normal Stage = iota
	Quitting
	Restarting
)

func (s Stage) String() string {
	switch s {
	case Normal:
		return "normal"
	case Quitting:
		return "quit"
	case Restarting:
		return "restart"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Killer delivers sig to pid.
type Killer func(pid int, sig unix.Signal) error

// Observer is told about pool changes. Calls happen synchronously on the
// supervisor loop.
type Observer interface {
	WorkerSpawned(group string, pid int)
	SpawnFailed(group string, err error)
	WorkerReaped(group string, pid int)
	SignalFailed(group string, pid int, err error)
}

type nopObserver struct{}

func (nopObserver) WorkerSpawned(string, int)       {}
func (nopObserver) SpawnFailed(string, error)       {}
func (nopObserver) WorkerReaped(string, int)        {}
func (nopObserver) SignalFailed(string, int, error) {}

// Group is one named pool of workers running the same job.
type Group struct {
	name       string
	desired    int
	job        worker.Job
	spawner    spawner.Spawner
	kill       Killer
	quitSignal unix.Signal
	masterPID  int
	logger     *zap.Logger
	observer   Observer

	stage   Stage
	workers map[int]struct{}
}

// Option configures a Group.
type Option func(*Group)

// WithKiller replaces unix.Kill.
func WithKiller(kill Killer) Option {
	return func(g *Group) { g.kill = kill }
}

// WithQuitSignal sets the signal broadcast on quit and restart.
func WithQuitSignal(sig unix.Signal) Option {
	return func(g *Group) { g.quitSignal = sig }
}

// WithLogger sets the group logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Group) { g.logger = logger }
}

// WithObserver sets the observer notified of pool changes.
func WithObserver(o Observer) Option {
	return func(g *Group) { g.observer = o }
}

// New creates a group of desired workers. Negative sizes are treated as 0.
func New(name string, desired int, job worker.Job, sp spawner.Spawner, opts ...Option) *Group {
	g := &Group{
		name:       name,
		desired:    max(0, desired),
		job:        job,
		spawner:    sp,
		kill:       unix.Kill,
		quitSignal: unix.SIGQUIT,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
		workers:    make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("group", name))
	return g
}

// SetMasterPID records the master pid handed to every spawned worker.
func (g *Group) SetMasterPID(pid int) { g.masterPID = pid }

// SetObserver replaces the observer.
func (g *Group) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	g.observer = o
}

// Start spawns the desired number of workers.
func (g *Group) Start() spawner.Outcome {
	g.logger.Info("Starting group", zap.Int("workers", g.desired))
	return g.spawn(g.desired)
}

// Reconcile tops the pool back up to its desired size. It does nothing once
// the group has left the normal stage.
func (g *Group) Reconcile() spawner.Outcome {
	if g.stage != Normal {
		return spawner.Parent(0)
	}
	missing := g.desired - len(g.workers)
	if missing <= 0 {
		return spawner.Parent(0)
	}
	g.logger.Debug("Replenishing group", zap.Int("missing", missing))
	return g.spawn(missing)
}

// spawn makes n sequential attempts. It stops at the first outcome that is
// not RunningAsParent and returns it; otherwise it returns the last pid.
func (g *Group) spawn(n int) spawner.Outcome {
	last := 0
	for i := 0; i < n; i++ {
		out := g.spawner.Spawn(g.name, g.masterPID)
		switch out.Kind {
		case spawner.RunningAsParent:
			g.workers[out.PID] = struct{}{}
			last = out.PID
			g.logger.Info("Worker spawned", zap.Int("worker_pid", out.PID))
			g.observer.WorkerSpawned(g.name, out.PID)
		case spawner.RunningAsChild:
			return out
		default:
			g.logger.Error("Failed to spawn worker", zap.Error(out.Err))
			g.observer.SpawnFailed(g.name, out.Err)
			return out
		}
	}
	return spawner.Parent(last)
}

// RequestQuit moves the group to Quitting and signals every worker. It
// returns the number of workers the signal could not be delivered to.
// Calling it again, or after RequestRestart, does nothing.
func (g *Group) RequestQuit() int {
	return g.broadcast(Quitting)
}

// RequestRestart moves the group to Restarting and signals every worker with
// the same quit signal; workers restart by exiting.
func (g *Group) RequestRestart() int {
	return g.broadcast(Restarting)
}

func (g *Group) broadcast(stage Stage) int {
	if g.stage != Normal {
		return 0
	}
	g.stage = stage

	failed := 0
	for _, pid := range g.PIDs() {
		if err := g.kill(pid, g.quitSignal); err != nil {
			failed++
			g.logger.Warn("Failed to signal worker",
				zap.Int("worker_pid", pid),
				zap.String("signal", unix.SignalName(g.quitSignal)),
				zap.Error(err))
			g.observer.SignalFailed(g.name, pid, err)
		}
	}

	g.logger.Info("Group stage changed",
		zap.String("stage", stage.String()),
		zap.Int("workers", len(g.workers)),
		zap.Int("signal_failures", failed))
	return failed
}

// Reap forgets pid after its exit status has been consumed. It reports
// whether pid was a member.
func (g *Group) Reap(pid int) bool {
	if _, ok := g.workers[pid]; !ok {
		return false
	}
	delete(g.workers, pid)
	g.logger.Info("Worker reaped", zap.Int("worker_pid", pid))
	g.observer.WorkerReaped(g.name, pid)
	return true
}

// Size returns the number of tracked workers.
func (g *Group) Size() int { return len(g.workers) }

// Has reports whether pid is tracked by this group.
func (g *Group) Has(pid int) bool {
	_, ok := g.workers[pid]
	return ok
}

// PIDs returns the tracked pids in ascending order.
func (g *Group) PIDs() []int {
	pids := make([]int, 0, len(g.workers))
	for pid := range g.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (g *Group) Name() string { return g.name }

func (g *Group) Job() worker.Job { return g.job }

// Stage returns the group's current stage.
func (g *Group) Stage() Stage { return g.stage }

func (g *Group) Desired() int { return g.desired }

func (g *Group) MasterPID() int { return g.masterPID }

// SetDesired changes the target size. It takes effect at the next
// Reconcile.
func (g *Group) SetDesired(n int) { g.desired = max(0, n) }

func (g *Group) QuitSignal() unix.Signal { return g.quitSignal }
