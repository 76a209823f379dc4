// Package supervisor runs the master event loop: it owns the registered
// worker groups and the signal bridge, reaps exited workers, keeps pools at
// their desired size and drives the master through quit and restart.
//
// The loop is single-threaded. Signals only ever reach it as tag bytes read
// from the bridge, so every mutation of groups and stages happens
// synchronously on the loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
	"github.com/cboxdk/prefork-manager/internal/spawner"
	"github.com/cboxdk/prefork-manager/internal/worker"
)

var (
	ErrSpawnFailed    = errors.New("spawn failed")
	ErrUnknownGroup   = errors.New("unknown group")
	ErrDuplicateGroup = errors.New("duplicate group")
	ErrAlreadyRunning = errors.New("supervisor is already running")
)

// DefaultPollInterval is the sleep between two loop ticks.
const DefaultPollInterval = time.Second

// Bridge is the part of the signal bridge the loop depends on.
type Bridge interface {
	Install() error
	Drain() ([]signalbridge.Tag, error)
	Notify(tag signalbridge.Tag)
	Close() error
}

// ExecFunc replaces the current process image. On success it does not
// return.
type ExecFunc func(path string, argv []string, env []string) error

// Supervisor manages worker groups from the master process.
type Supervisor struct {
	logger   *zap.Logger
	observer Observer

	groups []*group.Group
	index  map[string]*group.Group

	bridge       Bridge
	spawner      spawner.Spawner
	wait         WaitFunc
	exec         ExecFunc
	kill         group.Killer
	quitSignal   unix.Signal
	pollInterval time.Duration
	sleep        func(time.Duration)
	role         *spawner.Role
	workerOpts   []worker.Option

	executable string
	argv       []string
	env        []string

	mu      sync.Mutex
	running bool

	// Loop state, touched only by the goroutine running Run.
	stage       group.Stage
	masterPID   int
	ticks       uint64
	bridgeOnce  sync.Once
	bridgeErr   error
	tickLogging rate.Sometimes
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBridge replaces the self-pipe signal bridge.
func WithBridge(b Bridge) Option {
	return func(s *Supervisor) { s.bridge = b }
}

// WithSpawner replaces the re-invoking spawner.
func WithSpawner(sp spawner.Spawner) Option {
	return func(s *Supervisor) { s.spawner = sp }
}

// WithWaiter replaces the non-blocking wait4 call.
func WithWaiter(w WaitFunc) Option {
	return func(s *Supervisor) { s.wait = w }
}

// WithExec replaces unix.Exec for restarts.
func WithExec(fn ExecFunc) Option {
	return func(s *Supervisor) { s.exec = fn }
}

// WithKiller replaces unix.Kill for signalling workers.
func WithKiller(k group.Killer) Option {
	return func(s *Supervisor) { s.kill = k }
}

// WithWorkerQuitSignal sets the signal groups send to their workers.
func WithWorkerQuitSignal(sig unix.Signal) Option {
	return func(s *Supervisor) { s.quitSignal = sig }
}

// WithPollInterval sets the sleep between ticks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithSleep replaces time.Sleep between ticks.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithRole fixes the role instead of reading it from the environment.
func WithRole(role spawner.Role) Option {
	return func(s *Supervisor) { s.role = &role }
}

// WithWorkerOptions configures the runtime of worker processes.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(s *Supervisor) { s.workerOpts = append(s.workerOpts, opts...) }
}

// WithExecutable sets the program re-executed on restart.
func WithExecutable(path string, argv, env []string) Option {
	return func(s *Supervisor) {
		s.executable = path
		s.argv = argv
		s.env = env
	}
}

// New creates a supervisor. Without options it spawns workers by
// re-invoking the running executable and restarts by re-executing it with
// the original arguments.
func New(logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Supervisor{
		logger:       logger,
		observer:     NopObserver{},
		index:        make(map[string]*group.Group),
		wait:         waitAny,
		exec:         unix.Exec,
		kill:         unix.Kill,
		quitSignal:   unix.SIGQUIT,
		pollInterval: DefaultPollInterval,
		sleep:        time.Sleep,
		stage:        group.Normal,
		tickLogging:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bridge == nil {
		s.bridge = signalbridge.New(signalbridge.DefaultConfig(), logger.Named("signals"))
	}
	if s.spawner == nil {
		sp, err := spawner.NewExecSpawner()
		if err != nil {
			return nil, fmt.Errorf("failed to create spawner: %w", err)
		}
		s.spawner = sp
	}
	if s.executable == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		s.executable = path
		s.argv = os.Args
		s.env = os.Environ()
	}

	return s, nil
}

// Register adds a group of desired workers running job. Groups start in
// registration order.
func (s *Supervisor) Register(name string, desired int, job worker.Job) (*group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrAlreadyRunning
	}
	if name == "" {
		return nil, fmt.Errorf("group name cannot be empty")
	}
	if _, exists := s.index[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateGroup, name)
	}

	g := group.New(name, desired, job, s.spawner,
		group.WithKiller(s.kill),
		group.WithQuitSignal(s.quitSignal),
		group.WithLogger(s.logger.Named("group")),
		group.WithObserver(s.observer))

	s.groups = append(s.groups, g)
	s.index[name] = g
	return g, nil
}

// Group returns the registered group called name.
func (s *Supervisor) Group(name string) (*group.Group, error) {
	g, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, name)
	}
	return g, nil
}

// Groups returns the registered groups in registration order.
func (s *Supervisor) Groups() []*group.Group {
	return append([]*group.Group(nil), s.groups...)
}

// Stage returns the master stage. Only meaningful on the loop goroutine or
// after Run returned.
func (s *Supervisor) Stage() group.Stage { return s.stage }

// Run executes the role of this process. As a master it starts every group
// and runs the loop until all workers are gone after a quit, or re-executes
// the program after a restart. As a worker it runs the group's job and does
// not return unless the worker exit function does.
//
// Cancelling ctx is equivalent to a quit signal.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	role, err := s.currentRole()
	if err != nil {
		return err
	}
	if role.IsWorker() {
		return s.runWorker(ctx, role)
	}

	s.masterPID = role.MasterPID
	for _, g := range s.groups {
		g.SetMasterPID(s.masterPID)
	}

	if err := s.bridge.Install(); err != nil {
		return fmt.Errorf("failed to install signal bridge: %w", err)
	}
	defer s.closeBridge()

	stop := make(chan struct{})
	defer close(stop)
	go s.watchContext(ctx, stop)

	s.logger.Info("Starting supervisor",
		zap.Int("master_pid", s.masterPID),
		zap.Int("groups", len(s.groups)))

	for _, g := range s.groups {
		out := g.Start()
		switch out.Kind {
		case spawner.RunningAsChild:
			return s.becomeWorker(ctx, g)
		case spawner.SpawnFailed:
			return fmt.Errorf("%w: group %q: %w", ErrSpawnFailed, g.Name(), out.Err)
		}
	}

	s.observer.Started(s.Status())
	return s.loop(ctx)
}

func (s *Supervisor) currentRole() (spawner.Role, error) {
	if s.role != nil {
		return *s.role, nil
	}
	role, err := spawner.CurrentRole()
	if err != nil {
		return spawner.Role{}, fmt.Errorf("failed to determine process role: %w", err)
	}
	return role, nil
}

// watchContext turns cancellation into a quit tag so the loop handles it
// like any other quit request.
func (s *Supervisor) watchContext(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
		s.logger.Info("Context cancelled, requesting quit")
		s.bridge.Notify(signalbridge.TagQuit)
	case <-stop:
	}
}

func (s *Supervisor) loop(ctx context.Context) error {
	for {
		done, err := s.tick(ctx)
		if done || err != nil {
			return err
		}
		s.sleep(s.pollInterval)
	}
}

// tick runs one pass of the loop. It reports whether the loop is over.
func (s *Supervisor) tick(ctx context.Context) (bool, error) {
	s.ticks++

	tags, err := s.bridge.Drain()
	if err != nil {
		return true, fmt.Errorf("failed to drain signal bridge: %w", err)
	}

	for _, tag := range tags {
		s.observer.TagReceived(tag)
		switch tag {
		case signalbridge.TagChildExited:
			s.reapAll()
		case signalbridge.TagQuit:
			s.transition(group.Quitting)
		case signalbridge.TagRestart:
			s.transition(group.Restarting)
		}
	}

	status := s.Status()
	s.observer.Tick(status)
	s.tickLogging.Do(func() {
		s.logger.Debug("Supervisor tick",
			zap.String("stage", s.stage.String()),
			zap.Int("alive", status.Alive))
	})

	if status.Alive == 0 {
		switch s.stage {
		case group.Quitting:
			s.logger.Info("All workers exited, supervisor stopping")
			return true, nil
		case group.Restarting:
			return true, s.reexec()
		}
	}

	if s.stage == group.Normal {
		for _, g := range s.groups {
			out := g.Reconcile()
			switch out.Kind {
			case spawner.RunningAsChild:
				return true, s.becomeWorker(ctx, g)
			case spawner.SpawnFailed:
				return true, fmt.Errorf("%w: group %q: %w", ErrSpawnFailed, g.Name(), out.Err)
			}
		}
	}

	return false, nil
}

// transition leaves the normal stage. Later requests are ignored.
func (s *Supervisor) transition(to group.Stage) {
	if s.stage != group.Normal {
		s.logger.Debug("Ignoring stage request",
			zap.String("stage", s.stage.String()),
			zap.String("requested", to.String()))
		return
	}

	from := s.stage
	s.stage = to
	s.logger.Info("Master stage changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	s.observer.StageChanged(from, to)

	for _, g := range s.groups {
		if to == group.Restarting {
			g.RequestRestart()
		} else {
			g.RequestQuit()
		}
	}
}

// reexec replaces the master with a fresh invocation of the program.
func (s *Supervisor) reexec() error {
	s.logger.Info("All workers exited, re-executing master",
		zap.String("path", s.executable),
		zap.Strings("argv", s.argv))
	s.observer.Reexec(s.executable, s.argv)

	if err := s.exec(s.executable, s.argv, spawner.MasterEnv(s.env)); err != nil {
		return fmt.Errorf("failed to re-execute %s: %w", s.executable, err)
	}
	return nil
}

// becomeWorker drops master-only state and runs g's job in this process.
func (s *Supervisor) becomeWorker(ctx context.Context, g *group.Group) error {
	if err := s.closeBridge(); err != nil {
		s.logger.Warn("Failed to close signal bridge", zap.Error(err))
	}
	return s.runWorker(ctx, spawner.WorkerRole(g.Name(), s.masterPID))
}

func (s *Supervisor) runWorker(ctx context.Context, role spawner.Role) error {
	g, ok := s.index[role.Group]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, role.Group)
	}
	if g.Job() == nil {
		return fmt.Errorf("group %q has no job", role.Group)
	}

	opts := append([]worker.Option{worker.WithQuitSignals(s.quitSignal)}, s.workerOpts...)
	rt := worker.NewRuntime(role, s.logger.Named("worker"), opts...)
	rt.Run(ctx, g.Job())
	return nil
}

func (s *Supervisor) closeBridge() error {
	s.bridgeOnce.Do(func() {
		s.bridgeErr = s.bridge.Close()
	})
	return s.bridgeErr
}

// Status returns a snapshot of the master and its groups.
func (s *Supervisor) Status() Status {
	status := Status{
		PID:    s.masterPID,
		Stage:  s.stage,
		Ticks:  s.ticks,
		Groups: make([]GroupStatus, 0, len(s.groups)),
	}
	for _, g := range s.groups {
		size := g.Size()
		status.Alive += size
		status.Groups = append(status.Groups, GroupStatus{
			Name:    g.Name(),
			Stage:   g.Stage(),
			Desired: g.Desired(),
			Size:    size,
			PIDs:    g.PIDs(),
		})
	}
	return status
}
