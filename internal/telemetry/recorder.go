package telemetry

import (
	"context"
	"sync/atomic"

	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds the number of events waiting to be written.
const DefaultQueueSize = 1024

// Recorder turns supervisor notifications into lifecycle events. The
// supervisor loop only enqueues; Run writes them out on its own goroutine.
// When the queue is full new events are dropped and counted.
type Recorder struct {
	supervisor.NopObserver

	emitter *EventEmitter
	service *Service
	logger  *zap.Logger
	queue   chan Event
	dropped atomic.Uint64

	// Loop-goroutine state.
	lastTag signalbridge.Tag
}

// NewRecorder creates a recorder writing through emitter. service may be
// nil; when set it is flushed before a re-exec.
func NewRecorder(emitter *EventEmitter, service *Service, logger *zap.Logger, size int) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Recorder{
		emitter: emitter,
		service: service,
		logger:  logger,
		queue:   make(chan Event, size),
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued events until ctx is cancelled, then drains what is
// left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			r.Flush(context.Background())
			return nil
		}
	}
}

// Flush writes every queued event from the calling goroutine.
func (r *Recorder) Flush(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev Event) {
	// Emit already logs storage failures.
	_ = r.emitter.Emit(ctx, ev)
}

func (r *Recorder) enqueue(ev Event) {
	select {
	case r.queue <- ev:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("Event queue full, dropping lifecycle events")
		}
	}
}

func (r *Recorder) WorkerSpawned(g string, pid int) {
	r.enqueue(r.emitter.WorkerEvent(g, WorkerEventDetails{Action: "spawn", PID: pid}))
}

func (r *Recorder) WorkerReaped(g string, pid int) {
	r.enqueue(r.emitter.WorkerEvent(g, WorkerEventDetails{Action: "exit", PID: pid}))
}

func (r *Recorder) SpawnFailed(g string, err error) {
	r.enqueue(r.emitter.SpawnFailureEvent(g, FailureEventDetails{Error: err.Error()}))
}

func (r *Recorder) SignalFailed(g string, pid int, err error) {
	r.enqueue(r.emitter.SignalFailureEvent(g, FailureEventDetails{PID: pid, Error: err.Error()}))
}

func (r *Recorder) Started(status supervisor.Status) {
	r.enqueue(r.emitter.MasterEvent(MasterEventDetails{
		Action:  "start",
		PID:     status.PID,
		Workers: status.Alive,
	}))
}

func (r *Recorder) TagReceived(tag signalbridge.Tag) {
	r.lastTag = tag
}

func (r *Recorder) StageChanged(from, to group.Stage) {
	details := StageEventDetails{From: from.String(), To: to.String()}
	if r.lastTag != 0 {
		details.Trigger = r.lastTag.String()
	}
	r.enqueue(r.emitter.StageEvent(details))
}

// Reexec records the event and writes everything out synchronously, since
// the process image is about to be replaced.
func (r *Recorder) Reexec(path string, argv []string) {
	r.enqueue(r.emitter.MasterEvent(MasterEventDetails{
		Action: "reexec",
		Path:   path,
		Args:   argv,
	}))

	ctx := context.Background()
	r.Flush(ctx)
	if r.service != nil {
		if err := r.service.Flush(ctx); err != nil {
			r.logger.Warn("Failed to flush spans before re-exec", zap.Error(err))
		}
	}
}

// ConfigurationChanged records a configuration change. Safe to call from
// any goroutine.
func (r *Recorder) ConfigurationChanged(path string, errs []string) {
	action := "changed"
	if len(errs) > 0 {
		action = "rejected"
	}
	r.enqueue(r.emitter.ConfigurationEvent(ConfigurationEventDetails{
		Action:   action,
		Errors:   errs,
		FilePath: path,
	}))
}
