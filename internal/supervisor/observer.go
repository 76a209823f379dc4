package supervisor

import (
	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/signalbridge"
)

// Status is a snapshot of the master taken on the loop.
type Status struct {
	PID    int
	Stage  group.Stage
	Alive  int
	Ticks  uint64
	Groups []GroupStatus
}

// GroupStatus describes one group inside a Status.
type GroupStatus struct {
	Name    string
	Stage   group.Stage
	Desired int
	Size    int
	PIDs    []int
}

// Observer receives lifecycle notifications. Every call is made
// synchronously from the supervisor loop, so implementations must not
// block.
type Observer interface {
	group.Observer

	Started(status Status)
	StageChanged(from, to group.Stage)
	TagReceived(tag signalbridge.Tag)
	Reexec(path string, argv []string)
	Tick(status Status)
}

// NopObserver ignores every notification. Embed it to implement only part
// of Observer.
type NopObserver struct{}

func (NopObserver) WorkerSpawned(string, int)             {}
func (NopObserver) SpawnFailed(string, error)             {}
func (NopObserver) WorkerReaped(string, int)              {}
func (NopObserver) SignalFailed(string, int, error)       {}
func (NopObserver) Started(Status)                        {}
func (NopObserver) StageChanged(group.Stage, group.Stage) {}
func (NopObserver) TagReceived(signalbridge.Tag)          {}
func (NopObserver) Reexec(string, []string)               {}
func (NopObserver) Tick(Status)                           {}

// Observers fans every notification out to each element in order.
type Observers []Observer

func (o Observers) WorkerSpawned(g string, pid int) {
	for _, obs := range o {
		obs.WorkerSpawned(g, pid)
	}
}

func (o Observers) SpawnFailed(g string, err error) {
	for _, obs := range o {
		obs.SpawnFailed(g, err)
	}
}

func (o Observers) WorkerReaped(g string, pid int) {
	for _, obs := range o {
		obs.WorkerReaped(g, pid)
	}
}

func (o Observers) SignalFailed(g string, pid int, err error) {
	for _, obs := range o {
		obs.SignalFailed(g, pid, err)
	}
}

func (o Observers) Started(status Status) {
	for _, obs := range o {
		obs.Started(status)
	}
}

func (o Observers) StageChanged(from, to group.Stage) {
	for _, obs := range o {
		obs.StageChanged(from, to)
	}
}

func (o Observers) TagReceived(tag signalbridge.Tag) {
	for _, obs := range o {
		obs.TagReceived(tag)
	}
}

func (o Observers) Reexec(path string, argv []string) {
	for _, obs := range o {
		obs.Reexec(path, argv)
	}
}

func (o Observers) Tick(status Status) {
	for _, obs := range o {
		obs.Tick(status)
	}
}
