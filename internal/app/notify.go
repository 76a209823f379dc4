package app

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
)

// Notifier reports service state to the init system
type Notifier interface {
	Notify(state string) (bool, error)
}

// SystemdNotifier sends sd_notify messages. It is a no-op when the process
// was not started by systemd.
type SystemdNotifier struct{}

// Notify implements Notifier
func (SystemdNotifier) Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// notifyObserver maps master lifecycle changes to sd_notify states
type notifyObserver struct {
	supervisor.NopObserver
	notifier Notifier
	logger   *zap.Logger
}

func (o *notifyObserver) send(state string) {
	sent, err := o.notifier.Notify(state)
	if err != nil {
		o.logger.Warn("Failed to notify service manager", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		o.logger.Debug("Notified service manager", zap.String("state", state))
	}
}

func (o *notifyObserver) Started(status supervisor.Status) {
	o.send(fmt.Sprintf("%s\nSTATUS=supervising %d workers in %d groups",
		daemon.SdNotifyReady, status.Alive, len(status.Groups)))
}

func (o *notifyObserver) StageChanged(from, to group.Stage) {
	switch to {
	case group.Quitting:
		o.send(daemon.SdNotifyStopping)
	case group.Restarting:
		o.send(daemon.SdNotifyReloading)
	}
}
