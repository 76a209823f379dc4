//go:build unix

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SignalProbe checks liveness by sending the null signal. EPERM means the
// process exists but belongs to someone else, so it counts as alive.
// Zombies are reported alive until reaped.
type SignalProbe struct{}

// NewSignalProbe returns a kill(pid, 0) based probe.
func NewSignalProbe() *SignalProbe { return &SignalProbe{} }

// IsAlive reports whether pid exists.
func (SignalProbe) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Name returns "signal".
func (SignalProbe) Name() string { return ProbeSignal }
