package config

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseSignal resolves a signal name. "SIGQUIT", "QUIT" and "quit" are
// all accepted.
func ParseSignal(name string) (unix.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" {
		return 0, fmt.Errorf("signal name cannot be empty")
	}
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}
	sig := unix.SignalNum(n)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	switch sig {
	case unix.SIGKILL, unix.SIGSTOP, unix.SIGCHLD:
		return 0, fmt.Errorf("signal %s cannot be used here", n)
	}
	return sig, nil
}

// ParseSignals resolves every name in names.
func ParseSignals(names []string) ([]unix.Signal, error) {
	sigs := make([]unix.Signal, 0, len(names))
	for _, name := range names {
		sig, err := ParseSignal(name)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignalName returns the canonical name of sig, e.g. "SIGQUIT".
func SignalName(sig unix.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// SignalSet is the resolved signal configuration of the supervisor.
type SignalSet struct {
	Quit       []unix.Signal
	Restart    unix.Signal
	WorkerQuit unix.Signal
}

// Signals resolves the configured signal names.
func (c SupervisorConfig) Signals() (SignalSet, error) {
	var set SignalSet
	var err error
	if set.Quit, err = ParseSignals(c.QuitSignals); err != nil {
		return SignalSet{}, fmt.Errorf("quit_signals: %w", err)
	}
	if set.Restart, err = ParseSignal(c.RestartSignal); err != nil {
		return SignalSet{}, fmt.Errorf("restart_signal: %w", err)
	}
	if set.WorkerQuit, err = ParseSignal(c.WorkerQuitSignal); err != nil {
		return SignalSet{}, fmt.Errorf("worker_quit_signal: %w", err)
	}
	return set, nil
}
