package supervisor

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// WaitFunc is one non-blocking wait for any child. It returns pid 0 when
// children exist but none has exited.
type WaitFunc func(status *unix.WaitStatus) (int, error)

func waitAny(status *unix.WaitStatus) (int, error) {
	return unix.Wait4(-1, status, unix.WNOHANG, nil)
}

// reapAll consumes every pending child exit. Several exits can arrive
// behind a single child-exit tag, so this keeps waiting until nothing is
// left.
func (s *Supervisor) reapAll() int {
	reaped := 0
	for {
		var status unix.WaitStatus
		pid, err := s.wait(&status)
		switch err {
		case nil:
			if pid <= 0 {
				return reaped
			}
			s.reap(pid, status)
			reaped++
		case unix.EINTR:
			continue
		case unix.ECHILD:
			return reaped
		default:
			s.logger.Warn("Failed to wait for children", zap.Error(err))
			return reaped
		}
	}
}

// reap hands pid to the group that owns it.
func (s *Supervisor) reap(pid int, status unix.WaitStatus) {
	fields := []zap.Field{zap.Int("worker_pid", pid)}
	switch {
	case status.Exited():
		fields = append(fields, zap.Int("exit_code", status.ExitStatus()))
	case status.Signaled():
		fields = append(fields, zap.String("signal", unix.SignalName(status.Signal())))
	}

	for _, g := range s.groups {
		if g.Reap(pid) {
			s.logger.Debug("Child exited", append(fields, zap.String("group", g.Name()))...)
			return
		}
	}
	s.logger.Debug("Reaped untracked child", fields...)
}
