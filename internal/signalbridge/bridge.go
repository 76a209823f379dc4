// Package signalbridge converts asynchronous OS signal delivery into an
// ordered stream of one-byte tags carried over a pipe (the self-pipe trick).
//
// The signal path does nothing but a single non-blocking write of the tag
// byte. All decoding and state changes happen later, synchronously, in
// whoever calls Drain.
package signalbridge

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Tag identifies the event a signal stands for. Values are non-zero so a
// tag byte can never be confused with an empty read.
type Tag byte

const (
	TagChildExited Tag = 'C'
	TagQuit        Tag = 'Q'
	TagRestart     Tag = '2'
)

// String returns the tag name used in logs and metric labels.
func (t Tag) String() string {
	switch t {
	case TagChildExited:
		return "child_exited"
	case TagQuit:
		return "quit"
	case TagRestart:
		return "restart"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	return t == TagChildExited || t == TagQuit || t == TagRestart
}

var (
	ErrNotInstalled     = errors.New("signal bridge not installed")
	ErrAlreadyInstalled = errors.New("signal bridge already installed")
)

// Config maps OS signals to tags.
type Config struct {
	ChildSignal   os.Signal
	QuitSignals   []os.Signal
	RestartSignal os.Signal
}

// DefaultConfig returns the master's default signal set: SIGCHLD, SIGQUIT
// (plus SIGTERM and SIGINT) and SIGUSR2.
func DefaultConfig() Config {
	return Config{
		ChildSignal:   unix.SIGCHLD,
		QuitSignals:   []os.Signal{unix.SIGQUIT, unix.SIGTERM, unix.SIGINT},
		RestartSignal: unix.SIGUSR2,
	}
}

// Bridge owns both ends of the pipe. It is installed once by the master and
// closed exactly once when the master role ends.
type Bridge struct {
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	installed bool
	closed    bool
	readFD    int
	writeFD   int

	tags    map[os.Signal]Tag
	signals chan os.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a bridge. Nothing is registered until Install.
func New(config Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		config:  config,
		logger:  logger,
		readFD:  -1,
		writeFD: -1,
	}
}

// Install creates the pipe and starts routing the configured signals into it.
func (b *Bridge) Install() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.installed {
		return ErrAlreadyInstalled
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return fmt.Errorf("failed to create signal pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return fmt.Errorf("failed to set signal pipe non-blocking: %w", err)
		}
	}
	b.readFD, b.writeFD = fds[0], fds[1]

	b.tags = make(map[os.Signal]Tag)
	if b.config.ChildSignal != nil {
		b.tags[b.config.ChildSignal] = TagChildExited
	}
	for _, sig := range b.config.QuitSignals {
		b.tags[sig] = TagQuit
	}
	if b.config.RestartSignal != nil {
		b.tags[b.config.RestartSignal] = TagRestart
	}

	watched := make([]os.Signal, 0, len(b.tags))
	for sig := range b.tags {
		watched = append(watched, sig)
	}

	b.signals = make(chan os.Signal, 16)
	b.done = make(chan struct{})
	signal.Notify(b.signals, watched...)

	b.wg.Add(1)
	go b.forward()

	b.installed = true
	b.logger.Debug("Signal bridge installed",
		zap.Int("read_fd", b.readFD),
		zap.Int("write_fd", b.writeFD),
		zap.Int("signals", len(watched)))
	return nil
}

// forward plays the role of the signal handler: one byte per signal, nothing
// else.
func (b *Bridge) forward() {
	defer b.wg.Done()
	for {
		select {
		case sig := <-b.signals:
			b.write(b.tags[sig])
		case <-b.done:
			return
		}
	}
}

// Notify writes tag into the pipe as if a signal had arrived. It is a no-op
// on a bridge that is not installed or already closed.
func (b *Bridge) Notify(tag Tag) {
	b.write(tag)
}

func (b *Bridge) write(tag Tag) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.installed || b.closed || tag == 0 {
		return
	}
	buf := [1]byte{byte(tag)}
	// A full pipe drops the byte. Repeated child exits are recovered by
	// reaping until empty and repeated quit/restart tags are idempotent.
	_, _ = unix.Write(b.writeFD, buf[:])
}

// Drain reads every pending tag without blocking, preserving order. It
// returns an empty slice when nothing is pending.
func (b *Bridge) Drain() ([]Tag, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.installed || b.closed {
		return nil, ErrNotInstalled
	}

	var tags []Tag
	var buf [64]byte
	for {
		n, err := unix.Read(b.readFD, buf[:])
		for i := 0; i < n; i++ {
			tag := Tag(buf[i])
			if !tag.Valid() {
				b.logger.Warn("Discarding unknown signal tag", zap.Uint8("byte", buf[i]))
				continue
			}
			tags = append(tags, tag)
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return tags, nil
		case err != nil:
			return tags, fmt.Errorf("failed to read signal pipe: %w", err)
		case n == 0:
			return tags, nil
		}
	}
}

// Close stops signal routing and closes both pipe descriptors. Calling it
// more than once, or before Install, is a no-op.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if !b.installed || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	signal.Stop(b.signals)
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()

	var errs []error
	if err := unix.Close(b.readFD); err != nil {
		errs = append(errs, fmt.Errorf("close read end: %w", err))
	}
	if err := unix.Close(b.writeFD); err != nil {
		errs = append(errs, fmt.Errorf("close write end: %w", err))
	}
	b.logger.Debug("Signal bridge closed")
	return errors.Join(errs...)
}
