// Package platform provides the operating system capabilities the supervisor
// needs beyond spawning: deciding whether a process still exists.
//
// Liveness is a poll against the OS, never a notification. Each probe
// implementation uses the most reliable mechanism available on its platform
// so callers can swap them without changing behavior.
package platform

import (
	"errors"
	"runtime"
)

// ProcessProbe answers whether a pid still names a live process.
type ProcessProbe interface {
	// IsAlive reports whether pid currently exists and has not exited.
	IsAlive(pid int) bool

	// Name identifies the probing mechanism for logs.
	Name() string
}

// ErrNotSupported is returned when a probe cannot run on this platform.
var ErrNotSupported = errors.New("not supported on this platform")

// PlatformError represents platform-specific errors
type PlatformError struct {
	Platform  string
	Operation string
	Err       error
	Code      ErrorCode
}

func (e *PlatformError) Error() string {
	return e.Platform + " " + e.Operation + ": " + e.Err.Error()
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// ErrorCode represents platform-specific error categories
type ErrorCode int

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeNotSupported
	ErrorCodePermissionDenied
	ErrorCodeResourceNotFound
)

// String returns the string representation of the error code
func (e ErrorCode) String() string {
	switch e {
	case ErrorCodeNotSupported:
		return "not_supported"
	case ErrorCodePermissionDenied:
		return "permission_denied"
	case ErrorCodeResourceNotFound:
		return "resource_not_found"
	default:
		return "unknown"
	}
}

// Probe kinds accepted by NewProbe.
const (
	ProbeSignal = "signal"
	ProbeProcFS = "procfs"
	ProbeAuto   = "auto"
)

// PlatformInfo contains detailed platform information
type PlatformInfo struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	NumCPU       int    `json:"num_cpu"`
	Version      string `json:"version"`
}

// DetectPlatform returns detailed platform information
func DetectPlatform() *PlatformInfo {
	return &PlatformInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		Version:      runtime.Version(),
	}
}
