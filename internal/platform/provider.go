package platform

import (
	"fmt"
	"runtime"
)

// DefaultProbe returns the preferred probe for the current runtime.
func DefaultProbe() ProcessProbe {
	probe, err := NewProbe(ProbeAuto)
	if err != nil {
		return NewSignalProbe()
	}
	return probe
}

// NewProbe creates a probe of the given kind. "auto" prefers the procfs
// probe on Linux, which can tell zombies apart from running processes, and
// falls back to signal probing elsewhere.
func NewProbe(kind string) (ProcessProbe, error) {
	switch kind {
	case "", ProbeAuto:
		if runtime.GOOS == "linux" && procFSAvailable() {
			return NewProcFSProbe("/proc"), nil
		}
		return NewSignalProbe(), nil
	case ProbeSignal:
		return NewSignalProbe(), nil
	case ProbeProcFS:
		if !procFSAvailable() {
			return nil, &PlatformError{
				Platform:  runtime.GOOS,
				Operation: "procfs probe",
				Err:       ErrNotSupported,
				Code:      ErrorCodeNotSupported,
			}
		}
		return NewProcFSProbe("/proc"), nil
	default:
		return nil, fmt.Errorf("unknown process probe %q", kind)
	}
}
