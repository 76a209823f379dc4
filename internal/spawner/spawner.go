// Package spawner creates worker processes as copies of the running program.
//
// A Go program cannot fork its own runtime, so ExecSpawner re-invokes the
// same executable with the same arguments and marks the new process as a
// worker through its environment. The parent observes RunningAsParent or
// SpawnFailed; the child observes RunningAsChild when it calls CurrentRole
// at startup. Master and worker share no memory after the spawn.
package spawner

import (
	"fmt"
	"os"
)

// Kind is the tri-state result of a spawn attempt.
type Kind int

const (
	RunningAsParent Kind = iota
	RunningAsChild
	SpawnFailed
)

// String returns a human-readable name for the outcome kind.
func (k Kind) String() string {
	switch k {
	case RunningAsParent:
		return "parent"
	case RunningAsChild:
		return "child"
	case SpawnFailed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is produced once per spawn attempt and consumed immediately.
// PID is set for RunningAsParent (0 when no worker was spawned), Err for
// SpawnFailed.
type Outcome struct {
	Kind Kind
	PID  int
	Err  error
}

// Parent returns a RunningAsParent outcome for pid.
func Parent(pid int) Outcome { return Outcome{Kind: RunningAsParent, PID: pid} }

// Child returns a RunningAsChild outcome.
func Child() Outcome { return Outcome{Kind: RunningAsChild} }

// Failed returns a SpawnFailed outcome carrying the OS cause.
func Failed(err error) Outcome { return Outcome{Kind: SpawnFailed, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case RunningAsParent:
		return fmt.Sprintf("parent(pid=%d)", o.PID)
	case SpawnFailed:
		return fmt.Sprintf("failed(%v)", o.Err)
	default:
		return o.Kind.String()
	}
}

// Spawner duplicates the calling program into one new worker for group.
// Implementations make exactly one attempt; retry policy belongs to the
// caller.
type Spawner interface {
	Spawn(group string, masterPID int) Outcome
}

// ExecSpawner starts workers by re-invoking an executable.
type ExecSpawner struct {
	Path   string
	Argv0  string
	Args   []string
	Env    []string
	Dir    string
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// NewExecSpawner returns a spawner that re-invokes the current executable
// with the current arguments and environment.
func NewExecSpawner() (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}

	argv0 := path
	var args []string
	if len(os.Args) > 0 {
		argv0 = os.Args[0]
		args = append(args, os.Args[1:]...)
	}

	return &ExecSpawner{
		Path:   path,
		Argv0:  argv0,
		Args:   args,
		Env:    os.Environ(),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// Spawn starts one worker process and releases the parent's handle on it;
// the supervisor reaps it with a non-blocking wait.
func (s *ExecSpawner) Spawn(group string, masterPID int) Outcome {
	argv0 := s.Argv0
	if argv0 == "" {
		argv0 = s.Path
	}
	argv := append([]string{argv0}, s.Args...)

	proc, err := os.StartProcess(s.Path, argv, &os.ProcAttr{
		Dir:   s.Dir,
		Env:   WorkerEnv(s.Env, group, masterPID),
		Files: []*os.File{s.Stdin, s.Stdout, s.Stderr},
	})
	if err != nil {
		return Failed(err)
	}

	pid := proc.Pid
	// Release only drops the handle; the worker is already running and must
	// be tracked regardless.
	_ = proc.Release()
	return Parent(pid)
}
