package spawner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables carrying the worker role into a re-invoked process.
const (
	EnvRole      = "PREFORK_ROLE"
	EnvGroup     = "PREFORK_GROUP"
	EnvMasterPID = "PREFORK_MASTER_PID"

	roleWorker = "worker"
)

// RoleKind tells whether the current execution is the master or a worker.
type RoleKind int

const (
	RoleMaster RoleKind = iota
	RoleWorker
)

func (k RoleKind) String() string {
	if k == RoleWorker {
		return "worker"
	}
	return "master"
}

// Role is decided once at startup and passed explicitly to whatever runs
// next.
type Role struct {
	Kind      RoleKind
	Group     string
	MasterPID int
}

// MasterRole returns the role of a master whose pid is pid.
func MasterRole(pid int) Role {
	return Role{Kind: RoleMaster, MasterPID: pid}
}

// WorkerRole returns the role of a worker of group supervised by masterPID.
func WorkerRole(group string, masterPID int) Role {
	return Role{Kind: RoleWorker, Group: group, MasterPID: masterPID}
}

// IsWorker reports whether r is a worker role.
func (r Role) IsWorker() bool { return r.Kind == RoleWorker }

func (r Role) String() string {
	if r.IsWorker() {
		return fmt.Sprintf("worker(group=%s, master=%d)", r.Group, r.MasterPID)
	}
	return fmt.Sprintf("master(pid=%d)", r.MasterPID)
}

// CurrentRole decodes the role of this process from its environment. A
// process without worker markers is a master with its own pid.
func CurrentRole() (Role, error) {
	return RoleFromEnv(os.LookupEnv, os.Getpid())
}

// RoleFromEnv decodes a role using lookup; selfPID is used for the master
// role.
func RoleFromEnv(lookup func(string) (string, bool), selfPID int) (Role, error) {
	kind, ok := lookup(EnvRole)
	if !ok || kind == "" {
		return MasterRole(selfPID), nil
	}
	if kind != roleWorker {
		return Role{}, fmt.Errorf("invalid %s value %q", EnvRole, kind)
	}

	group, _ := lookup(EnvGroup)
	if group == "" {
		return Role{}, fmt.Errorf("%s is set but %s is empty", EnvRole, EnvGroup)
	}

	raw, _ := lookup(EnvMasterPID)
	masterPID, err := strconv.Atoi(raw)
	if err != nil || masterPID <= 0 {
		return Role{}, fmt.Errorf("invalid %s value %q", EnvMasterPID, raw)
	}

	return WorkerRole(group, masterPID), nil
}

// WorkerEnv returns env with any previous role markers replaced by a worker
// role for group.
func WorkerEnv(env []string, group string, masterPID int) []string {
	out := make([]string, 0, len(env)+3)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvRole+"=") ||
			strings.HasPrefix(kv, EnvGroup+"=") ||
			strings.HasPrefix(kv, EnvMasterPID+"=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out,
		EnvRole+"="+roleWorker,
		EnvGroup+"="+group,
		EnvMasterPID+"="+strconv.Itoa(masterPID),
	)
}

// MasterEnv strips worker role markers from env, used when the master
// re-executes itself.
func MasterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvRole+"=") ||
			strings.HasPrefix(kv, EnvGroup+"=") ||
			strings.HasPrefix(kv, EnvMasterPID+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
