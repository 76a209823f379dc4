package spawner

import (
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestMain turns the test binary into a worker when it is re-invoked by
// ExecSpawner, so spawns can be exercised against a real executable.
func TestMain(m *testing.M) {
	role, err := CurrentRole()
	if err == nil && role.IsWorker() {
		if role.Group == "fail" {
			os.Exit(3)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestRoleFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Role
		wantErr bool
	}{
		{
			name: "no markers is master",
			env:  map[string]string{},
			want: MasterRole(42),
		},
		{
			name: "worker",
			env:  map[string]string{EnvRole: "worker", EnvGroup: "mail", EnvMasterPID: "7"},
			want: WorkerRole("mail", 7),
		},
		{
			name:    "unknown role",
			env:     map[string]string{EnvRole: "boss"},
			wantErr: true,
		},
		{
			name:    "missing group",
			env:     map[string]string{EnvRole: "worker", EnvMasterPID: "7"},
			wantErr: true,
		},
		{
			name:    "bad master pid",
			env:     map[string]string{EnvRole: "worker", EnvGroup: "mail", EnvMasterPID: "x"},
			wantErr: true,
		},
		{
			name:    "zero master pid",
			env:     map[string]string{EnvRole: "worker", EnvGroup: "mail", EnvMasterPID: "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			}
			got, err := RoleFromEnv(lookup, 42)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoleFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("RoleFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkerEnvReplacesMarkers(t *testing.T) {
	env := []string{
		"PATH=/bin",
		EnvRole + "=worker",
		EnvGroup + "=old",
		EnvMasterPID + "=1",
	}

	got := WorkerEnv(env, "new", 99)

	count := map[string]int{}
	for _, kv := range got {
		key, _, _ := strings.Cut(kv, "=")
		count[key]++
	}
	for _, key := range []string{EnvRole, EnvGroup, EnvMasterPID, "PATH"} {
		if count[key] != 1 {
			t.Errorf("%s appears %d times in %v", key, count[key], got)
		}
	}
	if got[len(got)-2] != EnvGroup+"=new" || got[len(got)-1] != EnvMasterPID+"=99" {
		t.Errorf("unexpected worker markers: %v", got)
	}

	master := MasterEnv(got)
	if len(master) != 1 || master[0] != "PATH=/bin" {
		t.Errorf("MasterEnv() = %v, want only PATH", master)
	}
}

func TestOutcomeString(t *testing.T) {
	if got := Parent(12).String(); got != "parent(pid=12)" {
		t.Errorf("Parent(12).String() = %q", got)
	}
	if got := Child().String(); got != "child" {
		t.Errorf("Child().String() = %q", got)
	}
	if got := Failed(unix.EAGAIN).String(); !strings.HasPrefix(got, "failed(") {
		t.Errorf("Failed().String() = %q", got)
	}
}

func TestExecSpawnerStartsWorker(t *testing.T) {
	sp, err := NewExecSpawner()
	if err != nil {
		t.Skipf("cannot resolve test executable: %v", err)
	}

	tests := []struct {
		group    string
		wantCode int
	}{
		{"ok", 0},
		{"fail", 3},
	}

	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			out := sp.Spawn(tt.group, os.Getpid())
			if out.Kind != RunningAsParent {
				t.Fatalf("Spawn() = %v, want parent", out)
			}
			if out.PID <= 0 {
				t.Fatalf("Spawn() pid = %d", out.PID)
			}

			var status unix.WaitStatus
			deadline := time.Now().Add(10 * time.Second)
			for {
				pid, err := unix.Wait4(out.PID, &status, unix.WNOHANG, nil)
				if err == unix.EINTR {
					continue
				}
				if err != nil {
					t.Fatalf("Wait4() error = %v", err)
				}
				if pid == out.PID {
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("worker did not exit")
				}
				time.Sleep(10 * time.Millisecond)
			}

			if !status.Exited() || status.ExitStatus() != tt.wantCode {
				t.Errorf("worker exit status = %d, want %d", status.ExitStatus(), tt.wantCode)
			}
		})
	}
}

func TestExecSpawnerFailure(t *testing.T) {
	sp := &ExecSpawner{
		Path:   "/nonexistent/prefork-worker",
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	out := sp.Spawn("ok", os.Getpid())
	if out.Kind != SpawnFailed {
		t.Fatalf("Spawn() = %v, want failed", out)
	}
	if out.Err == nil {
		t.Error("SpawnFailed outcome must carry the OS error")
	}
}
