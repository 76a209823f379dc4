package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProcFSProbe reads /proc/[pid]/stat. A process in state Z (zombie) or X
// (dead) is reported as not alive, so a master that exited but was not yet
// reaped by its own parent still counts as gone.
type ProcFSProbe struct {
	root string
}

// NewProcFSProbe returns a probe reading process state below root.
func NewProcFSProbe(root string) *ProcFSProbe {
	return &ProcFSProbe{root: root}
}

// IsAlive reports whether pid exists and is not a zombie.
func (p *ProcFSProbe) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	state, err := p.readState(pid)
	if err != nil {
		return false
	}
	return state != "Z" && state != "X" && state != "x"
}

// Name returns "procfs".
func (p *ProcFSProbe) Name() string { return ProbeProcFS }

// readState returns field 3 of /proc/[pid]/stat. The comm field can contain
// spaces and parentheses, so parsing starts after the last ')'.
func (p *ProcFSProbe) readState(pid int) (string, error) {
	content, err := os.ReadFile(filepath.Join(p.root, fmt.Sprint(pid), "stat"))
	if err != nil {
		return "", err
	}

	line := string(content)
	lastParen := strings.LastIndex(line, ")")
	if lastParen == -1 {
		return "", fmt.Errorf("invalid stat format")
	}

	fields := strings.Fields(line[lastParen+1:])
	if len(fields) == 0 {
		return "", fmt.Errorf("insufficient fields in stat")
	}
	return fields[0], nil
}

func procFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}
