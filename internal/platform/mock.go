package platform

import "sync"

// MockProbe is a ProcessProbe for tests whose answers are set explicitly.
// Unknown pids are reported dead.
type MockProbe struct {
	mu    sync.RWMutex
	alive map[int]bool
	calls int
}

// NewMockProbe returns a probe reporting the given pids alive.
func NewMockProbe(alive ...int) *MockProbe {
	m := &MockProbe{alive: make(map[int]bool)}
	for _, pid := range alive {
		m.alive[pid] = true
	}
	return m
}

// SetAlive changes the reported liveness of pid.
func (m *MockProbe) SetAlive(pid int, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive[pid] = alive
}

// IsAlive returns the configured answer for pid.
func (m *MockProbe) IsAlive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.alive[pid]
}

// Calls returns how many times IsAlive was consulted.
func (m *MockProbe) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// Name returns "mock".
func (m *MockProbe) Name() string { return "mock" }
