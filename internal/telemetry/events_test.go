package telemetry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// MockEventStorage implements EventStorage for testing
type MockEventStorage struct {
	mu           sync.Mutex
	storedEvents []Event
	storeError   error
	getError     error
}

func (m *MockEventStorage) StoreEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeError != nil {
		return m.storeError
	}
	m.storedEvents = append(m.storedEvents, event)
	return nil
}

func (m *MockEventStorage) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getError != nil {
		return nil, m.getError
	}

	var filtered []Event
	for _, event := range m.storedEvents {
		if filter.Group != "" && event.Group != filter.Group {
			continue
		}
		if filter.Type != "" && event.Type != filter.Type {
			continue
		}
		filtered = append(filtered, event)
	}
	return filtered, nil
}

func (m *MockEventStorage) events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.storedEvents...)
}

func TestEventBuilders(t *testing.T) {
	emitter := NewEventEmitter(nil, zaptest.NewLogger(t), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	emitter.now = func() time.Time { return fixed }

	tests := []struct {
		name     string
		event    Event
		typ      EventType
		severity EventSeverity
		group    string
		summary  string
	}{
		{
			name:     "worker spawn",
			event:    emitter.WorkerEvent("web", WorkerEventDetails{Action: "spawn", PID: 10}),
			typ:      EventTypeWorkerLifecycle,
			severity: SeverityInfo,
			group:    "web",
			summary:  "Worker 10 spawned",
		},
		{
			name:     "worker exit",
			event:    emitter.WorkerEvent("web", WorkerEventDetails{Action: "exit", PID: 10}),
			typ:      EventTypeWorkerLifecycle,
			severity: SeverityInfo,
			group:    "web",
			summary:  "Worker 10 exited",
		},
		{
			name:     "spawn failure",
			event:    emitter.SpawnFailureEvent("web", FailureEventDetails{Error: "EAGAIN"}),
			typ:      EventTypeSpawnFailure,
			severity: SeverityCritical,
			group:    "web",
			summary:  "Failed to spawn worker: EAGAIN",
		},
		{
			name:     "signal failure",
			event:    emitter.SignalFailureEvent("web", FailureEventDetails{PID: 7, Error: "ESRCH"}),
			typ:      EventTypeSignalFailure,
			severity: SeverityWarning,
			group:    "web",
			summary:  "Failed to signal worker 7: ESRCH",
		},
		{
			name:     "stage change",
			event:    emitter.StageEvent(StageEventDetails{From: "normal", To: "quit"}),
			typ:      EventTypeStageChange,
			severity: SeverityInfo,
			summary:  "Master stage changed from normal to quit",
		},
		{
			name:     "master start",
			event:    emitter.MasterEvent(MasterEventDetails{Action: "start", PID: 1, Workers: 4}),
			typ:      EventTypeMasterLifecycle,
			severity: SeverityInfo,
			summary:  "Master started (PID: 1, workers: 4)",
		},
		{
			name:     "rejected configuration",
			event:    emitter.ConfigurationEvent(ConfigurationEventDetails{Action: "rejected", Errors: []string{"a", "b"}}),
			typ:      EventTypeConfiguration,
			severity: SeverityError,
			summary:  "Configuration rejected: 2 errors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.event
			if ev.Type != tt.typ || ev.Severity != tt.severity || ev.Group != tt.group {
				t.Errorf("unexpected event %+v", ev)
			}
			if ev.Summary != tt.summary {
				t.Errorf("summary = %q, want %q", ev.Summary, tt.summary)
			}
			if !ev.Timestamp.Equal(fixed) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, fixed)
			}
			if !strings.HasPrefix(ev.ID, "evt_") {
				t.Errorf("unexpected ID %q", ev.ID)
			}
			if ev.Details == nil {
				t.Error("details not set")
			}
		})
	}
}

func TestEmitStoresEvent(t *testing.T) {
	storage := &MockEventStorage{}
	emitter := NewEventEmitter(nil, zaptest.NewLogger(t), storage)

	ev := emitter.WorkerEvent("web", WorkerEventDetails{Action: "spawn", PID: 10})
	if err := emitter.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	stored := storage.events()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(stored))
	}
	if stored[0].Details["pid"] != float64(10) || stored[0].Details["action"] != "spawn" {
		t.Errorf("unexpected details %v", stored[0].Details)
	}
}

func TestEmitStorageError(t *testing.T) {
	storage := &MockEventStorage{storeError: errors.New("disk full")}
	emitter := NewEventEmitter(nil, zaptest.NewLogger(t), storage)

	err := emitter.Emit(context.Background(), emitter.StageEvent(StageEventDetails{From: "normal", To: "quit"}))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEmitWithTracingSetsCorrelationID(t *testing.T) {
	service, exporter := newTestService(t)
	storage := &MockEventStorage{}
	emitter := NewEventEmitter(service, zaptest.NewLogger(t), storage)

	ctx, span := service.Tracer().Start(context.Background(), "parent")
	if err := emitter.Emit(ctx, emitter.StageEvent(StageEventDetails{From: "normal", To: "restart"})); err != nil {
		t.Fatal(err)
	}
	span.End()

	stored := storage.events()
	if len(stored) != 1 || stored[0].CorrelationID != span.SpanContext().TraceID().String() {
		t.Errorf("expected correlation ID from span, got %+v", stored)
	}

	if err := service.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(exporter.GetSpans()) != 2 {
		t.Errorf("expected parent and emit spans, got %d", len(exporter.GetSpans()))
	}
}

func TestGetEvents(t *testing.T) {
	emitter := NewEventEmitter(nil, zaptest.NewLogger(t), nil)
	if _, err := emitter.GetEvents(context.Background(), EventFilter{}); err == nil {
		t.Error("expected error without storage")
	}

	storage := &MockEventStorage{}
	emitter = NewEventEmitter(nil, zaptest.NewLogger(t), storage)
	ctx := context.Background()
	_ = emitter.Emit(ctx, emitter.WorkerEvent("a", WorkerEventDetails{Action: "spawn", PID: 1}))
	_ = emitter.Emit(ctx, emitter.WorkerEvent("b", WorkerEventDetails{Action: "spawn", PID: 2}))

	events, err := emitter.GetEvents(ctx, EventFilter{Group: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Group != "b" {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestParseEventType(t *testing.T) {
	for _, s := range []string{"", "worker_lifecycle", "stage_change", "configuration"} {
		if _, err := ParseEventType(s); err != nil {
			t.Errorf("ParseEventType(%q) error: %v", s, err)
		}
	}
	if _, err := ParseEventType("pool_scaling"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestGenerateEventID(t *testing.T) {
	a, b := generateEventID(), generateEventID()
	if a == b {
		t.Error("expected unique IDs")
	}
	if len(a) != len("evt_")+16 {
		t.Errorf("unexpected ID length %q", a)
	}
}
