package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventTypeWorkerLifecycle EventType = "worker_lifecycle"
	EventTypeSpawnFailure    EventType = "spawn_failure"
	EventTypeSignalFailure   EventType = "signal_failure"
	EventTypeStageChange     EventType = "stage_change"
	EventTypeMasterLifecycle EventType = "master_lifecycle"
	EventTypeConfiguration   EventType = "configuration"
)

// ParseEventType validates s as an event type. The empty string is
// accepted and means "any".
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case "", EventTypeWorkerLifecycle, EventTypeSpawnFailure, EventTypeSignalFailure,
		EventTypeStageChange, EventTypeMasterLifecycle, EventTypeConfiguration:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Event represents a structured lifecycle event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Group         string                 `json:"group,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// WorkerEventDetails describes a worker spawn or exit
type WorkerEventDetails struct {
	Action string `json:"action"` // "spawn", "exit"
	PID    int    `json:"pid"`
}

// FailureEventDetails describes a failed spawn or signal delivery
type FailureEventDetails struct {
	PID   int    `json:"pid,omitempty"`
	Error string `json:"error"`
}

// StageEventDetails describes a master stage transition
type StageEventDetails struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger,omitempty"` // tag that caused the transition
}

// MasterEventDetails describes a master start or re-exec
type MasterEventDetails struct {
	Action  string   `json:"action"` // "start", "reexec", "stop"
	PID     int      `json:"pid"`
	Workers int      `json:"workers,omitempty"`
	Path    string   `json:"path,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// ConfigurationEventDetails represents details for configuration events
type ConfigurationEventDetails struct {
	Action   string   `json:"action"` // "changed", "rejected"
	Errors   []string `json:"errors,omitempty"`
	FilePath string   `json:"file_path,omitempty"`
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter represents filters for querying events
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Group     string
	Type      EventType
	Severity  EventSeverity
	Limit     int
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
	now     func() time.Time
}

// NewEventEmitter creates a new event emitter. storage may be nil.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
		now:     time.Now,
	}
}

// WorkerEvent builds a worker spawn or exit event
func (e *EventEmitter) WorkerEvent(group string, details WorkerEventDetails) Event {
	return e.newEvent(EventTypeWorkerLifecycle, group, SeverityInfo,
		fmt.Sprintf("Worker %d %s", details.PID, pastTense(details.Action)), details)
}

// SpawnFailureEvent builds a spawn failure event
func (e *EventEmitter) SpawnFailureEvent(group string, details FailureEventDetails) Event {
	return e.newEvent(EventTypeSpawnFailure, group, SeverityCritical,
		fmt.Sprintf("Failed to spawn worker: %s", details.Error), details)
}

// SignalFailureEvent builds a failed signal delivery event
func (e *EventEmitter) SignalFailureEvent(group string, details FailureEventDetails) Event {
	return e.newEvent(EventTypeSignalFailure, group, SeverityWarning,
		fmt.Sprintf("Failed to signal worker %d: %s", details.PID, details.Error), details)
}

// StageEvent builds a stage transition event
func (e *EventEmitter) StageEvent(details StageEventDetails) Event {
	return e.newEvent(EventTypeStageChange, "", SeverityInfo,
		fmt.Sprintf("Master stage changed from %s to %s", details.From, details.To), details)
}

// MasterEvent builds a master lifecycle event
func (e *EventEmitter) MasterEvent(details MasterEventDetails) Event {
	summary := fmt.Sprintf("Master %s", details.Action)
	switch details.Action {
	case "start":
		summary = fmt.Sprintf("Master started (PID: %d, workers: %d)", details.PID, details.Workers)
	case "reexec":
		summary = fmt.Sprintf("Master re-executing %s", details.Path)
	case "stop":
		summary = "Master stopped"
	}
	return e.newEvent(EventTypeMasterLifecycle, "", SeverityInfo, summary, details)
}

// ConfigurationEvent builds a configuration change event
func (e *EventEmitter) ConfigurationEvent(details ConfigurationEventDetails) Event {
	severity := SeverityInfo
	summary := fmt.Sprintf("Configuration %s", details.Action)
	if len(details.Errors) > 0 {
		severity = SeverityError
		summary = fmt.Sprintf("Configuration %s: %d errors", details.Action, len(details.Errors))
	}
	return e.newEvent(EventTypeConfiguration, "", severity, summary, details)
}

func (e *EventEmitter) newEvent(typ EventType, group string, severity EventSeverity, summary string, details interface{}) Event {
	return Event{
		ID:        generateEventID(),
		Type:      typ,
		Timestamp: e.now(),
		Group:     group,
		Summary:   summary,
		Details:   structToMap(details),
		Severity:  severity,
	}
}

// Emit records event with telemetry and storage
func (e *EventEmitter) Emit(ctx context.Context, event Event) error {
	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service != nil && e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, TraceEventEmit,
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String("event.group", event.Group),
				attribute.String("event.severity", string(event.Severity)),
				attribute.String("event.summary", event.Summary),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			return err
		}
	}

	e.logger.Debug("Event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("group", event.Group),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)))

	return nil
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}

	return e.storage.GetEvents(ctx, filter)
}

func pastTense(action string) string {
	switch action {
	case "spawn":
		return "spawned"
	case "exit":
		return "exited"
	default:
		return action
	}
}

func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}

	return result
}
