// Package api serves the master's JSON control API: a status snapshot,
// restart and quit requests, and queries against the event journal.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/group"
	"github.com/cboxdk/prefork-manager/internal/storage"
	"github.com/cboxdk/prefork-manager/internal/supervisor"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
)

// Prefix is the path every API route lives under.
const Prefix = "/api/v1/"

// Controller requests master transitions. Requests are asynchronous: they
// are delivered to the supervisor loop like any other signal.
type Controller interface {
	RequestRestart() error
	RequestQuit() error
}

// EventStorage is the read side of the event journal
type EventStorage interface {
	GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error)
	GetEventStats(ctx context.Context) (storage.EventStats, error)
}

// Server represents the API server. It observes the supervisor to keep
// the latest status snapshot.
type Server struct {
	supervisor.NopObserver

	logger     *zap.Logger
	controller Controller
	events     EventStorage
	version    string
	startTime  time.Time

	mu     sync.RWMutex
	status supervisor.Status
	seen   time.Time
}

// NewServer creates a new API server instance. events may be nil when the
// journal is disabled.
func NewServer(logger *zap.Logger, controller Controller, events EventStorage, version string) *Server {
	return &Server{
		logger:     logger.Named("api"),
		controller: controller,
		events:     events,
		version:    version,
		startTime:  time.Now(),
	}
}

// Handler returns the routes under Prefix
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Prefix+"status", s.HandleStatus)
	mux.HandleFunc(Prefix+"restart", s.HandleRestart)
	mux.HandleFunc(Prefix+"quit", s.HandleQuit)
	mux.HandleFunc(Prefix+"events", s.HandleEvents)
	mux.HandleFunc(Prefix+"events/stats", s.HandleEventStats)
	mux.HandleFunc(Prefix, func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "Unknown endpoint", s.generateRequestID(), r.URL.Path)
	})
	return mux
}

func (s *Server) Started(status supervisor.Status) { s.record(status) }

func (s *Server) Tick(status supervisor.Status) { s.record(status) }

func (s *Server) StageChanged(from, to group.Stage) {
	s.mu.Lock()
	s.status.Stage = to
	s.mu.Unlock()
}

func (s *Server) record(status supervisor.Status) {
	s.mu.Lock()
	s.status = status
	s.seen = time.Now()
	s.mu.Unlock()
}

// generateRequestID generates a unique request ID
func (s *Server) generateRequestID() string {
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string, requestID string, details interface{}) {
	response := ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now(),
		Details:   details,
	}
	s.writeJSON(w, status, response)
}

// HandleStatus handles GET /api/v1/status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", nil)
		return
	}

	s.mu.RLock()
	status, seen := s.status, s.seen
	s.mu.RUnlock()

	if seen.IsZero() {
		s.writeError(w, http.StatusServiceUnavailable, "Supervisor has not started", s.generateRequestID(), nil)
		return
	}

	response := StatusResponse{
		Version:    s.version,
		PID:        status.PID,
		Stage:      status.Stage.String(),
		Alive:      status.Alive,
		Ticks:      status.Ticks,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Groups:     make([]GroupStatus, 0, len(status.Groups)),
		LastUpdate: seen,
	}
	for _, g := range status.Groups {
		response.Groups = append(response.Groups, GroupStatus{
			Name:    g.Name,
			Stage:   g.Stage.String(),
			Desired: g.Desired,
			Size:    g.Size,
			PIDs:    g.PIDs,
		})
	}

	s.writeJSON(w, http.StatusOK, response)
}

// HandleRestart handles POST /api/v1/restart
func (s *Server) HandleRestart(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "restart", s.controller.RequestRestart)
}

// HandleQuit handles POST /api/v1/quit
func (s *Server) HandleQuit(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "quit", s.controller.RequestQuit)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, name string, request func() error) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", nil)
		return
	}

	requestID := s.generateRequestID()
	if err := request(); err != nil {
		s.logger.Error("Failed to request "+name, zap.Error(err), zap.String("request_id", requestID))
		s.writeError(w, http.StatusInternalServerError, "Failed to request "+name, requestID, err.Error())
		return
	}
	s.logger.Info("Transition requested over API",
		zap.String("transition", name),
		zap.String("request_id", requestID),
		zap.String("remote_addr", r.RemoteAddr))

	s.writeJSON(w, http.StatusAccepted, OperationResponse{
		Success:   true,
		Message:   fmt.Sprintf("%s requested", name),
		RequestID: requestID,
		Timestamp: time.Now(),
	})
}

// HandleEvents handles GET /api/v1/events
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", s.generateRequestID(), nil)
		return
	}

	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Event storage not available", s.generateRequestID(), nil)
		return
	}

	filter, echo, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), s.generateRequestID(), nil)
		return
	}

	events, err := s.events.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to retrieve events", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve events", s.generateRequestID(), nil)
		return
	}
	if events == nil {
		events = []telemetry.Event{}
	}

	s.writeJSON(w, http.StatusOK, EventsResponse{
		Events: events,
		Count:  len(events),
		Filter: echo,
	})
}

func parseEventQuery(r *http.Request) (telemetry.EventFilter, EventQuery, error) {
	query := r.URL.Query()
	filter := telemetry.EventFilter{Limit: config.DefaultEventQueryLimit}
	echo := EventQuery{Limit: filter.Limit}

	for _, p := range []struct {
		name   string
		target *time.Time
		echo   **time.Time
	}{
		{"start_time", &filter.StartTime, &echo.StartTime},
		{"end_time", &filter.EndTime, &echo.EndTime},
	} {
		v := query.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, echo, fmt.Errorf("invalid %s format, use RFC3339", p.name)
		}
		*p.target = t
		*p.echo = &t
	}

	filter.Group = query.Get("group")
	echo.Group = filter.Group

	typ, err := telemetry.ParseEventType(query.Get("type"))
	if err != nil {
		return filter, echo, err
	}
	filter.Type = typ
	echo.Type = string(typ)

	switch sev := telemetry.EventSeverity(query.Get("severity")); sev {
	case "", telemetry.SeverityInfo, telemetry.SeverityWarning, telemetry.SeverityError, telemetry.SeverityCritical:
		filter.Severity = sev
		echo.Severity = string(sev)
	default:
		return filter, echo, fmt.Errorf("unknown severity %q", sev)
	}

	if limit := query.Get("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l <= 0 || l > config.MaxEventQueryLimit {
			return filter, echo, fmt.Errorf("limit must be between 1 and %d", config.MaxEventQueryLimit)
		}
		filter.Limit = l
		echo.Limit = l
	}

	return filter, echo, nil
}

// HandleEventStats handles GET /api/v1/events/stats
func (s *Server) HandleEventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", s.generateRequestID(), nil)
		return
	}

	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Event storage not available", s.generateRequestID(), nil)
		return
	}

	stats, err := s.events.GetEventStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to retrieve event statistics", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve event statistics", s.generateRequestID(), nil)
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}
