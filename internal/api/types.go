package api

import (
	"time"

	"github.com/cboxdk/prefork-manager/internal/telemetry"
)

// StatusResponse represents the response for the status endpoint
type StatusResponse struct {
	Version    string        `json:"version"`
	PID        int           `json:"pid"`
	Stage      string        `json:"stage"`
	Alive      int           `json:"alive"`
	Ticks      uint64        `json:"ticks"`
	Uptime     string        `json:"uptime"`
	Groups     []GroupStatus `json:"groups"`
	LastUpdate time.Time     `json:"last_update"`
}

// GroupStatus represents the status of one worker group
type GroupStatus struct {
	Name    string `json:"name"`
	Stage   string `json:"stage"`
	Desired int    `json:"desired"`
	Size    int    `json:"size"`
	PIDs    []int  `json:"pids"`
}

// EventsResponse wraps a page of journal events
type EventsResponse struct {
	Events []telemetry.Event `json:"events"`
	Count  int               `json:"count"`
	Filter EventQuery        `json:"filter"`
}

// EventQuery echoes the filter applied to an events request
type EventQuery struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Group     string     `json:"group,omitempty"`
	Type      string     `json:"type,omitempty"`
	Severity  string     `json:"severity,omitempty"`
	Limit     int        `json:"limit"`
}

// OperationResponse represents a generic operation response
type OperationResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string      `json:"error"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Details   interface{} `json:"details,omitempty"`
}
