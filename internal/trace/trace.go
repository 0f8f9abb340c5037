// Package trace records the per-request/per-event audit trail: one record per
// entry point, one step per handler, one entry per triggered event.
package trace

import "time"

// EntryType says what kind of entry point started a trace.
type EntryType string

const (
	EntryAPI       EntryType = "api"
	EntryEvent     EntryType = "event"
	EntryCron      EntryType = "cron"
	EntryWebSocket EntryType = "websocket"
)

// Status is the overall outcome of a trace.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TriggeredEventInfo records one downstream event published during a step.
type TriggeredEventInfo struct {
	EventName  string `json:"event_name"`
	Timestamp  string `json:"timestamp"`
	DurationMS int64  `json:"duration_ms"`
}

// Step is one handler execution inside a trace.
type Step struct {
	Name            string               `json:"name"`
	HandlerName     string               `json:"handler_name"`
	DurationMS      int64                `json:"duration_ms"`
	Success         bool                 `json:"success"`
	Error           string               `json:"error,omitempty"`
	Timestamp       string               `json:"timestamp"`
	TriggeredEvents []TriggeredEventInfo `json:"triggered_events,omitempty"`
}

// Record is the append-only audit trail for one request or event: created on
// entry, appended per handler, finalized on completion.
type Record struct {
	ID          string            `json:"id"`
	EntryPoint  string            `json:"entry_point"`
	EntryType   EntryType         `json:"entry_type"`
	Status      Status            `json:"status"`
	DurationMS  int64             `json:"duration_ms"`
	StartedAt   string            `json:"started_at"`
	CompletedAt string            `json:"completed_at,omitempty"`
	Steps       []Step            `json:"steps"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	startedAt time.Time
}
