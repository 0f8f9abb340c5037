// Package handler defines the value contract shared by every execution lane:
// the context passed into a handler, the result it produces, and the Handler
// interface satisfied by in-process registrations.
package handler

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// Context carries a single dispatch to a handler. It is immutable once built;
// callers that need to reuse one across dispatches must Clone it.
type Context struct {
	HandlerName string            `json:"handler_name"`
	Payload     json.RawMessage   `json:"payload"`
	QueryParams map[string]string `json:"query_params"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   string            `json:"timestamp"`
}

// NewContext builds a Context for the named handler with the given payload.
func NewContext(handlerName string, payload json.RawMessage) Context {
	return Context{
		HandlerName: handlerName,
		Payload:     payload,
		QueryParams: make(map[string]string),
		Metadata:    make(map[string]string),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// WithMetadata returns a copy of the context with the key set.
func (c Context) WithMetadata(key, value string) Context {
	c2 := c.Clone()
	c2.Metadata[key] = value
	return c2
}

// WithQueryParam returns a copy of the context with the query parameter set.
func (c Context) WithQueryParam(key, value string) Context {
	c2 := c.Clone()
	c2.QueryParams[key] = value
	return c2
}

// Clone deep-copies the context so that one dispatch cannot observe another's
// mutations.
func (c Context) Clone() Context {
	c2 := c
	c2.QueryParams = make(map[string]string, len(c.QueryParams))
	maps.Copy(c2.QueryParams, c.QueryParams)
	c2.Metadata = make(map[string]string, len(c.Metadata))
	maps.Copy(c2.Metadata, c.Metadata)
	if c.Payload != nil {
		c2.Payload = make(json.RawMessage, len(c.Payload))
		copy(c2.Payload, c.Payload)
	}
	return c2
}

// TriggeredEvent is one event a handler explicitly asked to publish after it
// completes, with the payload it chose.
type TriggeredEvent struct {
	EventName string          `json:"event_name"`
	Payload   json.RawMessage `json:"payload"`
}

// WorkerLog is one log line captured inside a script worker and shipped back
// on the wire alongside the result. It is re-emitted host-side and stripped
// before the result reaches the caller.
type WorkerLog struct {
	Level     string            `json:"level"`
	Handler   string            `json:"handler"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Result is the outcome of one handler dispatch. Handler-level failures are
// carried here as data; they are never surfaced as Go errors past the
// executor boundary.
type Result struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`

	// Triggers are events the handler explicitly emitted, in emission order.
	Triggers []TriggeredEvent `json:"triggers,omitempty"`

	// AutoTriggerPayloads supplies payloads for events the schema already
	// declares as this handler's triggers, keyed by event name.
	AutoTriggerPayloads map[string]json.RawMessage `json:"auto_trigger_payloads,omitempty"`

	// Logs is wire-only: populated by script workers, re-emitted and stripped
	// by the script lane before the result is returned.
	Logs []WorkerLog `json:"logs,omitempty"`
}

// Ok builds a successful result.
func Ok(data json.RawMessage, executionTimeMS int64) Result {
	return Result{Success: true, Data: data, ExecutionTimeMS: executionTimeMS}
}

// Fail builds a failed result with the given error message.
func Fail(errMsg string, executionTimeMS int64) Result {
	return Result{Success: false, Error: errMsg, ExecutionTimeMS: executionTimeMS}
}

// WithTrigger appends an explicitly emitted event to the result.
func (r Result) WithTrigger(eventName string, payload json.RawMessage) Result {
	r.Triggers = append(r.Triggers, TriggeredEvent{EventName: eventName, Payload: payload})
	return r
}

// WithAutoTriggerPayload records the payload a schema-declared trigger should
// be published with.
func (r Result) WithAutoTriggerPayload(eventName string, payload json.RawMessage) Result {
	if r.AutoTriggerPayloads == nil {
		r.AutoTriggerPayloads = make(map[string]json.RawMessage)
	}
	r.AutoTriggerPayloads[eventName] = payload
	return r
}

// Handler is a named unit of logic registered in-process with the executor.
type Handler interface {
	Execute(ctx context.Context, hctx Context) (Result, error)
	Name() string
}

// Func adapts a function to the Handler interface.
type Func struct {
	HandlerName string
	Fn          func(ctx context.Context, hctx Context) (Result, error)
}

func (f Func) Execute(ctx context.Context, hctx Context) (Result, error) {
	return f.Fn(ctx, hctx)
}

func (f Func) Name() string { return f.HandlerName }

// NewID generates a new ULID string for trace and request identifiers.
func NewID() string {
	return ulid.Make().String()
}
