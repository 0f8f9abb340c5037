package trace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lodeworks/ferrite/internal/handler"
)

// Sink persists completed traces somewhere durable.
type Sink interface {
	SaveTrace(rec Record) error
	DeleteOlderThan(cutoff time.Time) (int, error)
	Close() error
}

// Store is the in-memory trace log: bounded, newest-first reads. An optional
// sink receives every completed record for durable storage.
type Store struct {
	mu        sync.RWMutex
	traces    []*Record
	maxTraces int

	sink   Sink
	logger *slog.Logger
}

// NewStore creates a store keeping at most maxTraces records in memory.
func NewStore(maxTraces int) *Store {
	if maxTraces <= 0 {
		maxTraces = 1000
	}
	return &Store{maxTraces: maxTraces}
}

// AttachSink routes completed traces into the sink. Sink errors are logged,
// never propagated; tracing must not fail the traced work.
func (s *Store) AttachSink(sink Sink, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.logger = logger
}

// StartTrace opens a new running trace and returns its id.
func (s *Store) StartTrace(entryPoint string, entryType EntryType, metadata map[string]string) string {
	now := time.Now().UTC()
	rec := &Record{
		ID:         handler.NewID(),
		EntryPoint: entryPoint,
		EntryType:  entryType,
		Status:     StatusRunning,
		StartedAt:  now.Format(time.RFC3339Nano),
		Metadata:   metadata,
		startedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, rec)
	if len(s.traces) > s.maxTraces {
		s.traces = s.traces[1:]
	}
	return rec.ID
}

// AddStep appends one handler execution to the trace.
func (s *Store) AddStep(traceID, handlerName string, durationMS int64, success bool, errMsg string) {
	s.AddStepWithTriggers(traceID, handlerName, durationMS, success, errMsg, nil)
}

// AddStepWithTriggers appends a step carrying the events it published.
func (s *Store) AddStepWithTriggers(traceID, handlerName string, durationMS int64, success bool, errMsg string, triggered []TriggeredEventInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.find(traceID)
	if rec == nil {
		return
	}
	rec.Steps = append(rec.Steps, Step{
		Name:            handlerName,
		HandlerName:     handlerName,
		DurationMS:      durationMS,
		Success:         success,
		Error:           errMsg,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		TriggeredEvents: triggered,
	})
}

// CompleteTrace finalizes the trace with its overall status and flushes it to
// the sink when one is attached.
func (s *Store) CompleteTrace(traceID string, status Status, errMsg string) {
	s.mu.Lock()

	rec := s.find(traceID)
	if rec == nil {
		s.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = now.Format(time.RFC3339Nano)
	rec.DurationMS = now.Sub(rec.startedAt).Milliseconds()

	sink := s.sink
	logger := s.logger
	snapshot := *rec
	snapshot.Steps = append([]Step(nil), rec.Steps...)
	s.mu.Unlock()

	if sink != nil {
		if err := sink.SaveTrace(snapshot); err != nil && logger != nil {
			logger.Error("persist trace", "trace_id", traceID, "error", err)
		}
	}
}

// Traces returns records newest-first, at most limit (0 = all).
func (s *Store) Traces(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.traces))
	for i := len(s.traces) - 1; i >= 0; i-- {
		rec := *s.traces[i]
		rec.Steps = append([]Step(nil), s.traces[i].Steps...)
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns the trace with the given id.
func (s *Store) Get(traceID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.find(traceID)
	if rec == nil {
		return Record{}, false
	}
	out := *rec
	out.Steps = append([]Step(nil), rec.Steps...)
	return out, true
}

// Sweep drops in-memory and sink traces started before the cutoff, returning
// how many were removed in memory.
func (s *Store) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	kept := s.traces[:0]
	removed := 0
	for _, rec := range s.traces {
		if rec.startedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.traces = kept
	sink := s.sink
	logger := s.logger
	s.mu.Unlock()

	if sink != nil {
		if _, err := sink.DeleteOlderThan(cutoff); err != nil && logger != nil {
			logger.Error("sweep trace sink", "error", err)
		}
	}
	return removed
}

// Clear drops every in-memory trace.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = nil
}

// find must be called with the lock held.
func (s *Store) find(traceID string) *Record {
	for _, rec := range s.traces {
		if rec.ID == traceID {
			return rec
		}
	}
	return nil
}
