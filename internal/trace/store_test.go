package trace_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lodeworks/ferrite/internal/trace"
)

func TestTraceLifecycle(t *testing.T) {
	s := trace.NewStore(10)

	id := s.StartTrace("user.created", trace.EntryEvent, map[string]string{"event": "user.created"})
	s.AddStep(id, "sendWelcomeEmail", 12, true, "")
	s.AddStep(id, "indexUser", 4, false, "index unavailable")
	s.CompleteTrace(id, trace.StatusFailed, "index unavailable")

	rec, ok := s.Get(id)
	if !ok {
		t.Fatal("trace not found")
	}
	if rec.Status != trace.StatusFailed {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.Steps) != 2 {
		t.Fatalf("steps = %d", len(rec.Steps))
	}
	if rec.Steps[0].HandlerName != "sendWelcomeEmail" || !rec.Steps[0].Success {
		t.Errorf("step 0 = %+v", rec.Steps[0])
	}
	if rec.Steps[1].Error != "index unavailable" {
		t.Errorf("step 1 = %+v", rec.Steps[1])
	}
	if rec.CompletedAt == "" {
		t.Error("completed_at not set")
	}
	if rec.DurationMS < 0 {
		t.Errorf("duration_ms = %d", rec.DurationMS)
	}
}

func TestStoreBounded(t *testing.T) {
	s := trace.NewStore(3)
	for range 5 {
		s.StartTrace("ep", trace.EntryAPI, nil)
	}
	if got := len(s.Traces(0)); got != 3 {
		t.Errorf("kept %d traces, want 3", got)
	}
}

func TestTracesNewestFirstWithLimit(t *testing.T) {
	s := trace.NewStore(10)
	s.StartTrace("first", trace.EntryAPI, nil)
	s.StartTrace("second", trace.EntryAPI, nil)
	s.StartTrace("third", trace.EntryAPI, nil)

	got := s.Traces(2)
	if len(got) != 2 || got[0].EntryPoint != "third" || got[1].EntryPoint != "second" {
		t.Errorf("traces = %+v", got)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s := trace.NewStore(10)
	old := s.StartTrace("old", trace.EntryCron, nil)
	_ = old

	cutoff := time.Now().Add(time.Second)
	time.Sleep(10 * time.Millisecond)

	removed := s.Sweep(cutoff)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	s.StartTrace("fresh", trace.EntryCron, nil)
	if removed := s.Sweep(time.Now().Add(-time.Minute)); removed != 0 {
		t.Errorf("removed fresh trace: %d", removed)
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := trace.NewSQLiteSink(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	s := trace.NewStore(10)
	s.AttachSink(sink, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	id := s.StartTrace("nightlyReport", trace.EntryCron, map[string]string{"schedule": "0 0 2 * * *"})
	s.AddStepWithTriggers(id, "nightlyReport", 42, true, "", []trace.TriggeredEventInfo{
		{EventName: "audit.log", Timestamp: time.Now().UTC().Format(time.RFC3339), DurationMS: 1},
	})
	s.CompleteTrace(id, trace.StatusSuccess, "")

	rows, err := sink.ListTraces(0)
	if err != nil {
		t.Fatalf("ListTraces: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("persisted %d traces, want 1", len(rows))
	}
	rec := rows[0]
	if rec.ID != id || rec.Status != trace.StatusSuccess || rec.EntryType != trace.EntryCron {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Steps) != 1 || len(rec.Steps[0].TriggeredEvents) != 1 {
		t.Errorf("steps = %+v", rec.Steps)
	}
	if rec.Metadata["schedule"] != "0 0 2 * * *" {
		t.Errorf("metadata = %v", rec.Metadata)
	}
}

func TestSQLiteSinkDeleteOlderThan(t *testing.T) {
	sink, err := trace.NewSQLiteSink(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	rec := trace.Record{
		ID:         "t1",
		EntryPoint: "ep",
		EntryType:  trace.EntryEvent,
		Status:     trace.StatusSuccess,
		StartedAt:  time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano),
	}
	if err := sink.SaveTrace(rec); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}

	n, err := sink.DeleteOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
}
