package event

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lodeworks/ferrite/internal/adapter"
	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
	"github.com/lodeworks/ferrite/internal/schema"
	"github.com/lodeworks/ferrite/internal/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type busFixture struct {
	bus    *Bus
	exec   *runtime.Executor
	traces *trace.Store
	mem    *adapter.Memory
}

func newBusFixture(t *testing.T, sch *schema.Schema, opts Options) *busFixture {
	t.Helper()

	mem := adapter.NewMemory(64)
	t.Cleanup(func() { mem.Close() })

	exec := runtime.NewExecutor(runtime.Config{Language: runtime.LanguageGo}, runtime.NewRegistry(), testLogger())
	traces := trace.NewStore(100)

	bus := NewBus(sch, mem, exec, traces, testLogger(), opts)
	if err := bus.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return &busFixture{bus: bus, exec: exec, traces: traces, mem: mem}
}

func registerFunc(f *busFixture, name string, fn func(ctx context.Context, hctx handler.Context) (handler.Result, error)) {
	f.exec.RegisterHandler(handler.Func{HandlerName: name, Fn: fn})
}

func TestHandlersRunSequentially(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "order_placed", Handlers: []string{"reserve", "notify"}},
	}}
	f := newBusFixture(t, sch, Options{})

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"reserve", "notify"} {
		name := name
		registerFunc(f, name, func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return handler.Ok(nil, 0), nil
		})
	}

	if err := f.bus.Emit(context.Background(), "order_placed", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "reserve" || order[1] != "notify" {
		t.Errorf("handlers ran out of order: %v", order)
	}
}

func TestFailingHandlerDoesNotStopSiblings(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "signup", Handlers: []string{"broken", "welcome"}},
	}}
	f := newBusFixture(t, sch, Options{})

	var welcomed atomic.Bool
	registerFunc(f, "broken", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		return handler.Fail("db unavailable", 0), nil
	})
	registerFunc(f, "welcome", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		welcomed.Store(true)
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "signup", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, welcomed.Load)

	waitFor(t, time.Second, func() bool {
		recs := f.traces.Traces(1)
		return len(recs) == 1 && recs[0].Status == trace.StatusFailed
	})
	rec := f.traces.Traces(1)[0]
	if len(rec.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(rec.Steps))
	}
	if rec.Steps[0].Success || !rec.Steps[1].Success {
		t.Errorf("unexpected step outcomes: %+v", rec.Steps)
	}
	if rec.Error != "db unavailable" {
		t.Errorf("trace error = %q", rec.Error)
	}
}

func TestDeclaredTriggerForwardsIncomingPayload(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "user_created", Handlers: []string{"index_user"}, Triggers: []string{"audit"}},
		{Name: "audit", Handlers: []string{"record_audit"}},
	}}
	f := newBusFixture(t, sch, Options{})

	registerFunc(f, "index_user", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		return handler.Ok(json.RawMessage(`{"indexed":true}`), 0), nil
	})

	var got atomic.Value
	registerFunc(f, "record_audit", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		got.Store(string(hctx.Payload))
		return handler.Ok(nil, 0), nil
	})

	payload := `{"id":7,"email":"a@b.c"}`
	if err := f.bus.Emit(context.Background(), "user_created", json.RawMessage(payload)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	if got.Load().(string) != payload {
		t.Errorf("declared trigger should forward the incoming payload, got %s", got.Load())
	}
}

func TestDeclaredTriggerPublishedOncePerEvent(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "payment", Handlers: []string{"charge", "ledger"}, Triggers: []string{"receipt"}},
		{Name: "receipt", Handlers: []string{"send_receipt"}},
	}}
	f := newBusFixture(t, sch, Options{})

	for _, name := range []string{"charge", "ledger"} {
		registerFunc(f, name, func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
			return handler.Ok(nil, 0), nil
		})
	}

	var deliveries atomic.Int64
	registerFunc(f, "send_receipt", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		deliveries.Add(1)
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "payment", json.RawMessage(`{"card":"x"}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return deliveries.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := deliveries.Load(); got != 1 {
		t.Errorf("declared trigger delivered %d times, want exactly 1", got)
	}
}

func TestDeclaredTriggerIgnoresAutoPayload(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "payment", Handlers: []string{"charge"}, Triggers: []string{"receipt"}},
		{Name: "receipt", Handlers: []string{"send_receipt"}},
	}}
	f := newBusFixture(t, sch, Options{})

	registerFunc(f, "charge", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		res := handler.Ok(nil, 0)
		return res.WithAutoTriggerPayload("receipt", json.RawMessage(`{"amount":100}`)), nil
	})

	var got atomic.Value
	registerFunc(f, "send_receipt", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		got.Store(string(hctx.Payload))
		return handler.Ok(nil, 0), nil
	})

	incoming := `{"card":"x"}`
	if err := f.bus.Emit(context.Background(), "payment", json.RawMessage(incoming)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	// Auto payloads belong to per-handler trigger selection; the event's
	// declared list always carries the incoming payload.
	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	if got.Load().(string) != incoming {
		t.Errorf("declared trigger payload = %s, want the incoming payload", got.Load())
	}
}

func TestFailedTriggerPublishStillTraced(t *testing.T) {
	// "ghost" is declared as a trigger but is not an event, so the publish
	// finds no subscriber and fails. The attempt must still appear on the
	// trigger step of the trace.
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "checkout", Handlers: []string{"pay"}, Triggers: []string{"ghost"}},
	}}
	f := newBusFixture(t, sch, Options{})

	registerFunc(f, "pay", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "checkout", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		recs := f.traces.Traces(1)
		return len(recs) == 1 && recs[0].Status == trace.StatusSuccess
	})
	rec := f.traces.Traces(1)[0]
	if len(rec.Steps) != 2 {
		t.Fatalf("expected handler step plus trigger step, got %d steps", len(rec.Steps))
	}
	trig := rec.Steps[1]
	if len(trig.TriggeredEvents) != 1 || trig.TriggeredEvents[0].EventName != "ghost" {
		t.Fatalf("trigger step = %+v", trig)
	}
	if trig.TriggeredEvents[0].Timestamp == "" {
		t.Error("triggered event info missing its timestamp")
	}
	if trig.TriggeredEvents[0].DurationMS < 0 {
		t.Error("triggered event info missing its duration")
	}
}

func TestExplicitTriggersPublish(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "upload", Handlers: []string{"scan"}},
		{Name: "quarantine", Handlers: []string{"isolate"}},
	}}
	f := newBusFixture(t, sch, Options{})

	registerFunc(f, "scan", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		res := handler.Ok(nil, 0)
		return res.WithTrigger("quarantine", json.RawMessage(`{"file":"bad.bin"}`)), nil
	})

	var got atomic.Value
	registerFunc(f, "isolate", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		got.Store(string(hctx.Payload))
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "upload", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	if got.Load().(string) != `{"file":"bad.bin"}` {
		t.Errorf("explicit trigger payload lost: %s", got.Load())
	}
}

func TestDepthGuardStopsSelfTriggeringEvent(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "loop", Handlers: []string{"again"}, Triggers: []string{"loop"}},
	}}
	f := newBusFixture(t, sch, Options{MaxTriggerDepth: 3})

	var runs atomic.Int64
	registerFunc(f, "again", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		runs.Add(1)
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "loop", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	// Depth 0 through 3 run; the republish to depth 4 is dropped.
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 4 })
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 4 {
		t.Errorf("expected exactly 4 runs, got %d", got)
	}
}

func TestEmitUndeclaredEvent(t *testing.T) {
	sch := &schema.Schema{Events: []schema.Event{
		{Name: "known", Handlers: []string{"h"}},
	}}
	f := newBusFixture(t, sch, Options{})
	registerFunc(f, "h", func(ctx context.Context, hctx handler.Context) (handler.Result, error) {
		return handler.Ok(nil, 0), nil
	})

	if err := f.bus.Emit(context.Background(), "unknown", nil); err == nil {
		t.Fatal("expected error for undeclared event")
	}
}
