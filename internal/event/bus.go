// Package event wires schema-declared events to handler executions over a
// pub/sub adapter, cascading declared and handler-emitted triggers.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lodeworks/ferrite/internal/adapter"
	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
	"github.com/lodeworks/ferrite/internal/schema"
	"github.com/lodeworks/ferrite/internal/trace"
)

// depthKey is the message metadata key carrying the cascade depth.
const depthKey = "trigger_depth"

// DefaultMaxTriggerDepth bounds republish cascades unless configured
// otherwise. Zero disables the guard.
const DefaultMaxTriggerDepth = 16

// Bus subscribes every schema-declared event on the adapter and runs the
// event's handlers when a message arrives. Handlers run sequentially; a
// failing handler is recorded but does not stop its siblings.
type Bus struct {
	schema   *schema.Schema
	adapter  adapter.Adapter
	executor *runtime.Executor
	traces   *trace.Store
	logger   *slog.Logger
	maxDepth int
}

// Options tunes the bus.
type Options struct {
	// MaxTriggerDepth caps how deep a trigger cascade may republish. Zero
	// means unlimited; negative means the default.
	MaxTriggerDepth int
}

// NewBus creates a bus over the given transport. Call Initialize to
// subscribe the schema's events.
func NewBus(sch *schema.Schema, ad adapter.Adapter, exec *runtime.Executor, traces *trace.Store, logger *slog.Logger, opts Options) *Bus {
	maxDepth := opts.MaxTriggerDepth
	if maxDepth < 0 {
		maxDepth = DefaultMaxTriggerDepth
	}
	return &Bus{
		schema:   sch,
		adapter:  ad,
		executor: exec,
		traces:   traces,
		logger:   logger,
		maxDepth: maxDepth,
	}
}

// Initialize subscribes every declared event. Safe to call once; the engine
// guards re-initialization.
func (b *Bus) Initialize() error {
	for _, ev := range b.schema.Events {
		ev := ev
		err := b.adapter.Subscribe(ev.Name, func(ctx context.Context, msg adapter.Message) error {
			b.handleMessage(ctx, ev, msg)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", ev.Name, err)
		}
		b.logger.Debug("subscribed event", "event", ev.Name, "handlers", len(ev.Handlers))
	}
	return nil
}

// Emit publishes a payload to a declared event's topic. Unlike cascade
// republishes, a transport failure here is returned to the caller.
func (b *Bus) Emit(ctx context.Context, eventName string, payload json.RawMessage) error {
	if _, ok := b.schema.EventByName(eventName); !ok {
		return fmt.Errorf("%w: event %q is not declared", handler.ErrHandlerNotFound, eventName)
	}
	if err := b.adapter.Publish(ctx, adapter.NewMessage(eventName, payload)); err != nil {
		return fmt.Errorf("emit %q: %w", eventName, err)
	}
	eventsPublished.WithLabelValues(eventName).Inc()
	return nil
}

// handleMessage runs one delivery: every handler of the event in order, then
// the trigger fan-out, all under a single trace.
func (b *Bus) handleMessage(ctx context.Context, ev schema.Event, msg adapter.Message) {
	depth := messageDepth(msg)
	traceID := b.traces.StartTrace(ev.Name, trace.EntryEvent, map[string]string{depthKey: strconv.Itoa(depth)})

	failed := false
	var firstErr string
	for _, handlerName := range ev.Handlers {
		res, err := b.executor.Execute(ctx, handlerName, msg.Payload)
		if err != nil {
			// Hard executor error: the handler never ran.
			b.logger.Error("event handler dispatch failed",
				"event", ev.Name,
				"handler", handlerName,
				"error", err,
			)
			b.traces.AddStep(traceID, handlerName, 0, false, err.Error())
			failed = true
			if firstErr == "" {
				firstErr = err.Error()
			}
			continue
		}

		triggered := b.publishHandlerTriggers(ctx, res.Triggers, depth)
		b.traces.AddStepWithTriggers(traceID, handlerName, res.ExecutionTimeMS, res.Success, res.Error, triggered)

		if !res.Success {
			failed = true
			if firstErr == "" {
				firstErr = res.Error
			}
			b.logger.Warn("event handler failed",
				"event", ev.Name,
				"handler", handlerName,
				"error", res.Error,
			)
		}
	}

	// Declared triggers republish once per delivery, after every handler has
	// run, always with the incoming payload. They are recorded on their own
	// trace step whether or not the publish went through.
	if infos := b.publishDeclaredTriggers(ctx, ev, msg.Payload, depth); len(infos) > 0 {
		var total int64
		for _, info := range infos {
			total += info.DurationMS
		}
		b.traces.AddStepWithTriggers(traceID, ev.Name+" triggers", total, true, "", infos)
	}

	status := trace.StatusSuccess
	if failed {
		status = trace.StatusFailed
	}
	b.traces.CompleteTrace(traceID, status, firstErr)
	eventsHandled.WithLabelValues(ev.Name, string(status)).Inc()
}

// publishHandlerTriggers publishes the triggers a handler explicitly emitted,
// each with the payload the handler gave it.
func (b *Bus) publishHandlerTriggers(ctx context.Context, triggers []handler.TriggeredEvent, depth int) []trace.TriggeredEventInfo {
	var infos []trace.TriggeredEventInfo
	for _, tr := range triggers {
		if info, ok := b.republish(ctx, tr.EventName, tr.Payload, depth); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// publishDeclaredTriggers publishes the event's schema-declared trigger list
// with the incoming payload. Handler auto payloads never apply here.
func (b *Bus) publishDeclaredTriggers(ctx context.Context, ev schema.Event, incoming json.RawMessage, depth int) []trace.TriggeredEventInfo {
	var infos []trace.TriggeredEventInfo
	for _, name := range ev.Triggers {
		if info, ok := b.republish(ctx, name, incoming, depth); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// republish publishes one cascaded event, honoring the depth guard. Every
// attempted publish yields an info carrying its own timestamp and duration,
// publish failure included; only depth drops come back empty.
func (b *Bus) republish(ctx context.Context, eventName string, payload json.RawMessage, parentDepth int) (trace.TriggeredEventInfo, bool) {
	childDepth := parentDepth + 1
	if b.maxDepth > 0 && childDepth > b.maxDepth {
		b.logger.Error("trigger cascade depth limit reached, dropping event",
			"event", eventName,
			"depth", childDepth,
			"limit", b.maxDepth,
		)
		triggerDepthDrops.WithLabelValues(eventName).Inc()
		return trace.TriggeredEventInfo{}, false
	}

	start := time.Now()
	msg := adapter.NewMessage(eventName, payload).WithMetadata(depthKey, strconv.Itoa(childDepth))
	if err := b.adapter.Publish(ctx, msg); err != nil {
		b.logger.Warn("trigger publish failed", "event", eventName, "error", err)
	} else {
		eventsPublished.WithLabelValues(eventName).Inc()
	}
	return trace.TriggeredEventInfo{
		EventName:  eventName,
		Timestamp:  msg.Timestamp,
		DurationMS: time.Since(start).Milliseconds(),
	}, true
}

func messageDepth(msg adapter.Message) int {
	if raw, ok := msg.Metadata[depthKey]; ok {
		if d, err := strconv.Atoi(raw); err == nil && d >= 0 {
			return d
		}
	}
	return 0
}
