// Package engine assembles the whole system: schema, executor and lanes,
// event bus, cron scheduler, and trace store. There are no global
// singletons; the engine owns one of everything and is passed down
// explicitly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lodeworks/ferrite/internal/adapter"
	"github.com/lodeworks/ferrite/internal/config"
	"github.com/lodeworks/ferrite/internal/cron"
	"github.com/lodeworks/ferrite/internal/event"
	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
	"github.com/lodeworks/ferrite/internal/runtime/native"
	"github.com/lodeworks/ferrite/internal/runtime/script"
	"github.com/lodeworks/ferrite/internal/runtime/starlark"
	"github.com/lodeworks/ferrite/internal/schema"
	"github.com/lodeworks/ferrite/internal/trace"
)

// sweepPeriod is how often expired traces are removed.
const sweepPeriod = 1 * time.Hour

// Stats is a snapshot of what the engine is serving.
type Stats struct {
	Models     int `json:"models"`
	Apis       int `json:"apis"`
	Events     int `json:"events"`
	Crons      int `json:"crons"`
	WebSockets int `json:"websockets"`
	Topics     int `json:"topics"`
	Handlers   int `json:"handlers"`
}

// Engine owns the full execution stack.
type Engine struct {
	cfg       config.Config
	schema    *schema.Schema
	adapter   adapter.Adapter
	executor  *runtime.Executor
	native    *native.Runtime
	scriptRT  *script.Runtime
	bus       *event.Bus
	scheduler *cron.Scheduler
	traces    *trace.Store
	sink      *trace.SQLiteSink
	logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
	sweepStop   chan struct{}
}

// New builds an engine from configuration and a loaded schema. Nothing is
// subscribed or scheduled until Initialize.
func New(cfg config.Config, sch *schema.Schema, logger *slog.Logger) (*Engine, error) {
	ad, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	lang := runtime.Language(cfg.Language.Name)
	registry := runtime.NewRegistry()

	e := &Engine{
		cfg:     cfg,
		schema:  sch,
		adapter: ad,
		traces:  trace.NewStore(cfg.Telemetry.MaxTraces),
		logger:  logger,
	}

	e.native = native.New(logger)
	registry.Register(runtime.LanguageGo, e.native)

	switch lang {
	case runtime.LanguageTypeScript:
		e.scriptRT = script.New(script.Options{
			ProjectRoot: cfg.Language.ProjectRoot,
			WorkerBin:   cfg.Worker.Bin,
			WorkerArgs:  cfg.Worker.Args,
			MaxWorkers:  cfg.Worker.MaxWorkers,
		}, logger)
		registry.Register(lang, e.scriptRT)
	case runtime.LanguageStarlark:
		registry.Register(lang, starlark.New(cfg.Language.TimeoutSeconds, logger))
	case runtime.LanguageGo:
		// Native lane is always registered.
	default:
		return nil, fmt.Errorf("unknown language %q", cfg.Language.Name)
	}

	e.executor = runtime.NewExecutor(runtime.Config{
		Language:       lang,
		ProjectRoot:    cfg.Language.ProjectRoot,
		TimeoutSeconds: int64(cfg.Language.TimeoutSeconds),
	}, registry, logger)

	e.bus = event.NewBus(sch, ad, e.executor, e.traces, logger, event.Options{
		MaxTriggerDepth: cfg.Event.MaxTriggerDepth,
	})
	e.scheduler = cron.NewScheduler(e.bus.Emit, logger)

	if cfg.Telemetry.Path != "" {
		sink, err := trace.NewSQLiteSink(cfg.Telemetry.Path)
		if err != nil {
			return nil, fmt.Errorf("open trace sink: %w", err)
		}
		e.sink = sink
		e.traces.AttachSink(sink, logger)
	}

	return e, nil
}

func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "", "memory":
		return adapter.NewMemory(cfg.BufferSize), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adapter.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// Initialize subscribes every schema event, registers every schema cron, and
// starts the scheduler and retention sweep. Calling it twice warns and
// returns.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		e.logger.Warn("engine already initialized")
		return nil
	}

	if err := e.bus.Initialize(); err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}

	for _, c := range e.schema.Crons {
		cfg := cron.JobConfig{
			Name:           c.Name,
			Schedule:       c.Schedule,
			Enabled:        c.IsEnabled(),
			TimeoutSeconds: int(c.TimeoutSeconds),
			Triggers:       c.Triggers,
		}
		if _, err := e.scheduler.AddJob(cfg); err != nil {
			return fmt.Errorf("add cron %q: %w", c.Name, err)
		}
		e.scheduler.RegisterHandler(c.Name, e.cronHandler(c.Name))
	}
	e.scheduler.Start()

	if e.cfg.Telemetry.RetentionDays > 0 {
		e.sweepStop = make(chan struct{})
		go e.sweepLoop(e.sweepStop)
	}

	e.initialized = true
	e.logger.Info("engine initialized",
		"events", len(e.schema.Events),
		"crons", len(e.schema.Crons),
		"language", e.cfg.Language.Name,
	)
	return nil
}

// cronHandler runs the named handler through the executor under a cron
// trace and hands its data payload back to the scheduler for trigger
// emission.
func (e *Engine) cronHandler(name string) cron.JobFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		traceID := e.traces.StartTrace(name, trace.EntryCron, nil)

		res, err := e.executor.Execute(ctx, name, nil)
		if err != nil {
			e.traces.AddStep(traceID, name, 0, false, err.Error())
			e.traces.CompleteTrace(traceID, trace.StatusFailed, err.Error())
			return nil, err
		}

		e.traces.AddStep(traceID, name, res.ExecutionTimeMS, res.Success, res.Error)
		if !res.Success {
			e.traces.CompleteTrace(traceID, trace.StatusFailed, res.Error)
			return nil, fmt.Errorf("%w: %s", handler.ErrExecutionFailed, res.Error)
		}
		e.traces.CompleteTrace(traceID, trace.StatusSuccess, "")
		return res.Data, nil
	}
}

func (e *Engine) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -e.cfg.Telemetry.RetentionDays)
			removed := e.traces.Sweep(cutoff)
			if removed > 0 {
				e.logger.Info("swept expired traces", "removed", removed)
			}
		case <-stop:
			return
		}
	}
}

// Executor exposes the executor for transports and handler registration.
func (e *Engine) Executor() *runtime.Executor { return e.executor }

// Native exposes the in-process Go lane for plugin loading.
func (e *Engine) Native() *native.Runtime { return e.native }

// Bus exposes emit for transports.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Scheduler exposes job introspection for the ops surface.
func (e *Engine) Scheduler() *cron.Scheduler { return e.scheduler }

// Traces exposes the trace store for the ops surface.
func (e *Engine) Traces() *trace.Store { return e.traces }

// Schema returns the loaded schema.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// Language returns the configured handler language.
func (e *Engine) Language() string { return e.cfg.Language.Name }

// Stats snapshots what the engine serves.
func (e *Engine) Stats() Stats {
	return Stats{
		Models:     len(e.schema.Models),
		Apis:       len(e.schema.Apis),
		Events:     len(e.schema.Events),
		Crons:      len(e.schema.Crons),
		WebSockets: len(e.schema.Websockets),
		Topics:     len(e.adapter.ListTopics()),
		Handlers:   len(e.executor.ListHandlers()),
	}
}

// Shutdown stops scheduling, closes the transport, and releases lane and
// sink resources. The context bounds how long shutdown may take.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("scheduler stop timed out", "error", ctx.Err())
	}

	if e.sweepStop != nil {
		close(e.sweepStop)
		e.sweepStop = nil
	}
	if e.scriptRT != nil {
		e.scriptRT.Close()
	}

	var firstErr error
	if err := e.adapter.Close(); err != nil {
		firstErr = fmt.Errorf("close adapter: %w", err)
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close trace sink: %w", err)
		}
	}

	e.initialized = false
	e.logger.Info("engine shut down")
	return firstErr
}
