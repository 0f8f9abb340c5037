package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/lodeworks/ferrite/internal/handler"
)

// handlerSubdirs are the conventional directories searched during external
// resolution, in precedence order.
var handlerSubdirs = []string{"api", "events", "websockets", "cron"}

// Executor resolves a handler name to an in-process registration or an
// external file, dispatches it on the configured lane, and normalizes latency
// and errors. Handler-level failures come back as failed Results; only
// not-found and pre-dispatch serialization failures are hard errors.
type Executor struct {
	config   Config
	registry *Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]handler.Handler
}

// NewExecutor creates an executor over the given lane registry.
func NewExecutor(cfg Config, registry *Registry, logger *slog.Logger) *Executor {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultTimeoutS
	}
	return &Executor{
		config:   cfg,
		registry: registry,
		logger:   logger,
		handlers: make(map[string]handler.Handler),
	}
}

// RegisterHandler adds or overwrites an in-process handler by name. The last
// writer wins; overwrites are logged.
func (e *Executor) RegisterHandler(h handler.Handler) {
	name := h.Name()

	e.mu.Lock()
	_, existed := e.handlers[name]
	e.handlers[name] = h
	e.mu.Unlock()

	if existed {
		e.logger.Info("handler re-registered", "handler", name)
	} else {
		e.logger.Debug("handler registered", "handler", name)
	}
}

// ListHandlers returns the names of all in-process registrations, sorted.
func (e *Executor) ListHandlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches the named handler with the given payload.
func (e *Executor) Execute(ctx context.Context, handlerName string, payload json.RawMessage) (handler.Result, error) {
	return e.ExecuteWithParams(ctx, handlerName, payload, nil)
}

// ExecuteWithParams dispatches with query parameters attached to the context.
func (e *Executor) ExecuteWithParams(ctx context.Context, handlerName string, payload json.RawMessage, queryParams map[string]string) (handler.Result, error) {
	hctx := handler.NewContext(handlerName, payload)
	for k, v := range queryParams {
		hctx.QueryParams[k] = v
	}
	return e.ExecuteWithContext(ctx, hctx)
}

// ExecuteWithContext dispatches a pre-built context. The in-process registry
// is the fast path; unresolved names fall through to external resolution.
func (e *Executor) ExecuteWithContext(ctx context.Context, hctx handler.Context) (handler.Result, error) {
	e.logger.Debug("executing handler", "handler", hctx.HandlerName)

	e.mu.RLock()
	h, ok := e.handlers[hctx.HandlerName]
	e.mu.RUnlock()

	if ok {
		return e.executeRegistered(ctx, h, hctx)
	}

	return e.executeExternal(ctx, hctx)
}

// executeRegistered runs an in-process handler. Timing wraps the whole call
// and overrides any inner measurement.
func (e *Executor) executeRegistered(ctx context.Context, h handler.Handler, hctx handler.Context) (handler.Result, error) {
	start := time.Now()
	res, err := h.Execute(ctx, hctx.Clone())
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		executionsTotal.WithLabelValues("registered", "failed").Inc()
		return handler.Fail(err.Error(), elapsed), nil
	}

	res.ExecutionTimeMS = elapsed
	observeExecution("registered", res.Success, start)
	return res, nil
}

// executeExternal resolves the handler to a file (when the lane works from
// files), applies the dispatch timeout, and converts lane errors into failed
// Results.
func (e *Executor) executeExternal(ctx context.Context, hctx handler.Context) (handler.Result, error) {
	start := time.Now()

	var handlerPath string
	if e.config.Language.ResolvesFiles() {
		resolved, err := e.resolveHandlerPath(hctx.HandlerName)
		if err != nil {
			return handler.Result{}, err
		}
		handlerPath = resolved
	}

	lane, err := e.registry.Resolve(e.config.Language)
	if err != nil {
		return handler.Result{}, fmt.Errorf("%w: %v", handler.ErrExecutionFailed, err)
	}

	timeout := time.Duration(e.config.TimeoutSeconds) * time.Second
	laneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := lane.Execute(laneCtx, handlerPath, hctx)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, handler.ErrHandlerNotFound) {
			return handler.Result{}, err
		}
		errMsg := err.Error()
		if laneCtx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("handler timed out after %s", timeout)
		}
		e.logger.Error("lane execution failed",
			"handler", hctx.HandlerName,
			"lane", lane.Name(),
			"error", err,
		)
		executionsTotal.WithLabelValues(lane.Name(), "failed").Inc()
		return handler.Fail(errMsg, elapsed), nil
	}

	res.ExecutionTimeMS = elapsed
	observeExecution(lane.Name(), res.Success, start)
	return res, nil
}

// resolveHandlerPath derives candidate paths under the conventional handler
// subdirectories using both the literal and snake-case name; the first
// existing path wins.
func (e *Executor) resolveHandlerPath(handlerName string) (string, error) {
	handlersDir := filepath.Join(e.config.ProjectRoot, "src", "handlers")
	ext := e.config.Language.FileExtension()
	snake := ToSnakeCase(handlerName)

	var candidates []string
	for _, sub := range handlerSubdirs {
		candidates = append(candidates, filepath.Join(handlersDir, sub, handlerName+"."+ext))
		if snake != handlerName {
			candidates = append(candidates, filepath.Join(handlersDir, sub, snake+"."+ext))
		}
	}
	candidates = append(candidates, filepath.Join(handlersDir, handlerName+"."+ext))

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %q has no source under %s", handler.ErrHandlerNotFound, handlerName, handlersDir)
}

// ToSnakeCase converts camelCase and PascalCase names to snake_case.
func ToSnakeCase(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
