// Package native runs handlers implemented in Go, registered in-process or
// loaded from plugin objects.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
)

// Runtime is the native execution lane: a name-keyed registry of Go
// handlers. Registration may happen at any time, including while dispatches
// are in flight; re-registering a name swaps the handler for subsequent
// dispatches without affecting running ones.
type Runtime struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]handler.Handler
	version  uint64
}

var _ runtime.Lane = (*Runtime)(nil)

// New creates an empty native lane.
func New(logger *slog.Logger) *Runtime {
	return &Runtime{
		logger:   logger,
		handlers: make(map[string]handler.Handler),
	}
}

func (r *Runtime) Name() string { return "go" }

// Register adds or replaces a handler. The last registration wins.
func (r *Runtime) Register(h handler.Handler) {
	name := h.Name()

	r.mu.Lock()
	_, existed := r.handlers[name]
	r.handlers[name] = h
	r.version++
	r.mu.Unlock()

	if existed {
		r.logger.Info("native handler replaced", "handler", name)
	} else {
		r.logger.Debug("native handler registered", "handler", name)
	}
}

// RegisterFunc registers a plain function under the given name.
func (r *Runtime) RegisterFunc(name string, fn func(ctx context.Context, hctx handler.Context) (handler.Result, error)) {
	r.Register(handler.Func{HandlerName: name, Fn: fn})
}

// Unregister removes a handler. Removing an unknown name is a no-op.
func (r *Runtime) Unregister(name string) {
	r.mu.Lock()
	if _, ok := r.handlers[name]; ok {
		delete(r.handlers, name)
		r.version++
	}
	r.mu.Unlock()
}

// Handlers returns the registered names, sorted.
func (r *Runtime) Handlers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Version increments on every registration change. Callers can poll it to
// detect hot reloads.
func (r *Runtime) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Execute looks the handler up by context name; the path argument is unused
// because native handlers are not file-resolved.
func (r *Runtime) Execute(ctx context.Context, _ string, hctx handler.Context) (handler.Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[hctx.HandlerName]
	r.mu.RUnlock()

	if !ok {
		return handler.Result{}, fmt.Errorf("%w: no native handler %q", handler.ErrHandlerNotFound, hctx.HandlerName)
	}
	return h.Execute(ctx, hctx)
}
