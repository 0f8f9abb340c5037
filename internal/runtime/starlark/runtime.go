// Package starlark runs handlers written in Starlark inside the host
// process. The interpreter is not safe for concurrent module execution, so a
// global lock serializes dispatches; callers wanting parallelism use the
// script lane instead.
package starlark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	sl "go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
)

// handlerPrefix is prepended to the snake-cased handler name to find the
// entry function inside a module.
const handlerPrefix = "handle_"

// cancelGrace is how long Execute waits for a cancelled thread to unwind
// before abandoning it.
const cancelGrace = 100 * time.Millisecond

// fileOptions enables the dialect features handlers rely on.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type cachedModule struct {
	globals sl.StringDict
	modTime time.Time
}

// Runtime is the embedded Starlark execution lane.
type Runtime struct {
	timeout time.Duration
	logger  *slog.Logger

	// mu is the interpreter's global lock; one handler runs at a time.
	mu    sync.Mutex
	cache map[string]cachedModule
}

var _ runtime.Lane = (*Runtime)(nil)

// New creates the Starlark lane. timeoutSeconds caps each dispatch; zero
// means the lane default.
func New(timeoutSeconds int, logger *slog.Logger) *Runtime {
	if timeoutSeconds <= 0 {
		timeoutSeconds = runtime.DefaultTimeoutS
	}
	return &Runtime{
		timeout: time.Duration(timeoutSeconds) * time.Second,
		logger:  logger,
		cache:   make(map[string]cachedModule),
	}
}

func (r *Runtime) Name() string { return "starlark" }

// Execute loads the module at handlerPath, finds the handle_ function for
// the context's handler name, and calls it under the global lock. The call
// is interrupted on timeout, but interruption is best effort: a handler
// blocked inside a builtin unwinds only at its next Starlark instruction.
func (r *Runtime) Execute(ctx context.Context, handlerPath string, hctx handler.Context) (handler.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	thread := &sl.Thread{Name: "handler:" + hctx.HandlerName}

	globals, err := r.loadModule(thread, handlerPath)
	if err != nil {
		return handler.Result{}, err
	}

	fnName := handlerPrefix + runtime.ToSnakeCase(hctx.HandlerName)
	fn, err := lookupFunction(globals, fnName, handlerPath)
	if err != nil {
		return handler.Result{}, err
	}

	args, st, err := r.buildArgs(thread, fn, hctx)
	if err != nil {
		return handler.Result{}, err
	}

	value, err := r.callWithTimeout(ctx, thread, fn, args)
	if err != nil {
		return handler.Result{}, err
	}

	data, err := encodeResult(thread, value)
	if err != nil {
		return handler.Result{}, err
	}

	res := handler.Result{Success: true, Data: data}
	res.Triggers = st.triggers
	res.AutoTriggerPayloads = st.autoPayloads
	return res, nil
}

// loadModule executes the file and caches its globals, recompiling when the
// file changes on disk.
func (r *Runtime) loadModule(thread *sl.Thread, path string) (sl.StringDict, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", handler.ErrHandlerNotFound, err)
	}

	if cached, ok := r.cache[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.globals, nil
	}

	predeclared := sl.StringDict{
		"json": starlarkjson.Module,
	}
	globals, err := sl.ExecFileOptions(fileOptions, thread, path, nil, predeclared)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", filepath.Base(path), err)
	}

	r.cache[path] = cachedModule{globals: globals, modTime: info.ModTime()}
	r.logger.Debug("loaded starlark module", "path", path)
	return globals, nil
}

func lookupFunction(globals sl.StringDict, name, path string) (*sl.Function, error) {
	v, ok := globals[name]
	if !ok {
		return nil, fmt.Errorf("%w: module %s defines no function %q", handler.ErrHandlerNotFound, filepath.Base(path), name)
	}
	fn, ok := v.(*sl.Function)
	if !ok {
		return nil, fmt.Errorf("%q in %s is %s, not a function", name, filepath.Base(path), v.Type())
	}
	return fn, nil
}

// buildArgs shapes the call to the function's arity: zero parameters gets no
// arguments, one gets the request, two gets the request and a state object
// for emitting triggers.
func (r *Runtime) buildArgs(thread *sl.Thread, fn *sl.Function, hctx handler.Context) (sl.Tuple, *state, error) {
	st := &state{}
	switch fn.NumParams() {
	case 0:
		return nil, st, nil
	case 1:
		req, err := buildRequest(thread, hctx)
		if err != nil {
			return nil, nil, err
		}
		return sl.Tuple{req}, st, nil
	case 2:
		req, err := buildRequest(thread, hctx)
		if err != nil {
			return nil, nil, err
		}
		return sl.Tuple{req, st}, st, nil
	default:
		return nil, nil, fmt.Errorf("%s takes %d parameters, want at most 2", fn.Name(), fn.NumParams())
	}
}

// buildRequest converts the handler context into a Starlark dict.
func buildRequest(thread *sl.Thread, hctx handler.Context) (sl.Value, error) {
	req := sl.NewDict(5)
	_ = req.SetKey(sl.String("handler_name"), sl.String(hctx.HandlerName))
	_ = req.SetKey(sl.String("timestamp"), sl.String(hctx.Timestamp))

	payload, err := decodePayload(thread, hctx.Payload)
	if err != nil {
		return nil, err
	}
	_ = req.SetKey(sl.String("payload"), payload)

	_ = req.SetKey(sl.String("query_params"), stringDict(hctx.QueryParams))
	_ = req.SetKey(sl.String("metadata"), stringDict(hctx.Metadata))
	return req, nil
}

func stringDict(m map[string]string) *sl.Dict {
	d := sl.NewDict(len(m))
	for k, v := range m {
		_ = d.SetKey(sl.String(k), sl.String(v))
	}
	return d
}

// decodePayload turns the raw JSON payload into a Starlark value via the
// json module's decode builtin. A nil payload becomes None.
func decodePayload(thread *sl.Thread, payload json.RawMessage) (sl.Value, error) {
	if len(payload) == 0 {
		return sl.None, nil
	}
	decode, _ := starlarkjson.Module.Attr("decode")
	v, err := sl.Call(thread, decode, sl.Tuple{sl.String(payload)}, nil)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// encodeResult turns the handler's return value back into JSON. None means
// no data.
func encodeResult(thread *sl.Thread, value sl.Value) (json.RawMessage, error) {
	if value == nil || value == sl.None {
		return nil, nil
	}
	encode, _ := starlarkjson.Module.Attr("encode")
	v, err := sl.Call(thread, encode, sl.Tuple{value}, nil)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	s, ok := sl.AsString(v)
	if !ok {
		return nil, fmt.Errorf("encode result: expected string, got %s", v.Type())
	}
	return json.RawMessage(s), nil
}

// callWithTimeout runs the function on a goroutine and cancels the thread if
// the lane timeout or caller context expires first. After cancellation the
// thread gets a short grace period to unwind before being abandoned.
func (r *Runtime) callWithTimeout(ctx context.Context, thread *sl.Thread, fn *sl.Function, args sl.Tuple) (sl.Value, error) {
	type callResult struct {
		value sl.Value
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		v, err := sl.Call(thread, fn, args, nil)
		done <- callResult{v, err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var reason string
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), res.err)
		}
		return res.value, nil
	case <-timer.C:
		reason = fmt.Sprintf("timed out after %s", r.timeout)
	case <-ctx.Done():
		reason = ctx.Err().Error()
	}

	thread.Cancel(reason)
	select {
	case <-done:
	case <-time.After(cancelGrace):
		r.logger.Warn("abandoning starlark thread", "function", fn.Name(), "reason", reason)
	}
	return nil, fmt.Errorf("%w: %s %s", handler.ErrTimeout, fn.Name(), reason)
}
