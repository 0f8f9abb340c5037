package starlark

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lodeworks/ferrite/internal/handler"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return New(0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeModule(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handlers.star")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	return path
}

func TestZeroArgHandler(t *testing.T) {
	path := writeModule(t, `
def handle_ping():
    return {"pong": True}
`)
	r := newTestRuntime(t)

	res, err := r.Execute(context.Background(), path, handler.NewContext("ping", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("expected success")
	}
	if string(res.Data) != `{"pong":true}` {
		t.Errorf("unexpected data: %s", res.Data)
	}
}

func TestRequestArgCarriesPayloadAndParams(t *testing.T) {
	path := writeModule(t, `
def handle_describe(request):
    return {
        "name": request["handler_name"],
        "n": request["payload"]["n"],
        "q": request["query_params"]["page"],
    }
`)
	r := newTestRuntime(t)

	hctx := handler.NewContext("describe", json.RawMessage(`{"n":7}`))
	hctx.QueryParams["page"] = "2"

	res, err := r.Execute(context.Background(), path, hctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out struct {
		Name string `json:"name"`
		N    int    `json:"n"`
		Q    string `json:"q"`
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "describe" || out.N != 7 || out.Q != "2" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestSnakeCaseHandlerLookup(t *testing.T) {
	path := writeModule(t, `
def handle_get_user(request):
    return {"id": request["payload"]["id"]}
`)
	r := newTestRuntime(t)

	res, err := r.Execute(context.Background(), path, handler.NewContext("getUser", json.RawMessage(`{"id":1}`)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Data) != `{"id":1}` {
		t.Errorf("unexpected data: %s", res.Data)
	}
}

func TestStateTriggersAndAutoPayloads(t *testing.T) {
	path := writeModule(t, `
def handle_signup(request, state):
    state.trigger("welcome_email", {"to": request["payload"]["email"]})
    state.set_auto_payload("user_created", {"id": 99})
    return None
`)
	r := newTestRuntime(t)

	res, err := r.Execute(context.Background(), path, handler.NewContext("signup", json.RawMessage(`{"email":"a@b.c"}`)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Data != nil {
		t.Errorf("None return should carry no data, got %s", res.Data)
	}
	if len(res.Triggers) != 1 || res.Triggers[0].EventName != "welcome_email" {
		t.Fatalf("unexpected triggers: %+v", res.Triggers)
	}
	if string(res.Triggers[0].Payload) != `{"to":"a@b.c"}` {
		t.Errorf("unexpected trigger payload: %s", res.Triggers[0].Payload)
	}
	if string(res.AutoTriggerPayloads["user_created"]) != `{"id":99}` {
		t.Errorf("unexpected auto payload: %s", res.AutoTriggerPayloads["user_created"])
	}
}

func TestMissingFunctionIsNotFound(t *testing.T) {
	path := writeModule(t, `
def handle_other():
    return None
`)
	r := newTestRuntime(t)

	_, err := r.Execute(context.Background(), path, handler.NewContext("absent", nil))
	if !errors.Is(err, handler.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestMissingModuleIsNotFound(t *testing.T) {
	r := newTestRuntime(t)

	_, err := r.Execute(context.Background(), filepath.Join(t.TempDir(), "nope.star"), handler.NewContext("x", nil))
	if !errors.Is(err, handler.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestScriptErrorPropagates(t *testing.T) {
	path := writeModule(t, `
def handle_bad(request):
    return request["payload"]["missing_key"]
`)
	r := newTestRuntime(t)

	_, err := r.Execute(context.Background(), path, handler.NewContext("bad", json.RawMessage(`{}`)))
	if err == nil {
		t.Fatal("expected evaluation error")
	}
}

func TestModuleCacheReloadsOnChange(t *testing.T) {
	path := writeModule(t, `
def handle_version():
    return 1
`)
	r := newTestRuntime(t)

	res, err := r.Execute(context.Background(), path, handler.NewContext("version", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Data) != "1" {
		t.Fatalf("unexpected data: %s", res.Data)
	}

	if err := os.WriteFile(path, []byte("def handle_version():\n    return 2\n"), 0o644); err != nil {
		t.Fatalf("rewrite module: %v", err)
	}
	// Bump mtime past filesystem granularity.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	res, err = r.Execute(context.Background(), path, handler.NewContext("version", nil))
	if err != nil {
		t.Fatalf("Execute after change: %v", err)
	}
	if string(res.Data) != "2" {
		t.Errorf("stale module served after change: %s", res.Data)
	}
}

func TestInfiniteLoopIsCancelled(t *testing.T) {
	path := writeModule(t, `
def handle_spin():
    while True:
        pass
`)
	r := New(0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, path, handler.NewContext("spin", nil))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
}
