// Command ferrite-worker is a reference stdio worker for the script lane.
// It speaks the newline-delimited JSON-RPC worker protocol over
// stdin/stdout: emit a ready line, then answer execute requests one at a
// time. Production deployments run the compiled TypeScript worker instead;
// this binary exists for protocol conformance testing and as a template for
// new worker implementations.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime/script"
)

func main() {
	if err := script.WriteLine(os.Stdout, script.ReadySignal{Type: "ready"}); err != nil {
		log.Fatalf("write ready: %v", err)
	}

	reader := script.NewLineReader(os.Stdin)
	for {
		var req script.Request
		if err := reader.ReadLine(&req); err != nil {
			if err == io.EOF {
				return
			}
			log.Fatalf("read request: %v", err)
		}
		resp := handleRequest(req)
		if err := script.WriteLine(os.Stdout, resp); err != nil {
			log.Fatalf("write response: %v", err)
		}
	}
}

// handleRequest dispatches on the handler file's base name. The built-in
// handlers cover the behaviors the pool tests exercise: echoing the payload,
// reporting identity, sleeping, and crashing.
func handleRequest(req script.Request) script.Response {
	resp := script.Response{JSONRPC: "2.0", ID: req.ID}
	if req.Method != "execute" {
		resp.Error = &script.ResponseError{Code: -32601, Message: fmt.Sprintf("unknown method %q", req.Method)}
		return resp
	}

	start := time.Now()
	name := baseName(req.Params.HandlerPath)
	if name == "" {
		name = req.Params.Context.HandlerName
	}

	var res handler.Result
	switch name {
	case "echo":
		res = handler.Ok(req.Params.Context.Payload, 0)
	case "identity":
		data, _ := json.Marshal(map[string]string{
			"worker_id": os.Getenv("FERRITE_WORKER_ID"),
			"handler":   req.Params.Context.HandlerName,
		})
		res = handler.Ok(data, 0)
	case "sleep":
		var p struct {
			Millis int `json:"millis"`
		}
		_ = json.Unmarshal(req.Params.Context.Payload, &p)
		time.Sleep(time.Duration(p.Millis) * time.Millisecond)
		res = handler.Ok(json.RawMessage(`{"slept":true}`), 0)
	case "crash":
		os.Exit(3)
	case "fail":
		res = handler.Fail("handler reported failure", 0)
	default:
		resp.Error = &script.ResponseError{Code: -32000, Message: fmt.Sprintf("no handler %q", name)}
		return resp
	}

	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	resp.Result = &res
	return resp
}

func baseName(path string) string {
	if path == "" {
		return ""
	}
	base := path[strings.LastIndexByte(path, '/')+1:]
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}
