package script

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lodeworks/ferrite/internal/handler"
)

// MaxLineSize is the maximum allowed wire line (16 MiB).
const MaxLineSize = 16 << 20

// jsonRPCVersion is sent on every request envelope.
const jsonRPCVersion = "2.0"

// methodExecute is the only method the host invokes on a worker.
const methodExecute = "execute"

// ReadySignal is the first line a worker emits once its module loader is
// warm. The host refuses to dispatch until it arrives.
type ReadySignal struct {
	Type string `json:"type"`
}

// ExecuteParams carries one dispatch to a worker: the resolved source file
// and the full handler context.
type ExecuteParams struct {
	HandlerPath string          `json:"handler_path"`
	Context     handler.Context `json:"context"`
}

// Request is the host→worker envelope, one JSON object per line.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  ExecuteParams `json:"params"`
}

// Response is the worker→host envelope. Exactly one of Result or Error is
// set; handler-level failures travel inside Result.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  *handler.Result `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a worker-level fault: the worker itself could not run the
// handler (bad module, missing export, internal panic).
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds an execute request with a fresh ULID id.
func NewRequest(handlerPath string, hctx handler.Context) Request {
	return Request{
		JSONRPC: jsonRPCVersion,
		ID:      handler.NewID(),
		Method:  methodExecute,
		Params: ExecuteParams{
			HandlerPath: handlerPath,
			Context:     hctx,
		},
	}
}

// WriteLine writes v as a single JSON line to w.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// LineReader decodes newline-delimited JSON messages from a worker stream.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r with a line scanner sized for the protocol maximum.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), MaxLineSize)
	return &LineReader{scanner: sc}
}

// ReadLine reads the next non-empty line and decodes it into v.
func (lr *LineReader) ReadLine(v any) error {
	for lr.scanner.Scan() {
		line := lr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}
		return nil
	}
	if err := lr.scanner.Err(); err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	return io.EOF
}
