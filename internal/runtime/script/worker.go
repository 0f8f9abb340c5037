package script

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/lodeworks/ferrite/internal/handler"
)

// readyTimeout bounds how long a freshly spawned worker may take to emit its
// ready line before it is killed.
const readyTimeout = 5 * time.Second

// Worker is one long-lived script subprocess speaking newline-delimited
// JSON-RPC over stdin/stdout. A worker runs at most one handler at a time;
// Execute serializes callers with a mutex.
type Worker struct {
	id    int
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *LineReader

	// waitCh closes when the process exits. Liveness checks read from it
	// without blocking.
	waitCh  chan struct{}
	waitErr error

	mu       sync.Mutex
	lastUsed time.Time
}

// SpawnWorker starts the worker command, wires its pipes, and blocks until
// the ready line arrives or the handshake times out. On handshake failure
// the process is killed before returning.
func SpawnWorker(ctx context.Context, id int, bin string, args []string, env []string) (*Worker, error) {
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	w := &Worker{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		out:    NewLineReader(stdout),
		waitCh: make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.waitCh)
	}()

	if err := w.awaitReady(ctx); err != nil {
		w.Kill()
		return nil, err
	}
	return w, nil
}

// awaitReady reads lines until the ready signal arrives, bounded by
// readyTimeout and the caller context.
func (w *Worker) awaitReady(ctx context.Context) error {
	type readResult struct {
		sig ReadySignal
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		var sig ReadySignal
		err := w.out.ReadLine(&sig)
		ch <- readResult{sig, err}
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("worker %d handshake: %w", w.id, res.err)
		}
		if res.sig.Type != "ready" {
			return fmt.Errorf("worker %d handshake: expected ready signal, got %q", w.id, res.sig.Type)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("worker %d handshake: no ready signal within %s", w.id, readyTimeout)
	case <-ctx.Done():
		return fmt.Errorf("worker %d handshake: %w", w.id, ctx.Err())
	}
}

// Execute sends one request and reads back its response. Any transport fault
// leaves the worker in an unknown state; callers must treat a returned error
// as fatal to this worker and replace it.
func (w *Worker) Execute(ctx context.Context, handlerPath string, hctx handler.Context) (handler.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = time.Now()

	req := NewRequest(handlerPath, hctx)
	if err := WriteLine(w.stdin, req); err != nil {
		return handler.Result{}, fmt.Errorf("worker %d: %w", w.id, err)
	}

	type readResult struct {
		resp Response
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		var resp Response
		err := w.out.ReadLine(&resp)
		ch <- readResult{resp, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return handler.Result{}, fmt.Errorf("worker %d: %w", w.id, res.err)
		}
		if res.resp.ID != req.ID {
			return handler.Result{}, fmt.Errorf("worker %d: response id %q does not match request id %q", w.id, res.resp.ID, req.ID)
		}
		if res.resp.Error != nil {
			return handler.Result{}, fmt.Errorf("worker %d: %s (code %d)", w.id, res.resp.Error.Message, res.resp.Error.Code)
		}
		if res.resp.Result == nil {
			return handler.Result{}, fmt.Errorf("worker %d: response carries neither result nor error", w.id)
		}
		return *res.resp.Result, nil
	case <-w.waitCh:
		return handler.Result{}, fmt.Errorf("worker %d exited mid-request: %v", w.id, w.waitErr)
	case <-ctx.Done():
		return handler.Result{}, fmt.Errorf("worker %d: %w", w.id, ctx.Err())
	}
}

// LastUsed returns when the worker last started serving a request. Zero for a
// worker that has only completed its handshake.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// Alive reports whether the process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.waitCh:
		return false
	default:
		return true
	}
}

// Kill terminates the process and waits for it to be reaped.
func (w *Worker) Kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.stdin.Close()
	<-w.waitCh
}
