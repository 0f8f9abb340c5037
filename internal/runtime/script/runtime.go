// Package script runs TypeScript handlers in a pool of long-lived worker
// subprocesses, speaking newline-delimited JSON-RPC over stdin/stdout.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lodeworks/ferrite/internal/handler"
	"github.com/lodeworks/ferrite/internal/runtime"
)

// BuildDir is where compiled handler output lives, mirroring the src/ tree.
const BuildDir = ".ferrite"

// Options configures the script lane.
type Options struct {
	// ProjectRoot anchors the src/ and build trees.
	ProjectRoot string

	// WorkerBin and WorkerArgs launch one worker process. Defaults to the
	// node entrypoint under the build dir.
	WorkerBin  string
	WorkerArgs []string

	// MaxWorkers caps the fleet. Zero means DefaultMaxWorkers.
	MaxWorkers int
}

// Runtime is the script execution lane.
type Runtime struct {
	opts    Options
	pool    *Pool
	logger  *slog.Logger
	workers *logrus.Logger
}

var _ runtime.Lane = (*Runtime)(nil)

// New creates the script lane and its worker pool. Workers spawn lazily on
// first dispatch.
func New(opts Options, logger *slog.Logger) *Runtime {
	if opts.WorkerBin == "" {
		opts.WorkerBin = "node"
		opts.WorkerArgs = []string{filepath.Join(opts.ProjectRoot, BuildDir, "worker.js")}
	}

	// Worker log lines come back structured on the wire; logrus re-emits
	// them host-side with their original fields.
	workers := logrus.New()
	workers.SetFormatter(&logrus.JSONFormatter{})

	r := &Runtime{
		opts:    opts,
		logger:  logger,
		workers: workers,
	}
	r.pool = NewPool(opts.MaxWorkers, r.spawnWorker, logger)
	return r
}

func (r *Runtime) Name() string { return "typescript" }

func (r *Runtime) spawnWorker(ctx context.Context, id int) (*Worker, error) {
	env := []string{"FERRITE_WORKER_ID=" + fmt.Sprint(id)}
	return SpawnWorker(ctx, id, r.opts.WorkerBin, r.opts.WorkerArgs, env)
}

// Execute remaps the resolved source path into the build tree and dispatches
// it on the pool. Worker log lines are re-emitted and stripped before the
// result returns.
func (r *Runtime) Execute(ctx context.Context, handlerPath string, hctx handler.Context) (handler.Result, error) {
	compiled, err := r.compiledPath(handlerPath)
	if err != nil {
		return handler.Result{}, err
	}

	res, err := r.pool.Execute(ctx, compiled, hctx)
	if err != nil {
		return handler.Result{}, err
	}

	r.emitWorkerLogs(res.Logs)
	res.Logs = nil
	return res, nil
}

// compiledPath maps src/handlers/api/foo.ts to <root>/.ferrite/handlers/api/foo.js.
func (r *Runtime) compiledPath(handlerPath string) (string, error) {
	srcRoot := filepath.Join(r.opts.ProjectRoot, "src")
	rel, err := filepath.Rel(srcRoot, handlerPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("handler source %q is outside %s", handlerPath, srcRoot)
	}
	rel = strings.TrimSuffix(rel, ".ts") + ".js"
	return filepath.Join(r.opts.ProjectRoot, BuildDir, rel), nil
}

// emitWorkerLogs replays log lines captured inside the worker at their
// original level.
func (r *Runtime) emitWorkerLogs(logs []handler.WorkerLog) {
	for _, l := range logs {
		entry := r.workers.WithField("handler", l.Handler)
		if l.Timestamp != "" {
			entry = entry.WithField("worker_time", l.Timestamp)
		}
		for k, v := range l.Fields {
			entry = entry.WithField(k, v)
		}
		switch l.Level {
		case "debug":
			entry.Debug(l.Message)
		case "warn", "warning":
			entry.Warn(l.Message)
		case "error":
			entry.Error(l.Message)
		default:
			entry.Info(l.Message)
		}
	}
}

// Close shuts down the worker pool.
func (r *Runtime) Close() {
	r.pool.Close()
}
