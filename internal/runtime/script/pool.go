package script

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/lodeworks/ferrite/internal/handler"
)

// DefaultMaxWorkers caps the worker fleet when the config leaves it unset.
const DefaultMaxWorkers = 4

// SpawnFunc starts a single worker. Indirected so tests can substitute a
// helper-process worker for the real interpreter.
type SpawnFunc func(ctx context.Context, id int) (*Worker, error)

// Pool maintains a fleet of script workers, at most maxWorkers alive at
// once. Idle workers are reused; a worker whose transport faults is killed
// and its slot freed for a replacement.
type Pool struct {
	spawn  SpawnFunc
	sem    *semaphore.Weighted
	logger *slog.Logger
	nextID atomic.Int64

	mu     sync.Mutex
	idle   []*Worker
	closed bool
}

// NewPool creates a pool that spawns workers on demand via spawn.
func NewPool(maxWorkers int, spawn SpawnFunc, logger *slog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		spawn:  spawn,
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		logger: logger,
	}
}

// Execute acquires a worker slot, dispatches on an idle or freshly spawned
// worker, and returns the slot. A transport fault kills the worker; the error
// propagates to the caller.
func (p *Pool) Execute(ctx context.Context, handlerPath string, hctx handler.Context) (handler.Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return handler.Result{}, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer p.sem.Release(1)

	w, err := p.checkout(ctx)
	if err != nil {
		return handler.Result{}, err
	}

	res, err := w.Execute(ctx, handlerPath, hctx)
	if err != nil {
		p.logger.Warn("script worker faulted, replacing",
			"worker", w.id,
			"handler", hctx.HandlerName,
			"error", err,
		)
		w.Kill()
		return handler.Result{}, err
	}

	p.checkin(w)
	return res, nil
}

// checkout returns an idle live worker or spawns a new one. Dead idle
// workers are discarded on the way.
func (p *Pool) checkout(ctx context.Context) (*Worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("worker pool is closed")
		}
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			if !w.Alive() {
				p.logger.Warn("discarding dead idle worker", "worker", w.id)
				w.Kill()
				continue
			}
			return w, nil
		}
		p.mu.Unlock()

		id := int(p.nextID.Add(1))
		w, err := p.spawn(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("spawn worker: %w", err)
		}
		p.logger.Debug("spawned script worker", "worker", id)
		return w, nil
	}
}

// checkin returns a worker to the idle set, or kills it if the pool closed
// while it was out.
func (p *Pool) checkin(w *Worker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.Kill()
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// IdleWorkers reports how many workers are parked waiting for a dispatch.
func (p *Pool) IdleWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close kills every idle worker and refuses further checkouts. In-flight
// dispatches finish; their workers are killed on checkin.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		w.Kill()
	}
}
