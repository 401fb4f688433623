// Package download runs per spine element download tasks on a bounded pool
// and republishes download engine callbacks into the status map.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// ErrExecutorClosed is returned by Submit after Shutdown.
var ErrExecutorClosed = errors.New("download: executor is shut down")

// Executor is a fixed-size worker pool. Submit queues work without blocking;
// a dispatcher goroutine feeds the queue into an errgroup whose limit bounds
// concurrency.
type Executor struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(context.Context)
	closed bool

	dispatched chan struct{}
	shutdown   sync.Once
}

// NewExecutor starts a pool with the given number of workers.
func NewExecutor(workers int, log *slog.Logger) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		dispatched: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	e.group.SetLimit(workers)
	go e.dispatch()
	return e
}

// Submit queues fn. The context passed to fn is cancelled on Shutdown.
func (e *Executor) Submit(fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.queue = append(e.queue, fn)
	e.cond.Signal()
	return nil
}

// Pending returns the number of queued, not yet started, jobs.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) dispatch() {
	defer close(e.dispatched)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		// Blocks while every worker is busy.
		e.group.Go(func() error {
			return e.run(fn)
		})
	}
}

func (e *Executor) run(fn func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("download job panicked", "panic", r)
			err = fmt.Errorf("download job panicked: %v", r)
		}
	}()
	if e.ctx.Err() != nil {
		return nil
	}
	fn(e.ctx)
	return nil
}

// Shutdown stops accepting work, drops queued jobs, cancels running ones and
// waits for them to return. It is safe to call more than once.
func (e *Executor) Shutdown() error {
	var err error
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.closed = true
		dropped := len(e.queue)
		e.queue = nil
		e.cond.Broadcast()
		e.mu.Unlock()

		e.cancel()
		<-e.dispatched
		err = e.group.Wait()
		if dropped > 0 {
			e.log.Debug("download executor dropped queued jobs", "count", dropped)
		}
	})
	return err
}
