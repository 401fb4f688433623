package stream

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Job.Await when the bounded wait elapses first.
var ErrTimeout = errors.New("stream: job did not complete in time")

// Job is a unit of background work whose progress is observed through one
// subscription to a Hub. Unsubscribing abandons the work: its context is
// cancelled and no further events are delivered.
type Job[E any, R any] struct {
	sub    *Subscription[E]
	cancel context.CancelFunc
	done   chan struct{}

	result R
	err    error
}

// Start subscribes to hub and then runs work on its own goroutine, so no event
// emitted by work can be missed by the returned job.
func Start[E any, R any](ctx context.Context, hub *Hub[E], work func(ctx context.Context) (R, error)) *Job[E, R] {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job[E, R]{
		sub:    hub.Subscribe(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		defer cancel()
		j.result, j.err = work(jobCtx)
	}()
	return j
}

// Events returns the channel of progress events for this job.
func (j *Job[E, R]) Events() <-chan E {
	return j.sub.C()
}

// Done is closed when the work function has returned.
func (j *Job[E, R]) Done() <-chan struct{} {
	return j.done
}

// Unsubscribe cancels the work and stops event delivery. It does not wait for
// the work function to observe the cancellation.
func (j *Job[E, R]) Unsubscribe() {
	j.cancel()
	j.sub.Close()
}

// Await waits up to timeout for the result. A non-positive timeout waits
// until the work completes. ErrTimeout is returned if the bound is exceeded;
// the job keeps running until Unsubscribe is called.
func (j *Job[E, R]) Await(timeout time.Duration) (R, error) {
	if timeout <= 0 {
		<-j.done
		return j.result, j.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return j.result, j.err
	case <-timer.C:
		var zero R
		return zero, ErrTimeout
	}
}
