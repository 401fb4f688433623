// Package mainloop serializes callbacks onto one goroutine, the way a UI
// thread serializes everything that touches UI-facing state.
package mainloop

import (
	"fmt"
	"log/slog"
	"sync"
)

// Loop runs posted functions one at a time, in posting order.
type Loop struct {
	log *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	exited chan struct{}
}

// New starts a loop.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{log: log, exited: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post queues fn without blocking. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.log.Warn("main loop closed, dropping callback")
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Close runs what is already queued, then stops the loop and waits for it.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
	<-l.exited
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := l.call(fn); err != nil {
			l.log.Error("main loop callback failed", "error", err)
		}
	}
}

func (l *Loop) call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}
