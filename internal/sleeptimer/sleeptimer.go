// Package sleeptimer pauses a player after a delay or at the end of the
// current chapter.
package sleeptimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// ErrClosed is returned when starting a closed timer.
var ErrClosed = errors.New("sleeptimer: closed")

// Configuration is a preset a listener can pick.
type Configuration string

const (
	Never        Configuration = "never"
	EndOfChapter Configuration = "end-of-chapter"
	Minutes60    Configuration = "60m"
	Minutes45    Configuration = "45m"
	Minutes30    Configuration = "30m"
	Minutes15    Configuration = "15m"
	Now          Configuration = "now"
)

// Configurations lists the presets in menu order.
var Configurations = []Configuration{Never, EndOfChapter, Minutes60, Minutes45, Minutes30, Minutes15, Now}

// Duration is the delay for the fixed-length presets.
func (c Configuration) Duration() (time.Duration, bool) {
	switch c {
	case Minutes60:
		return 60 * time.Minute, true
	case Minutes45:
		return 45 * time.Minute, true
	case Minutes30:
		return 30 * time.Minute, true
	case Minutes15:
		return 15 * time.Minute, true
	case Now:
		return 0, true
	}
	return 0, false
}

// State is the timer state carried by an Event.
type State int

const (
	Running State = iota + 1
	Stopped
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event reports a timer state change. Remaining is zero when the timer waits
// for the end of the chapter.
type Event struct {
	State        State
	Remaining    time.Duration
	EndOfChapter bool
}

// Option configures a Timer.
type Option func(*Timer)

// WithTick sets how often a running timer reports its remaining time.
func WithTick(d time.Duration) Option {
	return func(t *Timer) { t.tick = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timer) { t.log = l }
}

// Timer is a sleep timer bound to one player. At most one countdown is active;
// starting a new one replaces it.
type Timer struct {
	player book.Player
	log    *slog.Logger
	tick   time.Duration
	events *stream.Hub[Event]
	wg     sync.WaitGroup

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	running bool
	closed  bool
}

// New creates an idle timer.
func New(player book.Player, opts ...Option) *Timer {
	t := &Timer{
		player: player,
		log:    slog.Default(),
		tick:   time.Second,
		events: stream.NewHub[Event](),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.tick <= 0 {
		t.tick = time.Second
	}
	return t
}

// Events returns the timer's event stream.
func (t *Timer) Events() *stream.Hub[Event] { return t.events }

// IsRunning reports whether a countdown is active.
func (t *Timer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Apply starts or cancels the timer according to c.
func (t *Timer) Apply(c Configuration) error {
	switch c {
	case Never:
		t.Cancel()
		return nil
	case EndOfChapter:
		return t.StartAtEndOfChapter()
	}
	d, ok := c.Duration()
	if !ok {
		return fmt.Errorf("sleeptimer: unknown configuration %q", c)
	}
	return t.Start(d)
}

// begin replaces any active countdown. The caller holds t.mu.
func (t *Timer) begin() (context.Context, uint64, error) {
	if t.closed {
		return nil, 0, ErrClosed
	}
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.gen++
	t.cancel = cancel
	t.running = true
	return ctx, t.gen, nil
}

// Start pauses the player after d. A non-positive d pauses it immediately.
func (t *Timer) Start(d time.Duration) error {
	t.mu.Lock()
	ctx, gen, err := t.begin()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.events.Publish(Event{State: Running, Remaining: max(d, 0)})
	t.mu.Unlock()

	t.log.Debug("sleep timer started", "duration", d.String())
	t.wg.Add(1)
	go t.countdown(ctx, gen, d)
	return nil
}

func (t *Timer) countdown(ctx context.Context, gen uint64, d time.Duration) {
	defer t.wg.Done()
	deadline := time.Now().Add(d)
	timer := time.NewTimer(max(d, 0))
	defer timer.Stop()
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.finish(gen)
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.gen == gen && t.running {
				t.events.Publish(Event{State: Running, Remaining: max(time.Until(deadline), 0)})
			}
			t.mu.Unlock()
		}
	}
}

// StartAtEndOfChapter pauses the player when the current chapter completes.
func (t *Timer) StartAtEndOfChapter() error {
	t.mu.Lock()
	ctx, gen, err := t.begin()
	if err != nil {
		t.mu.Unlock()
		return err
	}
	sub := t.player.Events().Subscribe()
	t.events.Publish(Event{State: Running, EndOfChapter: true})
	t.mu.Unlock()

	t.log.Debug("sleep timer waiting for end of chapter")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if ev.Kind == book.EventChapterCompleted {
					t.finish(gen)
					return
				}
			}
		}
	}()
	return nil
}

func (t *Timer) finish(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || !t.running {
		return
	}
	t.running = false
	t.cancel()
	t.cancel = nil
	t.player.Pause()
	t.events.Publish(Event{State: Finished})
	t.log.Debug("sleep timer finished")
}

// Cancel stops an active countdown. It does nothing when the timer is idle.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.gen++
	t.running = false
	t.cancel()
	t.cancel = nil
	t.events.Publish(Event{State: Stopped})
}

// Close cancels the timer, waits for its goroutines and ends the event stream.
func (t *Timer) Close() error {
	t.Cancel()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
	t.events.Close()
	return nil
}
