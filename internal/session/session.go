// Package session drives one audiobook from a fetch URI and credentials to a
// configured book and player. A session walks
//
//	WaitingForManifest -> ReceivedResponse -> ReceivedManifest -> Configured -> Closed
//
// and ends in Failed when any stage fails. Fatal failures are reported once
// through an ErrorReporter on the main dispatcher, after the session has
// released everything it built.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/download"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/event"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/sleeptimer"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// State is a session lifecycle state.
type State int

const (
	WaitingForManifest State = iota + 1
	ReceivedResponse
	ReceivedManifest
	Configured
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case WaitingForManifest:
		return "waiting-for-manifest"
	case ReceivedResponse:
		return "received-response"
	case ReceivedManifest:
		return "received-manifest"
	case Configured:
		return "configured"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Progress is a human readable message about what the session is doing.
// Messages relayed from fulfillment and license verifiers are best effort.
type Progress struct {
	State   State
	Message string
	At      time.Time
}

// ErrorReporter shows a fatal session failure to the user.
type ErrorReporter interface {
	// ReportError is called on the main dispatcher. It must call continuation
	// exactly once, after the failure has been acknowledged.
	ReportError(message string, cause error, continuation func())
}

// Dispatcher runs callbacks on the main context. Post reports false when the
// callback was not accepted.
type Dispatcher interface {
	Post(fn func()) bool
}

// Session is one attempt to open a book.
type Session struct {
	id       string
	o        *Orchestrator
	params   Params
	log      *slog.Logger
	pub      event.Publisher
	exec     *download.Executor
	progress *stream.Hub[Progress]
	started  atomic.Bool

	mu       sync.Mutex
	state    State
	manifest *manifest.Manifest
	book     book.Book
	player   book.Player
	timer    *sleeptimer.Timer
	stops    []func()
	done     bool
}

func (s *Session) ID() string { return s.id }

// Progress returns the stream of state changes and stage messages. It ends
// when the session closes or fails.
func (s *Session) Progress() *stream.Hub[Progress] { return s.progress }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manifest returns the parsed manifest, or nil before ReceivedManifest.
func (s *Session) Manifest() *manifest.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Book returns the opened book, or nil before Configured and after Close.
func (s *Session) Book() book.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book
}

// Player returns the book's player. It is nil when the orchestrator has no
// playback engine.
func (s *Session) Player() book.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// SleepTimer returns the timer bound to the player, or nil without a player.
func (s *Session) SleepTimer() *sleeptimer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

// setState publishes under the lock so Progress never shows a state going
// backwards.
func (s *Session) setState(ctx context.Context, st State, msg string) {
	s.mu.Lock()
	s.state = st
	s.progress.Publish(Progress{State: st, Message: msg, At: time.Now()})
	s.mu.Unlock()

	s.log.Debug("session state changed", "state", st.String())
	metrics.NewMetrics().ObserveSessionState(st.String())
	if err := s.pub.PublishSessionState(ctx, s.id, st.String()); err != nil {
		s.log.Warn("failed to publish session state", "state", st.String(), "error", err)
	}
}

func (s *Session) message(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Publish(Progress{State: s.state, Message: msg, At: time.Now()})
}

// onStop registers cleanup run first on release, in reverse order.
func (s *Session) onStop(fn func()) {
	s.mu.Lock()
	s.stops = append(s.stops, fn)
	s.mu.Unlock()
}

// release tears down everything the session built. Each part is closed on
// its own; failures are logged and never stop the rest.
func (s *Session) release() {
	s.mu.Lock()
	stops, timer, player, b := s.stops, s.timer, s.player, s.book
	s.stops, s.timer, s.player, s.book = nil, nil, nil, nil
	s.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	if timer != nil {
		if err := timer.Close(); err != nil {
			s.log.Error("error shutting down sleep timer", "error", err)
		}
	}
	if player != nil {
		if err := player.Close(); err != nil {
			s.log.Error("error closing player", "error", err)
		}
	}
	if b != nil {
		if err := b.Close(); err != nil {
			s.log.Error("error closing book", "error", err)
		}
	}
	if err := s.exec.Shutdown(); err != nil {
		s.log.Error("error shutting down download executor", "error", err)
	}
}

// finish marks the session terminal. It reports false if it already was.
func (s *Session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	return true
}

// Close releases the sleep timer, player, book and download executor and
// moves the session to Closed. Teardown errors are logged, not returned.
// Closing a failed or closed session does nothing.
func (s *Session) Close() error {
	if !s.finish() {
		return nil
	}
	s.release()
	s.setState(context.Background(), Closed, "Closed")
	s.progress.Close()
	return nil
}
