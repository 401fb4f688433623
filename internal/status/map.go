package status

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

var (
	// ErrUnknownElement is returned for ids the map was not created with.
	ErrUnknownElement = errors.New("status: unknown spine element")
	// ErrInvalidPercent is returned for Downloading values outside [0, 100].
	ErrInvalidPercent = errors.New("status: download percentage out of range")
)

// TransitionError reports an update the download state machine does not permit.
type TransitionError struct {
	ElementID string
	From      DownloadStatus
	To        DownloadStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status: element %s cannot move from %s to %s", e.ElementID, e.From, e.To)
}

type entry struct {
	download DownloadStatus
	playing  PlayingStatus
}

// Map is the authoritative owner of every spine element's state. All methods
// are safe for concurrent use. Storing a new value and broadcasting it happen
// under the same lock, so events for one element are delivered in the order
// the updates were applied and Status never observes a value older than the
// last Update that returned.
type Map struct {
	mu      sync.RWMutex
	entries map[string]entry
	events  *stream.Hub[Event]
	now     func() time.Time
}

// New creates a map tracking the given element ids, all NotDownloaded and
// Stopped. Registration does not produce events.
func New(ids ...string) *Map {
	m := &Map{
		entries: make(map[string]entry, len(ids)),
		events:  stream.NewHub[Event](),
		now:     time.Now,
	}
	for _, id := range ids {
		m.entries[id] = entry{download: NotDownloaded{}, playing: Stopped}
	}
	return m
}

// Events returns the broadcast point for state changes. Subscribers only see
// changes made after they subscribed.
func (m *Map) Events() *stream.Hub[Event] {
	return m.events
}

// Update moves the element to next. Updates that change nothing, such as a
// repeated Downloaded, succeed without broadcasting.
func (m *Map) Update(id string, next DownloadStatus) error {
	if next == nil {
		return fmt.Errorf("status: nil download status for %s", id)
	}
	if d, ok := next.(Downloading); ok && (d.Percent < 0 || d.Percent > 100) {
		return fmt.Errorf("%w: %d", ErrInvalidPercent, d.Percent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	if same(e.download, next) {
		return nil
	}
	if !allowed(e.download, next) {
		return &TransitionError{ElementID: id, From: e.download, To: next}
	}
	e.download = next
	m.entries[id] = e
	m.events.Publish(Event{ElementID: id, Download: next, Playing: e.playing, At: m.now()})
	return nil
}

// Status returns the element's current download status.
func (m *Map) Status(id string) (DownloadStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return e.download, nil
}

// SetPlaying records the element's playing status.
func (m *Map) SetPlaying(id string, p PlayingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	if e.playing == p {
		return nil
	}
	e.playing = p
	m.entries[id] = e
	m.events.Publish(Event{ElementID: id, Download: e.download, Playing: p, At: m.now()})
	return nil
}

// Playing returns the element's playing status.
func (m *Map) Playing(id string) (PlayingStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Stopped, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return e.playing, nil
}

// IDs returns the tracked element ids in lexical order.
func (m *Map) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the download status of every element.
func (m *Map) Snapshot() map[string]DownloadStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DownloadStatus, len(m.entries))
	for id, e := range m.entries {
		out[id] = e.download
	}
	return out
}

// Close ends every subscription to Events.
func (m *Map) Close() {
	m.events.Close()
}
