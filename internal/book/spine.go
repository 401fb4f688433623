package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

// ElementSpec describes one spine element before the spine is built.
type ElementSpec struct {
	ID       string
	Title    string
	Duration time.Duration
	Position Position
}

// SpineElement is the runtime form of one manifest spine entry. It does not
// own its spine; Next and DownloadStatus are lookups through it.
type SpineElement struct {
	ID       string
	Index    int
	Title    string
	Duration time.Duration
	Position Position

	spine *Spine
}

// Next returns the following element, or false for the last one.
func (e *SpineElement) Next() (*SpineElement, bool) {
	return e.spine.At(e.Index + 1)
}

// DownloadStatus reads the element's status from the status map.
func (e *SpineElement) DownloadStatus() status.DownloadStatus {
	s, err := e.spine.statuses.Status(e.ID)
	if err != nil {
		// Unreachable for elements created by NewSpine.
		return status.NotDownloaded{}
	}
	return s
}

// PlayingStatus reads the element's playing status from the status map.
func (e *SpineElement) PlayingStatus() status.PlayingStatus {
	p, _ := e.spine.statuses.Playing(e.ID)
	return p
}

// DownloadTask returns the task attached to the element, if any.
func (e *SpineElement) DownloadTask() (DownloadTask, bool) {
	return e.spine.task(e.ID)
}

// Spine is the ordered, immutable list of a book's elements together with
// their status map.
type Spine struct {
	elements []*SpineElement
	byID     map[string]*SpineElement
	statuses *status.Map

	mu    sync.RWMutex
	tasks map[string]DownloadTask
}

// NewSpine builds a spine. Element ids must be unique and non-empty; indexes
// are assigned in order starting at zero.
func NewSpine(specs []ElementSpec) (*Spine, error) {
	s := &Spine{
		elements: make([]*SpineElement, 0, len(specs)),
		byID:     make(map[string]*SpineElement, len(specs)),
		tasks:    make(map[string]DownloadTask, len(specs)),
	}
	ids := make([]string, 0, len(specs))
	for i, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("spine element %d has no id", i)
		}
		if _, dup := s.byID[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate spine element id %q", spec.ID)
		}
		e := &SpineElement{
			ID:       spec.ID,
			Index:    i,
			Title:    spec.Title,
			Duration: spec.Duration,
			Position: spec.Position,
			spine:    s,
		}
		s.elements = append(s.elements, e)
		s.byID[e.ID] = e
		ids = append(ids, e.ID)
	}
	s.statuses = status.New(ids...)
	return s, nil
}

// Len returns the number of elements.
func (s *Spine) Len() int { return len(s.elements) }

// Elements returns the elements in spine order.
func (s *Spine) Elements() []*SpineElement {
	return append([]*SpineElement(nil), s.elements...)
}

// At returns the element at index i.
func (s *Spine) At(i int) (*SpineElement, bool) {
	if i < 0 || i >= len(s.elements) {
		return nil, false
	}
	return s.elements[i], true
}

// ByID returns the element with the given id.
func (s *Spine) ByID(id string) (*SpineElement, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// StatusMap returns the map that owns every element's status.
func (s *Spine) StatusMap() *status.Map { return s.statuses }

// SetTask attaches the download task for an element.
func (s *Spine) SetTask(id string, t DownloadTask) error {
	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("%w: %s", status.ErrUnknownElement, id)
	}
	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()
	return nil
}

func (s *Spine) task(id string) (DownloadTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// TotalDuration sums the element durations.
func (s *Spine) TotalDuration() time.Duration {
	var d time.Duration
	for _, e := range s.elements {
		d += e.Duration
	}
	return d
}
