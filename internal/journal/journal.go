// Package journal keeps an append-only history of spine element status
// changes, in memory or in PostgreSQL.
package journal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// ErrInvalidCursor is returned for cursors not produced by Entries.
var ErrInvalidCursor = errors.New("journal: invalid cursor")

const (
	defaultLimit = 25
	maxLimit     = 100
)

// Entry is one recorded status change.
type Entry struct {
	Seq       int64     `json:"seq"`               // Assigned by the journal on append
	BookID    string    `json:"bookId"`            // Book the element belongs to
	ElementID string    `json:"elementId"`         // Spine element id
	Status    string    `json:"status"`            // Download status kind
	Percent   int       `json:"percent,omitempty"` // Progress for downloading entries
	Reason    string    `json:"reason,omitempty"`  // Failure reason for failed entries
	Playing   string    `json:"playing"`           // Playing status
	At        time.Time `json:"at"`                // When the change was applied
}

// FromEvent converts a status map event.
func FromEvent(bookID string, ev status.Event) Entry {
	e := Entry{
		BookID:    bookID,
		ElementID: ev.ElementID,
		Status:    ev.Download.Kind(),
		Playing:   ev.Playing.String(),
		At:        ev.At.UTC(),
	}
	switch s := ev.Download.(type) {
	case status.Downloading:
		e.Percent = s.Percent
	case status.Failed:
		e.Reason = s.Reason
	}
	return e
}

// Query selects a page of a book's entries in append order.
type Query struct {
	BookID    string
	ElementID string // optional
	Cursor    string // from a previous Page
	Limit     int    // default 25, at most 100
}

// Page is one page of entries.
type Page struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"nextCursor,omitempty"` // empty on the last page
}

// Journal stores status history.
type Journal interface {
	// Append records e and returns its sequence number.
	Append(ctx context.Context, e Entry) (int64, error)
	// Entries lists entries after the query cursor.
	Entries(ctx context.Context, q Query) (*Page, error)
	Close()
}

// Ping checks the journal's backing store. Journals without one are always
// reachable.
func Ping(ctx context.Context, j Journal) error {
	if p, ok := j.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

type cursorData struct {
	LastSeq int64 `json:"s"`
}

func encodeCursor(seq int64) string {
	b, _ := json.Marshal(cursorData{LastSeq: seq})
	return base64.URLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c cursorData
	if err := json.Unmarshal(raw, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c.LastSeq, nil
}

// page trims a limit+1 result to limit and sets the cursor.
func page(entries []Entry, limit int) *Page {
	p := &Page{Entries: entries}
	if len(entries) > limit {
		p.Entries = entries[:limit]
		p.NextCursor = encodeCursor(p.Entries[limit-1].Seq)
	}
	return p
}

// Record appends every event published on events to j until stop is called
// or the hub closes. Append failures are logged and do not stop recording.
func Record(ctx context.Context, events *stream.Hub[status.Event], bookID string, j Journal, log *slog.Logger) (stop func()) {
	if log == nil {
		log = slog.Default()
	}
	sub := events.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			if _, err := j.Append(ctx, FromEvent(bookID, ev)); err != nil {
				log.Warn("journal append failed", "book", bookID, "element", ev.ElementID, "error", err)
			}
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}
