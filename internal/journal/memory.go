package journal

import (
	"context"
	"sync"
)

type memory struct {
	mu      sync.RWMutex
	seq     int64
	entries []Entry
}

// NewMemory creates an in-memory journal for development and tests.
func NewMemory() Journal {
	return &memory{}
}

func (m *memory) Append(ctx context.Context, e Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.entries = append(m.entries, e)
	return e.Seq, nil
}

func (m *memory) Entries(ctx context.Context, q Query) (*Page, error) {
	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Seq <= after || e.BookID != q.BookID {
			continue
		}
		if q.ElementID != "" && e.ElementID != q.ElementID {
			continue
		}
		out = append(out, e)
		if len(out) > limit {
			break
		}
	}
	return page(out, limit), nil
}

func (m *memory) Close() {}
