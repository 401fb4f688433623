package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

func TestMemoryPaging(t *testing.T) {
	j := NewMemory()
	defer j.Close()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := j.Append(ctx, Entry{BookID: "b", ElementID: fmt.Sprintf("0-%d", i), Status: "downloaded"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := j.Append(ctx, Entry{BookID: "other", ElementID: "0-0"}); err != nil {
		t.Fatal(err)
	}

	first, err := j.Entries(ctx, Query{BookID: "b", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Entries) != 2 || first.NextCursor == "" || first.Entries[0].Seq != 1 {
		t.Fatalf("first page = %+v", first)
	}

	var all []Entry
	all = append(all, first.Entries...)
	cursor := first.NextCursor
	for cursor != "" {
		p, err := j.Entries(ctx, Query{BookID: "b", Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, p.Entries...)
		cursor = p.NextCursor
	}
	if len(all) != 5 {
		t.Fatalf("paged %d entries, want 5", len(all))
	}
	for i, e := range all {
		if e.ElementID != fmt.Sprintf("0-%d", i) {
			t.Errorf("entry %d = %s", i, e.ElementID)
		}
	}

	one, err := j.Entries(ctx, Query{BookID: "b", ElementID: "0-3"})
	if err != nil || len(one.Entries) != 1 {
		t.Fatalf("element filter = %+v, %v", one, err)
	}
}

func TestInvalidCursor(t *testing.T) {
	_, err := NewMemory().Entries(context.Background(), Query{BookID: "b", Cursor: "%%%"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("Entries error = %v, want ErrInvalidCursor", err)
	}
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := FromEvent("b", status.Event{ElementID: "0-1", Download: status.Failed{Reason: "disk full"}, Playing: status.Paused, At: at})
	if e.Status != "failed" || e.Reason != "disk full" || e.Playing != "paused" || !e.At.Equal(at) {
		t.Errorf("FromEvent() = %+v", e)
	}
	e = FromEvent("b", status.Event{ElementID: "0-1", Download: status.Downloading{Percent: 30}})
	if e.Percent != 30 {
		t.Errorf("percent = %d", e.Percent)
	}
}

func TestRecord(t *testing.T) {
	m := status.New("0-1")
	j := NewMemory()
	stop := Record(context.Background(), m.Events(), "b", j, nil)

	_ = m.Update("0-1", status.Downloading{Percent: 0})
	_ = m.Update("0-1", status.Downloaded{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, err := j.Entries(context.Background(), Query{BookID: "b"})
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Entries) == 2 {
			if p.Entries[0].Status != "downloading" || p.Entries[1].Status != "downloaded" {
				t.Fatalf("entries = %+v", p.Entries)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d entries, want 2", len(p.Entries))
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	_ = m.Update("0-1", status.NotDownloaded{})
	time.Sleep(20 * time.Millisecond)
	p, _ := j.Entries(context.Background(), Query{BookID: "b"})
	if len(p.Entries) != 2 {
		t.Errorf("entries after stop = %d, want 2", len(p.Entries))
	}
}
