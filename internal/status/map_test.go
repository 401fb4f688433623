package status

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func next(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
		return Event{}
	}
}

func TestMapDeliversUpdatesInOrder(t *testing.T) {
	m := New("e1")
	defer m.Close()
	sub := m.Events().Subscribe()
	defer sub.Close()

	updates := []DownloadStatus{Downloading{Percent: 0}, Downloading{Percent: 50}, Downloaded{}}
	for _, u := range updates {
		if err := m.Update("e1", u); err != nil {
			t.Fatalf("Update(%v) error = %v", u, err)
		}
	}

	got, err := m.Status("e1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(Downloaded); !ok {
		t.Errorf("Status(e1) = %v, want downloaded", got)
	}

	for i, want := range updates {
		ev := next(t, sub.C())
		if ev.ElementID != "e1" || ev.Download != want {
			t.Errorf("event %d = %+v, want %v", i, ev, want)
		}
	}

	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMapUnknownElement(t *testing.T) {
	m := New("e1")
	if err := m.Update("nope", Downloading{}); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("Update(nope) error = %v, want ErrUnknownElement", err)
	}
	if _, err := m.Status("nope"); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("Status(nope) error = %v, want ErrUnknownElement", err)
	}
	if err := m.SetPlaying("nope", Playing); !errors.Is(err, ErrUnknownElement) {
		t.Errorf("SetPlaying(nope) error = %v, want ErrUnknownElement", err)
	}
}

func TestMapTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []DownloadStatus
		next    DownloadStatus
		wantErr bool
	}{
		{"not downloaded to downloading", nil, Downloading{Percent: 0}, false},
		{"not downloaded to downloaded", nil, Downloaded{}, true},
		{"not downloaded to failed", nil, Failed{Reason: "x"}, true},
		{"downloading to failed", []DownloadStatus{Downloading{}}, Failed{Reason: "x"}, false},
		{"downloading cancelled", []DownloadStatus{Downloading{Percent: 10}}, NotDownloaded{}, false},
		{"failed retry", []DownloadStatus{Downloading{}, Failed{}}, NotDownloaded{}, false},
		{"failed with new reason", []DownloadStatus{Downloading{}, Failed{Reason: "a"}}, Failed{Reason: "b"}, false},
		{"failed to downloading", []DownloadStatus{Downloading{}, Failed{}}, Downloading{Percent: 1}, true},
		{"failed to downloaded", []DownloadStatus{Downloading{}, Failed{}}, Downloaded{}, true},
		{"downloaded delete", []DownloadStatus{Downloading{}, Downloaded{}}, NotDownloaded{}, false},
		{"downloaded to downloading", []DownloadStatus{Downloading{}, Downloaded{}}, Downloading{Percent: 3}, true},
		{"downloaded to failed", []DownloadStatus{Downloading{}, Downloaded{}}, Failed{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("e")
			for _, s := range tt.path {
				if err := m.Update("e", s); err != nil {
					t.Fatalf("setup Update(%v) error = %v", s, err)
				}
			}
			err := m.Update("e", tt.next)
			var te *TransitionError
			if tt.wantErr {
				if !errors.As(err, &te) {
					t.Fatalf("Update(%v) error = %v, want *TransitionError", tt.next, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Update(%v) error = %v", tt.next, err)
			}
			got, _ := m.Status("e")
			if got != tt.next {
				t.Errorf("Status() = %v, want %v", got, tt.next)
			}
		})
	}
}

func TestMapRejectsInvalidPercent(t *testing.T) {
	m := New("e")
	for _, p := range []int{-1, 101} {
		if err := m.Update("e", Downloading{Percent: p}); !errors.Is(err, ErrInvalidPercent) {
			t.Errorf("Update(Downloading{%d}) error = %v", p, err)
		}
	}
}

func TestMapRepeatedDownloadedIsSilent(t *testing.T) {
	m := New("e1", "marker")
	defer m.Close()
	for _, s := range []DownloadStatus{Downloading{}, Downloaded{}} {
		if err := m.Update("e1", s); err != nil {
			t.Fatal(err)
		}
	}

	sub := m.Events().Subscribe()
	defer sub.Close()
	for i := 0; i < 5; i++ {
		if err := m.Update("e1", Downloaded{}); err != nil {
			t.Fatalf("repeated Update(Downloaded) error = %v", err)
		}
	}
	if err := m.Update("marker", Downloading{Percent: 1}); err != nil {
		t.Fatal(err)
	}

	if ev := next(t, sub.C()); ev.ElementID != "marker" {
		t.Errorf("first event after repeats = %+v, want marker", ev)
	}
	if got, _ := m.Status("e1"); got != (Downloaded{}) {
		t.Errorf("Status(e1) = %v", got)
	}
}

func TestMapNewFailureReasonIsPublished(t *testing.T) {
	m := New("e1")
	defer m.Close()
	for _, s := range []DownloadStatus{Downloading{}, Failed{Reason: "timeout"}} {
		if err := m.Update("e1", s); err != nil {
			t.Fatal(err)
		}
	}

	sub := m.Events().Subscribe()
	defer sub.Close()
	if err := m.Update("e1", Failed{Reason: "timeout"}); err != nil {
		t.Fatalf("repeated Update(Failed) error = %v", err)
	}
	if err := m.Update("e1", Failed{Reason: "disk full"}); err != nil {
		t.Fatalf("Update(Failed) with new reason error = %v", err)
	}

	ev := next(t, sub.C())
	if f, ok := ev.Download.(Failed); !ok || f.Reason != "disk full" {
		t.Errorf("event = %+v, want failed with reason disk full", ev)
	}
	if got, _ := m.Status("e1"); got != (Failed{Reason: "disk full"}) {
		t.Errorf("Status(e1) = %v", got)
	}
}

func TestMapLateSubscriberSeesOnlyFutureUpdates(t *testing.T) {
	m := New("e1")
	defer m.Close()
	if err := m.Update("e1", Downloading{Percent: 5}); err != nil {
		t.Fatal(err)
	}
	sub := m.Events().Subscribe()
	defer sub.Close()
	if err := m.Update("e1", Downloading{Percent: 6}); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, sub.C()); ev.Download != (Downloading{Percent: 6}) {
		t.Errorf("event = %+v, want Downloading(6)", ev)
	}
}

func TestMapPlayingStatus(t *testing.T) {
	m := New("e1")
	defer m.Close()
	sub := m.Events().Subscribe()
	defer sub.Close()

	if err := m.SetPlaying("e1", Playing); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPlaying("e1", Playing); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPlaying("e1", Paused); err != nil {
		t.Fatal(err)
	}

	if ev := next(t, sub.C()); ev.Playing != Playing {
		t.Errorf("first event = %+v", ev)
	}
	if ev := next(t, sub.C()); ev.Playing != Paused {
		t.Errorf("second event = %+v", ev)
	}
	if p, _ := m.Playing("e1"); p != Paused {
		t.Errorf("Playing(e1) = %v", p)
	}
}

// A goroutine that updates its own element always reads back that value or a
// later one, even while other goroutines hammer other elements.
func TestMapReadYourWrites(t *testing.T) {
	const workers = 8
	ids := make([]string, workers)
	for i := range ids {
		ids[i] = fmt.Sprintf("0-%d", i)
	}
	m := New(ids...)
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for p := 0; p <= 100; p++ {
				if err := m.Update(id, Downloading{Percent: p}); err != nil {
					errs <- err
					return
				}
				got, err := m.Status(id)
				if err != nil {
					errs <- err
					return
				}
				d, ok := got.(Downloading)
				if !ok || d.Percent < p {
					errs <- fmt.Errorf("%s: read %v after writing %d", id, got, p)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	snap := m.Snapshot()
	for _, id := range ids {
		if snap[id] != (Downloading{Percent: 100}) {
			t.Errorf("Snapshot()[%s] = %v", id, snap[id])
		}
	}
}

func TestMapEventsOrderedPerElement(t *testing.T) {
	m := New("a", "b")
	defer m.Close()
	sub := m.Events().Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for p := 0; p <= 20; p++ {
				_ = m.Update(id, Downloading{Percent: p})
			}
		}(id)
	}
	wg.Wait()

	last := map[string]int{"a": -1, "b": -1}
	for i := 0; i < 42; i++ {
		ev := next(t, sub.C())
		p := ev.Download.(Downloading).Percent
		if p != last[ev.ElementID]+1 {
			t.Fatalf("element %s: got %d after %d", ev.ElementID, p, last[ev.ElementID])
		}
		last[ev.ElementID] = p
	}
}
