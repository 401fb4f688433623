package book

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

type stubTask struct{ id string }

func (s stubTask) ID() string                 { return s.id }
func (stubTask) Fetch()                       {}
func (stubTask) Delete(context.Context) error { return nil }
func (stubTask) Progress() int                { return 0 }

func specs() []ElementSpec {
	return []ElementSpec{
		{ID: "0-1", Title: "One", Duration: 10 * time.Second, Position: Position{Part: 0, Chapter: 1}},
		{ID: "0-2", Title: "Two", Duration: 20 * time.Second, Position: Position{Part: 0, Chapter: 2}},
		{ID: "1-1", Title: "Three", Duration: 30 * time.Second, Position: Position{Part: 1, Chapter: 1}},
	}
}

func TestNewSpineIndexesAndNext(t *testing.T) {
	s, err := NewSpine(specs())
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 || s.TotalDuration() != time.Minute {
		t.Fatalf("Len() = %d, TotalDuration() = %s", s.Len(), s.TotalDuration())
	}

	for i, e := range s.Elements() {
		if e.Index != i {
			t.Errorf("element %s Index = %d, want %d", e.ID, e.Index, i)
		}
		next, ok := e.Next()
		if last := i == s.Len()-1; ok == last {
			t.Errorf("element %d Next() ok = %v", i, ok)
		}
		if ok && next.Index != i+1 {
			t.Errorf("element %d Next().Index = %d", i, next.Index)
		}
	}
}

func TestNewSpineRejectsDuplicateAndEmptyIDs(t *testing.T) {
	dup := append(specs(), ElementSpec{ID: "0-1"})
	if _, err := NewSpine(dup); err == nil {
		t.Error("NewSpine accepted a duplicate id")
	}
	if _, err := NewSpine([]ElementSpec{{Title: "x"}}); err == nil {
		t.Error("NewSpine accepted an empty id")
	}
}

func TestSpineElementReadsThroughStatusMap(t *testing.T) {
	s, err := NewSpine(specs())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := s.ByID("0-2")
	if _, ok := e.DownloadStatus().(status.NotDownloaded); !ok {
		t.Fatalf("initial DownloadStatus() = %v", e.DownloadStatus())
	}
	if err := s.StatusMap().Update("0-2", status.Downloading{Percent: 40}); err != nil {
		t.Fatal(err)
	}
	if got := e.DownloadStatus(); got != (status.Downloading{Percent: 40}) {
		t.Errorf("DownloadStatus() = %v", got)
	}
	if err := s.StatusMap().SetPlaying("0-2", status.Playing); err != nil {
		t.Fatal(err)
	}
	if e.PlayingStatus() != status.Playing {
		t.Errorf("PlayingStatus() = %v", e.PlayingStatus())
	}
}

func TestSpineTasks(t *testing.T) {
	s, err := NewSpine(specs())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetTask("9-9", stubTask{id: "9-9"}); !errors.Is(err, status.ErrUnknownElement) {
		t.Errorf("SetTask(unknown) error = %v", err)
	}
	if err := s.SetTask("1-1", stubTask{id: "1-1"}); err != nil {
		t.Fatal(err)
	}
	e, _ := s.ByID("1-1")
	if task, ok := e.DownloadTask(); !ok || task.ID() != "1-1" {
		t.Errorf("DownloadTask() = %v, %v", task, ok)
	}
}

func TestPlaybackRateValid(t *testing.T) {
	if !RateOneAndAHalf.Valid() || PlaybackRate(3).Valid() {
		t.Error("PlaybackRate.Valid() misclassified a rate")
	}
}
