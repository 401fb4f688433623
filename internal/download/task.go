package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

// TaskConfig wires a Task to its collaborators.
type TaskConfig struct {
	ElementID string
	Request   engine.DownloadRequest
	Engine    engine.DownloadEngine
	Executor  engine.Executor
	Statuses  *status.Map
	Logger    *slog.Logger
}

// Task downloads one spine element. At most one download per element is in
// flight; the in-flight flag is atomic so Fetch never blocks its caller.
type Task struct {
	id       string
	req      engine.DownloadRequest
	engine   engine.DownloadEngine
	exec     engine.Executor
	statuses *status.Map
	log      *slog.Logger

	downloading atomic.Bool
	deleted     atomic.Bool
	progress    atomic.Int32
	unsubscribe func()
}

// NewTask creates a task and subscribes it to engine callbacks for its key.
func NewTask(cfg TaskConfig) (*Task, error) {
	if cfg.ElementID == "" || cfg.Engine == nil || cfg.Executor == nil || cfg.Statuses == nil {
		return nil, fmt.Errorf("download: incomplete task configuration for %q", cfg.ElementID)
	}
	if _, err := cfg.Statuses.Status(cfg.ElementID); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Task{
		id:       cfg.ElementID,
		req:      cfg.Request,
		engine:   cfg.Engine,
		exec:     cfg.Executor,
		statuses: cfg.Statuses,
		log:      log.With("element", cfg.ElementID),
	}
	t.unsubscribe = cfg.Engine.Subscribe(cfg.Request.Key, t)
	return t, nil
}

// ID returns the spine element id.
func (t *Task) ID() string { return t.id }

// Progress returns the last reported percentage while downloading, otherwise zero.
func (t *Task) Progress() int {
	if !t.downloading.Load() {
		if _, done := t.current().(status.Downloaded); done {
			return 100
		}
		return 0
	}
	return int(t.progress.Load())
}

func (t *Task) current() status.DownloadStatus {
	s, err := t.statuses.Status(t.id)
	if err != nil {
		return status.NotDownloaded{}
	}
	return s
}

func (t *Task) update(s status.DownloadStatus) {
	if err := t.statuses.Update(t.id, s); err != nil {
		t.log.Debug("status update rejected", "status", s.String(), "error", err)
	}
}

// Fetch starts a download. It is a no-op while a download is in flight or
// once the element is downloaded.
func (t *Task) Fetch() {
	if !t.downloading.CompareAndSwap(false, true) {
		t.log.Debug("fetch ignored, download already in flight")
		return
	}

	switch t.current().(type) {
	case status.Downloaded:
		t.downloading.Store(false)
		return
	case status.Downloading:
		// Left over from a download being torn down by Delete.
		t.downloading.Store(false)
		return
	case status.Failed:
		t.update(status.NotDownloaded{})
	}
	t.deleted.Store(false)
	t.progress.Store(0)
	t.update(status.Downloading{Percent: 0})
	metrics.NewMetrics().ObserveDownload("started")

	err := t.exec.Submit(func(ctx context.Context) {
		t.log.Debug("download starting", "key", t.req.Key.String())
		if err := t.engine.Download(ctx, t.req); err != nil {
			t.OnError(t.req.Key, err)
		}
	})
	if err != nil {
		t.OnError(t.req.Key, err)
	}
}

// Delete cancels any in-flight download, asks the engine to delete the local
// copy and resets the element to NotDownloaded. If the engine cannot delete a
// downloaded element its status is left alone.
func (t *Task) Delete(ctx context.Context) error {
	t.deleted.Store(true)
	wasDownloading := t.downloading.Swap(false)
	if wasDownloading {
		t.engine.Cancel(t.req)
	}
	t.progress.Store(0)

	if err := t.engine.Delete(ctx, engine.DeleteRequest{Key: t.req.Key}); err != nil {
		t.log.Warn("delete failed", "error", err)
		if _, ok := t.current().(status.Downloaded); !ok {
			t.update(status.NotDownloaded{})
		}
		return fmt.Errorf("delete %s: %w", t.id, err)
	}
	t.update(status.NotDownloaded{})
	metrics.NewMetrics().ObserveDownload("deleted")
	return nil
}

// Close detaches the task from engine callbacks.
func (t *Task) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// OnProgress implements engine.DownloadListener. Progress for downloads this
// task did not start is ignored.
func (t *Task) OnProgress(_ engine.ContentKey, percent int) {
	if !t.downloading.Load() {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.progress.Store(int32(percent))
	t.update(status.Downloading{Percent: percent})
}

// OnCompleted implements engine.DownloadListener. Repeated completions after
// the first are ignored, as are completions that arrive after Delete and
// before the next Fetch.
func (t *Task) OnCompleted(_ engine.ContentKey) {
	if !t.downloading.Swap(false) && t.deleted.Load() {
		t.log.Debug("completion after delete ignored")
		return
	}
	switch t.current().(type) {
	case status.Downloaded:
		return
	case status.Failed:
		t.update(status.NotDownloaded{})
		t.update(status.Downloading{Percent: 100})
	case status.NotDownloaded:
		t.update(status.Downloading{Percent: 100})
	}
	t.progress.Store(100)
	t.update(status.Downloaded{})
	metrics.NewMetrics().ObserveDownload("completed")
	t.log.Debug("download completed")
}

// OnError implements engine.DownloadListener. The element becomes Failed and
// a later Fetch may retry.
func (t *Task) OnError(_ engine.ContentKey, err error) {
	t.downloading.Store(false)
	t.progress.Store(0)
	if _, ok := t.current().(status.Downloading); !ok {
		t.log.Debug("download error ignored", "status", t.current().String(), "error", err)
		return
	}
	reason := "download failed"
	if err != nil {
		reason = err.Error()
	}
	t.update(status.Failed{Reason: reason, Err: err})
	metrics.NewMetrics().ObserveDownload("failed")
	t.log.Warn("download failed", "error", err)
}
