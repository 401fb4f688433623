// Package enginetest provides in-memory download and playback engines for
// tests and the command line simulator.
package enginetest

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// DownloadEngine records requests and lets the caller drive listener callbacks.
type DownloadEngine struct {
	mu        sync.Mutex
	downloads []engine.DownloadRequest
	cancels   []engine.DownloadRequest
	deletes   []engine.DeleteRequest
	listeners map[engine.ContentKey]map[int]engine.DownloadListener
	nextID    int

	// DownloadErr is returned by Download when set.
	DownloadErr error
	// DeleteErr is returned by Delete when set.
	DeleteErr error
	// OnDownload, when set, runs after a download request is recorded.
	OnDownload func(req engine.DownloadRequest)
}

// NewDownloadEngine creates an empty engine.
func NewDownloadEngine() *DownloadEngine {
	return &DownloadEngine{listeners: make(map[engine.ContentKey]map[int]engine.DownloadListener)}
}

func (e *DownloadEngine) Download(_ context.Context, req engine.DownloadRequest) error {
	e.mu.Lock()
	e.downloads = append(e.downloads, req)
	err, hook := e.DownloadErr, e.OnDownload
	e.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return err
}

func (e *DownloadEngine) Cancel(req engine.DownloadRequest) {
	e.mu.Lock()
	e.cancels = append(e.cancels, req)
	e.mu.Unlock()
}

func (e *DownloadEngine) Delete(_ context.Context, req engine.DeleteRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, req)
	return e.DeleteErr
}

func (e *DownloadEngine) Subscribe(key engine.ContentKey, l engine.DownloadListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	if e.listeners[key] == nil {
		e.listeners[key] = make(map[int]engine.DownloadListener)
	}
	e.listeners[key][id] = l
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[key], id)
	}
}

func (e *DownloadEngine) listenersFor(key engine.ContentKey) []engine.DownloadListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.DownloadListener, 0, len(e.listeners[key]))
	for _, l := range e.listeners[key] {
		out = append(out, l)
	}
	return out
}

// Progress reports download progress for key.
func (e *DownloadEngine) Progress(key engine.ContentKey, percent int) {
	for _, l := range e.listenersFor(key) {
		l.OnProgress(key, percent)
	}
}

// Complete reports a finished download for key.
func (e *DownloadEngine) Complete(key engine.ContentKey) {
	for _, l := range e.listenersFor(key) {
		l.OnCompleted(key)
	}
}

// Fail reports a failed download for key.
func (e *DownloadEngine) Fail(key engine.ContentKey, err error) {
	for _, l := range e.listenersFor(key) {
		l.OnError(key, err)
	}
}

// Downloads returns the recorded download requests.
func (e *DownloadEngine) Downloads() []engine.DownloadRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.DownloadRequest(nil), e.downloads...)
}

// Cancels returns the recorded cancellations.
func (e *DownloadEngine) Cancels() []engine.DownloadRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.DownloadRequest(nil), e.cancels...)
}

// Deletes returns the recorded delete requests.
func (e *DownloadEngine) Deletes() []engine.DeleteRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.DeleteRequest(nil), e.deletes...)
}

// Listeners counts the subscriptions for key.
func (e *DownloadEngine) Listeners(key engine.ContentKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[key])
}

// PlaybackEngine records commands and reports a settable chapter and position.
type PlaybackEngine struct {
	mu         sync.Mutex
	chapter    engine.ChapterInfo
	hasChapter bool
	position   int64
	playing    bool
	speed      float64
	plays      []engine.PlayRequest
	seeks      []int64
	pauses     int
	nexts      int
	prevs      int
	events     *stream.Hub[engine.PlaybackEvent]

	// PlayErr is returned by Play when set.
	PlayErr error
}

// NewPlaybackEngine creates an idle engine.
func NewPlaybackEngine() *PlaybackEngine {
	return &PlaybackEngine{speed: 1.0, events: stream.NewHub[engine.PlaybackEvent]()}
}

func (e *PlaybackEngine) Play(req engine.PlayRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays = append(e.plays, req)
	if e.PlayErr != nil {
		return e.PlayErr
	}
	e.chapter = engine.ChapterInfo{Key: req.Key}
	e.hasChapter = true
	e.position = req.OffsetMs
	e.playing = true
	return nil
}

func (e *PlaybackEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses++
	e.playing = false
}

func (e *PlaybackEngine) SeekTo(offsetMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, offsetMs)
	e.position = offsetMs
}

func (e *PlaybackEngine) NextChapter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nexts++
}

func (e *PlaybackEngine) PreviousChapter() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prevs++
}

func (e *PlaybackEngine) SetSpeed(speed float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = speed
}

func (e *PlaybackEngine) Chapter() (engine.ChapterInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chapter, e.hasChapter
}

func (e *PlaybackEngine) Position() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *PlaybackEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *PlaybackEngine) Events() *stream.Hub[engine.PlaybackEvent] { return e.events }

// SetChapter positions the engine on a chapter.
func (e *PlaybackEngine) SetChapter(c engine.ChapterInfo, positionMs int64, playing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chapter, e.hasChapter = c, true
	e.position = positionMs
	e.playing = playing
}

// Emit publishes a playback event.
func (e *PlaybackEngine) Emit(code engine.PlaybackCode) {
	e.events.Publish(engine.PlaybackEvent{Code: code})
}

// Plays returns the recorded play requests.
func (e *PlaybackEngine) Plays() []engine.PlayRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.PlayRequest(nil), e.plays...)
}

// Seeks returns the recorded seek offsets.
func (e *PlaybackEngine) Seeks() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.seeks...)
}

// Pauses counts Pause calls.
func (e *PlaybackEngine) Pauses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pauses
}

// ChapterSkips returns the NextChapter and PreviousChapter call counts.
func (e *PlaybackEngine) ChapterSkips() (next, previous int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nexts, e.prevs
}

// Speed returns the last speed set.
func (e *PlaybackEngine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}
