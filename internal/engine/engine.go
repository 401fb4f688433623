// Package engine describes the external audio engine the pipeline drives.
// Download and playback engines are black boxes; the pipeline only issues
// requests to them and republishes what they report.
package engine

import (
	"context"
	"fmt"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// ContentKey addresses one downloadable and playable unit of a book.
type ContentKey struct {
	ContentID string
	Part      int
	Chapter   int
}

func (k ContentKey) String() string {
	return fmt.Sprintf("%s/%d-%d", k.ContentID, k.Part, k.Chapter)
}

// DownloadRequest asks the engine to fetch one chapter.
type DownloadRequest struct {
	Key       ContentKey
	LicenseID string
	AccountID string
}

// DeleteRequest asks the engine to remove one chapter's local copy.
type DeleteRequest struct {
	Key ContentKey
}

// DownloadListener receives engine callbacks for one content key. Callbacks
// arrive on engine-owned goroutines and may be delivered more than once.
type DownloadListener interface {
	OnProgress(key ContentKey, percent int)
	OnCompleted(key ContentKey)
	OnError(key ContentKey, err error)
}

// DownloadEngine fetches and deletes chapter audio.
type DownloadEngine interface {
	// Download starts fetching. Progress is reported through listeners.
	Download(ctx context.Context, req DownloadRequest) error
	// Cancel abandons an in-flight download, best effort.
	Cancel(req DownloadRequest)
	// Delete removes the local copy.
	Delete(ctx context.Context, req DeleteRequest) error
	// Subscribe registers l for callbacks about key until unsubscribe is called.
	Subscribe(key ContentKey, l DownloadListener) (unsubscribe func())
}

// PlaybackCode identifies an engine playback event.
type PlaybackCode int

const (
	PlaybackStarted PlaybackCode = iota + 1
	PlaybackProgress
	PlaybackPaused
	PlaybackStopped
	PlaybackEnded
	PlaybackPreparing
	PlaybackBufferingStarted
	PlaybackBufferingEnded
	PlaybackSeekComplete
	PlaybackChapterCompleted
	PlaybackError
)

var playbackCodeNames = map[PlaybackCode]string{
	PlaybackStarted:          "started",
	PlaybackProgress:         "progress",
	PlaybackPaused:           "paused",
	PlaybackStopped:          "stopped",
	PlaybackEnded:            "ended",
	PlaybackPreparing:        "preparing",
	PlaybackBufferingStarted: "buffering-started",
	PlaybackBufferingEnded:   "buffering-ended",
	PlaybackSeekComplete:     "seek-complete",
	PlaybackChapterCompleted: "chapter-completed",
	PlaybackError:            "error",
}

func (c PlaybackCode) String() string {
	if s, ok := playbackCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("PlaybackCode(%d)", int(c))
}

// PlaybackEvent is reported by the playback engine. Position and chapter are
// pulled from the engine separately; events only say what happened.
type PlaybackEvent struct {
	Code PlaybackCode
	Err  error
}

// ChapterInfo identifies the chapter the engine is positioned on.
type ChapterInfo struct {
	Key          ContentKey
	FriendlyName string
	DurationMs   int64
}

// PlayRequest starts playback at a location.
type PlayRequest struct {
	LicenseID string
	Key       ContentKey
	OffsetMs  int64
}

// PlaybackEngine plays chapter audio.
type PlaybackEngine interface {
	Play(req PlayRequest) error
	Pause()
	SeekTo(offsetMs int64)
	NextChapter()
	PreviousChapter()
	SetSpeed(speed float64)
	// Chapter returns the current chapter, if any.
	Chapter() (ChapterInfo, bool)
	// Position is the offset into the current chapter in milliseconds.
	Position() int64
	IsPlaying() bool
	Events() *stream.Hub[PlaybackEvent]
}

// Executor runs background work for books, typically a download.Executor.
type Executor interface {
	Submit(fn func(ctx context.Context)) error
}
