// Package book defines the runtime audiobook: an ordered spine of elements
// whose download state lives in a status.Map, plus the player and download
// task contracts engines implement.
package book

import (
	"context"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// Position locates a playhead.
type Position struct {
	Title    string
	Part     int
	Chapter  int
	OffsetMs int64
}

func (p Position) String() string {
	return fmt.Sprintf("%d-%d@%dms", p.Part, p.Chapter, p.OffsetMs)
}

// DownloadTask downloads one element, or a whole book.
type DownloadTask interface {
	ID() string
	// Fetch starts a download unless one is already in flight. It never blocks.
	Fetch()
	// Delete cancels any in-flight download and removes the local copy.
	Delete(ctx context.Context) error
	// Progress is the current percentage, or zero when not downloading.
	Progress() int
}

// Book is an audiobook opened by an engine provider.
type Book interface {
	ID() string
	Title() string
	Spine() *Spine
	StatusMap() *status.Map
	WholeBookDownloadTask() DownloadTask
	CreatePlayer() (Player, error)
	// Close releases engine resources and ends status subscriptions.
	Close() error
}

// PlaybackRate is a supported playback speed.
type PlaybackRate float64

const (
	RateThreeQuarters  PlaybackRate = 0.75
	RateNormal         PlaybackRate = 1.0
	RateOneAndAQuarter PlaybackRate = 1.25
	RateOneAndAHalf    PlaybackRate = 1.5
	RateDouble         PlaybackRate = 2.0
)

// SkipIncrement is how far SkipForward and SkipBack move the playhead.
const SkipIncrement = 15 * time.Second

// Rates lists the supported playback rates in ascending order.
var Rates = []PlaybackRate{RateThreeQuarters, RateNormal, RateOneAndAQuarter, RateOneAndAHalf, RateDouble}

// Valid reports whether r is one of Rates.
func (r PlaybackRate) Valid() bool {
	for _, v := range Rates {
		if r == v {
			return true
		}
	}
	return false
}

// Player controls playback of one book.
type Player interface {
	Play() error
	Pause()
	SkipForward()
	SkipBack()
	SkipToNextChapter()
	SkipToPreviousChapter()
	PlayAtLocation(p Position) error
	MovePlayheadToLocation(p Position) error
	SetPlaybackRate(r PlaybackRate) error
	PlaybackRate() PlaybackRate
	IsPlaying() bool
	Events() *stream.Hub[PlayerEvent]
	Close() error
}

// PlayerEventKind classifies a PlayerEvent.
type PlayerEventKind int

const (
	EventPlaybackStarted PlayerEventKind = iota + 1
	EventPlaybackProgress
	EventPlaybackBuffering
	EventPlaybackPaused
	EventPlaybackStopped
	EventChapterCompleted
	EventUnavailableForPlayback
)

func (k PlayerEventKind) String() string {
	switch k {
	case EventPlaybackStarted:
		return "playback-started"
	case EventPlaybackProgress:
		return "playback-progress"
	case EventPlaybackBuffering:
		return "playback-buffering"
	case EventPlaybackPaused:
		return "playback-paused"
	case EventPlaybackStopped:
		return "playback-stopped"
	case EventChapterCompleted:
		return "chapter-completed"
	case EventUnavailableForPlayback:
		return "unavailable-for-playback"
	default:
		return fmt.Sprintf("PlayerEventKind(%d)", int(k))
	}
}

// PlayerEvent is published by players.
type PlayerEvent struct {
	Kind     PlayerEventKind
	Element  *SpineElement
	OffsetMs int64
}
