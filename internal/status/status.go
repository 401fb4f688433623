// Package status holds the per spine element download and playing state of a
// book. The Map is the single writer of status transitions and the only
// structure in the pipeline meant for unsynchronized access from many goroutines.
package status

import (
	"fmt"
	"time"
)

// DownloadStatus is the download state of one spine element. The concrete
// types are NotDownloaded, Downloading, Downloaded and Failed.
type DownloadStatus interface {
	isDownloadStatus()
	// Kind is a stable lower-case name usable as a metric label or column value.
	Kind() string
	String() string
}

// NotDownloaded means no local copy exists.
type NotDownloaded struct{}

// Downloading reports download progress as a percentage in [0, 100].
type Downloading struct {
	Percent int
}

// Downloaded means the element is fully available locally.
type Downloaded struct{}

// Failed means the last download attempt failed. It can be retried.
type Failed struct {
	Reason string
	Err    error
}

func (NotDownloaded) isDownloadStatus() {}
func (Downloading) isDownloadStatus()   {}
func (Downloaded) isDownloadStatus()    {}
func (Failed) isDownloadStatus()        {}

func (NotDownloaded) Kind() string { return "not_downloaded" }
func (Downloading) Kind() string   { return "downloading" }
func (Downloaded) Kind() string    { return "downloaded" }
func (Failed) Kind() string        { return "failed" }

func (NotDownloaded) String() string { return "not downloaded" }
func (d Downloading) String() string { return fmt.Sprintf("downloading (%d%%)", d.Percent) }
func (Downloaded) String() string    { return "downloaded" }
func (f Failed) String() string {
	if f.Reason == "" {
		return "failed"
	}
	return "failed: " + f.Reason
}

// PlayingStatus is the playback state of one spine element.
type PlayingStatus int

const (
	Stopped PlayingStatus = iota
	Paused
	Playing
)

func (p PlayingStatus) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("PlayingStatus(%d)", int(p))
	}
}

// Event is broadcast for every applied change of an element's state.
type Event struct {
	ElementID string
	Download  DownloadStatus
	Playing   PlayingStatus
	At        time.Time
}

// same reports whether applying next on top of current changes nothing.
func same(current, next DownloadStatus) bool {
	switch c := current.(type) {
	case NotDownloaded:
		_, ok := next.(NotDownloaded)
		return ok
	case Downloaded:
		_, ok := next.(Downloaded)
		return ok
	case Downloading:
		n, ok := next.(Downloading)
		return ok && n.Percent == c.Percent
	case Failed:
		n, ok := next.(Failed)
		return ok && n.Reason == c.Reason
	}
	return false
}

// allowed reports whether current may move to next.
func allowed(current, next DownloadStatus) bool {
	switch current.(type) {
	case NotDownloaded:
		_, ok := next.(Downloading)
		return ok
	case Downloading:
		return true
	case Failed:
		switch next.(type) {
		case NotDownloaded, Failed:
			return true
		}
		return false
	case Downloaded:
		_, ok := next.(NotDownloaded)
		return ok
	}
	return false
}
