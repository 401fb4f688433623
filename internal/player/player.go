// Package player drives a playback engine for one book and republishes the
// engine's playback events as book.PlayerEvent values.
package player

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("player: closed")

// Config wires a Player.
type Config struct {
	Spine     *book.Spine
	Engine    engine.PlaybackEngine
	LicenseID string
	ContentID string
	Logger    *slog.Logger
}

type partChapter struct {
	part, chapter int
}

// Player implements book.Player over an engine.PlaybackEngine. The engine
// owns the real playhead; the player pulls chapter and position from it on
// every event and keeps the last known values.
type Player struct {
	cfg      Config
	log      *slog.Logger
	elements map[partChapter]*book.SpineElement
	events   *stream.Hub[book.PlayerEvent]
	sub      *stream.Subscription[engine.PlaybackEvent]
	loopDone chan struct{}

	mu                sync.Mutex
	rate              book.PlaybackRate
	playing           bool
	element           *book.SpineElement
	playhead          book.Position
	chapterCompleting bool
	closed            bool
}

var _ book.Player = (*Player)(nil)

// New creates a player positioned at the start of the first spine element.
func New(cfg Config) (*Player, error) {
	if cfg.Spine == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("player: spine and engine are required")
	}
	first, ok := cfg.Spine.At(0)
	if !ok {
		return nil, fmt.Errorf("player: book has no spine items")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		cfg:      cfg,
		log:      log.With("component", "player"),
		elements: make(map[partChapter]*book.SpineElement, cfg.Spine.Len()),
		events:   stream.NewHub[book.PlayerEvent](),
		loopDone: make(chan struct{}),
		rate:     book.RateNormal,
		element:  first,
		playhead: first.Position,
	}
	for _, e := range cfg.Spine.Elements() {
		p.elements[partChapter{e.Position.Part, e.Position.Chapter}] = e
	}
	p.sub = cfg.Engine.Events().Subscribe()
	go p.loop()
	return p, nil
}

// Events returns the player's event stream.
func (p *Player) Events() *stream.Hub[book.PlayerEvent] { return p.events }

func (p *Player) loop() {
	defer close(p.loopDone)
	for ev := range p.sub.C() {
		p.onPlaybackEvent(ev)
	}
}

func (p *Player) onPlaybackEvent(ev engine.PlaybackEvent) {
	switch ev.Code {
	case engine.PlaybackStarted:
		e, off := p.updatePlayheadFromEngine()
		p.setPlaying(e, status.Playing)
		p.publish(book.EventPlaybackStarted, e, off)
	case engine.PlaybackProgress:
		e, off := p.updatePlayheadFromEngine()
		p.setChapterCompleting(false)
		p.publish(book.EventPlaybackProgress, e, off)
	case engine.PlaybackPaused:
		e, off := p.updatePlayheadFromEngine()
		p.setPlaying(e, status.Paused)
		p.publish(book.EventPlaybackPaused, e, off)
	case engine.PlaybackStopped, engine.PlaybackEnded:
		e, off := p.updatePlayheadFromEngine()
		p.setChapterCompleting(false)
		p.setPlaying(e, status.Stopped)
		p.publish(book.EventPlaybackStopped, e, off)
	case engine.PlaybackBufferingStarted:
		e, off := p.updatePlayheadFromEngine()
		p.publish(book.EventPlaybackBuffering, e, off)
	case engine.PlaybackChapterCompleted:
		p.onChapterCompleted()
	case engine.PlaybackError:
		p.log.Error("playback error", "error", ev.Err)
		p.mu.Lock()
		e, off := p.element, p.playhead.OffsetMs
		p.mu.Unlock()
		p.publish(book.EventUnavailableForPlayback, e, off)
	default:
		p.log.Debug("playback event", "code", ev.Code.String())
	}
}

// The engine reports a chapter completion more than once; only the first
// report after progress or a stop is republished.
func (p *Player) onChapterCompleted() {
	p.mu.Lock()
	completing := p.chapterCompleting
	p.chapterCompleting = true
	e, off := p.element, p.playhead.OffsetMs
	p.mu.Unlock()

	if !completing {
		p.publish(book.EventChapterCompleted, e, off)
	}
}

func (p *Player) setChapterCompleting(v bool) {
	p.mu.Lock()
	p.chapterCompleting = v
	p.mu.Unlock()
}

func (p *Player) publish(kind book.PlayerEventKind, e *book.SpineElement, offsetMs int64) {
	p.events.Publish(book.PlayerEvent{Kind: kind, Element: e, OffsetMs: offsetMs})
}

func (p *Player) setPlaying(e *book.SpineElement, s status.PlayingStatus) {
	statuses := p.cfg.Spine.StatusMap()
	for _, other := range p.cfg.Spine.Elements() {
		if other != e {
			if ps, _ := statuses.Playing(other.ID); ps != status.Stopped {
				_ = statuses.SetPlaying(other.ID, status.Stopped)
			}
		}
	}
	if err := statuses.SetPlaying(e.ID, s); err != nil {
		p.log.Warn("could not record playing status", "element", e.ID, "error", err)
	}
}

// updatePlayheadFromEngine pulls the engine's chapter and position. When the
// engine has no chapter, or one outside the spine, the last known playhead is kept.
func (p *Player) updatePlayheadFromEngine() (*book.SpineElement, int64) {
	chapter, ok := p.cfg.Engine.Chapter()
	if !ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.element, p.playhead.OffsetMs
	}
	e, found := p.elements[partChapter{chapter.Key.Part, chapter.Key.Chapter}]
	if !found {
		p.log.Error("engine chapter is not in the spine", "part", chapter.Key.Part, "chapter", chapter.Key.Chapter)
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.element, p.playhead.OffsetMs
	}
	position := p.cfg.Engine.Position()
	playing := p.cfg.Engine.IsPlaying()

	title := chapter.FriendlyName
	if title == "" {
		title = e.Title
	}
	p.mu.Lock()
	p.element = e
	p.playhead = book.Position{Title: title, Part: chapter.Key.Part, Chapter: chapter.Key.Chapter, OffsetMs: position}
	p.playing = playing
	p.mu.Unlock()
	return e, position
}

func (p *Player) enginePlay(pos book.Position) error {
	p.log.Debug("engine play", "position", pos.String())
	err := p.cfg.Engine.Play(engine.PlayRequest{
		LicenseID: p.cfg.LicenseID,
		Key:       engine.ContentKey{ContentID: p.cfg.ContentID, Part: pos.Part, Chapter: pos.Chapter},
		OffsetMs:  pos.OffsetMs,
	})
	if err != nil {
		e := p.elements[partChapter{pos.Part, pos.Chapter}]
		if e == nil {
			p.mu.Lock()
			e = p.element
			p.mu.Unlock()
		}
		p.publish(book.EventUnavailableForPlayback, e, pos.OffsetMs)
		return fmt.Errorf("play %s: %w", pos, err)
	}
	return nil
}

func (p *Player) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Play resumes from the current playhead.
func (p *Player) Play() error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	pos := p.playhead
	p.mu.Unlock()
	return p.enginePlay(pos)
}

func (p *Player) Pause() {
	if p.checkOpen() != nil {
		return
	}
	p.log.Debug("engine pause")
	p.cfg.Engine.Pause()
}

// SkipForward moves the playhead forward by book.SkipIncrement.
func (p *Player) SkipForward() {
	if p.checkOpen() != nil {
		return
	}
	_, off := p.updatePlayheadFromEngine()
	p.cfg.Engine.SeekTo(off + book.SkipIncrement.Milliseconds())
}

// SkipBack moves the playhead back by book.SkipIncrement, stopping at the
// start of the chapter.
func (p *Player) SkipBack() {
	if p.checkOpen() != nil {
		return
	}
	_, off := p.updatePlayheadFromEngine()
	p.cfg.Engine.SeekTo(max(0, off-book.SkipIncrement.Milliseconds()))
}

func (p *Player) SkipToNextChapter() {
	if p.checkOpen() == nil {
		p.cfg.Engine.NextChapter()
	}
}

func (p *Player) SkipToPreviousChapter() {
	if p.checkOpen() == nil {
		p.cfg.Engine.PreviousChapter()
	}
}

// PlayAtLocation starts playback at pos.
func (p *Player) PlayAtLocation(pos book.Position) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.enginePlay(pos)
}

// MovePlayheadToLocation positions the engine at pos without leaving it playing.
func (p *Player) MovePlayheadToLocation(pos book.Position) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.enginePlay(pos); err != nil {
		return err
	}
	p.cfg.Engine.Pause()
	return nil
}

// SetPlaybackRate changes the playback speed.
func (p *Player) SetPlaybackRate(r book.PlaybackRate) error {
	if !r.Valid() {
		return fmt.Errorf("player: unsupported playback rate %v", float64(r))
	}
	if err := p.checkOpen(); err != nil {
		return err
	}
	p.mu.Lock()
	p.rate = r
	p.mu.Unlock()
	p.cfg.Engine.SetSpeed(float64(r))
	return nil
}

func (p *Player) PlaybackRate() book.PlaybackRate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// IsPlaying reports the engine's playing flag as of the last event.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Position returns the last known playhead.
func (p *Player) Position() book.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playhead
}

// Close detaches from the engine and ends the event stream. It does not stop
// the engine.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.sub.Close()
	<-p.loopDone
	p.events.Close()
	return nil
}
