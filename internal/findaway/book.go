package findaway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/download"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/player"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

// Book is a Findaway audiobook.
type Book struct {
	manifest *Manifest
	spine    *book.Spine
	tasks    []*download.Task
	whole    *download.WholeBook
	playback engine.PlaybackEngine
	log      *slog.Logger

	mu      sync.Mutex
	players []*player.Player
	closed  bool
}

var _ book.Book = (*Book)(nil)

// ErrNoPlaybackEngine is returned by CreatePlayer when the book was opened
// without a playback engine.
var ErrNoPlaybackEngine = errors.New("findaway: no playback engine")

// NewBook builds the spine and one download task per element.
func NewBook(m *Manifest, downloads engine.DownloadEngine, playback engine.PlaybackEngine, exec engine.Executor, log *slog.Logger) (*Book, error) {
	if downloads == nil || exec == nil {
		return nil, fmt.Errorf("findaway: download engine and executor are required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("book", m.ID)

	specs := make([]book.ElementSpec, 0, len(m.Items))
	for _, item := range m.Items {
		specs = append(specs, book.ElementSpec{
			ID:       item.ID(),
			Title:    item.Title,
			Duration: time.Duration(item.Duration * float64(time.Second)),
			Position: book.Position{Title: item.Title, Part: item.Part, Chapter: item.Chapter},
		})
	}
	spine, err := book.NewSpine(specs)
	if err != nil {
		return nil, err
	}

	b := &Book{
		manifest: m,
		spine:    spine,
		playback: playback,
		log:      log,
	}
	wholeTasks := make([]book.DownloadTask, 0, len(m.Items))
	for _, item := range m.Items {
		task, err := download.NewTask(download.TaskConfig{
			ElementID: item.ID(),
			Request: engine.DownloadRequest{
				Key:       engine.ContentKey{ContentID: m.FulfillmentID, Part: item.Part, Chapter: item.Chapter},
				LicenseID: m.LicenseID,
				AccountID: m.AccountID,
			},
			Engine:   downloads,
			Executor: exec,
			Statuses: spine.StatusMap(),
			Logger:   log,
		})
		if err != nil {
			b.closeTasks()
			return nil, err
		}
		b.tasks = append(b.tasks, task)
		wholeTasks = append(wholeTasks, task)
		if err := spine.SetTask(item.ID(), task); err != nil {
			b.closeTasks()
			return nil, err
		}
	}
	b.whole = download.NewWholeBook(m.ID, wholeTasks)
	log.Debug("book created", "elements", spine.Len())
	return b, nil
}

func (b *Book) ID() string                               { return b.manifest.ID }
func (b *Book) Title() string                            { return b.manifest.Title }
func (b *Book) Spine() *book.Spine                       { return b.spine }
func (b *Book) StatusMap() *status.Map                   { return b.spine.StatusMap() }
func (b *Book) WholeBookDownloadTask() book.DownloadTask { return b.whole }

// Manifest returns the Findaway values the book was built from.
func (b *Book) Manifest() *Manifest { return b.manifest }

// CreatePlayer returns a new player over the book's playback engine.
func (b *Book) CreatePlayer() (book.Player, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("findaway: book %s is closed", b.manifest.ID)
	}
	if b.playback == nil {
		return nil, ErrNoPlaybackEngine
	}
	p, err := player.New(player.Config{
		Spine:     b.spine,
		Engine:    b.playback,
		LicenseID: b.manifest.LicenseID,
		ContentID: b.manifest.FulfillmentID,
		Logger:    b.log,
	})
	if err != nil {
		return nil, err
	}
	b.players = append(b.players, p)
	return p, nil
}

func (b *Book) closeTasks() {
	for _, t := range b.tasks {
		t.Close()
	}
}

// Close detaches every download task and player from the engine and ends the
// status stream. Downloads already handed to the executor are not cancelled.
func (b *Book) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	players := b.players
	b.players = nil
	b.mu.Unlock()

	var errs []error
	for _, p := range players {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closeTasks()
	b.spine.StatusMap().Close()
	return errors.Join(errs...)
}
