package download

import (
	"context"
	"errors"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
)

// WholeBook drives every element task of a book as one task.
type WholeBook struct {
	id    string
	tasks []book.DownloadTask
}

// NewWholeBook creates a task over the given element tasks, in spine order.
func NewWholeBook(bookID string, tasks []book.DownloadTask) *WholeBook {
	return &WholeBook{id: bookID, tasks: append([]book.DownloadTask(nil), tasks...)}
}

func (w *WholeBook) ID() string { return w.id }

// Fetch starts every element that is not already downloading or downloaded.
func (w *WholeBook) Fetch() {
	for _, t := range w.tasks {
		t.Fetch()
	}
}

// Delete deletes every element. All elements are attempted; the errors are joined.
func (w *WholeBook) Delete(ctx context.Context) error {
	var errs []error
	for _, t := range w.tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := t.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Progress is the mean progress of the element tasks.
func (w *WholeBook) Progress() int {
	if len(w.tasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range w.tasks {
		sum += t.Progress()
	}
	return sum / len(w.tasks)
}
