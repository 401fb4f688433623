package findaway

import (
	"context"
	"fmt"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

const (
	ProviderName    = "findaway"
	ProviderVersion = "1.0.0"
)

// Provider opens Findaway books.
type Provider struct{}

var _ engine.Provider = Provider{}

func (Provider) Name() string    { return ProviderName }
func (Provider) Version() string { return ProviderVersion }

// Supports reports whether m uses the Findaway DRM scheme.
func (Provider) Supports(m *manifest.Manifest) bool {
	return m != nil && m.Metadata.IsFindaway()
}

// CreateBook transforms the manifest and builds the book. Failures are
// AB_BOOK_CONSTRUCTION errors.
func (Provider) CreateBook(ctx context.Context, req engine.BookRequest) (book.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fm, err := Transform(req.Manifest)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.AB_BOOK_CONSTRUCTION, "manifest is not a usable Findaway manifest", err)
	}
	b, err := NewBook(fm, req.Downloads, req.Playback, req.Executor, req.Logger)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.AB_BOOK_CONSTRUCTION, fmt.Sprintf("could not build book %s", fm.ID), err)
	}
	return b, nil
}
