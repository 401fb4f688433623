package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

// BookRequest carries what a provider needs to open a book.
type BookRequest struct {
	Manifest  *manifest.Manifest
	Downloads DownloadEngine
	Playback  PlaybackEngine
	Executor  Executor
	Logger    *slog.Logger
}

// Provider opens books for the manifests it supports.
type Provider interface {
	Name() string
	Version() string
	Supports(m *manifest.Manifest) bool
	CreateBook(ctx context.Context, req BookRequest) (book.Book, error)
}

// Registry holds the engine providers available to a session, in preference order.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry; providers are consulted in the order given.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: append([]Provider(nil), providers...)}
}

// Providers returns the registered providers in order.
func (r *Registry) Providers() []Provider {
	return append([]Provider(nil), r.providers...)
}

// FindBestFor returns the first provider that supports m and passes filter.
// A nil filter accepts every provider.
func (r *Registry) FindBestFor(m *manifest.Manifest, filter func(Provider) bool) (Provider, error) {
	for _, p := range r.providers {
		if filter != nil && !filter(p) {
			continue
		}
		if p.Supports(m) {
			return p, nil
		}
	}
	scheme := "none"
	if m.Metadata.Encrypted != nil {
		scheme = m.Metadata.Encrypted.Scheme
	}
	return nil, errordefs.NewWithDetails(errordefs.AB_ENGINE_SELECTION,
		fmt.Sprintf("no audio engine supports %q (encryption: %s)", m.Metadata.Title, scheme),
		map[string]interface{}{"providers": len(r.providers), "scheme": scheme})
}
