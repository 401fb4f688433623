package engine

import (
	"context"
	"net/url"
	"testing"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

type stubProvider struct {
	name     string
	supports bool
}

func (p stubProvider) Name() string                     { return p.name }
func (p stubProvider) Version() string                  { return "1.0.0" }
func (p stubProvider) Supports(*manifest.Manifest) bool { return p.supports }
func (p stubProvider) CreateBook(context.Context, BookRequest) (book.Book, error) {
	return nil, nil
}

func plainManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	src, _ := url.Parse("http://example.com/m.json")
	m, err := manifest.Parse(src, []byte(`{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestFindBestForHonoursOrderAndFilter(t *testing.T) {
	r := NewRegistry(
		stubProvider{name: "no"},
		stubProvider{name: "first", supports: true},
		stubProvider{name: "second", supports: true},
	)
	m := plainManifest(t)

	p, err := r.FindBestFor(m, nil)
	if err != nil || p.Name() != "first" {
		t.Fatalf("FindBestFor() = %v, %v", p, err)
	}

	p, err = r.FindBestFor(m, func(p Provider) bool { return p.Name() != "first" })
	if err != nil || p.Name() != "second" {
		t.Fatalf("FindBestFor(filtered) = %v, %v", p, err)
	}
}

func TestFindBestForNoProvider(t *testing.T) {
	_, err := NewRegistry(stubProvider{name: "no"}).FindBestFor(plainManifest(t), nil)
	if errordefs.CodeOf(err) != errordefs.AB_ENGINE_SELECTION {
		t.Fatalf("FindBestFor() error = %v, want AB_ENGINE_SELECTION", err)
	}
}

func TestContentKeyString(t *testing.T) {
	if got := (ContentKey{ContentID: "c", Part: 1, Chapter: 2}).String(); got != "c/1-2" {
		t.Errorf("String() = %q", got)
	}
	if PlaybackChapterCompleted.String() != "chapter-completed" {
		t.Errorf("PlaybackCode.String() = %q", PlaybackChapterCompleted.String())
	}
}
