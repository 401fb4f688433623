// Package conformance provides an end-to-end harness for the audiobook
// pipeline: a manifest server, the session orchestrator over test engines,
// and the operational mux serving the journal those sessions record into.
package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine/enginetest"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/findaway"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/fulfill"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/journal"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/mainloop"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/server"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/session"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

// Config holds configuration for the harness.
type Config struct {
	FetchTimeout time.Duration // Bounded manifest wait, default 2s
	Workers      int           // Download executor size, default 2
}

// Harness wires the pipeline against in-process fakes.
type Harness struct {
	manifests *httptest.Server
	ops       *httptest.Server
	loop      *mainloop.Loop

	Downloads    *enginetest.DownloadEngine
	Playback     *enginetest.PlaybackEngine
	Journal      journal.Journal
	Orchestrator *session.Orchestrator

	mu        sync.Mutex
	documents map[string]string // path -> body
	auth      map[string]string // path -> last Authorization header
	reports   []Report
}

// Report is one failure shown to the user.
type Report struct {
	Message string
	Cause   error
}

// NewHarness creates a harness. Close releases it.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	h := &Harness{
		loop:      mainloop.New(nil),
		Downloads: enginetest.NewDownloadEngine(),
		Playback:  enginetest.NewPlaybackEngine(),
		Journal:   journal.NewMemory(),
		documents: make(map[string]string),
		auth:      make(map[string]string),
	}
	h.manifests = httptest.NewServer(http.HandlerFunc(h.serveManifest))
	h.ops = httptest.NewServer(server.NewMux(server.Options{
		Journal: h.Journal,
		Ready:   func(ctx context.Context) error { return journal.Ping(ctx, h.Journal) },
	}))
	h.Orchestrator = &session.Orchestrator{
		Engines:      engine.NewRegistry(findaway.Provider{}),
		Downloads:    h.Downloads,
		Playback:     h.Playback,
		Reporter:     h,
		Main:         h.loop,
		Journal:      h.Journal,
		FetchTimeout: cfg.FetchTimeout,
		Workers:      cfg.Workers,
	}
	return h, nil
}

func (h *Harness) serveManifest(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	body, ok := h.documents[r.URL.Path]
	h.auth[r.URL.Path] = r.Header.Get("Authorization")
	h.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

// Serve publishes body at path on the manifest server and returns its URI.
func (h *Harness) Serve(path, body string) *url.URL {
	h.mu.Lock()
	h.documents[path] = body
	h.mu.Unlock()
	u, _ := url.Parse(h.manifests.URL + path)
	return u
}

// Authorization returns the Authorization header of the last request for path.
func (h *Harness) Authorization(path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth[path]
}

// ReportError implements session.ErrorReporter.
func (h *Harness) ReportError(message string, cause error, continuation func()) {
	h.mu.Lock()
	h.reports = append(h.reports, Report{Message: message, Cause: cause})
	h.mu.Unlock()
	continuation()
}

// Reports returns the failures reported so far.
func (h *Harness) Reports() []Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Report(nil), h.reports...)
}

// URL returns the base URL of the operational server.
func (h *Harness) URL() string {
	return h.ops.URL
}

// Close shuts down the servers and the main loop.
func (h *Harness) Close() {
	h.manifests.Close()
	h.ops.Close()
	h.loop.Close()
	h.Journal.Close()
}

// RunConformanceTests runs every check against the harness.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ParseWellFormed", h.testParseWellFormed)
	t.Run("ParseTypeMismatch", h.testParseTypeMismatch)
	t.Run("StatusMapOrdering", h.testStatusMapOrdering)
	t.Run("UnreachableHost", h.testUnreachableHost)
	t.Run("CredentialsSelection", h.testCredentialsSelection)
	t.Run("DownloadLifecycle", h.testDownloadLifecycle)
}

// FindawayManifest is a two chapter Findaway book.
const FindawayManifest = `{
  "metadata": {
    "title": "Moby Dick", "language": "en", "duration": 3600.5, "identifier": "urn:isbn:9780000000001",
    "authors": ["Herman Melville"],
    "encrypted": {
      "scheme": "http://librarysimplified.org/terms/drm/scheme/FAE",
      "findaway:accountId": "3M", "findaway:checkoutId": "chk-1", "findaway:fulfillmentId": "102244",
      "findaway:licenseId": "5a8c", "findaway:sessionKey": "sk"
    }
  },
  "spine": [
    {"findaway:part": 0, "findaway:sequence": 1, "title": "Chapter 1", "type": "audio/mpeg", "duration": 1800.25},
    {"findaway:part": 0, "findaway:sequence": 2, "title": "Chapter 2", "type": "audio/mpeg", "duration": 1800.25}
  ],
  "links": []
}`

const plainManifest = `{"metadata":{"title":"T","language":"en","duration":10.0,"identifier":"id1","authors":["A"]},"spine":[{"title":"Ch1","duration":10.0}],"links":[]}`

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testParseWellFormed(t *testing.T) {
	m, err := manifest.Parse(nil, []byte(plainManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Spine) != 1 {
		t.Fatalf("spine size = %d, want 1", len(m.Spine))
	}
	if title, err := m.Spine[0].Values.String("title"); err != nil || title != "Ch1" {
		t.Errorf("spine[0].title = %q, %v", title, err)
	}
}

func (h *Harness) testParseTypeMismatch(t *testing.T) {
	doc := `{"metadata":{"title":"T","language":"en","duration":"ten","identifier":"id1","authors":["A"]},"spine":[{"title":"Ch1","duration":10.0}],"links":[]}`
	_, err := manifest.Parse(nil, []byte(doc))
	var pe *manifest.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Parse error = %v, want *manifest.ParseError", err)
	}
	if pe.Key != "duration" || pe.Failure != manifest.FailureTypeMismatch {
		t.Errorf("ParseError = %+v, want type mismatch on duration", pe)
	}
}

func (h *Harness) testStatusMapOrdering(t *testing.T) {
	m := status.New("e1")
	defer m.Close()
	sub := m.Events().Subscribe()
	defer sub.Close()

	for _, s := range []status.DownloadStatus{status.Downloading{Percent: 0}, status.Downloading{Percent: 50}, status.Downloaded{}} {
		if err := m.Update("e1", s); err != nil {
			t.Fatalf("Update(%v): %v", s, err)
		}
	}
	if got, _ := m.Status("e1"); got != (status.Downloaded{}) {
		t.Errorf("status = %v, want downloaded", got)
	}

	want := []string{"downloading (0%)", "downloading (50%)", "downloaded"}
	for i, w := range want {
		select {
		case ev := <-sub.C():
			if ev.Download.String() != w {
				t.Errorf("event %d = %v, want %s", i, ev.Download, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case ev := <-sub.C():
		t.Errorf("unexpected extra event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func (h *Harness) testUnreachableHost(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	uri, _ := url.Parse(dead.URL + "/manifest.json")
	dead.Close()

	before := len(h.Reports())
	start := time.Now()
	s, err := h.Orchestrator.Open(context.Background(), session.Params{Credentials: fulfill.None{}, FetchURI: uri})
	if err == nil {
		s.Close()
		t.Fatal("Open succeeded against an unreachable host")
	}
	if code := errordefs.CodeOf(err); code != errordefs.AB_FETCH && code != errordefs.AB_TIMEOUT {
		t.Errorf("error code = %s, want AB_FETCH or AB_TIMEOUT", code)
	}
	if elapsed := time.Since(start); elapsed > 2*h.Orchestrator.FetchTimeout {
		t.Errorf("Open took %v", elapsed)
	}
	if s != nil {
		t.Errorf("Open returned a session with error %v", err)
	}
	// Reports are shown on the main loop after Open returns.
	waitFor(t, "failure report", func() bool { return len(h.Reports()) > before })
	if r := h.Reports()[before]; r.Cause == nil || r.Message == "" {
		t.Errorf("report = %+v", r)
	}
}

func (h *Harness) testCredentialsSelection(t *testing.T) {
	tests := []struct {
		name  string
		creds fulfill.Credentials
		want  string
	}{
		{"basic", fulfill.Basic{User: "user", Password: "pass"}, "Basic dXNlcjpwYXNz"},
		{"none", fulfill.None{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := fmt.Sprintf("/credentials/%s.json", tt.name)
			uri := h.Serve(path, plainManifest)
			// The plain book has no engine, so Open fails after the fetch.
			s, err := h.Orchestrator.Open(context.Background(), session.Params{Credentials: tt.creds, FetchURI: uri})
			if err == nil {
				s.Close()
			}
			if got := h.Authorization(path); got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}

func (h *Harness) testDownloadLifecycle(t *testing.T) {
	uri := h.Serve("/books/moby.json", FindawayManifest)
	s, err := h.Orchestrator.Open(context.Background(), session.Params{Credentials: fulfill.None{}, FetchURI: uri})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := s.Book()
	first, _ := b.Spine().At(0)
	task, ok := first.DownloadTask()
	if !ok {
		t.Fatal("first element has no download task")
	}
	before := len(h.Downloads.Downloads())
	task.Fetch()
	task.Fetch()
	waitFor(t, "download request", func() bool { return len(h.Downloads.Downloads()) > before })
	time.Sleep(20 * time.Millisecond)
	if n := len(h.Downloads.Downloads()) - before; n != 1 {
		t.Fatalf("download requests = %d, want 1", n)
	}

	key := engine.ContentKey{ContentID: "102244", Part: 0, Chapter: 1}
	h.Downloads.Complete(key)
	h.Downloads.Complete(key)
	if got := first.DownloadStatus(); got != (status.Downloaded{}) {
		t.Fatalf("status = %v, want downloaded", got)
	}

	var page struct {
		Data journal.Page `json:"data"`
	}
	waitFor(t, "journal entries", func() bool {
		resp, err := http.Get(h.URL() + "/v1/journal?bookId=" + url.QueryEscape(b.ID()))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		page.Data = journal.Page{}
		return json.NewDecoder(resp.Body).Decode(&page) == nil && len(page.Data.Entries) >= 2
	})
	got := []string{page.Data.Entries[0].Status, page.Data.Entries[1].Status}
	if got[0] != "downloading" || got[1] != "downloaded" || len(page.Data.Entries) != 2 {
		t.Errorf("journal = %+v", page.Data.Entries)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
