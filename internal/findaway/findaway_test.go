package findaway

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine/enginetest"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

const bookJSON = `{
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
    {"findaway:part": 0, "findaway:sequence": 2, "title": "Chapter 2", "type": "audio/mpeg", "duration": 1800.25},
    {"findaway:part": 1, "findaway:sequence": 1, "title": "Epilogue", "type": "audio/mpeg", "duration": 60}
  ],
  "links": []
}`

func parse(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	src, _ := url.Parse("http://example.com/manifest.json")
	m, err := manifest.Parse(src, []byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return m
}

type inlineExecutor struct{}

func (inlineExecutor) Submit(fn func(context.Context)) error {
	fn(context.Background())
	return nil
}

func TestTransform(t *testing.T) {
	fm, err := Transform(parse(t, bookJSON))
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if fm.AccountID != "3M" || fm.FulfillmentID != "102244" || fm.LicenseID != "5a8c" || fm.SessionKey != "sk" || fm.CheckoutID != "chk-1" {
		t.Errorf("encrypted values = %+v", fm)
	}
	if len(fm.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(fm.Items))
	}
	last := fm.Items[2]
	if last.ID() != "1-1" || last.Title != "Epilogue" || last.Duration != 60 || last.Type != "audio/mpeg" {
		t.Errorf("last item = %+v", last)
	}
}

func TestTransformNamesMissingKey(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		path     string
	}{
		{"license id", `"findaway:licenseId": "5a8c", `, ``, "metadata.encrypted.findaway:licenseId"},
		{"spine type", `"title": "Epilogue", "type": "audio/mpeg", `, `"title": "Epilogue", `, "spine[2].type"},
		{"spine sequence", `"findaway:part": 0, "findaway:sequence": 2, `, `"findaway:part": 0, `, "spine[1].findaway:sequence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(bookJSON, tt.from, tt.to, 1)
			_, err := Transform(parse(t, doc))
			var pe *manifest.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Transform error = %v, want *manifest.ParseError", err)
			}
			if pe.Path != tt.path || pe.Failure != manifest.FailureMissingKey {
				t.Errorf("error path = %q (%s), want %q", pe.Path, pe.Failure, tt.path)
			}
		})
	}
}

func TestTransformRejectsOtherSchemes(t *testing.T) {
	plain := parse(t, `{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`)
	if _, err := Transform(plain); !errors.Is(err, ErrNotFindaway) {
		t.Fatalf("Transform error = %v, want ErrNotFindaway", err)
	}
	if (Provider{}).Supports(plain) {
		t.Error("provider supports an unencrypted manifest")
	}
}

func TestProviderCreatesBook(t *testing.T) {
	m := parse(t, bookJSON)
	p := Provider{}
	if !p.Supports(m) {
		t.Fatal("provider does not support a Findaway manifest")
	}
	dl := enginetest.NewDownloadEngine()
	pb := enginetest.NewPlaybackEngine()
	b, err := p.CreateBook(context.Background(), engine.BookRequest{
		Manifest:  m,
		Downloads: dl,
		Playback:  pb,
		Executor:  inlineExecutor{},
	})
	if err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	defer b.Close()

	if b.ID() != "urn:isbn:9780000000001" || b.Title() != "Moby Dick" {
		t.Errorf("book = %s %s", b.ID(), b.Title())
	}
	spine := b.Spine()
	wantIDs := []string{"0-1", "0-2", "1-1"}
	for i, e := range spine.Elements() {
		if e.ID != wantIDs[i] || e.Index != i {
			t.Errorf("element %d = %s/%d", i, e.ID, e.Index)
		}
	}
	first, _ := spine.At(0)
	if first.Duration != 1800250*time.Millisecond {
		t.Errorf("duration = %v", first.Duration)
	}
	if next, ok := first.Next(); !ok || next.ID != "0-2" {
		t.Errorf("Next() = %v, %v", next, ok)
	}

	task, ok := first.DownloadTask()
	if !ok {
		t.Fatal("element has no download task")
	}
	task.Fetch()
	reqs := dl.Downloads()
	want := engine.DownloadRequest{Key: engine.ContentKey{ContentID: "102244", Part: 0, Chapter: 1}, LicenseID: "5a8c", AccountID: "3M"}
	if len(reqs) != 1 || reqs[0] != want {
		t.Fatalf("download requests = %+v", reqs)
	}
	dl.Complete(want.Key)
	if first.DownloadStatus() != (status.Downloaded{}) {
		t.Errorf("status = %v, want downloaded", first.DownloadStatus())
	}

	b.WholeBookDownloadTask().Fetch()
	if n := len(dl.Downloads()); n != 3 {
		t.Errorf("downloads after whole-book fetch = %d, want 3", n)
	}

	pl, err := b.CreatePlayer()
	if err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if err := pl.PlayAtLocation(book.Position{Part: 1, Chapter: 1}); err != nil {
		t.Fatal(err)
	}
	if plays := pb.Plays(); len(plays) != 1 || plays[0].LicenseID != "5a8c" || plays[0].Key.ContentID != "102244" {
		t.Errorf("plays = %+v", plays)
	}
}

func TestProviderRejectsDuplicateChapters(t *testing.T) {
	doc := strings.Replace(bookJSON, `"findaway:part": 1, "findaway:sequence": 1`, `"findaway:part": 0, "findaway:sequence": 1`, 1)
	_, err := Provider{}.CreateBook(context.Background(), engine.BookRequest{
		Manifest:  parse(t, doc),
		Downloads: enginetest.NewDownloadEngine(),
		Executor:  inlineExecutor{},
	})
	if errordefs.CodeOf(err) != errordefs.AB_BOOK_CONSTRUCTION {
		t.Fatalf("CreateBook error = %v, want AB_BOOK_CONSTRUCTION", err)
	}
}

func TestCloseDetachesTasks(t *testing.T) {
	dl := enginetest.NewDownloadEngine()
	fm, err := Transform(parse(t, bookJSON))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBook(fm, dl, nil, inlineExecutor{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	key := engine.ContentKey{ContentID: "102244", Part: 0, Chapter: 1}
	if dl.Listeners(key) != 1 {
		t.Fatalf("listeners = %d, want 1", dl.Listeners(key))
	}
	if _, err := b.CreatePlayer(); !errors.Is(err, ErrNoPlaybackEngine) {
		t.Errorf("CreatePlayer without engine = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if dl.Listeners(key) != 0 {
		t.Errorf("listeners after Close = %d, want 0", dl.Listeners(key))
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
