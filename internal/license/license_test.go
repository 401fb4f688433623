package license

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

const findawayDoc = `{
  "metadata": {
    "title": "T", "language": "en", "duration": 20.0, "identifier": "id", "authors": ["A"],
    "encrypted": {
      "scheme": "http://librarysimplified.org/terms/drm/scheme/FAE",
      "findaway:accountId": "acc", "findaway:checkoutId": "chk", "findaway:fulfillmentId": "ful",
      "findaway:licenseId": "lic", "findaway:sessionKey": "key"%s
    }
  },
  "spine": [
    {"findaway:part": 0, "findaway:sequence": 1, "title": "One", "duration": 10.0},
    {"findaway:part": 0, "findaway:sequence": 2, "title": "Two", "duration": 10.0}
  ],
  "links": [%s]
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

type fakeVerifier struct {
	name string
	ok   bool
	err  error
	ran  *[]string
}

func (f fakeVerifier) Name() string { return f.name }

func (f fakeVerifier) Verify(_ context.Context, _ *manifest.Manifest, emit func(string)) (bool, error) {
	*f.ran = append(*f.ran, f.name)
	emit("checking " + f.name)
	return f.ok, f.err
}

type panicVerifier struct{}

func (panicVerifier) Name() string { return "panicky" }
func (panicVerifier) Verify(context.Context, *manifest.Manifest, func(string)) (bool, error) {
	panic("boom")
}

func TestCheckRunsAllVerifiersInOrder(t *testing.T) {
	m := parse(t, `{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`)
	var ran []string
	c := NewCheck(m,
		fakeVerifier{name: "a", ok: true, ran: &ran},
		fakeVerifier{name: "b", ok: false, ran: &ran},
		fakeVerifier{name: "c", err: errors.New("offline"), ran: &ran},
		fakeVerifier{name: "d", ok: true, ran: &ran},
	)
	sub := c.Events().Subscribe()
	defer sub.Close()

	res := c.Execute(context.Background())
	if res.Succeeded {
		t.Fatal("Succeeded = true with a rejecting verifier")
	}
	if strings.Join(ran, ",") != "a,b,c,d" {
		t.Errorf("verifiers ran = %v", ran)
	}
	if len(res.Failures) != 2 || res.Failures[0].Verifier != "b" || res.Failures[1].Verifier != "c" {
		t.Errorf("Failures = %+v", res.Failures)
	}
	if err := res.Err(); err == nil || !strings.Contains(err.Error(), "offline") {
		t.Errorf("Err() = %v", err)
	}

	want := []string{"a", "a", "b", "b", "c", "c", "d", "d"}
	for i, v := range want {
		select {
		case ev := <-sub.C():
			if ev.Verifier != v {
				t.Errorf("event %d from %q, want %q (%s)", i, ev.Verifier, v, ev.Message)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestCheckWithoutVerifiersSucceeds(t *testing.T) {
	m := parse(t, `{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`)
	if res := NewCheck(m).Execute(context.Background()); !res.Succeeded || res.Err() != nil {
		t.Errorf("Execute() = %+v", res)
	}
}

func TestCheckRecoversVerifierPanic(t *testing.T) {
	m := parse(t, `{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`)
	res := NewCheck(m, panicVerifier{}).Execute(context.Background())
	if res.Succeeded || len(res.Failures) != 1 || !strings.Contains(res.Failures[0].Reason, "panicked") {
		t.Errorf("Execute() = %+v", res)
	}
}

func TestSchemaVerifier(t *testing.T) {
	v, err := NewSchemaVerifier()
	if err != nil {
		t.Fatal(err)
	}
	noop := func(string) {}

	ok, err := v.Verify(context.Background(), parse(t, findawayWith("", "")), noop)
	if !ok || err != nil {
		t.Errorf("valid findaway manifest: %v, %v", ok, err)
	}

	broken := strings.Replace(findawayDoc, `"findaway:licenseId": "lic", `, "", 1)
	broken = strings.Replace(strings.Replace(broken, "%s", "", 1), "%s", "", 1)
	ok, err = v.Verify(context.Background(), parse(t, broken), noop)
	if ok || err == nil || !strings.Contains(err.Error(), "findaway:licenseId") {
		t.Errorf("manifest without licenseId: %v, %v", ok, err)
	}

	plain := parse(t, `{"metadata":{"title":"T","language":"en","duration":1,"identifier":"i","authors":[]},"spine":[],"links":[]}`)
	if ok, err := v.Verify(context.Background(), plain, noop); !ok || err != nil {
		t.Errorf("unencrypted manifest: %v, %v", ok, err)
	}
}

func findawayWith(extra, links string) string {
	doc := strings.Replace(findawayDoc, "%s", extra, 1)
	return strings.Replace(doc, "%s", links, 1)
}

func TestOnlineVerifier(t *testing.T) {
	var mu sync.Mutex
	status, code := "ready", http.StatusOK
	set := func(s string, c int) {
		mu.Lock()
		status, code = s, c
		mu.Unlock()
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		s, c := status, code
		mu.Unlock()
		w.WriteHeader(c)
		_, _ = w.Write([]byte(`{"status":"` + s + `","message":"loan returned"}`))
	}))
	defer srv.Close()

	m := parse(t, findawayWith("", `{"href":"`+srv.URL+`/license","rel":"license"}`))
	v := NewOnlineVerifier(srv.Client())
	var msgs []string
	emit := func(s string) { msgs = append(msgs, s) }

	if ok, err := v.Verify(context.Background(), m, emit); !ok || err != nil {
		t.Errorf("ready license: %v, %v", ok, err)
	}

	set("revoked", http.StatusOK)
	if ok, err := v.Verify(context.Background(), m, emit); ok || err != nil {
		t.Errorf("revoked license: %v, %v", ok, err)
	}
	if last := msgs[len(msgs)-1]; !strings.Contains(last, "loan returned") {
		t.Errorf("last message = %q", last)
	}

	set("revoked", http.StatusInternalServerError)
	if ok, err := v.Verify(context.Background(), m, emit); ok || err == nil {
		t.Errorf("server error: %v, %v", ok, err)
	}

	noLink := parse(t, findawayWith("", ""))
	if ok, err := v.Verify(context.Background(), noLink, emit); !ok || err != nil {
		t.Errorf("no license link: %v, %v", ok, err)
	}
}

func TestStartUnsubscribeCancelsOnlineVerifier(t *testing.T) {
	cancelled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	m := parse(t, findawayWith("", `{"href":"`+srv.URL+`/license","rel":"license"}`))
	exec := Start(context.Background(), NewCheck(m, NewOnlineVerifier(srv.Client())))

	select {
	case ev := <-exec.Events():
		if !strings.HasPrefix(ev.Message, "Checking license status") {
			t.Errorf("first event = %q", ev.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event before unsubscribe")
	}

	if _, err := exec.Await(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Await() error = %v, want ErrTimeout", err)
	}
	exec.Unsubscribe()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not cancel the license request")
	}
	res, err := exec.Await(2 * time.Second)
	if err != nil || res.Succeeded {
		t.Errorf("Await() after cancel = %+v, %v", res, err)
	}
}

func TestEndDateVerifier(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	v := NewEndDateVerifier(func() time.Time { return now })
	noop := func(string) {}

	future := parse(t, findawayWith(`, "findaway:endDate": "2024-07-01T00:00:00Z"`, ""))
	if ok, err := v.Verify(context.Background(), future, noop); !ok || err != nil {
		t.Errorf("future end date: %v, %v", ok, err)
	}

	past := parse(t, findawayWith(`, "findaway:endDate": "2024-05-01T00:00:00Z"`, ""))
	if ok, err := v.Verify(context.Background(), past, noop); ok || err != nil {
		t.Errorf("past end date: %v, %v", ok, err)
	}

	garbage := parse(t, findawayWith(`, "endDate": "soon"`, ""))
	if ok, err := v.Verify(context.Background(), garbage, noop); ok || err == nil {
		t.Errorf("malformed end date: %v, %v", ok, err)
	}

	if ok, err := v.Verify(context.Background(), parse(t, findawayWith("", "")), noop); !ok || err != nil {
		t.Errorf("no end date: %v, %v", ok, err)
	}
}
