package fulfill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func collect(t *testing.T, exec *Execution, n int) []string {
	t.Helper()
	var msgs []string
	for len(msgs) < n {
		select {
		case ev := <-exec.Events():
			msgs = append(msgs, ev.Message)
		case <-time.After(time.Second):
			t.Fatalf("got %d events %v, want %d", len(msgs), msgs, n)
		}
	}
	return msgs
}

func TestBasicStrategyAuthorizationHeader(t *testing.T) {
	headers := make(chan http.Header, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	for _, creds := range []Credentials{Basic{User: "user", Password: "password"}, None{}} {
		s, err := NewBasicStrategy(Params{Credentials: creds, URI: mustURL(t, srv.URL), Client: srv.Client()})
		if err != nil {
			t.Fatal(err)
		}
		f, err := s.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute(%v) error = %v", creds, err)
		}
		if string(f.Data) != `{}` || f.ContentType != "application/json" {
			t.Errorf("Fulfilled = %+v", f)
		}
	}

	if got := (<-headers).Get("Authorization"); got != "Basic dXNlcjpwYXNzd29yZA==" {
		t.Errorf("Basic credentials sent Authorization %q", got)
	}
	if h := <-headers; len(h.Values("Authorization")) != 0 {
		t.Errorf("None credentials sent Authorization %q", h.Get("Authorization"))
	}
}

func TestBasicStrategyRejectsOtherCredentials(t *testing.T) {
	_, err := NewBasicStrategy(Params{Credentials: Overdrive{User: "u"}, URI: mustURL(t, "http://example.com")})
	if err == nil {
		t.Fatal("NewBasicStrategy accepted Overdrive credentials")
	}
}

func TestStrategyNon2xxIsFulfillmentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := NewBasicStrategy(Params{URI: mustURL(t, srv.URL), Client: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Execute(context.Background())
	var fe *Error
	if !errors.As(err, &fe) || fe.StatusCode != http.StatusForbidden {
		t.Fatalf("Execute() error = %v, want *Error with 403", err)
	}
}

func TestStrategyRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, maxManifestBytes+1))
	}))
	defer srv.Close()

	s, err := NewBasicStrategy(Params{URI: mustURL(t, srv.URL), Client: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Execute(context.Background())
	var fe *Error
	if !errors.As(err, &fe) || !strings.Contains(fe.Message, "exceeds") {
		t.Fatalf("Execute() error = %v, want *Error for oversized body", err)
	}
}

func TestStartUnreachableHostFailsWithinTimeout(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s, err := NewBasicStrategy(Params{URI: mustURL(t, addr), Client: NewHTTPClient(time.Second)})
	if err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	exec := Start(context.Background(), s)
	defer exec.Unsubscribe()
	f, err := exec.Await(3 * time.Second)
	if f != nil {
		t.Errorf("Await() returned a manifest: %+v", f)
	}
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Await() error = %v (%T), want *Error", err, err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Errorf("Await() took %s", elapsed)
	}
}

func TestRequestTimeoutIsFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	s, err := NewBasicStrategy(Params{URI: mustURL(t, srv.URL), Client: NewHTTPClient(50 * time.Millisecond)})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Execute(context.Background())
	var fe *Error
	if !errors.As(err, &fe) || !fe.Timeout {
		t.Fatalf("Execute() error = %v, want timeout *Error", err)
	}
}

func TestAwaitBoundAndUnsubscribeCancelsWork(t *testing.T) {
	cancelled := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	s, err := NewBasicStrategy(Params{URI: mustURL(t, srv.URL), Client: srv.Client()})
	if err != nil {
		t.Fatal(err)
	}
	exec := Start(context.Background(), s)
	if msgs := collect(t, exec, 1); !strings.HasPrefix(msgs[0], "Requesting manifest") {
		t.Errorf("first event = %q", msgs[0])
	}

	_, err = exec.Await(50 * time.Millisecond)
	var fe *Error
	if !errors.As(err, &fe) || !fe.Timeout {
		t.Fatalf("Await() error = %v, want timeout *Error", err)
	}

	exec.Unsubscribe()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe did not cancel the in-flight request")
	}
	select {
	case <-exec.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("strategy did not return after cancellation")
	}
	select {
	case ev, ok := <-exec.Events():
		if ok {
			t.Errorf("event delivered after unsubscribe: %+v", ev)
		}
	default:
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(KindBasic, NewBasicStrategy)

	_, err := r.Create(Params{Credentials: Overdrive{}, URI: mustURL(t, "http://example.com")})
	if errordefs.CodeOf(err) != errordefs.AB_CONFIGURATION {
		t.Fatalf("Create(Overdrive) error = %v, want AB_CONFIGURATION", err)
	}

	s, err := r.Create(Params{Credentials: Basic{User: "u"}, URI: mustURL(t, "http://example.com")})
	if err != nil || s.Name() != "basic" {
		t.Fatalf("Create(Basic) = %v, %v", s, err)
	}

	d := DefaultRegistry()
	for _, kind := range []CredentialKind{KindNone, KindBasic, KindOverdrive, KindSchemeSpecific} {
		if _, err := d.Lookup(kind); err != nil {
			t.Errorf("DefaultRegistry().Lookup(%s) error = %v", kind, err)
		}
	}
}

func TestOPAStrategyFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token method = %s", r.Method)
		}
		key, secret, ok := r.BasicAuth()
		if !ok || key != "client" || secret != "s3cret" {
			t.Errorf("token basic auth = %q %q %v", key, secret, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
			return
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "patron" || r.PostForm.Get("password") != "1234" {
			t.Errorf("token form = %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/fulfill", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("fulfill Authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"links":[{"rel":"self","href":"/fulfill"},{"rel":"manifest","href":"/manifest.json"}]}`))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("manifest Authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"metadata":{}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := NewOPAStrategyWith(Params{
		Credentials: Overdrive{User: "patron", Password: "1234", ClientKey: "client", ClientSecret: "s3cret"},
		URI:         mustURL(t, srv.URL+"/fulfill"),
		Client:      srv.Client(),
	}, WithTokenURL(mustURL(t, srv.URL+"/token")))
	if err != nil {
		t.Fatal(err)
	}

	exec := Start(context.Background(), s)
	defer exec.Unsubscribe()
	f, err := exec.Await(5 * time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if string(f.Data) != `{"metadata":{}}` || f.Source.Path != "/manifest.json" {
		t.Errorf("Fulfilled = %s from %s", f.Data, f.Source)
	}

	msgs := collect(t, exec, 4)
	for i, prefix := range []string{"Requesting patron token", "Requesting fulfillment document", "Requesting manifest", "Received"} {
		if !strings.HasPrefix(msgs[i], prefix) {
			t.Errorf("event %d = %q, want prefix %q", i, msgs[i], prefix)
		}
	}
}

func TestOPAStrategyMissingManifestLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/fulfill", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"links":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := NewOPAStrategyWith(Params{
		Credentials: Overdrive{User: "patron", ClientKey: "k", ClientSecret: "s"},
		URI:         mustURL(t, srv.URL+"/fulfill"),
		Client:      srv.Client(),
	}, WithTokenURL(mustURL(t, srv.URL+"/token")))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Execute(context.Background())
	var fe *Error
	if !errors.As(err, &fe) || !strings.Contains(fe.Message, "no manifest link") {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestBearerTokenStrategySignsToken(t *testing.T) {
	secret := []byte("library-secret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) { return secret, nil },
			jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("https://issuer.example.com"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if claims.Subject != "reader" || claims.ID == "" {
			http.Error(w, "bad claims", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s, err := NewBearerTokenStrategy(Params{
		Credentials: SchemeSpecific{User: "reader", IssuerURL: "https://issuer.example.com", BearerTokenSecret: secret},
		URI:         mustURL(t, srv.URL),
		Client:      srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f, err := s.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(f.Data) != `{"ok":true}` {
		t.Errorf("Data = %s", f.Data)
	}
}

func TestDecodeSecret(t *testing.T) {
	if b, err := DecodeSecret("c2VjcmV0"); err != nil || string(b) != "secret" {
		t.Errorf("DecodeSecret() = %q, %v", b, err)
	}
	if _, err := DecodeSecret("!!"); err == nil {
		t.Error("DecodeSecret(!!) succeeded")
	}
}
