// Package fulfill turns credentials and a request URI into raw manifest bytes.
// Each credential kind is served by a Strategy that reports human-readable
// progress on its event hub before returning the result.
package fulfill

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// maxManifestBytes bounds how much of a response body a strategy will read.
const maxManifestBytes = 16 << 20

// Event is a progress message emitted while a strategy runs.
type Event struct {
	Strategy string
	Message  string
	At       time.Time
}

// Fulfilled is the raw result of a successful fulfillment.
type Fulfilled struct {
	Source      *url.URL // Final URI the manifest was read from
	ContentType string
	Data        []byte
}

// Strategy resolves a manifest.
type Strategy interface {
	// Name identifies the strategy in events, logs and metrics.
	Name() string
	// Execute performs the fulfillment. Every failure is returned as *Error.
	Execute(ctx context.Context) (*Fulfilled, error)
	// Events is where progress messages are published.
	Events() *stream.Hub[Event]
}

// Error is the single failure type of every strategy.
type Error struct {
	Message    string
	StatusCode int  // HTTP status for non-2xx responses, otherwise 0
	Timeout    bool // The request or the bounded wait timed out
	Cause      error
}

func (e *Error) Error() string {
	msg := "fulfillment: " + e.Message
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// requestError classifies a transport failure.
func requestError(message string, err error) *Error {
	var ne net.Error
	timeout := stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout())
	return &Error{Message: message, Timeout: timeout, Cause: err}
}

// Params carry everything a provider needs to build a strategy.
type Params struct {
	Credentials Credentials
	URI         *url.URL
	Client      *http.Client // nil selects NewHTTPClient(10 * time.Second)
	Logger      *slog.Logger
}

func (p Params) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return NewHTTPClient(10 * time.Second)
}

func (p Params) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// NewHTTPClient returns a client with a short dial timeout and the given
// overall request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Provider builds a strategy for one credential kind.
type Provider func(Params) (Strategy, error)

// Registry maps credential kinds to strategy providers. It is filled by the
// embedding application and handed to the session orchestrator.
type Registry struct {
	mu        sync.RWMutex
	providers map[CredentialKind]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[CredentialKind]Provider)}
}

// DefaultRegistry serves every credential kind with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindNone, NewBasicStrategy)
	r.Register(KindBasic, NewBasicStrategy)
	r.Register(KindOverdrive, NewOPAStrategy)
	r.Register(KindSchemeSpecific, NewBearerTokenStrategy)
	return r
}

// Register installs or replaces the provider for kind.
func (r *Registry) Register(kind CredentialKind, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// Lookup returns the provider for kind. A missing provider is a configuration
// error and is never retried.
func (r *Registry) Lookup(kind CredentialKind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, errordefs.NewWithDetails(errordefs.AB_CONFIGURATION,
			fmt.Sprintf("no fulfillment strategy registered for %s credentials", kind),
			map[string]string{"kind": string(kind)})
	}
	return p, nil
}

// Create looks up the provider for the credentials' kind and builds the strategy.
func (r *Registry) Create(p Params) (Strategy, error) {
	if p.Credentials == nil {
		p.Credentials = None{}
	}
	provider, err := r.Lookup(p.Credentials.Kind())
	if err != nil {
		return nil, err
	}
	s, err := provider(p)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "cannot create fulfillment strategy", err)
	}
	return s, nil
}

// Execution is a running strategy observed through one subscription.
type Execution struct {
	job      *stream.Job[Event, *Fulfilled]
	strategy string
}

// Start runs the strategy in the background. Unsubscribing from the returned
// execution abandons the work and stops event delivery.
func Start(ctx context.Context, s Strategy) *Execution {
	name := s.Name()
	job := stream.Start(ctx, s.Events(), func(ctx context.Context) (*Fulfilled, error) {
		start := time.Now()
		f, err := s.Execute(ctx)
		metrics.NewMetrics().ObserveFulfillment(name, err, time.Since(start))
		return f, err
	})
	return &Execution{job: job, strategy: name}
}

// Events returns the progress messages of this execution.
func (e *Execution) Events() <-chan Event {
	return e.job.Events()
}

// Done is closed once the strategy has returned.
func (e *Execution) Done() <-chan struct{} {
	return e.job.Done()
}

// Unsubscribe abandons the execution.
func (e *Execution) Unsubscribe() {
	e.job.Unsubscribe()
}

// Await waits up to timeout for the result. Exceeding the bound returns a
// timeout *Error, the same failure class as a network error.
func (e *Execution) Await(timeout time.Duration) (*Fulfilled, error) {
	f, err := e.job.Await(timeout)
	if stderrors.Is(err, stream.ErrTimeout) {
		return nil, &Error{Message: fmt.Sprintf("%s did not complete within %s", e.strategy, timeout), Timeout: true, Cause: err}
	}
	if err != nil {
		var fe *Error
		if !stderrors.As(err, &fe) {
			err = &Error{Message: e.strategy + " failed", Cause: err}
		}
		return nil, err
	}
	return f, nil
}

// emitter publishes progress events for one strategy.
type emitter struct {
	name string
	hub  *stream.Hub[Event]
}

func (e emitter) emit(format string, args ...interface{}) {
	e.hub.Publish(Event{Strategy: e.name, Message: fmt.Sprintf(format, args...), At: time.Now()})
}

// get performs a GET and reads the body of a 2xx response.
func get(ctx context.Context, hc *http.Client, u *url.URL, authorization, accept string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, &Error{Message: "cannot build request", Cause: err}
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return do(hc, req)
}

func do(hc *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, requestError(fmt.Sprintf("request to %s failed", req.URL.Redacted()), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, &Error{
			Message:    fmt.Sprintf("server rejected request to %s: %s", req.URL.Redacted(), resp.Status),
			StatusCode: resp.StatusCode,
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, nil, requestError("cannot read response body", err)
	}
	if len(body) > maxManifestBytes {
		return nil, nil, &Error{Message: fmt.Sprintf("response from %s exceeds %d bytes", req.URL.Redacted(), maxManifestBytes)}
	}
	return resp, body, nil
}
