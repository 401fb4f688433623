package session

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/book"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/download"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/engine"
	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/event"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/fulfill"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/journal"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/license"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/sleeptimer"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/telemetry"
)

// DefaultFetchTimeout bounds the wait for a fulfillment strategy.
const DefaultFetchTimeout = 3 * time.Second

const tracerName = "audiobook-session"

// Orchestrator holds the collaborators every session is built from. All
// registries are supplied by the embedding application.
type Orchestrator struct {
	Strategies   *fulfill.Registry // nil uses fulfill.DefaultRegistry
	Parser       *manifest.Parser  // nil uses the default decoder only
	Verifiers    []license.Verifier
	Engines      *engine.Registry
	EngineFilter func(engine.Provider) bool
	Downloads    engine.DownloadEngine
	Playback     engine.PlaybackEngine // optional; sessions without it have no player

	Reporter ErrorReporter
	Main     Dispatcher
	// Acknowledged runs once the user has acknowledged a fatal failure.
	Acknowledged func(*Session)

	Cache     cache.Cache     // optional manifest diagnostics cache
	Publisher event.Publisher // optional
	Journal   journal.Journal // optional

	HTTPClient   *http.Client
	FetchTimeout time.Duration
	Workers      int
	Logger       *slog.Logger
}

// Params select the manifest a session opens.
type Params struct {
	Credentials fulfill.Credentials
	FetchURI    *url.URL
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) fetchTimeout() time.Duration {
	if o.FetchTimeout > 0 {
		return o.FetchTimeout
	}
	return DefaultFetchTimeout
}

// New creates a session in WaitingForManifest. Subscribe to its Progress
// before calling Open to observe every stage.
func (o *Orchestrator) New(p Params) (*Session, error) {
	if o.Engines == nil || o.Downloads == nil {
		return nil, errordefs.New(errordefs.AB_CONFIGURATION, "an engine registry and a download engine are required")
	}
	if p.FetchURI == nil || !p.FetchURI.IsAbs() {
		return nil, errordefs.New(errordefs.AB_CONFIGURATION, "an absolute fetch URI is required")
	}
	if p.Credentials == nil {
		p.Credentials = fulfill.None{}
	}
	pub := o.Publisher
	if pub == nil {
		pub = event.NewNoop()
	}
	id := ulid.Make().String()
	log := o.logger().With("session", id)
	return &Session{
		id:       id,
		o:        o,
		params:   p,
		log:      log,
		pub:      pub,
		exec:     download.NewExecutor(o.Workers, log),
		progress: stream.NewHub[Progress](),
		state:    WaitingForManifest,
	}, nil
}

// Open creates a session and runs it. On failure the session has already
// been torn down and reported, and only the error is returned.
func (o *Orchestrator) Open(ctx context.Context, p Params) (*Session, error) {
	s, err := o.New(p)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open fetches, parses and checks the manifest, then opens the book and its
// player. Every failure is a fatal *errors.Error; the session is left Failed.
func (s *Session) Open(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errordefs.New(errordefs.AB_INTERNAL, "session already opened")
	}
	s.mu.Lock()
	closed := s.done
	s.mu.Unlock()
	if closed {
		return errordefs.New(errordefs.AB_INTERNAL, "session is closed")
	}
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "session.Open")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("fetch.uri", s.params.FetchURI.Redacted()),
		attribute.String("credentials", string(s.params.Credentials.Kind())),
	)

	if err := s.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, err)
		return err
	}
	return nil
}

func (s *Session) run(ctx context.Context) error {
	s.message("Fetching manifest")
	fetched, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.setState(ctx, ReceivedResponse, "Processing manifest")
	s.cacheManifest(ctx, fetched.Data)

	m, err := s.parse(ctx, fetched)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
	s.setState(ctx, ReceivedManifest, "Checking license")

	if err := s.checkLicense(ctx, m); err != nil {
		return err
	}
	if err := s.openBook(ctx, m); err != nil {
		return err
	}
	s.setState(ctx, Configured, "Ready")
	return nil
}

func stage(ctx context.Context, name string) (context.Context, trace.Span) {
	return telemetry.Tracer(tracerName).Start(ctx, name)
}

func endStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Session) fetch(ctx context.Context) (_ *fulfill.Fulfilled, err error) {
	ctx, span := stage(ctx, "session.fetch")
	defer func() { endStage(span, err) }()

	strategies := s.o.Strategies
	if strategies == nil {
		strategies = fulfill.DefaultRegistry()
	}
	strategy, err := strategies.Create(fulfill.Params{
		Credentials: s.params.Credentials,
		URI:         s.params.FetchURI,
		Client:      s.o.HTTPClient,
		Logger:      s.log,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("strategy", strategy.Name()))
	s.log.Debug("fetching manifest", "uri", s.params.FetchURI.Redacted(), "strategy", strategy.Name())

	exec := fulfill.Start(ctx, strategy)
	defer exec.Unsubscribe()
	go func() {
		for ev := range exec.Events() {
			s.message(ev.Message)
		}
	}()

	f, err := exec.Await(s.o.fetchTimeout())
	if err != nil {
		return nil, ClassifyFetch(err)
	}
	if f.Source == nil {
		f.Source = s.params.FetchURI
	}
	span.SetAttributes(attribute.Int("manifest.bytes", len(f.Data)))
	return f, nil
}

// ClassifyFetch maps a fulfillment failure onto the AB_TIMEOUT, AB_FETCH and
// AB_FULFILLMENT codes.
func ClassifyFetch(err error) error {
	var fe *fulfill.Error
	if !stderrors.As(err, &fe) {
		return errordefs.Wrap(errordefs.AB_FULFILLMENT, "fulfillment failed", err)
	}
	var ne net.Error
	switch {
	case fe.Timeout:
		return errordefs.Wrap(errordefs.AB_TIMEOUT, "timed out fetching manifest", err)
	case fe.StatusCode != 0:
		return &errordefs.Error{
			Code:    errordefs.AB_FETCH,
			Message: "server returned a failure status",
			Details: map[string]interface{}{"status": fe.StatusCode},
			Cause:   err,
		}
	case stderrors.As(fe.Cause, &ne):
		return errordefs.Wrap(errordefs.AB_FETCH, "failed to fetch manifest", err)
	default:
		return errordefs.Wrap(errordefs.AB_FULFILLMENT, "fulfillment failed", err)
	}
}

// cacheManifest keeps a diagnostics copy. Failures never fail the session.
func (s *Session) cacheManifest(ctx context.Context, data []byte) {
	if s.o.Cache == nil {
		return
	}
	start := time.Now()
	where, err := s.o.Cache.Store(ctx, data)
	metrics.NewMetrics().ObserveStorage("manifest_cache", err, time.Since(start))
	if err != nil {
		s.log.Warn("failed to cache manifest", "error", err)
		return
	}
	s.log.Debug("cached manifest", "location", where)
}

func (s *Session) parse(ctx context.Context, f *fulfill.Fulfilled) (_ *manifest.Manifest, err error) {
	_, span := stage(ctx, "session.parse")
	defer func() { endStage(span, err) }()

	var m *manifest.Manifest
	if s.o.Parser != nil {
		m, err = s.o.Parser.Parse(f.Source, f.Data)
	} else {
		m, err = manifest.Parse(f.Source, f.Data)
	}
	metrics.NewMetrics().ObserveParse(err)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.AB_PARSE, "failed to parse manifest", err)
	}
	span.SetAttributes(
		attribute.String("book.id", m.Metadata.Identifier),
		attribute.Int("spine.items", len(m.Spine)),
	)
	return m, nil
}

func (s *Session) checkLicense(ctx context.Context, m *manifest.Manifest) (err error) {
	ctx, span := stage(ctx, "session.license")
	defer func() { endStage(span, err) }()

	exec := license.Start(ctx, license.NewCheck(m, s.o.Verifiers...).WithLogger(s.log))
	defer exec.Unsubscribe()
	go func() {
		for ev := range exec.Events() {
			s.message(ev.Verifier + ": " + ev.Message)
		}
	}()

	res, err := exec.Await(0)
	if err != nil {
		return errordefs.Wrap(errordefs.AB_LICENSE_CHECK, "license check did not complete", err)
	}
	if !res.Succeeded {
		return errordefs.Wrap(errordefs.AB_LICENSE_CHECK, "license check failed", res.Err())
	}
	return nil
}

// ensureCode keeps an existing error code and gives code to anything else.
func ensureCode(code errordefs.ErrorCode, message string, err error) error {
	var e *errordefs.Error
	if stderrors.As(err, &e) {
		return err
	}
	return errordefs.Wrap(code, message, err)
}

func (s *Session) openBook(ctx context.Context, m *manifest.Manifest) (err error) {
	ctx, span := stage(ctx, "session.openBook")
	defer func() { endStage(span, err) }()

	provider, err := s.o.Engines.FindBestFor(m, s.o.EngineFilter)
	if err != nil {
		return ensureCode(errordefs.AB_ENGINE_SELECTION, "no audio engine available", err)
	}
	s.log.Info("selected audio engine", "engine", provider.Name(), "version", provider.Version())
	span.SetAttributes(attribute.String("engine", provider.Name()))

	b, err := provider.CreateBook(ctx, engine.BookRequest{
		Manifest:  m,
		Downloads: s.o.Downloads,
		Playback:  s.o.Playback,
		Executor:  s.exec,
		Logger:    s.log,
	})
	if err != nil {
		return ensureCode(errordefs.AB_BOOK_CONSTRUCTION, "engine could not open the book", err)
	}

	var (
		player book.Player
		timer  *sleeptimer.Timer
	)
	if s.o.Playback != nil {
		if player, err = b.CreatePlayer(); err != nil {
			if cerr := b.Close(); cerr != nil {
				s.log.Error("error closing book", "error", cerr)
			}
			return errordefs.Wrap(errordefs.AB_BOOK_CONSTRUCTION, "could not create player", err)
		}
		timer = sleeptimer.New(player, sleeptimer.WithLogger(s.log))
	}

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		if timer != nil {
			timer.Close()
		}
		if player != nil {
			player.Close()
		}
		b.Close()
		return errordefs.New(errordefs.AB_INTERNAL, "session closed while opening")
	}
	s.book, s.player, s.timer = b, player, timer
	s.mu.Unlock()

	s.watchStatus(ctx, b)
	return nil
}

// watchStatus relays the book's status changes to the publisher and the journal.
func (s *Session) watchStatus(ctx context.Context, b book.Book) {
	bg := context.WithoutCancel(ctx)
	if s.o.Journal != nil {
		s.onStop(journal.Record(bg, b.StatusMap().Events(), b.ID(), s.o.Journal, s.log))
	}

	sub := b.StatusMap().Events().Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			if err := s.pub.PublishStatusChanged(bg, b.ID(), ev); err != nil {
				s.log.Warn("failed to publish status change", "element", ev.ElementID, "error", err)
			}
		}
	}()
	s.onStop(func() {
		sub.Close()
		<-done
	})
}

// fail tears the session down and reports err once.
func (s *Session) fail(ctx context.Context, err error) {
	if !s.finish() {
		s.log.Debug("session already closed", "error", err)
		return
	}
	s.log.Error("session failed", "code", errordefs.CodeOf(err), "error", err)
	s.release()
	s.setState(context.WithoutCancel(ctx), Failed, userMessage(err))
	s.progress.Close()
	s.report(err)
}

func (s *Session) report(err error) {
	var acknowledged atomic.Bool
	continuation := func() {
		if !acknowledged.CompareAndSwap(false, true) {
			s.log.Warn("error continuation called more than once")
			return
		}
		if s.o.Acknowledged != nil {
			s.o.Acknowledged(s)
		}
	}

	reporter := s.o.Reporter
	if reporter == nil {
		continuation()
		return
	}
	show := func() { reporter.ReportError(userMessage(err), err, continuation) }
	if s.o.Main == nil {
		show()
		return
	}
	if !s.o.Main.Post(show) {
		s.log.Warn("main dispatcher rejected error report")
		continuation()
	}
}

// userMessage is the single line shown for a fatal failure.
func userMessage(err error) string {
	switch errordefs.CodeOf(err) {
	case errordefs.AB_FETCH:
		return "Failed to fetch URI"
	case errordefs.AB_TIMEOUT:
		return "Timed out fetching the manifest"
	case errordefs.AB_FULFILLMENT:
		return "Failed to fulfill the book"
	case errordefs.AB_PARSE:
		return "Failed to parse manifest"
	case errordefs.AB_LICENSE_CHECK:
		return "The book's license could not be verified"
	case errordefs.AB_ENGINE_SELECTION:
		return "No audio engine available to handle the given book"
	case errordefs.AB_BOOK_CONSTRUCTION:
		return "Error opening the book"
	case errordefs.AB_CONFIGURATION:
		return "The player is not configured for these credentials"
	}
	return "Unexpected error"
}
