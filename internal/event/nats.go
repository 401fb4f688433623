// Package event streams status map changes and session state transitions to
// NATS JetStream so other services can follow a listening session.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

const (
	StatusStream   = "AB_STATUS"
	SessionsStream = "AB_SESSIONS"

	statusSubjectPrefix  = "audiobook.status."
	sessionSubjectPrefix = "audiobook.sessions."

	envelopeVersion = "1.0.0"
)

// Publisher publishes pipeline events.
type Publisher interface {
	// PublishStatusChanged publishes one status map change of a book.
	PublishStatusChanged(ctx context.Context, bookID string, ev status.Event) error
	// PublishSessionState publishes a session state transition.
	PublishSessionState(ctx context.Context, sessionID, state string) error
	Close() error
}

// noop is used when NATS is not configured.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) Close() error                                                     { return nil }
func (noop) PublishStatusChanged(context.Context, string, status.Event) error { return nil }
func (noop) PublishSessionState(context.Context, string, string) error        { return nil }

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type natsPub struct {
	nc  *nats.Conn
	js  jetStream
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	last map[string]string // book/element -> last published status
}

// NewPublisher connects to url and prepares the streams. An empty url, or any
// failure to reach NATS, yields a no-op publisher so sessions run without
// event streaming.
func NewPublisher(url string, log *slog.Logger) Publisher {
	if log == nil {
		log = slog.Default()
	}
	if url == "" {
		return noop{}
	}
	nc, err := nats.Connect(url, nats.Name("audiobook"))
	if err != nil {
		log.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		log.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}
	if err := initStreams(js); err != nil {
		log.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}
	return newNATSPub(nc, js, log)
}

func newNATSPub(nc *nats.Conn, js jetStream, log *slog.Logger) *natsPub {
	return &natsPub{nc: nc, js: js, log: log, now: time.Now, last: make(map[string]string)}
}

func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:       StatusStream,
			Subjects:   []string{statusSubjectPrefix + "*"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:      SessionsStream,
			Subjects:  []string{sessionSubjectPrefix + "*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Discard:   nats.DiscardOld,
			Storage:   nats.FileStorage,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// Envelope wraps every published payload.
type Envelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId"`
	Payload       interface{} `json:"payload"`
}

// StatusPayload is the payload of audiobook.status events.
type StatusPayload struct {
	BookID    string    `json:"bookId"`
	ElementID string    `json:"elementId"`
	Status    string    `json:"status"`
	Percent   int       `json:"percent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Playing   string    `json:"playing"`
	At        time.Time `json:"at"`
}

// SessionPayload is the payload of audiobook.sessions events.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func statusPayload(bookID string, ev status.Event) StatusPayload {
	sp := StatusPayload{
		BookID:    bookID,
		ElementID: ev.ElementID,
		Status:    ev.Download.Kind(),
		Playing:   ev.Playing.String(),
		At:        ev.At.UTC(),
	}
	switch s := ev.Download.(type) {
	case status.Downloading:
		sp.Percent = s.Percent
	case status.Failed:
		sp.Reason = s.Reason
	}
	return sp
}

// PublishStatusChanged skips an event identical to the last one published for
// the same element.
func (p *natsPub) PublishStatusChanged(ctx context.Context, bookID string, ev status.Event) error {
	payload := statusPayload(bookID, ev)
	key := bookID + "/" + ev.ElementID
	fingerprint := fmt.Sprintf("%s|%d|%s|%s", payload.Status, payload.Percent, payload.Reason, payload.Playing)

	p.mu.Lock()
	if p.last[key] == fingerprint {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	subject := statusSubjectPrefix + subjectToken(bookID)
	if err := p.publish(ctx, subject, "audiobook.status.changed", payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.last[key] = fingerprint
	p.mu.Unlock()
	return nil
}

func (p *natsPub) PublishSessionState(ctx context.Context, sessionID, state string) error {
	subject := sessionSubjectPrefix + subjectToken(state)
	return p.publish(ctx, subject, "audiobook.session."+state, SessionPayload{SessionID: sessionID, State: state})
}

func (p *natsPub) publish(ctx context.Context, subject, eventType string, payload interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.NewMetrics().ObservePublish(eventType, err, time.Since(start))
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	env := Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       envelopeVersion,
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("event: marshal %s: %w", eventType, err)
	}
	if _, err := p.js.Publish(subject, b, nats.MsgId(env.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("event: publish %s: %w", subject, err)
	}
	p.log.Debug("event published", "subject", subject, "id", env.ID)
	return nil
}
