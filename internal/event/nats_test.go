package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/status"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return &nats.PubAck{Stream: StatusStream}, nil
}

func (f *fakeJetStream) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestPublisher(js *fakeJetStream) *natsPub {
	p := newNATSPub(nil, js, slog.Default())
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPublishStatusChanged(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)
	ev := status.Event{ElementID: "0-1", Download: status.Downloading{Percent: 40}, Playing: status.Stopped, At: time.Now()}

	if err := p.PublishStatusChanged(context.Background(), "urn:isbn:978.1", ev); err != nil {
		t.Fatalf("PublishStatusChanged: %v", err)
	}
	msgs := js.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].subject != "audiobook.status.urn:isbn:978_1" {
		t.Errorf("subject = %q", msgs[0].subject)
	}

	var env struct {
		Envelope
		Payload StatusPayload `json:"payload"`
	}
	if err := json.Unmarshal(msgs[0].data, &env); err != nil {
		t.Fatal(err)
	}
	if _, err := ulid.Parse(env.ID); err != nil {
		t.Errorf("envelope id %q is not a ULID: %v", env.ID, err)
	}
	if env.Type != "audiobook.status.changed" || env.Version != envelopeVersion || env.CorrelationID == "" {
		t.Errorf("envelope = %+v", env.Envelope)
	}
	if env.Payload.Status != "downloading" || env.Payload.Percent != 40 || env.Payload.ElementID != "0-1" || env.Payload.Playing != "stopped" {
		t.Errorf("payload = %+v", env.Payload)
	}
}

func TestPublishStatusChangedSkipsRepeats(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)
	ctx := context.Background()
	done := status.Event{ElementID: "0-1", Download: status.Downloaded{}}

	_ = p.PublishStatusChanged(ctx, "b", done)
	_ = p.PublishStatusChanged(ctx, "b", done)
	_ = p.PublishStatusChanged(ctx, "b", status.Event{ElementID: "0-2", Download: status.Downloaded{}})
	_ = p.PublishStatusChanged(ctx, "b", status.Event{ElementID: "0-1", Download: status.NotDownloaded{}})
	_ = p.PublishStatusChanged(ctx, "b", done)

	if n := len(js.messages()); n != 4 {
		t.Fatalf("published %d messages, want 4", n)
	}
}

func TestFailedPublishIsRetried(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := newTestPublisher(js)
	ev := status.Event{ElementID: "0-1", Download: status.Failed{Reason: "disk full"}}

	if err := p.PublishStatusChanged(context.Background(), "b", ev); err == nil {
		t.Fatal("PublishStatusChanged succeeded against a failing stream")
	}
	js.mu.Lock()
	js.err = nil
	js.mu.Unlock()
	if err := p.PublishStatusChanged(context.Background(), "b", ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(js.messages()); n != 1 {
		t.Fatalf("published %d messages, want 1", n)
	}
}

func TestPublishSessionState(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)
	if err := p.PublishSessionState(context.Background(), "01HX", "configured"); err != nil {
		t.Fatal(err)
	}
	msgs := js.messages()
	if len(msgs) != 1 || msgs[0].subject != "audiobook.sessions.configured" {
		t.Fatalf("messages = %+v", msgs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.PublishSessionState(ctx, "01HX", "closed"); !errors.Is(err, context.Canceled) {
		t.Errorf("publish with cancelled context = %v", err)
	}
}

func TestNewPublisherWithoutURL(t *testing.T) {
	p := NewPublisher("", nil)
	if _, ok := p.(noop); !ok {
		t.Fatalf("NewPublisher(\"\") = %T, want noop", p)
	}
	if err := p.PublishSessionState(context.Background(), "s", "closed"); err != nil {
		t.Error(err)
	}
	if err := p.Close(); err != nil {
		t.Error(err)
	}
}
