package fulfill

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

const manifestAccept = "application/audiobook+json, application/json;q=0.9, */*;q=0.1"

// BasicStrategy fetches the manifest with a single GET, sending HTTP basic
// auth only when the credentials are Basic.
type BasicStrategy struct {
	uri    *url.URL
	creds  Credentials
	hc     *http.Client
	log    *slog.Logger
	events *stream.Hub[Event]
}

// NewBasicStrategy serves None and Basic credentials.
func NewBasicStrategy(p Params) (Strategy, error) {
	if p.URI == nil {
		return nil, fmt.Errorf("basic strategy: request URI is required")
	}
	creds := p.Credentials
	if creds == nil {
		creds = None{}
	}
	switch creds.(type) {
	case None, Basic:
	default:
		return nil, fmt.Errorf("basic strategy: unsupported credentials %s", creds.Kind())
	}
	return &BasicStrategy{
		uri:    p.URI,
		creds:  creds,
		hc:     p.client(),
		log:    p.logger(),
		events: stream.NewHub[Event](),
	}, nil
}

func (s *BasicStrategy) Name() string { return "basic" }

func (s *BasicStrategy) Events() *stream.Hub[Event] { return s.events }

// authorization returns the Authorization header value, empty for None.
func (s *BasicStrategy) authorization() string {
	if b, ok := s.creds.(Basic); ok {
		return basicAuth(b.User, b.Password)
	}
	return ""
}

func (s *BasicStrategy) Execute(ctx context.Context) (*Fulfilled, error) {
	e := emitter{name: s.Name(), hub: s.events}
	e.emit("Requesting manifest from %s", s.uri.Redacted())

	resp, body, err := get(ctx, s.hc, s.uri, s.authorization(), manifestAccept)
	if err != nil {
		s.log.Warn("manifest request failed", "uri", s.uri.Redacted(), "error", err)
		return nil, err
	}
	e.emit("Received %d bytes", len(body))
	return &Fulfilled{
		Source:      resp.Request.URL,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        body,
	}, nil
}
