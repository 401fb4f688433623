package fulfill

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// bearerTokenLifetime is how long a signed token stays valid.
const bearerTokenLifetime = 5 * time.Minute

// BearerTokenStrategy fetches the manifest with a short-lived HS256 token
// signed by the library's bearer-token secret.
type BearerTokenStrategy struct {
	uri    *url.URL
	creds  SchemeSpecific
	hc     *http.Client
	log    *slog.Logger
	events *stream.Hub[Event]
	now    func() time.Time
}

// NewBearerTokenStrategy serves SchemeSpecific credentials.
func NewBearerTokenStrategy(p Params) (Strategy, error) {
	if p.URI == nil {
		return nil, fmt.Errorf("bearer strategy: request URI is required")
	}
	creds, ok := p.Credentials.(SchemeSpecific)
	if !ok {
		return nil, fmt.Errorf("bearer strategy: scheme-specific credentials are required")
	}
	if len(creds.BearerTokenSecret) == 0 {
		return nil, fmt.Errorf("bearer strategy: bearer token secret is empty")
	}
	return &BearerTokenStrategy{
		uri:    p.URI,
		creds:  creds,
		hc:     p.client(),
		log:    p.logger(),
		events: stream.NewHub[Event](),
		now:    time.Now,
	}, nil
}

func (s *BearerTokenStrategy) Name() string { return "bearer-token" }

func (s *BearerTokenStrategy) Events() *stream.Hub[Event] { return s.events }

// SignToken creates the token sent to the manifest server.
func (s *BearerTokenStrategy) SignToken() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.creds.IssuerURL,
		Subject:   s.creds.User,
		Audience:  jwt.ClaimStrings{s.uri.String()},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(bearerTokenLifetime)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.creds.BearerTokenSecret)
	if err != nil {
		return "", &Error{Message: "cannot sign bearer token", Cause: err}
	}
	return signed, nil
}

func (s *BearerTokenStrategy) Execute(ctx context.Context) (*Fulfilled, error) {
	e := emitter{name: s.Name(), hub: s.events}

	e.emit("Signing bearer token for %s", s.creds.IssuerURL)
	token, err := s.SignToken()
	if err != nil {
		return nil, err
	}

	e.emit("Requesting manifest from %s", s.uri.Redacted())
	resp, body, err := get(ctx, s.hc, s.uri, "Bearer "+token, manifestAccept)
	if err != nil {
		s.log.Warn("manifest request failed", "uri", s.uri.Redacted(), "error", err)
		return nil, err
	}
	e.emit("Received %d bytes", len(body))
	return &Fulfilled{Source: resp.Request.URL, ContentType: resp.Header.Get("Content-Type"), Data: body}, nil
}
