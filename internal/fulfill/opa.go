package fulfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/stream"
)

// DefaultOPATokenURL is the Overdrive patron authentication endpoint.
const DefaultOPATokenURL = "https://oauthpatron.overdrive.com/patrontoken"

// Link relations that point from a fulfillment document to the manifest.
var manifestRelations = []string{"manifest", "http://opds-spec.org/acquisition", "http://opds-spec.org/acquisition/open-access"}

// OPAStrategy resolves an Overdrive manifest in three steps: exchange the
// patron credentials for a token, fetch the fulfillment document, and follow
// its manifest link. Each step publishes a progress event.
type OPAStrategy struct {
	uri      *url.URL
	tokenURL *url.URL
	scope    string
	creds    Overdrive
	hc       *http.Client
	log      *slog.Logger
	events   *stream.Hub[Event]
}

// OPAOption customizes an OPAStrategy.
type OPAOption func(*OPAStrategy)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u *url.URL) OPAOption {
	return func(s *OPAStrategy) { s.tokenURL = u }
}

// WithScope sets the scope sent with the token request.
func WithScope(scope string) OPAOption {
	return func(s *OPAStrategy) { s.scope = scope }
}

// NewOPAStrategy serves Overdrive credentials with the default token endpoint.
func NewOPAStrategy(p Params) (Strategy, error) {
	return NewOPAStrategyWith(p)
}

// NewOPAStrategyWith serves Overdrive credentials with options applied.
func NewOPAStrategyWith(p Params, opts ...OPAOption) (Strategy, error) {
	if p.URI == nil {
		return nil, fmt.Errorf("opa strategy: fulfillment URI is required")
	}
	creds, ok := p.Credentials.(Overdrive)
	if !ok {
		return nil, fmt.Errorf("opa strategy: Overdrive credentials are required")
	}
	tokenURL, err := url.Parse(DefaultOPATokenURL)
	if err != nil {
		return nil, err
	}
	s := &OPAStrategy{
		uri:      p.URI,
		tokenURL: tokenURL,
		creds:    creds,
		hc:       p.client(),
		log:      p.logger(),
		events:   stream.NewHub[Event](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *OPAStrategy) Name() string { return "opa" }

func (s *OPAStrategy) Events() *stream.Hub[Event] { return s.events }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type fulfillmentDocument struct {
	Links []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
		Type string `json:"type"`
	} `json:"links"`
	// A server may answer the fulfillment request with the manifest itself.
	Metadata json.RawMessage `json:"metadata"`
}

func (s *OPAStrategy) Execute(ctx context.Context) (*Fulfilled, error) {
	e := emitter{name: s.Name(), hub: s.events}

	e.emit("Requesting patron token")
	token, err := s.token(ctx)
	if err != nil {
		s.log.Warn("opa token request failed", "error", err)
		return nil, err
	}
	bearer := "Bearer " + token

	e.emit("Requesting fulfillment document from %s", s.uri.Redacted())
	resp, body, err := get(ctx, s.hc, s.uri, bearer, "application/json")
	if err != nil {
		return nil, err
	}
	var doc fulfillmentDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &Error{Message: "fulfillment document is not valid JSON", Cause: err}
	}
	if len(doc.Metadata) > 0 {
		e.emit("Fulfillment document is the manifest")
		return &Fulfilled{Source: resp.Request.URL, ContentType: resp.Header.Get("Content-Type"), Data: body}, nil
	}

	var manifestURL *url.URL
	for _, rel := range manifestRelations {
		for _, l := range doc.Links {
			if l.Rel != rel {
				continue
			}
			ref, err := url.Parse(l.Href)
			if err != nil {
				return nil, &Error{Message: fmt.Sprintf("malformed manifest link %q", l.Href), Cause: err}
			}
			manifestURL = resp.Request.URL.ResolveReference(ref)
			break
		}
		if manifestURL != nil {
			break
		}
	}
	if manifestURL == nil {
		return nil, &Error{Message: "fulfillment document has no manifest link"}
	}

	e.emit("Requesting manifest from %s", manifestURL.Redacted())
	resp, body, err = get(ctx, s.hc, manifestURL, bearer, manifestAccept)
	if err != nil {
		return nil, err
	}
	e.emit("Received %d bytes", len(body))
	return &Fulfilled{Source: resp.Request.URL, ContentType: resp.Header.Get("Content-Type"), Data: body}, nil
}

func (s *OPAStrategy) token(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", s.creds.User)
	if s.creds.Password == "" {
		form.Set("password_required", "false")
		form.Set("password", "[ignore]")
	} else {
		form.Set("password_required", "true")
		form.Set("password", s.creds.Password)
	}
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Message: "cannot build token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", basicAuth(s.creds.ClientKey, s.creds.ClientSecret))

	_, body, err := do(s.hc, req)
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &Error{Message: "token response is not valid JSON", Cause: err}
	}
	if tr.AccessToken == "" {
		return "", &Error{Message: "token response has no access_token"}
	}
	return tr.AccessToken, nil
}
