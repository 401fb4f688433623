package fulfill

import (
	"encoding/base64"
	"fmt"
)

// CredentialKind names a Credentials variant. Strategy providers are
// registered per kind.
type CredentialKind string

const (
	KindNone           CredentialKind = "none"
	KindBasic          CredentialKind = "basic"
	KindOverdrive      CredentialKind = "overdrive"
	KindSchemeSpecific CredentialKind = "scheme-specific"
)

// Credentials is what the user supplies to unlock a manifest. The concrete
// types are None, Basic, Overdrive and SchemeSpecific. Values are built once
// and passed by value; nothing mutates them.
type Credentials interface {
	isCredentials()
	Kind() CredentialKind
}

// None requests the manifest anonymously.
type None struct{}

// Basic authenticates with HTTP basic auth.
type Basic struct {
	User     string
	Password string
}

// Overdrive authenticates through the OPA token exchange.
type Overdrive struct {
	User         string
	Password     string
	ClientKey    string
	ClientSecret string
}

// SchemeSpecific authenticates with a bearer token signed by a per-library
// secret, as Feedbooks-style DRM requires.
type SchemeSpecific struct {
	User              string
	Password          string
	IssuerURL         string
	BearerTokenSecret []byte
}

func (None) isCredentials()           {}
func (Basic) isCredentials()          {}
func (Overdrive) isCredentials()      {}
func (SchemeSpecific) isCredentials() {}

func (None) Kind() CredentialKind           { return KindNone }
func (Basic) Kind() CredentialKind          { return KindBasic }
func (Overdrive) Kind() CredentialKind      { return KindOverdrive }
func (SchemeSpecific) Kind() CredentialKind { return KindSchemeSpecific }

// String hides secrets when credentials end up in logs.
func (c Basic) String() string { return fmt.Sprintf("basic(%s)", c.User) }

func (c Overdrive) String() string { return fmt.Sprintf("overdrive(%s)", c.User) }

func (c SchemeSpecific) String() string {
	return fmt.Sprintf("scheme-specific(%s, issuer=%s)", c.User, c.IssuerURL)
}

// basicAuth renders the value of an Authorization: Basic header.
func basicAuth(user, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
}

// DecodeSecret decodes a base64 bearer-token secret as presets and the CLI carry it.
func DecodeSecret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode bearer token secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("bearer token secret is empty")
	}
	return secret, nil
}
