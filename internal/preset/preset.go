// Package preset loads named manifest sources from a TOML file, so a
// known book can be opened without retyping its URI and credentials.
//
// A file holds one [[preset]] table per book:
//
//	[[preset]]
//	name = "Flatland"
//	uri = "https://example.com/flatland/manifest.json"
//	credentials = "basic"
//	user = "reader"
//	password = "secret"
//
// credentials is one of none, basic, overdrive or scheme-specific. Bearer
// token secrets are base64.
package preset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	errordefs "github.com/RegistryAccord/registryaccord-audiobook-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/fulfill"
)

// Preset is a named manifest source.
type Preset struct {
	Name        string
	URI         *url.URL
	Credentials fulfill.Credentials
}

type file struct {
	Presets []entry `toml:"preset"`
}

type entry struct {
	Name              string `toml:"name"`
	URI               string `toml:"uri"`
	Credentials       string `toml:"credentials"`
	User              string `toml:"user"`
	Password          string `toml:"password"`
	ClientKey         string `toml:"client_key"`
	ClientSecret      string `toml:"client_secret"`
	IssuerURL         string `toml:"issuer_url"`
	BearerTokenSecret string `toml:"bearer_token_secret"`
}

// Load reads presets from path. A missing file yields no presets.
func Load(path string) ([]Preset, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "open presets", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a preset document. Unknown keys, duplicate names and
// incomplete credentials are AB_CONFIGURATION errors.
func Parse(r io.Reader) ([]Preset, error) {
	var doc file
	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, "parse presets", err)
	}

	seen := make(map[string]bool, len(doc.Presets))
	out := make([]Preset, 0, len(doc.Presets))
	for i, e := range doc.Presets {
		p, err := e.preset()
		if err != nil {
			return nil, errordefs.Wrap(errordefs.AB_CONFIGURATION, fmt.Sprintf("preset %d (%s)", i, e.Name), err)
		}
		if seen[p.Name] {
			return nil, errordefs.New(errordefs.AB_CONFIGURATION, fmt.Sprintf("duplicate preset %q", p.Name))
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

// Find returns the preset with the given name.
func Find(presets []Preset, name string) (Preset, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

func (e entry) preset() (Preset, error) {
	if strings.TrimSpace(e.Name) == "" {
		return Preset{}, errors.New("name is required")
	}
	u, err := url.Parse(e.URI)
	if err != nil {
		return Preset{}, fmt.Errorf("invalid uri: %w", err)
	}
	if !u.IsAbs() {
		return Preset{}, fmt.Errorf("uri %q is not absolute", e.URI)
	}
	creds, err := e.credentials()
	if err != nil {
		return Preset{}, err
	}
	return Preset{Name: e.Name, URI: u, Credentials: creds}, nil
}

func (e entry) credentials() (fulfill.Credentials, error) {
	switch fulfill.CredentialKind(e.Credentials) {
	case "", fulfill.KindNone:
		return fulfill.None{}, nil
	case fulfill.KindBasic:
		if e.User == "" {
			return nil, errors.New("basic credentials need a user")
		}
		return fulfill.Basic{User: e.User, Password: e.Password}, nil
	case fulfill.KindOverdrive:
		if e.User == "" || e.ClientKey == "" || e.ClientSecret == "" {
			return nil, errors.New("overdrive credentials need user, client_key and client_secret")
		}
		return fulfill.Overdrive{User: e.User, Password: e.Password, ClientKey: e.ClientKey, ClientSecret: e.ClientSecret}, nil
	case fulfill.KindSchemeSpecific:
		secret, err := fulfill.DecodeSecret(e.BearerTokenSecret)
		if err != nil {
			return nil, err
		}
		return fulfill.SchemeSpecific{User: e.User, Password: e.Password, IssuerURL: e.IssuerURL, BearerTokenSecret: secret}, nil
	}
	return nil, fmt.Errorf("unknown credentials %q", e.Credentials)
}
