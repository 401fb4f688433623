// Package findaway opens books protected by the Findaway audio engine DRM
// scheme. It narrows a parsed manifest to the values the engine needs and
// builds the runtime book over the engine's download and playback interfaces.
package findaway

import (
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/manifest"
)

// Encrypted block keys.
const (
	KeyAccountID     = "findaway:accountId"
	KeyCheckoutID    = "findaway:checkoutId"
	KeySessionKey    = "findaway:sessionKey"
	KeyFulfillmentID = "findaway:fulfillmentId"
	KeyLicenseID     = "findaway:licenseId"
)

// Spine item keys.
const (
	KeyPart     = "findaway:part"
	KeySequence = "findaway:sequence"
)

// Manifest is a manifest narrowed to what the Findaway engine needs.
type Manifest struct {
	Title         string
	Language      string
	ID            string
	AccountID     string
	CheckoutID    string
	SessionKey    string
	FulfillmentID string
	LicenseID     string
	Items         []SpineItem
}

// SpineItem is one chapter of a Findaway book.
type SpineItem struct {
	Title    string
	Part     int
	Chapter  int
	Type     string
	Duration float64 // seconds
}

// ID is the spine element id for the item.
func (s SpineItem) ID() string {
	return fmt.Sprintf("%d-%d", s.Part, s.Chapter)
}

// ErrNotFindaway is returned by Transform for manifests of another scheme.
var ErrNotFindaway = errors.New("findaway: manifest does not use the Findaway scheme")

// Transform extracts the Findaway values from m. Errors are *manifest.ParseError
// values naming the offending key.
func Transform(m *manifest.Manifest) (*Manifest, error) {
	enc := m.Metadata.Encrypted
	if enc == nil {
		return nil, fmt.Errorf("%w: missing encrypted section", ErrNotFindaway)
	}
	if enc.Scheme != manifest.FindawayScheme {
		return nil, fmt.Errorf("%w: received scheme %q", ErrNotFindaway, enc.Scheme)
	}

	out := &Manifest{
		Title:    m.Metadata.Title,
		Language: m.Metadata.Language,
		ID:       m.Metadata.Identifier,
		Items:    make([]SpineItem, 0, len(m.Spine)),
	}
	fields := []struct {
		key string
		dst *string
	}{
		{KeyAccountID, &out.AccountID},
		{KeyCheckoutID, &out.CheckoutID},
		{KeyFulfillmentID, &out.FulfillmentID},
		{KeyLicenseID, &out.LicenseID},
		{KeySessionKey, &out.SessionKey},
	}
	for _, f := range fields {
		v, err := enc.Values.String(f.key)
		if err != nil {
			return nil, at(err, "metadata.encrypted")
		}
		*f.dst = v
	}

	for i, item := range m.Spine {
		s, err := transformItem(item)
		if err != nil {
			return nil, at(err, fmt.Sprintf("spine[%d]", i))
		}
		out.Items = append(out.Items, s)
	}
	return out, nil
}

func transformItem(item manifest.SpineItem) (SpineItem, error) {
	var (
		s   SpineItem
		err error
	)
	if s.Title, err = item.Values.String("title"); err != nil {
		return s, err
	}
	if s.Type, err = item.Values.String("type"); err != nil {
		return s, err
	}
	if s.Duration, err = item.Values.Float("duration"); err != nil {
		return s, err
	}
	if s.Chapter, err = item.Values.Int(KeySequence); err != nil {
		return s, err
	}
	if s.Part, err = item.Values.Int(KeyPart); err != nil {
		return s, err
	}
	return s, nil
}

// at qualifies a ParseError's path with the enclosing location.
func at(err error, prefix string) error {
	var pe *manifest.ParseError
	if !errors.As(err, &pe) {
		return err
	}
	cp := *pe
	cp.Path = prefix + "." + cp.Key
	return &cp
}
