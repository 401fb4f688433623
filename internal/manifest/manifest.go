// Package manifest provides the typed audiobook manifest model and its strict
// JSON decoder. Decoding never yields a partial manifest: either every
// required key is present with the expected kind, or Parse returns a
// *ParseError naming the offending key.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// FindawayScheme identifies manifests protected by the Findaway audio engine DRM.
const FindawayScheme = "http://librarysimplified.org/terms/drm/scheme/FAE"

// Manifest is an immutable parsed manifest.
type Manifest struct {
	Source   *url.URL    // Where the manifest was fetched from
	Metadata Metadata    // Book-level metadata
	Spine    []SpineItem // Ordered playable items
	Links    []Link      // Related resources
	Raw      []byte      // Bytes the manifest was parsed from
}

// Metadata is the manifest's metadata block.
type Metadata struct {
	Title           string
	Language        string
	DurationSeconds float64
	Identifier      string
	Authors         []string
	Encrypted       *Encrypted // nil when the book is not DRM protected
}

// Encrypted identifies the DRM scheme and its scheme-specific values.
type Encrypted struct {
	Scheme string
	Values Values
}

// SpineItem is a raw spine entry: an untyped bag of scalars.
type SpineItem struct {
	Values Values
}

// Link is a typed link to a related resource.
type Link struct {
	Href     *url.URL
	Relation string
}

// IsFindaway reports whether the book uses the Findaway DRM scheme.
func (m Metadata) IsFindaway() bool {
	return m.Encrypted != nil && m.Encrypted.Scheme == FindawayScheme
}

// LinkByRelation returns the first link with the given relation.
func (m *Manifest) LinkByRelation(rel string) (Link, bool) {
	for _, l := range m.Links {
		if l.Relation == rel {
			return l, true
		}
	}
	return Link{}, false
}

// Extension recognises vendor-specific manifest shapes ahead of the default decoder.
type Extension interface {
	// Name identifies the extension in logs and errors.
	Name() string
	// Recognizes reports whether the extension wants to decode this document.
	Recognizes(source *url.URL, root Object) bool
	// Decode produces the manifest.
	Decode(source *url.URL, root Object) (*Manifest, error)
}

// Parser decodes manifests, consulting its extensions in order before falling
// back to the default decoder. The first extension that recognises a document wins.
type Parser struct {
	extensions []Extension
}

// NewParser creates a parser with the given extensions, consulted in the order given.
func NewParser(extensions ...Extension) *Parser {
	return &Parser{extensions: append([]Extension(nil), extensions...)}
}

// Parse decodes data with the default decoder only.
func Parse(source *url.URL, data []byte) (*Manifest, error) {
	return NewParser().Parse(source, data)
}

// Parse decodes data fetched from source.
func (p *Parser) Parse(source *url.URL, data []byte) (*Manifest, error) {
	root, err := decodeRoot(data)
	if err != nil {
		return nil, err
	}

	for _, ext := range p.extensions {
		if !ext.Recognizes(source, root) {
			continue
		}
		m, err := decodeWith(ext, source, root)
		if err != nil {
			return nil, err
		}
		m.Raw = data
		return m, nil
	}

	m, err := DecodeDefault(source, root)
	if err != nil {
		return nil, err
	}
	m.Raw = data
	return m, nil
}

// decodeWith runs an extension, converting a panic into a ParseError so that
// extension bugs never escape as raw runtime failures.
func decodeWith(ext Extension, source *url.URL, root Object) (m *Manifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = &ParseError{
				Key:     ext.Name(),
				Path:    ext.Name(),
				Failure: FailureInternal,
				Err:     fmt.Errorf("extension panicked: %v", r),
			}
		}
	}()
	m, err = ext.Decode(source, root)
	if err != nil {
		if _, ok := err.(*ParseError); !ok {
			err = &ParseError{Key: ext.Name(), Path: ext.Name(), Failure: FailureInternal, Err: err}
		}
		return nil, err
	}
	if m == nil {
		return nil, &ParseError{Key: ext.Name(), Path: ext.Name(), Failure: FailureInternal, Err: fmt.Errorf("extension returned no manifest")}
	}
	return m, nil
}

func decodeRoot(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return Object{}, &ParseError{Failure: FailureSyntax, Err: err}
	}
	if dec.More() {
		return Object{}, &ParseError{Failure: FailureSyntax, Err: fmt.Errorf("trailing data after top-level value")}
	}
	m, ok := tree.(map[string]interface{})
	if !ok {
		return Object{}, &ParseError{Failure: FailureTypeMismatch, Expected: KindObject, Received: kindOf(tree)}
	}
	return Object{fields: m}, nil
}

// DecodeDefault walks the required top-level keys of root. Extensions may call
// it and then adjust the result.
func DecodeDefault(source *url.URL, root Object) (*Manifest, error) {
	metadata, err := decodeMetadata(root)
	if err != nil {
		return nil, err
	}
	spine, err := decodeSpine(root, "spine")
	if err != nil {
		return nil, err
	}
	links, err := decodeLinks(root)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		Source:   source,
		Metadata: metadata,
		Spine:    spine,
		Links:    links,
	}, nil
}

func decodeMetadata(root Object) (Metadata, error) {
	obj, err := root.Object("metadata")
	if err != nil {
		return Metadata{}, err
	}

	var md Metadata
	if md.Title, err = obj.String("title"); err != nil {
		return Metadata{}, err
	}
	if md.Language, err = obj.String("language"); err != nil {
		return Metadata{}, err
	}
	if md.DurationSeconds, err = obj.Float("duration"); err != nil {
		return Metadata{}, err
	}
	if md.Identifier, err = obj.String("identifier"); err != nil {
		return Metadata{}, err
	}
	if md.Authors, err = decodeAuthors(obj); err != nil {
		return Metadata{}, err
	}
	if md.Encrypted, err = decodeEncrypted(obj); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func decodeAuthors(obj Object) ([]string, error) {
	elems, err := obj.Array("authors")
	if err != nil {
		return nil, err
	}
	authors := make([]string, 0, len(elems))
	for i, e := range elems {
		s, ok := e.(string)
		if !ok {
			return nil, typeMismatch("authors", fmt.Sprintf("%s[%d]", obj.at("authors"), i), KindString, kindOf(e))
		}
		authors = append(authors, s)
	}
	return authors, nil
}

func decodeEncrypted(obj Object) (*Encrypted, error) {
	enc, ok, err := obj.ObjectOptional("encrypted")
	if err != nil || !ok {
		return nil, err
	}
	scheme, err := enc.String("scheme")
	if err != nil {
		return nil, err
	}
	values, err := enc.Scalars()
	if err != nil {
		return nil, err
	}
	return &Encrypted{Scheme: scheme, Values: values}, nil
}

func decodeSpine(root Object, key string) ([]SpineItem, error) {
	elems, err := root.Array(key)
	if err != nil {
		return nil, err
	}
	spine := make([]SpineItem, 0, len(elems))
	for i, e := range elems {
		obj, err := root.elementObject(key, i, e)
		if err != nil {
			return nil, err
		}
		values, err := obj.Scalars()
		if err != nil {
			return nil, err
		}
		spine = append(spine, SpineItem{Values: values})
	}
	return spine, nil
}

func decodeLinks(root Object) ([]Link, error) {
	elems, err := root.Array("links")
	if err != nil {
		return nil, err
	}
	links := make([]Link, 0, len(elems))
	for i, e := range elems {
		obj, err := root.elementObject("links", i, e)
		if err != nil {
			return nil, err
		}
		href, err := obj.URL("href")
		if err != nil {
			return nil, err
		}
		rel, err := obj.String("rel")
		if err != nil {
			return nil, err
		}
		links = append(links, Link{Href: href, Relation: rel})
	}
	return links, nil
}
