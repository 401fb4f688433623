package manifest

import (
	"fmt"
	"strings"
)

// Kind names the JSON kind of a value.
type Kind string

const (
	KindObject  Kind = "Object"
	KindArray   Kind = "Array"
	KindString  Kind = "String"
	KindNumber  Kind = "Number"
	KindBoolean Kind = "Boolean"
	KindNull    Kind = "Null"
	KindScalar  Kind = "Scalar"
	KindURI     Kind = "URI"
)

// Failure classifies a ParseError.
type Failure string

const (
	FailureSyntax       Failure = "syntax"        // Input is not JSON at all
	FailureMissingKey   Failure = "missing-key"   // A required key is absent
	FailureTypeMismatch Failure = "type-mismatch" // The key holds a value of the wrong kind
	FailureMalformed    Failure = "malformed"     // A string or number could not be interpreted
	FailureInternal     Failure = "internal"      // An extension failed unexpectedly
)

// ParseError describes why a manifest could not be decoded.
type ParseError struct {
	Key      string  // Offending key, e.g. "duration"
	Path     string  // Dotted location, e.g. "metadata.duration" or "spine[2].title"
	Failure  Failure // Failure class
	Expected Kind    // Kind the decoder wanted
	Received Kind    // Kind that was present (empty for missing keys)
	Err      error   // Underlying cause, if any
}

func (e *ParseError) Error() string {
	var sb strings.Builder
	sb.WriteString("manifest: ")
	switch e.Failure {
	case FailureSyntax:
		sb.WriteString("invalid JSON")
	case FailureMissingKey:
		fmt.Fprintf(&sb, "expected a key '%s' with a value of type %s, received nothing", e.Key, e.Expected)
	case FailureTypeMismatch:
		fmt.Fprintf(&sb, "expected a key '%s' with a value of type %s, received a value of type %s", e.Key, e.Expected, e.Received)
	case FailureMalformed:
		fmt.Fprintf(&sb, "malformed %s value for key '%s'", e.Expected, e.Key)
	default:
		fmt.Fprintf(&sb, "failed to decode key '%s'", e.Key)
	}
	if e.Path != "" && e.Path != e.Key {
		fmt.Fprintf(&sb, " (at %s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func missingKey(key, path string, expected Kind) *ParseError {
	return &ParseError{Key: key, Path: path, Failure: FailureMissingKey, Expected: expected}
}

func typeMismatch(key, path string, expected, received Kind) *ParseError {
	return &ParseError{Key: key, Path: path, Failure: FailureTypeMismatch, Expected: expected, Received: received}
}

func malformed(key, path string, expected Kind, err error) *ParseError {
	return &ParseError{Key: key, Path: path, Failure: FailureMalformed, Expected: expected, Err: err}
}
