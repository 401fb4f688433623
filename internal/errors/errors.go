// Package errors provides the standardized error taxonomy for the audiobook pipeline.
// Every failure that crosses the session boundary is reported as an *Error
// carrying one of the codes below.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized error code for the audiobook pipeline.
type ErrorCode string

const (
	// Session-fatal errors
	AB_FETCH             ErrorCode = "AB_FETCH"             // Network or HTTP failure while fetching
	AB_PARSE             ErrorCode = "AB_PARSE"             // Manifest schema/decode failure
	AB_FULFILLMENT       ErrorCode = "AB_FULFILLMENT"       // Strategy-specific fulfillment failure
	AB_LICENSE_CHECK     ErrorCode = "AB_LICENSE_CHECK"     // One or more verifiers rejected the manifest
	AB_ENGINE_SELECTION  ErrorCode = "AB_ENGINE_SELECTION"  // No capable audio engine found
	AB_BOOK_CONSTRUCTION ErrorCode = "AB_BOOK_CONSTRUCTION" // Engine rejected the manifest
	AB_TIMEOUT           ErrorCode = "AB_TIMEOUT"           // Bounded wait exceeded
	AB_CONFIGURATION     ErrorCode = "AB_CONFIGURATION"     // Missing provider or invalid wiring

	// Recoverable errors
	AB_DOWNLOAD ErrorCode = "AB_DOWNLOAD" // Per-element download failure

	// Everything else
	AB_INTERNAL ErrorCode = "AB_INTERNAL" // Unexpected internal error
)

// Error represents a standardized pipeline error.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Cause   error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap creates a new Error with the specified code and message that wraps cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the error code from err, or AB_INTERNAL when err does not
// carry one.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return AB_INTERNAL
}

// IsFatal reports whether an error code terminates the playback session.
func IsFatal(code ErrorCode) bool {
	switch code {
	case AB_DOWNLOAD:
		return false
	default:
		return true
	}
}
