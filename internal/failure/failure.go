// Package failure defines the error taxonomy shared by every component of a
// voice session. Components return *Error values; the session orchestrator
// inspects the category to decide whether the call continues.
package failure

import (
	"errors"
	"fmt"
)

// Category classifies where a failure originated.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryTransport     Category = "transport"
	CategoryTranscription Category = "transcription"
	CategoryGeneration    Category = "generation"
	CategorySynthesis     Category = "synthesis"
	CategoryDevice        Category = "device"
)

// Reason codes surfaced to the user and to analytics.
const (
	CodeHandshakeRejected    = "handshake_rejected"
	CodeHandshakeTimeout     = "handshake_timeout"
	CodeConnectionLost       = "connection_lost"
	CodeReconnectExhausted   = "reconnect_exhausted"
	CodeDeviceUnavailable    = "device_unavailable"
	CodeTranscriptionFailed  = "transcription_failed"
	CodeTranscriptionTimeout = "transcription_timeout"
	CodeEmptyTranscript      = "empty_transcript"
	CodeGenerationFailed     = "generation_failed"
	CodeGenerationTimeout    = "generation_timeout"
	CodeSynthesisFailed      = "synthesis_failed"
	CodeSynthesisTimeout     = "synthesis_timeout"
)

// Error is a categorized failure.
type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

// New creates a categorized error wrapping cause (which may be nil).
func New(category Category, code, message string, cause error) *Error {
	return &Error{Category: category, Code: code, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the failure must end the call.
func (e *Error) Fatal() bool {
	switch e.Category {
	case CategoryAuth, CategoryDevice:
		return true
	case CategoryTransport:
		return e.Code == CodeReconnectExhausted || e.Code == CodeHandshakeRejected
	}
	return false
}

// As extracts the categorized error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsFatal reports whether err carries a fatal category.
func IsFatal(err error) bool {
	fe, ok := As(err)
	return ok && fe.Fatal()
}

// CodeOf returns the reason code of err, or "unknown" if it is uncategorized.
func CodeOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return "unknown"
}
