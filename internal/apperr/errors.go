// Package apperr defines the error taxonomy shared by the embedding engine,
// the search tool and the chat orchestrator.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies an error for retry decisions and boundary messaging.
type Kind string

const (
	// KindModelLoad is returned when model artifacts cannot be fetched or parsed.
	// A later call may retry loading.
	KindModelLoad Kind = "model_load"

	// KindInference is returned for per-call inference faults. The session stays usable.
	KindInference Kind = "inference"

	// KindExternalService covers malformed, empty or rejected upstream responses.
	KindExternalService Kind = "external_service"

	// KindExternalServiceRetryable marks a transient upstream failure. When it
	// reaches a caller the retry budget has already been spent.
	KindExternalServiceRetryable Kind = "external_service_retryable"

	// KindToolArgument is returned when the model produced unparseable tool arguments.
	KindToolArgument Kind = "tool_argument"

	// KindValidation is returned for invalid caller input.
	KindValidation Kind = "validation"

	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "internal"
)

// MaxRawLength bounds the diagnostic payload carried by an Error.
const MaxRawLength = 2048

// Error is a classified error, optionally carrying the raw upstream payload.
type Error struct {
	Kind    Kind
	Message string
	// Raw is the truncated upstream body or offending input, for diagnosis.
	Raw   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRaw creates an Error carrying a raw payload truncated to MaxRawLength.
func WithRaw(kind Kind, message, raw string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Raw: Truncate(raw, MaxRawLength), Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RawOf returns the raw payload of the first *Error in err's chain.
func RawOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Raw
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err is a transient upstream failure.
func IsRetryable(err error) bool {
	return Is(err, KindExternalServiceRetryable)
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// Redact replaces every occurrence of secret in s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}
