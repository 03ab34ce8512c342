// Package errors defines the service error taxonomy. Every failure that
// crosses a component boundary is wrapped in an *Error carrying a Kind, so
// handlers and the task registry can map failures to HTTP statuses and
// terminal frames without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing and retry decisions.
type Kind int

const (
	// KindValidation - bad caller input; surfaced as 4xx, never reaches the registry.
	KindValidation Kind = iota
	// KindNotFound - unknown session, task, or export.
	KindNotFound
	// KindContextTooLarge - prompt cannot be reduced to fit the configured ceilings.
	KindContextTooLarge
	// KindUpstreamTimeout - the LLM or search adapter timed out.
	KindUpstreamTimeout
	// KindUpstreamFailure - the LLM or search adapter failed.
	KindUpstreamFailure
	// KindParse - a model response failed required JSON parsing.
	KindParse
	// KindCancelled - the task observed its cancellation flag.
	KindCancelled
	// KindInternal - any unexpected condition.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindContextTooLarge:
		return "context_too_large"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamFailure:
		return "upstream_failure"
	case KindParse:
		return "parse"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed error used across the core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}
