// Package apexerr carries the typed error kinds surfaced by the execution
// orchestrator to its callers. Internal failures are always wrapped with
// %w so the original cause survives for logs while callers only ever see
// the kind and a message.
package apexerr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator-facing error.
type Kind string

const (
	Forbidden           Kind = "Forbidden"
	NotFound            Kind = "NotFound"
	UnsupportedLanguage Kind = "UnsupportedLanguage"
	TooManyConcurrent   Kind = "TooManyConcurrent"
	RateLimited         Kind = "RateLimited"
	QuotaExceeded       Kind = "QuotaExceeded"
	SandboxUnavailable  Kind = "SandboxUnavailable"
	SetupFailed         Kind = "SetupFailed"
	ExecutionTimeout    Kind = "ExecutionTimeout"
	OutOfMemory         Kind = "OutOfMemory"
	OutputOverflow      Kind = "OutputOverflow"
	Crashed             Kind = "Crashed"
	Internal            Kind = "Internal"

	GitAuthRequired   Kind = "GitAuthRequired"
	GitRemoteMissing  Kind = "GitRemoteMissing"
	GitConflict       Kind = "GitConflict"
	GitInternal       Kind = "GitInternal"
)

// Error is the typed error carried across orchestrator boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error with no wrapped cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error wrapping a lower-level cause.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind of err, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or a wrapped cause) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
