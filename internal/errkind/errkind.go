// Package errkind classifies pipeline failures into a small set of stable
// kinds so they can be surfaced in structured logs and CLI exit codes
// without leaking internal error chains.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is a stable failure category.
type Kind string

const (
	KindConfig            Kind = "config"
	KindIO                Kind = "io"
	KindDecode            Kind = "decode"
	KindUpload            Kind = "upload"
	KindIntegrity         Kind = "integrity"
	KindRetentionConflict Kind = "retention_conflict"
	KindUnknown           Kind = "unknown"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with a kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify returns the kind of err, or KindUnknown if none was attached
// anywhere in the chain.
func Classify(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
