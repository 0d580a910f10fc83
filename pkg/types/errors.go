package types

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure. Every error returned by the bridge carries
// exactly one Kind so callers can branch without string matching.
type Kind string

const (
	KindModelNotFound              Kind = "model_not_found"
	KindModelFormatInvalid         Kind = "model_format_invalid"
	KindModelIncompatible          Kind = "model_incompatible"
	KindResourceExhausted          Kind = "resource_exhausted"
	KindModelNotLoaded             Kind = "model_not_loaded"
	KindEmbeddingDimensionMismatch Kind = "embedding_dimension_mismatch"
	KindEmptyInput                 Kind = "empty_input"
	KindContextFull                Kind = "context_full"
	KindContextBusy                Kind = "context_busy"
	KindDecodeFailure              Kind = "decode_failure"
)

// Error is the single error type of the bridge.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is works against the
// sentinels below regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrModelNotFound              = &Error{Kind: KindModelNotFound}
	ErrModelFormatInvalid         = &Error{Kind: KindModelFormatInvalid}
	ErrModelIncompatible          = &Error{Kind: KindModelIncompatible}
	ErrResourceExhausted          = &Error{Kind: KindResourceExhausted}
	ErrModelNotLoaded             = &Error{Kind: KindModelNotLoaded}
	ErrEmbeddingDimensionMismatch = &Error{Kind: KindEmbeddingDimensionMismatch}
	ErrEmptyInput                 = &Error{Kind: KindEmptyInput}
	ErrContextFull                = &Error{Kind: KindContextFull}
	ErrContextBusy                = &Error{Kind: KindContextBusy}
	ErrDecodeFailure              = &Error{Kind: KindDecodeFailure}
)

// Errorf constructs an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// IsModelNotLoaded reports whether err means the bridge has no usable model.
func IsModelNotLoaded(err error) bool { return IsKind(err, KindModelNotLoaded) }

// IsContextBusy reports whether err indicates backpressure on the context queue.
func IsContextBusy(err error) bool { return IsKind(err, KindContextBusy) }

// IsLoadError reports whether err is one of the terminal load-time kinds.
func IsLoadError(err error) bool {
	switch KindOf(err) {
	case KindModelNotFound, KindModelFormatInvalid, KindModelIncompatible, KindResourceExhausted:
		return true
	}
	return false
}
