package painter

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed generation call. Retry decisions switch on
// the kind, never on error-message matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// Transient kinds, eligible for credential-rotation retry.
	KindTimeout
	KindConnReset
	KindRateLimited
	KindUpstream
	KindNoImage
	// Permanent kinds, propagated immediately.
	KindBlocked
	KindInvalid
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnReset:
		return "connection_reset"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream:
		return "upstream_error"
	case KindNoImage:
		return "no_image"
	case KindBlocked:
		return "content_blocked"
	case KindInvalid:
		return "invalid_request"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another credential is worth trying.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindConnReset, KindRateLimited, KindUpstream, KindNoImage:
		return true
	default:
		return false
	}
}

// CallError is the typed failure of one generation call. FinishReason and
// Text carry best-effort diagnostics from "no image" responses.
type CallError struct {
	Kind         ErrorKind
	FinishReason string
	Text         string
	msg          string
	err          error
}

func newCallError(kind ErrorKind, msg string, err error) *CallError {
	return &CallError{Kind: kind, msg: msg, err: err}
}

func (e *CallError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("painter: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("painter: %s: %s", e.Kind, e.msg)
}

func (e *CallError) Unwrap() error { return e.err }

func (e *CallError) Retryable() bool { return e.Kind.Retryable() }

// KindOf extracts the ErrorKind from an error chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
