// Package vmerr defines the typed error kinds the control plane
// distinguishes, per the error-kind taxonomy in the design: io, parse,
// protocol, not-found, timeout, exhausted, unsupported. Callers check kind
// with errors.Is against the sentinel values; context is attached with
// fmt.Errorf("...: %w", err).
package vmerr

import "errors"

var (
	// ErrNotFound covers a missing VM, process, or session.
	ErrNotFound = errors.New("not found")

	// ErrTimeout covers a handshake, init, or session timeout.
	ErrTimeout = errors.New("timeout")

	// ErrExhausted covers a proxy session cap or exhausted port range.
	ErrExhausted = errors.New("exhausted")

	// ErrUnsupported covers an unknown display message or encoding.
	ErrUnsupported = errors.New("unsupported")

	// ErrProtocol covers magic mismatch, version mismatch, auth failure,
	// or a bad connection id.
	ErrProtocol = errors.New("protocol error")

	// ErrCreationFailed covers a failed create-from-template run.
	ErrCreationFailed = errors.New("creation failed")
)

// Is reports whether err wraps target, using the standard library chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
