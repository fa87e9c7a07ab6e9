// Package brokererr defines the error taxonomy surfaced by the client-node
// core: a closed set of sentinel kinds, checked with errors.Is, wrapped at
// call boundaries with github.com/pkg/errors the way the rest of this
// codebase wraps syscall/collaborator failures.
package brokererr

import "errors"

// Sentinel error kinds. Synchronous failures returned across the Node
// interface are one of these, optionally wrapped with extra context, except
// control-channel marshal/send failures, which are returned as they are.
var (
	// ErrInvalidArgs is returned for a null or out-of-domain argument. Pure
	// predicate failure; no state is mutated.
	ErrInvalidArgs = errors.New("invalid-args")

	// ErrInvalidPort is returned when a port id is not addressable under
	// its direction (not valid, or out of [0, MAX)).
	ErrInvalidPort = errors.New("invalid-port")

	// ErrNoFormat is returned when an operation requires a configured
	// format and the port has none.
	ErrNoFormat = errors.New("no-format")

	// ErrNotImplemented is returned for intentionally unhandled
	// operations (get_props, set_props, alloc_buffers).
	ErrNotImplemented = errors.New("not-implemented")

	// ErrNoPermission is forwarded from the access-check collaborator.
	ErrNoPermission = errors.New("no-permission")

	// ErrTryAgain signals send-side ring exhaustion backpressure.
	ErrTryAgain = errors.New("try-again")

	// ErrInternal wraps an unexpected but recoverable structural problem,
	// e.g. a buffer missing its Shared metadata.
	ErrInternal = errors.New("error")

	// ErrEnumEnd signals that port format enumeration has no more entries.
	ErrEnumEnd = errors.New("enum-end")
)

// Is reports whether err is, or wraps, target. Thin alias over errors.Is so
// call sites in this repo don't need to import both packages.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
