// Package cerrors defines the error kinds shared across every tier and the
// components that consume them.
package cerrors

import "errors"

// Sentinel error kinds. Components wrap these with context via fmt.Errorf's
// %w verb; callers classify with errors.Is.
var (
	// ErrTierUnavailable is raised when the L2 breaker is open or an L3
	// query fails. The cache manager swallows it and degrades to a miss.
	ErrTierUnavailable = errors.New("cerrors: tier unavailable")

	// ErrCorruptPayload is raised by the serializer when the 5-byte prefix
	// is unrecognized or decompression fails. The entry is deleted and
	// treated as a miss.
	ErrCorruptPayload = errors.New("cerrors: corrupt payload")

	// ErrRejectedTooLarge is raised by L1 when an entry exceeds 10% of the
	// configured byte cap. Returned to the caller; no store mutation
	// occurs.
	ErrRejectedTooLarge = errors.New("cerrors: entry rejected, too large")

	// ErrQueueFull is raised by the priority warming queue at capacity.
	// Returned to the caller as a warning, not a hard error.
	ErrQueueFull = errors.New("cerrors: warming queue full")

	// ErrDeadlineExceeded is raised when a per-call deadline elapses. For
	// tier calls it behaves like ErrTierUnavailable; for a FetchFn it
	// bubbles to the caller.
	ErrDeadlineExceeded = errors.New("cerrors: deadline exceeded")

	// ErrFetchFailed is raised when a caller-supplied fallback returns an
	// error. Get returns a nil payload, an empty tier and this error,
	// wrapping the fallback's own error message.
	ErrFetchFailed = errors.New("cerrors: fetch failed")

	// ErrInternalInvariant marks a defensive-check failure. No component
	// of this module returns it, and the monitor raises no alert for it.
	ErrInternalInvariant = errors.New("cerrors: internal invariant violated")
)
