// Package clock provides the single injectable source of wall time,
// monotonic waits, and unique IDs that every time-based decision in the
// engine consults: background loops use after(duration) on this handle
// rather than the runtime's implicit timers, so tests can substitute a
// fake clock.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the capability every component depends on instead of calling
// time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors the subset of *time.Ticker the engine's background loops
// use, so a fake clock can substitute a manually-fired channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the production Clock backed by the standard library.
type System struct{}

// New returns the production system clock.
func New() Clock { return System{} }

func (System) Now() time.Time                      { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (System) NewTicker(d time.Duration) Ticker       { return systemTicker{time.NewTicker(d)} }

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// IDs generates unique identifiers for tasks, alerts, and request
// correlation. Backed by google/uuid, already a dependency for
// request-ID generation (pkg/middleware/logging.go).
type IDs struct{}

// NewID returns a new random v4 UUID string.
func (IDs) NewID() string { return uuid.New().String() }
