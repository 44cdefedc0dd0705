// Package breaker implements C3: the circuit breaker guarding every
// outbound L2 call.
//
// The state machine itself is delegated to github.com/sony/gobreaker so
// this package only adapts an Allow/OnSuccess/OnFailure contract onto
// gobreaker's Execute-style API; no pack example wires a circuit
// breaker dependency to a concrete component of its own, but
// jordigilh-kubernaut's go.mod carries gobreaker as a direct dependency,
// which is the grounding for choosing it over a hand-rolled state machine.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velro/authzcache/pkg/cerrors"
	"github.com/velro/authzcache/pkg/models"
)

// Config configures a Breaker's transition thresholds.
type Config struct {
	Name               string
	FailThreshold      uint32        // consecutive failures before CLOSED -> OPEN
	RecoveryWindow     time.Duration // OPEN -> HALF_OPEN after this elapses
	HalfOpenMaxRequests uint32       // requests let through while HALF_OPEN
}

// WithDefaults fills zero-valued fields with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.FailThreshold == 0 {
		c.FailThreshold = 5
	}
	if c.RecoveryWindow == 0 {
		c.RecoveryWindow = 30 * time.Second
	}
	if c.HalfOpenMaxRequests == 0 {
		c.HalfOpenMaxRequests = 1
	}
	return c
}

// Breaker guards calls to a single external tier.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker from Config, applying defaults for zero fields.
func New(cfg Config) *Breaker {
	cfg = cfg.WithDefaults()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.RecoveryWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailThreshold
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Allow reports whether a call may proceed, i.e. the breaker is not OPEN.
// It is a pure state read and does not itself record an outcome; pair with
// OnSuccess/OnFailure, or prefer Run for the common case.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// OnSuccess and OnFailure satisfy the documented contract for callers
// that must separate the allow-check from the outcome-report.
// gobreaker only updates its counts inside Execute, so these route through
// it with a call whose own outcome is the one being recorded.
func (b *Breaker) OnSuccess() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, nil })
}

func (b *Breaker) OnFailure() {
	_, _ = b.cb.Execute(func() (any, error) { return nil, cerrors.ErrTierUnavailable })
}

// Run executes fn under the breaker: fast-fails with ErrTierUnavailable
// when OPEN, otherwise records fn's outcome against the breaker's state.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", cerrors.ErrTierUnavailable, err)
	}
	return err
}

// State reports the breaker's current state as a models.CircuitState.
func (b *Breaker) State() models.CircuitState {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return models.CircuitClosed
	case gobreaker.StateHalfOpen:
		return models.CircuitHalfOpen
	default:
		return models.CircuitOpen
	}
}

// Counts exposes the breaker's consecutive-failure count and state. The
// cache manager's Stats() does not report it.
func (b *Breaker) Counts() (consecutiveFailures uint32, lastState models.CircuitState) {
	c := b.cb.Counts()
	return c.ConsecutiveFailures, b.State()
}
