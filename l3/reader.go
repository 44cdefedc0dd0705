// Package l3 implements C6: read-only access to materialized projections
// of the slow path (the relational store + policy evaluator), treated as
// an external collaborator reached only through this interface.
//
// Refreshes are coalesced per projection name via
// golang.org/x/sync/singleflight so concurrent callers miss through to the
// origin at most once.
package l3

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/velro/authzcache/pkg/cerrors"
)

// ProjectionQuery fetches a named materialized projection when L1 and L2
// both miss. Implemented by the host application; this package never
// touches the relational store directly.
type ProjectionQuery interface {
	FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) ([]byte, error)
	RefreshProjection(ctx context.Context, name string) error
}

// Config configures a Reader.
type Config struct {
	DeadlineMs int
}

// WithDefaults fills the deadline with the documented L3 default (500ms).
func (c Config) WithDefaults() Config {
	if c.DeadlineMs == 0 {
		c.DeadlineMs = 500
	}
	return c
}

// Reader is the L3 projection reader.
type Reader struct {
	query    ProjectionQuery
	deadline time.Duration
	group    singleflight.Group
}

// New builds a Reader over a caller-supplied ProjectionQuery.
func New(query ProjectionQuery, cfg Config) *Reader {
	cfg = cfg.WithDefaults()
	return &Reader{
		query:    query,
		deadline: time.Duration(cfg.DeadlineMs) * time.Millisecond,
	}
}

// FetchProjection queries the projection under the configured deadline. A
// failure returns a nil payload with ErrDeadlineExceeded when the deadline
// elapsed and ErrTierUnavailable otherwise; both carry the underlying
// error's message.
func (r *Reader) FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	payload, err := r.query.FetchProjection(ctx, name, filter, limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", cerrors.ErrDeadlineExceeded, err)
		}
		return nil, fmt.Errorf("%w: %v", cerrors.ErrTierUnavailable, err)
	}
	return payload, nil
}

// RefreshProjection requests a refresh of the named projection, coalescing
// concurrent requests for the same name into a single call.
func (r *Reader) RefreshProjection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	_, err, _ := r.group.Do(name, func() (any, error) {
		return nil, r.query.RefreshProjection(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", cerrors.ErrTierUnavailable, err)
	}
	return nil
}
