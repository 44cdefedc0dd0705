// Package cachemanager implements C7, the central mechanism that
// orchestrates L1 -> L2 -> L3 -> fallback reads, tiered writes, tag/pattern
// invalidation, promotion, and the two background maintenance loops.
//
// Grounded on cache-manager/service.go (L1-then-L2-then-
// origin read path, singleflight-style coalescing, a ticking TTL-cleanup
// goroutine) generalized to a third tier, explicit promotion-TTL clamping,
// and tag invalidation, with golang.org/x/sync/singleflight — already a
// teacher dependency via warming/service.go — replacing the hand-rolled
// RequestCoalescer so every coalescing call site in the module uses the
// same mechanism.
package cachemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/velro/authzcache/config"
	"github.com/velro/authzcache/l1"
	"github.com/velro/authzcache/l2"
	"github.com/velro/authzcache/l3"
	"github.com/velro/authzcache/pkg/cerrors"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

// FetchFn is the caller-supplied capability invoked when every tier
// misses.
type FetchFn func(ctx context.Context) ([]byte, error)

// WarmTrigger is installed via Wire to break the C7/C11 reference cycle:
// the manager calls it on its 30-minute trigger instead of holding an
// owning reference to the orchestrator.
type WarmTrigger interface {
	TriggerScheduled(ctx context.Context)
}

// MetricsSink receives per-call observations for C13. Manager calls it
// synchronously but never lets a sink panic or block propagate.
type MetricsSink interface {
	ObserveCacheOp(tier models.Tier, hit bool, latency time.Duration)
	ObserveEviction(n int)
	ObserveInvalidation(n int)
}

// standardProjections is the projection set refreshed on the half-hour by
// the sweeper.
var standardProjections = []string{"recent_authorization_verdicts"}

// Manager is the Cache Manager (C7).
type Manager struct {
	clock clock.Clock
	cfg   config.Config

	l1 *l1.Store
	l2 *l2.Store // nil when L2 is disabled
	l3 *l3.Reader // nil when no projection source is configured

	group singleflight.Group

	mu          sync.Mutex
	warmTrigger WarmTrigger
	metrics     MetricsSink

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager. l2Store and l3Reader may be nil to disable those
// tiers; the manager tolerates either being unavailable.
func New(clk clock.Clock, cfg config.Config, l1Store *l1.Store, l2Store *l2.Store, l3Reader *l3.Reader) *Manager {
	return &Manager{
		clock:  clk,
		cfg:    cfg,
		l1:     l1Store,
		l2:     l2Store,
		l3:     l3Reader,
		stopCh: make(chan struct{}),
	}
}

// Wire installs the warm trigger and metrics sink, completing the
// two-phase construct-then-wire initialization.
func (m *Manager) Wire(trigger WarmTrigger, metrics MetricsSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmTrigger = trigger
	m.metrics = metrics
}

// Start launches the sweeper and warmer-trigger background loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.runSweeper(ctx)
	go m.runWarmerTrigger(ctx)
}

// Stop cancels the background loops and awaits their exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Get implements the read path: L1, then L2 with promotion, then L3, then
// the fallback itself; a value from L3 or the fallback is written through
// L1 and L2.
func (m *Manager) Get(ctx context.Context, key string, keyKind config.KeyKind, fallback FetchFn) ([]byte, models.Tier, error) {
	start := m.clock.Now()

	if payload, ok := m.l1.Get(key); ok {
		m.observe(models.TierL1, true, start)
		return payload, models.TierL1, nil
	}

	if m.l2 != nil {
		payload, hit, remaining, err := m.l2.Get(ctx, key)
		if err == nil && hit {
			var remainingPtr *time.Duration
			if remaining > 0 {
				remainingPtr = &remaining
			}
			ttl := m.clampedL1TTL(keyKind, remainingPtr)
			_ = m.l1.Set(key, payload, ttl, 5, nil)
			m.observe(models.TierL2, true, start)
			return payload, models.TierL2, nil
		}
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		if m.l3 != nil {
			payload, lerr := m.l3.FetchProjection(ctx, projectionNameForKind(keyKind), map[string]string{"key": key}, 1)
			if lerr == nil {
				m.populateBothTiers(ctx, key, keyKind, payload)
				return payload, nil
			}
		}

		if fallback == nil {
			return nil, cerrors.ErrFetchFailed
		}
		payload, ferr := fallback(ctx)
		if ferr != nil {
			return nil, fmt.Errorf("%w: %v", cerrors.ErrFetchFailed, ferr)
		}
		m.populateBothTiers(ctx, key, keyKind, payload)
		return payload, nil
	})
	if err != nil {
		m.observe(models.TierOverall, false, start)
		return nil, "", err
	}

	m.observe(models.TierL3, true, start)
	return result.([]byte), models.TierL3, nil
}

// Peek checks L1 then L2 for an already-cached value without touching L3
// or any fallback. Used by the warming pool to skip work a concurrent
// caller (or a prior warm) already populated.
func (m *Manager) Peek(ctx context.Context, key string) ([]byte, bool) {
	if payload, ok := m.l1.Get(key); ok {
		return payload, true
	}
	if m.l2 != nil {
		if payload, hit, _, err := m.l2.Get(ctx, key); err == nil && hit {
			return payload, true
		}
	}
	return nil, false
}

// projectionNameForKind resolves the key kind to the materialized
// projection that backs it. Every authorization shape is currently served
// off the same standard projection, filtered by the requested key.
func projectionNameForKind(keyKind config.KeyKind) string {
	return standardProjections[0]
}

// populateBothTiers writes a value obtained from L3 or the fallback through
// L1 and L2 under their configured TTLs.
func (m *Manager) populateBothTiers(ctx context.Context, key string, keyKind config.KeyKind, payload []byte) {
	ttls := config.DefaultTTLs[keyKind]
	_ = m.l1.Set(key, payload, ttls.L1, 5, nil)
	if m.l2 != nil {
		_ = m.l2.Set(ctx, key, payload, ttls.L2)
	}
}

// clampedL1TTL computes the promoted L1 TTL for a value populated from a
// lower tier: min(configured L1 TTL, remaining lower-tier TTL).
// remainingLowerTTL is nil when unknown, in which case the configured TTL
// is used unclamped.
func (m *Manager) clampedL1TTL(keyKind config.KeyKind, remainingLowerTTL *time.Duration) time.Duration {
	configured := config.DefaultTTLs[keyKind].L1
	if configured == 0 {
		configured = 5 * time.Minute
	}
	if remainingLowerTTL != nil && *remainingLowerTTL < configured {
		return *remainingLowerTTL
	}
	return configured
}

// Set writes through both tiers. Partial success is acceptable; failure of
// both tiers is reported, never thrown.
func (m *Manager) Set(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) (l1OK, l2OK bool) {
	if err := m.l1.Set(key, payload, l1TTL, priority, tags); err == nil {
		l1OK = true
	}
	if m.l2 != nil {
		if err := m.l2.Set(ctx, key, payload, l2TTL); err == nil {
			l2OK = true
		}
	}
	return l1OK, l2OK
}

// Invalidate clears key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	count := 0
	if m.l1.Delete(key) {
		count++
	}
	if m.l2 != nil {
		_ = m.l2.Delete(ctx, key)
	}
	m.observeInvalidation(count)
}

// InvalidatePattern clears matching keys in both tiers: L1 via glob
// matching over its key set, L2 via a server-side cursor scan.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) {
	count := m.l1.DeletePattern(pattern)
	if m.l2 != nil {
		n, _ := m.l2.DeleteByPattern(ctx, pattern)
		count += n
	}
	m.observeInvalidation(count)
}

// InvalidateByTag uses L1's tag index and an L2 pattern keyed on the tag.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) {
	count := m.l1.DeleteByTag(tag)
	if m.l2 != nil {
		n, _ := m.l2.DeleteByPattern(ctx, "tag:"+tag+":*")
		count += n
	}
	m.observeInvalidation(count)
}

// Stats returns a point-in-time size snapshot of L1.
func (m *Manager) Stats() (l1Count int, l1Bytes int64) {
	return m.l1.Size()
}

// L2Info exposes L2 connection/breaker health for Health() rollups.
func (m *Manager) L2Info(ctx context.Context) (l2.Info, bool) {
	if m.l2 == nil {
		return l2.Info{}, false
	}
	return m.l2.GetInfo(ctx), true
}

func (m *Manager) observe(tier models.Tier, hit bool, start time.Time) {
	m.mu.Lock()
	sink := m.metrics
	m.mu.Unlock()
	if sink != nil {
		sink.ObserveCacheOp(tier, hit, m.clock.Now().Sub(start))
	}
}

func (m *Manager) observeInvalidation(count int) {
	m.mu.Lock()
	sink := m.metrics
	m.mu.Unlock()
	if sink != nil && count > 0 {
		sink.ObserveInvalidation(count)
	}
}

// runSweeper runs L1.Sweep every 5 minutes and, on the half-hour, requests
// L3.RefreshProjection for the standard projection set.
func (m *Manager) runSweeper(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			evicted := m.l1.Sweep()
			m.mu.Lock()
			sink := m.metrics
			m.mu.Unlock()
			if sink != nil && evicted > 0 {
				sink.ObserveEviction(evicted)
			}
			if m.l3 != nil && now.Minute() >= 30 && now.Minute() < 35 {
				for _, name := range standardProjections {
					_ = m.l3.RefreshProjection(ctx, name)
				}
			}
		}
	}
}

// runWarmerTrigger invokes the installed WarmTrigger every 30 minutes.
func (m *Manager) runWarmerTrigger(ctx context.Context) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.mu.Lock()
			trigger := m.warmTrigger
			m.mu.Unlock()
			if trigger != nil {
				trigger.TriggerScheduled(ctx)
			}
		}
	}
}
