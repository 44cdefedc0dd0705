package cachemanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/velro/authzcache/config"
	"github.com/velro/authzcache/l1"
	"github.com/velro/authzcache/l2"
	"github.com/velro/authzcache/l3"
	"github.com/velro/authzcache/pkg/cerrors"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

func newManager(t *testing.T) (*Manager, clock.Clock) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	l1Store := l1.New(clk, l1.Config{})
	m := New(clk, config.Default(), l1Store, nil, nil)
	return m, clk
}

func newManagerWithL2(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	l2Store, err := l2.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), l2.Config{})
	if err != nil {
		t.Fatal(err)
	}
	l1Store := l1.New(clk, l1.Config{})
	m := New(clk, config.Default(), l1Store, l2Store, nil)
	return m, mr
}

type fakeProjectionQuery struct {
	payload      []byte
	fetchErr     error
	refreshCalls int32
}

func (f *fakeProjectionQuery) FetchProjection(ctx context.Context, name string, filter map[string]string, limit int) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.payload, nil
}

func (f *fakeProjectionQuery) RefreshProjection(ctx context.Context, name string) error {
	atomic.AddInt32(&f.refreshCalls, 1)
	return nil
}

func newManagerWithL3(t *testing.T, query *fakeProjectionQuery) (*Manager, clock.Clock) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	l1Store := l1.New(clk, l1.Config{})
	l3Reader := l3.New(query, l3.Config{})
	m := New(clk, config.Default(), l1Store, nil, l3Reader)
	return m, clk
}

func TestGetServesFromL1OnHit(t *testing.T) {
	m, _ := newManager(t)
	_ = m.l1.Set("k", []byte("v"), time.Minute, 5, nil)

	payload, tier, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tier != models.TierL1 || string(payload) != "v" {
		t.Fatalf("expected L1 hit with payload %q, got tier=%v payload=%q", "v", tier, payload)
	}
}

func TestGetPromotesFromL2ToL1(t *testing.T) {
	m, _ := newManagerWithL2(t)
	_ = m.l2.Set(context.Background(), "k", []byte("v"), time.Minute)

	payload, tier, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tier != models.TierL2 || string(payload) != "v" {
		t.Fatalf("expected L2 hit with payload %q, got tier=%v payload=%q", "v", tier, payload)
	}

	if got, ok := m.l1.Get("k"); !ok || string(got) != "v" {
		t.Fatal("expected the L2 hit to promote the value into L1")
	}
}

func TestGetPromotionClampsL1TTLToRemainingL2TTL(t *testing.T) {
	m, _ := newManagerWithL2(t)
	_ = m.l2.Set(context.Background(), "k", []byte("v"), 3*time.Second)

	_, _, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, nil)
	if err != nil {
		t.Fatal(err)
	}

	configured := config.DefaultTTLs[config.KeyKindUserProfile].L1
	ttl, ok := m.l1.TTLRemaining("k")
	if !ok {
		t.Fatal("expected the promoted L1 entry to exist")
	}
	if ttl >= configured {
		t.Fatalf("expected the promoted L1 TTL to be clamped below the configured %v (L2's short remaining TTL), got %v", configured, ttl)
	}
}

func TestGetConsultsL3WhenL1AndL2BothMiss(t *testing.T) {
	query := &fakeProjectionQuery{payload: []byte("projected")}
	m, _ := newManagerWithL3(t, query)

	payload, tier, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tier != models.TierL3 || string(payload) != "projected" {
		t.Fatalf("expected an L3 hit with payload %q, got tier=%v payload=%q", "projected", tier, payload)
	}
	if _, ok := m.l1.Get("k"); !ok {
		t.Fatal("expected the L3 result to populate L1")
	}
}

func TestGetFallsBackToFetcherWhenL3Fails(t *testing.T) {
	query := &fakeProjectionQuery{fetchErr: errors.New("projection unavailable")}
	m, _ := newManagerWithL3(t, query)

	var calls int32
	fallback := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("origin"), nil
	}

	payload, tier, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, fallback)
	if err != nil {
		t.Fatal(err)
	}
	if tier != models.TierL3 || string(payload) != "origin" {
		t.Fatalf("expected the fallback result once L3 fails, got tier=%v payload=%q", tier, payload)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 fallback call, got %d", calls)
	}
}

func TestGetFallsBackAndPopulatesBothTiers(t *testing.T) {
	m, _ := newManagerWithL2(t)

	var calls int32
	fallback := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("origin"), nil
	}

	payload, tier, err := m.Get(context.Background(), "k", config.KeyKindUserProfile, fallback)
	if err != nil {
		t.Fatal(err)
	}
	if tier != models.TierL3 || string(payload) != "origin" {
		t.Fatalf("expected fallback result with payload %q, got tier=%v payload=%q", "origin", tier, payload)
	}
	if _, ok := m.l1.Get("k"); !ok {
		t.Fatal("expected the fallback result to populate L1")
	}
	if _, hit, _, _ := m.l2.Get(context.Background(), "k"); !hit {
		t.Fatal("expected the fallback result to populate L2")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 fallback call, got %d", calls)
	}
}

func TestGetCoalescesConcurrentFallbacksForSameKey(t *testing.T) {
	m, _ := newManager(t)

	var calls int32
	release := make(chan struct{})
	fallback := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("v"), nil
	}

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _, _ = m.Get(context.Background(), "same-key", config.KeyKindUserProfile, fallback)
			done <- struct{}{}
		}()
	}
	close(release)
	for i := 0; i < 5; i++ {
		<-done
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected concurrent Get calls for the same key to coalesce into 1 fallback call, got %d", calls)
	}
}

func TestGetReturnsFetchFailedWithNoFallbackOnMiss(t *testing.T) {
	m, _ := newManager(t)

	_, _, err := m.Get(context.Background(), "missing", config.KeyKindUserProfile, nil)
	if !errors.Is(err, cerrors.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestClampedL1TTLPrefersSmallerRemainingLowerTTL(t *testing.T) {
	m, _ := newManager(t)
	remaining := 30 * time.Second

	got := m.clampedL1TTL(config.KeyKindUserProfile, &remaining)
	if got != remaining {
		t.Fatalf("expected the clamp to prefer the smaller remaining TTL (%v), got %v", remaining, got)
	}
}

func TestClampedL1TTLUsesConfiguredWhenNoRemaining(t *testing.T) {
	m, _ := newManager(t)

	got := m.clampedL1TTL(config.KeyKindUserProfile, nil)
	want := config.DefaultTTLs[config.KeyKindUserProfile].L1
	if got != want {
		t.Fatalf("expected the configured TTL %v, got %v", want, got)
	}
}

func TestSetWritesThroughBothTiers(t *testing.T) {
	m, _ := newManagerWithL2(t)

	l1OK, l2OK := m.Set(context.Background(), "k", []byte("v"), time.Minute, time.Minute, 5, nil)
	if !l1OK || !l2OK {
		t.Fatalf("expected both tiers to accept the write, got l1OK=%v l2OK=%v", l1OK, l2OK)
	}
}

func TestInvalidateRemovesFromBothTiers(t *testing.T) {
	m, _ := newManagerWithL2(t)
	m.Set(context.Background(), "k", []byte("v"), time.Minute, time.Minute, 5, nil)

	m.Invalidate(context.Background(), "k")

	if _, ok := m.l1.Get("k"); ok {
		t.Fatal("expected L1 entry to be invalidated")
	}
	if _, hit, _, _ := m.l2.Get(context.Background(), "k"); hit {
		t.Fatal("expected L2 entry to be invalidated")
	}
}

func TestInvalidateByTagUsesL1TagIndex(t *testing.T) {
	m, _ := newManager(t)
	_ = m.l1.Set("a", []byte("1"), time.Minute, 1, []string{"user:1"})
	_ = m.l1.Set("b", []byte("2"), time.Minute, 1, []string{"user:2"})

	m.InvalidateByTag(context.Background(), "user:1")

	if _, ok := m.l1.Get("a"); ok {
		t.Fatal("expected the tagged entry to be invalidated")
	}
	if _, ok := m.l1.Get("b"); !ok {
		t.Fatal("expected the differently-tagged entry to survive")
	}
}

func TestStartLaunchesSweeperThatEvictsExpiredEntries(t *testing.T) {
	m, clk := newManager(t)
	_ = m.l1.Set("k", []byte("v"), time.Second, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	clk.(*clock.Fake).Advance(6 * time.Minute)
	// Give the sweeper goroutine a chance to observe the fired tick.
	time.Sleep(50 * time.Millisecond)

	if _, ok := m.l1.Get("k"); ok {
		t.Fatal("expected the sweeper to have evicted the expired entry")
	}
}
