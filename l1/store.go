// Package l1 implements C4: the bounded, hybrid-eviction, TTL-aware
// in-process store.
//
// Grounded on cache-manager/cache.go's L1Cache (container/list
// + map under a single RWMutex) and cache-manager/policies.go (pluggable
// EvictionPolicy), generalized from a pure LRU list into four auxiliary
// indices kept in lockstep — recency order, a frequency counter read off
// each entry's atomic access count, total byte size, and a tag-to-keys
// multi-index — so HYBRID eviction and tag invalidation are both O(1) or
// O(N) over candidates, which is fine at the configured cache sizes.
package l1

import (
	"container/list"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/velro/authzcache/pkg/cerrors"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
	"github.com/velro/authzcache/pkg/patterns"
)

// EvictionPolicy selects which candidate is evicted when space is needed.
type EvictionPolicy string

const (
	PolicyLRU    EvictionPolicy = "LRU"
	PolicyLFU    EvictionPolicy = "LFU"
	PolicyTTL    EvictionPolicy = "TTL"
	PolicyHybrid EvictionPolicy = "HYBRID"
)

// oversizeFraction is the fraction of the byte cap above which a single
// entry is rejected outright ("rejects entries larger than
// 10% of the cap").
const oversizeFraction = 0.10

// Store is the L1 in-process cache.
type Store struct {
	mu sync.Mutex

	clock    clock.Clock
	policy   EvictionPolicy
	maxBytes int64
	curBytes int64

	entries    map[string]*models.CacheEntry
	recency    *list.List               // front = most recently used
	recencyPos map[string]*list.Element
	tagIndex   map[string]map[string]struct{} // tag -> set of keys

	matcher *patterns.Matcher
}

// Config configures a new Store.
type Config struct {
	MaxBytes int64
	Policy   EvictionPolicy
}

// WithDefaults fills zero-valued fields with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.MaxBytes == 0 {
		c.MaxBytes = 200 * 1024 * 1024 // 200 MiB
	}
	if c.Policy == "" {
		c.Policy = PolicyHybrid
	}
	return c
}

// New builds an empty Store.
func New(clk clock.Clock, cfg Config) *Store {
	cfg = cfg.WithDefaults()
	return &Store{
		clock:      clk,
		policy:     cfg.Policy,
		maxBytes:   cfg.MaxBytes,
		entries:    make(map[string]*models.CacheEntry),
		recency:    list.New(),
		recencyPos: make(map[string]*list.Element),
		tagIndex:   make(map[string]map[string]struct{}),
		matcher:    patterns.New(),
	}
}

// Get returns a miss for absent or expired entries, removing expired
// entries inline. On hit it bumps the access count, recency position, and
// last-access time.
func (s *Store) Get(key string) (payload []byte, hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	now := s.clock.Now()
	if entry.IsExpired(now) {
		s.removeUnsafe(key)
		return nil, false
	}

	entry.Touch(now)
	if el, ok := s.recencyPos[key]; ok {
		s.recency.MoveToFront(el)
	}
	return entry.Payload, true
}

// TTLRemaining reports how long until key expires. Returns false for an
// absent, expired, or non-expiring entry.
func (s *Store) TTLRemaining(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.ExpiresAt.IsZero() {
		return 0, false
	}
	now := s.clock.Now()
	if entry.IsExpired(now) {
		return 0, false
	}
	return entry.ExpiresAt.Sub(now), true
}

// Set inserts or replaces an entry. Oversized entries are rejected without
// mutating the store.
func (s *Store) Set(key string, payload []byte, ttl time.Duration, priority int, tags []string) error {
	size := int64(len(payload))
	if float64(size) > float64(s.maxBytes)*oversizeFraction {
		return fmt.Errorf("%w: entry of %d bytes exceeds 10%% of %d byte cap", cerrors.ErrRejectedTooLarge, size, s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if existing, ok := s.entries[key]; ok {
		s.curBytes -= int64(existing.SizeBytes)
		s.unindexTagsUnsafe(key, existing.Tags)
		if el, ok := s.recencyPos[key]; ok {
			s.recency.MoveToFront(el)
		}
	} else {
		s.ensureSpaceUnsafe(size)
		el := s.recency.PushFront(key)
		s.recencyPos[key] = el
	}

	entry := models.NewCacheEntry(key, payload, "", ttl, priority, tags, now)
	s.entries[key] = entry
	s.curBytes += size
	s.indexTagsUnsafe(key, tags)

	return nil
}

// Delete removes key and all index references.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeUnsafe(key)
}

// DeleteByTag removes every entry carrying tag.
func (s *Store) DeleteByTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.tagIndex[tag]
	if len(keys) == 0 {
		return 0
	}
	victims := make([]string, 0, len(keys))
	for k := range keys {
		victims = append(victims, k)
	}
	count := 0
	for _, k := range victims {
		if s.removeUnsafe(k) {
			count++
		}
	}
	return count
}

// DeletePattern removes every key matching a glob pattern (e.g. "user:*").
func (s *Store) DeletePattern(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	matched := s.matcher.Match(pattern, keys)

	count := 0
	for _, k := range matched {
		if s.removeUnsafe(k) {
			count++
		}
	}
	return count
}

// Sweep removes all expired entries in one pass. Intended to run
// periodically (>= 60s is the recommended floor).
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []string
	for k, e := range s.entries {
		if e.IsExpired(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		s.removeUnsafe(k)
	}
	return len(expired)
}

// Size returns the entry count and total bytes currently stored.
func (s *Store) Size() (count int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), s.curBytes
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*models.CacheEntry)
	s.recency = list.New()
	s.recencyPos = make(map[string]*list.Element)
	s.tagIndex = make(map[string]map[string]struct{})
	s.curBytes = 0
}

// removeUnsafe deletes key from all indices. Caller holds the lock.
func (s *Store) removeUnsafe(key string) bool {
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	s.curBytes -= int64(entry.SizeBytes)
	s.unindexTagsUnsafe(key, entry.Tags)
	if el, ok := s.recencyPos[key]; ok {
		s.recency.Remove(el)
		delete(s.recencyPos, key)
	}
	delete(s.entries, key)
	return true
}

func (s *Store) indexTagsUnsafe(key string, tags []string) {
	for _, t := range tags {
		set, ok := s.tagIndex[t]
		if !ok {
			set = make(map[string]struct{})
			s.tagIndex[t] = set
		}
		set[key] = struct{}{}
	}
}

func (s *Store) unindexTagsUnsafe(key string, tags []string) {
	for _, t := range tags {
		if set, ok := s.tagIndex[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tagIndex, t)
			}
		}
	}
}

// ensureSpaceUnsafe evicts entries, per the configured policy, until
// required additional bytes are available. Caller holds the lock.
func (s *Store) ensureSpaceUnsafe(required int64) {
	for s.curBytes+required > s.maxBytes && len(s.entries) > 0 {
		victim := s.selectVictimUnsafe()
		if victim == "" {
			return
		}
		s.removeUnsafe(victim)
	}
}

// selectVictimUnsafe picks the key to evict next under the configured
// policy. HYBRID is O(N) over candidates, which is acceptable at the
// bounded sizes of this tier; LRU and TTL use the recency list / a min scan
// respectively.
func (s *Store) selectVictimUnsafe() string {
	switch s.policy {
	case PolicyLRU:
		back := s.recency.Back()
		if back == nil {
			return ""
		}
		return back.Value.(string)

	case PolicyLFU:
		return s.minByUnsafe(func(e *models.CacheEntry) float64 {
			return float64(e.AccessCount())
		})

	case PolicyTTL:
		return s.minByUnsafe(func(e *models.CacheEntry) float64 {
			if e.ExpiresAt.IsZero() {
				return float64(1 << 62)
			}
			return float64(e.ExpiresAt.UnixNano())
		})

	default: // PolicyHybrid
		now := s.clock.Now()
		return s.minByUnsafe(func(e *models.CacheEntry) float64 {
			return hybridScore(e, now)
		})
	}
}

// minByUnsafe returns the key whose entry has the lowest score(entry).
func (s *Store) minByUnsafe(score func(*models.CacheEntry) float64) string {
	var victim string
	best := math.Inf(1)
	for k, e := range s.entries {
		v := score(e)
		if v < best {
			best = v
			victim = k
		}
	}
	return victim
}

// hybridScore implements the default HYBRID eviction formula:
//
//	0.4*recency + 0.4*frequency + 0.2*priority
//
// recency = 1/(now-last_access+1), frequency = min(access_count/100, 1),
// priority = priority/10. Lower scores are evicted first.
func hybridScore(e *models.CacheEntry, now time.Time) float64 {
	secsSinceAccess := now.Sub(e.LastAccessAt()).Seconds()
	if secsSinceAccess < 0 {
		secsSinceAccess = 0
	}
	recency := 1.0 / (secsSinceAccess + 1)

	frequency := float64(e.AccessCount()) / 100.0
	if frequency > 1 {
		frequency = 1
	}

	priority := float64(e.Priority) / 10.0

	return 0.4*recency + 0.4*frequency + 0.2*priority
}
