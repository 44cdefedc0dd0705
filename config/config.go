// Package config implements C14: a single typed configuration surface with
// validated defaults, following a per-service Config pattern
// (cache-manager/service.go's Config, warming/service.go's Config) but
// consolidated into one struct since the engine is now one cohesive
// library rather than several Encore microservices.
package config

import (
	"fmt"
	"time"

	"github.com/velro/authzcache/l1"
)

// KeyKind names one of the key categories with a fixed TTL pair from
// the documented defaults.
type KeyKind string

const (
	KeyKindDirectOwnership  KeyKind = "direct_ownership"
	KeyKindTeamMembership   KeyKind = "team_membership"
	KeyKindGenerationAccess KeyKind = "generation_access"
	KeyKindUserProfile      KeyKind = "user_profile"
	KeyKindProjectVisibility KeyKind = "project_visibility"
)

// TTLPair is the L1/L2 TTL pair for one key kind.
type TTLPair struct {
	L1 time.Duration
	L2 time.Duration
}

// DefaultTTLs is the TTL-by-key-kind table.
var DefaultTTLs = map[KeyKind]TTLPair{
	KeyKindDirectOwnership:   {L1: 900 * time.Second, L2: 900 * time.Second},
	KeyKindTeamMembership:    {L1: 600 * time.Second, L2: 600 * time.Second},
	KeyKindGenerationAccess:  {L1: 300 * time.Second, L2: 300 * time.Second},
	KeyKindUserProfile:       {L1: 1800 * time.Second, L2: 1800 * time.Second},
	KeyKindProjectVisibility: {L1: 1200 * time.Second, L2: 1200 * time.Second},
}

// Config is the engine's full configuration surface, one field per
// documented configuration option.
type Config struct {
	L1MaxBytes       int64
	L1EvictionPolicy l1.EvictionPolicy

	L2Addr           string
	L2MaxConnections int
	L2DeadlineMs     int

	CBFailThreshold     uint32
	CBRecoveryWindowMs  int

	MonitoringIntervalMs int
	HitRateExcellentPct  float64

	WarmingBatchSize           int
	WarmingQueueCapPerPriority int
	WarmingPoolSize            int
	WarmingMaxOriginRPS        float64

	PatternLearningEnabled    bool
	PatternStaleCutoff        time.Duration
	PredictiveWarmingEnabled  bool
	PredictiveWarmingHorizon  time.Duration
	PredictiveWarmingInterval time.Duration

	StartupUserCap int
	StartupGenCap  int
	StartupTeamCap int

	ShutdownDrainTimeout time.Duration
}

// Default returns a fully-populated Config matching every default in
// the documented defaults, including the two boolean knobs (pattern_learning_enabled,
// predictive_warming_enabled) which both default to true — expressed here
// as explicit literal fields rather than via WithDefaults's zero-fill,
// since a zero bool is indistinguishable from "explicitly disabled".
func Default() Config {
	return Config{
		PatternLearningEnabled:   true,
		PredictiveWarmingEnabled: true,
	}.WithDefaults()
}

// WithDefaults returns a copy of c with every zero-valued numeric/string
// field set to its documented default. Boolean fields are
// left untouched; use Default() to start from the fully-enabled baseline.
// Call Validate afterward.
func (c Config) WithDefaults() Config {
	if c.L1MaxBytes == 0 {
		c.L1MaxBytes = 200 * 1024 * 1024
	}
	if c.L1EvictionPolicy == "" {
		c.L1EvictionPolicy = l1.PolicyHybrid
	}
	if c.L2MaxConnections == 0 {
		c.L2MaxConnections = 20
	}
	if c.L2DeadlineMs == 0 {
		c.L2DeadlineMs = 50
	}
	if c.CBFailThreshold == 0 {
		c.CBFailThreshold = 5
	}
	if c.CBRecoveryWindowMs == 0 {
		c.CBRecoveryWindowMs = 30000
	}
	if c.MonitoringIntervalMs == 0 {
		c.MonitoringIntervalMs = 30000
	}
	if c.HitRateExcellentPct == 0 {
		c.HitRateExcellentPct = 95
	}
	if c.WarmingBatchSize == 0 {
		c.WarmingBatchSize = 50
	}
	if c.WarmingQueueCapPerPriority == 0 {
		c.WarmingQueueCapPerPriority = 1000
	}
	if c.WarmingPoolSize == 0 {
		c.WarmingPoolSize = 10
	}
	if c.WarmingMaxOriginRPS == 0 {
		c.WarmingMaxOriginRPS = 50
	}
	if c.PatternStaleCutoff == 0 {
		c.PatternStaleCutoff = 7 * 24 * time.Hour
	}
	if c.PredictiveWarmingHorizon == 0 {
		c.PredictiveWarmingHorizon = time.Hour
	}
	if c.PredictiveWarmingInterval == 0 {
		c.PredictiveWarmingInterval = 10 * time.Minute
	}
	if c.StartupUserCap == 0 {
		c.StartupUserCap = 100
	}
	if c.StartupGenCap == 0 {
		c.StartupGenCap = 200
	}
	if c.StartupTeamCap == 0 {
		c.StartupTeamCap = 50
	}
	if c.ShutdownDrainTimeout == 0 {
		c.ShutdownDrainTimeout = 10 * time.Second
	}
	return c
}

// Validate checks every field against its documented range, returning an
// aggregated error naming every violation found.
func (c Config) Validate() error {
	var errs []string

	if c.L1MaxBytes < 1024*1024 {
		errs = append(errs, "l1_max_bytes must be >= 1 MiB")
	}
	switch c.L1EvictionPolicy {
	case l1.PolicyLRU, l1.PolicyLFU, l1.PolicyTTL, l1.PolicyHybrid:
	default:
		errs = append(errs, "l1_eviction_policy must be one of LRU, LFU, TTL, HYBRID")
	}
	if c.L2MaxConnections < 1 {
		errs = append(errs, "l2_max_connections must be >= 1")
	}
	if c.HitRateExcellentPct < 0 || c.HitRateExcellentPct > 100 {
		errs = append(errs, "hit_rate_excellent_pct must be in [0, 100]")
	}
	if c.WarmingPoolSize < 1 {
		errs = append(errs, "warming_pool_size must be >= 1")
	}
	if c.WarmingBatchSize < 1 {
		errs = append(errs, "warming_batch_size must be >= 1")
	}
	if c.WarmingMaxOriginRPS <= 0 {
		errs = append(errs, "warming_max_origin_rps must be > 0")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid configuration: %v", errs)
}
