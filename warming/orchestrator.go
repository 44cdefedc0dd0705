package warming

import (
	"context"
	"fmt"

	"github.com/velro/authzcache/learner"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

// StartupSource supplies the candidate key sets for the startup strategy.
// Implemented by the host application, which alone knows which users,
// generations, and teams are "hot" at boot.
type StartupSource interface {
	TopUsers(n int) []string
	TopGenerations(n int) []string
	TopTeams(n int) []string
}

// StartupCaps bounds the startup strategy's per-category fan-out.
type StartupCaps struct {
	UserCap int
	GenCap  int
	TeamCap int
}

// Orchestrator implements C11: it turns a trigger (startup, a predictive
// tick, a reactive signal, a scheduled tick, or a burst-recovery event)
// into WarmingTask entries pushed onto the Pool's Queue.
//
// Grounded on warming/strategies.go's Strategy interface
// (Name/Plan) and warming/cron.go's scheduled triggers, generalized from
// its three ad-hoc strategies to five named ones, each driving
// the same Queue/Pool rather than its own bespoke fan-out.
type Orchestrator struct {
	clock   clock.Clock
	pool    *Pool
	learner *learner.Learner
	source  StartupSource
	caps    StartupCaps

	keyTypeForKind map[string]string // resource kind -> FetcherRef key type
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(clk clock.Clock, pool *Pool, l *learner.Learner, source StartupSource, caps StartupCaps, keyTypeForKind map[string]string) *Orchestrator {
	return &Orchestrator{
		clock:          clk,
		pool:           pool,
		learner:        l,
		source:         source,
		caps:           caps,
		keyTypeForKind: keyTypeForKind,
	}
}

// Pool returns the underlying worker pool, used by callers that need to
// inspect queue depth or drive draining directly.
func (o *Orchestrator) Pool() *Pool {
	return o.pool
}

func (o *Orchestrator) enqueue(priority models.WarmingPriority, strategy models.WarmingStrategy, keyType, cacheKey string, tags []string) {
	task := &models.WarmingTask{
		TaskID:    fmt.Sprintf("%s:%s:%d", strategy, cacheKey, o.clock.Now().UnixNano()),
		Priority:  priority,
		Strategy:  strategy,
		KeyType:   keyType,
		CacheKey:  cacheKey,
		CreatedAt: o.clock.Now(),
		Tags:      tags,
	}
	_ = o.pool.Enqueue(task)
}

// TriggerStartup enumerates the hottest users, generations, and teams
// (bounded by StartupCaps) and enqueues users at CRITICAL priority and
// generations and teams at HIGH priority, once, at process start.
func (o *Orchestrator) TriggerStartup(ctx context.Context) {
	for _, u := range o.source.TopUsers(o.caps.UserCap) {
		o.enqueue(models.PriorityCritical, models.StrategyStartup, "user_profile", "user:"+u, nil)
	}
	for _, g := range o.source.TopGenerations(o.caps.GenCap) {
		o.enqueue(models.PriorityHigh, models.StrategyStartup, "generation_access", "gen:"+g, nil)
	}
	for _, t := range o.source.TopTeams(o.caps.TeamCap) {
		o.enqueue(models.PriorityHigh, models.StrategyStartup, "team_membership", "team:"+t, nil)
	}
}

// TriggerPredictive asks the learner which resource kinds a user is likely
// to need next and enqueues them at MEDIUM priority. Intended to run on
// config.PredictiveWarmingInterval for each recently-active user.
func (o *Orchestrator) TriggerPredictive(ctx context.Context, userID string, topN int) {
	if _, ok := o.learner.NextAccessTime(userID); !ok {
		return
	}
	for _, kp := range o.learner.LikelyResources(userID, topN) {
		keyType := o.keyTypeForKind[kp.Kind]
		if keyType == "" {
			keyType = kp.Kind
		}
		o.enqueue(models.PriorityMedium, models.StrategyPredictive, keyType, userID+":"+kp.Kind, []string{"user:" + userID})
	}
}

// TriggerReactive enqueues a single key at HIGH priority in direct response
// to an observed cache miss.
func (o *Orchestrator) TriggerReactive(ctx context.Context, keyType, cacheKey string, tags []string) {
	o.enqueue(models.PriorityHigh, models.StrategyReactive, keyType, cacheKey, tags)
}

// TriggerScheduled implements cachemanager.WarmTrigger: it re-warms the
// startup user set (top users only, not generations or teams) on a fixed
// cadence, at LOW priority since the data is presumed already mostly warm.
func (o *Orchestrator) TriggerScheduled(ctx context.Context) {
	for _, u := range o.source.TopUsers(o.caps.UserCap) {
		o.enqueue(models.PriorityLow, models.StrategyScheduled, "user_profile", "user:"+u, nil)
	}
}

// TriggerBurstRecovery enqueues the given keys at BACKGROUND priority,
// intended to run after the circuit breaker recovers from OPEN, refilling
// the tiers that were skipped while the remote store was unavailable.
func (o *Orchestrator) TriggerBurstRecovery(ctx context.Context, keyType string, cacheKeys []string) {
	for _, k := range cacheKeys {
		o.enqueue(models.PriorityBackgnd, models.StrategyBurstRecovery, keyType, k, nil)
	}
}
