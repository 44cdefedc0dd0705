// Package facade implements C12, the single entry point host applications
// use: authorization resolution calls that transparently consult the
// three-tier cache, record access patterns for predictive warming, and
// feed the performance monitor, plus the invalidation and warm-frequent
// entry points a caller triggers explicitly.
//
// Grounded on cache-manager/service.go's exported Get/Set/
// Invalidate endpoints (here collapsed from three separate Encore API
// calls into one cohesive Go API over the domain's three authorization
// shapes), extended so every call also observes the learner and feeds
// the performance monitor, which has no counterpart in the source it is grounded on
// since it carries no predictive-warming subsystem.
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/velro/authzcache/cache-manager"
	"github.com/velro/authzcache/config"
	"github.com/velro/authzcache/learner"
	"github.com/velro/authzcache/monitoring"
	"github.com/velro/authzcache/pkg/models"
	"github.com/velro/authzcache/warming"
)

// MediaAccessFetcher resolves media permissions from the slow path when
// every tier misses.
type MediaAccessFetcher interface {
	FetchMediaAccess(ctx context.Context, userID, resourceID string) (models.Permissions, error)
}

// TeamAccessFetcher resolves team-scoped access from the slow path.
type TeamAccessFetcher interface {
	FetchTeamAccess(ctx context.Context, userID, teamID string) (models.TeamAccess, error)
}

// OwnershipFetcher resolves direct resource ownership from the slow path.
type OwnershipFetcher interface {
	FetchDirectOwnership(ctx context.Context, userID, resourceID string) (bool, error)
}

// Facade is the authorization cache facade (C12).
type Facade struct {
	manager      *cachemanager.Manager
	learner      *learner.Learner
	monitor      *monitoring.Monitor
	orchestrator *warming.Orchestrator

	media     MediaAccessFetcher
	team      TeamAccessFetcher
	ownership OwnershipFetcher
}

// New builds a Facade over its already-wired collaborators.
func New(manager *cachemanager.Manager, l *learner.Learner, monitor *monitoring.Monitor, orchestrator *warming.Orchestrator, media MediaAccessFetcher, team TeamAccessFetcher, ownership OwnershipFetcher) *Facade {
	return &Facade{
		manager:      manager,
		learner:      l,
		monitor:      monitor,
		orchestrator: orchestrator,
		media:        media,
		team:         team,
		ownership:    ownership,
	}
}

// ResolveMediaAccess resolves a user's permissions on a generation/media
// resource, transparently consulting L1/L2/L3 before falling back to the
// policy evaluator.
func (f *Facade) ResolveMediaAccess(ctx context.Context, userID, resourceID string) (models.Permissions, error) {
	key := fmt.Sprintf("generation_access:%s:%s", resourceID, userID)

	payload, tier, err := f.manager.Get(ctx, key, config.KeyKindGenerationAccess, func(ctx context.Context) ([]byte, error) {
		perm, ferr := f.media.FetchMediaAccess(ctx, userID, resourceID)
		if ferr != nil {
			return nil, ferr
		}
		perm.ServedByTier = models.TierL3
		perm.ResolvedAt = time.Now()
		return json.Marshal(perm)
	})
	f.afterResolve(userID, "generation_access", key, tier, err)
	if err != nil {
		return models.Permissions{}, err
	}

	var perm models.Permissions
	if jerr := json.Unmarshal(payload, &perm); jerr != nil {
		return models.Permissions{}, fmt.Errorf("facade: corrupt cached permissions: %w", jerr)
	}
	perm.ServedByTier = tier
	return perm, nil
}

// ResolveTeamAccess resolves a user's role within a team.
func (f *Facade) ResolveTeamAccess(ctx context.Context, userID, teamID string) (models.TeamAccess, error) {
	key := fmt.Sprintf("team_membership:%s:%s", teamID, userID)

	payload, tier, err := f.manager.Get(ctx, key, config.KeyKindTeamMembership, func(ctx context.Context) ([]byte, error) {
		access, ferr := f.team.FetchTeamAccess(ctx, userID, teamID)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(access)
	})
	f.afterResolve(userID, "team_membership", key, tier, err)
	if err != nil {
		return models.TeamAccess{}, err
	}

	var access models.TeamAccess
	if jerr := json.Unmarshal(payload, &access); jerr != nil {
		return models.TeamAccess{}, fmt.Errorf("facade: corrupt cached team access: %w", jerr)
	}
	access.ServedByTier = tier
	return access, nil
}

// ResolveDirectOwnership resolves whether userID directly owns resourceID.
func (f *Facade) ResolveDirectOwnership(ctx context.Context, userID, resourceID string) (bool, error) {
	key := fmt.Sprintf("direct_ownership:%s:%s", resourceID, userID)

	payload, tier, err := f.manager.Get(ctx, key, config.KeyKindDirectOwnership, func(ctx context.Context) ([]byte, error) {
		owns, ferr := f.ownership.FetchDirectOwnership(ctx, userID, resourceID)
		if ferr != nil {
			return nil, ferr
		}
		return json.Marshal(owns)
	})
	f.afterResolve(userID, "direct_ownership", key, tier, err)
	if err != nil {
		return false, err
	}

	var owns bool
	if jerr := json.Unmarshal(payload, &owns); jerr != nil {
		return false, fmt.Errorf("facade: corrupt cached ownership flag: %w", jerr)
	}
	return owns, nil
}

// afterResolve records the access for the learner and, on a full miss
// (neither L1 nor L2 held the key and L3 or the fallback served the
// value), triggers the reactive warming strategy so a repeated miss on
// the same key warms ahead of the next request.
func (f *Facade) afterResolve(userID, kind, key string, tier models.Tier, err error) {
	f.learner.RecordAccess(userID, kind, "read", "")
	if err == nil && tier == models.TierL3 && f.orchestrator != nil {
		f.orchestrator.TriggerReactive(context.Background(), kind, key, []string{"user:" + userID})
	}
}

// InvalidateUser drops every cached entry whose key ends in ":"+userID,
// used when a user's role or team memberships change.
func (f *Facade) InvalidateUser(ctx context.Context, userID string) {
	f.manager.InvalidatePattern(ctx, "*:"+userID)
}

// InvalidateResource drops every cached entry whose key contains
// ":"+resourceID+":", used when a resource's ownership or visibility
// changes.
func (f *Facade) InvalidateResource(ctx context.Context, resourceID string) {
	f.manager.InvalidatePattern(ctx, "*:"+resourceID+":*")
}

// WarmFrequent triggers a predictive warming pass for userID ahead of their
// predicted next access.
func (f *Facade) WarmFrequent(ctx context.Context, userID string, topN int) {
	if f.orchestrator != nil {
		f.orchestrator.TriggerPredictive(ctx, userID, topN)
	}
}

// Health returns the current performance monitor health rollup.
func (f *Facade) Health() models.HealthReport {
	return f.monitor.Health()
}
