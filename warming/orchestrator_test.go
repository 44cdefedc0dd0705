package warming

import (
	"context"
	"testing"
	"time"

	"github.com/velro/authzcache/learner"
	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

type fakeStartupSource struct {
	users, gens, teams []string
}

func (f fakeStartupSource) TopUsers(n int) []string       { return capSlice(f.users, n) }
func (f fakeStartupSource) TopGenerations(n int) []string { return capSlice(f.gens, n) }
func (f fakeStartupSource) TopTeams(n int) []string       { return capSlice(f.teams, n) }

func capSlice(s []string, n int) []string {
	if n < len(s) {
		return s[:n]
	}
	return s
}

func newTestOrchestrator(source StartupSource, l *learner.Learner) (*Orchestrator, *Pool) {
	clk := clock.New()
	q := NewQueue(100)
	pool := NewPool(clk, Config{MaxOriginRPS: 1000}, q, &fakeFetcher{}, &fakeSetter{}, nil, nil)
	return NewOrchestrator(clk, pool, l, source, StartupCaps{UserCap: 5, GenCap: 5, TeamCap: 5}, nil), pool
}

func TestTriggerStartupEnqueuesAllThreeCategoriesAtExpectedPriority(t *testing.T) {
	source := fakeStartupSource{users: []string{"u1"}, gens: []string{"g1"}, teams: []string{"t1"}}
	o, pool := newTestOrchestrator(source, learner.New(clock.New(), true, 7*24*time.Hour))

	o.TriggerStartup(context.Background())

	if pool.QueueDepth() != 3 {
		t.Fatalf("expected 3 enqueued tasks, got %d", pool.QueueDepth())
	}
	seenCritical, seenHigh := 0, 0
	for {
		task, ok := pool.queue.Pop()
		if !ok {
			break
		}
		switch task.Priority {
		case models.PriorityCritical:
			seenCritical++
		case models.PriorityHigh:
			seenHigh++
		}
		if task.Strategy != models.StrategyStartup {
			t.Fatalf("expected STARTUP strategy, got %s", task.Strategy)
		}
	}
	if seenCritical != 1 || seenHigh != 2 {
		t.Fatalf("expected 1 critical (user) + 2 high (gen+team), got critical=%d high=%d", seenCritical, seenHigh)
	}
}

func TestTriggerStartupRespectsCaps(t *testing.T) {
	source := fakeStartupSource{users: []string{"u1", "u2", "u3"}}
	clk := clock.New()
	q := NewQueue(100)
	pool := NewPool(clk, Config{MaxOriginRPS: 1000}, q, &fakeFetcher{}, &fakeSetter{}, nil, nil)
	o := NewOrchestrator(clk, pool, learner.New(clk, true, 7*24*time.Hour), source, StartupCaps{UserCap: 2}, nil)

	o.TriggerStartup(context.Background())
	if pool.QueueDepth() != 2 {
		t.Fatalf("expected the user cap to bound enqueued tasks to 2, got %d", pool.QueueDepth())
	}
}

func TestTriggerReactiveEnqueuesAtHighPriority(t *testing.T) {
	o, pool := newTestOrchestrator(fakeStartupSource{}, learner.New(clock.New(), true, 7*24*time.Hour))

	o.TriggerReactive(context.Background(), "media", "key1", []string{"user:1"})

	task, ok := pool.queue.Pop()
	if !ok {
		t.Fatal("expected a task to be enqueued")
	}
	if task.Priority != models.PriorityHigh || task.Strategy != models.StrategyReactive {
		t.Fatalf("expected HIGH/REACTIVE, got %v/%v", task.Priority, task.Strategy)
	}
}

func TestTriggerPredictiveSkipsUsersWithoutEnoughHistory(t *testing.T) {
	l := learner.New(clock.New(), true, 7*24*time.Hour)
	o, pool := newTestOrchestrator(fakeStartupSource{}, l)

	o.TriggerPredictive(context.Background(), "ghost", 3)

	if pool.QueueDepth() != 0 {
		t.Fatal("expected no tasks enqueued for a user with no access history")
	}
}

func TestTriggerPredictiveEnqueuesLikelyResourcesAtMediumPriority(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	l := learner.New(clk, true, 7*24*time.Hour)
	for i := 0; i < 5; i++ {
		l.RecordAccess("u1", "generation_access", "read", "")
		clk.Advance(10 * time.Second)
	}

	q := NewQueue(100)
	pool := NewPool(clk, Config{MaxOriginRPS: 1000}, q, &fakeFetcher{}, &fakeSetter{}, nil, nil)
	o := NewOrchestrator(clk, pool, l, fakeStartupSource{}, StartupCaps{}, nil)

	o.TriggerPredictive(context.Background(), "u1", 3)

	task, ok := pool.queue.Pop()
	if !ok {
		t.Fatal("expected a predictive task to be enqueued")
	}
	if task.Priority != models.PriorityMedium || task.Strategy != models.StrategyPredictive {
		t.Fatalf("expected MEDIUM/PREDICTIVE, got %v/%v", task.Priority, task.Strategy)
	}
}

func TestTriggerBurstRecoveryEnqueuesAtBackgroundPriority(t *testing.T) {
	o, pool := newTestOrchestrator(fakeStartupSource{}, learner.New(clock.New(), true, 7*24*time.Hour))

	o.TriggerBurstRecovery(context.Background(), "media", []string{"k1", "k2"})

	if pool.QueueDepth() != 2 {
		t.Fatalf("expected 2 enqueued tasks, got %d", pool.QueueDepth())
	}
	task, _ := pool.queue.Pop()
	if task.Priority != models.PriorityBackgnd || task.Strategy != models.StrategyBurstRecovery {
		t.Fatalf("expected BACKGROUND/BURST_RECOVERY, got %v/%v", task.Priority, task.Strategy)
	}
}
