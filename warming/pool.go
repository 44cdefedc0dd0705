package warming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

// completionRingCap bounds the in-memory history of recently completed
// tasks.
const completionRingCap = 10000

// Fetcher resolves a warming task's payload. Implemented by the host
// application per key type, mirroring warming/service.go's OriginFetcher
// capability interface in cache-manager/service.go.
type Fetcher interface {
	FetchForWarm(ctx context.Context, task *models.WarmingTask) ([]byte, time.Duration, time.Duration, error)
}

// Setter writes a fetched payload through the cache tiers. cachemanager.
// Manager's Set method satisfies this exactly, so the pool never imports
// the cachemanager package directly and the dependency only runs one way.
type Setter interface {
	Set(ctx context.Context, key string, payload []byte, l1TTL, l2TTL time.Duration, priority int, tags []string) (l1OK, l2OK bool)
}

// Getter reports whether key is already cached. cachemanager.Manager's Peek
// method satisfies this, letting the pool skip a redundant fetch when a
// value was populated after the task was enqueued.
type Getter interface {
	Peek(ctx context.Context, key string) ([]byte, bool)
}

// ThrottleFunc reports whether the pool should skip draining this tick:
// throttle when hit rate is already excellent or the pool is already
// saturated.
type ThrottleFunc func() bool

// Config configures a Pool.
type Config struct {
	PoolSize    int
	BatchSize   int
	Retries     int
	Backoff     time.Duration
	MaxOriginRPS float64 // caps the rate of Fetcher calls across all workers
}

// WithDefaults fills zero-valued fields with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.MaxOriginRPS == 0 {
		c.MaxOriginRPS = 50
	}
	return c
}

// Pool is the warming worker pool (C10): a fixed number of goroutines
// draining the priority Queue, subject to a throttle check before each
// batch.
type Pool struct {
	clock    clock.Clock
	cfg      Config
	queue    *Queue
	fetcher  Fetcher
	setter   Setter
	getter   Getter
	throttle ThrottleFunc
	limiter  *rate.Limiter

	active     int32
	activeMu   sync.Mutex

	completedMu sync.Mutex
	completed   []models.WarmingTask
	completedAt int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool builds a Pool. throttle may be nil, in which case the pool never
// throttles itself.
func NewPool(clk clock.Clock, cfg Config, queue *Queue, fetcher Fetcher, setter Setter, getter Getter, throttle ThrottleFunc) *Pool {
	cfg = cfg.WithDefaults()
	return &Pool{
		clock:     clk,
		cfg:       cfg,
		queue:     queue,
		fetcher:   fetcher,
		setter:    setter,
		getter:    getter,
		throttle:  throttle,
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxOriginRPS), int(cfg.MaxOriginRPS)),
		completed: make([]models.WarmingTask, completionRingCap),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drain loop; each drain runs its batch on up to
// PoolSize goroutines.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.runDrainLoop(ctx)
}

// Stop halts the drain loop and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Enqueue pushes a task onto the priority queue.
func (p *Pool) Enqueue(task *models.WarmingTask) error {
	return p.queue.Push(task)
}

// ActiveCount reports how many tasks are currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return int(p.active)
}

// QueueDepth reports how many tasks are waiting.
func (p *Pool) QueueDepth() int {
	return p.queue.Len()
}

// runDrainLoop wakes periodically, checks the throttle, and if clear drains
// up to BatchSize tasks from the queue concurrently (bounded by PoolSize).
func (p *Pool) runDrainLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.drainOnce(ctx)
		}
	}
}

func (p *Pool) drainOnce(ctx context.Context) {
	if p.throttle != nil && p.throttle() {
		return
	}
	if p.ActiveCount() >= p.cfg.PoolSize {
		return
	}

	batch := p.queue.PopBatch(p.cfg.BatchSize)
	sem := make(chan struct{}, p.cfg.PoolSize)
	var wg sync.WaitGroup
	for _, task := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func(t *models.WarmingTask) {
			defer wg.Done()
			defer func() { <-sem }()
			p.execute(ctx, t)
		}(task)
	}
	wg.Wait()
}

func (p *Pool) execute(ctx context.Context, task *models.WarmingTask) {
	p.activeMu.Lock()
	p.active++
	p.activeMu.Unlock()
	defer func() {
		p.activeMu.Lock()
		p.active--
		p.activeMu.Unlock()
	}()

	task.ScheduledAt = p.clock.Now()

	if p.getter != nil {
		if _, ok := p.getter.Peek(ctx, task.CacheKey); ok {
			task.Success = true
			task.CompletedAt = p.clock.Now()
			task.ExecutionMs = int(task.CompletedAt.Sub(task.ScheduledAt).Milliseconds())
			p.recordCompletion(*task)
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.Backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-p.clock.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		payload, l1TTL, l2TTL, err := p.fetcher.FetchForWarm(ctx, task)
		if err == nil {
			p.setter.Set(ctx, task.CacheKey, payload, l1TTL, l2TTL, int(task.Priority), task.Tags)
			task.Success = true
			break
		}
		lastErr = err
	}

	task.CompletedAt = p.clock.Now()
	task.ExecutionMs = int(task.CompletedAt.Sub(task.ScheduledAt).Milliseconds())
	if lastErr != nil && !task.Success {
		task.Metadata = map[string]string{"error": fmt.Sprintf("%v", lastErr)}
	}
	p.recordCompletion(*task)
}

// recordCompletion appends to the bounded completion ring, overwriting the
// oldest entry once full.
func (p *Pool) recordCompletion(task models.WarmingTask) {
	p.completedMu.Lock()
	defer p.completedMu.Unlock()
	p.completed[p.completedAt%completionRingCap] = task
	p.completedAt++
}

// RecentCompletions returns up to n of the most recently completed tasks.
func (p *Pool) RecentCompletions(n int) []models.WarmingTask {
	p.completedMu.Lock()
	defer p.completedMu.Unlock()

	total := p.completedAt
	if total > completionRingCap {
		total = completionRingCap
	}
	if n > total {
		n = total
	}
	out := make([]models.WarmingTask, 0, n)
	for i := 0; i < n; i++ {
		idx := (p.completedAt - 1 - i + completionRingCap) % completionRingCap
		out = append(out, p.completed[idx])
	}
	return out
}
