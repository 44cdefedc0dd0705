// Package monitoring implements C13, the performance monitor: it samples
// per-tier hit rate and latency on a fixed interval, raises and resolves
// threshold alerts, classifies trends, flags statistical anomalies, and
// rolls all of it up into a health report.
//
// Grounded on monitoring/aggregator.go (sliding-window
// aggregation, Welford's-algorithm HistoricalStats, Z-score anomaly
// detection) and monitoring/alerts.go (alert open/resolve lifecycle), with
// the HTTP/SSE dashboard surface of monitoring/dashboard.go dropped since
// this module exposes a library API rather than a service with its own
// transport.
package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

// snapshotRingCap bounds retained samples, matching the documented default of
// 1000.
const snapshotRingCap = 1000

// anomalyWindowCap is the Welford window size for each tracked metric.
const anomalyWindowCap = 120

// thresholds holds the fixed alert thresholds evaluated on every sample:
// an aggregate hit-rate/latency pair, a hit-rate/latency pair each for L1
// and L2, and a latency-only signal for L3 and the facade.
type thresholds struct {
	aggregateHitRate float64
	aggregateLatency time.Duration
	l1HitRate        float64
	l1Latency        time.Duration
	l2HitRate        float64
	l2Latency        time.Duration
	l3Latency        time.Duration
	facadeLatency    time.Duration
}

var defaultThresholds = thresholds{
	aggregateHitRate: 0.90,
	aggregateLatency: 100 * time.Millisecond,
	l1HitRate:        0.95,
	l1Latency:        5 * time.Millisecond,
	l2HitRate:        0.85,
	l2Latency:        20 * time.Millisecond,
	l3Latency:        100 * time.Millisecond,
	facadeLatency:    75 * time.Millisecond,
}

// hitRateFor reports the configured minimum hit rate for tier, if the
// table defines one; L3 and the facade are latency-only.
func (th thresholds) hitRateFor(tier models.Tier) (float64, bool) {
	switch tier {
	case models.TierOverall:
		return th.aggregateHitRate, true
	case models.TierL1:
		return th.l1HitRate, true
	case models.TierL2:
		return th.l2HitRate, true
	default:
		return 0, false
	}
}

// latencyFor reports the configured maximum latency for tier. Every tier
// has one.
func (th thresholds) latencyFor(tier models.Tier) (time.Duration, bool) {
	switch tier {
	case models.TierOverall:
		return th.aggregateLatency, true
	case models.TierL1:
		return th.l1Latency, true
	case models.TierL2:
		return th.l2Latency, true
	case models.TierL3:
		return th.l3Latency, true
	case models.TierFacade:
		return th.facadeLatency, true
	default:
		return 0, false
	}
}

type tierCounters struct {
	mu      sync.Mutex
	hits    uint64
	misses  uint64
	latency *HistoricalStats // seconds
}

func newTierCounters() *tierCounters {
	return &tierCounters{latency: NewHistoricalStats(anomalyWindowCap)}
}

// BreakerSource reports a tier's circuit breaker state for the health
// rollup. L1 and L3 have no breaker and always report CLOSED.
type BreakerSource interface {
	State() models.CircuitState
}

// Monitor is the performance monitor (C13).
type Monitor struct {
	clock            clock.Clock
	ids              clock.IDs
	hitRateExcellent float64
	interval         time.Duration

	mu       sync.Mutex
	counters map[models.Tier]*tierCounters
	evictions uint64
	invalidations uint64

	snapshots []models.TierSnapshot
	snapCount int

	alerts       map[string]*models.Alert
	alertHistory []models.Alert

	anomalyHitRate *HistoricalStats
	anomalyLatency *HistoricalStats

	l2Breaker BreakerSource

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor. hitRateExcellentPct is the threshold (0-100) above
// which the facade/warming pool may treat the cache as saturated and
// throttle further warming, per config.HitRateExcellentPct.
func New(clk clock.Clock, hitRateExcellentPct float64, interval time.Duration) *Monitor {
	m := &Monitor{
		clock:            clk,
		hitRateExcellent: hitRateExcellentPct / 100.0,
		counters:         make(map[models.Tier]*tierCounters),
		snapshots:        make([]models.TierSnapshot, snapshotRingCap),
		alerts:           make(map[string]*models.Alert),
		anomalyHitRate:   NewHistoricalStats(anomalyWindowCap),
		anomalyLatency:   NewHistoricalStats(anomalyWindowCap),
		stopCh:           make(chan struct{}),
	}
	for _, t := range []models.Tier{models.TierL1, models.TierL2, models.TierL3, models.TierFacade} {
		m.counters[t] = newTierCounters()
	}
	m.interval = interval
	return m
}

// WireL2Breaker installs the L2 breaker as a health-rollup input, part of
// the two-phase construct-then-wire pattern used across the engine.
func (m *Monitor) WireL2Breaker(b BreakerSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.l2Breaker = b
}

// ObserveCacheOp implements cachemanager.MetricsSink.
func (m *Monitor) ObserveCacheOp(tier models.Tier, hit bool, latency time.Duration) {
	m.mu.Lock()
	c, ok := m.counters[tier]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.latency.Add(latency.Seconds())
	c.mu.Unlock()
}

// ObserveEviction implements cachemanager.MetricsSink.
func (m *Monitor) ObserveEviction(n int) {
	m.mu.Lock()
	m.evictions += uint64(n)
	m.mu.Unlock()
}

// ObserveInvalidation implements cachemanager.MetricsSink.
func (m *Monitor) ObserveInvalidation(n int) {
	m.mu.Lock()
	m.invalidations += uint64(n)
	m.mu.Unlock()
}

// OverallHitRate returns the most recent sample's blended hit rate across
// tiers, used by the warming pool's throttle check.
func (m *Monitor) OverallHitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapCount == 0 {
		return 0
	}
	latest := m.snapshots[(m.snapCount-1)%snapshotRingCap]
	return latest.OverallHitRate
}

// ShouldThrottleWarming implements warming.ThrottleFunc: skip draining when
// the cache is already hitting excellently.
func (m *Monitor) ShouldThrottleWarming() bool {
	return m.OverallHitRate() >= m.hitRateExcellent
}

// Start launches the periodic sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.sample()
		}
	}
}

// sample takes one TierSnapshot, appends it to the ring, and evaluates
// thresholds and anomalies against it.
func (m *Monitor) sample() models.TierSnapshot {
	now := m.clock.Now()
	snap := models.TierSnapshot{Timestamp: now, Tiers: make(map[models.Tier]models.TierStat)}

	var totalHits, totalOps uint64
	var weightedLatency time.Duration
	for tier, c := range m.counters {
		c.mu.Lock()
		hits, misses := c.hits, c.misses
		c.hits, c.misses = 0, 0
		avgSec, _ := c.latency.MeanStdDev()
		c.mu.Unlock()

		ops := hits + misses
		hitRate := 0.0
		if ops > 0 {
			hitRate = float64(hits) / float64(ops)
		}
		avg := time.Duration(avgSec * float64(time.Second))
		snap.Tiers[tier] = models.TierStat{HitRate: hitRate, AvgLatency: avg, Available: ops > 0}

		totalHits += hits
		totalOps += ops
		weightedLatency += avg * time.Duration(ops)
	}
	if totalOps > 0 {
		snap.OverallHitRate = float64(totalHits) / float64(totalOps)
		snap.WeightedAvgLatency = weightedLatency / time.Duration(totalOps)
	}

	m.mu.Lock()
	m.snapshots[m.snapCount%snapshotRingCap] = snap
	m.snapCount++
	m.mu.Unlock()

	m.anomalyHitRate.Add(snap.OverallHitRate)
	m.anomalyLatency.Add(snap.WeightedAvgLatency.Seconds())

	m.evaluateThresholds(snap)
	return snap
}

// evaluateThresholds opens or resolves alerts for every signal in the
// threshold table against snap: the aggregate hit-rate/latency pair plus,
// for each tier that reported traffic this sample, its own hit-rate (L1,
// L2) and latency (all four) signals. Enforces one active alert per
// (tier, metric) pair.
func (m *Monitor) evaluateThresholds(snap models.TierSnapshot) {
	m.evaluateHitRate(models.TierOverall, "hit_rate", snap.OverallHitRate)
	m.evaluateLatency(models.TierOverall, "p95_latency", snap.WeightedAvgLatency)

	for _, tier := range []models.Tier{models.TierL1, models.TierL2, models.TierL3, models.TierFacade} {
		stat, ok := snap.Tiers[tier]
		if !ok || !stat.Available {
			continue
		}
		if _, has := defaultThresholds.hitRateFor(tier); has {
			m.evaluateHitRate(tier, "hit_rate", stat.HitRate)
		}
		m.evaluateLatency(tier, "latency", stat.AvgLatency)
	}
}

// evaluateHitRate evaluates tier's hit rate against its configured
// threshold; a value below half the threshold escalates to CRITICAL.
func (m *Monitor) evaluateHitRate(tier models.Tier, metric string, value float64) {
	threshold, ok := defaultThresholds.hitRateFor(tier)
	if !ok {
		return
	}
	level := models.AlertLevel("")
	switch {
	case value < threshold/2:
		level = models.AlertCritical
	case value < threshold:
		level = models.AlertWarning
	}
	m.applyAlertState(tier, metric, value, threshold, level,
		fmt.Sprintf("%s hit rate %.1f%% below threshold", tier, value*100))
}

// evaluateLatency evaluates tier's average latency against its configured
// maximum.
func (m *Monitor) evaluateLatency(tier models.Tier, metric string, value time.Duration) {
	threshold, ok := defaultThresholds.latencyFor(tier)
	if !ok {
		return
	}
	level := models.AlertLevel("")
	if value > threshold {
		level = models.AlertWarning
	}
	m.applyAlertState(tier, metric, value.Seconds(), threshold.Seconds(), level,
		fmt.Sprintf("%s latency %s exceeds threshold", tier, value))
}

// applyAlertState opens a new alert, updates an existing one, or resolves
// it, keyed by (tier, metric) so at most one alert per pair is ever open.
func (m *Monitor) applyAlertState(tier models.Tier, metric string, current, threshold float64, level models.AlertLevel, message string) {
	key := string(tier) + "|" + metric
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, open := m.alerts[key]
	if level == "" {
		if open {
			existing.ResolvedAt = now
			m.alertHistory = append(m.alertHistory, *existing)
			delete(m.alerts, key)
		}
		return
	}

	if open {
		existing.Current = current
		existing.Level = level
		existing.Message = message
		return
	}

	m.alerts[key] = &models.Alert{
		AlertID:   m.ids.NewID(),
		Level:     level,
		Tier:      tier,
		Metric:    metric,
		Current:   current,
		Threshold: threshold,
		Message:   message,
		OpenedAt:  now,
	}
}

// OpenAlerts returns every currently-open alert.
func (m *Monitor) OpenAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// Trend classifies how metric moved between the previous sample and the
// current one.
func (m *Monitor) Trend(metric string) models.Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapCount < 2 {
		return models.Trend{Metric: metric, Direction: models.TrendStable}
	}
	cur := m.snapshots[(m.snapCount-1)%snapshotRingCap]
	prev := m.snapshots[(m.snapCount-2)%snapshotRingCap]

	switch metric {
	case "hit_rate":
		return models.CalculateTrend(metric, prev.OverallHitRate, cur.OverallHitRate)
	case "latency":
		return models.CalculateTrend(metric, prev.WeightedAvgLatency.Seconds(), cur.WeightedAvgLatency.Seconds())
	default:
		return models.Trend{Metric: metric, Direction: models.TrendStable}
	}
}

// Anomalies reports any metric currently beyond 3 standard deviations of
// its rolling window, following monitoring/aggregator.go's Z-score classification
// thresholds in monitoring/aggregator.go's calculateSeverity.
func (m *Monitor) Anomalies() []string {
	m.mu.Lock()
	hitRate := m.anomalyHitRate
	latency := m.anomalyLatency
	var curHit, curLat float64
	if m.snapCount > 0 {
		cur := m.snapshots[(m.snapCount-1)%snapshotRingCap]
		curHit, curLat = cur.OverallHitRate, cur.WeightedAvgLatency.Seconds()
	}
	m.mu.Unlock()

	var out []string
	if z := hitRate.ZScore(curHit); z < -3.0 {
		out = append(out, fmt.Sprintf("hit_rate anomaly: z=%.2f (%s)", z, severity(z)))
	}
	if z := latency.ZScore(curLat); z > 3.0 {
		out = append(out, fmt.Sprintf("latency anomaly: z=%.2f (%s)", z, severity(z)))
	}
	return out
}

func severity(zscore float64) string {
	absZ := zscore
	if absZ < 0 {
		absZ = -absZ
	}
	switch {
	case absZ > 5.0:
		return "critical"
	case absZ > 4.0:
		return "high"
	case absZ > 3.5:
		return "medium"
	default:
		return "low"
	}
}

// Health rolls up the current state into an {overall_ok, per_tier} shape,
// enriched with a score, status, and recommendations.
func (m *Monitor) Health() models.HealthReport {
	m.mu.Lock()
	var snap models.TierSnapshot
	if m.snapCount > 0 {
		snap = m.snapshots[(m.snapCount-1)%snapshotRingCap]
	}
	openAlerts := make([]*models.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		openAlerts = append(openAlerts, a)
	}
	breaker := m.l2Breaker
	m.mu.Unlock()

	report := models.HealthReport{OverallOK: true, PerTier: make(map[models.Tier]bool), Status: "healthy", Score: 100}

	for tier, stat := range snap.Tiers {
		ok := true
		if threshold, has := defaultThresholds.hitRateFor(tier); has && stat.Available {
			ok = stat.HitRate >= threshold
		}
		report.PerTier[tier] = ok
		if !ok {
			report.OverallOK = false
		}
	}
	if breaker != nil && breaker.State() != models.CircuitClosed {
		report.PerTier[models.TierL2] = false
		report.OverallOK = false
		report.Issues = append(report.Issues, models.HealthIssue{Type: "breaker", Severity: "warning", Message: "L2 breaker is " + string(breaker.State())})
	}

	for _, a := range openAlerts {
		sev := "warning"
		if a.Level == models.AlertCritical {
			sev = "critical"
			report.Score -= 30
		} else {
			report.Score -= 10
		}
		report.Issues = append(report.Issues, models.HealthIssue{Type: a.Metric, Severity: sev, Message: a.Message})
	}

	if report.Score < 100 {
		report.Recommendations = append(report.Recommendations, "investigate open alerts before the next deploy window")
	}
	switch {
	case report.Score < 50:
		report.Status = "critical"
	case report.Score < 90:
		report.Status = "degraded"
	}
	if report.Score < 0 {
		report.Score = 0
	}
	return report
}
