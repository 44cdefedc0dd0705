package monitoring

import (
	"testing"
	"time"

	"github.com/velro/authzcache/pkg/clock"
	"github.com/velro/authzcache/pkg/models"
)

type fakeBreaker struct {
	state models.CircuitState
}

func (f fakeBreaker) State() models.CircuitState { return f.state }

func TestObserveCacheOpAccumulatesHitsAndMisses(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)

	m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	m.ObserveCacheOp(models.TierL1, false, time.Millisecond)

	snap := m.sample()
	stat := snap.Tiers[models.TierL1]
	if stat.HitRate != 0.5 {
		t.Fatalf("expected a 50%% hit rate after 1 hit + 1 miss, got %v", stat.HitRate)
	}
}

func TestSampleComputesOverallHitRateAcrossTiers(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)

	m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	m.ObserveCacheOp(models.TierL2, true, time.Millisecond)
	m.ObserveCacheOp(models.TierL3, false, time.Millisecond)

	snap := m.sample()
	want := 2.0 / 3.0
	if diff := snap.OverallHitRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected overall hit rate %v, got %v", want, snap.OverallHitRate)
	}
}

func TestOverallHitRateReturnsZeroBeforeFirstSample(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	if got := m.OverallHitRate(); got != 0 {
		t.Fatalf("expected 0 before any sample, got %v", got)
	}
}

func TestShouldThrottleWarmingWhenHitRateExceedsExcellentThreshold(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 50, time.Minute)
	m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	m.sample()

	if !m.ShouldThrottleWarming() {
		t.Fatal("expected warming to be throttled once the hit rate clears the excellent threshold")
	}
}

func TestShouldThrottleWarmingFalseBelowThreshold(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	m.ObserveCacheOp(models.TierL1, false, time.Millisecond)
	m.sample()

	if m.ShouldThrottleWarming() {
		t.Fatal("expected warming not to be throttled on an all-miss sample")
	}
}

func findAlert(alerts []models.Alert, tier models.Tier, metric string) *models.Alert {
	for i := range alerts {
		if alerts[i].Tier == tier && alerts[i].Metric == metric {
			return &alerts[i]
		}
	}
	return nil
}

func TestEvaluateThresholdsOpensWarningAlertBelowMinHitRate(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for i := 0; i < 10; i++ {
		m.ObserveCacheOp(models.TierL1, i < 5, time.Millisecond) // 50% hit rate
	}
	m.sample()

	alerts := m.OpenAlerts()
	overall := findAlert(alerts, models.TierOverall, "hit_rate")
	if overall == nil {
		t.Fatalf("expected an open OVERALL hit_rate alert, got %+v", alerts)
	}
	if overall.Level != models.AlertWarning {
		t.Fatalf("expected a WARNING alert at 50%% hit rate (threshold 90%%), got %v", overall.Level)
	}

	l1 := findAlert(alerts, models.TierL1, "hit_rate")
	if l1 == nil {
		t.Fatalf("expected an open L1 hit_rate alert (threshold 95%%), got %+v", alerts)
	}
}

func TestEvaluateThresholdsOpensCriticalAlertBelowCriticalHitRate(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for i := 0; i < 10; i++ {
		m.ObserveCacheOp(models.TierL1, i < 1, time.Millisecond) // 10% hit rate
	}
	m.sample()

	alerts := m.OpenAlerts()
	overall := findAlert(alerts, models.TierOverall, "hit_rate")
	if overall == nil || overall.Level != models.AlertCritical {
		t.Fatalf("expected a CRITICAL OVERALL alert at 10%% hit rate, got %+v", alerts)
	}
}

func TestEvaluateThresholdsOpensAlertsForEachDistinctTierAndFacadeSignal(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	m.ObserveCacheOp(models.TierL1, false, 50*time.Millisecond)  // breaches L1's 95% hit rate and 5ms latency
	m.ObserveCacheOp(models.TierL2, false, 200*time.Millisecond) // breaches L2's 85% hit rate and 20ms latency
	m.ObserveCacheOp(models.TierL3, true, 500*time.Millisecond)  // breaches L3's 100ms latency (no hit-rate signal)
	m.ObserveCacheOp(models.TierFacade, true, 300*time.Millisecond) // breaches facade's 75ms latency
	m.sample()

	alerts := m.OpenAlerts()
	for _, tc := range []struct {
		tier   models.Tier
		metric string
	}{
		{models.TierL1, "hit_rate"}, {models.TierL1, "latency"},
		{models.TierL2, "hit_rate"}, {models.TierL2, "latency"},
		{models.TierL3, "latency"},
		{models.TierFacade, "latency"},
	} {
		if findAlert(alerts, tc.tier, tc.metric) == nil {
			t.Fatalf("expected an open %s/%s alert, got %+v", tc.tier, tc.metric, alerts)
		}
	}
	if findAlert(alerts, models.TierL3, "hit_rate") != nil {
		t.Fatal("expected no hit_rate alert for L3, which has no hit-rate signal")
	}
	if findAlert(alerts, models.TierFacade, "hit_rate") != nil {
		t.Fatal("expected no hit_rate alert for the facade, which has no hit-rate signal")
	}
}

func TestAlertResolvesOnceHitRateRecovers(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for i := 0; i < 10; i++ {
		m.ObserveCacheOp(models.TierL1, false, time.Millisecond)
	}
	m.sample()
	if len(m.OpenAlerts()) == 0 {
		t.Fatal("expected an alert to open on an all-miss sample")
	}

	for i := 0; i < 10; i++ {
		m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	}
	m.sample()
	if len(m.OpenAlerts()) != 0 {
		t.Fatal("expected the alert to resolve once the hit rate recovers")
	}
}

func TestTrendReportsStableWithFewerThanTwoSamples(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	trend := m.Trend("hit_rate")
	if trend.Direction != models.TrendStable {
		t.Fatalf("expected STABLE with no samples, got %v", trend.Direction)
	}
}

func TestTrendReportsUpOnImprovingHitRate(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	m.ObserveCacheOp(models.TierL1, false, time.Millisecond)
	m.sample() // hit rate 0.5

	for i := 0; i < 50; i++ {
		m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
	}
	m.sample() // hit rate climbs well above 0.5 + 5% deadband

	trend := m.Trend("hit_rate")
	if trend.Direction != models.TrendUp {
		t.Fatalf("expected an UP trend after the hit rate improved, got %v", trend.Direction)
	}
}

func TestAnomaliesReportsNoneWithinNormalRange(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for i := 0; i < 20; i++ {
		m.ObserveCacheOp(models.TierL1, true, time.Millisecond)
		m.sample()
	}
	if anomalies := m.Anomalies(); len(anomalies) != 0 {
		t.Fatalf("expected no anomalies on a flat series, got %v", anomalies)
	}
}

func TestHealthReportsOKWithNoAlertsOrBreakerIssues(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for _, tier := range []models.Tier{models.TierL1, models.TierL2, models.TierL3, models.TierFacade} {
		m.ObserveCacheOp(tier, true, time.Millisecond)
	}
	m.sample()

	report := m.Health()
	if !report.OverallOK || report.Status != "healthy" || report.Score != 100 {
		t.Fatalf("expected a healthy report, got %+v", report)
	}
}

func TestHealthReflectsOpenBreaker(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	m.WireL2Breaker(fakeBreaker{state: models.CircuitOpen})
	for _, tier := range []models.Tier{models.TierL1, models.TierL2, models.TierL3, models.TierFacade} {
		m.ObserveCacheOp(tier, true, time.Millisecond)
	}
	m.sample()

	report := m.Health()
	if report.OverallOK {
		t.Fatal("expected an open L2 breaker to flip overall health to not-OK")
	}
	if report.PerTier[models.TierL2] {
		t.Fatal("expected L2 to be reported unhealthy while its breaker is open")
	}
}

func TestHealthDegradesScoreOnOpenAlerts(t *testing.T) {
	m := New(clock.NewFake(time.Unix(0, 0)), 95, time.Minute)
	for i := 0; i < 10; i++ {
		m.ObserveCacheOp(models.TierL1, i < 1, time.Millisecond) // 10% -> critical
	}
	m.sample()

	report := m.Health()
	if report.Status != "critical" && report.Status != "degraded" {
		t.Fatalf("expected a degraded or critical status, got %v (score=%v)", report.Status, report.Score)
	}
	if report.Score >= 100 {
		t.Fatalf("expected the open critical alert to reduce the score below 100, got %v", report.Score)
	}
}

func TestStartAndStopRunPeriodicSampling(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	m := New(clk, 95, time.Minute)
	m.ObserveCacheOp(models.TierL1, true, time.Millisecond)

	m.Start()
	clk.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	if m.OverallHitRate() != 1 {
		t.Fatalf("expected the background sampler to have taken a sample, got hit rate %v", m.OverallHitRate())
	}
}
