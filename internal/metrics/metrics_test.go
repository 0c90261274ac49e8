package metrics_test

import (
	"testing"
	"time"

	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/metrics"
	"github.com/scriptbridge/bridged/internal/pool"
)

func TestSnapshotCounters(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	c := metrics.New(clk)
	clk.Advance(10 * time.Second)

	c.Record("database", "connect", 10*time.Millisecond, true)
	c.Record("database", "prepare", 20*time.Millisecond, true)
	c.Record("crypto", "encrypt", 30*time.Millisecond, false)

	s := c.Snapshot()
	if s.TotalRequests != 3 || s.Successful != 2 || s.Failed != 1 {
		t.Fatalf("counters = %d/%d/%d", s.TotalRequests, s.Successful, s.Failed)
	}
	if s.ErrorRate < 0 || s.ErrorRate > 1 {
		t.Fatalf("error rate %v outside [0,1]", s.ErrorRate)
	}
	if got, want := s.ErrorRate, 1.0/3.0; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("error rate = %v, want %v", got, want)
	}
	if s.AvgLatency != 0.02 {
		t.Fatalf("avg latency = %v, want 0.02", s.AvgLatency)
	}
	if s.Uptime != 10 {
		t.Fatalf("uptime = %v, want 10", s.Uptime)
	}
	if s.RequestsPerSecond != 0.3 {
		t.Fatalf("rps = %v, want 0.3", s.RequestsPerSecond)
	}
	db := s.PerModule["database"]
	if db.Requests != 2 || db.Failed != 0 {
		t.Fatalf("database breakdown = %+v", db)
	}
	if s.PerModule["crypto"].Failed != 1 {
		t.Fatalf("crypto breakdown = %+v", s.PerModule["crypto"])
	}
}

func TestPercentileOrdering(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	c := metrics.New(clk)
	for i := 1; i <= 100; i++ {
		c.Record("m", "f", time.Duration(i)*time.Millisecond, true)
	}
	s := c.Snapshot()
	if s.P95 > s.P99 {
		t.Fatalf("p95 %v > p99 %v", s.P95, s.P99)
	}
	if s.P95 != 0.095 {
		t.Fatalf("p95 = %v, want 0.095", s.P95)
	}
	if s.P99 != 0.099 {
		t.Fatalf("p99 = %v, want 0.099", s.P99)
	}
}

func TestWindowIsBounded(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	c := metrics.New(clk, metrics.WithWindowSize(10))
	// Fill the window with slow samples, then overwrite with fast ones.
	for i := 0; i < 10; i++ {
		c.Record("m", "f", time.Second, true)
	}
	for i := 0; i < 10; i++ {
		c.Record("m", "f", time.Millisecond, true)
	}
	s := c.Snapshot()
	if s.P99 != 0.001 {
		t.Fatalf("p99 = %v, want 0.001 after window rollover", s.P99)
	}
	if s.TotalRequests != 20 {
		t.Fatalf("total = %d, want 20", s.TotalRequests)
	}
}

func TestHealthVerdicts(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	c := metrics.New(clk)
	lim := metrics.HealthLimits{
		MaxHandles:    10,
		WarnErrorRate: 0.10,
		FailErrorRate: 0.50,
		MaxHandleAge:  time.Hour,
	}

	report := c.Health(pool.Stats{Total: 1}, lim)
	if report.Status != metrics.StatusPass {
		t.Fatalf("status = %s, want pass", report.Status)
	}

	for i := 0; i < 10; i++ {
		c.Record("m", "f", time.Millisecond, false)
	}
	report = c.Health(pool.Stats{Total: 1}, lim)
	if report.Checks["error_rate"].Status != metrics.StatusFail {
		t.Fatalf("error_rate = %+v, want fail", report.Checks["error_rate"])
	}
	if report.Status != metrics.StatusFail {
		t.Fatalf("overall = %s, want fail", report.Status)
	}

	report = c.Health(pool.Stats{Total: 9, Oldest: 2 * time.Hour}, lim)
	if report.Checks["pool_saturation"].Status != metrics.StatusWarn {
		t.Fatalf("saturation = %+v, want warn", report.Checks["pool_saturation"])
	}
	if report.Checks["resource_age"].Status != metrics.StatusWarn {
		t.Fatalf("resource_age = %+v, want warn", report.Checks["resource_age"])
	}
}
