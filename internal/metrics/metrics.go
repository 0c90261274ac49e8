// Package metrics aggregates per-dispatch outcomes into rolling counters
// and latency statistics. Percentiles are computed over a bounded window of
// recent samples so memory stays flat regardless of daemon lifetime.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scriptbridge/bridged/internal/clock"
)

// DefaultWindowSize bounds the recent-sample window used for percentiles.
const DefaultWindowSize = 2048

// Snapshot is a point-in-time view of the collector. Latencies and uptime
// are reported in seconds, matching the wire shapes consumed by the legacy
// client adapters.
type Snapshot struct {
	TotalRequests     int64                      `json:"total_requests"`
	Successful        int64                      `json:"successful"`
	Failed            int64                      `json:"failed"`
	AvgLatency        float64                    `json:"avg_latency"`
	P95               float64                    `json:"p95"`
	P99               float64                    `json:"p99"`
	RequestsPerSecond float64                    `json:"requests_per_second"`
	ErrorRate         float64                    `json:"error_rate"`
	Uptime            float64                    `json:"uptime"`
	PerModule         map[string]ModuleBreakdown `json:"per_module_breakdown"`
}

// ModuleBreakdown aggregates outcomes for one capability module.
type ModuleBreakdown struct {
	Requests   int64   `json:"requests"`
	Failed     int64   `json:"failed"`
	AvgLatency float64 `json:"avg_latency"`
}

type moduleCounters struct {
	requests int64
	failed   int64
	totalDur time.Duration
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindowSize overrides the percentile sample window length.
func WithWindowSize(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

// WithMeter mirrors dispatch outcomes into OpenTelemetry instruments so the
// Prometheus exporter can expose them alongside runtime metrics.
func WithMeter(meter metric.Meter) Option {
	return func(c *Collector) {
		if meter == nil {
			return
		}
		c.otelRequests, _ = meter.Int64Counter("bridged.dispatch.requests",
			metric.WithDescription("Completed dispatches by module, function, and outcome."))
		c.otelLatency, _ = meter.Float64Histogram("bridged.dispatch.duration",
			metric.WithDescription("Dispatch duration in seconds."),
			metric.WithUnit("s"))
	}
}

// Collector records per-call latency and outcome. All methods are safe for
// concurrent use.
type Collector struct {
	clk        clock.Clock
	windowSize int

	otelRequests metric.Int64Counter
	otelLatency  metric.Float64Histogram

	mu        sync.Mutex
	startedAt time.Time
	total     int64
	failed    int64
	totalDur  time.Duration
	window    []time.Duration
	windowPos int
	perModule map[string]*moduleCounters
}

// New constructs a collector. Uptime counts from this call.
func New(clk clock.Clock, opts ...Option) *Collector {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Collector{
		clk:        clk,
		windowSize: DefaultWindowSize,
		perModule:  make(map[string]*moduleCounters),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = clk.Now()
	return c
}

// Record appends one completed dispatch.
func (c *Collector) Record(module, function string, d time.Duration, success bool) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.total++
	c.totalDur += d
	if !success {
		c.failed++
	}
	if len(c.window) < c.windowSize {
		c.window = append(c.window, d)
	} else {
		c.window[c.windowPos] = d
		c.windowPos = (c.windowPos + 1) % c.windowSize
	}
	mc, ok := c.perModule[module]
	if !ok {
		mc = &moduleCounters{}
		c.perModule[module] = mc
	}
	mc.requests++
	mc.totalDur += d
	if !success {
		mc.failed++
	}
	c.mu.Unlock()

	if c.otelRequests != nil {
		outcome := "success"
		if !success {
			outcome = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("module", module),
			attribute.String("function", function),
			attribute.String("outcome", outcome),
		)
		ctx := context.Background()
		c.otelRequests.Add(ctx, 1, attrs)
		c.otelLatency.Record(ctx, d.Seconds(), attrs)
	}
}

// Uptime reports how long the collector has been alive.
func (c *Collector) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.startedAt)
}

// Snapshot aggregates the counters into the wire shape.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	uptime := c.clk.Now().Sub(c.startedAt)
	s := Snapshot{
		TotalRequests: c.total,
		Successful:    c.total - c.failed,
		Failed:        c.failed,
		Uptime:        uptime.Seconds(),
		PerModule:     make(map[string]ModuleBreakdown, len(c.perModule)),
	}
	if c.total > 0 {
		s.AvgLatency = (c.totalDur / time.Duration(c.total)).Seconds()
		s.ErrorRate = float64(c.failed) / float64(c.total)
	}
	if secs := uptime.Seconds(); secs > 0 {
		s.RequestsPerSecond = float64(c.total) / secs
	}
	if len(c.window) > 0 {
		sorted := make([]time.Duration, len(c.window))
		copy(sorted, c.window)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P95 = nearestRank(sorted, 95).Seconds()
		s.P99 = nearestRank(sorted, 99).Seconds()
	}
	for module, mc := range c.perModule {
		b := ModuleBreakdown{Requests: mc.requests, Failed: mc.failed}
		if mc.requests > 0 {
			b.AvgLatency = (mc.totalDur / time.Duration(mc.requests)).Seconds()
		}
		s.PerModule[module] = b
	}
	return s
}

// nearestRank picks the p-th percentile from an ascending sample set using
// nearest-rank semantics: ceil(p/100 * n), 1-indexed.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := (p*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
