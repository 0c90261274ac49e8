// Package reaper runs the background sweep that evicts idle pool handles.
// It is the only component that removes resources a client did not release
// explicitly, so every eviction is logged with the idle interval that
// triggered it.
package reaper

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Defaults for the sweep cadence and the idle threshold applied to kinds
// without an override.
const (
	DefaultInterval      = 60 * time.Second
	DefaultIdleThreshold = 300 * time.Second
)

// Config controls sweep timing. A zero value is usable and falls back to
// the package defaults.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	// Overrides replaces IdleThreshold for specific kinds. A non-positive
	// override exempts the kind from sweeping entirely.
	Overrides map[pool.Kind]time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	return c
}

func (c Config) limitFor(kind pool.Kind) time.Duration {
	if d, ok := c.Overrides[kind]; ok {
		return d
	}
	return c.IdleThreshold
}

// Reaper owns the periodic sweep goroutine over one pool.
type Reaper struct {
	clk    clock.Clock
	logger pslog.Logger
	pool   *pool.Pool
	cfg    Config

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New constructs a stopped reaper.
func New(clk clock.Clock, logger pslog.Logger, p *pool.Pool, cfg Config) *Reaper {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Reaper{
		clk:    clk,
		logger: svcfields.WithSubsystem(logger, "reaper"),
		pool:   p,
		cfg:    cfg.normalized(),
	}
}

// Start launches the sweep loop. Starting an already running reaper is a
// no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	r.logger.Debug("reaper started",
		"interval", r.cfg.Interval.String(),
		"idle_threshold", r.cfg.IdleThreshold.String())
	go r.loop(stop, done)
}

// Stop halts the loop and waits for the in-flight sweep, if any, to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stop)
	<-done
	r.logger.Debug("reaper stopped")
}

func (r *Reaper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-r.clk.After(r.cfg.Interval):
			r.sweep()
		}
	}
}

// ReapNow performs one synchronous sweep, independent of the background
// cadence, and returns the eviction report.
func (r *Reaper) ReapNow() pool.Report {
	return r.sweep()
}

func (r *Reaper) sweep() pool.Report {
	report := r.pool.Sweep(r.cfg.limitFor)
	for _, e := range report.Entries {
		r.logger.Info("stale handle reaped",
			"id", e.ID,
			"kind", string(e.Kind),
			"idle", e.Idle.String())
	}
	if report.Cleaned > 0 {
		r.logger.Info("sweep finished",
			"cleaned", report.Cleaned,
			"remaining", report.Remaining)
	}
	return report
}
