// Package dispatch runs the request pipeline: authorize against the
// capability whitelist, validate parameter shape, execute the handler, and
// record the outcome. A dispatch never panics out; handler panics become
// failure responses.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/api"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/metrics"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/reaper"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
	"github.com/scriptbridge/bridged/internal/validate"
)

// Config wires the dispatcher's collaborators.
type Config struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Registry *registry.Registry
	Limits   validate.Limits
	Metrics  *metrics.Collector
	Pool     *pool.Pool
	Reaper   *reaper.Reaper
	Version  string
	Health   metrics.HealthLimits
	// Connections reports live transport connections for system.connections.
	Connections func() int
	// Shutdown, when set, is invoked by system.shutdown after the response
	// is produced.
	Shutdown func()
}

// Dispatcher executes bridge requests.
type Dispatcher struct {
	cfg    Config
	logger pslog.Logger
}

// New constructs a dispatcher and registers the built-in test and system
// capabilities on the configured registry.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	d := &Dispatcher{cfg: cfg, logger: svcfields.WithSubsystem(cfg.Logger, "dispatch")}
	d.registerBuiltins()
	return d
}

// Dispatch runs one request through the pipeline and always returns a
// response envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req *api.Request) api.Response {
	reqID := xid.New().String()
	logger := d.logger.With("req", reqID)
	started := d.cfg.Clock.Now()

	resp := d.run(ctx, logger, req)
	elapsed := d.cfg.Clock.Since(started)

	module, function := req.Module, req.Function
	if module == "" {
		module = "unknown"
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.Record(module, function, elapsed, resp.Success)
	}
	if resp.Success {
		logger.Info("request completed",
			"capability", req.Capability(),
			"duration", elapsed.String())
	} else {
		logger.Warn("request failed",
			"capability", req.Capability(),
			"duration", elapsed.String(),
			"error", resp.Error)
	}
	return resp
}

func (d *Dispatcher) run(ctx context.Context, logger pslog.Logger, req *api.Request) (resp api.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked",
				"capability", req.Capability(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			resp = api.Errf("internal error executing %s", req.Capability())
		}
	}()

	if err := req.Validate(); err != nil {
		return api.Err(err)
	}
	handler, err := d.cfg.Registry.Lookup(req.Module, req.Function)
	if err != nil {
		return api.Err(err)
	}
	if err := d.cfg.Limits.Check(req.Params); err != nil {
		return api.Err(err)
	}
	result, err := handler(ctx, req.Params)
	if err != nil {
		return api.Err(err)
	}
	return api.OK(result)
}

func (d *Dispatcher) registerBuiltins() {
	reg := d.cfg.Registry
	reg.Register("test", "ping", d.ping)
	reg.Register("system", "health", d.health)
	reg.Register("system", "performance", d.performance)
	reg.Register("system", "connections", d.connections)
	reg.Register("system", "metrics", d.metricsView)
	reg.Register("system", "stats", d.stats)
	reg.Register("system", "cleanup", d.cleanup)
	reg.Register("system", "info", d.info)
	reg.Register("system", "shutdown", d.shutdownDaemon)
}

func (d *Dispatcher) ping(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	return map[string]any{
		"message":        "pong",
		"daemon_version": d.cfg.Version,
		"uptime":         d.uptime().Seconds(),
	}, nil
}

func (d *Dispatcher) health(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	report := d.cfg.Metrics.Health(d.poolStats(), d.cfg.Health)
	return map[string]any{
		"status": report.Status,
		"checks": report.Checks,
	}, nil
}

func (d *Dispatcher) performance(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	return map[string]any{
		"metrics":   d.cfg.Metrics.Snapshot(),
		"resources": metrics.Usage(runtime.NumGoroutine()),
	}, nil
}

func (d *Dispatcher) connections(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	ps := d.poolStats()
	active := 0
	if d.cfg.Connections != nil {
		active = d.cfg.Connections()
	}
	perKind := make(map[string]any, len(ps.PerKind))
	for kind, n := range ps.PerKind {
		perKind[string(kind)] = n
	}
	return map[string]any{
		"active_transport_connections": active,
		"total_handles":                ps.Total,
		"per_kind":                     perKind,
		"handle_ids":                   ps.IDs,
		"oldest_handle_age":            ps.Oldest.Seconds(),
	}, nil
}

func (d *Dispatcher) metricsView(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	snap := d.cfg.Metrics.Snapshot()
	return map[string]any{"metrics": snap}, nil
}

func (d *Dispatcher) stats(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	snap := d.cfg.Metrics.Snapshot()
	ps := d.poolStats()
	return map[string]any{
		"daemon_version": d.cfg.Version,
		"uptime":         d.uptime().Seconds(),
		"total_requests": snap.TotalRequests,
		"error_rate":     snap.ErrorRate,
		"total_handles":  ps.Total,
	}, nil
}

// cleanup runs an on-demand sweep and reports what it evicted, in the
// shape the legacy clients expect.
func (d *Dispatcher) cleanup(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	report := d.cfg.Reaper.ReapNow()
	entries := make([]any, 0, len(report.Entries))
	for _, e := range report.Entries {
		entries = append(entries, map[string]any{
			"id":   e.ID,
			"kind": string(e.Kind),
			"idle": e.Idle.Seconds(),
		})
	}
	return map[string]any{
		"cleaned_connections":   report.Cleaned,
		"remaining_connections": report.Remaining,
		"cleaned":               entries,
	}, nil
}

func (d *Dispatcher) info(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	return map[string]any{
		"daemon_version": d.cfg.Version,
		"go_version":     runtime.Version(),
		"pid":            os.Getpid(),
		"uptime":         d.uptime().Seconds(),
		"capabilities":   d.cfg.Registry.Capabilities(),
	}, nil
}

func (d *Dispatcher) shutdownDaemon(ctx context.Context, _ *dyn.Map) (map[string]any, error) {
	if d.cfg.Shutdown == nil {
		return nil, fmt.Errorf("shutdown is not enabled on this daemon")
	}
	d.logger.Warn("shutdown requested via system.shutdown")
	go d.cfg.Shutdown()
	return map[string]any{"message": "shutting down"}, nil
}

func (d *Dispatcher) uptime() time.Duration {
	if d.cfg.Metrics == nil {
		return 0
	}
	return d.cfg.Metrics.Uptime()
}

func (d *Dispatcher) poolStats() pool.Stats {
	if d.cfg.Pool == nil {
		return pool.Stats{PerKind: map[pool.Kind]int{}}
	}
	return d.cfg.Pool.Stats()
}
