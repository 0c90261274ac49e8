package dispatch_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/scriptbridge/bridged/api"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dispatch"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/metrics"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/reaper"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/validate"
)

type fixture struct {
	clk        *clock.Manual
	pool       *pool.Pool
	metrics    *metrics.Collector
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T, extra func(*registry.Registry)) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	p := pool.New(clk, nil)
	col := metrics.New(clk)
	reg := registry.New()
	if extra != nil {
		extra(reg)
	}
	d := dispatch.New(dispatch.Config{
		Clock:    clk,
		Registry: reg,
		Limits:   validate.DefaultLimits(),
		Metrics:  col,
		Pool:     p,
		Reaper: reaper.New(clk, nil, p, reaper.Config{
			IdleThreshold: 300 * time.Second,
		}),
		Version: "1.2.3",
	})
	reg.Freeze()
	return &fixture{clk: clk, pool: p, metrics: col, dispatcher: d}
}

func (f *fixture) dispatch(module, function string, params *dyn.Map) api.Response {
	return f.dispatcher.Dispatch(context.Background(), &api.Request{
		Module:   module,
		Function: function,
		Params:   params,
	})
}

func TestPing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.clk.Advance(42 * time.Second)
	resp := f.dispatch("test", "ping", nil)
	if !resp.Success {
		t.Fatalf("ping failed: %s", resp.Error)
	}
	if resp.Result["message"] != "pong" {
		t.Fatalf("message = %v", resp.Result["message"])
	}
	if resp.Result["daemon_version"] != "1.2.3" {
		t.Fatalf("daemon_version = %v", resp.Result["daemon_version"])
	}
	if resp.Result["uptime"].(float64) != 42 {
		t.Fatalf("uptime = %v", resp.Result["uptime"])
	}
}

func TestUnknownCapabilityIsDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp := f.dispatch("database", "malicious_function", nil)
	if resp.Success {
		t.Fatal("unregistered capability executed")
	}
	if !strings.Contains(strings.ToLower(resp.Error), "not allowed") {
		t.Fatalf("error = %q, want a not-allowed denial", resp.Error)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if resp := f.dispatch("", "ping", nil); resp.Success {
		t.Fatal("empty module accepted")
	}
	if resp := f.dispatch("test", "", nil); resp.Success {
		t.Fatal("empty function accepted")
	}
}

func TestShapeLimitsRejectBeforeExecution(t *testing.T) {
	t.Parallel()

	executed := false
	f := newFixture(t, func(reg *registry.Registry) {
		reg.Register("demo", "echo", func(ctx context.Context, params *dyn.Map) (map[string]any, error) {
			executed = true
			return map[string]any{}, nil
		})
	})
	params := dyn.NewMap().Set("blob", dyn.String(strings.Repeat("x", (1<<20)+1)))
	resp := f.dispatch("demo", "echo", params)
	if resp.Success {
		t.Fatal("oversized params accepted")
	}
	if executed {
		t.Fatal("handler ran despite shape rejection")
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(reg *registry.Registry) {
		reg.Register("demo", "boom", func(ctx context.Context, params *dyn.Map) (map[string]any, error) {
			panic("kaboom")
		})
	})
	resp := f.dispatch("demo", "boom", nil)
	if resp.Success {
		t.Fatal("panicking handler reported success")
	}
	if !strings.Contains(resp.Error, "internal error") {
		t.Fatalf("error = %q", resp.Error)
	}
	// The dispatcher survives and keeps serving.
	if resp := f.dispatch("test", "ping", nil); !resp.Success {
		t.Fatalf("dispatch broken after panic: %s", resp.Error)
	}
}

func TestDispatchRecordsMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.dispatch("test", "ping", nil)
	f.dispatch("database", "malicious_function", nil)
	snap := f.metrics.Snapshot()
	if snap.TotalRequests != 2 || snap.Successful != 1 || snap.Failed != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.PerModule["database"].Failed != 1 {
		t.Fatalf("per-module = %+v", snap.PerModule)
	}
}

func TestSystemCleanupReportsSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.pool.Create(pool.KindDBConnection, nil, "")
	}

	resp := f.dispatch("system", "cleanup", nil)
	if !resp.Success {
		t.Fatalf("cleanup failed: %s", resp.Error)
	}
	if resp.Result["remaining_connections"].(int) != 3 || resp.Result["cleaned_connections"].(int) != 0 {
		t.Fatalf("fresh handles swept: %v", resp.Result)
	}

	f.clk.Advance(301 * time.Second)
	resp = f.dispatch("system", "cleanup", nil)
	if resp.Result["remaining_connections"].(int) != 0 || resp.Result["cleaned_connections"].(int) != 3 {
		t.Fatalf("idle handles not swept: %v", resp.Result)
	}
}

func TestSystemViews(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.dispatch("test", "ping", nil)

	health := f.dispatch("system", "health", nil)
	if !health.Success || health.Result["status"] != metrics.StatusPass {
		t.Fatalf("health = %+v", health)
	}

	stats := f.dispatch("system", "stats", nil)
	if !stats.Success || stats.Result["daemon_version"] != "1.2.3" {
		t.Fatalf("stats = %+v", stats)
	}

	conns := f.dispatch("system", "connections", nil)
	if !conns.Success || conns.Result["total_handles"].(int) != 0 {
		t.Fatalf("connections = %+v", conns)
	}

	info := f.dispatch("system", "info", nil)
	if !info.Success {
		t.Fatalf("info = %+v", info)
	}
	caps := info.Result["capabilities"].(map[string][]string)
	if len(caps["system"]) == 0 || caps["test"][0] != "ping" {
		t.Fatalf("capabilities = %v", caps)
	}
}

func TestShutdownDisabledByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	resp := f.dispatch("system", "shutdown", nil)
	if resp.Success {
		t.Fatal("shutdown succeeded without a hook")
	}
}
