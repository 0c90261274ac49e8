package pool_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/pool"
)

func newTestPool(t *testing.T) (*pool.Pool, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	return pool.New(clk, nil), clk
}

type closeRecorder struct {
	mu     sync.Mutex
	closed int
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *closeRecorder) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestCreateGetRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t)
	state := &closeRecorder{}
	id := p.Create(pool.KindCipher, state, "conn-1")

	h, err := p.Get(id, pool.KindCipher)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.State != state {
		t.Fatal("Get returned different state")
	}
	if h.Owner != "conn-1" {
		t.Fatalf("owner = %q", h.Owner)
	}

	if err := p.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if state.closeCount() != 1 {
		t.Fatalf("close count = %d, want 1", state.closeCount())
	}
	if _, err := p.Get(id, pool.KindCipher); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("Get after remove = %v, want ErrNotFound", err)
	}
	if err := p.Remove(id); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestGetChecksKind(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t)
	id := p.Create(pool.KindFTPSession, "ftp state", "")
	if _, err := p.Get(id, pool.KindDBConnection); !errors.Is(err, pool.ErrWrongKind) {
		t.Fatalf("Get with wrong kind = %v, want ErrWrongKind", err)
	}
	if _, err := p.Get(id, ""); err != nil {
		t.Fatalf("Get with any kind: %v", err)
	}
}

func TestGetDoesNotTouch(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t)
	id := p.Create(pool.KindDBConnection, nil, "")
	created := clk.Now()

	clk.Advance(10 * time.Minute)
	h, err := p.Get(id, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !h.LastUsedAt.Equal(created) {
		t.Fatalf("Get touched handle: last used %v, want %v", h.LastUsedAt, created)
	}

	p.Touch(id)
	h, _ = p.Get(id, "")
	if !h.LastUsedAt.Equal(clk.Now()) {
		t.Fatalf("Touch did not refresh: %v", h.LastUsedAt)
	}
}

func TestSweepEvictsOnlyIdleEntries(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t)
	stale := &closeRecorder{}
	idStale := p.Create(pool.KindDBConnection, stale, "")
	idFresh := p.Create(pool.KindDBConnection, &closeRecorder{}, "")
	idExempt := p.Create(pool.KindLockManager, &closeRecorder{}, "")

	clk.Advance(4 * time.Minute)
	p.Touch(idFresh)
	clk.Advance(2 * time.Minute)

	// stale: idle 6m, fresh: idle 2m, exempt kind: no limit
	report := p.Sweep(func(k pool.Kind) time.Duration {
		if k == pool.KindLockManager {
			return 0
		}
		return 5 * time.Minute
	})
	if report.Cleaned != 1 {
		t.Fatalf("cleaned = %d, want 1", report.Cleaned)
	}
	if report.Remaining != 2 {
		t.Fatalf("remaining = %d, want 2", report.Remaining)
	}
	if report.Entries[0].ID != idStale {
		t.Fatalf("evicted %s, want %s", report.Entries[0].ID, idStale)
	}
	if report.Entries[0].Idle != 6*time.Minute {
		t.Fatalf("idle = %v, want 6m", report.Entries[0].Idle)
	}
	if stale.closeCount() != 1 {
		t.Fatal("stale state not closed")
	}
	if _, err := p.Get(idFresh, ""); err != nil {
		t.Fatalf("fresh handle gone: %v", err)
	}
	if _, err := p.Get(idExempt, ""); err != nil {
		t.Fatalf("exempt handle gone: %v", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	p, clk := newTestPool(t)
	p.Create(pool.KindDBConnection, nil, "")
	p.Create(pool.KindDBConnection, nil, "")
	p.Create(pool.KindCipher, nil, "")
	clk.Advance(time.Minute)

	s := p.Stats()
	if s.Total != 3 {
		t.Fatalf("total = %d, want 3", s.Total)
	}
	if s.PerKind[pool.KindDBConnection] != 2 || s.PerKind[pool.KindCipher] != 1 {
		t.Fatalf("per kind = %v", s.PerKind)
	}
	if len(s.IDs) != 3 {
		t.Fatalf("ids = %v", s.IDs)
	}
	if s.Oldest != time.Minute {
		t.Fatalf("oldest = %v, want 1m", s.Oldest)
	}
	if p.CountKind(pool.KindDBConnection) != 2 {
		t.Fatalf("CountKind = %d", p.CountKind(pool.KindDBConnection))
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t)
	var wg sync.WaitGroup
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = p.Create(pool.KindCipher, &closeRecorder{}, "")
	}
	for _, id := range ids {
		wg.Add(3)
		go func(id string) {
			defer wg.Done()
			_, _ = p.Get(id, "")
		}(id)
		go func(id string) {
			defer wg.Done()
			p.Touch(id)
		}(id)
		go func(id string) {
			defer wg.Done()
			_ = p.Remove(id)
		}(id)
	}
	wg.Wait()
	if s := p.Stats(); s.Total != 0 {
		t.Fatalf("total after concurrent removal = %d, want 0", s.Total)
	}
}
