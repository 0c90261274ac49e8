// Package pool implements the daemon's shared handle store. Every stateful
// resource a capability opens (database connections, prepared statements,
// cipher contexts, FTP sessions, DOM documents, lock managers) lives here
// under an opaque identifier until it is explicitly released or reaped.
package pool

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/svcfields"
	"github.com/scriptbridge/bridged/internal/uuidv7"
)

// Kind tags the capability-specific resource stored behind a handle.
type Kind string

// Handle kinds used by the built-in capabilities.
const (
	KindDBConnection Kind = "db-connection"
	KindDBStatement  Kind = "db-statement"
	KindCipher       Kind = "cipher-context"
	KindFTPSession   Kind = "ftp-session"
	KindDocument     Kind = "dom-document"
	KindNode         Kind = "dom-node"
	KindLockManager  Kind = "lock-manager"
	KindLock         Kind = "lock"
)

// ErrNotFound is returned when a handle identifier does not exist. Once a
// handle is removed its identifier is never reused, so any later reference
// lands here rather than on fresh state.
var ErrNotFound = errors.New("handle not found")

// ErrWrongKind is returned when a handle exists but holds a different
// resource kind than the caller expected.
var ErrWrongKind = errors.New("handle kind mismatch")

// Handle is a point-in-time view of a pooled resource.
type Handle struct {
	ID         string
	Kind       Kind
	State      any
	Owner      string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Stats summarizes pool occupancy.
type Stats struct {
	Total   int            `json:"total"`
	PerKind map[Kind]int   `json:"per_kind"`
	IDs     []string       `json:"ids"`
	Oldest  time.Duration  `json:"oldest_age_seconds"`
}

// Removed describes one entry evicted by a sweep.
type Removed struct {
	ID   string        `json:"id"`
	Kind Kind          `json:"kind"`
	Idle time.Duration `json:"idle"`
}

// Report is the outcome of one sweep pass.
type Report struct {
	Cleaned   int       `json:"cleaned"`
	Remaining int       `json:"remaining"`
	Entries   []Removed `json:"entries"`
}

type entry struct {
	kind       Kind
	state      any
	owner      string
	createdAt  time.Time
	lastUsedAt time.Time
}

// Pool is a concurrency-safe keyed store of opaque stateful resources.
type Pool struct {
	clk    clock.Clock
	logger pslog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty pool.
func New(clk clock.Clock, logger pslog.Logger) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Pool{
		clk:     clk,
		logger:  svcfields.WithSubsystem(logger, "pool"),
		entries: make(map[string]*entry),
	}
}

// Create stores state under a fresh unique identifier and returns it.
func (p *Pool) Create(kind Kind, state any, owner string) string {
	id := uuidv7.NewString()
	now := p.clk.Now()
	p.mu.Lock()
	p.entries[id] = &entry{
		kind:       kind,
		state:      state,
		owner:      owner,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.mu.Unlock()
	p.logger.Debug("handle created", "id", id, "kind", string(kind), "owner", owner)
	return id
}

// Get returns the handle stored under id. It does not refresh the idle
// clock; callers touch explicitly after a successful operation. A non-empty
// kind asserts the stored resource kind.
func (p *Pool) Get(id string, kind Kind) (Handle, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.RUnlock()
		return Handle{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	h := Handle{
		ID:         id,
		Kind:       e.kind,
		State:      e.state,
		Owner:      e.owner,
		CreatedAt:  e.createdAt,
		LastUsedAt: e.lastUsedAt,
	}
	p.mu.RUnlock()
	if kind != "" && h.Kind != kind {
		return Handle{}, fmt.Errorf("%w: %s holds %s, want %s", ErrWrongKind, id, h.Kind, kind)
	}
	return h, nil
}

// Touch resets the idle clock on id. Touching a missing handle is a no-op:
// the operation that held it has already raced with a removal and will fail
// on its next Get.
func (p *Pool) Touch(id string) {
	now := p.clk.Now()
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		e.lastUsedAt = now
	}
	p.mu.Unlock()
}

// Remove deletes id and closes its native state if it implements io.Closer.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.closeState(id, e)
	p.logger.Debug("handle removed", "id", id, "kind", string(e.kind))
	return nil
}

// RemoveOwned deletes every handle whose owner matches and closes their
// native state. It returns the number of handles removed. Capabilities use
// the owner field to tie dependent handles (prepared statements, DOM nodes)
// to their parent so releasing the parent cascades.
func (p *Pool) RemoveOwned(owner string) int {
	if owner == "" {
		return 0
	}
	var victims []struct {
		id string
		e  *entry
	}
	p.mu.Lock()
	for id, e := range p.entries {
		if e.owner == owner {
			victims = append(victims, struct {
				id string
				e  *entry
			}{id, e})
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()
	for _, v := range victims {
		p.closeState(v.id, v.e)
		p.logger.Debug("owned handle removed", "id", v.id, "kind", string(v.e.kind), "owner", owner)
	}
	return len(victims)
}

// Clear removes every handle and closes their native state. It returns the
// number of handles released. Used during daemon shutdown.
func (p *Pool) Clear() int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	for id, e := range entries {
		p.closeState(id, e)
	}
	return len(entries)
}

// Stats reports pool occupancy. IDs are sorted; UUIDv7 identifiers sort by
// creation time.
func (p *Pool) Stats() Stats {
	now := p.clk.Now()
	p.mu.RLock()
	s := Stats{
		Total:   len(p.entries),
		PerKind: make(map[Kind]int),
		IDs:     make([]string, 0, len(p.entries)),
	}
	for id, e := range p.entries {
		s.PerKind[e.kind]++
		s.IDs = append(s.IDs, id)
		if age := now.Sub(e.createdAt); age > s.Oldest {
			s.Oldest = age
		}
	}
	p.mu.RUnlock()
	sort.Strings(s.IDs)
	return s
}

// CountKind returns the number of live handles of the given kind.
func (p *Pool) CountKind(kind Kind) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, e := range p.entries {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// Sweep evicts every entry whose contiguous idle interval exceeds the
// threshold returned by idleLimit for its kind. A non-positive limit
// exempts the kind. The idle-time gate is the only correctness mechanism:
// an in-use handle was touched recently and cannot qualify.
func (p *Pool) Sweep(idleLimit func(Kind) time.Duration) Report {
	now := p.clk.Now()
	var victims []struct {
		id string
		e  *entry
	}
	p.mu.Lock()
	for id, e := range p.entries {
		limit := idleLimit(e.kind)
		if limit <= 0 {
			continue
		}
		if now.Sub(e.lastUsedAt) > limit {
			victims = append(victims, struct {
				id string
				e  *entry
			}{id, e})
			delete(p.entries, id)
		}
	}
	remaining := len(p.entries)
	p.mu.Unlock()

	report := Report{Remaining: remaining}
	for _, v := range victims {
		p.closeState(v.id, v.e)
		report.Entries = append(report.Entries, Removed{
			ID:   v.id,
			Kind: v.e.kind,
			Idle: now.Sub(v.e.lastUsedAt),
		})
	}
	report.Cleaned = len(report.Entries)
	sort.Slice(report.Entries, func(i, j int) bool {
		return report.Entries[i].ID < report.Entries[j].ID
	})
	return report
}

func (p *Pool) closeState(id string, e *entry) {
	closer, ok := e.state.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		p.logger.Warn("handle close failed", "id", id, "kind", string(e.kind), "error", err)
	}
}
