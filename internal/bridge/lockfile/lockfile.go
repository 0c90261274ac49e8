// Package lockfile implements the lockfile capability: non-blocking
// lockfile acquisition with stale-lock breaking. A manager handle fixes
// the hold time; each acquired lock is its own handle owned by the
// manager, so cleaning the manager releases everything it granted.
//
// Managers watch their held lockfiles with fsnotify and log when one
// disappears out from under the daemon; an externally deleted lockfile
// means some other process no longer respects the lock.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/scriptbridge/bridged/internal/bridge"
	"github.com/scriptbridge/bridged/internal/clock"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

// Module is the capability name clients address.
const Module = "lockfile"

// DefaultHold is the age after which an existing lockfile is considered
// stale and may be broken.
const DefaultHold = 90 * time.Second

// Bridge exposes the lockfile functions over a shared handle pool.
type Bridge struct {
	pool   *pool.Pool
	clk    clock.Clock
	logger pslog.Logger
}

// New constructs the lockfile capability.
func New(p *pool.Pool, clk clock.Clock, logger pslog.Logger) *Bridge {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Bridge{pool: p, clk: clk, logger: svcfields.WithSubsystem(logger, "lockfile")}
}

// Register wires the capability functions into the whitelist.
func (b *Bridge) Register(r *registry.Registry) {
	r.Register(Module, "make", b.make)
	r.Register(Module, "trylock", b.trylock)
	r.Register(Module, "release", b.release)
	r.Register(Module, "cleanup_manager", b.cleanupManager)
}

type managerState struct {
	hold    time.Duration
	watcher *fsnotify.Watcher
	logger  pslog.Logger
}

// Close stops the watcher goroutine by closing its event stream.
func (m *managerState) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}

func (m *managerState) watchLoop() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				m.logger.Warn("lockfile removed externally", "path", ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("lockfile watch error", "error", err)
		}
	}
}

type lockState struct {
	mu       sync.Mutex
	mgr      *managerState
	path     string
	released bool
}

// Close removes the lockfile from disk. It is idempotent so explicit
// release and pool eviction cannot double-fire.
func (l *lockState) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if l.mgr.watcher != nil {
		_ = l.mgr.watcher.Remove(l.path)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Bridge) make(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	hold, err := bridge.IntDefault(params, "hold", int64(DefaultHold.Seconds()))
	if err != nil {
		return nil, err
	}
	// max_age is the deprecated spelling and wins when both are sent.
	if maxAge, err := bridge.IntDefault(params, "max_age", 0); err != nil {
		return nil, err
	} else if maxAge > 0 {
		hold = maxAge
	}
	if hold <= 0 {
		return nil, fmt.Errorf("%w: hold must be positive", bridge.ErrBadParam)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create lockfile watcher: %w", err)
	}
	state := &managerState{
		hold:    time.Duration(hold) * time.Second,
		watcher: watcher,
		logger:  b.logger,
	}
	go state.watchLoop()

	id := b.pool.Create(pool.KindLockManager, state, "")
	b.logger.Debug("lock manager created", "manager_id", id, "hold", state.hold.String())
	return map[string]any{"manager_id": id, "hold": hold}, nil
}

func (b *Bridge) trylock(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	managerID, err := bridge.Str(params, "manager_id")
	if err != nil {
		return nil, err
	}
	filename, err := bridge.Str(params, "filename")
	if err != nil {
		return nil, err
	}
	pattern, err := bridge.StrDefault(params, "lockfile_pattern", "")
	if err != nil {
		return nil, err
	}
	h, err := b.pool.Get(managerID, pool.KindLockManager)
	if err != nil {
		return nil, err
	}
	mgr := h.State.(*managerState)

	path := filename + ".lock"
	if pattern != "" {
		path = strings.ReplaceAll(pattern, "%F", filename)
	}
	path = os.ExpandEnv(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lock %s: %w", filename, err)
		}
	}

	b.breakStale(path, mgr.hold)
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("could not acquire lock on %s: lock file exists", filename)
		}
		return nil, fmt.Errorf("could not acquire lock on %s: %w", filename, err)
	}
	_, werr := fd.WriteString(strconv.Itoa(os.Getpid()))
	if cerr := fd.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("could not acquire lock on %s: %w", filename, werr)
	}

	if err := mgr.watcher.Add(path); err != nil {
		b.logger.Warn("lockfile watch failed", "path", path, "error", err)
	}
	id := b.pool.Create(pool.KindLock, &lockState{mgr: mgr, path: path}, managerID)
	b.pool.Touch(managerID)
	b.logger.Debug("lock acquired", "lock_id", id, "lockfile", path)
	return map[string]any{
		"lock_id":  id,
		"filename": filename,
		"lockfile": path,
	}, nil
}

func (b *Bridge) release(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	lockID, err := bridge.Str(params, "lock_id")
	if err != nil {
		return nil, err
	}
	if _, err := b.pool.Get(lockID, pool.KindLock); err != nil {
		return nil, err
	}
	// Remove drives the state's Close, which deletes the lockfile.
	if err := b.pool.Remove(lockID); err != nil {
		return nil, err
	}
	return map[string]any{"lock_id": lockID, "released": true}, nil
}

func (b *Bridge) cleanupManager(ctx context.Context, params *dyn.Map) (map[string]any, error) {
	managerID, err := bridge.Str(params, "manager_id")
	if err != nil {
		return nil, err
	}
	if _, err := b.pool.Get(managerID, pool.KindLockManager); err != nil {
		return nil, err
	}
	released := b.pool.RemoveOwned(managerID)
	if err := b.pool.Remove(managerID); err != nil {
		return nil, err
	}
	b.logger.Debug("lock manager cleaned", "manager_id", managerID, "locks_released", released)
	return map[string]any{
		"manager_id":     managerID,
		"cleaned_up":     true,
		"locks_released": released,
	}, nil
}

// breakStale deletes path when its mtime is older than hold. Failure to
// stat or remove falls through to the exclusive create, which reports the
// conflict.
func (b *Bridge) breakStale(path string, hold time.Duration) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if age := b.clk.Now().Sub(info.ModTime()); age > hold {
		if err := os.Remove(path); err == nil {
			b.logger.Info("stale lockfile broken", "path", path, "age", age.String())
		}
	}
}
