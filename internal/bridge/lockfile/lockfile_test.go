package lockfile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scriptbridge/bridged/internal/bridge/lockfile"
	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/pool"
	"github.com/scriptbridge/bridged/internal/registry"
)

func newBridge(t *testing.T) (*pool.Pool, *registry.Registry) {
	t.Helper()
	p := pool.New(nil, nil)
	reg := registry.New()
	lockfile.New(p, nil, nil).Register(reg)
	reg.Freeze()
	return p, reg
}

func call(t *testing.T, reg *registry.Registry, function string, params *dyn.Map) map[string]any {
	t.Helper()
	result, err := callErr(reg, function, params)
	if err != nil {
		t.Fatalf("%s: %v", function, err)
	}
	return result
}

func callErr(reg *registry.Registry, function string, params *dyn.Map) (map[string]any, error) {
	fn, err := reg.Lookup(lockfile.Module, function)
	if err != nil {
		return nil, err
	}
	return fn(context.Background(), params)
}

func makeManager(t *testing.T, reg *registry.Registry, hold int64) string {
	t.Helper()
	result := call(t, reg, "make", dyn.NewMap().Set("hold", dyn.Int(hold)))
	return result["manager_id"].(string)
}

func TestTrylockReleaseCycle(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	managerID := makeManager(t, reg, 90)
	target := filepath.Join(t.TempDir(), "data.txt")

	acquired := call(t, reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String(target)))
	lockID := acquired["lock_id"].(string)
	lockPath := acquired["lockfile"].(string)
	if lockPath != target+".lock" {
		t.Fatalf("lockfile = %s", lockPath)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lockfile missing: %v", err)
	}

	_, err := callErr(reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String(target)))
	if err == nil || !strings.Contains(err.Error(), "lock file exists") {
		t.Fatalf("double lock err = %v", err)
	}

	released := call(t, reg, "release", dyn.NewMap().Set("lock_id", dyn.String(lockID)))
	if released["released"].(bool) != true {
		t.Fatalf("release result = %v", released)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("lockfile survives release: %v", err)
	}

	// Re-acquire after release must succeed.
	call(t, reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String(target)))
}

func TestLockfilePattern(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	managerID := makeManager(t, reg, 90)
	dir := t.TempDir()

	acquired := call(t, reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String("job42")).
		Set("lockfile_pattern", dyn.String(filepath.Join(dir, "%F.lck"))))
	if got, want := acquired["lockfile"].(string), filepath.Join(dir, "job42.lck"); got != want {
		t.Fatalf("lockfile = %s, want %s", got, want)
	}
}

func TestStaleLockIsBroken(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	managerID := makeManager(t, reg, 60)
	target := filepath.Join(t.TempDir(), "stale.txt")
	lockPath := target + ".lock"

	if err := os.WriteFile(lockPath, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	acquired := call(t, reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String(target)))
	if acquired["lock_id"].(string) == "" {
		t.Fatal("stale lock not broken")
	}
}

func TestFreshLockIsNotBroken(t *testing.T) {
	t.Parallel()

	_, reg := newBridge(t)
	managerID := makeManager(t, reg, 3600)
	target := filepath.Join(t.TempDir(), "fresh.txt")
	if err := os.WriteFile(target+".lock", []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := callErr(reg, "trylock", dyn.NewMap().
		Set("manager_id", dyn.String(managerID)).
		Set("filename", dyn.String(target))); err == nil {
		t.Fatal("fresh foreign lock was broken")
	}
}

func TestCleanupManagerReleasesAllLocks(t *testing.T) {
	t.Parallel()

	p, reg := newBridge(t)
	managerID := makeManager(t, reg, 90)
	dir := t.TempDir()

	var lockPaths []string
	for _, name := range []string{"a", "b", "c"} {
		acquired := call(t, reg, "trylock", dyn.NewMap().
			Set("manager_id", dyn.String(managerID)).
			Set("filename", dyn.String(filepath.Join(dir, name))))
		lockPaths = append(lockPaths, acquired["lockfile"].(string))
	}

	result := call(t, reg, "cleanup_manager", dyn.NewMap().Set("manager_id", dyn.String(managerID)))
	if result["locks_released"].(int) != 3 {
		t.Fatalf("locks_released = %v", result["locks_released"])
	}
	for _, path := range lockPaths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("lockfile %s survives cleanup", path)
		}
	}
	if p.Stats().Total != 0 {
		t.Fatalf("pool holds %d handles after cleanup", p.Stats().Total)
	}
}
