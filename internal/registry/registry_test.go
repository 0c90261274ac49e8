package registry_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/scriptbridge/bridged/internal/dyn"
	"github.com/scriptbridge/bridged/internal/registry"
)

func noop(context.Context, *dyn.Map) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestAuthorizeFailClosed(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Register("database", "connect", noop)
	r.Freeze()

	if err := r.Authorize("database", "connect"); err != nil {
		t.Fatalf("registered pair denied: %v", err)
	}
	err := r.Authorize("database", "malicious_function")
	if !errors.Is(err, registry.ErrNotAllowed) {
		t.Fatalf("unknown function = %v, want ErrNotAllowed", err)
	}
	if !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("error %q missing 'not allowed' substring", err)
	}
	if err := r.Authorize("nosuchmodule", "connect"); !errors.Is(err, registry.ErrNotAllowed) {
		t.Fatalf("unknown module = %v, want ErrNotAllowed", err)
	}
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	r.Register("late", "fn", noop)
}

func TestCapabilitiesSorted(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Register("crypto", "new", noop)
	r.Register("crypto", "encrypt", noop)
	r.Register("crypto", "decrypt", noop)
	caps := r.Capabilities()
	got := caps["crypto"]
	want := []string{"decrypt", "encrypt", "new"}
	if len(got) != len(want) {
		t.Fatalf("caps = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("caps = %v, want %v", got, want)
		}
	}
}
