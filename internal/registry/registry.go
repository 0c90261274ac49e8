// Package registry holds the closed-world capability whitelist. A
// (module, function) pair absent from the registry is denied; there is no
// wildcard and no fallback. The registry is populated once during daemon
// startup and frozen before the listener accepts traffic, so lookups run
// without locking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/scriptbridge/bridged/internal/dyn"
)

// ErrNotAllowed marks authorization failures. Clients match on the
// "not allowed" substring, so it must survive wrapping verbatim.
var ErrNotAllowed = errors.New("not allowed")

// HandlerFunc executes one capability operation. Params may be nil when the
// client sent none.
type HandlerFunc func(ctx context.Context, params *dyn.Map) (map[string]any, error)

// Registry maps (module, function) pairs to handler implementations.
type Registry struct {
	modules map[string]map[string]HandlerFunc
	frozen  bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{modules: make(map[string]map[string]HandlerFunc)}
}

// Register adds a handler for module.function. It panics after Freeze or on
// duplicate registration; both are wiring bugs, not runtime conditions.
func (r *Registry) Register(module, function string, fn HandlerFunc) {
	if r.frozen {
		panic(fmt.Sprintf("registry: register %s.%s after freeze", module, function))
	}
	if fn == nil {
		panic(fmt.Sprintf("registry: nil handler for %s.%s", module, function))
	}
	funcs, ok := r.modules[module]
	if !ok {
		funcs = make(map[string]HandlerFunc)
		r.modules[module] = funcs
	}
	if _, dup := funcs[function]; dup {
		panic(fmt.Sprintf("registry: duplicate handler for %s.%s", module, function))
	}
	funcs[function] = fn
}

// Freeze closes the registry against further registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Authorize reports whether module.function may execute. Denials are
// fail-closed: unknown modules and unknown functions are equally rejected.
func (r *Registry) Authorize(module, function string) error {
	if funcs, ok := r.modules[module]; ok {
		if _, ok := funcs[function]; ok {
			return nil
		}
	}
	return fmt.Errorf("%s.%s is %w by daemon whitelist", module, function, ErrNotAllowed)
}

// Lookup returns the handler for module.function, authorizing on the way.
func (r *Registry) Lookup(module, function string) (HandlerFunc, error) {
	if err := r.Authorize(module, function); err != nil {
		return nil, err
	}
	return r.modules[module][function], nil
}

// Capabilities lists registered functions per module, sorted for stable
// introspection output.
func (r *Registry) Capabilities() map[string][]string {
	out := make(map[string][]string, len(r.modules))
	for module, funcs := range r.modules {
		names := make([]string, 0, len(funcs))
		for name := range funcs {
			names = append(names, name)
		}
		sort.Strings(names)
		out[module] = names
	}
	return out
}
