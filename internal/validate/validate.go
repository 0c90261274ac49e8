// Package validate enforces generic shape limits on request parameters
// before any handler runs. The checks are capability-agnostic: they bound
// string lengths, collection sizes, nesting depth, and the flattened
// parameter count, nothing else.
package validate

import (
	"errors"
	"fmt"

	"github.com/scriptbridge/bridged/internal/dyn"
)

// ErrRejected marks inputs that exceed the configured shape limits.
var ErrRejected = errors.New("request shape limit exceeded")

// Default shape limits, matching the bridge's legacy transport bounds.
const (
	DefaultMaxStringLen     = 1 << 20 // 1 MiB per string
	DefaultMaxCollectionLen = 10_000
	DefaultMaxDepth         = 32
	DefaultMaxParams        = 50_000
)

// Limits bounds the shape of an incoming parameter tree.
type Limits struct {
	MaxStringLen     int
	MaxCollectionLen int
	MaxDepth         int
	MaxParams        int
}

// DefaultLimits returns the standard limit set.
func DefaultLimits() Limits {
	return Limits{
		MaxStringLen:     DefaultMaxStringLen,
		MaxCollectionLen: DefaultMaxCollectionLen,
		MaxDepth:         DefaultMaxDepth,
		MaxParams:        DefaultMaxParams,
	}
}

// Check walks params and returns a wrapped ErrRejected naming the first
// violated limit. A nil params tree always passes. Check has no side
// effects and never mutates the tree.
func (l Limits) Check(params *dyn.Map) error {
	if params == nil {
		return nil
	}
	w := walker{limits: l}
	return w.visitMap(params, 1)
}

type walker struct {
	limits Limits
	count  int
}

func (w *walker) bump() error {
	w.count++
	if w.limits.MaxParams > 0 && w.count > w.limits.MaxParams {
		return fmt.Errorf("%w: flattened parameter count exceeds %d", ErrRejected, w.limits.MaxParams)
	}
	return nil
}

func (w *walker) visitMap(m *dyn.Map, depth int) error {
	if w.limits.MaxDepth > 0 && depth > w.limits.MaxDepth {
		return fmt.Errorf("%w: nesting depth exceeds %d", ErrRejected, w.limits.MaxDepth)
	}
	if w.limits.MaxCollectionLen > 0 && m.Len() > w.limits.MaxCollectionLen {
		return fmt.Errorf("%w: mapping of %d entries exceeds %d", ErrRejected, m.Len(), w.limits.MaxCollectionLen)
	}
	for _, key := range m.Keys() {
		if err := w.bump(); err != nil {
			return err
		}
		if w.limits.MaxStringLen > 0 && len(key) > w.limits.MaxStringLen {
			return fmt.Errorf("%w: key of %d bytes exceeds %d", ErrRejected, len(key), w.limits.MaxStringLen)
		}
		v, _ := m.Get(key)
		if err := w.visitValue(v, depth); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visitValue(v dyn.Value, depth int) error {
	switch v.Kind() {
	case dyn.KindString:
		s, _ := v.Str()
		if w.limits.MaxStringLen > 0 && len(s) > w.limits.MaxStringLen {
			return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrRejected, len(s), w.limits.MaxStringLen)
		}
	case dyn.KindList:
		elems, _ := v.ListVal()
		if w.limits.MaxDepth > 0 && depth+1 > w.limits.MaxDepth {
			return fmt.Errorf("%w: nesting depth exceeds %d", ErrRejected, w.limits.MaxDepth)
		}
		if w.limits.MaxCollectionLen > 0 && len(elems) > w.limits.MaxCollectionLen {
			return fmt.Errorf("%w: list of %d elements exceeds %d", ErrRejected, len(elems), w.limits.MaxCollectionLen)
		}
		for _, e := range elems {
			if err := w.bump(); err != nil {
				return err
			}
			if err := w.visitValue(e, depth+1); err != nil {
				return err
			}
		}
	case dyn.KindMap:
		m, _ := v.MapVal()
		return w.visitMap(m, depth+1)
	}
	return nil
}
