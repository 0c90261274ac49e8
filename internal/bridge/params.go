// Package bridge holds the pieces shared by the capability handler
// packages: parameter extraction over dyn trees and the common error
// vocabulary for missing or mistyped arguments.
package bridge

import (
	"errors"
	"fmt"

	"github.com/scriptbridge/bridged/internal/dyn"
)

// ErrBadParam marks missing or mistyped request parameters.
var ErrBadParam = errors.New("invalid parameter")

// Str extracts a required string parameter.
func Str(params *dyn.Map, key string) (string, error) {
	v, ok := params.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrBadParam, key)
	}
	s, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %s", ErrBadParam, key, v.Kind())
	}
	return s, nil
}

// StrDefault extracts an optional string parameter. A present non-string
// value is an error; absence and null yield the default.
func StrDefault(params *dyn.Map, key, def string) (string, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return def, nil
	}
	s, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %s", ErrBadParam, key, v.Kind())
	}
	return s, nil
}

// IntDefault extracts an optional integer parameter.
func IntDefault(params *dyn.Map, key string, def int64) (int64, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return def, nil
	}
	n, ok := v.IntVal()
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %s", ErrBadParam, key, v.Kind())
	}
	return n, nil
}

// FloatDefault extracts an optional float parameter.
func FloatDefault(params *dyn.Map, key string, def float64) (float64, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return def, nil
	}
	f, ok := v.FloatVal()
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %s", ErrBadParam, key, v.Kind())
	}
	return f, nil
}

// BoolDefault extracts an optional boolean parameter.
func BoolDefault(params *dyn.Map, key string, def bool) (bool, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return def, nil
	}
	b, ok := v.BoolVal()
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %s", ErrBadParam, key, v.Kind())
	}
	return b, nil
}

// ListDefault extracts an optional list parameter; absence yields nil.
func ListDefault(params *dyn.Map, key string) ([]dyn.Value, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return nil, nil
	}
	elems, ok := v.ListVal()
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list, got %s", ErrBadParam, key, v.Kind())
	}
	return elems, nil
}

// MapDefault extracts an optional object parameter; absence yields nil.
func MapDefault(params *dyn.Map, key string) (*dyn.Map, error) {
	v, ok := params.Get(key)
	if !ok || v.IsNull() {
		return nil, nil
	}
	m, ok := v.MapVal()
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object, got %s", ErrBadParam, key, v.Kind())
	}
	return m, nil
}

// Natives converts a list of dyn values to their native representations,
// for APIs that take ...any (SQL binds and the like).
func Natives(vals []dyn.Value) []any {
	if len(vals) == 0 {
		return nil
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v.Interface()
	}
	return out
}
