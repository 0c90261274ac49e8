// Package dyn models the schema-less parameter values carried by bridge
// requests: strings, numbers, booleans, null, lists, and key-order
// preserving maps. Legacy clients send arbitrarily nested structures, so
// the validator and the capability handlers both operate on this one
// tagged representation instead of per-capability structs.
package dyn

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the JSON value space.
type Value struct {
	kind Kind
	b    bool
	num  string // JSON number literal, parsed on demand
	str  string
	list []Value
	m    *Map
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an integer as a number value.
func Int(n int64) Value { return Value{kind: KindNumber, num: strconv.FormatInt(n, 10)} }

// Float wraps a float as a number value.
func Float(f float64) Value {
	return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'g', -1, 64)}
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// List wraps a slice of values.
func List(vals ...Value) Value { return Value{kind: KindList, list: vals} }

// FromMap wraps an ordered map.
func FromMap(m *Map) Value { return Value{kind: KindMap, m: m} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload when v is a string.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// BoolVal returns the boolean payload when v is a bool.
func (v Value) BoolVal() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// IntVal parses the number payload as an integer.
func (v Value) IntVal() (int64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	if n, err := strconv.ParseInt(v.num, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(v.num, 64); err == nil {
		return int64(f), true
	}
	return 0, false
}

// FloatVal parses the number payload as a float.
func (v Value) FloatVal() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.num, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ListVal returns the element slice when v is a list.
func (v Value) ListVal() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// MapVal returns the ordered map when v is a map.
func (v Value) MapVal() (*Map, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Interface converts v to the matching native Go representation. Maps
// become map[string]any and lose key order; use this only at handler
// boundaries that feed native APIs (SQL binds, HTTP headers).
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		if n, err := strconv.ParseInt(v.num, 10, 64); err == nil {
			return n
		}
		f, _ := strconv.ParseFloat(v.num, 64)
		return f
	case KindString:
		return v.str
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, v.m.Len())
		for _, k := range v.m.Keys() {
			e, _ := v.m.Get(k)
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders v back to JSON, preserving map key order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		if v.num == "" {
			return []byte("0"), nil
		}
		return []byte(v.num), nil
	case KindString:
		return json.Marshal(v.str)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		return v.m.MarshalJSON()
	default:
		return nil, fmt.Errorf("dyn: cannot marshal kind %d", v.kind)
	}
}

// Map is an insertion-ordered string-keyed map of Values.
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set inserts or replaces key. First insertion fixes the key's position.
func (m *Map) Set(key string, v Value) *Map {
	if m.vals == nil {
		m.vals = make(map[string]Value)
	}
	if _, exists := m.vals[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil || m.vals == nil {
		return Value{}, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// String fetches a string-typed entry.
func (m *Map) String(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	return v.Str()
}

// Int fetches a number-typed entry as an integer.
func (m *Map) Int(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return v.IntVal()
}

// Float fetches a number-typed entry as a float.
func (m *Map) Float(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return v.FloatVal()
}

// Bool fetches a bool-typed entry.
func (m *Map) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	return v.BoolVal()
}

// ListOf fetches a list-typed entry.
func (m *Map) ListOf(key string) ([]Value, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.ListVal()
}

// MapOf fetches a map-typed entry.
func (m *Map) MapOf(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.MapVal()
}

// MarshalJSON renders the map as a JSON object in insertion order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.keys) == 0 {
		return []byte("{}"), nil
	}
	buf := make([]byte, 0, 16*len(m.keys))
	buf = append(buf, '{')
	for i, k := range m.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := m.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON decodes a JSON object into the map, preserving key order.
func (m *Map) UnmarshalJSON(data []byte) (err error) {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	om, ok := v.MapVal()
	if !ok {
		return fmt.Errorf("dyn: expected JSON object, got %s", v.Kind())
	}
	*m = *om
	return nil
}

// UnmarshalJSON decodes arbitrary JSON into the value.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}
