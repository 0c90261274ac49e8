package dyn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode parses a single JSON value, preserving object key order.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("dyn: trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			return decodeArray(dec)
		default:
			return Value{}, fmt.Errorf("dyn: unexpected delimiter %q", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Value{kind: KindNumber, num: t.String()}, nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("dyn: unexpected token %T", tok)
	}
}

func decodeObject(dec *json.Decoder) (Value, error) {
	m := NewMap()
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return FromMap(m), nil
		}
		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("dyn: object key is %T, want string", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}
		m.Set(key, v)
	}
}

func decodeArray(dec *json.Decoder) (Value, error) {
	var elems []Value
	for {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}
		if d, ok := tok.(json.Delim); ok && d == ']' {
			return Value{kind: KindList, list: elems}, nil
		}
		v, err := decodeToken(dec, tok)
		if err != nil {
			return Value{}, err
		}
		elems = append(elems, v)
	}
}
