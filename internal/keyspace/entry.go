package keyspace

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ValueKind tags the variant stored under a key.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindJSON
)

// Value is the tagged payload of an entry.
type Value struct {
	Kind ValueKind
	Data []byte
}

// StringValue wraps raw bytes as a string value.
func StringValue(b []byte) Value { return Value{Kind: KindString, Data: b} }

// JSONValue wraps a validated JSON document as a JSON value.
func JSONValue(raw []byte) (Value, error) {
	if !json.Valid(raw) {
		return Value{}, ErrInvalidJSON
	}
	return Value{Kind: KindJSON, Data: raw}, nil
}

// TypeName returns the TYPE command name for the value.
func (v Value) TypeName() string {
	if v.Kind == KindJSON {
		return "json"
	}
	return "string"
}

// JSONTypeName returns the JSON.TYPE name for a JSON value's root.
func (v Value) JSONTypeName() string {
	trimmed := bytes.TrimLeft(v.Data, " \t\r\n")
	if len(trimmed) == 0 {
		return "null"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

// Entry pairs a value with its expiry deadline in Unix milliseconds.
// A zero deadline means the entry never expires.
type Entry struct {
	Val       Value
	ExpiresAt int64
}

func (e Entry) expired(now int64) bool {
	return e.ExpiresAt != 0 && e.ExpiresAt <= now
}

var (
	ErrNotInteger  = errors.New("keyspace: value is not an integer")
	ErrOverflow    = errors.New("keyspace: increment or decrement would overflow")
	ErrWrongType   = errors.New("keyspace: operation against a key holding the wrong kind of value")
	ErrInvalidJSON = errors.New("keyspace: invalid JSON document")
)
