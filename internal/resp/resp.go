package resp

import (
	"bytes"
	"errors"
	"fmt"
)

// Protocol limits. Violations are protocol errors and cost the client its
// connection.
const (
	// DefaultMaxArrayLen limits the number of elements in a RESP array.
	DefaultMaxArrayLen = 1 << 20

	// DefaultMaxBulkLen limits the size of a single bulk string (8MB).
	DefaultMaxBulkLen = 8 << 20

	// DefaultMaxLineLen limits header and inline command lines (4KB).
	DefaultMaxLineLen = 4 * 1024

	// maxDepth bounds array nesting.
	maxDepth = 32
)

var (
	// ErrIncomplete reports that the buffer does not yet hold a full frame.
	ErrIncomplete = errors.New("resp: incomplete frame")

	ErrProtocol      = errors.New("resp: protocol error")
	ErrLimitExceeded = errors.New("resp: limit exceeded")
)

// Limits bounds decoder resource usage per frame.
type Limits struct {
	MaxArrayLen int
	MaxBulkLen  int
	MaxLineLen  int
}

// DefaultLimits returns the default decoder limits.
func DefaultLimits() Limits {
	return Limits{
		MaxArrayLen: DefaultMaxArrayLen,
		MaxBulkLen:  DefaultMaxBulkLen,
		MaxLineLen:  DefaultMaxLineLen,
	}
}

// Kind identifies a RESP frame type. The values are the wire type markers.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'
	KindMap          Kind = '%'
)

// Value is one decoded or to-be-encoded RESP frame.
type Value struct {
	Kind  Kind
	Str   string     // SimpleString, Error
	Int   int64      // Integer
	Bulk  []byte     // BulkString payload
	Null  bool       // nil bulk string or nil array
	Array []Value    // Array elements
	Pairs [][2]Value // Map entries, encode-only (HELLO 3)
}

// SimpleString returns a "+..." frame.
func SimpleString(s string) Value { return Value{Kind: KindSimpleString, Str: s} }

// Error returns a "-..." frame.
func Error(s string) Value { return Value{Kind: KindError, Str: s} }

// Errorf returns a formatted "-..." frame.
func Errorf(format string, args ...any) Value {
	return Value{Kind: KindError, Str: fmt.Sprintf(format, args...)}
}

// Integer returns a ":..." frame.
func Integer(n int64) Value { return Value{Kind: KindInteger, Int: n} }

// Bulk returns a bulk string frame. A nil slice encodes as the null bulk.
func Bulk(b []byte) Value {
	if b == nil {
		return NullBulk()
	}
	return Value{Kind: KindBulkString, Bulk: b}
}

// BulkString returns a bulk string frame from a string.
func BulkString(s string) Value { return Value{Kind: KindBulkString, Bulk: []byte(s)} }

// NullBulk returns the "$-1" frame.
func NullBulk() Value { return Value{Kind: KindBulkString, Null: true} }

// Array returns an array frame.
func Array(vs ...Value) Value { return Value{Kind: KindArray, Array: vs} }

// NullArray returns the "*-1" frame.
func NullArray() Value { return Value{Kind: KindArray, Null: true} }

// Map returns a RESP3 map frame.
func Map(pairs ...[2]Value) Value { return Value{Kind: KindMap, Pairs: pairs} }

// IsError reports whether the frame is an error reply.
func (v Value) IsError() bool { return v.Kind == KindError }

// Decode parses the first complete frame from buf and returns it together
// with the number of bytes it occupied. It returns ErrIncomplete when buf
// ends mid-frame; the caller keeps accumulating and retries. buf is never
// mutated and the returned Value does not alias it.
func Decode(buf []byte, lim Limits) (Value, int, error) {
	return decode(buf, lim, 0)
}

func decode(buf []byte, lim Limits, depth int) (Value, int, error) {
	if depth > maxDepth {
		return Value{}, 0, fmt.Errorf("%w: nesting too deep", ErrLimitExceeded)
	}
	if len(buf) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	switch buf[0] {
	case '+', '-', ':':
		line, n, err := readLine(buf[1:], lim.MaxLineLen)
		if err != nil {
			return Value{}, 0, err
		}
		switch buf[0] {
		case '+':
			return Value{Kind: KindSimpleString, Str: string(line)}, 1 + n, nil
		case '-':
			return Value{Kind: KindError, Str: string(line)}, 1 + n, nil
		default:
			i, err := parseInt(line)
			if err != nil {
				return Value{}, 0, err
			}
			return Value{Kind: KindInteger, Int: i}, 1 + n, nil
		}

	case '$':
		line, n, err := readLine(buf[1:], lim.MaxLineLen)
		if err != nil {
			return Value{}, 0, err
		}
		length, err := parseInt(line)
		if err != nil {
			return Value{}, 0, err
		}
		consumed := 1 + n
		if length == -1 {
			return NullBulk(), consumed, nil
		}
		if length < 0 {
			return Value{}, 0, fmt.Errorf("%w: invalid bulk length", ErrProtocol)
		}
		if length > int64(lim.MaxBulkLen) {
			return Value{}, 0, fmt.Errorf("%w: bulk length %d exceeds limit %d", ErrLimitExceeded, length, lim.MaxBulkLen)
		}
		rest := buf[consumed:]
		if int64(len(rest)) < length+2 {
			return Value{}, 0, ErrIncomplete
		}
		if rest[length] != '\r' || rest[length+1] != '\n' {
			return Value{}, 0, fmt.Errorf("%w: invalid bulk terminator", ErrProtocol)
		}
		payload := make([]byte, length)
		copy(payload, rest[:length])
		return Value{Kind: KindBulkString, Bulk: payload}, consumed + int(length) + 2, nil

	case '*':
		line, n, err := readLine(buf[1:], lim.MaxLineLen)
		if err != nil {
			return Value{}, 0, err
		}
		count, err := parseInt(line)
		if err != nil {
			return Value{}, 0, err
		}
		consumed := 1 + n
		if count == -1 {
			return NullArray(), consumed, nil
		}
		if count < 0 {
			return Value{}, 0, fmt.Errorf("%w: invalid array length", ErrProtocol)
		}
		if count > int64(lim.MaxArrayLen) {
			return Value{}, 0, fmt.Errorf("%w: array length %d exceeds limit %d", ErrLimitExceeded, count, lim.MaxArrayLen)
		}
		elems := make([]Value, 0, min(count, 64))
		for i := int64(0); i < count; i++ {
			v, n, err := decode(buf[consumed:], lim, depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			elems = append(elems, v)
			consumed += n
		}
		return Value{Kind: KindArray, Array: elems}, consumed, nil

	default:
		return decodeInline(buf, lim)
	}
}

// decodeInline parses a legacy inline command: whitespace-separated words
// terminated by CRLF, surfaced as an array of bulk strings. A blank line
// decodes to an empty array, which the dispatcher skips.
func decodeInline(buf []byte, lim Limits) (Value, int, error) {
	line, n, err := readLine(buf, lim.MaxLineLen)
	if err != nil {
		return Value{}, 0, err
	}
	fields := bytes.Fields(line)
	elems := make([]Value, 0, len(fields))
	for _, f := range fields {
		b := make([]byte, len(f))
		copy(b, f)
		elems = append(elems, Value{Kind: KindBulkString, Bulk: b})
	}
	return Value{Kind: KindArray, Array: elems}, n, nil
}

// readLine returns the bytes before the next CRLF and the count consumed
// including the terminator.
func readLine(buf []byte, maxLen int) ([]byte, int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(buf) > maxLen {
			return nil, 0, fmt.Errorf("%w: line exceeds %d bytes", ErrLimitExceeded, maxLen)
		}
		return nil, 0, ErrIncomplete
	}
	if idx > maxLen {
		return nil, 0, fmt.Errorf("%w: line exceeds %d bytes", ErrLimitExceeded, maxLen)
	}
	if idx == 0 || buf[idx-1] != '\r' {
		return nil, 0, fmt.Errorf("%w: missing CR before LF", ErrProtocol)
	}
	return buf[:idx-1], idx + 1, nil
}

// parseInt parses a strict ASCII decimal: optional leading '-', digits only,
// bounded to int64. Leading '+' and whitespace are rejected.
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty integer", ErrProtocol)
	}
	neg := false
	if b[0] == '-' {
		neg = true
		b = b[1:]
		if len(b) == 0 {
			return 0, fmt.Errorf("%w: bare minus sign", ErrProtocol)
		}
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: invalid integer", ErrProtocol)
		}
		d := int64(c - '0')
		if n > (1<<63-1-d)/10 {
			return 0, fmt.Errorf("%w: integer out of range", ErrProtocol)
		}
		n = n*10 + d
	}
	if neg {
		return -n, nil
	}
	return n, nil
}

// CommandArgs converts a decoded command frame into argv form. Command
// frames are arrays whose elements are bulk or simple strings.
func CommandArgs(v Value) ([][]byte, error) {
	if v.Kind != KindArray || v.Null {
		return nil, fmt.Errorf("%w: expected array command frame", ErrProtocol)
	}
	args := make([][]byte, 0, len(v.Array))
	for _, item := range v.Array {
		switch {
		case item.Kind == KindBulkString && !item.Null:
			args = append(args, item.Bulk)
		case item.Kind == KindSimpleString:
			args = append(args, []byte(item.Str))
		default:
			return nil, fmt.Errorf("%w: command must be bulk-string array", ErrProtocol)
		}
	}
	return args, nil
}
