package resp

import "strconv"

var (
	crlf     = []byte("\r\n")
	nullBulk = []byte("$-1\r\n")
	nullArr  = []byte("*-1\r\n")
)

// AppendValue appends the wire encoding of v to dst and returns the
// extended slice.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindSimpleString:
		dst = append(dst, '+')
		dst = append(dst, v.Str...)
		return append(dst, crlf...)
	case KindError:
		dst = append(dst, '-')
		dst = append(dst, v.Str...)
		return append(dst, crlf...)
	case KindInteger:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, v.Int, 10)
		return append(dst, crlf...)
	case KindBulkString:
		if v.Null {
			return append(dst, nullBulk...)
		}
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(v.Bulk)), 10)
		dst = append(dst, crlf...)
		dst = append(dst, v.Bulk...)
		return append(dst, crlf...)
	case KindArray:
		if v.Null {
			return append(dst, nullArr...)
		}
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(v.Array)), 10)
		dst = append(dst, crlf...)
		for _, e := range v.Array {
			dst = AppendValue(dst, e)
		}
		return dst
	case KindMap:
		dst = append(dst, '%')
		dst = strconv.AppendInt(dst, int64(len(v.Pairs)), 10)
		dst = append(dst, crlf...)
		for _, p := range v.Pairs {
			dst = AppendValue(dst, p[0])
			dst = AppendValue(dst, p[1])
		}
		return dst
	default:
		return dst
	}
}

// Encode returns the wire encoding of v.
func Encode(v Value) []byte {
	return AppendValue(make([]byte, 0, 64), v)
}

// AppendCommand appends argv encoded as an array of bulk strings. This is
// the representation used for commands on the wire and for log records.
func AppendCommand(dst []byte, args [][]byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, crlf...)
	for _, a := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(a)), 10)
		dst = append(dst, crlf...)
		dst = append(dst, a...)
		dst = append(dst, crlf...)
	}
	return dst
}
