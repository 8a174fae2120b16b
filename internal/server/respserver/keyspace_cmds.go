package respserver

import (
	"strconv"
	"strings"

	"github.com/fedis/fedis-go/internal/resp"
)

func (h *Handler) cmdDel(_ *Conn, args [][]byte) resp.Value {
	keys := make([]string, 0, len(args)-1)
	for _, k := range args[1:] {
		keys = append(keys, string(k))
	}
	removed := h.ks.Del(keys...)
	if removed > 0 {
		rec := make([][]byte, 0, len(args))
		rec = append(rec, []byte("DEL"))
		for _, k := range args[1:] {
			rec = append(rec, cloneArg(k))
		}
		if errv := h.appendRecord(rec...); errv.IsError() {
			return errv
		}
	}
	return resp.Integer(removed)
}

func (h *Handler) cmdExists(_ *Conn, args [][]byte) resp.Value {
	keys := make([]string, 0, len(args)-1)
	for _, k := range args[1:] {
		keys = append(keys, string(k))
	}
	return resp.Integer(h.ks.Exists(keys...))
}

func (h *Handler) cmdType(_ *Conn, args [][]byte) resp.Value {
	return resp.SimpleString(h.ks.Type(string(args[1])))
}

func (h *Handler) cmdKeys(_ *Conn, args [][]byte) resp.Value {
	keys := h.ks.Keys(args[1])
	out := make([]resp.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, resp.BulkString(k))
	}
	return resp.Array(out...)
}

func (h *Handler) cmdScan(_ *Conn, args [][]byte) resp.Value {
	cursor, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return resp.Error("ERR invalid cursor")
	}

	pattern := []byte("*")
	count := 10
	typeFilter := ""
	for i := 2; i < len(args); {
		switch upper(args[i]) {
		case "MATCH":
			if i+1 >= len(args) {
				return errSyntax()
			}
			pattern = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return errSyntax()
			}
			n, ok := parseU64(args[i+1])
			if !ok || n == 0 {
				return errNotInteger()
			}
			count = int(n)
			i += 2
		case "TYPE":
			if i+1 >= len(args) {
				return errSyntax()
			}
			typeFilter = strings.ToLower(string(args[i+1]))
			i += 2
		default:
			return errSyntax()
		}
	}

	next, keys := h.ks.Scan(cursor, pattern, count, typeFilter)
	batch := make([]resp.Value, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, resp.BulkString(k))
	}
	return resp.Array(
		resp.BulkString(strconv.FormatUint(next, 10)),
		resp.Array(batch...),
	)
}

func (h *Handler) cmdDBSize(_ *Conn, _ [][]byte) resp.Value {
	return resp.Integer(h.ks.DBSize())
}
