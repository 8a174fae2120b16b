package respserver

import (
	"bytes"

	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
)

// The JSON commands support the root path only.

func isRootPath(p []byte) bool {
	return bytes.Equal(p, []byte("$")) || bytes.Equal(p, []byte("."))
}

func (h *Handler) cmdJSONSet(_ *Conn, args [][]byte) resp.Value {
	if !isRootPath(args[2]) {
		return resp.Error("ERR only root path is supported")
	}
	val, err := keyspace.JSONValue(cloneArg(args[3]))
	if err != nil {
		return resp.Error("ERR invalid JSON")
	}
	key := string(args[1])
	if _, err := h.ks.Set(key, val, keyspace.SetOptions{}); err != nil {
		return errWrongType()
	}
	if errv := h.appendRecord([]byte("JSON.SET"), []byte(key), []byte("$"), val.Data); errv.IsError() {
		return errv
	}
	return resp.SimpleString("OK")
}

func (h *Handler) cmdJSONGet(_ *Conn, args [][]byte) resp.Value {
	if len(args) > 3 {
		return wrongArity("JSON.GET")
	}
	if len(args) == 3 && !isRootPath(args[2]) {
		return resp.Error("ERR only root path is supported")
	}
	v, ok := h.ks.Get(string(args[1]))
	if !ok {
		return resp.NullBulk()
	}
	if v.Kind != keyspace.KindJSON {
		return errWrongType()
	}
	return resp.Bulk(v.Data)
}

func (h *Handler) cmdJSONDel(_ *Conn, args [][]byte) resp.Value {
	if len(args) > 3 {
		return wrongArity("JSON.DEL")
	}
	if len(args) == 3 && !isRootPath(args[2]) {
		return resp.Error("ERR only root path is supported")
	}
	key := string(args[1])
	v, ok := h.ks.Get(key)
	if !ok || v.Kind != keyspace.KindJSON {
		return resp.Integer(0)
	}
	removed := h.ks.Del(key)
	if removed > 0 {
		if errv := h.appendRecord([]byte("DEL"), []byte(key)); errv.IsError() {
			return errv
		}
	}
	return resp.Integer(removed)
}

func (h *Handler) cmdJSONType(_ *Conn, args [][]byte) resp.Value {
	if len(args) > 3 {
		return wrongArity("JSON.TYPE")
	}
	if len(args) == 3 && !isRootPath(args[2]) {
		return resp.Error("ERR only root path is supported")
	}
	v, ok := h.ks.Get(string(args[1]))
	if !ok || v.Kind != keyspace.KindJSON {
		return resp.NullBulk()
	}
	return resp.BulkString(v.JSONTypeName())
}
