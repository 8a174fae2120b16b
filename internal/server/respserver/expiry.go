package respserver

import (
	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
)

func (h *Handler) cmdExpire(c *Conn, args [][]byte) resp.Value {
	return h.expireWith(c, args, func(n int64) int64 { return nowMillis() + n*1000 })
}

func (h *Handler) cmdPExpire(c *Conn, args [][]byte) resp.Value {
	return h.expireWith(c, args, func(n int64) int64 { return nowMillis() + n })
}

func (h *Handler) cmdExpireAt(c *Conn, args [][]byte) resp.Value {
	return h.expireWith(c, args, func(n int64) int64 { return n * 1000 })
}

func (h *Handler) cmdPExpireAt(c *Conn, args [][]byte) resp.Value {
	return h.expireWith(c, args, func(n int64) int64 { return n })
}

// expireWith shares the EXPIRE family: parse the time argument, resolve
// it to an absolute ms deadline, apply the optional NX|XX|GT|LT flag, and
// log the resolved PEXPIREAT.
func (h *Handler) expireWith(_ *Conn, args [][]byte, toDeadline func(int64) int64) resp.Value {
	n, ok := parseI64(args[2])
	if !ok {
		return errNotInteger()
	}

	flag := keyspace.ExpireAlways
	if len(args) > 3 {
		if len(args) > 4 {
			return errSyntax()
		}
		switch upper(args[3]) {
		case "NX":
			flag = keyspace.ExpireNX
		case "XX":
			flag = keyspace.ExpireXX
		case "GT":
			flag = keyspace.ExpireGT
		case "LT":
			flag = keyspace.ExpireLT
		default:
			return errSyntax()
		}
	}

	key := string(args[1])
	deadline := toDeadline(n)
	if !h.ks.ExpireAt(key, deadline, flag) {
		return resp.Integer(0)
	}

	var errv resp.Value
	if deadline <= nowMillis() {
		// The deadline already passed, so the key was deleted.
		errv = h.appendRecord([]byte("DEL"), []byte(key))
	} else {
		errv = h.appendRecord([]byte("PEXPIREAT"), []byte(key), []byte(formatInt(deadline)))
	}
	if errv.IsError() {
		return errv
	}
	return resp.Integer(1)
}

func (h *Handler) cmdPersist(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	if !h.ks.Persist(key) {
		return resp.Integer(0)
	}
	if errv := h.appendRecord([]byte("PERSIST"), []byte(key)); errv.IsError() {
		return errv
	}
	return resp.Integer(1)
}

func (h *Handler) cmdTTL(_ *Conn, args [][]byte) resp.Value {
	ms := h.ks.PTTL(string(args[1]))
	if ms < 0 {
		return resp.Integer(ms)
	}
	return resp.Integer(ms / 1000)
}

func (h *Handler) cmdPTTL(_ *Conn, args [][]byte) resp.Value {
	return resp.Integer(h.ks.PTTL(string(args[1])))
}
