package respserver

import (
	"errors"

	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
)

func (h *Handler) cmdGet(_ *Conn, args [][]byte) resp.Value {
	v, ok := h.ks.Get(string(args[1]))
	if !ok {
		return resp.NullBulk()
	}
	if v.Kind != keyspace.KindString {
		return errWrongType()
	}
	return resp.Bulk(v.Data)
}

func (h *Handler) cmdMGet(_ *Conn, args [][]byte) resp.Value {
	values := make([]resp.Value, 0, len(args)-1)
	for _, key := range args[1:] {
		v, ok := h.ks.Get(string(key))
		if !ok || v.Kind != keyspace.KindString {
			// Wrong-type keys read as nil, matching MGET's leniency.
			values = append(values, resp.NullBulk())
			continue
		}
		values = append(values, resp.Bulk(v.Data))
	}
	return resp.Array(values...)
}

func (h *Handler) cmdStrLen(_ *Conn, args [][]byte) resp.Value {
	v, ok := h.ks.Get(string(args[1]))
	if !ok {
		return resp.Integer(0)
	}
	if v.Kind != keyspace.KindString {
		return errWrongType()
	}
	return resp.Integer(int64(len(v.Data)))
}

func (h *Handler) cmdGetRange(_ *Conn, args [][]byte) resp.Value {
	start, ok := parseI64(args[2])
	if !ok {
		return errNotInteger()
	}
	end, ok := parseI64(args[3])
	if !ok {
		return errNotInteger()
	}
	out, err := h.ks.GetRange(string(args[1]), start, end)
	if err != nil {
		return errWrongType()
	}
	if out == nil {
		out = []byte{}
	}
	return resp.Bulk(out)
}

// cmdSet implements SET with the EX/PX/EXAT/PXAT/NX/XX/KEEPTTL/GET
// modifiers. Conflicting modifiers are syntax errors.
func (h *Handler) cmdSet(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	value := cloneArg(args[2])

	opts := keyspace.SetOptions{}
	sawTTL := false
	sawCond := false
	now := nowMillis()

	for i := 3; i < len(args); {
		switch upper(args[i]) {
		case "EX", "PX", "EXAT", "PXAT":
			if sawTTL || opts.KeepTTL {
				return errSyntax()
			}
			if i+1 >= len(args) {
				return errSyntax()
			}
			n, ok := parseU64(args[i+1])
			if !ok {
				return errNotInteger()
			}
			switch upper(args[i]) {
			case "EX":
				opts.ExpiresAt = now + n*1000
			case "PX":
				opts.ExpiresAt = now + n
			case "EXAT":
				opts.ExpiresAt = n * 1000
			case "PXAT":
				opts.ExpiresAt = n
			}
			sawTTL = true
			i += 2
		case "KEEPTTL":
			if sawTTL {
				return errSyntax()
			}
			opts.KeepTTL = true
			i++
		case "NX":
			if sawCond {
				return errSyntax()
			}
			opts.Cond = keyspace.CondNX
			sawCond = true
			i++
		case "XX":
			if sawCond {
				return errSyntax()
			}
			opts.Cond = keyspace.CondXX
			sawCond = true
			i++
		case "GET":
			opts.GetPrev = true
			i++
		default:
			return errSyntax()
		}
	}

	res, err := h.ks.Set(key, keyspace.StringValue(value), opts)
	if err != nil {
		return errWrongType()
	}

	if res.Did {
		if errv := h.appendSetRecord(key, value, res.ExpiresAt); errv.IsError() {
			return errv
		}
	}

	if opts.GetPrev {
		if !res.PrevOK {
			return resp.NullBulk()
		}
		return resp.Bulk(res.Prev.Data)
	}
	if !res.Did {
		return resp.NullBulk()
	}
	return resp.SimpleString("OK")
}

// appendSetRecord logs the replay-safe form of a completed string write.
func (h *Handler) appendSetRecord(key string, value []byte, expiresAt int64) resp.Value {
	if expiresAt != 0 {
		return h.appendRecord([]byte("SET"), []byte(key), value,
			[]byte("PXAT"), []byte(formatInt(expiresAt)))
	}
	return h.appendRecord([]byte("SET"), []byte(key), value)
}

func (h *Handler) cmdSetNX(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	value := cloneArg(args[2])
	res, err := h.ks.Set(key, keyspace.StringValue(value), keyspace.SetOptions{Cond: keyspace.CondNX})
	if err != nil {
		return errWrongType()
	}
	if !res.Did {
		return resp.Integer(0)
	}
	if errv := h.appendSetRecord(key, value, 0); errv.IsError() {
		return errv
	}
	return resp.Integer(1)
}

func (h *Handler) cmdSetEX(c *Conn, args [][]byte) resp.Value {
	return h.setWithTTL(c, args, true)
}

func (h *Handler) cmdPSetEX(c *Conn, args [][]byte) resp.Value {
	return h.setWithTTL(c, args, false)
}

func (h *Handler) setWithTTL(_ *Conn, args [][]byte, seconds bool) resp.Value {
	n, ok := parseU64(args[2])
	if !ok {
		return errNotInteger()
	}
	deadline := nowMillis() + n
	if seconds {
		deadline = nowMillis() + n*1000
	}
	key := string(args[1])
	value := cloneArg(args[3])
	if _, err := h.ks.Set(key, keyspace.StringValue(value), keyspace.SetOptions{ExpiresAt: deadline}); err != nil {
		return errWrongType()
	}
	if errv := h.appendSetRecord(key, value, deadline); errv.IsError() {
		return errv
	}
	return resp.SimpleString("OK")
}

// cmdUpdate stores only when the key already exists, with optional EX/PX.
func (h *Handler) cmdUpdate(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	value := cloneArg(args[2])

	var deadline int64
	sawTTL := false
	now := nowMillis()
	for i := 3; i < len(args); {
		switch upper(args[i]) {
		case "EX", "PX":
			if sawTTL || i+1 >= len(args) {
				return errSyntax()
			}
			n, ok := parseU64(args[i+1])
			if !ok {
				return errNotInteger()
			}
			if upper(args[i]) == "EX" {
				deadline = now + n*1000
			} else {
				deadline = now + n
			}
			sawTTL = true
			i += 2
		default:
			return errSyntax()
		}
	}

	res, err := h.ks.Set(key, keyspace.StringValue(value), keyspace.SetOptions{
		Cond:      keyspace.CondXX,
		ExpiresAt: deadline,
	})
	if err != nil {
		return errWrongType()
	}
	if !res.Did {
		return resp.NullBulk()
	}
	if errv := h.appendSetRecord(key, value, res.ExpiresAt); errv.IsError() {
		return errv
	}
	return resp.SimpleString("OK")
}

func (h *Handler) cmdGetSet(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	value := cloneArg(args[2])
	prev, existed, err := h.ks.GetSet(key, keyspace.StringValue(value))
	if err != nil {
		return errWrongType()
	}
	if errv := h.appendSetRecord(key, value, 0); errv.IsError() {
		return errv
	}
	if !existed {
		return resp.NullBulk()
	}
	return resp.Bulk(prev.Data)
}

func (h *Handler) cmdGetDel(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	v, ok, err := h.ks.GetDel(key)
	if err != nil {
		return errWrongType()
	}
	if !ok {
		return resp.NullBulk()
	}
	if errv := h.appendRecord([]byte("DEL"), []byte(key)); errv.IsError() {
		return errv
	}
	return resp.Bulk(v.Data)
}

func (h *Handler) cmdGetEx(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])

	mode := keyspace.TTLNone
	var deadline int64
	if len(args) > 2 {
		switch upper(args[2]) {
		case "EX", "PX", "EXAT", "PXAT":
			if len(args) != 4 {
				return errSyntax()
			}
			n, ok := parseU64(args[3])
			if !ok {
				return errNotInteger()
			}
			now := nowMillis()
			switch upper(args[2]) {
			case "EX":
				deadline = now + n*1000
			case "PX":
				deadline = now + n
			case "EXAT":
				deadline = n * 1000
			case "PXAT":
				deadline = n
			}
			mode = keyspace.TTLSet
		case "PERSIST":
			if len(args) != 3 {
				return errSyntax()
			}
			mode = keyspace.TTLPersist
		default:
			return errSyntax()
		}
	}

	v, ok, changed, err := h.ks.GetEx(key, mode, deadline)
	if err != nil {
		return errWrongType()
	}
	if !ok {
		return resp.NullBulk()
	}
	if changed {
		var errv resp.Value
		if mode == keyspace.TTLPersist {
			errv = h.appendRecord([]byte("PERSIST"), []byte(key))
		} else {
			errv = h.appendRecord([]byte("PEXPIREAT"), []byte(key), []byte(formatInt(deadline)))
		}
		if errv.IsError() {
			return errv
		}
	}
	return resp.Bulk(v.Data)
}

func (h *Handler) cmdAppend(_ *Conn, args [][]byte) resp.Value {
	key := string(args[1])
	next, expiresAt, err := h.ks.Append(key, args[2])
	if err != nil {
		return errWrongType()
	}
	if errv := h.appendSetRecord(key, next, expiresAt); errv.IsError() {
		return errv
	}
	return resp.Integer(int64(len(next)))
}

func (h *Handler) cmdSetRange(_ *Conn, args [][]byte) resp.Value {
	offset, ok := parseU64(args[2])
	if !ok {
		return errNotInteger()
	}
	key := string(args[1])
	next, expiresAt, err := h.ks.SetRange(key, int(offset), args[3])
	if err != nil {
		return errWrongType()
	}
	if errv := h.appendSetRecord(key, next, expiresAt); errv.IsError() {
		return errv
	}
	return resp.Integer(int64(len(next)))
}

func (h *Handler) cmdMSet(_ *Conn, args [][]byte) resp.Value {
	pairs := make([]keyspace.KV, 0, (len(args)-1)/2)
	for i := 1; i < len(args); i += 2 {
		pairs = append(pairs, keyspace.KV{
			Key: string(args[i]),
			Val: keyspace.StringValue(cloneArg(args[i+1])),
		})
	}
	h.ks.MSet(pairs)

	rec := make([][]byte, 0, len(args))
	rec = append(rec, []byte("MSET"))
	for i := 1; i < len(args); i++ {
		rec = append(rec, cloneArg(args[i]))
	}
	if errv := h.appendRecord(rec...); errv.IsError() {
		return errv
	}
	return resp.SimpleString("OK")
}

func (h *Handler) cmdMSetNX(_ *Conn, args [][]byte) resp.Value {
	pairs := make([]keyspace.KV, 0, (len(args)-1)/2)
	for i := 1; i < len(args); i += 2 {
		pairs = append(pairs, keyspace.KV{
			Key: string(args[i]),
			Val: keyspace.StringValue(cloneArg(args[i+1])),
		})
	}
	if !h.ks.MSetNX(pairs) {
		return resp.Integer(0)
	}

	rec := make([][]byte, 0, len(args))
	rec = append(rec, []byte("MSET"))
	for i := 1; i < len(args); i++ {
		rec = append(rec, cloneArg(args[i]))
	}
	if errv := h.appendRecord(rec...); errv.IsError() {
		return errv
	}
	return resp.Integer(1)
}

func (h *Handler) cmdIncr(c *Conn, args [][]byte) resp.Value {
	return h.incrBy(c, args, 1)
}

func (h *Handler) cmdDecr(c *Conn, args [][]byte) resp.Value {
	return h.incrBy(c, args, -1)
}

func (h *Handler) cmdIncrBy(c *Conn, args [][]byte) resp.Value {
	by, ok := parseI64(args[2])
	if !ok {
		return errNotInteger()
	}
	return h.incrBy(c, args, by)
}

func (h *Handler) cmdDecrBy(c *Conn, args [][]byte) resp.Value {
	by, ok := parseI64(args[2])
	if !ok {
		return errNotInteger()
	}
	if by == -(1<<63 - 1) - 1 {
		return errNotInteger()
	}
	return h.incrBy(c, args, -by)
}

func (h *Handler) incrBy(_ *Conn, args [][]byte, by int64) resp.Value {
	key := string(args[1])
	next, expiresAt, err := h.ks.IncrBy(key, by)
	switch {
	case errors.Is(err, keyspace.ErrWrongType):
		return errWrongType()
	case errors.Is(err, keyspace.ErrNotInteger), errors.Is(err, keyspace.ErrOverflow):
		return errNotInteger()
	case err != nil:
		return resp.Error("ERR internal error")
	}
	if errv := h.appendSetRecord(key, []byte(formatInt(next)), expiresAt); errv.IsError() {
		return errv
	}
	return resp.Integer(next)
}

// cloneArg copies an argument so stored values never alias a request
// frame.
func cloneArg(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
