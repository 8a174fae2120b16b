package respserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fedis/fedis-go/internal/auth"
	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
)

const serverVersion = "7.2.0-fedis"

func (h *Handler) cmdPing(_ *Conn, args [][]byte) resp.Value {
	if len(args) > 2 {
		return wrongArity("PING")
	}
	if len(args) == 2 {
		return resp.Bulk(cloneArg(args[1]))
	}
	return resp.SimpleString("PONG")
}

func (h *Handler) cmdEcho(_ *Conn, args [][]byte) resp.Value {
	return resp.Bulk(cloneArg(args[1]))
}

func (h *Handler) cmdTime(_ *Conn, _ [][]byte) resp.Value {
	now := time.Now()
	return resp.Array(
		resp.BulkString(formatInt(now.Unix())),
		resp.BulkString(formatInt(int64(now.Nanosecond()/1000))),
	)
}

func (h *Handler) cmdSelect(_ *Conn, args [][]byte) resp.Value {
	db, ok := parseU64(args[1])
	if !ok {
		return errNotInteger()
	}
	if db != 0 {
		return resp.Error("ERR DB index is out of range")
	}
	return resp.SimpleString("OK")
}

func (h *Handler) cmdQuit(c *Conn, _ [][]byte) resp.Value {
	c.closeAfterReply = true
	return resp.SimpleString("OK")
}

func (h *Handler) cmdAuth(c *Conn, args [][]byte) resp.Value {
	var username, password string
	switch len(args) {
	case 2:
		password = string(args[1])
	case 3:
		username = string(args[1])
		password = string(args[2])
	default:
		return wrongArity("AUTH")
	}

	user, err := h.auth.Authenticate(username, password)
	if err != nil {
		return authErrorReply(err)
	}
	c.user = user
	return resp.SimpleString("OK")
}

func authErrorReply(err error) resp.Value {
	if errors.Is(err, auth.ErrNoPassword) {
		return resp.Error("ERR Client sent AUTH, but no password is set. Did you mean AUTH <username> <password>?")
	}
	return resp.Error("WRONGPASS invalid username-password pair or user is disabled")
}

// cmdHello negotiates the protocol version and optionally authenticates.
// Only the HELLO 3 reply itself uses the RESP3 map shape.
func (h *Handler) cmdHello(c *Conn, args [][]byte) resp.Value {
	proto := int64(c.proto)
	if len(args) > 1 {
		n, ok := parseI64(args[1])
		if !ok {
			return resp.Error("ERR Protocol version is not an integer or out of range")
		}
		if n != 2 && n != 3 {
			return resp.Error("NOPROTO unsupported protocol version")
		}
		proto = n
	}

	for i := 2; i < len(args); {
		switch upper(args[i]) {
		case "AUTH":
			if i+2 >= len(args) {
				return resp.Error("ERR Syntax error in HELLO option AUTH")
			}
			user, err := h.auth.Authenticate(string(args[i+1]), string(args[i+2]))
			if err != nil {
				return authErrorReply(err)
			}
			c.user = user
			i += 3
		case "SETNAME":
			if i+1 >= len(args) {
				return resp.Error("ERR Syntax error in HELLO option SETNAME")
			}
			c.name = string(args[i+1])
			i += 2
		default:
			return resp.Error("ERR Syntax error in HELLO option")
		}
	}

	if h.auth.Required() && c.user == "" {
		return resp.Error("NOAUTH HELLO must be called with the client already authenticated, otherwise the HELLO <proto> AUTH <user> <pass> option can be used to authenticate the client and select the RESP protocol version at the same time")
	}

	c.proto = int(proto)

	pairs := [][2]resp.Value{
		{resp.BulkString("server"), resp.BulkString("redis")},
		{resp.BulkString("version"), resp.BulkString(serverVersion)},
		{resp.BulkString("proto"), resp.Integer(proto)},
		{resp.BulkString("id"), resp.Integer(int64(c.id))},
		{resp.BulkString("mode"), resp.BulkString("standalone")},
		{resp.BulkString("role"), resp.BulkString("master")},
		{resp.BulkString("modules"), resp.Array()},
	}
	if proto == 3 {
		return resp.Map(pairs...)
	}
	flat := make([]resp.Value, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	return resp.Array(flat...)
}

func (h *Handler) cmdSave(_ *Conn, _ [][]byte) resp.Value {
	if err := h.engine.Save(); err != nil {
		return resp.Errorf("ERR %v", err)
	}
	return resp.SimpleString("OK")
}

func (h *Handler) cmdBgSave(_ *Conn, _ [][]byte) resp.Value {
	if !h.engine.BgSave() {
		if h.engine.SnapshotInProgress() {
			return resp.Error("BUSY Background save already in progress")
		}
		return resp.Errorf("ERR %v", errSnapshotUnconfigured)
	}
	return resp.SimpleString("Background saving started")
}

var errSnapshotUnconfigured = errors.New("snapshot path is not configured")

func (h *Handler) cmdLastSave(_ *Conn, _ [][]byte) resp.Value {
	return resp.Integer(h.engine.LastSave())
}

func (h *Handler) cmdBgRewriteAOF(_ *Conn, _ [][]byte) resp.Value {
	if !h.engine.BgRewrite() {
		return resp.Error("BUSY Background append only file rewriting already in progress")
	}
	return resp.SimpleString("Background append only file rewriting started")
}

func (h *Handler) cmdClient(c *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "SETNAME":
		if len(args) != 3 {
			return wrongArity("CLIENT|SETNAME")
		}
		c.name = string(args[2])
		return resp.SimpleString("OK")
	case "GETNAME":
		if len(args) != 2 {
			return wrongArity("CLIENT|GETNAME")
		}
		if c.name == "" {
			return resp.NullBulk()
		}
		return resp.BulkString(c.name)
	case "ID":
		return resp.Integer(int64(c.id))
	case "SETINFO":
		if len(args) != 4 {
			return wrongArity("CLIENT|SETINFO")
		}
		return resp.SimpleString("OK")
	case "LIST", "INFO":
		line := fmt.Sprintf(
			"id=%d addr=%s laddr=%s fd=0 name=%s age=0 idle=0 flags=N db=0 sub=0 psub=0 ssub=0 multi=-1 qbuf=0 qbuf-free=0 argv-mem=0 obl=0 oll=0 omem=0 tot-mem=0 events=r cmd=client user=%s redir=-1 resp=%d",
			c.id, c.RemoteAddr(), h.listenAddr, c.name, h.userOrDefault(c), c.proto,
		)
		return resp.BulkString(line)
	case "PAUSE", "UNPAUSE", "TRACKING", "NO-EVICT", "NO-TOUCH":
		return resp.SimpleString("OK")
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) userOrDefault(c *Conn) string {
	if c.user != "" {
		return c.user
	}
	return h.auth.DefaultUserName()
}

func (h *Handler) cmdCommand(_ *Conn, args [][]byte) resp.Value {
	if len(args) == 1 {
		return resp.Array()
	}
	sub := upper(args[1])
	switch sub {
	case "COUNT":
		return resp.Integer(int64(len(commandTable)))
	case "INFO":
		out := make([]resp.Value, 0, len(args)-2)
		for range args[2:] {
			out = append(out, resp.NullBulk())
		}
		return resp.Array(out...)
	case "DOCS":
		return resp.Array()
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdConfig(_ *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "GET":
		if len(args) != 3 {
			return wrongArity("CONFIG|GET")
		}
		pattern := strings.ToLower(string(args[2]))
		known := [][2]string{
			{"databases", "1"},
			{"appendonly", "yes"},
			{"appendfsync", h.cfg.FsyncPolicy},
			{"timeout", formatInt(int64(h.cfg.IdleTimeout / time.Second))},
			{"maxmemory", formatInt(h.cfg.MaxMemory)},
			{"maxclients", formatInt(int64(h.cfg.MaxConnections))},
			{"save", ""},
		}
		var out []resp.Value
		for _, kv := range known {
			if keyspace.GlobMatch([]byte(pattern), []byte(kv[0])) {
				out = append(out, resp.BulkString(kv[0]), resp.BulkString(kv[1]))
			}
		}
		return resp.Array(out...)
	case "SET":
		return resp.Error("ERR CONFIG SET is disabled in fedis")
	case "RESETSTAT":
		h.stats.Reset()
		return resp.SimpleString("OK")
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdLatency(_ *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "LATEST", "DOCTOR", "HISTOGRAM", "GRAPH", "HELP", "RESET", "HISTORY":
		return resp.Array()
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdSlowlog(_ *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "GET":
		return resp.Array()
	case "LEN":
		return resp.Integer(0)
	case "RESET":
		return resp.SimpleString("OK")
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdMemory(_ *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "USAGE":
		if len(args) < 3 {
			return wrongArity("MEMORY|USAGE")
		}
		bytes, ok := h.ks.MemoryUsage(string(args[2]))
		if !ok {
			return resp.NullBulk()
		}
		return resp.Integer(bytes)
	case "STATS":
		_, _, mem := h.ks.Stats()
		return resp.Array(
			resp.BulkString("peak.allocated"), resp.Integer(mem),
			resp.BulkString("total.allocated"), resp.Integer(mem),
		)
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdObject(_ *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "ENCODING":
		v, ok := h.ks.Get(string(args[2]))
		if !ok {
			return resp.NullBulk()
		}
		return resp.BulkString(objectEncoding(v))
	case "IDLETIME", "FREQ", "REFCOUNT":
		if _, ok := h.ks.Get(string(args[2])); !ok {
			return resp.NullBulk()
		}
		return resp.Integer(0)
	default:
		return unknownSubcommand(sub)
	}
}

func objectEncoding(v keyspace.Value) string {
	if v.Kind == keyspace.KindJSON {
		return "json"
	}
	if _, ok := parseI64(v.Data); ok {
		return "int"
	}
	return "raw"
}

func (h *Handler) cmdACL(c *Conn, args [][]byte) resp.Value {
	sub := upper(args[1])
	switch sub {
	case "WHOAMI":
		return resp.BulkString(h.userOrDefault(c))
	case "LIST":
		users := h.auth.Users()
		if len(users) == 0 {
			return resp.Array(resp.BulkString("user default on nopass ~* +@all"))
		}
		out := make([]resp.Value, 0, len(users))
		for _, name := range users {
			out = append(out, resp.BulkString("user "+name+" on ~* +@all"))
		}
		return resp.Array(out...)
	default:
		return unknownSubcommand(sub)
	}
}

func (h *Handler) cmdModule(_ *Conn, args [][]byte) resp.Value {
	if upper(args[1]) != "LIST" {
		return unknownSubcommand(upper(args[1]))
	}
	return resp.Array()
}

func unknownSubcommand(sub string) resp.Value {
	return resp.Errorf("ERR unknown subcommand '%s'", strings.ToLower(sub))
}
