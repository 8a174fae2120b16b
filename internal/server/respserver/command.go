package respserver

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedis/fedis-go/internal/auth"
	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/storage"
	"github.com/fedis/fedis-go/internal/telemetry/metric"
)

// parity constrains the argument count beyond the minimum.
type parity uint8

const (
	parityAny parity = iota
	parityEven
	parityOdd
)

// aritySpec is either an exact argument count or a minimum plus parity.
// Counts include the verb itself.
type aritySpec struct {
	n     int
	exact bool
	par   parity
}

func exactly(n int) aritySpec    { return aritySpec{n: n, exact: true} }
func atLeast(n int) aritySpec    { return aritySpec{n: n} }
func atLeastOdd(n int) aritySpec { return aritySpec{n: n, par: parityOdd} }

func (a aritySpec) ok(n int) bool {
	if a.exact {
		return n == a.n
	}
	if n < a.n {
		return false
	}
	switch a.par {
	case parityEven:
		return n%2 == 0
	case parityOdd:
		return n%2 == 1
	default:
		return true
	}
}

type handlerFunc func(h *Handler, c *Conn, args [][]byte) resp.Value

// commandSpec describes one registered verb.
type commandSpec struct {
	arity aritySpec
	write bool
	fn    handlerFunc
}

// commandTable is the static verb registry.
var commandTable map[string]commandSpec

func init() {
	commandTable = map[string]commandSpec{
		// Connection and server.
		"PING":         {arity: atLeast(1), fn: (*Handler).cmdPing},
		"ECHO":         {arity: exactly(2), fn: (*Handler).cmdEcho},
		"TIME":         {arity: exactly(1), fn: (*Handler).cmdTime},
		"AUTH":         {arity: atLeast(2), fn: (*Handler).cmdAuth},
		"HELLO":        {arity: atLeast(1), fn: (*Handler).cmdHello},
		"SELECT":       {arity: exactly(2), fn: (*Handler).cmdSelect},
		"QUIT":         {arity: exactly(1), fn: (*Handler).cmdQuit},
		"INFO":         {arity: atLeast(1), fn: (*Handler).cmdInfo},
		"SAVE":         {arity: exactly(1), fn: (*Handler).cmdSave},
		"BGSAVE":       {arity: atLeast(1), fn: (*Handler).cmdBgSave},
		"LASTSAVE":     {arity: exactly(1), fn: (*Handler).cmdLastSave},
		"BGREWRITEAOF": {arity: exactly(1), fn: (*Handler).cmdBgRewriteAOF},

		// Shims.
		"CLIENT":  {arity: atLeast(2), fn: (*Handler).cmdClient},
		"COMMAND": {arity: atLeast(1), fn: (*Handler).cmdCommand},
		"CONFIG":  {arity: atLeast(2), fn: (*Handler).cmdConfig},
		"LATENCY": {arity: atLeast(2), fn: (*Handler).cmdLatency},
		"SLOWLOG": {arity: atLeast(2), fn: (*Handler).cmdSlowlog},
		"MEMORY":  {arity: atLeast(2), fn: (*Handler).cmdMemory},
		"OBJECT":  {arity: atLeast(3), fn: (*Handler).cmdObject},
		"ACL":     {arity: atLeast(2), fn: (*Handler).cmdACL},
		"MODULE":  {arity: atLeast(2), fn: (*Handler).cmdModule},

		// String reads.
		"GET":      {arity: exactly(2), fn: (*Handler).cmdGet},
		"MGET":     {arity: atLeast(2), fn: (*Handler).cmdMGet},
		"GETRANGE": {arity: exactly(4), fn: (*Handler).cmdGetRange},
		"STRLEN":   {arity: exactly(2), fn: (*Handler).cmdStrLen},

		// String writes.
		"SET":      {arity: atLeast(3), write: true, fn: (*Handler).cmdSet},
		"SETNX":    {arity: exactly(3), write: true, fn: (*Handler).cmdSetNX},
		"SETEX":    {arity: exactly(4), write: true, fn: (*Handler).cmdSetEX},
		"PSETEX":   {arity: exactly(4), write: true, fn: (*Handler).cmdPSetEX},
		"GETSET":   {arity: exactly(3), write: true, fn: (*Handler).cmdGetSet},
		"GETDEL":   {arity: exactly(2), write: true, fn: (*Handler).cmdGetDel},
		"GETEX":    {arity: atLeast(2), write: true, fn: (*Handler).cmdGetEx},
		"APPEND":   {arity: exactly(3), write: true, fn: (*Handler).cmdAppend},
		"SETRANGE": {arity: exactly(4), write: true, fn: (*Handler).cmdSetRange},
		"UPDATE":   {arity: atLeast(3), write: true, fn: (*Handler).cmdUpdate},
		"MSET":     {arity: atLeastOdd(3), write: true, fn: (*Handler).cmdMSet},
		"MSETNX":   {arity: atLeastOdd(3), write: true, fn: (*Handler).cmdMSetNX},

		// Numeric.
		"INCR":   {arity: exactly(2), write: true, fn: (*Handler).cmdIncr},
		"DECR":   {arity: exactly(2), write: true, fn: (*Handler).cmdDecr},
		"INCRBY": {arity: exactly(3), write: true, fn: (*Handler).cmdIncrBy},
		"DECRBY": {arity: exactly(3), write: true, fn: (*Handler).cmdDecrBy},

		// Keyspace.
		"DEL":    {arity: atLeast(2), write: true, fn: (*Handler).cmdDel},
		"UNLINK": {arity: atLeast(2), write: true, fn: (*Handler).cmdDel},
		"EXISTS": {arity: atLeast(2), fn: (*Handler).cmdExists},
		"TYPE":   {arity: exactly(2), fn: (*Handler).cmdType},
		"KEYS":   {arity: exactly(2), fn: (*Handler).cmdKeys},
		"SCAN":   {arity: atLeast(2), fn: (*Handler).cmdScan},
		"DBSIZE": {arity: exactly(1), fn: (*Handler).cmdDBSize},

		// Expiry.
		"EXPIRE":    {arity: atLeast(3), write: true, fn: (*Handler).cmdExpire},
		"PEXPIRE":   {arity: atLeast(3), write: true, fn: (*Handler).cmdPExpire},
		"EXPIREAT":  {arity: atLeast(3), write: true, fn: (*Handler).cmdExpireAt},
		"PEXPIREAT": {arity: atLeast(3), write: true, fn: (*Handler).cmdPExpireAt},
		"PERSIST":   {arity: exactly(2), write: true, fn: (*Handler).cmdPersist},
		"TTL":       {arity: exactly(2), fn: (*Handler).cmdTTL},
		"PTTL":      {arity: exactly(2), fn: (*Handler).cmdPTTL},

		// JSON (root path only).
		"JSON.SET":  {arity: exactly(4), write: true, fn: (*Handler).cmdJSONSet},
		"JSON.GET":  {arity: atLeast(2), fn: (*Handler).cmdJSONGet},
		"JSON.DEL":  {arity: atLeast(2), write: true, fn: (*Handler).cmdJSONDel},
		"JSON.TYPE": {arity: atLeast(2), fn: (*Handler).cmdJSONType},
	}
}

// preAuthVerbs may run before authentication and bypass the ACL, the
// loading gate handles its own subset.
var preAuthVerbs = map[string]struct{}{
	"AUTH":    {},
	"HELLO":   {},
	"PING":    {},
	"QUIT":    {},
	"COMMAND": {},
}

// loadingVerbs may run while recovery replay is in progress.
var loadingVerbs = map[string]struct{}{
	"PING":  {},
	"INFO":  {},
	"AUTH":  {},
	"HELLO": {},
}

// Handler executes commands against the engine.
type Handler struct {
	engine  *storage.Engine
	ks      *keyspace.Keyspace
	auth    *auth.Auth
	stats   *ServerStats
	metrics *metric.Metrics
	cfg     *Config
	logger  *slog.Logger

	listenAddr string
	runID      string

	limiters *ipLimiters
}

// NewHandler creates a Handler.
func NewHandler(engine *storage.Engine, authn *auth.Auth, stats *ServerStats, metrics *metric.Metrics, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine:  engine,
		ks:      engine.Keyspace(),
		auth:    authn,
		stats:   stats,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg != nil && cfg.RateLimit > 0 {
		h.limiters = newIPLimiters(cfg.RateLimit)
	}
	return h
}

// Dispatch runs one command through the gate pipeline and returns its
// reply frame.
func (h *Handler) Dispatch(c *Conn, args [][]byte) resp.Value {
	h.stats.OnCommand()

	verb := upper(args[0])
	spec, known := commandTable[verb]
	if !known {
		return resp.Errorf("ERR unknown command '%s'", strings.ToLower(verb))
	}

	if !spec.arity.ok(len(args)) {
		return wrongArity(verb)
	}

	_, pre := preAuthVerbs[verb]
	if !pre {
		if h.auth.Required() && c.user == "" {
			return resp.Error("NOAUTH Authentication required.")
		}
		if !h.auth.CanExecute(c.user, verb) {
			return resp.Errorf("NOPERM this user has no permissions to run the '%s' command", strings.ToLower(verb))
		}
		if h.limiters != nil && !h.limiters.allow(c.remoteIP()) {
			return resp.Error("ERR rate limit exceeded")
		}
	}

	if h.engine.Loading() {
		if _, ok := loadingVerbs[verb]; !ok {
			return resp.Error("LOADING Redis is loading the dataset in memory")
		}
	}

	if spec.write && h.cfg != nil && h.cfg.MaxMemory > 0 {
		if _, _, mem := h.ks.Stats(); mem > h.cfg.MaxMemory {
			return resp.Error("OOM command not allowed when used memory > 'maxmemory'")
		}
	}

	started := time.Now()
	reply := spec.fn(h, c, args)
	elapsed := uint64(time.Since(started) / time.Microsecond)

	h.stats.Observe(verb, elapsed)
	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(verb).Inc()
		if reply.IsError() {
			h.metrics.CommandErrors.Inc()
		}
	}
	if reply.IsError() {
		h.logger.Debug("command failed",
			"client_id", c.id, "verb", verb, "error", reply.Str)
	}
	return reply
}

// appendRecord logs a successful write, surfacing persistence failures
// as -ERR only under the always policy (Append blocks there).
func (h *Handler) appendRecord(rec ...[]byte) resp.Value {
	if err := h.engine.AppendRecord(rec); err != nil {
		h.logger.Error("append to log failed", "error", err)
		return resp.Error("ERR internal persistence failure")
	}
	return resp.Value{}
}

// ipLimiters is a per-IP command rate limiter.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiters(perSecond int) *ipLimiters {
	return &ipLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    perSecond,
	}
}

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Shared helpers.

func upper(b []byte) string {
	return strings.ToUpper(string(b))
}

func wrongArity(verb string) resp.Value {
	return resp.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(verb))
}

func errNotInteger() resp.Value {
	return resp.Error("ERR value is not an integer or out of range")
}

func errSyntax() resp.Value {
	return resp.Error("ERR syntax error")
}

func errWrongType() resp.Value {
	return resp.Error("WRONGTYPE Operation against a key holding the wrong kind of value")
}

func parseI64(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}

// parseU64 accepts non-negative int64 values, matching the tolerant
// unsigned parses on the original wire surface.
func parseU64(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func formatUint(n uint64) string { return strconv.FormatUint(n, 10) }

func nowMillis() int64 { return time.Now().UnixMilli() }

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
