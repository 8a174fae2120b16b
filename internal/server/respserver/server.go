package respserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fedis/fedis-go/internal/auth"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/storage"
	"github.com/fedis/fedis-go/internal/telemetry/metric"
)

// Config holds the server configuration.
type Config struct {
	Addr string

	// MaxConnections rejects accepts beyond the limit with an error reply.
	MaxConnections int
	// MaxRequestSize caps decoder buffer growth per request.
	MaxRequestSize int
	// MaxMemory is a soft cap; writes beyond it fail with -OOM. 0 = off.
	MaxMemory int64
	// IdleTimeout closes connections idle beyond it. 0 = no timeout.
	IdleTimeout time.Duration
	// RateLimit is commands per second per client IP. 0 = off.
	RateLimit int

	// FsyncPolicy names the engine's append policy for CONFIG GET.
	FsyncPolicy string

	// NonRedisMode plus DebugResponseIDs wraps every reply in a
	// ["RID", <n>, reply] envelope.
	NonRedisMode     bool
	DebugResponseIDs bool
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:6379",
		MaxConnections: 10000,
		MaxRequestSize: resp.DefaultMaxBulkLen,
		IdleTimeout:    5 * time.Minute,
		FsyncPolicy:    "everysec",
	}
}

// Server is the RESP protocol server.
type Server struct {
	cfg     *Config
	handler *Handler
	stats   *ServerStats
	logger  *slog.Logger
	metrics *metric.Metrics

	runID string

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup

	nextClientID atomic.Uint64

	connMu sync.Mutex
	conns  map[*Conn]struct{}
}

// New creates a server over the given engine and authenticator.
func New(cfg *Config, engine *storage.Engine, authn *auth.Auth, metrics *metric.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		stats:   NewServerStats(),
		logger:  logger,
		metrics: metrics,
		runID:   strings.ToLower(ulid.Make().String()),
		conns:   make(map[*Conn]struct{}),
	}
	s.handler = NewHandler(engine, authn, s.stats, metrics, cfg, logger)
	s.handler.runID = s.runID
	return s
}

// Stats exposes the server counters.
func (s *Server) Stats() *ServerStats { return s.stats }

// Addr returns the bound listen address, once Start has returned.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)
	s.handler.listenAddr = ln.Addr().String()

	s.logger.Info("server started", "addr", ln.Addr().String(), "run_id", s.runID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		if s.cfg.MaxConnections > 0 && s.stats.ConnectedClients() >= int64(s.cfg.MaxConnections) {
			_, _ = c.Write([]byte("-ERR max number of clients reached\r\n"))
			_ = c.Close()
			continue
		}

		conn := newConn(c, s.nextClientID.Add(1), s.limits())
		s.trackConn(conn, true)
		s.stats.OnConnect()
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
			s.metrics.ConnectedClients.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
			s.trackConn(conn, false)
			s.stats.OnDisconnect()
			if s.metrics != nil {
				s.metrics.ConnectedClients.Dec()
			}
		}()
	}
}

func (s *Server) limits() resp.Limits {
	lim := resp.DefaultLimits()
	if s.cfg.MaxRequestSize > 0 {
		lim.MaxBulkLen = s.cfg.MaxRequestSize
	}
	return lim
}

func (s *Server) trackConn(c *Conn, add bool) {
	s.connMu.Lock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
	s.connMu.Unlock()
}

func (s *Server) serveConn(c *Conn) {
	defer c.Close()

	peer := c.RemoteAddr().String()
	s.logger.Debug("client connected", "client_id", c.id, "peer", peer)
	defer s.logger.Debug("client disconnected", "client_id", c.id, "peer", peer)

	for {
		if s.cfg.IdleTimeout > 0 {
			if err := c.netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				return
			}
		}

		frame, err := c.reader.ReadValue()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("connection idle timeout", "client_id", c.id, "peer", peer)
				return
			}
			if errors.Is(err, resp.ErrProtocol) || errors.Is(err, resp.ErrLimitExceeded) {
				// Protocol damage poisons the stream: reply and hang up.
				s.logger.Warn("protocol error", "client_id", c.id, "peer", peer, "error", err)
				_, _ = c.netConn.Write(resp.Encode(resp.Errorf("ERR Protocol error: %v", err)))
			}
			return
		}

		args, err := resp.CommandArgs(frame)
		if err != nil {
			c.requestID++
			if werr := s.writeReply(c, resp.Error("ERR command must be an array of bulk strings")); werr != nil {
				return
			}
			continue
		}
		if len(args) == 0 {
			// Blank inline line.
			continue
		}

		c.requestID++
		reply := s.handler.Dispatch(c, args)

		if err := s.writeReply(c, reply); err != nil {
			return
		}
		if c.closeAfterReply {
			return
		}
	}
}

// writeReply encodes the reply (with the debug envelope when enabled)
// and flushes it. Every reply is flushed on its own, including replies to
// pipelined requests.
func (s *Server) writeReply(c *Conn, reply resp.Value) error {
	if s.cfg.NonRedisMode && s.cfg.DebugResponseIDs {
		reply = resp.Array(
			resp.SimpleString("RID"),
			resp.BulkString(formatUint(c.requestID)),
			reply,
		)
	}

	if _, err := c.bw.Write(resp.Encode(reply)); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Shutdown stops accepting, interrupts idle reads, and waits for
// connection goroutines to drain in-flight commands.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)

	var firstErr error
	if s.ln != nil {
		if err := s.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.netConn.SetReadDeadline(time.Now())
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force remaining sockets closed past the deadline.
		s.connMu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
	return firstErr
}
