package respserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedis/fedis-go/internal/auth"
	"github.com/fedis/fedis-go/internal/storage"
	"github.com/fedis/fedis-go/internal/storage/aof"
)

func startTestServer(t *testing.T, users map[string]auth.User) *Server {
	t.Helper()

	dir := t.TempDir()
	engine, err := storage.New(storage.Config{
		AOFPath: filepath.Join(dir, "test.aof"),
		Fsync:   aof.FsyncAlways,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Recover())

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := New(cfg, engine, auth.New(users, "default"), nil, nil)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = engine.Close()
	})
	return srv
}

func dialServer(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, wire string) {
	t.Helper()
	_, err := conn.Write([]byte(wire))
	require.NoError(t, err)
}

func readBytes(t *testing.T, r *bufio.Reader, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestWirePing(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	assert.Equal(t, "+PONG\r\n", readBytes(t, r, 7))
}

func TestWireSetGet(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	assert.Equal(t, "$3\r\nbar\r\n", readBytes(t, r, 9))

	send(t, conn, "*2\r\n$3\r\nGET\r\n$4\r\nnope\r\n")
	assert.Equal(t, "$-1\r\n", readBytes(t, r, 5))
}

func TestWireAuthGate(t *testing.T) {
	users := map[string]auth.User{
		"default": {Name: "default", Password: "s", Enabled: true, Permissions: auth.AllPermissions()},
	}
	srv := startTestServer(t, users)
	conn, r := dialServer(t, srv)

	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	assert.Equal(t, "-NOAUTH Authentication required.\r\n", readBytes(t, r, 34))

	send(t, conn, "*2\r\n$4\r\nAUTH\r\n$1\r\ns\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	assert.Equal(t, "$-1\r\n", readBytes(t, r, 5))
}

func TestWireIncrErrors(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\n1\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$4\r\nINCR\r\n$1\r\nk\r\n")
	assert.Equal(t, ":2\r\n", readBytes(t, r, 4))

	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$8\r\nnotanint\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$4\r\nINCR\r\n$1\r\nk\r\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-ERR value is not an integer or out of range\r\n", line)
}

func TestWirePipelining(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	assert.Equal(t, "+PONG\r\n+PONG\r\n+PONG\r\n", readBytes(t, r, 21))
}

func TestWireInlineCommand(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "PING\r\n")
	assert.Equal(t, "+PONG\r\n", readBytes(t, r, 7))

	send(t, conn, "SET foo bar\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "GET foo\r\n")
	assert.Equal(t, "$3\r\nbar\r\n", readBytes(t, r, 9))
}

func TestWireEmptyBulkValue(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\ne\r\n$0\r\n\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\ne\r\n")
	assert.Equal(t, "$0\r\n\r\n", readBytes(t, r, 6))
}

func TestWireProtocolErrorClosesConnection(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*1\r\n$4\r\nPI")
	send(t, conn, "NG\r\n")
	assert.Equal(t, "+PONG\r\n", readBytes(t, r, 7), "split frames reassemble")

	send(t, conn, "*zzz\r\n")
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "ERR Protocol error")

	// The server hangs up after a protocol error.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWireQuit(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*1\r\n$4\r\nQUIT\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWireExpiryEndToEnd(t *testing.T) {
	srv := startTestServer(t, nil)
	conn, r := dialServer(t, srv)

	send(t, conn, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$2\r\n50\r\n")
	assert.Equal(t, "+OK\r\n", readBytes(t, r, 5))

	time.Sleep(80 * time.Millisecond)

	send(t, conn, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	assert.Equal(t, "$-1\r\n", readBytes(t, r, 5))

	send(t, conn, "*2\r\n$3\r\nTTL\r\n$1\r\nk\r\n")
	assert.Equal(t, ":-2\r\n", readBytes(t, r, 5))
}

func TestMaxConnectionsRejected(t *testing.T) {
	dir := t.TempDir()
	engine, err := storage.New(storage.Config{
		AOFPath: filepath.Join(dir, "test.aof"),
		Fsync:   aof.FsyncAlways,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Recover())

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MaxConnections = 1
	srv := New(cfg, engine, auth.New(nil, ""), nil, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = engine.Close()
	})

	first, r1 := dialServer(t, srv)
	send(t, first, "*1\r\n$4\r\nPING\r\n")
	require.Equal(t, "+PONG\r\n", readBytes(t, r1, 7))

	second, r2 := dialServer(t, srv)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r2.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "-ERR max number of clients reached\r\n", line)
}

func TestServerRestartRecoversState(t *testing.T) {
	dir := t.TempDir()

	open := func() (*storage.Engine, *Server) {
		engine, err := storage.New(storage.Config{
			AOFPath: filepath.Join(dir, "test.aof"),
			Fsync:   aof.FsyncAlways,
		})
		require.NoError(t, err)
		require.NoError(t, engine.Recover())

		cfg := DefaultConfig()
		cfg.Addr = "127.0.0.1:0"
		srv := New(cfg, engine, auth.New(nil, ""), nil, nil)
		require.NoError(t, srv.Start(context.Background()))
		return engine, srv
	}
	shut := func(engine *storage.Engine, srv *Server) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, engine.SyncAOF())
		require.NoError(t, engine.Close())
	}

	engine, srv := open()
	conn, r := dialServer(t, srv)
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n")
	require.Equal(t, "+OK\r\n", readBytes(t, r, 5))
	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n")
	require.Equal(t, "+OK\r\n", readBytes(t, r, 5))
	_ = conn.Close()
	shut(engine, srv)

	engine2, srv2 := open()
	defer shut(engine2, srv2)
	conn2, r2 := dialServer(t, srv2)

	send(t, conn2, "*4\r\n$4\r\nMGET\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n")
	assert.Equal(t, "*3\r\n$1\r\n1\r\n$1\r\n2\r\n$-1\r\n", readBytes(t, r2, 23))
}
