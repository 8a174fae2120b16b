package storage

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/storage/aof"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := New(Config{
		AOFPath:      filepath.Join(dir, "test.aof"),
		Fsync:        aof.FsyncAlways,
		SnapshotPath: filepath.Join(dir, "test.snapshot"),
	})
	require.NoError(t, err)
	return e
}

func rec(args ...string) aof.Record {
	out := make(aof.Record, 0, len(args))
	for _, a := range args {
		out = append(out, []byte(a))
	}
	return out
}

// write applies a record to the keyspace and logs it, the way the
// command layer does on a successful write.
func write(t *testing.T, e *Engine, r aof.Record) {
	t.Helper()
	require.NoError(t, e.applyRecord(r))
	require.NoError(t, e.AppendRecord(r))
}

func TestRecoverFromLogAlone(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	write(t, e, rec("SET", "a", "1"))
	write(t, e, rec("SET", "b", "2"))
	write(t, e, rec("DEL", "a"))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	require.NoError(t, e2.Recover())
	defer e2.Close()

	_, ok := e2.Keyspace().Get("a")
	assert.False(t, ok)
	v, ok := e2.Keyspace().Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v.Data)
}

func TestRecoverSnapshotPlusTail(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	write(t, e, rec("SET", "k", "v1"))
	require.NoError(t, e.Save())
	write(t, e, rec("SET", "k", "v2"))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	require.NoError(t, e2.Recover())
	defer e2.Close()

	// The log replays on top of the snapshot, so the newest write wins.
	v, ok := e2.Keyspace().Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v.Data)
}

func TestRecoveryIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	deadline := time.Now().UnixMilli() + 3_600_000

	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	write(t, e, rec("SET", "a", "1"))
	write(t, e, rec("SET", "b", "2", "PXAT", formatMillis(deadline)))
	write(t, e, rec("MSET", "c", "3", "d", "4"))
	write(t, e, rec("PEXPIREAT", "a", formatMillis(deadline)))
	write(t, e, rec("PERSIST", "a"))
	write(t, e, rec("JSON.SET", "doc", "$", `{"n":1}`))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	require.NoError(t, e2.Recover())
	defer e2.Close()
	ks := e2.Keyspace()

	v, ok := ks.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v.Data)
	assert.Equal(t, int64(-1), ks.PTTL("a"), "PERSIST must replay")

	assert.Greater(t, ks.PTTL("b"), int64(0), "absolute deadline must replay")

	for key, want := range map[string]string{"c": "3", "d": "4"} {
		v, ok := ks.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, []byte(want), v.Data)
	}

	doc, ok := ks.Get("doc")
	require.True(t, ok)
	assert.Equal(t, keyspace.KindJSON, doc.Kind)
}

func TestReplayDropsExpiredDeadlines(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	write(t, e, rec("SET", "gone", "v", "PXAT", "1"))
	write(t, e, rec("SET", "kept", "v"))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	require.NoError(t, e2.Recover())
	defer e2.Close()

	_, ok := e2.Keyspace().Get("gone")
	assert.False(t, ok)
	_, ok = e2.Keyspace().Get("kept")
	assert.True(t, ok)
}

func TestNoRecordsDuringLoading(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	defer e.Close()

	e.loading.Store(true)
	require.NoError(t, e.AppendRecord(rec("SET", "a", "1")))
	e.loading.Store(false)

	records, _ := e.AOFStats()
	assert.Zero(t, records, "replay must not re-log records")
}

func TestUnknownRecordVerbFailsRecovery(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	require.NoError(t, e.AppendRecord(rec("FROB", "x")))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	defer e2.Close()
	assert.Error(t, e2.Recover())
}

func TestBgSaveSingleFlight(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())
	defer e.Close()

	write(t, e, rec("SET", "a", "1"))

	started := e.BgSave()
	assert.True(t, started)
	// Wait for it to settle; the in-progress flag clears and LASTSAVE is set.
	require.Eventually(t, func() bool { return !e.SnapshotInProgress() },
		2*time.Second, 10*time.Millisecond)
	assert.Greater(t, e.LastSave(), int64(0))

	// While a save is in progress, another one is refused.
	e.snapshotInProgress.Store(true)
	assert.False(t, e.BgSave())
	e.snapshotInProgress.Store(false)
}

func TestBgRewriteCompacts(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	require.NoError(t, e.Recover())

	for i := 0; i < 20; i++ {
		write(t, e, rec("SET", "k", "v"))
	}
	write(t, e, rec("SET", "other", "x"))

	require.True(t, e.BgRewrite())
	require.Eventually(t, func() bool { return !e.RewriteInProgress() },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Close())

	// 21 logged writes collapse to one record per live key.
	records, _, err := aof.ReadAll(filepath.Join(dir, "test.aof"), resp.DefaultLimits())
	require.NoError(t, err)
	assert.Len(t, records, 2)

	e2 := newTestEngine(t, dir)
	require.NoError(t, e2.Recover())
	defer e2.Close()

	v, ok := e2.Keyspace().Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v.Data)
	v, ok = e2.Keyspace().Get("other")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v.Data)
}

func formatMillis(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
