// Package storage assembles the durability pipeline: the keyspace, the
// append-only log, and the snapshot files, plus the coordination state
// between them (recovery, background saves, log rewrites).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fedis/fedis-go/internal/keyspace"
	"github.com/fedis/fedis-go/internal/resp"
	"github.com/fedis/fedis-go/internal/storage/aof"
	"github.com/fedis/fedis-go/internal/storage/snapshot"
)

// ErrNoSnapshotPath reports SAVE/BGSAVE without a configured snapshot
// location.
var ErrNoSnapshotPath = errors.New("storage: snapshot path is not configured")

// Config configures the engine.
type Config struct {
	AOFPath      string
	Fsync        aof.FsyncPolicy
	SnapshotPath string // empty disables snapshots
	ShardCount   int
	Limits       resp.Limits
	Logger       *slog.Logger
	OnFatal      func(error)
}

// Engine owns the keyspace and its durability pipeline.
type Engine struct {
	ks     *keyspace.Keyspace
	log    *aof.Writer
	cfg    Config
	logger *slog.Logger

	loading atomic.Bool

	rewriteInProgress atomic.Bool
	rewriteCount      atomic.Int64
	rewriteFailCount  atomic.Int64
	lastRewriteSec    atomic.Int64

	snapshotInProgress atomic.Bool
	snapshotCount      atomic.Int64
	snapshotFailCount  atomic.Int64
	lastSnapshotSec    atomic.Int64

	// dirty counts writes since the last successful snapshot; the
	// interval snapshot loop skips quiet periods.
	dirty atomic.Int64
}

// New opens the append-only log and assembles the engine. Call Recover
// before serving traffic.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limits == (resp.Limits{}) {
		cfg.Limits = resp.DefaultLimits()
	}

	w, err := aof.Open(aof.Config{
		Path:    cfg.AOFPath,
		Policy:  cfg.Fsync,
		Logger:  cfg.Logger,
		OnFatal: cfg.OnFatal,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		ks:     keyspace.NewWithShards(cfg.ShardCount),
		log:    w,
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Keyspace returns the shared keyspace handle.
func (e *Engine) Keyspace() *keyspace.Keyspace { return e.ks }

// Loading reports whether recovery replay is still in progress.
func (e *Engine) Loading() bool { return e.loading.Load() }

// Recover rebuilds the keyspace: snapshot first (if configured and
// present), then the append-only log on top. A truncated trailing record
// is logged and dropped; anything else corrupt refuses startup.
func (e *Engine) Recover() error {
	e.loading.Store(true)
	defer e.loading.Store(false)

	start := time.Now()

	if e.cfg.SnapshotPath != "" {
		records, err := snapshot.Load(e.cfg.SnapshotPath)
		if err != nil {
			return fmt.Errorf("storage: load snapshot: %w", err)
		}
		for _, rec := range records {
			e.ks.Restore(rec.Key, rec.Val, rec.ExpiresAt)
		}
		if len(records) > 0 {
			e.logger.Info("snapshot loaded",
				"path", e.cfg.SnapshotPath, "entries", len(records))
		}
	}

	records, truncated, err := aof.ReadAll(e.cfg.AOFPath, e.cfg.Limits)
	if err != nil {
		return fmt.Errorf("storage: replay: %w", err)
	}
	if truncated {
		e.logger.Warn("append-only log has a truncated trailing record, ignoring it",
			"path", e.cfg.AOFPath)
	}
	for i, rec := range records {
		if err := e.applyRecord(rec); err != nil {
			return fmt.Errorf("storage: replay record %d: %w", i, err)
		}
	}

	e.logger.Info("recovery complete",
		"records", len(records),
		"keys", e.ks.Len(),
		"elapsed", time.Since(start))
	return nil
}

// applyRecord dispatches one replay-safe record against the keyspace.
// Deadlines in records are absolute, so replay is deterministic.
func (e *Engine) applyRecord(rec aof.Record) error {
	if len(rec) == 0 {
		return errors.New("empty record")
	}
	verb := strings.ToUpper(string(rec[0]))
	switch verb {
	case "SET":
		if len(rec) != 3 && len(rec) != 5 {
			return fmt.Errorf("malformed SET record (%d args)", len(rec))
		}
		var deadline int64
		if len(rec) == 5 {
			if !strings.EqualFold(string(rec[3]), "PXAT") {
				return fmt.Errorf("malformed SET record modifier %q", rec[3])
			}
			ms, err := strconv.ParseInt(string(rec[4]), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed SET record deadline: %w", err)
			}
			deadline = ms
		}
		e.ks.Restore(string(rec[1]), keyspace.StringValue(cloneBytes(rec[2])), deadline)
		return nil

	case "MSET":
		if len(rec) < 3 || len(rec)%2 == 0 {
			return fmt.Errorf("malformed MSET record (%d args)", len(rec))
		}
		for i := 1; i < len(rec); i += 2 {
			e.ks.Restore(string(rec[i]), keyspace.StringValue(cloneBytes(rec[i+1])), 0)
		}
		return nil

	case "DEL":
		if len(rec) < 2 {
			return errors.New("malformed DEL record")
		}
		keys := make([]string, 0, len(rec)-1)
		for _, k := range rec[1:] {
			keys = append(keys, string(k))
		}
		e.ks.Del(keys...)
		return nil

	case "PEXPIREAT":
		if len(rec) != 3 {
			return errors.New("malformed PEXPIREAT record")
		}
		ms, err := strconv.ParseInt(string(rec[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed PEXPIREAT deadline: %w", err)
		}
		e.ks.ExpireAt(string(rec[1]), ms, keyspace.ExpireAlways)
		return nil

	case "PERSIST":
		if len(rec) != 2 {
			return errors.New("malformed PERSIST record")
		}
		e.ks.Persist(string(rec[1]))
		return nil

	case "JSON.SET":
		if len(rec) != 4 {
			return errors.New("malformed JSON.SET record")
		}
		val, err := keyspace.JSONValue(cloneBytes(rec[3]))
		if err != nil {
			return fmt.Errorf("malformed JSON.SET payload: %w", err)
		}
		e.ks.Restore(string(rec[1]), val, 0)
		return nil

	default:
		return fmt.Errorf("unknown record verb %q", verb)
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// AppendRecord logs one successful write. During replay this is a no-op
// so recovered commands are not re-logged.
func (e *Engine) AppendRecord(rec aof.Record) error {
	if e.loading.Load() {
		return nil
	}
	e.dirty.Add(1)
	return e.log.Append(rec)
}

// SyncAOF flushes and fsyncs the log once, for graceful shutdown.
func (e *Engine) SyncAOF() error { return e.log.Sync() }

// AOFStats returns record and byte counters for telemetry.
func (e *Engine) AOFStats() (records, bytes int64) {
	return e.log.RecordCount(), e.log.ByteCount()
}

// Save writes a snapshot synchronously.
func (e *Engine) Save() error {
	if e.cfg.SnapshotPath == "" {
		return ErrNoSnapshotPath
	}

	dump := e.ks.Dump()
	records := make([]snapshot.Record, 0, len(dump))
	for _, entry := range dump {
		records = append(records, snapshot.Record{
			Key:       entry.Key,
			Val:       entry.Val,
			ExpiresAt: entry.ExpiresAt,
		})
	}

	if err := snapshot.Write(e.cfg.SnapshotPath, records); err != nil {
		e.snapshotFailCount.Add(1)
		return err
	}
	e.snapshotCount.Add(1)
	e.lastSnapshotSec.Store(time.Now().Unix())
	e.dirty.Store(0)
	e.logger.Info("snapshot saved", "path", e.cfg.SnapshotPath, "entries", len(records))
	return nil
}

// BgSave starts a background snapshot. Returns false when one is already
// running or snapshots are not configured.
func (e *Engine) BgSave() bool {
	if e.cfg.SnapshotPath == "" {
		return false
	}
	if !e.snapshotInProgress.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer e.snapshotInProgress.Store(false)
		if err := e.Save(); err != nil {
			e.logger.Error("background snapshot failed", "error", err)
		}
	}()
	return true
}

// SnapshotInProgress reports whether a background snapshot is running.
func (e *Engine) SnapshotInProgress() bool { return e.snapshotInProgress.Load() }

// LastSave returns the Unix seconds of the last successful snapshot.
func (e *Engine) LastSave() int64 { return e.lastSnapshotSec.Load() }

// BgRewrite starts a background log rewrite. Returns false when one is
// already in progress.
func (e *Engine) BgRewrite() bool {
	if !e.rewriteInProgress.CompareAndSwap(false, true) {
		return false
	}
	if !e.log.BeginRewrite() {
		e.rewriteInProgress.Store(false)
		return false
	}

	go func() {
		defer e.rewriteInProgress.Store(false)

		// The dump happens after capture starts, so a record can land in
		// both the dump and the side log; every record form is
		// idempotent, so replaying it twice converges.
		dump := e.ks.Dump()
		records := make([]aof.Record, 0, len(dump))
		for _, entry := range dump {
			records = append(records, rewriteRecords(entry)...)
		}

		if err := e.log.CompleteRewrite(records); err != nil {
			e.rewriteFailCount.Add(1)
			e.logger.Error("append-only log rewrite failed", "error", err)
			return
		}
		e.rewriteCount.Add(1)
		e.lastRewriteSec.Store(time.Now().Unix())
		e.logger.Info("append-only log rewritten", "entries", len(dump))
	}()
	return true
}

// RewriteInProgress reports whether a rewrite is running.
func (e *Engine) RewriteInProgress() bool { return e.rewriteInProgress.Load() }

// rewriteRecords returns the minimal record sequence recreating an entry.
func rewriteRecords(entry keyspace.DumpEntry) []aof.Record {
	key := []byte(entry.Key)
	if entry.Val.Kind == keyspace.KindJSON {
		recs := []aof.Record{{[]byte("JSON.SET"), key, []byte("$"), entry.Val.Data}}
		if entry.ExpiresAt != 0 {
			recs = append(recs, aof.Record{
				[]byte("PEXPIREAT"), key, []byte(strconv.FormatInt(entry.ExpiresAt, 10)),
			})
		}
		return recs
	}
	if entry.ExpiresAt != 0 {
		return []aof.Record{{
			[]byte("SET"), key, entry.Val.Data,
			[]byte("PXAT"), []byte(strconv.FormatInt(entry.ExpiresAt, 10)),
		}}
	}
	return []aof.Record{{[]byte("SET"), key, entry.Val.Data}}
}

// PersistenceInfo is the INFO persistence section source.
type PersistenceInfo struct {
	AOFEnabled         bool
	RewriteInProgress  bool
	RewriteCount       int64
	RewriteFailCount   int64
	LastRewriteSec     int64
	SnapshotEnabled    bool
	SnapshotInProgress bool
	SnapshotCount      int64
	SnapshotFailCount  int64
	LastSnapshotSec    int64
}

// Persistence returns a snapshot of the durability counters.
func (e *Engine) Persistence() PersistenceInfo {
	return PersistenceInfo{
		AOFEnabled:         true,
		RewriteInProgress:  e.rewriteInProgress.Load(),
		RewriteCount:       e.rewriteCount.Load(),
		RewriteFailCount:   e.rewriteFailCount.Load(),
		LastRewriteSec:     e.lastRewriteSec.Load(),
		SnapshotEnabled:    e.cfg.SnapshotPath != "",
		SnapshotInProgress: e.snapshotInProgress.Load(),
		SnapshotCount:      e.snapshotCount.Load(),
		SnapshotFailCount:  e.snapshotFailCount.Load(),
		LastSnapshotSec:    e.lastSnapshotSec.Load(),
	}
}

// RunSnapshotInterval saves a snapshot every interval while writes have
// occurred since the previous one, until ctx is done.
func (e *Engine) RunSnapshotInterval(ctx context.Context, interval time.Duration) {
	if e.cfg.SnapshotPath == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.dirty.Load() == 0 {
				continue
			}
			e.BgSave()
		}
	}
}

// Close flushes and closes the append-only log.
func (e *Engine) Close() error {
	return e.log.Close()
}
