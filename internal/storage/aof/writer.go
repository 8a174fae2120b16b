package aof

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fedis/fedis-go/internal/resp"
)

// FsyncPolicy controls when appended records reach stable storage.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncEverySec FsyncPolicy = "everysec"
	FsyncNo       FsyncPolicy = "no"
)

// ParseFsyncPolicy parses a policy name, defaulting to everysec.
func ParseFsyncPolicy(s string) (FsyncPolicy, error) {
	switch FsyncPolicy(s) {
	case "":
		return FsyncEverySec, nil
	case FsyncAlways, FsyncEverySec, FsyncNo:
		return FsyncPolicy(s), nil
	default:
		return "", fmt.Errorf("aof: fsync policy must be one of: always, everysec, no (got %q)", s)
	}
}

// Record is one logged command in argv form.
type Record [][]byte

// Default writer tuning.
const (
	DefaultQueueSize    = 1024
	DefaultFailureLimit = 10
	DefaultFilePerm     = 0o600
	syncInterval        = time.Second
)

var (
	ErrClosed             = errors.New("aof: writer is closed")
	ErrRewriteInProgress  = errors.New("aof: rewrite already in progress")
	ErrRewriteNotStarted  = errors.New("aof: rewrite not started")
)

// Config configures the Writer.
type Config struct {
	Path   string
	Policy FsyncPolicy

	// QueueSize bounds the append queue; a full queue applies
	// backpressure to the enqueuing connection.
	QueueSize int

	// FailureLimit is the consecutive write-failure count that escalates
	// to OnFatal under everysec/no.
	FailureLimit int

	Logger  *slog.Logger
	OnFatal func(error)
}

type appendReq struct {
	frame []byte
	done  chan error // non-nil only under FsyncAlways
}

// Writer appends records to the log file.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	queue  chan appendReq
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	file      *os.File
	bw        *bufio.Writer
	dirty     bool // bytes written since last fsync
	rewriting bool
	sideLog   []byte

	failures int
	closed   atomic.Bool

	recordCount atomic.Int64
	byteCount   atomic.Int64
}

// Open opens (creating if needed) the log at cfg.Path and starts the
// writer goroutine.
func Open(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("aof: path is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = DefaultFailureLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == "" {
		cfg.Policy = FsyncEverySec
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePerm)
	if err != nil {
		return nil, fmt.Errorf("aof: open: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan appendReq, cfg.QueueSize),
		stopCh: make(chan struct{}),
		file:   file,
		bw:     bufio.NewWriter(file),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Append enqueues a record. Under the always policy it returns once the
// record is fsynced; otherwise it returns as soon as the record is queued.
func (w *Writer) Append(rec Record) error {
	if w.closed.Load() {
		return ErrClosed
	}

	frame := resp.AppendCommand(nil, rec)
	req := appendReq{frame: frame}
	if w.cfg.Policy == FsyncAlways {
		req.done = make(chan error, 1)
	}

	select {
	case w.queue <- req:
	case <-w.stopCh:
		return ErrClosed
	}

	if req.done != nil {
		return <-req.done
	}
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-w.queue:
			err := w.writeFrame(req.frame, w.cfg.Policy == FsyncAlways)
			if req.done != nil {
				req.done <- err
			} else if err != nil {
				w.noteFailure(err)
			} else {
				w.failures = 0
			}

		case <-ticker.C:
			if err := w.flush(w.cfg.Policy == FsyncEverySec); err != nil {
				w.noteFailure(err)
			} else {
				w.failures = 0
			}

		case <-w.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case req := <-w.queue:
					err := w.writeFrame(req.frame, false)
					if req.done != nil {
						req.done <- err
					}
				default:
					return
				}
			}
		}
	}
}

// writeFrame writes one encoded record, mirroring it to the side log while
// a rewrite is capturing.
func (w *Writer) writeFrame(frame []byte, syncNow bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.bw.Write(frame); err != nil {
		return err
	}
	w.dirty = true
	if w.rewriting {
		w.sideLog = append(w.sideLog, frame...)
	}
	w.recordCount.Add(1)
	w.byteCount.Add(int64(len(frame)))

	if syncNow {
		return w.syncLocked()
	}
	return nil
}

func (w *Writer) flush(syncNow bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirty {
		return nil
	}
	if syncNow {
		return w.syncLocked()
	}
	return w.bw.Flush()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

func (w *Writer) noteFailure(err error) {
	w.failures++
	w.logger.Error("append-only log write failed",
		"error", err, "consecutive_failures", w.failures)
	if w.failures >= w.cfg.FailureLimit && w.cfg.OnFatal != nil {
		w.cfg.OnFatal(fmt.Errorf("aof: %d consecutive write failures: %w", w.failures, err))
	}
}

// Sync flushes buffered records and fsyncs the file. Used at graceful
// shutdown.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// RecordCount returns the number of records appended since open.
func (w *Writer) RecordCount() int64 { return w.recordCount.Load() }

// ByteCount returns the number of record bytes written since open.
func (w *Writer) ByteCount() int64 { return w.byteCount.Load() }

// Close stops the writer, draining the queue and fsyncing once.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	syncErr := w.syncLocked()
	closeErr := w.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
