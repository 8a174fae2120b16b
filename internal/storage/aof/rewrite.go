package aof

import (
	"bufio"
	"fmt"
	"os"

	"github.com/fedis/fedis-go/internal/resp"
)

// BeginRewrite switches the writer into capture mode: every record
// appended from now on is mirrored to an in-memory side log. The caller
// then produces a consistent keyspace dump and finishes with
// CompleteRewrite or AbortRewrite. Returns false when a rewrite is
// already capturing.
func (w *Writer) BeginRewrite() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rewriting {
		return false
	}
	w.rewriting = true
	w.sideLog = nil
	return true
}

// AbortRewrite leaves capture mode without touching the live log.
func (w *Writer) AbortRewrite() {
	w.mu.Lock()
	w.rewriting = false
	w.sideLog = nil
	w.mu.Unlock()
}

// CompleteRewrite writes the minimal record sequence to a temporary file,
// appends every record captured since BeginRewrite, fsyncs, atomically
// renames over the live log, and switches the writer handle. On error the
// live log is left untouched.
func (w *Writer) CompleteRewrite(records []Record) (err error) {
	w.mu.Lock()
	if !w.rewriting {
		w.mu.Unlock()
		return ErrRewriteNotStarted
	}
	w.mu.Unlock()

	defer func() {
		if err != nil {
			w.AbortRewrite()
		}
	}()

	tempPath := w.cfg.Path + ".rewrite"
	temp, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("aof: create rewrite file: %w", err)
	}
	defer os.Remove(tempPath)

	tw := bufio.NewWriterSize(temp, 1<<16)
	var frame []byte
	for _, rec := range records {
		frame = resp.AppendCommand(frame[:0], rec)
		if _, err := tw.Write(frame); err != nil {
			temp.Close()
			return fmt.Errorf("aof: write rewrite record: %w", err)
		}
	}

	// Freeze the side log and swap under the writer lock so no record can
	// slip between the capture and the rename.
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := tw.Write(w.sideLog); err != nil {
		temp.Close()
		return fmt.Errorf("aof: write side log: %w", err)
	}
	if err := tw.Flush(); err != nil {
		temp.Close()
		return fmt.Errorf("aof: flush rewrite file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("aof: sync rewrite file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("aof: close rewrite file: %w", err)
	}

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("aof: flush live log: %w", err)
	}
	if err := os.Rename(tempPath, w.cfg.Path); err != nil {
		return fmt.Errorf("aof: rename rewrite file: %w", err)
	}

	replacement, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("aof: reopen after rewrite: %w", err)
	}
	w.file.Close()
	w.file = replacement
	w.bw = bufio.NewWriter(replacement)
	w.dirty = false
	w.rewriting = false
	w.sideLog = nil
	return nil
}
