package aof

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fedis/fedis-go/internal/resp"
)

// ErrCorrupted reports damage before the final record. Unlike a truncated
// tail this refuses startup, because silently skipping history would
// diverge recovered state from what clients observed.
var ErrCorrupted = errors.New("aof: corrupted log")

// ReadAll decodes every record in the log at path. A missing file yields
// no records. truncated reports a partial trailing record (a crash
// mid-append), which callers log and ignore.
func ReadAll(path string, lim resp.Limits) (records []Record, truncated bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("aof: open: %w", err)
	}
	defer f.Close()

	r := resp.NewReader(f, lim)
	for {
		v, err := r.ReadValue()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return records, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return records, true, nil
			}
			return nil, false, fmt.Errorf("%w: record %d: %v", ErrCorrupted, len(records), err)
		}

		args, err := resp.CommandArgs(v)
		if err != nil {
			return nil, false, fmt.Errorf("%w: record %d: %v", ErrCorrupted, len(records), err)
		}
		records = append(records, Record(args))
	}
}
