// Package snapshot reads and writes point-in-time keyspace dumps.
//
// The file format is versioned binary: an 8-byte magic, a uint32 format
// version, a uint64 entry count, then per entry a length-prefixed key, a
// value tag byte, a length-prefixed value, and the expiry deadline in
// Unix milliseconds (zero for none). All integers are big-endian. Any
// future version must keep loading version-1 files or fail loudly.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/fedis/fedis-go/internal/keyspace"
)

var magic = []byte("FEDISNAP")

const (
	// Version is the current snapshot format version.
	Version = 1

	filePerm = 0o600

	tagString byte = 0
	tagJSON   byte = 1
)

var (
	ErrInvalidMagic       = errors.New("snapshot: invalid magic bytes")
	ErrUnsupportedVersion = errors.New("snapshot: unsupported format version")
	ErrTruncated          = errors.New("snapshot: truncated file")
)

// Record is one persisted entry.
type Record struct {
	Key       string
	Val       keyspace.Value
	ExpiresAt int64
}

// Write dumps the records to path atomically: it streams to a temporary
// sibling file, fsyncs, and renames into place.
func Write(path string, records []Record) error {
	tempPath := fmt.Sprintf("%s.%s.tmp", path, ulid.Make())

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	defer os.Remove(tempPath)

	w := bufio.NewWriterSize(f, 1<<16)
	if _, err := w.Write(magic); err != nil {
		f.Close()
		return err
	}
	var u32 [4]byte
	var u64 [8]byte
	binary.BigEndian.PutUint32(u32[:], Version)
	if _, err := w.Write(u32[:]); err != nil {
		f.Close()
		return err
	}
	binary.BigEndian.PutUint64(u64[:], uint64(len(records)))
	if _, err := w.Write(u64[:]); err != nil {
		f.Close()
		return err
	}

	for _, rec := range records {
		binary.BigEndian.PutUint32(u32[:], uint32(len(rec.Key)))
		if _, err := w.Write(u32[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := w.WriteString(rec.Key); err != nil {
			f.Close()
			return err
		}
		tag := tagString
		if rec.Val.Kind == keyspace.KindJSON {
			tag = tagJSON
		}
		if err := w.WriteByte(tag); err != nil {
			f.Close()
			return err
		}
		binary.BigEndian.PutUint32(u32[:], uint32(len(rec.Val.Data)))
		if _, err := w.Write(u32[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(rec.Val.Data); err != nil {
			f.Close()
			return err
		}
		binary.BigEndian.PutUint64(u64[:], uint64(rec.ExpiresAt))
		if _, err := w.Write(u64[:]); err != nil {
			f.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing file yields no records.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<16)

	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file is treated as no snapshot.
			return nil, nil
		}
		return nil, ErrTruncated
	}
	if !bytes.Equal(header, magic) {
		return nil, ErrInvalidMagic
	}

	var u32 [4]byte
	var u64 [8]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, ErrTruncated
	}
	if v := binary.BigEndian.Uint32(u32[:]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, ErrTruncated
	}
	count := binary.BigEndian.Uint64(u64[:])

	records := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, ErrTruncated
		}
		key := make([]byte, binary.BigEndian.Uint32(u32[:]))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, ErrTruncated
		}
		tag, err := r.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		var kind keyspace.ValueKind
		switch tag {
		case tagString:
			kind = keyspace.KindString
		case tagJSON:
			kind = keyspace.KindJSON
		default:
			return nil, fmt.Errorf("snapshot: unknown value tag %d", tag)
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, ErrTruncated
		}
		value := make([]byte, binary.BigEndian.Uint32(u32[:]))
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, ErrTruncated
		}
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, ErrTruncated
		}
		records = append(records, Record{
			Key:       string(key),
			Val:       keyspace.Value{Kind: kind, Data: value},
			ExpiresAt: int64(binary.BigEndian.Uint64(u64[:])),
		})
	}

	return records, nil
}
