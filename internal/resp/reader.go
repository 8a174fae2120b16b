package resp

import (
	"errors"
	"io"
)

const readChunk = 4096

// Reader decodes successive frames from an io.Reader through an
// accumulating buffer. It serves both live connections and log replay.
type Reader struct {
	r   io.Reader
	lim Limits
	buf []byte
	off int
}

// NewReader returns a Reader with the given limits.
func NewReader(r io.Reader, lim Limits) *Reader {
	return &Reader{r: r, lim: lim}
}

// ReadValue returns the next frame. At a clean frame boundary it returns
// io.EOF when the stream ends; a stream ending mid-frame yields
// io.ErrUnexpectedEOF so callers can tell a truncated tail from a clean end.
func (r *Reader) ReadValue() (Value, error) {
	for {
		if r.off < len(r.buf) {
			v, n, err := Decode(r.buf[r.off:], r.lim)
			if err == nil {
				r.off += n
				r.compact()
				return v, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return Value{}, err
			}
		}

		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && r.off < len(r.buf) {
				return Value{}, io.ErrUnexpectedEOF
			}
			return Value{}, err
		}
	}
}

func (r *Reader) fill() error {
	chunk := make([]byte, readChunk)
	n, err := r.r.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// compact drops consumed bytes once the buffer is fully drained, or when
// more than readChunk bytes have been consumed, to keep memory bounded under
// pipelining.
func (r *Reader) compact() {
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
		return
	}
	if r.off > readChunk {
		r.buf = append(r.buf[:0], r.buf[r.off:]...)
		r.off = 0
	}
}

// Buffered reports whether a complete or partial frame is already buffered.
func (r *Reader) Buffered() bool {
	return r.off < len(r.buf)
}
