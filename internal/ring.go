package internal

import (
	"errors"
	"io"
)

var (
	errRingBufferFull = errors.New("lknet/ring: buffer full")
	errRingDiscard    = errors.New("lknet/ring: discard exceeds buffered")
)

// ErrRingBufferFull is returned by [Ring.Write] when no byte could be written.
var ErrRingBufferFull = errRingBufferFull

// Ring is a fixed capacity circular byte buffer. Data is appended at the tail
// with Write, may be copied out from any offset with ReadAt without being
// consumed, and is released from the head with Discard.
//
// The zero value is an empty buffer of zero capacity; set Buf before use.
type Ring struct {
	// Buf stores the data. Its length is the capacity of the Ring.
	Buf []byte
	// Off indexes the first readable byte in Buf.
	Off int
	// N is the amount of readable bytes starting at Off.
	N int
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns amount of bytes stored in the ring buffer.
func (r *Ring) Buffered() int { return r.N }

// Free returns amount of bytes that can be written before the buffer is full.
func (r *Ring) Free() int { return len(r.Buf) - r.N }

// Reset flushes all data from ring buffer.
func (r *Ring) Reset() {
	r.Off = 0
	r.N = 0
}

// Write appends as much of b as fits into the buffer and returns the amount written.
// [ErrRingBufferFull] is returned only if b is not empty and nothing could be written.
func (r *Ring) Write(b []byte) (int, error) {
	free := r.Free()
	if len(b) == 0 {
		return 0, nil
	} else if free == 0 {
		return 0, errRingBufferFull
	}
	b = b[:min(len(b), free)]
	end := r.Off + r.N
	if end >= len(r.Buf) {
		end -= len(r.Buf)
	}
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		n += copy(r.Buf, b[n:])
	}
	r.N += n
	return n, nil
}

// ReadAt copies len(p) bytes starting at offset off from the head of the buffer
// without consuming them. [io.ErrUnexpectedEOF] is returned if the range
// extends beyond the buffered data.
func (r *Ring) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(r.N) {
		return 0, io.ErrUnexpectedEOF
	}
	start := r.Off + int(off)
	if start >= len(r.Buf) {
		start -= len(r.Buf)
	}
	n := copy(p, r.Buf[start:])
	if n < len(p) {
		n += copy(p[n:], r.Buf)
	}
	return n, nil
}

// Read copies up to len(p) bytes from the head of the buffer and consumes them.
// [io.EOF] is returned when the buffer is empty.
func (r *Ring) Read(p []byte) (int, error) {
	if r.N == 0 {
		return 0, io.EOF
	}
	n, _ := r.ReadAt(p[:min(len(p), r.N)], 0)
	r.Discard(n)
	return n, nil
}

// Discard releases n bytes from the head of the buffer.
func (r *Ring) Discard(n int) error {
	if n < 0 || n > r.N {
		return errRingDiscard
	}
	r.N -= n
	if r.N == 0 {
		r.Off = 0 // Keep subsequent writes contiguous.
		return nil
	}
	r.Off += n
	if r.Off >= len(r.Buf) {
		r.Off -= len(r.Buf)
	}
	return nil
}
