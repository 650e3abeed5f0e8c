package stream

import (
	"crypto/sha256"
	"hash"
	"io"
)

// CountingWriter tracks the total number of bytes written through it,
// letting callers recover a zip entry's final size without a second pass.
type CountingWriter struct {
	w       io.Writer
	written int64
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	return n, err
}

// Written reports the total bytes written so far.
func (c *CountingWriter) Written() int64 { return c.written }

// HashingWriter tees every write into a running hash while forwarding it to
// the wrapped writer (which may be io.Discard for hash-only consumers).
type HashingWriter struct {
	w io.Writer
	h hash.Hash
}

// NewSHA256Writer builds a HashingWriter using SHA-256, the digest the
// manifest and verifier both standardize on.
func NewSHA256Writer(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	h.h.Write(p)
	return h.w.Write(p)
}

// Sum returns the running digest without resetting it.
func (h *HashingWriter) Sum() []byte { return h.h.Sum(nil) }
