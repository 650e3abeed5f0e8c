package stream

import (
	"io"
	"os"
)

// zeroRunThreshold is the minimum contiguous run of zero bytes worth
// punching a hole for; shorter runs aren't worth the extra syscall.
const zeroRunThreshold = 64 * 1024

// HolePunchingWriter writes to an underlying *os.File, and whenever it
// detects a long run of zero bytes, punches a hole instead of writing real
// zeroes, relying on the host filesystem's sparse-file support. This is
// purely an optimization: the verifier must behave identically whether or
// not holes were actually punched, so on platforms or filesystems where
// punching isn't supported, writes fall back to plain bytes.
type HolePunchingWriter struct {
	f      *os.File
	offset int64
}

func NewHolePunchingWriter(f *os.File) *HolePunchingWriter {
	return &HolePunchingWriter{f: f}
}

// firstNonZero returns the index of the first non-zero byte in p, or
// len(p) if p is all zeroes.
func firstNonZero(p []byte) int {
	for i, b := range p {
		if b != 0 {
			return i
		}
	}
	return len(p)
}

func (h *HolePunchingWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if p[0] == 0 {
			run := firstNonZero(p)
			if run >= zeroRunThreshold {
				if err := h.punch(int64(run)); err != nil {
					if _, serr := h.f.Seek(h.offset, io.SeekStart); serr != nil {
						return total, serr
					}
					if n, werr := h.f.Write(p[:run]); werr != nil {
						return total + n, werr
					}
					h.offset += int64(run)
				} else {
					h.offset += int64(run)
				}
				total += run
				p = p[run:]
				continue
			}
		}

		// Advance to the next zero run (or end of buffer) and write the
		// non-sparse span verbatim in one call.
		end := len(p)
		for i := 1; i < len(p); i++ {
			if p[i] == 0 && firstNonZero(p[i:]) >= zeroRunThreshold {
				end = i
				break
			}
		}
		n, err := h.f.Write(p[:end])
		h.offset += int64(n)
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

func (h *HolePunchingWriter) punch(length int64) error {
	if err := h.f.Truncate(h.offset + length); err != nil {
		return err
	}
	if _, err := h.f.Seek(h.offset+length, io.SeekStart); err != nil {
		return err
	}
	return punchHole(h.f, h.offset, length)
}
