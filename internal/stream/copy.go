package stream

import (
	"fmt"
	"io"
)

// chunkSize bounds how much data moves between cancellation checks.
const chunkSize = 1 << 20

// Copy copies from r to w, polling cancel at chunk boundaries.
func Copy(w io.Writer, r io.Reader, cancel *CancelSignal) (int64, error) {
	return CopyN(w, r, -1, cancel)
}

// CopyN copies exactly n bytes from r to w (or until EOF if n < 0), polling
// cancel at chunk boundaries. It mirrors the teacher's plain io.Copy usage
// but adds the cooperative cancellation the spec requires everywhere.
func CopyN(w io.Writer, r io.Reader, n int64, cancel *CancelSignal) (int64, error) {
	var total int64
	buf := make([]byte, chunkSize)

	for n < 0 || total < n {
		if err := cancel.Check(); err != nil {
			return total, err
		}

		want := int64(len(buf))
		if n >= 0 {
			if remaining := n - total; remaining < want {
				want = remaining
			}
		}

		read, err := r.Read(buf[:want])
		if read > 0 {
			written, werr := w.Write(buf[:read])
			total += int64(written)
			if werr != nil {
				return total, fmt.Errorf("write: %w", werr)
			}
			if written != read {
				return total, fmt.Errorf("write: %w", io.ErrShortWrite)
			}
		}
		if err != nil {
			if err == io.EOF {
				if n >= 0 && total < n {
					return total, fmt.Errorf("copy: %w", io.ErrUnexpectedEOF)
				}
				return total, nil
			}
			return total, fmt.Errorf("read: %w", err)
		}
	}

	return total, nil
}
