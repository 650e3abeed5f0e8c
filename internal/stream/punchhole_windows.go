//go:build windows

package stream

import (
	"errors"
	"os"
)

// punchHole is unsupported on this platform; HolePunchingWriter falls back
// to writing the zero run verbatim, which is always correct.
func punchHole(f *os.File, offset, length int64) error {
	return errors.New("hole punching not supported on windows")
}
