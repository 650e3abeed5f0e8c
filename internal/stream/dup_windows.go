//go:build windows
// +build windows

package stream

import (
	"fmt"
	"os"
)

// dupFile has no native dup() on Windows. We fall back to reopening the
// file by path; this only works for named files, which is the best-effort
// behavior the design notes call for on platforms without a native dup.
func dupFile(f *os.File) (*os.File, error) {
	name := f.Name()
	if name == "" {
		return nil, fmt.Errorf("cannot reopen unnamed temp file on this platform")
	}
	return os.Open(name)
}
