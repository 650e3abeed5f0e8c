//go:build windows
// +build windows

package stream

import "os"

// CreateTemp creates a temp file under dir (the system default if empty)
// with the given name prefix. Windows has no unlink-while-open semantics
// usable here (dupFile needs the path to still resolve for its
// reopen-by-name fallback), so this is the best-effort path the design
// notes call for: the caller is responsible for removing it on every exit.
func CreateTemp(dir, prefix string) (*os.File, error) {
	return os.CreateTemp(dir, prefix)
}
