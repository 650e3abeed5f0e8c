//go:build !windows
// +build !windows

package stream

import "os"

// CreateTemp creates a temp file under dir (the system default if empty)
// with the given name prefix and immediately unlinks it: the descriptor
// stays valid and is released automatically when every duplicate of it is
// closed, so no named temp file can ever leak into the output directory.
func CreateTemp(dir, prefix string) (*os.File, error) {
	f, err := os.CreateTemp(dir, prefix)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
