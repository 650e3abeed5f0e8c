// Package stream provides the small I/O primitives the patch pipeline is
// built on: reopenable file handles, bounded section readers, counting and
// hashing writers, hole-punching output, and a cooperative cancel signal.
package stream

import (
	"fmt"
	"io"
	"os"
)

// ReadSeekReopen is implemented by anything that can hand out independent,
// freshly-seeked read handles over the same backing data. Each returned
// handle has its own cursor; callers never need to coordinate seeks with
// each other.
type ReadSeekReopen interface {
	ReopenRead() (io.ReadSeekCloser, error)
}

// WriteSeekReopen is the write-side counterpart, used by patchers that need
// a fresh handle to overwrite an image in place.
type WriteSeekReopen interface {
	ReopenWrite() (io.WriteSeeker, error)
}

// File wraps an *os.File and implements both ReadSeekReopen and
// WriteSeekReopen by duplicating the underlying descriptor. Clones share
// the backing file but have independent cursors, matching the Image
// provenance model's requirement that reopened handles never race.
type File struct {
	f *os.File
}

// NewFile takes ownership of f. The caller must not use f directly again
// after handing it to NewFile; use the returned File's Reopen* methods or
// File.Close instead.
func NewFile(f *os.File) *File {
	return &File{f: f}
}

// Name reports the path of the backing file, or "" if it was created
// unnamed (e.g. via a Linux O_TMPFILE-style temp file).
func (p *File) Name() string {
	return p.f.Name()
}

func (p *File) ReopenRead() (io.ReadSeekCloser, error) {
	dup, err := dupFile(p.f)
	if err != nil {
		return nil, fmt.Errorf("reopen for read: %w", err)
	}
	if _, err := dup.Seek(0, io.SeekStart); err != nil {
		dup.Close()
		return nil, fmt.Errorf("reopen for read: rewind: %w", err)
	}
	return dup, nil
}

func (p *File) ReopenWrite() (io.WriteSeeker, error) {
	dup, err := dupFile(p.f)
	if err != nil {
		return nil, fmt.Errorf("reopen for write: %w", err)
	}
	return dup, nil
}

// Rewind seeks the primary handle back to the start. Used right before a
// full read pass, matching the teacher's pattern of seeking mmap'd/plain
// files back to 0 before a scan.
func (p *File) Rewind() error {
	_, err := p.f.Seek(0, io.SeekStart)
	return err
}

func (p *File) Read(b []byte) (int, error)                  { return p.f.Read(b) }
func (p *File) Write(b []byte) (int, error)                 { return p.f.Write(b) }
func (p *File) Seek(off int64, whence int) (int64, error)   { return p.f.Seek(off, whence) }
func (p *File) Stat() (os.FileInfo, error)                  { return p.f.Stat() }
func (p *File) Truncate(size int64) error                   { return p.f.Truncate(size) }
func (p *File) Close() error                                { return p.f.Close() }
func (p *File) Sys() *os.File                               { return p.f }
