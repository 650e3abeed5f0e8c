package stream

import (
	"errors"
	"fmt"
	"io"
)

// SectionReader is an io.ReadSeeker bounded to [offset, offset+size) of an
// underlying io.ReadSeeker, analogous to the original's SectionReader over
// a zip entry's data region. Unlike io.SectionReader it works against any
// io.ReadSeeker, not just io.ReaderAt, matching what a streaming zip
// decoder hands back.
type SectionReader struct {
	r      io.ReadSeeker
	base   int64
	size   int64
	cursor int64
}

// NewSectionReader returns a reader over r restricted to [offset,
// offset+size). r's cursor is moved to offset immediately.
func NewSectionReader(r io.ReadSeeker, offset, size int64) (*SectionReader, error) {
	if offset < 0 || size < 0 {
		return nil, errors.New("section reader: negative offset or size")
	}
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("section reader: seek to base: %w", err)
	}
	return &SectionReader{r: r, base: offset, size: size}, nil
}

func (s *SectionReader) Read(p []byte) (int, error) {
	if s.cursor >= s.size {
		return 0, io.EOF
	}
	if remaining := s.size - s.cursor; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.r.Read(p)
	s.cursor += int64(n)
	return n, err
}

func (s *SectionReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.cursor + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return 0, errors.New("section reader: invalid whence")
	}
	if target < 0 {
		return 0, errors.New("section reader: negative position")
	}
	if _, err := s.r.Seek(s.base+target, io.SeekStart); err != nil {
		return 0, fmt.Errorf("section reader: seek: %w", err)
	}
	s.cursor = target
	return target, nil
}

// Size reports the section's declared length.
func (s *SectionReader) Size() int64 { return s.size }
