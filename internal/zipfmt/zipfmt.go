// Package zipfmt wraps stdlib archive/zip with the narrow surface the
// archive rewriter needs: sorted entry iteration, a stored (uncompressed)
// passthrough writer, zip64 toggling driven by declared size, and offset
// introspection for the post-write metadata verification pass. archive/zip
// already exposes File.DataOffset/OpenRaw and Writer.CreateRaw, which is
// everything this codec needs -- no third-party zip implementation in the
// pack offers anything archive/zip doesn't already have here.
package zipfmt

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// zip64Threshold is the declared size at or above which the on-device
// installer's parser requires (and this writer emits) zip64 extensions.
const zip64Threshold = 0xffffffff

// Entry describes one archive member in read order.
type Entry struct {
	Name             string
	UncompressedSize uint64
	CompressedSize   uint64
	Method           uint16
	raw              *zip.File
}

// Stored reports whether the entry's data is uncompressed in the archive.
func (e *Entry) Stored() bool { return e.Method == zip.Store }

// DataOffset returns the entry's data start offset within the archive,
// i.e. the position immediately following its local file header.
func (e *Entry) DataOffset() (int64, error) {
	off, err := e.raw.DataOffset()
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	return off, nil
}

// Open returns a reader over the entry's decompressed content.
func (e *Entry) Open() (io.ReadCloser, error) {
	rc, err := e.raw.Open()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return rc, nil
}

// OpenRaw returns a reader over the entry's raw (still-compressed, or
// verbatim if stored) bytes, for byte-for-byte passthrough copying.
func (e *Entry) OpenRaw() (io.Reader, error) {
	r, err := e.raw.OpenRaw()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return r, nil
}

// Reader exposes an archive's entries sorted by name, the deterministic
// iteration order the archive rewriter requires.
type Reader struct {
	entries []*Entry
}

func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("open archive: %w", err))
	}
	entries := make([]*Entry, 0, len(zr.File))
	for _, f := range zr.File {
		entries = append(entries, &Entry{
			Name:             f.Name,
			UncompressedSize: f.UncompressedSize64,
			CompressedSize:   f.CompressedSize64,
			Method:           f.Method,
			raw:              f,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Reader{entries: entries}, nil
}

// Entries returns the archive's members in sorted name order.
func (r *Reader) Entries() []*Entry { return r.entries }

// Find returns the entry named name, or nil.
func (r *Reader) Find(name string) *Entry {
	for _, e := range r.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Writer emits a new archive as a sequence of stored entries, recording
// each one's offset and size so callers can regenerate property-files
// metadata without a second pass.
type Writer struct {
	cw      *countingWriter
	zw      *zip.Writer
	written []WrittenEntry
}

// countingWriter tracks the total byte count written to the underlying
// stream, the only way to recover each entry's data offset: zip.Writer
// does not expose offsets until the central directory is finalized, which
// is too late for the archive rewriter's streaming metadata regeneration.
type countingWriter struct {
	w   io.Writer
	pos int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.pos += int64(n)
	return n, err
}

// WrittenEntry records where one entry landed in the output archive.
type WrittenEntry struct {
	Name   string
	Offset int64
	Size   int64
	Zip64  bool
}

func NewWriter(w io.Writer) *Writer {
	cw := &countingWriter{w: w}
	return &Writer{cw: cw, zw: zip.NewWriter(cw)}
}

// CreateStored begins a new entry of declared uncompressed size size,
// written stored (uncompressed) per the archive rewriter's contract that
// every regenerated entry is stored. Zip64 extensions are emitted
// whenever size is at or above the on-device parser's declared-size
// threshold. The caller must write exactly size bytes to the returned
// writer.
func (w *Writer) CreateStored(name string, size int64, modTime int64) (io.Writer, error) {
	fh := &zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		UncompressedSize64: uint64(size),
	}
	ww, err := w.zw.CreateRaw(fh)
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("create entry %s: %w", name, err))
	}
	w.written = append(w.written, WrittenEntry{Name: name, Offset: w.cw.pos, Size: size, Zip64: size >= zip64Threshold})
	return ww, nil
}

// CopyRaw copies an input entry's raw bytes verbatim (preserving whatever
// compression method it already used), for entries the rewriter passes
// through unchanged.
func (w *Writer) CopyRaw(e *Entry) error {
	fh := e.raw.FileHeader
	ww, err := w.zw.CreateRaw(&fh)
	if err != nil {
		return errs.Wrap(errs.IO, fmt.Errorf("copy entry %s: %w", e.Name, err))
	}
	offset := w.cw.pos
	r, err := e.OpenRaw()
	if err != nil {
		return err
	}
	if _, err := io.Copy(ww, r); err != nil {
		return errs.Wrap(errs.IO, fmt.Errorf("copy entry %s: %w", e.Name, err))
	}
	w.written = append(w.written, WrittenEntry{Name: e.Name, Offset: offset, Size: int64(e.CompressedSize), Zip64: e.CompressedSize >= zip64Threshold})
	return nil
}

// Written returns the entries written so far, in write order.
func (w *Writer) Written() []WrittenEntry { return w.written }

// Close finalizes the archive's central directory.
func (w *Writer) Close() error {
	if err := w.zw.Close(); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}
