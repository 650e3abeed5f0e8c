// Package cpio implements the "newc" (070701) cpio archive format used by
// Android ramdisks, adapted from a CLI archive editor into a narrow
// in-memory codec the boot-image patchers drive directly.
package cpio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/avbpatch/avbpatch/internal/errs"
)

const magic = "070701"

type rawHeader struct {
	Magic     [6]byte
	Ino       [8]byte
	Mode      [8]byte
	Uid       [8]byte
	Gid       [8]byte
	Nlink     [8]byte
	Mtime     [8]byte
	Filesize  [8]byte
	Devmajor  [8]byte
	Devminor  [8]byte
	Rdevmajor [8]byte
	Rdevminor [8]byte
	Namesize  [8]byte
	Check     [8]byte
}

// Entry is one file recorded in a cpio archive.
type Entry struct {
	Mode      uint32
	Uid       uint32
	Gid       uint32
	RDevMajor uint32
	RDevMinor uint32
	Data      []byte
}

// Archive is an in-memory cpio archive, entries keyed by their archive
// path and ordered by first insertion (matching the order they'll be
// written back out).
type Archive struct {
	Entries map[string]*Entry
	order   []string
}

func New() *Archive {
	return &Archive{Entries: make(map[string]*Entry)}
}

func hex8(x [8]byte) (uint32, error) {
	v, err := strconv.ParseUint(string(x[:]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad cpio header field %q: %w", x, err)
	}
	return uint32(v), nil
}

func align4(n int) int { return (n + 3) &^ 3 }

// normalizePath strips a leading "/" the way the original ramdisk paths
// are recorded without one.
func normalizePath(p string) string {
	return strings.TrimLeft(p, "/")
}

// Load parses a cpio archive from data.
func Load(data []byte) (*Archive, error) {
	a := New()
	pos := 0
	hdrSize := binary.Size(rawHeader{})

	for pos < len(data) {
		if pos+hdrSize > len(data) {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("cpio: truncated header at offset %d", pos))
		}
		var hdr rawHeader
		if err := binary.Read(bytes.NewReader(data[pos:pos+hdrSize]), binary.LittleEndian, &hdr); err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("cpio: %w", err))
		}
		if string(hdr.Magic[:]) != magic {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("cpio: bad magic %q at offset %d", hdr.Magic, pos))
		}
		pos += hdrSize

		nameSize, err := hex8(hdr.Namesize)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, err)
		}
		if pos+int(nameSize) > len(data) {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("cpio: truncated name at offset %d", pos))
		}
		name := strings.TrimRight(string(data[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))

		if name == "." || name == ".." {
			continue
		}
		if name == "TRAILER!!!" {
			break
		}

		fileSize, err := hex8(hdr.Filesize)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, err)
		}
		if pos+int(fileSize) > len(data) {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("cpio: truncated data for %q", name))
		}
		mode, _ := hex8(hdr.Mode)
		uid, _ := hex8(hdr.Uid)
		gid, _ := hex8(hdr.Gid)
		rmaj, _ := hex8(hdr.Rdevmajor)
		rmin, _ := hex8(hdr.Rdevminor)

		a.Set(name, &Entry{
			Mode: mode, Uid: uid, Gid: gid,
			RDevMajor: rmaj, RDevMinor: rmin,
			Data: append([]byte(nil), data[pos:pos+int(fileSize)]...),
		})
		pos = align4(pos + int(fileSize))
	}
	return a, nil
}

// Set inserts or replaces the entry at name, preserving the position of an
// existing entry and appending new ones in insertion order.
func (a *Archive) Set(name string, e *Entry) {
	name = normalizePath(name)
	if _, exists := a.Entries[name]; !exists {
		a.order = append(a.order, name)
	}
	a.Entries[name] = e
}

// Get returns the entry at name, or nil if absent.
func (a *Archive) Get(name string) *Entry {
	return a.Entries[normalizePath(name)]
}

// Remove deletes the entry at name, if present.
func (a *Archive) Remove(name string) {
	name = normalizePath(name)
	if _, exists := a.Entries[name]; !exists {
		return
	}
	delete(a.Entries, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Names returns the archive's entry names in write order.
func (a *Archive) Names() []string {
	return append([]string(nil), a.order...)
}

// SortedNames returns the archive's entry names sorted lexically, useful
// for deterministic listing independent of insertion history.
func (a *Archive) SortedNames() []string {
	names := a.Names()
	sort.Strings(names)
	return names
}

func writeHeader(buf *bytes.Buffer, inode int64, e *Entry, nameLen int) {
	fmt.Fprintf(buf, "070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		inode, e.Mode, e.Uid, e.Gid,
		1, // nlink
		0, // mtime
		len(e.Data),
		0, 0, // devmajor/devminor
		e.RDevMajor, e.RDevMinor,
		nameLen,
		0, // checksum
	)
}

func padTo4(buf *bytes.Buffer) {
	if rem := buf.Len() % 4; rem != 0 {
		buf.Write(make([]byte, 4-rem))
	}
}

// Dump serializes the archive back to newc cpio bytes, in insertion order,
// terminated by the standard TRAILER!!! entry.
func (a *Archive) Dump() []byte {
	var buf bytes.Buffer
	inode := int64(300000)
	for _, name := range a.order {
		e := a.Entries[name]
		writeHeader(&buf, inode, e, len(name)+1)
		buf.WriteString(name)
		buf.WriteByte(0)
		padTo4(&buf)
		buf.Write(e.Data)
		padTo4(&buf)
		inode++
	}
	writeHeader(&buf, inode, &Entry{Mode: 0o755}, len("TRAILER!!!")+1)
	buf.WriteString("TRAILER!!!")
	buf.WriteByte(0)
	padTo4(&buf)
	return buf.Bytes()
}
