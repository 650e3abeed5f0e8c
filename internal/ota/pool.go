// Package ota implements the patching and verification pipeline: the
// Image Pool, Boot and System phases, the AVB graph engine, the payload
// rewriter, the archive rewriter, and the verifier, wired together into
// Patch, Extract, and Verify entry points.
package ota

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// Provenance tracks how a pool entry's backing file came to exist, and
// therefore whether it may be mutated in place.
type Provenance int

const (
	// External is a caller-supplied file. It must never be mutated --
	// any change requires first copying it to an Extracted entry.
	External Provenance = iota
	// Extracted was copied out of the payload (or from an External
	// entry) into a scope-owned temp file. It may become Modified.
	Extracted
	// Modified has been patched and is part of the output.
	Modified
)

func (p Provenance) String() string {
	switch p {
	case External:
		return "external"
	case Extracted:
		return "extracted"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// entry is one Image Pool slot.
type entry struct {
	file       *stream.File
	provenance Provenance
}

// Pool owns the set of partition-image backing files for one patch run.
// It is safe for concurrent use; handles returned by ReopenRead/ReopenWrite
// are independently usable without further locking.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	tempDir string
}

// NewPool returns an empty pool whose Extracted temp files are created
// under tempDir.
func NewPool(tempDir string) *Pool {
	return &Pool{entries: make(map[string]*entry), tempDir: tempDir}
}

// Open populates the pool: for each name in required, if external
// supplies a path it is opened as External, otherwise it is streamed out
// of payload (via manifest) into a fresh Extracted temp file. It is
// fatal for external to name a partition absent from the manifest.
func (pool *Pool) Open(required []string, external map[string]string, payloadR io.ReadSeeker, blobBase int64, manifest *pb.DeltaArchiveManifest, blockSize uint32, cancel *stream.CancelSignal) error {
	names := make(map[string]bool)
	for _, n := range required {
		names[n] = true
	}
	for n := range external {
		names[n] = true
		if manifest.Partition(n) == nil {
			return errs.Wrap(errs.Structural, fmt.Errorf("image pool: external replacement for non-existent partition %q", n))
		}
	}

	for name := range names {
		if path, ok := external[name]; ok {
			f, err := os.Open(path)
			if err != nil {
				return errs.Wrap(errs.IO, fmt.Errorf("image pool: open %q: %w", name, err))
			}
			pool.put(name, stream.NewFile(f), External)
			continue
		}

		part := manifest.Partition(name)
		if part == nil {
			return errs.Wrap(errs.Structural, fmt.Errorf("image pool: %q not present in payload manifest", name))
		}
		tmp, err := stream.CreateTemp(pool.tempDir, "ota-pool-"+name+"-")
		if err != nil {
			return errs.Wrap(errs.IO, fmt.Errorf("image pool: %q: %w", name, err))
		}
		if err := extractPartition(payloadR, blobBase, part, blockSize, tmp, cancel); err != nil {
			tmp.Close()
			return fmt.Errorf("image pool: extract %q: %w", name, err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return errs.Wrap(errs.IO, err)
		}
		pool.put(name, stream.NewFile(tmp), Extracted)
	}
	return nil
}

func (pool *Pool) put(name string, f *stream.File, p Provenance) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.entries[name] = &entry{file: f, provenance: p}
}

// Names returns every partition name currently in the pool.
func (pool *Pool) Names() []string {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	out := make([]string, 0, len(pool.entries))
	for n := range pool.entries {
		out = append(out, n)
	}
	return out
}

// Provenance reports name's current provenance. The second return value
// is false if name is not in the pool.
func (pool *Pool) Provenance(name string) (Provenance, bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	e, ok := pool.entries[name]
	if !ok {
		return 0, false
	}
	return e.provenance, true
}

// File returns name's backing *stream.File handle.
func (pool *Pool) File(name string) (*stream.File, bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	e, ok := pool.entries[name]
	if !ok {
		return nil, false
	}
	return e.file, true
}

// ReopenRead opens a new independent read handle over name's backing file.
func (pool *Pool) ReopenRead(name string) (io.ReadSeekCloser, error) {
	pool.mu.Lock()
	e, ok := pool.entries[name]
	pool.mu.Unlock()
	if !ok {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("image pool: no entry %q", name))
	}
	return e.file.ReopenRead()
}

// ReopenWrite opens a new independent write handle over name's backing file.
func (pool *Pool) ReopenWrite(name string) (io.WriteSeeker, error) {
	pool.mu.Lock()
	e, ok := pool.entries[name]
	pool.mu.Unlock()
	if !ok {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("image pool: no entry %q", name))
	}
	return e.file.ReopenWrite()
}

// EnsureExtracted returns name's file, first copying an External entry
// into a fresh Extracted temp file if needed -- external inputs must
// never be mutated in place.
func (pool *Pool) EnsureExtracted(name string) (*stream.File, error) {
	pool.mu.Lock()
	e, ok := pool.entries[name]
	pool.mu.Unlock()
	if !ok {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("image pool: no entry %q", name))
	}
	if e.provenance != External {
		return e.file, nil
	}

	r, err := e.file.ReopenRead()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	defer r.Close()

	tmp, err := stream.CreateTemp(pool.tempDir, "ota-pool-"+name+"-")
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	if _, err := stream.Copy(tmp, r, nil); err != nil {
		tmp.Close()
		return nil, errs.Wrap(errs.IO, fmt.Errorf("image pool: copy %q to extracted: %w", name, err))
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}

	nf := stream.NewFile(tmp)
	pool.mu.Lock()
	pool.entries[name].file = nf
	pool.entries[name].provenance = Extracted
	pool.mu.Unlock()
	return nf, nil
}

// Replace swaps name's backing file and marks it Modified.
func (pool *Pool) Replace(name string, f *stream.File) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if e, ok := pool.entries[name]; ok {
		e.file = f
		e.provenance = Modified
		return
	}
	pool.entries[name] = &entry{file: f, provenance: Modified}
}

// Prune removes every entry for which keep returns false, closing its
// backing file.
func (pool *Pool) Prune(keep func(name string, p Provenance) bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for name, e := range pool.entries {
		if !keep(name, e.provenance) {
			e.file.Close()
			delete(pool.entries, name)
		}
	}
}

// Close releases every remaining pool entry.
func (pool *Pool) Close() {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for name, e := range pool.entries {
		e.file.Close()
		delete(pool.entries, name)
	}
}
