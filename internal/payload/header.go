// Package payload implements the full-OTA payload codec: the outer
// CrAU-framed container, the manifest operations that describe each
// partition's install steps, and the rewriter that substitutes modified
// partitions while preserving byte-range locality for the rest.
package payload

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
)

const (
	payloadMagic  = "CrAU"
	payloadVersion = 2
)

// Header is the fixed framing at the start of every payload.bin: magic,
// version, and the lengths of the manifest and its signature blob that
// immediately follow.
type Header struct {
	Version        uint64
	ManifestLen    uint64
	ManifestSigLen uint32
}

// ReadHeader parses the CrAU header from the start of r.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read payload header: %w", err))
	}
	if string(magic[:]) != payloadMagic {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("payload: bad magic %q", magic))
	}
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h.Version); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	if h.Version != payloadVersion {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("payload: unsupported version %d", h.Version))
	}
	if err := binary.Read(r, binary.BigEndian, &h.ManifestLen); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	if err := binary.Read(r, binary.BigEndian, &h.ManifestSigLen); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return &h, nil
}

// WriteHeader serializes h in CrAU framing.
func WriteHeader(w io.Writer, h *Header) error {
	if _, err := w.Write([]byte(payloadMagic)); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if err := binary.Write(w, binary.BigEndian, h.Version); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if err := binary.Write(w, binary.BigEndian, h.ManifestLen); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if err := binary.Write(w, binary.BigEndian, h.ManifestSigLen); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// HeaderSize returns the fixed byte length of the CrAU framing header
// (magic + version + two length fields), i.e. the offset at which the
// manifest bytes begin.
const HeaderSize = 4 + 8 + 8 + 4

// Manifest wraps the parsed protobuf manifest together with the byte
// offset (from the start of the payload) at which blob data begins, so
// operation DataOffset fields can be turned into absolute file positions.
type Manifest struct {
	*pb.DeltaArchiveManifest
	BlobBase int64
}

// ReadManifest reads and parses the manifest immediately following a
// payload header, leaving r positioned at the start of the signature blob.
func ReadManifest(r io.Reader, h *Header) (*Manifest, error) {
	buf := make([]byte, h.ManifestLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read manifest: %w", err))
	}
	m, err := pb.UnmarshalManifest(buf)
	if err != nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("parse manifest: %w", err))
	}
	blobBase := int64(HeaderSize) + int64(h.ManifestLen) + int64(h.ManifestSigLen)
	return &Manifest{DeltaArchiveManifest: m, BlobBase: blobBase}, nil
}
