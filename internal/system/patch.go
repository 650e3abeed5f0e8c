// Package system implements the System-Image Range Patcher Shim: the
// external collaborator the core's System Phase calls through a narrow
// (read_handle, write_handle, cert, key, cancel) interface to replace the
// OTA certificate bundle embedded in the system partition, reporting the
// byte ranges it touched so the Payload Rewriter can apply a partial
// recompress instead of a full one.
package system

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"github.com/edsrzf/mmap-go"

	"github.com/avbpatch/avbpatch/internal/boot"
	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// eocdSignature is the zip End Of Central Directory record's magic, used
// to locate an embedded otacerts.zip blob inside the raw system image
// without having to parse the filesystem it lives in.
var eocdSignature = []byte{0x50, 0x4b, 0x05, 0x06}

const eocdMinSize = 22

// Result carries the byte ranges System.Patch touched, split the way
// the Payload Rewriter's partial-recompress optimization needs: ranges
// touched purely by the otacerts swap, and ranges touched by anything
// else (reserved for a future hash-tree rewrite step; currently empty
// since this shim only ever rewrites the embedded certificate bundle).
type Result struct {
	OtacertsRanges []payload.ByteRange
	OtherRanges    []payload.ByteRange
}

// Patch replaces the otacerts.zip blob embedded in the system image
// backing readHandle with one built from cert, writing the patched image
// to writeHandle. key is accepted to match the narrow collaborator
// interface described for the core's System Phase but unused by this
// same-size swap -- it exists for a future hash-tree re-signing step this
// shim does not yet implement.
func Patch(readHandle *stream.File, writeHandle *stream.File, cert *x509.Certificate, key *rsa.PrivateKey, cancel *stream.CancelSignal) (*Result, error) {
	_ = key

	f := readHandle.Sys()
	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	if info.Size() == 0 {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("system image: empty"))
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("system image: mmap: %w", err))
	}
	defer mapped.Unmap()

	if err := cancel.Check(); err != nil {
		return nil, err
	}

	start, end, err := findOtacertsZip(mapped)
	if err != nil {
		return nil, err
	}

	newZip, err := boot.BuildOtacertsZip(cert)
	if err != nil {
		return nil, err
	}
	if int64(len(newZip)) != end-start {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf(
			"system image: replacement otacerts.zip is %d bytes, embedded slot is %d bytes; system images cannot be resized in place",
			len(newZip), end-start))
	}

	out := make([]byte, len(mapped))
	copy(out, mapped)
	copy(out[start:end], newZip)

	if err := cancel.Check(); err != nil {
		return nil, err
	}

	w := writeHandle.Sys()
	if _, err := w.WriteAt(out, 0); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}

	return &Result{
		OtacertsRanges: []payload.ByteRange{{Start: start, End: end}},
	}, nil
}

// findOtacertsZip scans data for a zip EOCD record whose single entry is
// named "ota.x509.pem" (the layout boot.BuildOtacertsZip produces),
// returning the half-open byte range of the whole embedded zip blob, from
// its local file header through the EOCD record.
func findOtacertsZip(data []byte) (start, end int64, err error) {
	for i := 0; i+eocdMinSize <= len(data); i++ {
		if !bytes.Equal(data[i:i+4], eocdSignature) {
			continue
		}
		eocd := data[i : i+eocdMinSize]
		cdSize := binary.LittleEndian.Uint32(eocd[12:16])
		cdOffsetFromLFH := binary.LittleEndian.Uint32(eocd[16:20])
		commentLen := binary.LittleEndian.Uint16(eocd[20:22])
		total := i + eocdMinSize + int(commentLen)

		if int64(cdOffsetFromLFH) > int64(i) {
			continue
		}
		lfhOffset := i - int(cdOffsetFromLFH) - int(cdSize)
		if lfhOffset < 0 || lfhOffset > i {
			continue
		}
		if !bytes.Contains(data[lfhOffset:total], []byte("ota.x509.pem")) {
			continue
		}
		return int64(lfhOffset), int64(total), nil
	}
	return 0, 0, errs.Wrap(errs.Structural, fmt.Errorf("system image: no embedded otacerts.zip found"))
}
