package boot

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/foobaz/go-zopfli/zopfli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// ramdiskFormat identifies the compression wrapping a ramdisk or kernel
// blob, detected by magic bytes the way the teacher's CheckFmt does.
type ramdiskFormat int

const (
	formatRaw ramdiskFormat = iota
	formatGzip
	formatZstd
	formatLZ4
)

var gzipMagics = [][]byte{{0x1f, 0x8b}, {0x1f, 0x9e}}
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
var lz4Magic = []byte{0x04, 0x22, 0x4d, 0x18}

func detectFormat(data []byte) ramdiskFormat {
	for _, m := range gzipMagics {
		if len(data) >= len(m) && bytes.Equal(data[:len(m)], m) {
			return formatGzip
		}
	}
	if len(data) >= len(zstdMagic) && bytes.Equal(data[:len(zstdMagic)], zstdMagic) {
		return formatZstd
	}
	if len(data) >= len(lz4Magic) && bytes.Equal(data[:len(lz4Magic)], lz4Magic) {
		return formatLZ4
	}
	return formatRaw
}

// decompressRamdisk returns data's uncompressed content and the format it
// was found in, so recompression can reproduce the same wrapping.
func decompressRamdisk(data []byte) ([]byte, ramdiskFormat, error) {
	f := detectFormat(data)
	switch f {
	case formatRaw:
		return data, f, nil
	case formatZstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, f, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: zstd: %w", err))
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, f, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: zstd: %w", err))
		}
		return out, f, nil
	case formatLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, f, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: lz4: %w", err))
		}
		return out, f, nil
	default:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, f, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: gzip: %w", err))
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, f, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: gzip: %w", err))
		}
		return out, f, nil
	}
}

// compressRamdisk re-wraps data in f's format. Gzip recompression uses
// zopfli, which trades encode time for a smaller output than
// compress/gzip's best-compression setting -- worthwhile here because the
// ramdisk is rewritten once per patch run, not on a hot path. Zstd
// recompression (newer kernels' vendor ramdisks) uses klauspost/compress,
// the pack's zstd implementation; lz4 recompression (vendor_boot ramdisks
// on many devices) uses pierrec/lz4.
func compressRamdisk(data []byte, f ramdiskFormat) ([]byte, error) {
	switch f {
	case formatRaw:
		return data, nil
	case formatZstd:
		w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: zstd: %w", err))
		}
		defer w.Close()
		return w.EncodeAll(data, nil), nil
	case formatLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: lz4: %w", err))
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: lz4: %w", err))
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		opts := zopfli.DefaultOptions()
		if err := zopfli.GzipCompress(&opts, data, &buf); err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("ramdisk: zopfli gzip: %w", err))
		}
		return buf.Bytes(), nil
	}
}
