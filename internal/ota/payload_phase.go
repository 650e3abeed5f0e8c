package ota

import (
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// RewritePayloadTo implements §4.5: it streams the original payload,
// substitutes every partition the Image Pool marks Modified (choosing
// full or partial recompression per the rules below), and writes a fresh
// signed payload to dst. externalNames marks partitions that came from an
// external replacement (always full recompress); modifiedRanges supplies
// the System Phase's byte-range hint for the system partition, enabling
// the partial-recompress path when present.
func RewritePayloadTo(
	dst io.Writer,
	payloadR io.ReadSeeker,
	manifest *payload.Manifest,
	pool *Pool,
	externalNames map[string]bool,
	modifiedRanges []payload.ByteRange,
	payloadKey *rsa.PrivateKey,
	cancel *stream.CancelSignal,
	log *logrus.Entry,
) (properties string, metadataSize int64, err error) {
	pw := payload.NewPayloadWriter(manifest.BlockSize, payloadKey)

	for _, part := range manifest.Partitions {
		if err := cancel.Check(); err != nil {
			return "", 0, err
		}

		prov, inPool := pool.Provenance(part.PartitionName)
		if !inPool || prov != Modified {
			// Unmodified partition: carry every operation over unchanged,
			// streaming its data straight out of the original payload.
			pw.BeginNextOperation(part.PartitionName, part.OldPartitionInfo, part.NewPartitionInfo)
			for _, op := range part.Operations {
				data, err := readOriginalOperationData(payloadR, manifest.BlobBase, op)
				if err != nil {
					return "", 0, fmt.Errorf("payload rewrite: %s: %w", part.PartitionName, err)
				}
				if err := pw.Operation(op, data); err != nil {
					return "", 0, err
				}
			}
			continue
		}

		result, err := recompressPartition(pool, part, externalNames[part.PartitionName], modifiedRanges, manifest.BlockSize, cancel, log)
		if err != nil {
			return "", 0, fmt.Errorf("payload rewrite: %s: %w", part.PartitionName, err)
		}

		pw.BeginNextOperation(part.PartitionName, part.OldPartitionInfo, result.NewInfo)
		blobCursor := 0
		for idx, op := range result.Operations {
			if result.ModifiedIndices[idx] {
				length := int(op.DataLength)
				data := result.NewBlob[blobCursor : blobCursor+length]
				blobCursor += length
				if err := pw.Operation(op, data); err != nil {
					return "", 0, err
				}
				continue
			}
			data, err := readOriginalOperationData(payloadR, manifest.BlobBase, op)
			if err != nil {
				return "", 0, fmt.Errorf("payload rewrite: %s: %w", part.PartitionName, err)
			}
			if err := pw.Operation(op, data); err != nil {
				return "", 0, err
			}
		}
	}

	return pw.Finish(dst)
}

func readOriginalOperationData(payloadR io.ReadSeeker, blobBase int64, op *pb.InstallOperation) ([]byte, error) {
	if op.Type == pb.OpZero || op.Type == pb.OpDiscard {
		return nil, nil
	}
	if _, err := payloadR.Seek(blobBase+int64(op.DataOffset), io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	raw := make([]byte, op.DataLength)
	if _, err := io.ReadFull(payloadR, raw); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return raw, nil
}

// recompressPartition chooses full or partial recompression for part per
// §4.5: external replacements and anything but the system partition
// always get a full recompress; the system partition gets a partial
// recompress when a range hint is present and its operations are sorted
// and non-overlapping, else it falls back to full recompress with a
// logged warning.
func recompressPartition(pool *Pool, part *pb.PartitionUpdate, external bool, modifiedRanges []payload.ByteRange, blockSize uint32, cancel *stream.CancelSignal, log *logrus.Entry) (*payload.RecompressResult, error) {
	f, ok := pool.File(part.PartitionName)
	if !ok {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("partition %q not in pool", part.PartitionName))
	}

	if !external && part.PartitionName == systemPartitionName && len(modifiedRanges) > 0 {
		r, err := f.ReopenRead()
		if err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		defer r.Close()
		rs, ok := r.(io.ReadSeeker)
		if !ok {
			return nil, errs.Wrap(errs.IO, fmt.Errorf("system partition handle is not seekable"))
		}
		result, err := payload.CompressModifiedImage(rs, blockSize, part.Operations, modifiedRanges, cancel)
		if err == payload.ErrExtentsNotInOrder {
			if log != nil {
				log.WithField("image", part.PartitionName).Warn("operations not sorted/non-overlapping; falling back to full recompress")
			}
		} else {
			if err != nil {
				return nil, err
			}
			newInfo, err := digestWholeFile(rs)
			if err != nil {
				return nil, err
			}
			result.NewInfo = newInfo
			return result, nil
		}
	}

	r, err := f.ReopenRead()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	defer r.Close()
	size, err := fileSize(r)
	if err != nil {
		return nil, err
	}
	return payload.CompressImage(r, size, blockSize, cancel)
}

// digestWholeFile computes the (size, SHA-256) PartitionInfo over r's
// full current content, used to refresh a partition's declared digest
// after a partial recompress touches only some of its bytes.
func digestWholeFile(r io.ReadSeeker) (*pb.PartitionInfo, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	h := sha256.New()
	size, err := io.Copy(h, r)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	return &pb.PartitionInfo{Size: uint64(size), Hash: h.Sum(nil)}, nil
}

func fileSize(r io.ReadSeeker) (int64, error) {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return 0, errs.Wrap(errs.IO, err)
	}
	return end, nil
}
