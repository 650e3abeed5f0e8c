package payload

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// ByteRange is a half-open interval [Start, End) of bytes within a
// partition image, the range-set element the data model describes for
// both modified-byte tracking and operation-index tracking.
type ByteRange struct {
	Start, End int64
}

func (r ByteRange) intersects(o ByteRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func intersectsAny(r ByteRange, ranges []ByteRange) bool {
	for _, o := range ranges {
		if r.intersects(o) {
			return true
		}
	}
	return false
}

// RecompressResult is the output of a full or partial recompression pass:
// the partition's new operation list in manifest order, the concatenated
// blob bytes for the operations that were actually recompressed (in the
// same relative order as their appearance in Operations), the set of
// operation indices backed by that new blob rather than the original
// payload, and the partition's new size/digest.
type RecompressResult struct {
	Operations      []*pb.InstallOperation
	NewBlob         []byte
	ModifiedIndices map[int]bool
	NewInfo         *pb.PartitionInfo
}

// ExtractImage reconstructs one partition's full image by replaying its
// operations against dst, reading operation blobs from payload at
// blobBase+DataOffset. ZERO and DISCARD operations write/skip zero bytes;
// REPLACE-family operations are decompressed and written at each
// destination extent.
func ExtractImage(payloadR io.ReadSeeker, blobBase int64, part *pb.PartitionUpdate, blockSize uint32, dst io.WriteSeeker, cancel *stream.CancelSignal) error {
	for opIdx, op := range part.Operations {
		if err := cancel.Check(); err != nil {
			return err
		}
		if !op.Type.IsReplaceClass() {
			return errs.Wrap(errs.Structural, fmt.Errorf("partition %s: operation %d: non-full-OTA type %s", part.PartitionName, opIdx, op.Type))
		}

		var data []byte
		if op.Type != pb.OpZero && op.Type != pb.OpDiscard {
			if _, err := payloadR.Seek(blobBase+int64(op.DataOffset), io.SeekStart); err != nil {
				return errs.Wrap(errs.IO, err)
			}
			raw := make([]byte, op.DataLength)
			if _, err := io.ReadFull(payloadR, raw); err != nil {
				return errs.Wrap(errs.IO, fmt.Errorf("partition %s: operation %d: %w", part.PartitionName, opIdx, err))
			}
			decoded, err := decodeOperationData(op.Type, raw)
			if err != nil {
				return fmt.Errorf("partition %s: operation %d: %w", part.PartitionName, opIdx, err)
			}
			data = decoded
		}

		for _, ext := range op.DstExtents {
			offset := int64(ext.StartBlock) * int64(blockSize)
			length := int64(ext.NumBlocks) * int64(blockSize)
			if _, err := dst.Seek(offset, io.SeekStart); err != nil {
				return errs.Wrap(errs.IO, err)
			}
			if op.Type == pb.OpZero || op.Type == pb.OpDiscard {
				if _, err := dst.Write(make([]byte, length)); err != nil {
					return errs.Wrap(errs.IO, err)
				}
				continue
			}
			if _, err := dst.Write(data); err != nil {
				return errs.Wrap(errs.IO, err)
			}
			data = nil // a REPLACE op has exactly one dst extent in practice
		}
	}
	return nil
}

// CompressImage performs a full recompress: it re-chunks img at blockSize
// and emits one REPLACE_XZ operation per block, covering the entire
// partition.
func CompressImage(img io.Reader, size int64, blockSize uint32, cancel *stream.CancelSignal) (*RecompressResult, error) {
	res := &RecompressResult{ModifiedIndices: map[int]bool{}}
	digest := sha256.New()

	numBlocks := (size + int64(blockSize) - 1) / int64(blockSize)
	buf := make([]byte, blockSize)
	var blobOffset uint64

	for block := int64(0); block < numBlocks; block++ {
		if err := cancel.Check(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(img, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, errs.Wrap(errs.IO, err)
		}
		chunk := buf[:n]
		digest.Write(chunk)

		compressed, err := encodeOperationData(RecompressAlgorithm, chunk)
		if err != nil {
			return nil, err
		}

		op := &pb.InstallOperation{
			Type:       RecompressAlgorithm,
			DataOffset: blobOffset,
			DataLength: uint64(len(compressed)),
			DstExtents: []pb.Extent{{StartBlock: uint64(block), NumBlocks: 1}},
		}
		res.Operations = append(res.Operations, op)
		res.ModifiedIndices[len(res.Operations)-1] = true
		res.NewBlob = append(res.NewBlob, compressed...)
		blobOffset += uint64(len(compressed))
	}

	res.NewInfo = &pb.PartitionInfo{Size: uint64(size), Hash: digest.Sum(nil)}
	return res, nil
}

// ErrExtentsNotInOrder is returned by CompressModifiedImage when the
// original operations are not sorted by destination offset or overlap,
// signaling the caller to fall back to a full recompress.
var ErrExtentsNotInOrder = fmt.Errorf("payload: operations not sorted or overlapping by destination offset")

// CompressModifiedImage performs a partial recompress: of the original
// operations (which must already be sorted by destination offset and
// non-overlapping, else ErrExtentsNotInOrder is returned), only those
// whose destination extents intersect modifiedRanges are recompressed
// from img; the rest are carried over referencing the original payload
// blob unchanged.
func CompressModifiedImage(img io.ReadSeeker, blockSize uint32, original []*pb.InstallOperation, modifiedRanges []ByteRange, cancel *stream.CancelSignal) (*RecompressResult, error) {
	if !sortedNonOverlapping(original, blockSize) {
		return nil, ErrExtentsNotInOrder
	}

	res := &RecompressResult{ModifiedIndices: map[int]bool{}}
	var blobOffset uint64

	for idx, op := range original {
		if err := cancel.Check(); err != nil {
			return nil, err
		}
		opRange := operationByteRange(op, blockSize)
		if !intersectsAny(opRange, modifiedRanges) {
			// Unmodified: carry the operation over verbatim; the payload
			// rewriter will stream its bytes from the original payload.
			res.Operations = append(res.Operations, op)
			continue
		}

		chunk := make([]byte, opRange.End-opRange.Start)
		if _, err := img.Seek(opRange.Start, io.SeekStart); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		if _, err := io.ReadFull(img, chunk); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}

		compressed, err := encodeOperationData(RecompressAlgorithm, chunk)
		if err != nil {
			return nil, err
		}

		newOp := &pb.InstallOperation{
			Type:       RecompressAlgorithm,
			DataOffset: blobOffset,
			DataLength: uint64(len(compressed)),
			DstExtents: op.DstExtents,
		}
		res.Operations = append(res.Operations, newOp)
		res.ModifiedIndices[idx] = true
		res.NewBlob = append(res.NewBlob, compressed...)
		blobOffset += uint64(len(compressed))
	}

	return res, nil
}

func operationByteRange(op *pb.InstallOperation, blockSize uint32) ByteRange {
	if len(op.DstExtents) == 0 {
		return ByteRange{}
	}
	start := int64(op.DstExtents[0].StartBlock) * int64(blockSize)
	last := op.DstExtents[len(op.DstExtents)-1]
	end := (int64(last.StartBlock) + int64(last.NumBlocks)) * int64(blockSize)
	return ByteRange{Start: start, End: end}
}

func sortedNonOverlapping(ops []*pb.InstallOperation, blockSize uint32) bool {
	ranges := make([]ByteRange, 0, len(ops))
	for _, op := range ops {
		ranges = append(ranges, operationByteRange(op, blockSize))
	}
	return sort.SliceIsSorted(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start }) &&
		nonOverlapping(ranges)
}

func nonOverlapping(ranges []ByteRange) bool {
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start < ranges[i-1].End {
			return false
		}
	}
	return true
}
