package payload

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
)

// PayloadWriter assembles a new signed payload from a caller-driven
// sequence of partitions and operations: BeginNextOperation starts a
// partition, Operation appends one of its install steps (rewriting the
// operation's blob offset to the writer's running cursor), and Finish
// serializes, signs, and emits the complete payload.
type PayloadWriter struct {
	blockSize uint32
	key       *rsa.PrivateKey
	manifest  *pb.DeltaArchiveManifest
	blob      bytes.Buffer
	current   *pb.PartitionUpdate
}

func NewPayloadWriter(blockSize uint32, key *rsa.PrivateKey) *PayloadWriter {
	return &PayloadWriter{
		blockSize: blockSize,
		key:       key,
		manifest:  &pb.DeltaArchiveManifest{BlockSize: blockSize, MinorVersion: 0},
	}
}

// BeginNextOperation starts a new partition entry; subsequent Operation
// calls append to it until the next BeginNextOperation or Finish.
func (pw *PayloadWriter) BeginNextOperation(name string, oldInfo, newInfo *pb.PartitionInfo) {
	pw.current = &pb.PartitionUpdate{PartitionName: name, OldPartitionInfo: oldInfo, NewPartitionInfo: newInfo}
	pw.manifest.Partitions = append(pw.manifest.Partitions, pw.current)
}

// Operation appends op to the current partition. data is the operation's
// post-compression blob bytes, or nil for ZERO/DISCARD operations which
// carry none; op's DataOffset/DataLength are overwritten to reflect where
// data lands in this writer's blob section, so callers need not track a
// running offset themselves.
func (pw *PayloadWriter) Operation(op *pb.InstallOperation, data []byte) error {
	if pw.current == nil {
		return errs.Wrap(errs.Structural, fmt.Errorf("payload writer: operation before BeginNextOperation"))
	}
	out := *op
	if len(data) > 0 {
		out.DataOffset = uint64(pw.blob.Len())
		out.DataLength = uint64(len(data))
		if _, err := pw.blob.Write(data); err != nil {
			return errs.Wrap(errs.IO, err)
		}
	} else {
		out.DataOffset = 0
		out.DataLength = 0
	}
	pw.current.Operations = append(pw.current.Operations, &out)
	return nil
}

// Finish serializes the accumulated manifest, signs the payload with the
// writer's key, and streams header + manifest + signature blob + data
// blob to w. It returns the payload_properties.txt contents (a FILE_HASH/
// FILE_SIZE/METADATA_HASH/METADATA_SIZE key=value block, the format the
// on-device updater's pre-install checks expect) and the metadata size
// (header + manifest, excluding the signature blob) callers need to
// populate the archive's property-files table.
func (pw *PayloadWriter) Finish(w io.Writer) (properties string, metadataSize int64, err error) {
	manifestBytes := pw.manifest.Marshal()

	// First pass: placeholder signature sized for this key, to learn the
	// exact signature blob length before computing the payload hash that
	// the real signature must cover.
	placeholderSigLen := pw.key.Size()
	placeholder := &pb.Signatures{Data: [][]byte{make([]byte, placeholderSigLen)}}
	sigBlobLen := uint32(len(placeholder.Marshal()))

	header := &Header{
		Version:        payloadVersion,
		ManifestLen:    uint64(len(manifestBytes)),
		ManifestSigLen: sigBlobLen,
	}
	var headerBuf bytes.Buffer
	if err := WriteHeader(&headerBuf, header); err != nil {
		return "", 0, err
	}

	metadataSize = int64(headerBuf.Len()) + int64(len(manifestBytes))

	var payloadSoFar bytes.Buffer
	payloadSoFar.Write(headerBuf.Bytes())
	payloadSoFar.Write(manifestBytes)
	payloadSoFar.Write(make([]byte, sigBlobLen))
	payloadSoFar.Write(pw.blob.Bytes())

	metaHash := sha256.Sum256(append(headerBuf.Bytes(), manifestBytes...))
	payloadHash := sha256.Sum256(payloadSoFar.Bytes())

	sig, err := rsa.SignPKCS1v15(rand.Reader, pw.key, 0, payloadHash[:])
	if err != nil {
		return "", 0, errs.Wrap(errs.Cryptographic, fmt.Errorf("sign payload: %w", err))
	}
	if len(sig) != placeholderSigLen {
		return "", 0, errs.Wrap(errs.Cryptographic, fmt.Errorf("payload: signature length changed between passes"))
	}
	sigs := &pb.Signatures{Data: [][]byte{sig}}
	sigBlob := sigs.Marshal()
	if uint32(len(sigBlob)) != sigBlobLen {
		return "", 0, errs.Wrap(errs.Cryptographic, fmt.Errorf("payload: signature blob length changed between passes"))
	}

	header.ManifestSigLen = uint32(len(sigBlob))
	headerBuf.Reset()
	if err := WriteHeader(&headerBuf, header); err != nil {
		return "", 0, err
	}

	if _, err := w.Write(headerBuf.Bytes()); err != nil {
		return "", 0, errs.Wrap(errs.IO, err)
	}
	if _, err := w.Write(manifestBytes); err != nil {
		return "", 0, errs.Wrap(errs.IO, err)
	}
	if _, err := w.Write(sigBlob); err != nil {
		return "", 0, errs.Wrap(errs.IO, err)
	}
	if _, err := w.Write(pw.blob.Bytes()); err != nil {
		return "", 0, errs.Wrap(errs.IO, err)
	}

	totalSize := int64(headerBuf.Len()) + int64(len(manifestBytes)) + int64(len(sigBlob)) + int64(pw.blob.Len())
	properties = fmt.Sprintf(
		"FILE_HASH=%x\nFILE_SIZE=%d\nMETADATA_HASH=%x\nMETADATA_SIZE=%d\n",
		payloadHash, totalSize, metaHash, metadataSize,
	)
	return properties, metadataSize, nil
}
