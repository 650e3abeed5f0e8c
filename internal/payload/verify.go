package payload

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
)

// VerifySignature checks a payload's trailing signature blob against pub,
// recomputing the same hash Finish signs: SHA-256 over the header (with
// its real ManifestSigLen), the manifest bytes, a same-length zeroed
// stand-in for the signature blob, and the data blob. payloadR must be
// positioned at the very start of the payload; on return its position is
// unspecified.
func VerifySignature(payloadR io.ReadSeeker, pub *rsa.PublicKey) error {
	if _, err := payloadR.Seek(0, io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	h, err := ReadHeader(payloadR)
	if err != nil {
		return err
	}
	manifestBytes := make([]byte, h.ManifestLen)
	if _, err := io.ReadFull(payloadR, manifestBytes); err != nil {
		return errs.Wrap(errs.IO, fmt.Errorf("verify payload signature: read manifest: %w", err))
	}
	sigBlob := make([]byte, h.ManifestSigLen)
	if _, err := io.ReadFull(payloadR, sigBlob); err != nil {
		return errs.Wrap(errs.IO, fmt.Errorf("verify payload signature: read signature blob: %w", err))
	}
	blob, err := io.ReadAll(payloadR)
	if err != nil {
		return errs.Wrap(errs.IO, fmt.Errorf("verify payload signature: read blob: %w", err))
	}

	var headerBuf bytes.Buffer
	if err := WriteHeader(&headerBuf, h); err != nil {
		return err
	}

	var probe bytes.Buffer
	probe.Write(headerBuf.Bytes())
	probe.Write(manifestBytes)
	probe.Write(make([]byte, len(sigBlob)))
	probe.Write(blob)
	payloadHash := sha256.Sum256(probe.Bytes())

	sigs, err := pb.UnmarshalSignatures(sigBlob)
	if err != nil {
		return errs.Wrap(errs.Structural, fmt.Errorf("verify payload signature: parse signature blob: %w", err))
	}
	if len(sigs.Data) == 0 {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify payload signature: no signature present"))
	}
	if err := rsa.VerifyPKCS1v15(pub, 0, payloadHash[:], sigs.Data[0]); err != nil {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify payload signature: %w", err))
	}
	return nil
}
