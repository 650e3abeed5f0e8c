package ota

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
	"github.com/avbpatch/avbpatch/internal/system"
)

// systemPartitionName is the one partition the System Phase touches.
const systemPartitionName = "system"

// RunSystemPhase invokes the external system-image patcher on the system
// entry, if present. An External entry is first copied into a temp file
// (External→Extracted) since the patcher mutates its write handle in
// place and external inputs must never be mutated. Returns the union of
// touched byte ranges for the Payload Rewriter's partial-recompress
// optimization, or nil if there is no system entry in the pool.
func RunSystemPhase(pool *Pool, cert *x509.Certificate, key *rsa.PrivateKey, cancel *stream.CancelSignal) ([]payload.ByteRange, error) {
	if _, ok := pool.File(systemPartitionName); !ok {
		return nil, nil
	}

	if _, err := pool.EnsureExtracted(systemPartitionName); err != nil {
		return nil, fmt.Errorf("system phase: %w", err)
	}

	readHandle, _ := pool.File(systemPartitionName)
	tmp, err := stream.CreateTemp("", "ota-system-")
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	writeHandle := stream.NewFile(tmp)

	result, err := system.Patch(readHandle, writeHandle, cert, key, cancel)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("system phase: %w", err)
	}

	pool.Replace(systemPartitionName, writeHandle)
	return append(result.OtacertsRanges, result.OtherRanges...), nil
}
