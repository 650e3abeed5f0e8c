package ota

import (
	"io"

	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// extractPartition replays part's operations against dst, the thin
// adapter between the Image Pool's temp-file population and the payload
// codec's external collaborator contract.
func extractPartition(payloadR io.ReadSeeker, blobBase int64, part *pb.PartitionUpdate, blockSize uint32, dst io.WriteSeeker, cancel *stream.CancelSignal) error {
	return payload.ExtractImage(payloadR, blobBase, part, blockSize, dst, cancel)
}
