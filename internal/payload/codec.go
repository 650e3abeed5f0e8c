package payload

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
)

// decodeOperationData returns the decompressed bytes for one operation's
// blob, given the operation's raw (possibly compressed) data. ZERO and
// DISCARD operations carry no data and are never passed to this function.
func decodeOperationData(t pb.OperationType, raw []byte) ([]byte, error) {
	switch t {
	case pb.OpReplace:
		return raw, nil
	case pb.OpReplaceBZ:
		r, err := bzip2.NewReader(bytes.NewReader(raw), nil)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("bzip2: %w", err))
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("bzip2: %w", err))
		}
		return out, nil
	case pb.OpReplaceXZ:
		r, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("xz: %w", err))
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("xz: %w", err))
		}
		return out, nil
	default:
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("payload: unsupported operation type %s", t))
	}
}

// encodeOperationData compresses raw using t, the scheme chosen for the
// new operation emitted during recompression. The rewriter always emits
// REPLACE_XZ for new operations (xz gives the best ratio of the two
// full-OTA-eligible compressors and is what upstream full OTAs use), but
// REPLACE and REPLACE_BZ remain supported for decode of existing payloads.
func encodeOperationData(t pb.OperationType, raw []byte) ([]byte, error) {
	switch t {
	case pb.OpReplace:
		return raw, nil
	case pb.OpReplaceXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("xz: %w", err))
		}
		if _, err := w.Write(raw); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		return buf.Bytes(), nil
	case pb.OpReplaceBZ:
		var buf bytes.Buffer
		w, err := bzip2.NewWriter(&buf, nil)
		if err != nil {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("bzip2: %w", err))
		}
		if _, err := w.Write(raw); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("payload: cannot encode operation type %s", t))
	}
}

// RecompressAlgorithm is the operation type the rewriter emits for newly
// compressed blocks.
const RecompressAlgorithm = pb.OpReplaceXZ
