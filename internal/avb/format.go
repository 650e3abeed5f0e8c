// Package avb implements the Android Verified Boot header, footer, and
// descriptor wire formats, plus the re-signing primitives the AVB graph
// engine drives. Multi-byte fields are big-endian, matching the on-device
// libavb parser; this differs from the teacher's struct reads (which used
// the host's native little-endian layout and would misparse a real image),
// a divergence made deliberately since the graph engine's correctness
// depends on these bytes round-tripping exactly.
package avb

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/avbpatch/avbpatch/internal/errs"
)

const (
	FooterMagic  = "AVBf"
	HeaderMagic  = "AVB0"
	FooterSize   = 64
	ReleaseStringSize = 48
)

// Footer is the fixed 64-byte trailer libavb expects at the very end of a
// boot-like partition image, pointing at the vbmeta blob appended after
// the original image content.
type Footer struct {
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VbmetaOffset      uint64
	VbmetaSize        uint64
}

func ReadFooter(r io.Reader) (*Footer, error) {
	buf := make([]byte, FooterSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read avb footer: %w", err))
	}
	if string(buf[0:4]) != FooterMagic {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb footer: bad magic %q", buf[0:4]))
	}
	f := &Footer{
		VersionMajor:      binary.BigEndian.Uint32(buf[4:8]),
		VersionMinor:      binary.BigEndian.Uint32(buf[8:12]),
		OriginalImageSize: binary.BigEndian.Uint64(buf[12:20]),
		VbmetaOffset:      binary.BigEndian.Uint64(buf[20:28]),
		VbmetaSize:        binary.BigEndian.Uint64(buf[28:36]),
	}
	return f, nil
}

func (f *Footer) Bytes() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[0:4], FooterMagic)
	binary.BigEndian.PutUint32(buf[4:8], f.VersionMajor)
	binary.BigEndian.PutUint32(buf[8:12], f.VersionMinor)
	binary.BigEndian.PutUint64(buf[12:20], f.OriginalImageSize)
	binary.BigEndian.PutUint64(buf[20:28], f.VbmetaOffset)
	binary.BigEndian.PutUint64(buf[28:36], f.VbmetaSize)
	return buf
}

// Algorithm identifies one of the signing schemes libavb recognizes. Only
// the SHA256/SHA512-over-RSA family the key/cert loader can produce is
// modeled; NONE (algorithm 0, unsigned header) is the zero value.
type Algorithm uint32

const (
	AlgorithmNone Algorithm = iota
	AlgorithmSHA256RSA2048
	AlgorithmSHA256RSA4096
	AlgorithmSHA256RSA8192
	AlgorithmSHA512RSA2048
	AlgorithmSHA512RSA4096
	AlgorithmSHA512RSA8192
)

// SignatureSize returns the raw RSA signature length for alg, or 0 for
// AlgorithmNone.
func (a Algorithm) SignatureSize() int {
	switch a {
	case AlgorithmSHA256RSA2048, AlgorithmSHA512RSA2048:
		return 256
	case AlgorithmSHA256RSA4096, AlgorithmSHA512RSA4096:
		return 512
	case AlgorithmSHA256RSA8192, AlgorithmSHA512RSA8192:
		return 1024
	default:
		return 0
	}
}

// HashSize returns the digest length alg's hash function produces.
func (a Algorithm) HashSize() int {
	switch a {
	case AlgorithmSHA512RSA2048, AlgorithmSHA512RSA4096, AlgorithmSHA512RSA8192:
		return 64
	case AlgorithmSHA256RSA2048, AlgorithmSHA256RSA4096, AlgorithmSHA256RSA8192:
		return 32
	default:
		return 0
	}
}

// AlgorithmForKey picks the algorithm whose RSA modulus size matches pub,
// following avbtool's size-to-algorithm convention (SHA256 variants; the
// core never has reason to prefer the SHA512 family).
func AlgorithmForKey(pub *rsa.PublicKey) (Algorithm, error) {
	switch pub.Size() {
	case 256:
		return AlgorithmSHA256RSA2048, nil
	case 512:
		return AlgorithmSHA256RSA4096, nil
	case 1024:
		return AlgorithmSHA256RSA8192, nil
	default:
		return AlgorithmNone, errs.Wrap(errs.Cryptographic, fmt.Errorf("avb: unsupported key size %d bytes", pub.Size()))
	}
}

// Header is the AVB vbmeta header: authentication block (hash + signature),
// auxiliary block (public key + descriptors), and the flags/rollback
// metadata that govern it.
type Header struct {
	RequiredLibavbVersionMajor uint32
	RequiredLibavbVersionMinor uint32
	Algorithm                  Algorithm
	HashSize                   uint64
	SignatureSize              uint64
	PublicKey                  []byte
	PublicKeyMetadata          []byte
	Descriptors                []*Descriptor
	RollbackIndex              uint64
	Flags                      uint32
	RollbackIndexLocation      uint32
	ReleaseString              string

	// AuthHash and AuthSignature hold the authentication block as last
	// parsed, so an unmodified header can be re-serialized byte-for-byte
	// without recomputing them.
	AuthHash      []byte
	AuthSignature []byte
}

// Signed reports whether the header carries a non-empty public key, the
// data model's definition of "signed".
func (h *Header) Signed() bool {
	return len(h.PublicKey) > 0
}

const headerFixedSize = 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + ReleaseStringSize + 80

// ReadHeader parses a vbmeta header starting at the reader's current
// position. r must be positioned exactly at the "AVB0" magic.
func ReadHeader(r io.Reader) (*Header, error) {
	fixed := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read avb header: %w", err))
	}
	if string(fixed[0:4]) != HeaderMagic {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb header: bad magic %q", fixed[0:4]))
	}
	be := binary.BigEndian
	h := &Header{
		RequiredLibavbVersionMajor: be.Uint32(fixed[4:8]),
		RequiredLibavbVersionMinor: be.Uint32(fixed[8:12]),
	}
	authDataBlockSize := be.Uint64(fixed[12:20])
	auxDataBlockSize := be.Uint64(fixed[20:28])
	h.Algorithm = Algorithm(be.Uint32(fixed[28:32]))
	hashOffset := be.Uint64(fixed[32:40])
	hashSize := be.Uint64(fixed[40:48])
	sigOffset := be.Uint64(fixed[48:56])
	sigSize := be.Uint64(fixed[56:64])
	pubKeyOffset := be.Uint64(fixed[64:72])
	pubKeySize := be.Uint64(fixed[72:80])
	pubKeyMetaOffset := be.Uint64(fixed[80:88])
	pubKeyMetaSize := be.Uint64(fixed[88:96])
	descOffset := be.Uint64(fixed[96:104])
	descSize := be.Uint64(fixed[104:112])
	h.RollbackIndex = be.Uint64(fixed[112:120])
	h.Flags = be.Uint32(fixed[120:124])
	h.RollbackIndexLocation = be.Uint32(fixed[124:128])
	h.ReleaseString = cString(fixed[128 : 128+ReleaseStringSize])
	h.HashSize = hashSize
	h.SignatureSize = sigSize

	authBlock := make([]byte, authDataBlockSize)
	if _, err := io.ReadFull(r, authBlock); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read avb auth block: %w", err))
	}
	if hashOffset+hashSize > uint64(len(authBlock)) || sigOffset+sigSize > uint64(len(authBlock)) {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb header: auth block offsets out of range"))
	}
	h.AuthHash = append([]byte(nil), authBlock[hashOffset:hashOffset+hashSize]...)
	h.AuthSignature = append([]byte(nil), authBlock[sigOffset:sigOffset+sigSize]...)

	auxBlock := make([]byte, auxDataBlockSize)
	if _, err := io.ReadFull(r, auxBlock); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read avb aux block: %w", err))
	}
	if pubKeyOffset+pubKeySize > uint64(len(auxBlock)) ||
		pubKeyMetaOffset+pubKeyMetaSize > uint64(len(auxBlock)) ||
		descOffset+descSize > uint64(len(auxBlock)) {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb header: aux block offsets out of range"))
	}
	h.PublicKey = append([]byte(nil), auxBlock[pubKeyOffset:pubKeyOffset+pubKeySize]...)
	h.PublicKeyMetadata = append([]byte(nil), auxBlock[pubKeyMetaOffset:pubKeyMetaOffset+pubKeyMetaSize]...)

	descs, err := decodeDescriptors(auxBlock[descOffset : descOffset+descSize])
	if err != nil {
		return nil, fmt.Errorf("avb header: %w", err)
	}
	h.Descriptors = descs

	return h, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// descAlignedSize rounds n up to the next multiple of 8, the alignment
// libavb requires between descriptors and between the aux block's
// sub-regions.
func descAlignedSize(n int) int {
	return (n + 7) &^ 7
}

// ToWriter serializes h, padding the auxiliary descriptor block to an
// 8-byte boundary and reusing the AuthHash/AuthSignature fields verbatim;
// callers that changed the header contents must call Sign first so those
// fields reflect the new bytes.
func (h *Header) ToWriter(w io.Writer) error {
	descBytes, err := encodeDescriptors(h.Descriptors)
	if err != nil {
		return err
	}

	pubKeyPad := descAlignedSize(len(h.PublicKey)) - len(h.PublicKey)
	pubKeyMetaPad := descAlignedSize(len(h.PublicKeyMetadata)) - len(h.PublicKeyMetadata)
	descPad := descAlignedSize(len(descBytes)) - len(descBytes)

	auxSize := len(h.PublicKey) + pubKeyPad + len(h.PublicKeyMetadata) + pubKeyMetaPad + len(descBytes) + descPad

	hashPad := descAlignedSize(len(h.AuthHash)) - len(h.AuthHash)
	sigPad := descAlignedSize(len(h.AuthSignature)) - len(h.AuthSignature)
	authSize := len(h.AuthHash) + hashPad + len(h.AuthSignature) + sigPad

	fixed := make([]byte, headerFixedSize)
	copy(fixed[0:4], HeaderMagic)
	be := binary.BigEndian
	be.PutUint32(fixed[4:8], h.RequiredLibavbVersionMajor)
	be.PutUint32(fixed[8:12], h.RequiredLibavbVersionMinor)
	be.PutUint64(fixed[12:20], uint64(authSize))
	be.PutUint64(fixed[20:28], uint64(auxSize))
	be.PutUint32(fixed[28:32], uint32(h.Algorithm))
	be.PutUint64(fixed[32:40], 0)
	be.PutUint64(fixed[40:48], uint64(len(h.AuthHash)))
	be.PutUint64(fixed[48:56], uint64(len(h.AuthHash)+hashPad))
	be.PutUint64(fixed[56:64], uint64(len(h.AuthSignature)))
	be.PutUint64(fixed[64:72], 0)
	be.PutUint64(fixed[72:80], uint64(len(h.PublicKey)))
	be.PutUint64(fixed[80:88], uint64(len(h.PublicKey)+pubKeyPad))
	be.PutUint64(fixed[88:96], uint64(len(h.PublicKeyMetadata)))
	be.PutUint64(fixed[96:104], uint64(len(h.PublicKey)+pubKeyPad+len(h.PublicKeyMetadata)+pubKeyMetaPad))
	be.PutUint64(fixed[104:112], uint64(len(descBytes)))
	be.PutUint64(fixed[112:120], h.RollbackIndex)
	be.PutUint32(fixed[120:124], h.Flags)
	be.PutUint32(fixed[124:128], h.RollbackIndexLocation)
	copy(fixed[128:128+ReleaseStringSize], []byte(h.ReleaseString))

	if _, err := w.Write(fixed); err != nil {
		return errs.Wrap(errs.IO, err)
	}

	auth := make([]byte, 0, authSize)
	auth = append(auth, h.AuthHash...)
	auth = append(auth, make([]byte, hashPad)...)
	auth = append(auth, h.AuthSignature...)
	auth = append(auth, make([]byte, sigPad)...)
	if _, err := w.Write(auth); err != nil {
		return errs.Wrap(errs.IO, err)
	}

	aux := make([]byte, 0, auxSize)
	aux = append(aux, h.PublicKey...)
	aux = append(aux, make([]byte, pubKeyPad)...)
	aux = append(aux, h.PublicKeyMetadata...)
	aux = append(aux, make([]byte, pubKeyMetaPad)...)
	aux = append(aux, descBytes...)
	aux = append(aux, make([]byte, descPad)...)
	if _, err := w.Write(aux); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// Size returns the serialized header's total length in bytes.
func (h *Header) Size() int64 {
	var buf bytes.Buffer
	_ = h.ToWriter(&buf)
	return int64(buf.Len())
}
