package avb

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// encodedPublicKey serializes pub as two big-endian uint32 values (modulus
// size in bits, public exponent) followed by the big-endian modulus. The
// n0inv/rr Montgomery constants of avbtool's key blob are not written, so
// the blob is not byte-compatible with avbtool or libavb. This core only
// ever re-embeds a key it also holds the private half for, and
// DecodePublicKey reads this same layout back; the same key always
// serializes to the same blob.
func encodedPublicKey(pub *rsa.PublicKey) []byte {
	modulus := pub.N.Bytes()
	buf := make([]byte, 8+len(modulus))
	putBE32(buf[0:4], uint32(len(modulus)*8))
	putBE32(buf[4:8], uint32(pub.E))
	copy(buf[8:], modulus)
	return buf
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getBE32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// DecodePublicKey parses an AVB public key blob as produced by
// encodedPublicKey back into an *rsa.PublicKey, the operation a
// ChainPartition descriptor's embedded public key needs before the
// Verifier can check the child header's signature against it.
func DecodePublicKey(blob []byte) (*rsa.PublicKey, error) {
	if len(blob) < 8 {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb public key blob too short"))
	}
	modulusBits := getBE32(blob[0:4])
	exponent := getBE32(blob[4:8])
	modulusBytes := blob[8:]
	if uint32(len(modulusBytes)*8) != modulusBits {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("avb public key blob: modulus length mismatch"))
	}
	n := new(big.Int).SetBytes(modulusBytes)
	return &rsa.PublicKey{N: n, E: int(exponent)}, nil
}

// SetAlgoForKey sets h.Algorithm and h.PublicKey to match key, the step
// taken whenever a header transitions from unsigned (or differently-keyed)
// to signed with a new AVB key.
func (h *Header) SetAlgoForKey(key *rsa.PrivateKey) error {
	alg, err := AlgorithmForKey(&key.PublicKey)
	if err != nil {
		return err
	}
	h.Algorithm = alg
	h.PublicKey = encodedPublicKey(&key.PublicKey)
	return nil
}

func cryptoHashFor(alg Algorithm) crypto.Hash {
	switch alg {
	case AlgorithmSHA512RSA2048, AlgorithmSHA512RSA4096, AlgorithmSHA512RSA8192:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

func sumWith(h crypto.Hash, data []byte) []byte {
	if h == crypto.SHA512 {
		sum := sha512.Sum512(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// Sign computes h's authentication block (hash + RSA-PKCS1v15 signature)
// over its whole ToWriter serialization with the hash and signature fields
// zeroed, and stores the result in AuthHash/AuthSignature so a subsequent
// ToWriter emits the signed bytes.
func (h *Header) Sign(key *rsa.PrivateKey) error {
	if h.Algorithm == AlgorithmNone {
		if err := h.SetAlgoForKey(key); err != nil {
			return err
		}
	}

	cryptoHash := cryptoHashFor(h.Algorithm)
	h.HashSize = uint64(cryptoHash.Size())
	h.SignatureSize = uint64(h.Algorithm.SignatureSize())
	h.AuthHash = make([]byte, h.HashSize)
	h.AuthSignature = make([]byte, h.SignatureSize)

	// Serialize once with a zeroed signature field to get the exact bytes
	// libavb verifies against, then hash and sign that.
	var probe bytes.Buffer
	if err := h.ToWriter(&probe); err != nil {
		return err
	}

	sum := sumWith(cryptoHash, probe.Bytes())
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, cryptoHash, sum)
	if err != nil {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("sign avb header: %w", err))
	}

	h.AuthHash = sum
	h.AuthSignature = sig
	return nil
}

// Verify recomputes h's authentication hash over its whole serialization
// with the hash and signature fields zeroed, exactly as Sign does,
// and checks the stored AuthSignature against pub -- the inverse
// operation the Verifier's descriptor traversal uses at every node in the
// chain.
func (h *Header) Verify(pub *rsa.PublicKey) error {
	if !h.Signed() {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify avb header: not signed"))
	}

	cryptoHash := cryptoHashFor(h.Algorithm)

	signed := *h
	signed.AuthHash = make([]byte, len(h.AuthHash))
	signed.AuthSignature = make([]byte, len(h.AuthSignature))

	var probe bytes.Buffer
	if err := signed.ToWriter(&probe); err != nil {
		return err
	}
	sum := sumWith(cryptoHash, probe.Bytes())
	if !bytes.Equal(sum, h.AuthHash) {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify avb header: hash mismatch"))
	}
	if err := rsa.VerifyPKCS1v15(pub, cryptoHash, sum, h.AuthSignature); err != nil {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify avb header: signature: %w", err))
	}
	return nil
}
