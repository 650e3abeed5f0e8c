package avb

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestDecodePublicKeyRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	blob := encodedPublicKey(&key.PublicKey)
	got, err := DecodePublicKey(blob)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}

	if got.E != key.PublicKey.E {
		t.Fatalf("exponent mismatch: got %d, want %d", got.E, key.PublicKey.E)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("modulus mismatch")
	}
}

func TestDecodePublicKeyTooShort(t *testing.T) {
	if _, err := DecodePublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestDecodePublicKeyLengthMismatch(t *testing.T) {
	blob := make([]byte, 16)
	putBE32(blob[0:4], 9999)
	if _, err := DecodePublicKey(blob); err == nil {
		t.Fatal("expected error for modulus-length mismatch")
	}
}
