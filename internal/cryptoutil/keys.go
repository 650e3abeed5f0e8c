// Package cryptoutil loads signing keys and certificates, matches a key
// against its certificate, and produces the whole-archive CMS signature
// the archive rewriter appends. It is the core's "key/certificate file
// loaders" external collaborator named in the purpose statement.
package cryptoutil

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// PassphraseSource supplies a private key's decryption passphrase from one
// of three places: an environment variable, a file, or (in the CLI front
// end only) an interactive prompt. The core treats it as an opaque
// collaborator; this interface is the narrow contract it depends on.
type PassphraseSource interface {
	Passphrase() ([]byte, error)
}

// EnvPassphrase reads a passphrase from an environment variable.
type EnvPassphrase struct{ Var string }

func (e EnvPassphrase) Passphrase() ([]byte, error) {
	v, ok := os.LookupEnv(e.Var)
	if !ok {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("environment variable %s not set", e.Var))
	}
	return []byte(v), nil
}

// FilePassphrase reads a passphrase from the first line of a file.
type FilePassphrase struct{ Path string }

func (f FilePassphrase) Passphrase() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read passphrase file: %w", err))
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return data[:i], nil
		}
	}
	return data, nil
}

// StaticPassphrase returns a fixed, already-known passphrase; used for a
// prompted value collected once by the CLI front end.
type StaticPassphrase []byte

func (s StaticPassphrase) Passphrase() ([]byte, error) { return []byte(s), nil }

// LoadPrivateKey reads an RSA private key from a PEM file, which may be
// PKCS#1 or PKCS#8. Only the legacy "Proc-Type: 4,ENCRYPTED" PEM form is
// decrypted; encrypted PKCS#8 ("ENCRYPTED PRIVATE KEY") is not supported.
func LoadPrivateKey(path string, passphrase PassphraseSource) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read key %s: %w", path, err))
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("key %s: not PEM", path))
	}

	der := block.Bytes
	if passphrase != nil {
		if pass, err := passphrase.Passphrase(); err == nil && len(pass) > 0 {
			if decrypted, derr := decryptPEMBlock(block, pass); derr == nil {
				der = decrypted
			}
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("parse key %s: %w", path, err))
	}
	rsaKey, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("key %s: not an RSA key", path))
	}
	return rsaKey, nil
}

// LoadCertificate reads an X.509 certificate from a PEM file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("read cert %s: %w", path, err))
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("cert %s: not PEM", path))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("parse cert %s: %w", path, err))
	}
	return cert, nil
}

// CertMatchesKey reports whether cert's public key is the public half of
// key, the pre-flight check the spec requires before any patch work
// begins so a mismatch is reported before partial output exists.
func CertMatchesKey(cert *x509.Certificate, key *rsa.PrivateKey) bool {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return pub.E == key.PublicKey.E && pub.N.Cmp(key.PublicKey.N) == 0
}
