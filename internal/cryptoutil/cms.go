package cryptoutil

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/smallstep/pkcs7"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// SignWholeArchive produces a detached CMS/PKCS7 signature over data,
// signed by key/cert, matching the signature block Android's recovery
// updater verifies against the rest of a patched OTA archive.
func SignWholeArchive(data []byte, cert *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: init signed data: %w", err))
	}
	signedData.Detach()
	if err := signedData.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: add signer: %w", err))
	}
	sig, err := signedData.Finish()
	if err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: finish: %w", err))
	}
	return sig, nil
}

// VerifyWholeArchive checks a detached CMS signature over data, returning
// the embedded signer's certificate. If trusted is non-nil, the signer
// certificate must match it exactly (the core only ever supports a single
// trusted signer, not a chain).
func VerifyWholeArchive(data, signature []byte, trusted *x509.Certificate) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: parse signature: %w", err))
	}
	p7.Content = data
	if err := p7.Verify(); err != nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: verify: %w", err))
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: no signer certificate embedded"))
	}
	if trusted != nil && !signer.Equal(trusted) {
		return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("cms: signer certificate does not match trusted certificate"))
	}
	return signer, nil
}
