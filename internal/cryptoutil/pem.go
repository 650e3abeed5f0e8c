package cryptoutil

import (
	"crypto/x509" //lint:ignore SA1019 PKCS#1-encrypted PEM keys are still seen in the wild
	"encoding/pem"
)

// decryptPEMBlock decrypts a legacy encrypted PEM block (the
// "Proc-Type: 4,ENCRYPTED" form OpenSSL still emits for PKCS#1 keys) using
// the supplied passphrase. Returns block.Bytes unchanged if it isn't
// encrypted.
func decryptPEMBlock(block *pem.Block, passphrase []byte) ([]byte, error) {
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		return block.Bytes, nil
	}
	return x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
}
