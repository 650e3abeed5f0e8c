package main

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avbpatch/avbpatch/internal/cryptoutil"
	"github.com/avbpatch/avbpatch/internal/ota"
)

func newVerifyCommand() *cobra.Command {
	var (
		input           string
		trustedCertPath string
		payloadKeyPath  string
		avbKeyPath      string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a patched OTA package's signatures and digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg ota.VerifyConfig

			if trustedCertPath != "" {
				cert, err := cryptoutil.LoadCertificate(trustedCertPath)
				if err != nil {
					return err
				}
				cfg.TrustedCert = cert
			}
			if payloadKeyPath != "" {
				key, err := cryptoutil.LoadPrivateKey(payloadKeyPath, nil)
				if err != nil {
					// A verify-only invocation may be handed the public
					// half as a certificate instead of a private key.
					cert, cerr := cryptoutil.LoadCertificate(payloadKeyPath)
					if cerr != nil {
						return err
					}
					pub, ok := cert.PublicKey.(*rsa.PublicKey)
					if !ok {
						return err
					}
					cfg.PayloadKey = pub
				} else {
					cfg.PayloadKey = &key.PublicKey
				}
			}
			if avbKeyPath != "" {
				cert, err := cryptoutil.LoadCertificate(avbKeyPath)
				if err != nil {
					return err
				}
				pub, ok := cert.PublicKey.(*rsa.PublicKey)
				if !ok {
					return fmt.Errorf("avb-cert: not an RSA certificate")
				}
				cfg.AVBPublicKey = pub
			}

			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			cancel := newCancelSignal()
			result, err := ota.Verify(f, info.Size(), cfg, cancel, log.WithField("cmd", "verify"))
			if err != nil {
				return err
			}

			fmt.Printf("signer: %s\n", result.SignerCertificate.Subject)
			if cfg.TrustedCert != nil {
				fmt.Printf("trusted certificate match: %v\n", result.CertificateMatches)
			}
			fmt.Printf("partitions checked: %d\n", len(result.PartitionsChecked))
			if result.OtacertsFoundIn != "" {
				fmt.Printf("otacerts found in: %s\n", result.OtacertsFoundIn)
			}
			if result.AVBRootName != "" {
				fmt.Printf("avb chain verified from: %s\n", result.AVBRootName)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "path to the OTA package to verify (required)")
	flags.StringVar(&trustedCertPath, "trusted-cert", "", "OTA certificate the signer must match")
	flags.StringVar(&payloadKeyPath, "payload-cert", "", "certificate (or key) whose public half signed the payload")
	flags.StringVar(&avbKeyPath, "avb-cert", "", "certificate whose public half signed the vbmeta chain")
	cmd.MarkFlagRequired("input")

	return cmd
}
