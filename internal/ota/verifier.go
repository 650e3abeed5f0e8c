package ota

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/avbpatch/avbpatch/internal/avb"
	"github.com/avbpatch/avbpatch/internal/boot"
	"github.com/avbpatch/avbpatch/internal/cryptoutil"
	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
	"github.com/avbpatch/avbpatch/internal/zipfmt"
)

// VerifyResult summarizes a completed verification pass, for the CLI front
// end to render as a human-readable report.
type VerifyResult struct {
	SignerCertificate  *x509.Certificate
	CertificateMatches bool // only meaningful if a trusted cert was supplied
	PartitionsChecked  []string
	OtacertsFoundIn    string
	AVBRootName        string
}

// VerifyConfig collects the Verifier's optional inputs (§4.7). Everything
// here is optional: an empty TempDir means the system temp directory, and
// without a trusted OTA cert, payload key, or AVB key, the corresponding
// check is skipped with a warning rather than failing, since a bare
// archive alone cannot prove those identities.
type VerifyConfig struct {
	TrustedCert  *x509.Certificate
	PayloadKey   *rsa.PublicKey
	AVBPublicKey *rsa.PublicKey
	TempDir      string
}

// Verify performs the full inverse pipeline (§4.7) against an OTA archive
// of totalSize bytes (container plus this core's appended signature
// trailer, see SplitSignatureTrailer): whole-archive signature
// verification, optional trusted-cert match, metadata-offset cross-check,
// payload signature verification, per-partition digest comparison
// (parallel, one task per partition), otacerts recovery from boot images,
// and AVB chain traversal from the vbmeta root.
func Verify(r io.ReaderAt, totalSize int64, cfg VerifyConfig, cancel *stream.CancelSignal, log *logrus.Entry) (*VerifyResult, error) {
	containerSize, sig, err := SplitSignatureTrailer(r, totalSize)
	if err != nil {
		return nil, err
	}
	archiveBytes := make([]byte, containerSize)
	if _, err := r.ReadAt(archiveBytes, 0); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	signer, err := cryptoutil.VerifyWholeArchive(archiveBytes, sig, nil)
	if err != nil {
		return nil, fmt.Errorf("verify: whole-archive signature: %w", err)
	}

	result := &VerifyResult{SignerCertificate: signer}
	if cfg.TrustedCert != nil {
		result.CertificateMatches = signer.Equal(cfg.TrustedCert)
		if !result.CertificateMatches && log != nil {
			log.Warn("signer certificate does not match the supplied trusted certificate")
		}
	} else if log != nil {
		log.Warn("no trusted certificate supplied; signer identity not cross-checked")
	}

	if err := VerifyMetadataOffsets(r, containerSize); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	zr, err := zipfmt.NewReader(r, containerSize)
	if err != nil {
		return nil, err
	}
	payloadEntry := zr.Find(pathPayload)
	if payloadEntry == nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("verify: missing %s", pathPayload))
	}
	payloadOff, err := payloadEntry.DataOffset()
	if err != nil {
		return nil, err
	}
	payloadSize := int64(payloadEntry.UncompressedSize)

	h, err := payload.ReadHeader(io.NewSectionReader(r, payloadOff, payloadSize))
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	manifest, err := payload.ReadManifest(io.NewSectionReader(r, payloadOff+payload.HeaderSize, payloadSize-payload.HeaderSize), h)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	manifest.BlobBase += payloadOff

	if cfg.PayloadKey != nil {
		if err := payload.VerifySignature(io.NewSectionReader(r, payloadOff, payloadSize), cfg.PayloadKey); err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
	} else if log != nil {
		log.Warn("no payload public key supplied; payload signature not checked")
	}

	names, err := checkPartitionDigests(r, manifest, cfg.TempDir, cancel, log)
	if err != nil {
		return nil, err
	}
	result.PartitionsChecked = names

	if bootName, err := checkOtacerts(r, manifest, cfg.TempDir, signer); err != nil {
		return nil, err
	} else {
		result.OtacertsFoundIn = bootName
	}

	if cfg.AVBPublicKey != nil {
		root, err := verifyAVBChain(r, manifest, cfg.TempDir, cfg.AVBPublicKey)
		if err != nil {
			return nil, err
		}
		result.AVBRootName = root
	} else if log != nil {
		log.Warn("no AVB public key supplied; vbmeta chain not verified")
	}

	return result, nil
}

// extractPartitionToTemp pulls part's post-image out of the payload
// blob (payloadR must cover the whole payload, positioned relative to
// manifest.BlobBase) into a freshly created temp file, returning it open
// for reading at offset 0 plus a cleanup func that closes and removes it.
func extractPartitionToTemp(payloadR io.ReadSeeker, manifest *payload.Manifest, part *pb.PartitionUpdate, tempDir string, cancel *stream.CancelSignal) (*os.File, func(), error) {
	tmp, err := stream.CreateTemp(tempDir, "ota-verify-")
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if err := payload.ExtractImage(payloadR, manifest.BlobBase, part, manifest.BlockSize, tmp, cancel); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("extract %q: %w", part.PartitionName, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, errs.Wrap(errs.IO, err)
	}
	return tmp, cleanup, nil
}

// checkPartitionDigests extracts every manifest partition into a temp
// file and compares its SHA-256 against the manifest's declared new-info
// digest, one task per partition via a worker pool (§5). It returns the
// partition names checked, sorted by name.
func checkPartitionDigests(r io.ReaderAt, manifest *payload.Manifest, tempDir string, cancel *stream.CancelSignal, log *logrus.Entry) ([]string, error) {
	type outcome struct {
		name string
		err  error
	}

	results := make([]outcome, len(manifest.Partitions))
	var wg sync.WaitGroup
	for i, part := range manifest.Partitions {
		i, part := i, part
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = outcome{name: part.PartitionName, err: verifyOnePartitionDigest(r, manifest, part, tempDir, cancel)}
		}()
	}
	wg.Wait()

	names := make([]string, 0, len(results))
	for _, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("verify: partition %q: %w", res.name, res.err)
		}
		names = append(names, res.name)
		if log != nil {
			log.WithField("partition", res.name).Debug("digest verified")
		}
	}
	sort.Strings(names)
	return names, nil
}

func verifyOnePartitionDigest(r io.ReaderAt, manifest *payload.Manifest, part *pb.PartitionUpdate, tempDir string, cancel *stream.CancelSignal) error {
	if part.NewPartitionInfo == nil {
		return errs.Wrap(errs.Structural, fmt.Errorf("manifest declares no new-info digest"))
	}

	payloadSection := io.NewSectionReader(r, 0, 1<<62)
	tmp, cleanup, err := extractPartitionToTemp(payloadSection, manifest, part, tempDir, cancel)
	if err != nil {
		return err
	}
	defer cleanup()

	h := sha256.New()
	if _, err := io.Copy(h, tmp); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	sum := h.Sum(nil)
	if !bytesEqual(sum, part.NewPartitionInfo.Hash) {
		return errs.Wrap(errs.Structural, fmt.Errorf("digest mismatch: got %x, want %x", sum, part.NewPartitionInfo.Hash))
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkOtacerts recovers otacerts.zip from every boot-like partition the
// manifest carries and confirms at least one embeds signer -- the
// boot-image side of the key-rotation guarantee the whole-archive
// signature alone doesn't cover.
func checkOtacerts(r io.ReaderAt, manifest *payload.Manifest, tempDir string, signer *x509.Certificate) (string, error) {
	for _, name := range bootLikeNames {
		part := manifest.Partition(name)
		if part == nil {
			continue
		}
		payloadSection := io.NewSectionReader(r, 0, 1<<62)
		tmp, cleanup, err := extractPartitionToTemp(payloadSection, manifest, part, tempDir, nil)
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(tmp)
		cleanup()
		if err != nil {
			continue
		}
		img, err := boot.Parse(raw)
		if err != nil {
			continue
		}
		zipBytes, err := boot.ReadOtacerts(img)
		if err != nil {
			continue
		}
		cert, err := boot.ExtractCertFromOtacertsZip(zipBytes)
		if err != nil {
			continue
		}
		if cert.Equal(signer) {
			return name, nil
		}
	}
	return "", errs.Wrap(errs.Structural, fmt.Errorf("no boot-like partition's otacerts.zip contains the signer certificate"))
}

// verifyAVBChain loads the vbmeta root and every descendant it reaches via
// its descriptors and returns the root's name. The root's signature is
// checked against pub, each chained child's against the public key its
// parent's ChainPartition descriptor embeds, and each Hash descriptor's
// digest against the actual partition content. A Hashtree descriptor's
// partition is only checked for presence in the manifest; its content is
// not verified.
func verifyAVBChain(r io.ReaderAt, manifest *payload.Manifest, tempDir string, pub *rsa.PublicKey) (string, error) {
	root := manifest.Partition("vbmeta")
	if root == nil {
		return "", errs.Wrap(errs.Structural, fmt.Errorf("verify avb chain: no vbmeta partition in manifest"))
	}

	rootImg, err := loadAVBImageFromPayload(r, manifest, root, tempDir)
	if err != nil {
		return "", fmt.Errorf("verify avb chain: extract vbmeta: %w", err)
	}
	if !rootImg.IsStandaloneVbmeta() {
		return "", errs.Wrap(errs.Structural, fmt.Errorf("verify avb chain: vbmeta carries a footer"))
	}
	if err := rootImg.Header.Verify(pub); err != nil {
		return "", fmt.Errorf("verify avb chain: vbmeta: %w", err)
	}

	visited := map[string]bool{"vbmeta": true}
	if err := verifyChainNode(r, manifest, rootImg.Header, tempDir, visited); err != nil {
		return "", err
	}
	return "vbmeta", nil
}

// loadAVBImageFromPayload extracts part into a temp file and loads its AVB
// header via avb.LoadImage, which handles both a standalone vbmeta blob
// and a boot-like image carrying an appended footer.
func loadAVBImageFromPayload(r io.ReaderAt, manifest *payload.Manifest, part *pb.PartitionUpdate, tempDir string) (*avb.Image, error) {
	payloadSection := io.NewSectionReader(r, 0, 1<<62)
	tmp, cleanup, err := extractPartitionToTemp(payloadSection, manifest, part, tempDir, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return avb.LoadImage(stream.NewFile(tmp))
}

func verifyChainNode(r io.ReaderAt, manifest *payload.Manifest, hdr *avb.Header, tempDir string, visited map[string]bool) error {
	for _, d := range hdr.Descriptors {
		name := descriptorPartitionName(d)
		if name == "" || visited[name] {
			continue
		}
		visited[name] = true

		part := manifest.Partition(name)
		if part == nil {
			return errs.Wrap(errs.Graph, fmt.Errorf("verify avb chain: descriptor references %q, absent from manifest", name))
		}

		switch d.Tag {
		case avb.TagChainPartition:
			childImg, err := loadAVBImageFromPayload(r, manifest, part, tempDir)
			if err != nil {
				return fmt.Errorf("verify avb chain: extract %q: %w", name, err)
			}
			childPub, err := avb.DecodePublicKey(d.PublicKey)
			if err != nil {
				return fmt.Errorf("verify avb chain: %q: %w", name, err)
			}
			if err := childImg.Header.Verify(childPub); err != nil {
				return fmt.Errorf("verify avb chain: %q: %w", name, err)
			}
			if err := verifyChainNode(r, manifest, childImg.Header, tempDir, visited); err != nil {
				return err
			}
		case avb.TagHash:
			payloadSection := io.NewSectionReader(r, 0, 1<<62)
			tmp, cleanup, err := extractPartitionToTemp(payloadSection, manifest, part, tempDir, nil)
			if err != nil {
				return fmt.Errorf("verify avb chain: extract %q: %w", name, err)
			}
			ok, err := verifyHashDescriptor(tmp, d)
			cleanup()
			if err != nil {
				return fmt.Errorf("verify avb chain: %q: %w", name, err)
			}
			if !ok {
				return errs.Wrap(errs.Cryptographic, fmt.Errorf("verify avb chain: %q: digest mismatch", name))
			}
		}
	}
	return nil
}

// verifyHashDescriptor recomputes Hash(salt || image[:ImageSize]) per
// d.HashAlgorithm and compares it against d.Digest, the same construction
// avbtool uses for a hash_descriptor.
func verifyHashDescriptor(content io.Reader, d *avb.Descriptor) (bool, error) {
	var h hash.Hash
	switch d.HashAlgorithm {
	case "sha1":
		h = sha1.New()
	case "sha256", "":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return false, errs.Wrap(errs.Structural, fmt.Errorf("unsupported hash algorithm %q", d.HashAlgorithm))
	}
	h.Write(d.Salt)
	if _, err := io.CopyN(h, content, int64(d.ImageSize)); err != nil && err != io.EOF {
		return false, errs.Wrap(errs.IO, err)
	}
	return bytesEqual(h.Sum(nil), d.Digest), nil
}
