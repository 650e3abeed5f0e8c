package ota

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avbpatch/avbpatch/internal/boot"
	"github.com/avbpatch/avbpatch/internal/cryptoutil"
	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/payload"
	"github.com/avbpatch/avbpatch/internal/stream"
	"github.com/avbpatch/avbpatch/internal/zipfmt"
)

// RootPatch selects at most one of the three mutually exclusive ways a
// patch run can inject root, mirroring the CLI's --magisk/--prepatched/
// --rootless flags (§6).
type RootPatch struct {
	Magisk struct {
		Binary        []byte
		PreinitDevice string
		RandomSeed    int64
	}
	PrepatchedImage []byte // raw boot-like image bytes, nil unless --prepatched
	Rootless        bool
}

func (r *RootPatch) patchers() []boot.Patch {
	switch {
	case r.PrepatchedImage != nil:
		return []boot.Patch{&boot.PrepatchedImagePatcher{TargetName: "boot", Replacement: r.PrepatchedImage}}
	case r.Rootless || r.Magisk.Binary == nil:
		return nil
	default:
		return []boot.Patch{&boot.MagiskRootPatcher{
			Binary:        r.Magisk.Binary,
			PreinitDevice: r.Magisk.PreinitDevice,
			RandomSeed:    r.Magisk.RandomSeed,
		}}
	}
}

// PatchConfig collects every input a single patch run needs (§6). The
// payload signing key is deliberately the same RSA key as OTAKey: the
// spec's external-interface list names only an AVB key and an OTA
// key/certificate pair, and real-world OTA packaging signs the payload
// and the archive wrapper with the same key, so this core does not ask
// the caller for a third keypair.
type PatchConfig struct {
	AVBKey           *rsa.PrivateKey
	OTAKey           *rsa.PrivateKey
	OTACert          *x509.Certificate
	Replace          map[string]string // partition name -> replacement file path
	Root             RootPatch
	ClearVbmetaFlags bool
	TempDir          string
	OutputPath       string
}

// Patch runs the full pipeline against the archive at r (size bytes):
// Image Pool population, System Phase, Boot Phase, AVB Graph Engine, then
// the Archive Rewriter producing a freshly signed package at
// cfg.OutputPath.
func Patch(r io.ReaderAt, size int64, cfg PatchConfig, cancel *stream.CancelSignal, log *logrus.Entry) error {
	if log != nil {
		log = log.WithField("run_id", uuid.NewString())
	}
	if !cryptoutil.CertMatchesKey(cfg.OTACert, cfg.OTAKey) {
		return errs.Wrap(errs.Cryptographic, fmt.Errorf("patch: OTA certificate does not match OTA private key"))
	}

	payloadOff, payloadSize, err := locatePayload(r, size)
	if err != nil {
		return err
	}
	if log != nil {
		log.WithField("payload_size", humanize.Bytes(uint64(payloadSize))).Debug("located payload")
	}
	payloadSection := io.NewSectionReader(r, payloadOff, payloadSize)
	h, err := payload.ReadHeader(payloadSection)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	manifest, err := payload.ReadManifest(payloadSection, h)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	required := RequiredImages(manifest, cfg.Replace)

	pool := NewPool(cfg.TempDir)
	defer pool.Close()

	poolPayloadR := io.NewSectionReader(r, payloadOff, payloadSize)
	if err := pool.Open(required, cfg.Replace, poolPayloadR, manifest.BlobBase, manifest.DeltaArchiveManifest, manifest.BlockSize, cancel); err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	modifiedRanges, err := RunSystemPhase(pool, cfg.OTACert, cfg.OTAKey, cancel)
	if err != nil {
		return err
	}

	otaCertPatcher, err := boot.NewOtaCertPatcher(cfg.OTACert)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	patches := append([]boot.Patch{otaCertPatcher}, cfg.Root.patchers()...)
	if err := RunBootPhase(pool, patches, cfg.AVBKey, int64(manifest.BlockSize), cancel, log); err != nil {
		return err
	}

	var vbmetaNames []string
	for _, name := range pool.Names() {
		if VbmetaLike(name) {
			vbmetaNames = append(vbmetaNames, name)
		}
	}
	if len(vbmetaNames) > 0 {
		if err := RunAVBPhase(pool, vbmetaNames, cfg.AVBKey, int64(manifest.BlockSize), cfg.ClearVbmetaFlags, log); err != nil {
			return err
		}
	}

	pool.Prune(func(name string, p Provenance) bool { return p == Modified })

	externalNames := make(map[string]bool, len(cfg.Replace))
	for name := range cfg.Replace {
		externalNames[name] = true
	}

	dst, err := os.Create(cfg.OutputPath)
	if err != nil {
		return errs.Wrap(errs.IO, err)
	}
	defer dst.Close()

	rewritePayloadR := io.NewSectionReader(r, payloadOff, payloadSize)
	err = RewriteArchive(dst, r, size, manifest, rewritePayloadR, pool, externalNames, modifiedRanges, cfg.OTACert, cfg.OTAKey, cfg.OTAKey, cancel, log)
	if err == nil {
		// Final pass: confirm the metadata's offsets against the output.
		var info os.FileInfo
		if info, err = dst.Stat(); err != nil {
			err = errs.Wrap(errs.IO, err)
		} else {
			var containerSize int64
			if containerSize, _, err = SplitSignatureTrailer(dst, info.Size()); err == nil {
				err = VerifyMetadataOffsets(dst, containerSize)
			}
		}
	}
	if err != nil {
		os.Remove(cfg.OutputPath)
		return err
	}
	if log != nil {
		log.WithField("output", cfg.OutputPath).Info("patch complete")
	}
	return nil
}

// RequiredImages classifies which manifest partitions the pipeline must
// pull into the Image Pool: every boot-like and vbmeta-like partition the
// payload actually carries, the system partition if present, and any
// partition the caller is externally replacing.
func RequiredImages(manifest *payload.Manifest, replace map[string]string) []string {
	var names []string
	for _, part := range manifest.Partitions {
		name := part.PartitionName
		if BootLike(name) || VbmetaLike(name) || name == systemPartitionName {
			names = append(names, name)
		}
	}
	for name := range replace {
		found := false
		for _, n := range names {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			names = append(names, name)
		}
	}
	return names
}

// ExtractConfig selects what Extract pulls out of an OTA archive's
// payload and where, independent of any patching (a read-only companion
// operation, not named as a component in spec.md §4 but required by its
// §6 CLI surface).
type ExtractConfig struct {
	// Names, if non-empty, restricts extraction to these partitions.
	// Otherwise every boot-like partition is extracted, unless All is
	// set.
	Names  []string
	All    bool
	OutDir string
}

// Extract pulls the requested partitions out of r's payload into
// cfg.OutDir as "<name>.img" files, rejecting any partition name that
// isn't safe to join onto a directory path (no separators or traversal)
// and any manifest that names the same partition more than once.
func Extract(r io.ReaderAt, size int64, cfg ExtractConfig, cancel *stream.CancelSignal, log *logrus.Entry) error {
	if log != nil {
		log = log.WithField("run_id", uuid.NewString())
	}
	payloadOff, payloadSize, err := locatePayload(r, size)
	if err != nil {
		return err
	}
	payloadSection := io.NewSectionReader(r, payloadOff, payloadSize)
	h, err := payload.ReadHeader(payloadSection)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	manifest, err := payload.ReadManifest(payloadSection, h)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	seen := make(map[string]bool, len(manifest.Partitions))
	for _, part := range manifest.Partitions {
		if seen[part.PartitionName] {
			return errs.Wrap(errs.Structural, fmt.Errorf("extract: duplicate partition-update entry %q", part.PartitionName))
		}
		seen[part.PartitionName] = true
	}

	var targets []string
	switch {
	case len(cfg.Names) > 0:
		targets = cfg.Names
	case cfg.All:
		for name := range seen {
			targets = append(targets, name)
		}
	default:
		for name := range seen {
			if BootLike(name) {
				targets = append(targets, name)
			}
		}
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return errs.Wrap(errs.IO, err)
	}

	for _, name := range targets {
		if err := cancel.Check(); err != nil {
			return err
		}
		if filepath.Base(name) != name {
			return errs.Wrap(errs.Structural, fmt.Errorf("extract: unsafe partition name %q", name))
		}
		part := manifest.Partition(name)
		if part == nil {
			return errs.Wrap(errs.Structural, fmt.Errorf("extract: %q not present in payload manifest", name))
		}

		dstPath := filepath.Join(cfg.OutDir, name+".img")
		dst, err := os.Create(dstPath)
		if err != nil {
			return errs.Wrap(errs.IO, err)
		}
		extractR := io.NewSectionReader(r, payloadOff, payloadSize)
		if err := payload.ExtractImage(extractR, manifest.BlobBase, part, manifest.BlockSize, dst, cancel); err != nil {
			dst.Close()
			return fmt.Errorf("extract: %s: %w", name, err)
		}
		dst.Close()
		if log != nil {
			entry := log.WithField("partition", name).WithField("path", dstPath)
			if part.NewPartitionInfo != nil {
				entry = entry.WithField("size", humanize.Bytes(part.NewPartitionInfo.Size))
			}
			entry.Info("extracted")
		}
	}
	return nil
}

// locatePayload finds payload.bin inside the outer zip container and
// returns its data offset and declared (uncompressed, since it must be
// stored) size.
func locatePayload(r io.ReaderAt, size int64) (offset, length int64, err error) {
	zr, err := zipfmt.NewReader(r, size)
	if err != nil {
		return 0, 0, err
	}
	e := zr.Find(pathPayload)
	if e == nil {
		return 0, 0, errs.Wrap(errs.Structural, fmt.Errorf("patch: missing %s", pathPayload))
	}
	off, err := e.DataOffset()
	if err != nil {
		return 0, 0, err
	}
	return off, int64(e.UncompressedSize), nil
}
