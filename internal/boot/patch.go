package boot

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"time"

	"github.com/avbpatch/avbpatch/internal/cpio"
	"github.com/avbpatch/avbpatch/internal/errs"
)

// BuildOtacertsZip wraps cert's PEM encoding in a single-entry, stored
// zip archive under the name AOSP's recovery verifier scans for, written
// with stdlib archive/zip directly rather than the internal/zipfmt writer
// the Archive Rewriter uses for the OTA package itself.
func BuildOtacertsZip(cert *x509.Certificate) ([]byte, error) {
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     "ota.x509.pem",
		Method:   zip.Store,
		Modified: time.Unix(0, 0),
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("otacerts: %w", err))
	}
	if _, err := w.Write(pemBytes); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("otacerts: %w", err))
	}
	if err := zw.Close(); err != nil {
		return nil, errs.Wrap(errs.IO, fmt.Errorf("otacerts: %w", err))
	}
	return buf.Bytes(), nil
}

// ReadOtacerts recovers the raw otacerts.zip bytes from img's ramdisk, for
// the Verifier's post-patch confirmation that the expected certificate
// made it in.
func ReadOtacerts(img *Image) ([]byte, error) {
	raw, _, err := decompressRamdisk(img.Ramdisk)
	if err != nil {
		return nil, err
	}
	archive, err := cpio.Load(raw)
	if err != nil {
		return nil, err
	}
	entry := archive.Get(otacertsPath)
	if entry == nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("otacerts: %s not present in ramdisk", otacertsPath))
	}
	return entry.Data, nil
}

// ExtractCertFromOtacertsZip decodes the single PEM certificate out of an
// otacerts.zip blob as built by BuildOtacertsZip.
func ExtractCertFromOtacertsZip(zipBytes []byte) (*x509.Certificate, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("otacerts: %w", err))
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, errs.Wrap(errs.IO, fmt.Errorf("otacerts: %w", err))
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errs.Wrap(errs.IO, fmt.Errorf("otacerts: %w", err))
		}
		block, _ := pem.Decode(data)
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errs.Wrap(errs.Cryptographic, fmt.Errorf("otacerts: %w", err))
		}
		return cert, nil
	}
	return nil, errs.Wrap(errs.Structural, fmt.Errorf("otacerts: no certificate entry found"))
}

// Patch is a capability the Boot Phase applies to a set of candidate
// boot-like images: it decides which of them it targets, then mutates
// that one in place. Concrete patchers are composed by simple iteration
// -- the mandatory OtaCertPatcher runs first, followed by at most one
// optional root patcher.
type Patch interface {
	// FindTarget returns the name of the image in images this patch
	// applies to, or "" if none of them is a fit.
	FindTarget(images map[string]*Image) string
	// Apply mutates img in place.
	Apply(img *Image) error
}

// otacertsPath is where AOSP's recovery updater looks for the trusted
// OTA certificate bundle inside the boot ramdisk.
const otacertsPath = "system/etc/security/otacerts.zip"

// OtaCertPatcher replaces (or inserts) the OTA verification certificate
// bundle carried in a boot-like ramdisk, so a device re-signed with a
// different key can still accept future updates signed by that key.
// It is mandatory: every patch run applies it, targeting recovery if
// present, else boot, else init_boot -- matching AOSP's search order for
// where otacerts.zip is read from during an OTA.
type OtaCertPatcher struct {
	CertZip []byte // a single-entry zip containing the new PEM certificate
}

var bootTargetPriority = []string{"recovery", "boot", "init_boot"}

func (p *OtaCertPatcher) FindTarget(images map[string]*Image) string {
	for _, name := range bootTargetPriority {
		if _, ok := images[name]; ok {
			return name
		}
	}
	return ""
}

func (p *OtaCertPatcher) Apply(img *Image) error {
	return img.EditRamdisk(func(raw []byte) ([]byte, error) {
		archive, err := cpio.Load(raw)
		if err != nil {
			return nil, err
		}
		archive.Set(otacertsPath, &cpio.Entry{Mode: 0o100644, Data: p.CertZip})
		return archive.Dump(), nil
	})
}

// NewOtaCertPatcher builds the single-entry, stored-only otacerts.zip
// AOSP expects, containing cert (PEM-encoded) under the name the
// recovery verifier looks up.
func NewOtaCertPatcher(cert *x509.Certificate) (*OtaCertPatcher, error) {
	zipBytes, err := BuildOtacertsZip(cert)
	if err != nil {
		return nil, err
	}
	return &OtaCertPatcher{CertZip: zipBytes}, nil
}

// MagiskRootPatcher injects the Magisk root-of-trust into a boot
// image's ramdisk: it moves the stock init entry (if any) to
// .backup/init, installs Binary as the new init, and writes a
// .backup/.magisk config carrying PreinitDevice and RandomSeed. The rest
// of the stock ramdisk is left in place.
type MagiskRootPatcher struct {
	// Binary is the Magisk "magiskboot"-staged init executable content
	// to install as the ramdisk's init entry point.
	Binary []byte
	// PreinitDevice optionally pins the partition Magisk uses for its
	// preinit data, propagated into config.
	PreinitDevice string
	// RandomSeed optionally seeds Magisk's runtime, propagated into
	// config.
	RandomSeed int64
}

func (p *MagiskRootPatcher) FindTarget(images map[string]*Image) string {
	for _, name := range []string{"boot", "recovery"} {
		if _, ok := images[name]; ok {
			return name
		}
	}
	return ""
}

func (p *MagiskRootPatcher) Apply(img *Image) error {
	return img.EditRamdisk(func(raw []byte) ([]byte, error) {
		archive, err := cpio.Load(raw)
		if err != nil {
			return nil, err
		}
		if existing := archive.Get("init"); existing != nil {
			archive.Set(".backup/init", existing)
		}
		archive.Set("init", &cpio.Entry{Mode: 0o100755, Data: p.Binary})
		archive.Set(".backup/.magisk", &cpio.Entry{
			Mode: 0o100644,
			Data: []byte(fmt.Sprintf("PREINITDEVICE=%s\nRANDOMSEED=%d\n", p.PreinitDevice, p.RandomSeed)),
		})
		return archive.Dump(), nil
	})
}

// PrepatchedImagePatcher swaps a boot-like image wholesale for a
// caller-supplied image already carrying a third party's root patch
// (e.g. a vendor-provided prepatched boot.img), bypassing the ramdisk
// edit entirely.
type PrepatchedImagePatcher struct {
	TargetName  string
	Replacement []byte
}

func (p *PrepatchedImagePatcher) FindTarget(images map[string]*Image) string {
	if _, ok := images[p.TargetName]; ok {
		return p.TargetName
	}
	return ""
}

func (p *PrepatchedImagePatcher) Apply(img *Image) error {
	replacement, err := Parse(p.Replacement)
	if err != nil {
		return errs.Wrap(errs.Structural, fmt.Errorf("prepatched image: %w", err))
	}
	*img = *replacement
	return nil
}

// ApplyChain runs patches in order against images, mutating whichever
// image each patch targets. A patch that finds no target is skipped,
// not an error -- not every device carries every boot-like partition.
func ApplyChain(images map[string]*Image, patches []Patch) error {
	for _, p := range patches {
		name := p.FindTarget(images)
		if name == "" {
			continue
		}
		if err := p.Apply(images[name]); err != nil {
			return fmt.Errorf("patch %T on %q: %w", p, name, err)
		}
	}
	return nil
}
