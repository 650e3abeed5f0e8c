// Package boot implements the boot-like (boot, init_boot, recovery,
// vendor_boot) image format and the chain of in-ramdisk patchers the Boot
// Phase drives: a mandatory OTA-certificate injector and an optional root
// patcher (Magisk or a prepatched-image swap).
package boot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/avbpatch/avbpatch/internal/errs"
)

const (
	magic       = "ANDROID!"
	vendorMagic = "VNDRBOOT"
	magicSize   = 8
	pageSize    = 4096
	cmdlineSize = 512 + 1024
	vendorArgsSize = 2048
	nameSize    = 16
)

// headerV3 mirrors boot_img_hdr_v3/v4's fixed fields (header_version 3
// adds nothing past signature_size, which v3 images simply leave as 0).
type headerV3 struct {
	Magic         [magicSize]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OsVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [cmdlineSize]byte
	SignatureSize uint32 // only meaningful/present when HeaderVersion >= 4
}

// headerVndV3 mirrors vendor_boot_img_hdr_v3, extended by v4's trailing
// ramdisk-table and bootconfig fields.
type headerVndV3 struct {
	Magic         [magicSize]byte
	HeaderVersion uint32
	PageSize      uint32
	KernelAddr    uint32
	RamdiskAddr   uint32
	RamdiskSize   uint32
	Cmdline       [vendorArgsSize]byte
	TagsAddr      uint32
	Name          [nameSize]byte
	HeaderSize    uint32
	DtbSize       uint32
	DtbAddr       uint64

	VendorRamdiskTableSize      uint32
	VendorRamdiskTableEntryNum  uint32
	VendorRamdiskTableEntrySize uint32
	BootconfigSize              uint32
}

// Header is the parsed subset of a boot-like image's header this core
// needs: enough to locate and replace the ramdisk, and to re-emit an
// equivalent header afterward.
type Header struct {
	IsVendor      bool
	HeaderVersion uint32
	KernelSize    uint32
	RamdiskSize   uint32
	SignatureSize uint32
	PageSize      uint32
	DtbSize       uint32
	raw           []byte // verbatim header bytes, patched in place on write
}

func pagesFor(size, pageSize uint32) int64 {
	if size == 0 {
		return 0
	}
	return (int64(size) + int64(pageSize) - 1) / int64(pageSize)
}

// parseHeader reads a boot or vendor_boot header from the start of data.
func parseHeader(data []byte) (*Header, error) {
	if len(data) < magicSize {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: too short"))
	}
	switch string(data[:magicSize]) {
	case magic:
		return parseBootHeader(data)
	case vendorMagic:
		return parseVendorHeader(data)
	default:
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: bad magic %q", data[:magicSize]))
	}
}

func parseBootHeader(data []byte) (*Header, error) {
	sz := binary.Size(headerV3{})
	if len(data) < sz {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: header truncated"))
	}
	var h headerV3
	if err := binary.Read(bytes.NewReader(data[:sz]), binary.LittleEndian, &h); err != nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: %w", err))
	}
	if h.HeaderVersion < 3 {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: header_version %d predates AVB-era layout; unsupported", h.HeaderVersion))
	}
	headerSize := h.HeaderSize
	if headerSize == 0 {
		headerSize = uint32(sz)
	}
	return &Header{
		HeaderVersion: h.HeaderVersion,
		KernelSize:    h.KernelSize,
		RamdiskSize:   h.RamdiskSize,
		SignatureSize: h.SignatureSize,
		PageSize:      pageSize,
		raw:           append([]byte(nil), data[:headerSize]...),
	}, nil
}

func parseVendorHeader(data []byte) (*Header, error) {
	sz := binary.Size(headerVndV3{})
	if len(data) < sz {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("vendor_boot image: header truncated"))
	}
	var h headerVndV3
	if err := binary.Read(bytes.NewReader(data[:sz]), binary.LittleEndian, &h); err != nil {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("vendor_boot image: %w", err))
	}
	headerSize := h.HeaderSize
	if headerSize == 0 {
		headerSize = uint32(sz)
	}
	return &Header{
		IsVendor:      true,
		HeaderVersion: h.HeaderVersion,
		RamdiskSize:   h.RamdiskSize,
		PageSize:      h.PageSize,
		DtbSize:       h.DtbSize,
		raw:           append([]byte(nil), data[:headerSize]...),
	}, nil
}

// setRamdiskSize patches the ramdisk_size field in the raw header bytes in
// place, matching its offset in whichever variant this header came from.
func (h *Header) setRamdiskSize(size uint32) {
	var off int
	if h.IsVendor {
		off = magicSize + 4 + 4 + 4 + 4 // magic, header_version, page_size, kernel_addr, ramdisk_addr
	} else {
		off = magicSize + 4 // magic, kernel_size
	}
	binary.LittleEndian.PutUint32(h.raw[off:off+4], size)
	h.RamdiskSize = size
}
