package boot

import (
	"bytes"
	"fmt"

	"github.com/avbpatch/avbpatch/internal/avb"
	"github.com/avbpatch/avbpatch/internal/errs"
)

// Image is a parsed boot-like image: its header, the compressed-as-found
// ramdisk bytes (boot/init_boot/recovery) or vendor ramdisk section
// (vendor_boot), and the AVB footer/header appended by a prior signing
// pass, if this image carries its own inline vbmeta (as opposed to being
// described from a separate vbmeta-like partition).
type Image struct {
	Header        *Header
	Kernel        []byte // boot-only
	Ramdisk       []byte // compressed, as found
	ramdiskFormat ramdiskFormat
	Dtb           []byte // vendor_boot-only
	Footer        *avb.Footer
	AvbHeader     *avb.Header
}

// Parse reads a complete boot-like image, including its trailing AVB
// footer if one is present.
func Parse(data []byte) (*Image, error) {
	h, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: h}
	pageSz := uint32(h.PageSize)
	if pageSz == 0 {
		pageSz = pageSize
	}
	// The header occupies exactly one page rounded up from its declared size.
	pos := pagesFor(uint32(len(h.raw)), pageSz) * int64(pageSz)

	if !h.IsVendor {
		kernelPages := pagesFor(h.KernelSize, pageSz)
		kernelEnd := pos + kernelPages*int64(pageSz)
		if kernelEnd > int64(len(data)) {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: kernel section truncated"))
		}
		img.Kernel = append([]byte(nil), data[pos:pos+int64(h.KernelSize)]...)
		pos = kernelEnd
	}

	ramdiskPages := pagesFor(h.RamdiskSize, pageSz)
	ramdiskEnd := pos + ramdiskPages*int64(pageSz)
	if ramdiskEnd > int64(len(data)) {
		return nil, errs.Wrap(errs.Structural, fmt.Errorf("boot image: ramdisk section truncated"))
	}
	img.Ramdisk = append([]byte(nil), data[pos:pos+int64(h.RamdiskSize)]...)
	img.ramdiskFormat = detectFormat(img.Ramdisk)
	pos = ramdiskEnd

	if h.IsVendor && h.DtbSize > 0 {
		dtbPages := pagesFor(h.DtbSize, pageSz)
		dtbEnd := pos + dtbPages*int64(pageSz)
		if dtbEnd <= int64(len(data)) {
			img.Dtb = append([]byte(nil), data[pos:pos+int64(h.DtbSize)]...)
			pos = dtbEnd
		}
	}

	if footer, err := avb.ReadFooter(bytes.NewReader(tailOrEmpty(data, avb.FooterSize))); err == nil {
		img.Footer = footer
		if int64(footer.VbmetaOffset) < int64(len(data)) {
			if hdr, err := avb.ReadHeader(bytes.NewReader(data[footer.VbmetaOffset:])); err == nil {
				img.AvbHeader = hdr
			}
		}
	}

	return img, nil
}

func tailOrEmpty(data []byte, n int) []byte {
	if len(data) < n {
		return nil
	}
	return data[len(data)-n:]
}

func padPage(buf *bytes.Buffer, pageSz uint32) {
	if rem := buf.Len() % int(pageSz); rem != 0 {
		buf.Write(make([]byte, int(pageSz)-rem))
	}
}

// Serialize re-emits the unsigned image body: header (with ramdisk_size
// patched to the current Ramdisk length), kernel (boot-only), ramdisk,
// and dtb (vendor-only), each padded to a page boundary. Any AVB footer
// is reattached separately by avb.WriteAndSign, which needs the final
// signed vbmeta bytes this function has no access to.
func (img *Image) Serialize() []byte {
	pageSz := img.Header.PageSize
	if pageSz == 0 {
		pageSz = pageSize
	}
	img.Header.setRamdiskSize(uint32(len(img.Ramdisk)))

	var buf bytes.Buffer
	buf.Write(img.Header.raw)
	padPage(&buf, pageSz)

	if !img.Header.IsVendor {
		buf.Write(img.Kernel)
		padPage(&buf, pageSz)
	}

	buf.Write(img.Ramdisk)
	padPage(&buf, pageSz)

	if img.Header.IsVendor && len(img.Dtb) > 0 {
		buf.Write(img.Dtb)
		padPage(&buf, pageSz)
	}

	return buf.Bytes()
}

// EditRamdisk decompresses the ramdisk, calls edit against its raw cpio
// bytes, and recompresses the result in the original wrapping format.
func (img *Image) EditRamdisk(edit func(raw []byte) ([]byte, error)) error {
	raw, format, err := decompressRamdisk(img.Ramdisk)
	if err != nil {
		return err
	}
	edited, err := edit(raw)
	if err != nil {
		return err
	}
	compressed, err := compressRamdisk(edited, format)
	if err != nil {
		return err
	}
	img.Ramdisk = compressed
	img.ramdiskFormat = format
	return nil
}
