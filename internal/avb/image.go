package avb

import (
	"crypto/rsa"
	"io"
	"os"

	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// Image is a loaded vbmeta header plus the information needed to write it
// back: whether it was found via a footer (appended to a boot-like image)
// or as a standalone vbmeta-like partition, and the original image size to
// preserve when a footer-bearing image is re-signed.
type Image struct {
	Header        *Header
	Footer        *Footer // nil for a standalone vbmeta partition
	OriginalSize  int64
}

// LoadImage reads the AVB header from f, which may be either a raw vbmeta
// blob (header at offset 0) or a boot-like image with a footer at its tail
// pointing at an appended vbmeta blob.
func LoadImage(f *stream.File) (*Image, error) {
	r, err := f.ReopenRead()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	defer r.Close()

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}

	if size >= FooterSize {
		if _, err := r.Seek(-FooterSize, io.SeekEnd); err != nil {
			return nil, errs.Wrap(errs.IO, err)
		}
		footer, ferr := ReadFooter(r)
		if ferr == nil {
			if _, err := r.Seek(int64(footer.VbmetaOffset), io.SeekStart); err != nil {
				return nil, errs.Wrap(errs.IO, err)
			}
			hdr, err := ReadHeader(r)
			if err != nil {
				return nil, err
			}
			return &Image{Header: hdr, Footer: footer, OriginalSize: int64(footer.OriginalImageSize)}, nil
		}
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	hdr, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	return &Image{Header: hdr, OriginalSize: size}, nil
}

// IsStandaloneVbmeta reports whether this image was loaded without a
// footer, i.e. it is itself a vbmeta-like partition rather than a
// footer-bearing boot-like image with an appended vbmeta blob.
func (img *Image) IsStandaloneVbmeta() bool {
	return img.Footer == nil
}

// WriteAndSign signs img.Header with key (if it needs signing -- callers
// decide that by comparing against a snapshot) and writes the full image
// back to f: for a standalone vbmeta, just the header, padded to
// blockSize; for a footer-bearing image, the original content unchanged
// followed by the header and a refreshed footer.
func WriteAndSign(f *stream.File, img *Image, key *rsa.PrivateKey, blockSize int64) error {
	if err := img.Header.Sign(key); err != nil {
		return err
	}

	w, err := f.ReopenWrite()
	if err != nil {
		return errs.Wrap(errs.IO, err)
	}
	wc, ok := w.(io.Closer)
	if ok {
		defer wc.Close()
	}

	if img.IsStandaloneVbmeta() {
		if _, err := w.Seek(0, io.SeekStart); err != nil {
			return errs.Wrap(errs.IO, err)
		}
		if err := img.Header.ToWriter(w); err != nil {
			return err
		}
		return padToBlockSize(f, w, blockSize)
	}

	vbmetaOffset := img.Footer.VbmetaOffset
	if _, err := w.Seek(int64(vbmetaOffset), io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if err := img.Header.ToWriter(w); err != nil {
		return err
	}
	img.Footer.VbmetaSize = uint64(img.Header.Size())
	if _, err := w.Seek(int64(vbmetaOffset)+int64(img.Footer.VbmetaSize), io.SeekStart); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	if _, err := w.Write(img.Footer.Bytes()); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// padToBlockSize extends f with zero bytes until its length is a multiple
// of blockSize, matching the graph engine's re-sign step in §4.4.
func padToBlockSize(f *stream.File, w io.Writer, blockSize int64) error {
	fi, err := f.Stat()
	if err != nil {
		return errs.Wrap(errs.IO, err)
	}
	size := fi.Size()
	if blockSize <= 0 {
		return nil
	}
	rem := size % blockSize
	if rem == 0 {
		return nil
	}
	pad := blockSize - rem
	if _, err := w.Write(make([]byte, pad)); err != nil {
		return errs.Wrap(errs.IO, err)
	}
	return nil
}

// HasFooter peeks whether the last FooterSize bytes of the file at path
// look like an AVB footer, used to reject vbmeta-like images that carry
// one (the data model requires vbmeta partitions to be root-only images).
func HasFooter(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return false, err
	}
	if size < FooterSize {
		return false, nil
	}
	if _, err := f.Seek(-FooterSize, io.SeekEnd); err != nil {
		return false, err
	}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false, err
	}
	return string(magic) == FooterMagic, nil
}
