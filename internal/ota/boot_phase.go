package ota

import (
	"crypto/rsa"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/avbpatch/avbpatch/internal/avb"
	"github.com/avbpatch/avbpatch/internal/boot"
	"github.com/avbpatch/avbpatch/internal/errs"
	"github.com/avbpatch/avbpatch/internal/stream"
)

// bootLikeNames lists the partitions the Boot Phase considers, in the
// order §3 classifies them.
var bootLikeNames = []string{"boot", "init_boot", "recovery", "vendor_boot"}

// BootLike reports whether name is one of the boot-like partitions.
func BootLike(name string) bool {
	for _, n := range bootLikeNames {
		if n == name {
			return true
		}
	}
	return false
}

// RunBootPhase patches every boot-like entry present in pool, one task
// per partition via a worker pool, composing the mandatory OTA-cert
// patcher with an optional root patcher. A partition no patcher targets
// is left Extracted, for the caller to prune; a partition actually
// patched is marked Modified and, if its original image carried a signed
// inline AVB footer, re-signed with avbKey before the handle is returned
// to the pool.
func RunBootPhase(pool *Pool, patches []boot.Patch, avbKey *rsa.PrivateKey, blockSize int64, cancel *stream.CancelSignal, log *logrus.Entry) error {
	present := make(map[string]*boot.Image)

	for _, name := range bootLikeNames {
		f, ok := pool.File(name)
		if !ok {
			continue
		}
		r, err := f.ReopenRead()
		if err != nil {
			return errs.Wrap(errs.IO, fmt.Errorf("boot phase: %s: %w", name, err))
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return errs.Wrap(errs.IO, fmt.Errorf("boot phase: %s: %w", name, err))
		}
		img, err := boot.Parse(data)
		if err != nil {
			return fmt.Errorf("boot phase: %s: %w", name, err)
		}
		present[name] = img
	}

	// Targets are resolved against the whole present set up front so
	// every patcher sees the same unmutated view, matching the
	// find-target-then-patch contract in §9's design note.
	targets := make(map[string][]boot.Patch)
	for _, p := range patches {
		if t := p.FindTarget(present); t != "" {
			targets[t] = append(targets[t], p)
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for name := range targets {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cancel.Check(); err != nil {
				fail(err)
				return
			}
			img := present[name]
			for _, p := range targets[name] {
				if err := p.Apply(img); err != nil {
					fail(fmt.Errorf("boot phase: %s: %w", name, err))
					return
				}
			}

			tmp, err := writePatchedBootImage(img, avbKey, blockSize)
			if err != nil {
				fail(fmt.Errorf("boot phase: %s: %w", name, err))
				return
			}

			pool.Replace(name, stream.NewFile(tmp))
			if log != nil {
				log.WithField("image", name).WithField("avb_resigned", img.AvbHeader != nil && img.AvbHeader.Signed()).
					Info("boot patcher chain applied")
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// writePatchedBootImage serializes img's patched body to a fresh temp
// file and, if the original carried a signed inline AVB footer, re-signs
// it against the new body before returning -- unconditionally, per §4.2
// ("if the original image was signed, it is re-signed"), unlike the AVB
// graph engine's "only if mutated" rule in §4.4.
func writePatchedBootImage(img *boot.Image, avbKey *rsa.PrivateKey, blockSize int64) (*os.File, error) {
	body := img.Serialize()

	tmp, err := stream.CreateTemp("", "ota-boot-")
	if err != nil {
		return nil, errs.Wrap(errs.IO, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, errs.Wrap(errs.IO, err)
	}

	if img.Footer == nil || img.AvbHeader == nil || !img.AvbHeader.Signed() {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			return nil, errs.Wrap(errs.IO, err)
		}
		return tmp, nil
	}

	img.Footer.OriginalImageSize = uint64(len(body))
	img.Footer.VbmetaOffset = uint64(len(body))
	avbImg := &avb.Image{Header: img.AvbHeader, Footer: img.Footer, OriginalSize: int64(len(body))}

	sf := stream.NewFile(tmp)
	if err := avb.WriteAndSign(sf, avbImg, avbKey, blockSize); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, errs.Wrap(errs.IO, err)
	}
	return tmp, nil
}
