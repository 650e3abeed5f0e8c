package avb

import (
	"encoding/binary"
	"fmt"

	"github.com/avbpatch/avbpatch/internal/errs"
)

// Tag identifies a descriptor's variant, matching libavb's
// AVB_DESCRIPTOR_TAG_* constants.
type Tag uint64

const (
	TagProperty       Tag = 0
	TagHashtree       Tag = 1
	TagHash           Tag = 2
	TagKernelCmdline  Tag = 3
	TagChainPartition Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagProperty:
		return "property"
	case TagHashtree:
		return "hashtree"
	case TagHash:
		return "hash"
	case TagKernelCmdline:
		return "kernel_cmdline"
	case TagChainPartition:
		return "chain_partition"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// Descriptor is a tagged union over the five AVB descriptor variants this
// core understands, plus a passthrough Raw form for anything else so
// unrecognized descriptors survive a read/rewrite cycle unchanged.
type Descriptor struct {
	Tag Tag

	// Hash / Hashtree
	PartitionName string
	ImageSize     uint64
	HashAlgorithm string
	Salt          []byte
	Digest        []byte // Hash: digest. Hashtree: root digest.

	// Hashtree-only
	DmVerityVersion uint32
	TreeOffset      uint64
	TreeSize        uint64
	DataBlockSize   uint32
	HashBlockSize   uint32
	FECNumRoots     uint32
	FECOffset       uint64
	FECSize         uint64
	HashtreeFlags   uint32

	// ChainPartition
	RollbackIndexLocation uint32
	PublicKey             []byte

	// Property
	PropertyKey   string
	PropertyValue []byte

	// KernelCmdline
	CmdlineFlags uint32
	Cmdline      string

	// Raw carries the verbatim descriptor body for any tag this package
	// doesn't model, so unknown descriptors round-trip byte-for-byte.
	Raw []byte
}

func decodeDescriptors(data []byte) ([]*Descriptor, error) {
	var out []*Descriptor
	for len(data) > 0 {
		if len(data) < 16 {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("descriptor: truncated header"))
		}
		tag := Tag(binary.BigEndian.Uint64(data[0:8]))
		following := binary.BigEndian.Uint64(data[8:16])
		total := 16 + following
		if total > uint64(len(data)) {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("descriptor: body exceeds remaining bytes"))
		}
		body := data[16:total]
		d, err := decodeDescriptorBody(tag, body)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		data = data[descAlignedSize(int(total)):]
	}
	return out, nil
}

func decodeDescriptorBody(tag Tag, body []byte) (*Descriptor, error) {
	be := binary.BigEndian
	switch tag {
	case TagHash:
		if len(body) < 8+32+4+4+4+60 {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("hash descriptor: too short"))
		}
		imageSize := be.Uint64(body[0:8])
		algo := cString(body[8:40])
		partLen := be.Uint32(body[40:44])
		saltLen := be.Uint32(body[44:48])
		digestLen := be.Uint32(body[48:52])
		rest := body[52+60:]
		if uint32(len(rest)) < partLen+saltLen+digestLen {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("hash descriptor: variable data truncated"))
		}
		name := string(rest[:partLen])
		rest = rest[partLen:]
		salt := append([]byte(nil), rest[:saltLen]...)
		rest = rest[saltLen:]
		digest := append([]byte(nil), rest[:digestLen]...)
		return &Descriptor{
			Tag: tag, PartitionName: name, ImageSize: imageSize,
			HashAlgorithm: algo, Salt: salt, Digest: digest,
		}, nil

	case TagHashtree:
		const fixed = 4 + 8 + 8 + 8 + 4 + 4 + 4 + 8 + 8 + 32 + 4 + 4 + 4 + 4 + 60
		if len(body) < fixed {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("hashtree descriptor: too short"))
		}
		dmVersion := be.Uint32(body[0:4])
		imageSize := be.Uint64(body[4:12])
		treeOffset := be.Uint64(body[12:20])
		treeSize := be.Uint64(body[20:28])
		dataBlockSize := be.Uint32(body[28:32])
		hashBlockSize := be.Uint32(body[32:36])
		fecRoots := be.Uint32(body[36:40])
		fecOffset := be.Uint64(body[40:48])
		fecSize := be.Uint64(body[48:56])
		algo := cString(body[56:88])
		partLen := be.Uint32(body[88:92])
		saltLen := be.Uint32(body[92:96])
		digestLen := be.Uint32(body[96:100])
		flags := be.Uint32(body[100:104])
		rest := body[104+60:]
		if uint32(len(rest)) < partLen+saltLen+digestLen {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("hashtree descriptor: variable data truncated"))
		}
		name := string(rest[:partLen])
		rest = rest[partLen:]
		salt := append([]byte(nil), rest[:saltLen]...)
		rest = rest[saltLen:]
		digest := append([]byte(nil), rest[:digestLen]...)
		return &Descriptor{
			Tag: tag, PartitionName: name, ImageSize: imageSize,
			DmVerityVersion: dmVersion, TreeOffset: treeOffset, TreeSize: treeSize,
			DataBlockSize: dataBlockSize, HashBlockSize: hashBlockSize,
			FECNumRoots: fecRoots, FECOffset: fecOffset, FECSize: fecSize,
			HashAlgorithm: algo, Salt: salt, Digest: digest, HashtreeFlags: flags,
		}, nil

	case TagChainPartition:
		const fixed = 4 + 4 + 4 + 64
		if len(body) < fixed {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("chain_partition descriptor: too short"))
		}
		rbLoc := be.Uint32(body[0:4])
		partLen := be.Uint32(body[4:8])
		keyLen := be.Uint32(body[8:12])
		rest := body[fixed:]
		if uint32(len(rest)) < partLen+keyLen {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("chain_partition descriptor: variable data truncated"))
		}
		name := string(rest[:partLen])
		rest = rest[partLen:]
		key := append([]byte(nil), rest[:keyLen]...)
		return &Descriptor{
			Tag: tag, PartitionName: name,
			RollbackIndexLocation: rbLoc, PublicKey: key,
		}, nil

	case TagProperty:
		if len(body) < 16 {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("property descriptor: too short"))
		}
		keyLen := be.Uint64(body[0:8])
		valLen := be.Uint64(body[8:16])
		rest := body[16:]
		if uint64(len(rest)) < keyLen+1+valLen+1 {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("property descriptor: variable data truncated"))
		}
		key := string(rest[:keyLen])
		rest = rest[keyLen+1:]
		val := append([]byte(nil), rest[:valLen]...)
		return &Descriptor{Tag: tag, PropertyKey: key, PropertyValue: val}, nil

	case TagKernelCmdline:
		if len(body) < 8 {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("kernel_cmdline descriptor: too short"))
		}
		flags := be.Uint32(body[0:4])
		cmdLen := be.Uint32(body[4:8])
		rest := body[8:]
		if uint32(len(rest)) < cmdLen {
			return nil, errs.Wrap(errs.Structural, fmt.Errorf("kernel_cmdline descriptor: variable data truncated"))
		}
		return &Descriptor{Tag: tag, CmdlineFlags: flags, Cmdline: string(rest[:cmdLen])}, nil

	default:
		return &Descriptor{Tag: tag, Raw: append([]byte(nil), body...)}, nil
	}
}

func encodeDescriptors(descs []*Descriptor) ([]byte, error) {
	var out []byte
	for _, d := range descs {
		body, err := encodeDescriptorBody(d)
		if err != nil {
			return nil, err
		}
		hdr := make([]byte, 16)
		binary.BigEndian.PutUint64(hdr[0:8], uint64(d.Tag))
		binary.BigEndian.PutUint64(hdr[8:16], uint64(len(body)))
		entry := append(hdr, body...)
		pad := descAlignedSize(len(entry)) - len(entry)
		entry = append(entry, make([]byte, pad)...)
		out = append(out, entry...)
	}
	return out, nil
}

func encodeDescriptorBody(d *Descriptor) ([]byte, error) {
	be := binary.BigEndian
	switch d.Tag {
	case TagHash:
		body := make([]byte, 8+32+4+4+4+60)
		be.PutUint64(body[0:8], d.ImageSize)
		copy(body[8:40], []byte(d.HashAlgorithm))
		be.PutUint32(body[40:44], uint32(len(d.PartitionName)))
		be.PutUint32(body[44:48], uint32(len(d.Salt)))
		be.PutUint32(body[48:52], uint32(len(d.Digest)))
		body = append(body, []byte(d.PartitionName)...)
		body = append(body, d.Salt...)
		body = append(body, d.Digest...)
		return body, nil

	case TagHashtree:
		body := make([]byte, 4+8+8+8+4+4+4+8+8+32+4+4+4+4+60)
		be.PutUint32(body[0:4], d.DmVerityVersion)
		be.PutUint64(body[4:12], d.ImageSize)
		be.PutUint64(body[12:20], d.TreeOffset)
		be.PutUint64(body[20:28], d.TreeSize)
		be.PutUint32(body[28:32], d.DataBlockSize)
		be.PutUint32(body[32:36], d.HashBlockSize)
		be.PutUint32(body[36:40], d.FECNumRoots)
		be.PutUint64(body[40:48], d.FECOffset)
		be.PutUint64(body[48:56], d.FECSize)
		copy(body[56:88], []byte(d.HashAlgorithm))
		be.PutUint32(body[88:92], uint32(len(d.PartitionName)))
		be.PutUint32(body[92:96], uint32(len(d.Salt)))
		be.PutUint32(body[96:100], uint32(len(d.Digest)))
		be.PutUint32(body[100:104], d.HashtreeFlags)
		body = append(body, []byte(d.PartitionName)...)
		body = append(body, d.Salt...)
		body = append(body, d.Digest...)
		return body, nil

	case TagChainPartition:
		body := make([]byte, 4+4+4+64)
		be.PutUint32(body[0:4], d.RollbackIndexLocation)
		be.PutUint32(body[4:8], uint32(len(d.PartitionName)))
		be.PutUint32(body[8:12], uint32(len(d.PublicKey)))
		body = append(body, []byte(d.PartitionName)...)
		body = append(body, d.PublicKey...)
		return body, nil

	case TagProperty:
		body := make([]byte, 16)
		be.PutUint64(body[0:8], uint64(len(d.PropertyKey)))
		be.PutUint64(body[8:16], uint64(len(d.PropertyValue)))
		body = append(body, []byte(d.PropertyKey)...)
		body = append(body, 0)
		body = append(body, d.PropertyValue...)
		body = append(body, 0)
		return body, nil

	case TagKernelCmdline:
		body := make([]byte, 8)
		be.PutUint32(body[0:4], d.CmdlineFlags)
		be.PutUint32(body[4:8], uint32(len(d.Cmdline)))
		body = append(body, []byte(d.Cmdline)...)
		return body, nil

	default:
		return append([]byte(nil), d.Raw...), nil
	}
}

// CmdlinePrefix returns the portion of a kernel_cmdline descriptor's
// content preceding the first '=', or "" if there is none or it is empty
// -- such descriptors are never treated as matchable by key.
func (d *Descriptor) CmdlinePrefix() string {
	for i := 0; i < len(d.Cmdline); i++ {
		if d.Cmdline[i] == '=' {
			return d.Cmdline[:i]
		}
	}
	return ""
}
