// Package pb implements just enough of the update_engine payload protocol
// buffer schema to read and write full-OTA manifests. Rather than vendor a
// protoc-generated package (none shipped with the reference sources this
// was built from), messages are hand-marshaled over
// google.golang.org/protobuf/encoding/protowire, the same low-level wire
// primitives the generated code would eventually call into.
package pb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OperationType mirrors InstallOperation.Type. Only the full-OTA subset the
// core ever emits or trusts is given names; any other tag round-trips as a
// plain int32 but is rejected by payload.ExtractImage.
type OperationType int32

const (
	OpReplace    OperationType = 0
	OpReplaceBZ  OperationType = 1
	OpZero       OperationType = 6
	OpDiscard    OperationType = 7
	OpReplaceXZ  OperationType = 8
)

func (t OperationType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// IsReplaceClass reports whether t is one of the REPLACE-family operations
// the full-OTA invariant in the data model requires exclusively.
func (t OperationType) IsReplaceClass() bool {
	switch t {
	case OpReplace, OpReplaceBZ, OpReplaceXZ, OpZero, OpDiscard:
		return true
	default:
		return false
	}
}

// Extent is a half-open run of manifest blocks: [StartBlock, StartBlock+NumBlocks).
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

const (
	extentFieldStartBlock = 1
	extentFieldNumBlocks  = 2
)

func (e *Extent) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, extentFieldStartBlock, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, extentFieldNumBlocks, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func unmarshalExtent(data []byte) (Extent, error) {
	var e Extent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case extentFieldStartBlock:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.StartBlock = v
			data = data[n:]
		case extentFieldNumBlocks:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.NumBlocks = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// PartitionInfo carries the size and SHA-256 digest of one side (old or
// new) of a partition's image, as declared by the manifest.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

const (
	partitionInfoFieldSize = 1
	partitionInfoFieldHash = 2
)

func (p *PartitionInfo) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, partitionInfoFieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Size)
	if len(p.Hash) > 0 {
		b = protowire.AppendTag(b, partitionInfoFieldHash, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Hash)
	}
	return b
}

func unmarshalPartitionInfo(data []byte) (*PartitionInfo, error) {
	p := &PartitionInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case partitionInfoFieldSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Size = v
			data = data[n:]
		case partitionInfoFieldHash:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Hash = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// InstallOperation is one manifest install step for a partition: a blob
// range in the payload's data section, and the destination block extents
// it is written to.
type InstallOperation struct {
	Type          OperationType
	DataOffset    uint64
	DataLength    uint64
	SrcExtents    []Extent
	DstExtents    []Extent
	DataSHA256    []byte
}

const (
	opFieldType       = 1
	opFieldDataOffset = 2
	opFieldDataLength = 3
	opFieldSrcExtents = 4
	opFieldDstExtents = 6
	opFieldDataSHA256 = 8
)

func (o *InstallOperation) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, opFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.Type))
	b = protowire.AppendTag(b, opFieldDataOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, o.DataOffset)
	b = protowire.AppendTag(b, opFieldDataLength, protowire.VarintType)
	b = protowire.AppendVarint(b, o.DataLength)
	for _, e := range o.SrcExtents {
		b = protowire.AppendTag(b, opFieldSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshal(nil))
	}
	for _, e := range o.DstExtents {
		b = protowire.AppendTag(b, opFieldDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshal(nil))
	}
	if len(o.DataSHA256) > 0 {
		b = protowire.AppendTag(b, opFieldDataSHA256, protowire.BytesType)
		b = protowire.AppendBytes(b, o.DataSHA256)
	}
	return b
}

func unmarshalInstallOperation(data []byte) (*InstallOperation, error) {
	o := &InstallOperation{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case opFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			o.Type = OperationType(v)
			data = data[n:]
		case opFieldDataOffset:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			o.DataOffset = v
			data = data[n:]
		case opFieldDataLength:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			o.DataLength = v
			data = data[n:]
		case opFieldSrcExtents:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return nil, fmt.Errorf("src_extents: %w", err)
			}
			o.SrcExtents = append(o.SrcExtents, e)
			data = data[n:]
		case opFieldDstExtents:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			e, err := unmarshalExtent(v)
			if err != nil {
				return nil, fmt.Errorf("dst_extents: %w", err)
			}
			o.DstExtents = append(o.DstExtents, e)
			data = data[n:]
		case opFieldDataSHA256:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			o.DataSHA256 = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return o, nil
}

// PartitionUpdate is one manifest partition entry: its name, block size
// context inherited from the manifest, old/new digests, and its ordered
// operation list.
type PartitionUpdate struct {
	PartitionName   string
	OldPartitionInfo *PartitionInfo
	NewPartitionInfo *PartitionInfo
	Operations      []*InstallOperation
}

const (
	partFieldName    = 1
	partFieldOldInfo = 6
	partFieldNewInfo = 7
	partFieldOps     = 8
)

func (p *PartitionUpdate) marshal(b []byte) []byte {
	b = protowire.AppendTag(b, partFieldName, protowire.BytesType)
	b = protowire.AppendString(b, p.PartitionName)
	if p.OldPartitionInfo != nil {
		b = protowire.AppendTag(b, partFieldOldInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, p.OldPartitionInfo.marshal(nil))
	}
	if p.NewPartitionInfo != nil {
		b = protowire.AppendTag(b, partFieldNewInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, p.NewPartitionInfo.marshal(nil))
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, partFieldOps, protowire.BytesType)
		b = protowire.AppendBytes(b, op.marshal(nil))
	}
	return b
}

func unmarshalPartitionUpdate(data []byte) (*PartitionUpdate, error) {
	p := &PartitionUpdate{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case partFieldName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.PartitionName = string(v)
			data = data[n:]
		case partFieldOldInfo:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, fmt.Errorf("old_partition_info: %w", err)
			}
			p.OldPartitionInfo = info
			data = data[n:]
		case partFieldNewInfo:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			info, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, fmt.Errorf("new_partition_info: %w", err)
			}
			p.NewPartitionInfo = info
			data = data[n:]
		case partFieldOps:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return nil, fmt.Errorf("operations: %w", err)
			}
			p.Operations = append(p.Operations, op)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return p, nil
}

// DeltaArchiveManifest is the payload manifest: the full set of partitions
// a full OTA writes, plus the block size every extent is expressed in.
type DeltaArchiveManifest struct {
	BlockSize    uint32
	MinorVersion uint64
	Partitions   []*PartitionUpdate
}

const (
	manifestFieldBlockSize    = 3
	manifestFieldMinorVersion = 12
	manifestFieldPartitions   = 13
)

// Marshal serializes m to its protobuf wire encoding.
func (m *DeltaArchiveManifest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, manifestFieldBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BlockSize))
	b = protowire.AppendTag(b, manifestFieldMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, m.MinorVersion)
	for _, p := range m.Partitions {
		b = protowire.AppendTag(b, manifestFieldPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, p.marshal(nil))
	}
	return b
}

// UnmarshalManifest parses a DeltaArchiveManifest from its wire encoding.
func UnmarshalManifest(data []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{BlockSize: 4096}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case manifestFieldBlockSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.BlockSize = uint32(v)
			data = data[n:]
		case manifestFieldMinorVersion:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.MinorVersion = v
			data = data[n:]
		case manifestFieldPartitions:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return nil, fmt.Errorf("partitions: %w", err)
			}
			m.Partitions = append(m.Partitions, p)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// Partition looks up a partition entry by name, returning nil if absent.
func (m *DeltaArchiveManifest) Partition(name string) *PartitionUpdate {
	for _, p := range m.Partitions {
		if p.PartitionName == name {
			return p
		}
	}
	return nil
}
