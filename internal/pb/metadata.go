package pb

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// OtaType mirrors OtaMetadata.OtaType. Only AB is relevant to this core;
// other values round-trip unchanged; the archive rewriter does not check
// the type.
type OtaType int32

const (
	OtaTypeUnknown OtaType = 0
	OtaTypeAB      OtaType = 1
	OtaTypeBlock   OtaType = 2
)

func (t OtaType) String() string {
	switch t {
	case OtaTypeAB:
		return "AB"
	case OtaTypeBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// PropertyFile is one named range of the regenerated archive a verifier
// needs to locate without re-parsing the zip: typically "payload.bin" and
// "payload_properties.txt", each a single byte span (Offset, Size).
type PropertyFile struct {
	Name   string
	Offset int64
	Size   int64
}

// OtaMetadata is the protobuf metadata entry regenerated at the end of an
// archive rewrite, carrying the device/build identity fields the on-device
// updater cross-checks and the property-file byte ranges it uses to avoid
// a second full zip scan.
type OtaMetadata struct {
	Type                   OtaType
	Device                 string
	PostBuild              string
	PostTimestamp          int64
	PreDevice              string
	PreBuild               string
	PostSecurityPatchLevel string
	PropertyFiles          []PropertyFile
}

const (
	metaFieldType          = 1
	metaFieldDevice        = 3
	metaFieldPostBuild     = 5
	metaFieldPostTimestamp = 6
	metaFieldPreDevice     = 7
	metaFieldPreBuild      = 8
	metaFieldPostSPL       = 10
	metaFieldPropFileName  = 20
	metaFieldPropFileOff   = 21
	metaFieldPropFileSize  = 22
)

// Marshal serializes m. Each PropertyFile is encoded as a repeated group of
// three scalar fields rather than a nested message, which keeps the
// hand-written codec flat; the legacy text form carries the same data.
func (m *OtaMetadata) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, metaFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	b = protowire.AppendTag(b, metaFieldDevice, protowire.BytesType)
	b = protowire.AppendString(b, m.Device)
	b = protowire.AppendTag(b, metaFieldPostBuild, protowire.BytesType)
	b = protowire.AppendString(b, m.PostBuild)
	b = protowire.AppendTag(b, metaFieldPostTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.PostTimestamp))
	b = protowire.AppendTag(b, metaFieldPreDevice, protowire.BytesType)
	b = protowire.AppendString(b, m.PreDevice)
	b = protowire.AppendTag(b, metaFieldPreBuild, protowire.BytesType)
	b = protowire.AppendString(b, m.PreBuild)
	b = protowire.AppendTag(b, metaFieldPostSPL, protowire.BytesType)
	b = protowire.AppendString(b, m.PostSecurityPatchLevel)

	files := append([]PropertyFile(nil), m.PropertyFiles...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		b = protowire.AppendTag(b, metaFieldPropFileName, protowire.BytesType)
		b = protowire.AppendString(b, f.Name)
		b = protowire.AppendTag(b, metaFieldPropFileOff, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Offset))
		b = protowire.AppendTag(b, metaFieldPropFileSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Size))
	}
	return b
}

// UnmarshalMetadata parses an OtaMetadata from its wire encoding. Property
// files are reassembled from the flat name/offset/size triples in the
// order their name field appears; offset and size fields must immediately
// follow the name they describe, matching Marshal's output order.
func UnmarshalMetadata(data []byte) (*OtaMetadata, error) {
	m := &OtaMetadata{}
	var cur *PropertyFile
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case metaFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Type = OtaType(v)
			data = data[n:]
		case metaFieldDevice:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Device = string(v)
			data = data[n:]
		case metaFieldPostBuild:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PostBuild = string(v)
			data = data[n:]
		case metaFieldPostTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PostTimestamp = int64(v)
			data = data[n:]
		case metaFieldPreDevice:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PreDevice = string(v)
			data = data[n:]
		case metaFieldPreBuild:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PreBuild = string(v)
			data = data[n:]
		case metaFieldPostSPL:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.PostSecurityPatchLevel = string(v)
			data = data[n:]
		case metaFieldPropFileName:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if cur != nil {
				m.PropertyFiles = append(m.PropertyFiles, *cur)
			}
			cur = &PropertyFile{Name: string(v)}
			data = data[n:]
		case metaFieldPropFileOff:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if cur == nil {
				return nil, fmt.Errorf("property file offset without preceding name")
			}
			cur.Offset = int64(v)
			data = data[n:]
		case metaFieldPropFileSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if cur == nil {
				return nil, fmt.Errorf("property file size without preceding name")
			}
			cur.Size = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if cur != nil {
		m.PropertyFiles = append(m.PropertyFiles, *cur)
	}
	return m, nil
}
