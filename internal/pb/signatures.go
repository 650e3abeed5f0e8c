package pb

import "google.golang.org/protobuf/encoding/protowire"

// Signatures wraps one or more raw signature blobs, the wire shape the
// payload's trailing signature section and the manifest's embedded
// payload-signature field both use.
type Signatures struct {
	Data [][]byte
}

const (
	sigsFieldSignature = 1
	sigFieldData       = 2
)

// Marshal serializes s as a Signatures message containing one nested
// Signature{data=...} entry per element of s.Data.
func (s *Signatures) Marshal() []byte {
	var b []byte
	for _, d := range s.Data {
		inner := protowire.AppendTag(nil, sigFieldData, protowire.BytesType)
		inner = protowire.AppendBytes(inner, d)
		b = protowire.AppendTag(b, sigsFieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// UnmarshalSignatures parses a Signatures message, the inverse of Marshal.
func UnmarshalSignatures(data []byte) (*Signatures, error) {
	s := &Signatures{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		if num != sigsFieldSignature {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}
		inner, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		rest := inner
		for len(rest) > 0 {
			innerNum, innerTyp, in := protowire.ConsumeTag(rest)
			if in < 0 {
				return nil, protowire.ParseError(in)
			}
			rest = rest[in:]
			if innerNum != sigFieldData {
				in := protowire.ConsumeFieldValue(innerNum, innerTyp, rest)
				if in < 0 {
					return nil, protowire.ParseError(in)
				}
				rest = rest[in:]
				continue
			}
			v, in := protowire.ConsumeBytes(rest)
			if in < 0 {
				return nil, protowire.ParseError(in)
			}
			s.Data = append(s.Data, append([]byte(nil), v...))
			rest = rest[in:]
		}
	}
	return s, nil
}
