package pb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MarshalLegacy renders m as the legacy META-INF/com/android/metadata text
// form: one key=value line per scalar field, plus one
// "property-files=name:offset:size" line per PropertyFile, sorted by name,
// matching the entries the protobuf form carries under a different wire
// encoding. See the legacy-metadata decision in SPEC_FULL.md for why only
// this reduced field set is covered.
func (m *OtaMetadata) MarshalLegacy() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ota-type=%s\n", m.Type)
	fmt.Fprintf(&b, "device=%s\n", m.Device)
	fmt.Fprintf(&b, "pre-device=%s\n", m.PreDevice)
	fmt.Fprintf(&b, "post-build=%s\n", m.PostBuild)
	fmt.Fprintf(&b, "post-timestamp=%d\n", m.PostTimestamp)
	fmt.Fprintf(&b, "pre-build=%s\n", m.PreBuild)
	fmt.Fprintf(&b, "post-security-patch-level=%s\n", m.PostSecurityPatchLevel)

	files := append([]PropertyFile(nil), m.PropertyFiles...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		fmt.Fprintf(&b, "property-files=%s:%d:%d\n", f.Name, f.Offset, f.Size)
	}
	return []byte(b.String())
}

// ParseLegacy parses the legacy text metadata form back into an OtaMetadata,
// the inverse of MarshalLegacy, so a legacy-only input archive converges on
// the same in-memory struct the protobuf parser would have produced.
func ParseLegacy(data []byte) (*OtaMetadata, error) {
	m := &OtaMetadata{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("legacy metadata: malformed line %q", line)
		}
		switch key {
		case "device":
			m.Device = val
		case "ota-type":
			switch val {
			case "AB":
				m.Type = OtaTypeAB
			case "BLOCK":
				m.Type = OtaTypeBlock
			default:
				m.Type = OtaTypeUnknown
			}
		case "pre-device":
			m.PreDevice = val
		case "post-build":
			m.PostBuild = val
		case "post-timestamp":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("legacy metadata: post-timestamp: %w", err)
			}
			m.PostTimestamp = ts
		case "pre-build":
			m.PreBuild = val
		case "post-security-patch-level":
			m.PostSecurityPatchLevel = val
		case "property-files":
			parts := strings.Split(val, ":")
			if len(parts) != 3 {
				return nil, fmt.Errorf("legacy metadata: malformed property-files value %q", val)
			}
			off, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("legacy metadata: property-files offset: %w", err)
			}
			size, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("legacy metadata: property-files size: %w", err)
			}
			m.PropertyFiles = append(m.PropertyFiles, PropertyFile{Name: parts[0], Offset: off, Size: size})
		default:
			// Any other key is ignored and is not carried into the
			// regenerated metadata.
		}
	}
	return m, nil
}
