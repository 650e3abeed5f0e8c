package pb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestManifestRoundTrip(t *testing.T) {
	want := &DeltaArchiveManifest{
		BlockSize:    4096,
		MinorVersion: 0,
		Partitions: []*PartitionUpdate{
			{
				PartitionName:    "boot",
				NewPartitionInfo: &PartitionInfo{Size: 1 << 20, Hash: []byte{1, 2, 3, 4}},
			},
			{
				PartitionName:    "vbmeta",
				OldPartitionInfo: &PartitionInfo{Size: 2048, Hash: []byte{5, 6}},
				NewPartitionInfo: &PartitionInfo{Size: 2048, Hash: []byte{7, 8}},
			},
		},
	}

	got, err := UnmarshalManifest(want.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalManifest: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("manifest round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestManifestPartitionLookup(t *testing.T) {
	m := &DeltaArchiveManifest{
		Partitions: []*PartitionUpdate{
			{PartitionName: "boot"},
			{PartitionName: "system"},
		},
	}

	if p := m.Partition("system"); p == nil || p.PartitionName != "system" {
		t.Fatalf("Partition(%q) = %v, want system entry", "system", p)
	}
	if p := m.Partition("missing"); p != nil {
		t.Fatalf("Partition(%q) = %v, want nil", "missing", p)
	}
}
