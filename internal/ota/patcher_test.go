package ota

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avbpatch/avbpatch/internal/pb"
	"github.com/avbpatch/avbpatch/internal/payload"
)

func TestRequiredImagesIncludesBootVbmetaSystemAndReplace(t *testing.T) {
	manifest := &payload.Manifest{
		DeltaArchiveManifest: &pb.DeltaArchiveManifest{
			Partitions: []*pb.PartitionUpdate{
				{PartitionName: "boot"},
				{PartitionName: "vbmeta"},
				{PartitionName: "system"},
				{PartitionName: "product"},
			},
		},
	}

	names := RequiredImages(manifest, map[string]string{"product": "/tmp/product.img"})

	require.Contains(t, names, "boot")
	require.Contains(t, names, "vbmeta")
	require.Contains(t, names, "system")
	require.Contains(t, names, "product")
	require.NotContains(t, names, "unrelated")
}

func TestRequiredImagesDoesNotDuplicateReplacedEntry(t *testing.T) {
	manifest := &payload.Manifest{
		DeltaArchiveManifest: &pb.DeltaArchiveManifest{
			Partitions: []*pb.PartitionUpdate{
				{PartitionName: "boot"},
			},
		},
	}

	names := RequiredImages(manifest, map[string]string{"boot": "/tmp/boot.img"})

	count := 0
	for _, n := range names {
		if n == "boot" {
			count++
		}
	}
	require.Equal(t, 1, count)
}
