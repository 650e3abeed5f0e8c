package ota

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avbpatch/avbpatch/internal/stream"
)

func newTempPoolFile(t *testing.T, content string) *stream.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "pool-")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	return stream.NewFile(f)
}

func TestPoolExternalToExtractedOnEnsure(t *testing.T) {
	pool := NewPool(t.TempDir())
	defer pool.Close()

	pool.put("boot", newTempPoolFile(t, "original boot bytes"), External)

	prov, ok := pool.Provenance("boot")
	require.True(t, ok)
	require.Equal(t, External, prov)

	extracted, err := pool.EnsureExtracted("boot")
	require.NoError(t, err)
	require.NotNil(t, extracted)

	prov, ok = pool.Provenance("boot")
	require.True(t, ok)
	require.Equal(t, Extracted, prov)
}

func TestPoolReplaceMarksModified(t *testing.T) {
	pool := NewPool(t.TempDir())
	defer pool.Close()

	pool.put("vbmeta", newTempPoolFile(t, "vbmeta bytes"), Extracted)
	pool.Replace("vbmeta", newTempPoolFile(t, "patched vbmeta bytes"))

	prov, ok := pool.Provenance("vbmeta")
	require.True(t, ok)
	require.Equal(t, Modified, prov)
}

func TestPoolPruneRemovesUnwanted(t *testing.T) {
	pool := NewPool(t.TempDir())
	defer pool.Close()

	pool.put("boot", newTempPoolFile(t, "a"), Modified)
	pool.put("system", newTempPoolFile(t, "b"), External)

	pool.Prune(func(name string, p Provenance) bool { return p == Modified })

	_, ok := pool.Provenance("boot")
	require.True(t, ok)
	_, ok = pool.Provenance("system")
	require.False(t, ok)
}
