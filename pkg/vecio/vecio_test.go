package vecio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultFormatRoundtrip(t *testing.T) {
	vecs := [][]float32{{1, 2, 3}, {4, 5, 6}, {-1.5, 0, 9}}
	path := filepath.Join(t.TempDir(), "vecs.bin")
	require.NoError(t, WriteDefault(path, vecs, 3))

	got, dim, err := ReadDefault[float32](path)
	require.NoError(t, err)
	require.Equal(t, 3, dim)
	require.Equal(t, vecs, got)
}

func TestRawFormat(t *testing.T) {
	// Raw = headered minus the 8-byte header.
	vecs := [][]int8{{1, 2}, {3, 4}, {5, 6}}
	dir := t.TempDir()
	headered := filepath.Join(dir, "h.bin")
	require.NoError(t, WriteDefault(headered, vecs, 2))

	raw, err := os.ReadFile(headered)
	require.NoError(t, err)
	rawPath := filepath.Join(dir, "raw.bin")
	require.NoError(t, os.WriteFile(rawPath, raw[8:], 0o644))

	got, err := ReadRaw[int8](rawPath, 2)
	require.NoError(t, err)
	require.Equal(t, vecs, got)
}

func TestRawRejectsBadGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))

	_, err := ReadRaw[float32](path, 3) // 12 bytes per vector
	require.Error(t, err)
	_, err = ReadRaw[float32](path, 0)
	require.Error(t, err)
}
