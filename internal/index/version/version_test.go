package version

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVidsMonotonicAndUnique(t *testing.T) {
	m := NewMap()
	const n = 10000
	const workers = 8

	var mu sync.Mutex
	seen := make(map[uint32]struct{}, n*workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(-1)
			for i := 0; i < n; i++ {
				vid := m.AllocateVid()
				require.Greater(t, int64(vid), prev, "vids must increase per caller")
				prev = int64(vid)
				mu.Lock()
				_, dup := seen[vid]
				seen[vid] = struct{}{}
				mu.Unlock()
				require.False(t, dup, "vid %d assigned twice", vid)
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, n*workers)
	require.Equal(t, uint32(n*workers), m.Count())
}

func TestTombstoneIsPermanent(t *testing.T) {
	m := NewMap()
	vid := m.AllocateVid()

	_, deleted := m.Get(vid)
	require.False(t, deleted)

	require.NoError(t, m.SetDeleted(vid))
	_, deleted = m.Get(vid)
	require.True(t, deleted)
	require.Equal(t, int64(1), m.DeleteCount())

	// Idempotent, and it survives version bumps.
	require.NoError(t, m.SetDeleted(vid))
	require.Equal(t, int64(1), m.DeleteCount())
	_, err := m.BumpVersion(vid)
	require.NoError(t, err)
	_, deleted = m.Get(vid)
	require.True(t, deleted)
}

func TestBumpVersionWraps(t *testing.T) {
	m := NewMap()
	vid := m.AllocateVid()

	for i := 1; i <= 255; i++ {
		v, err := m.BumpVersion(vid)
		require.NoError(t, err)
		require.Equal(t, uint8(i), v)
	}
	v, err := m.BumpVersion(vid)
	require.NoError(t, err)
	require.Equal(t, uint8(0), v)
}

func TestLive(t *testing.T) {
	m := NewMap()
	vid := m.AllocateVid()

	require.True(t, m.Live(vid, 0))
	require.False(t, m.Live(vid, 1))

	_, err := m.BumpVersion(vid)
	require.NoError(t, err)
	require.False(t, m.Live(vid, 0))
	require.True(t, m.Live(vid, 1))

	require.NoError(t, m.SetDeleted(vid))
	require.False(t, m.Live(vid, 1))
}

func TestUnknownVidOps(t *testing.T) {
	m := NewMap()
	require.Error(t, m.SetDeleted(42))
	_, err := m.BumpVersion(42)
	require.Error(t, err)

	ver, deleted := m.Get(99)
	require.Equal(t, uint8(0), ver)
	require.False(t, deleted)
}

func TestAdvance(t *testing.T) {
	m := NewMap()
	m.Advance(499)
	require.Equal(t, uint32(500), m.Count())
	require.NoError(t, m.SetDeleted(499))

	// Advance never moves backwards.
	m.Advance(10)
	require.Equal(t, uint32(500), m.Count())
}

func TestSnapshotRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.snap")

	m := NewMap()
	for i := 0; i < 1000; i++ {
		m.AllocateVid()
	}
	for i := 0; i < 1000; i += 3 {
		_, err := m.BumpVersion(uint32(i))
		require.NoError(t, err)
	}
	for i := 0; i < 1000; i += 7 {
		require.NoError(t, m.SetDeleted(uint32(i)))
	}
	require.NoError(t, m.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m.Count(), got.Count())
	require.Equal(t, m.DeleteCount(), got.DeleteCount())
	for i := uint32(0); i < 1000; i++ {
		wantVer, wantDel := m.Get(i)
		gotVer, gotDel := got.Get(i)
		require.Equal(t, wantVer, gotVer, "vid %d", i)
		require.Equal(t, wantDel, gotDel, "vid %d", i)
	}
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions.snap")
	m := NewMap()
	m.AllocateVid()
	require.NoError(t, m.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[8] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Load(path)
	require.ErrorIs(t, err, ErrCorrupted)
}
