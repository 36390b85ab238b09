package engine

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

func testOpts(dir string, dim int) Options {
	return Options{
		Dim:                     dim,
		Distance:                vectors.L2,
		IndexDir:                dir,
		CapacityBlocks:          4096,
		MappingFlushInterval:    100 * time.Millisecond,
		BufferSyncInterval:      10 * time.Millisecond,
		SearchInternalResultNum: 512, // route everything; tests assert exact reachability
		MaxCandidates:           1 << 20,
	}
}

func genVectors(count, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, count)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32() * 100
		}
		out[i] = v
	}
	return out
}

func newTestEngine(t *testing.T, opts Options) *Engine[float32] {
	t.Helper()
	e, err := New[float32](opts, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// Single-thread build + query: vector 0 must come back as vid 0 at
// distance ~0.
func TestBuildAndQuery(t *testing.T) {
	opts := testOpts(t.TempDir(), 128)
	opts.ReplicaCount = 2
	e := newTestEngine(t, opts)

	vecs := genVectors(100, 128, 42)
	require.NoError(t, e.Build(vecs))
	require.Equal(t, uint32(100), e.GetNumSamples())

	res, err := e.Search(vecs[0], 5)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	require.Equal(t, uint32(0), res[0].Vid)
	require.InDelta(t, 0, res[0].Dist, 1e-3)
}

func TestInsertBeforeBuildFails(t *testing.T) {
	e := newTestEngine(t, testOpts(t.TempDir(), 8))
	_, err := e.Insert(make([]float32, 8))
	require.ErrorIs(t, err, ErrEmptyIndex)
}

func TestDimensionMismatchRejected(t *testing.T) {
	e := newTestEngine(t, testOpts(t.TempDir(), 8))
	require.NoError(t, e.Build(genVectors(20, 8, 1)))

	_, err := e.Insert(make([]float32, 7))
	require.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = e.Search(make([]float32, 9), 3)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

// Batch add: build 1000, add 1000 across 4 goroutines, drain; every
// second-batch vid must come back at rank 0 for its own vector.
func TestBatchAdd(t *testing.T) {
	opts := testOpts(t.TempDir(), 16)
	e := newTestEngine(t, opts)

	base := genVectors(1000, 16, 42)
	require.NoError(t, e.Build(base))

	added := genVectors(1000, 16, 43)
	vids := make([]uint32, len(added))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(added); i += 4 {
				vid, err := e.Insert(added[i])
				require.NoError(t, err)
				vids[i] = vid
			}
		}(w)
	}
	wg.Wait()
	e.DrainAppend()

	require.Equal(t, uint32(2000), e.GetNumSamples())

	for i, v := range added {
		res, err := e.Search(v, 5)
		require.NoError(t, err)
		require.NotEmpty(t, res, "vector %d", i)
		require.Equal(t, vids[i], res[0].Vid, "vector %d not at rank 0", i)
	}
}

// Delete visibility: a tombstoned vid never appears in results.
func TestDeleteVisibility(t *testing.T) {
	opts := testOpts(t.TempDir(), 8)
	e := newTestEngine(t, opts)
	require.NoError(t, e.Build(genVectors(20, 8, 7)))

	ins := genVectors(10, 8, 11)
	vids := make([]uint32, len(ins))
	for i, v := range ins {
		vid, err := e.Insert(v)
		require.NoError(t, err)
		vids[i] = vid
	}
	e.DrainAppend()

	require.NoError(t, e.Delete(vids[5]))
	require.Equal(t, int64(1), e.GetNumDeleted())

	res, err := e.Search(ins[5], 10)
	require.NoError(t, err)
	for _, r := range res {
		require.NotEqual(t, vids[5], r.Vid)
	}

	// Tombstones survive a clean restart.
	dir := opts.IndexDir
	require.NoError(t, e.Close())
	e2 := newTestEngine(t, testOpts(dir, 8))
	res, err = e2.Search(ins[5], 10)
	require.NoError(t, err)
	for _, r := range res {
		require.NotEqual(t, vids[5], r.Vid)
	}
}

// Split: enough inserts against one head must split it, growing the head
// index and rebinding the routing table.
func TestSplitGrowsHeadIndex(t *testing.T) {
	opts := testOpts(t.TempDir(), 8)
	opts.ReplicaCount = 1
	opts.SplitThreshold = 18
	e := newTestEngine(t, opts)

	require.NoError(t, e.Build(genVectors(10, 8, 3))) // ratio 0.1 → one head
	headsBefore := e.HeadCount()
	require.Equal(t, 1, headsBefore)

	ins := genVectors(30, 8, 5)
	for _, v := range ins {
		_, err := e.Insert(v)
		require.NoError(t, err)
	}
	e.DrainAppend()

	require.Greater(t, e.Stats().Splits, int64(0))
	require.Greater(t, e.HeadCount(), headsBefore)

	// Routing reflects the new heads: every binding resolves, the old
	// pid is gone, and counts agree.
	bindings := e.Router().Bindings()
	require.Len(t, bindings, e.HeadCount())
	for hid, pid := range bindings {
		require.Equal(t, hid, pid)
		require.True(t, e.Store().Has(pid))
	}

	// All 30 inserted vectors are still reachable post-split.
	for i, v := range ins {
		res, err := e.Search(v, 5)
		require.NoError(t, err)
		require.NotEmpty(t, res, "vector %d lost after split", i)
		require.InDelta(t, 0, res[0].Dist, 1e-3, "vector %d", i)
	}
}

// Crash recovery: inserts whose buffer entries predate the crash are
// searchable after replay.
func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir, 16)

	e := newTestEngine(t, opts)
	require.NoError(t, e.Build(genVectors(100, 16, 21)))
	require.NoError(t, e.Close())

	// Second life: 500 online inserts, then a crash with no checkpoint.
	e2, err := New[float32](opts, nil, zap.NewNop())
	require.NoError(t, err)
	ins := genVectors(500, 16, 22)
	vids := make([]uint32, len(ins))
	for i, v := range ins {
		vid, err := e2.Insert(v)
		require.NoError(t, err)
		vids[i] = vid
	}
	require.NoError(t, e2.Abort())

	// Third life: replay drains before the engine accepts inserts.
	e3 := newTestEngine(t, opts)
	require.Equal(t, uint32(600), e3.GetNumSamples())
	for i, v := range ins {
		res, err := e3.Search(v, 5)
		require.NoError(t, err)
		require.NotEmpty(t, res, "vector %d lost in crash", i)
		require.Equal(t, vids[i], res[0].Vid, "vector %d", i)
	}
}

// Deletes issued before a crash replay from the buffer as well.
func TestCrashRecoveryReplaysDeletes(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir, 8)

	e := newTestEngine(t, opts)
	vecs := genVectors(50, 8, 31)
	require.NoError(t, e.Build(vecs))
	e.DrainAppend()
	require.NoError(t, e.Delete(3))
	require.NoError(t, e.Abort())

	e2 := newTestEngine(t, opts)
	require.Equal(t, int64(1), e2.GetNumDeleted())
	res, err := e2.Search(vecs[3], 10)
	require.NoError(t, err)
	for _, r := range res {
		require.NotEqual(t, uint32(3), r.Vid)
	}
}

// Search result validity under concurrent updates: no tombstoned vid is
// returned while inserts (and the splits they trigger) run.
func TestSearchDuringUpdate(t *testing.T) {
	opts := testOpts(t.TempDir(), 8)
	opts.ReplicaCount = 2
	opts.SplitThreshold = 24
	e := newTestEngine(t, opts)
	require.NoError(t, e.Build(genVectors(50, 8, 13)))

	// Tombstone a fixed set before any search starts; those vids must
	// never surface no matter what the background workers are doing.
	tombstoned := map[uint32]bool{}
	for vid := uint32(0); vid < 50; vid += 9 {
		require.NoError(t, e.Delete(vid))
		tombstoned[vid] = true
	}

	stop := make(chan struct{})
	var searchers sync.WaitGroup
	queries := genVectors(20, 8, 17)
	for w := 0; w < 4; w++ {
		searchers.Add(1)
		go func() {
			defer searchers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, q := range queries {
					res, err := e.Search(q, 10)
					require.NoError(t, err)
					for _, r := range res {
						require.False(t, tombstoned[r.Vid],
							"tombstoned vid %d returned", r.Vid)
					}
				}
			}
		}()
	}

	ins := genVectors(400, 8, 19)
	for _, v := range ins {
		_, err := e.Insert(v)
		require.NoError(t, err)
	}
	e.DrainAppend()
	close(stop)
	searchers.Wait()
}

// Clean shutdown and reopen is idempotent: counts and reachability are
// stable across lives.
func TestReopenStability(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts(dir, 8)

	e := newTestEngine(t, opts)
	vecs := genVectors(200, 8, 23)
	require.NoError(t, e.Build(vecs))
	require.NoError(t, e.Close())

	for life := 0; life < 3; life++ {
		e, err := New[float32](opts, nil, zap.NewNop())
		require.NoError(t, err)
		require.Equal(t, uint32(200), e.GetNumSamples(), "life %d", life)
		res, err := e.Search(vecs[0], 3)
		require.NoError(t, err)
		require.Equal(t, uint32(0), res[0].Vid)
		require.NoError(t, e.Close())
	}
}

func TestInsertWithMetadataWithoutStore(t *testing.T) {
	opts := testOpts(t.TempDir(), 8)
	e := newTestEngine(t, opts)
	require.NoError(t, e.Build(genVectors(20, 8, 29)))

	// No metadata store configured: lookups miss but inserts work.
	vid, err := e.InsertWithMetadata(genVectors(1, 8, 30)[0], []byte("payload"))
	require.NoError(t, err)
	_, err = e.Metadata(vid)
	require.Error(t, err)
}
