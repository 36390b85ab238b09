package alloc

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAllocBestFit(t *testing.T) {
	a := New(100, zap.NewNop())

	r1, err := a.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, uint32(10), r1.Blocks)

	r2, err := a.Alloc(5)
	require.NoError(t, err)
	require.Equal(t, uint32(5), r2.Blocks)

	// Keep r2 from coalescing with the large tail when it is freed.
	_, err = a.Alloc(20)
	require.NoError(t, err)

	// Free the 5-block run; a new 5-block request must reuse it exactly
	// instead of carving the large tail.
	a.Free(r2)
	r3, err := a.Alloc(5)
	require.NoError(t, err)
	require.Equal(t, r2.Start, r3.Start)
}

func TestAllocNoSpace(t *testing.T) {
	a := New(16, zap.NewNop())

	_, err := a.Alloc(17)
	require.ErrorIs(t, err, ErrNoSpace)

	r, err := a.Alloc(16)
	require.NoError(t, err)
	_, err = a.Alloc(1)
	require.ErrorIs(t, err, ErrNoSpace)

	a.Free(r)
	_, err = a.Alloc(16)
	require.NoError(t, err)
}

func TestFreeCoalescing(t *testing.T) {
	a := New(64, zap.NewNop())

	runs := make([]Run, 4)
	for i := range runs {
		r, err := a.Alloc(16)
		require.NoError(t, err)
		runs[i] = r
	}
	require.Equal(t, uint64(0), a.FreeBlocks())

	// Release out of order; neighbours must coalesce back into one run.
	a.Free(runs[1])
	a.Free(runs[3])
	require.Equal(t, uint32(16), a.LargestRun())
	a.Free(runs[2])
	require.Equal(t, uint32(48), a.LargestRun())
	a.Free(runs[0])
	require.Equal(t, uint32(64), a.LargestRun())

	whole, err := a.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, uint64(0), whole.Start)
}

// Allocated runs must be pairwise disjoint and inside [0, capacity) at
// all times.
func TestAllocDisjointness(t *testing.T) {
	const capacity = 1024
	a := New(capacity, zap.NewNop())

	var live []Run
	sizes := []uint32{1, 7, 3, 64, 12, 5, 9, 2, 31, 4}
	for round := 0; round < 20; round++ {
		for _, n := range sizes {
			r, err := a.Alloc(n)
			if err != nil {
				break
			}
			live = append(live, r)
		}
		// Free every other run.
		var kept []Run
		for i, r := range live {
			if i%2 == 0 {
				a.Free(r)
			} else {
				kept = append(kept, r)
			}
		}
		live = kept

		sorted := append([]Run{}, live...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		for i, r := range sorted {
			require.LessOrEqual(t, r.End(), uint64(capacity))
			if i > 0 {
				require.GreaterOrEqual(t, r.Start, sorted[i-1].End(),
					"run %v overlaps %v", r, sorted[i-1])
			}
		}
	}
}

func TestReserve(t *testing.T) {
	a := New(100, zap.NewNop())

	require.NoError(t, a.Reserve(Run{Start: 10, Blocks: 20}))
	require.Equal(t, uint64(80), a.FreeBlocks())

	// Overlapping reserve must fail.
	require.Error(t, a.Reserve(Run{Start: 15, Blocks: 5}))

	// Allocations skirt the reserved region.
	r, err := a.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.Start)

	r2, err := a.Alloc(50)
	require.NoError(t, err)
	require.Equal(t, uint64(30), r2.Start)
}
