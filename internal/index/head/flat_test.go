package head

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

func TestSearchReturnsNearestFirst(t *testing.T) {
	f := NewFlat[float32](vectors.L2)
	f.Add(1, []float32{0, 0})
	f.Add(2, []float32{10, 0})
	f.Add(3, []float32{3, 0})

	got := f.Search([]float32{1, 0}, 2)
	require.Len(t, got, 2)
	require.Equal(t, uint32(1), got[0].Hid)
	require.Equal(t, uint32(3), got[1].Hid)
	require.LessOrEqual(t, got[0].Dist, got[1].Dist)
}

func TestSearchTruncatesToSize(t *testing.T) {
	f := NewFlat[float32](vectors.L2)
	f.Add(1, []float32{1})
	require.Len(t, f.Search([]float32{0}, 5), 1)
	require.Empty(t, f.Search([]float32{0}, 0))
}

func TestAddRemove(t *testing.T) {
	f := NewFlat[float32](vectors.L2)
	f.Add(9, []float32{5, 5})
	require.Equal(t, 1, f.Size())

	v, ok := f.Vector(9)
	require.True(t, ok)
	require.Equal(t, []float32{5, 5}, v)

	f.Remove(9)
	require.Equal(t, 0, f.Size())
	_, ok = f.Vector(9)
	require.False(t, ok)

	f.Remove(9) // no-op
}

func TestAddCopiesVector(t *testing.T) {
	f := NewFlat[float32](vectors.L2)
	src := []float32{1, 2}
	f.Add(1, src)
	src[0] = 99

	v, _ := f.Vector(1)
	require.Equal(t, []float32{1, 2}, v)
}

func TestConcurrentSearchDuringMutation(t *testing.T) {
	f := NewFlat[float32](vectors.L2)
	for i := uint32(0); i < 64; i++ {
		f.Add(i, []float32{float32(i), 0})
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					res := f.Search([]float32{32, 0}, 8)
					require.NotEmpty(t, res)
				}
			}
		}()
	}
	for i := uint32(64); i < 256; i++ {
		f.Add(i, []float32{float32(i), 1})
		f.Remove(i - 64)
	}
	close(stop)
	wg.Wait()
}
