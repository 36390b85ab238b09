package head

import (
	"container/heap"
	"sync"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// Flat is the exact-scan Index implementation. RWMutex keeps searches
// concurrent with each other; Add/Remove (split/merge only) take the
// write side.
type Flat[T vectors.Element] struct {
	mu     sync.RWMutex
	vecs   map[uint32][]T
	method vectors.DistMethod
}

var _ Index[float32] = (*Flat[float32])(nil)

// NewFlat returns an empty flat head index using the given distance.
func NewFlat[T vectors.Element](method vectors.DistMethod) *Flat[T] {
	return &Flat[T]{
		vecs:   make(map[uint32][]T),
		method: method,
	}
}

// neighborHeap is a max-heap on distance so the worst of the current
// best-n sits at the root.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int            { return len(h) }
func (h neighborHeap) Less(i, j int) bool  { return h[i].Dist > h[j].Dist }
func (h neighborHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)         { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search implements Index.
func (f *Flat[T]) Search(q []T, n int) []Neighbor {
	if n <= 0 {
		return nil
	}
	f.mu.RLock()
	h := make(neighborHeap, 0, n+1)
	for hid, vec := range f.vecs {
		d := vectors.Distance(f.method, q, vec)
		if len(h) < n {
			heap.Push(&h, Neighbor{Hid: hid, Dist: d})
		} else if d < h[0].Dist {
			h[0] = Neighbor{Hid: hid, Dist: d}
			heap.Fix(&h, 0)
		}
	}
	f.mu.RUnlock()

	out := make([]Neighbor, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Neighbor)
	}
	return out
}

// Add implements Index.
func (f *Flat[T]) Add(hid uint32, vec []T) {
	cp := make([]T, len(vec))
	copy(cp, vec)
	f.mu.Lock()
	f.vecs[hid] = cp
	f.mu.Unlock()
}

// Remove implements Index.
func (f *Flat[T]) Remove(hid uint32) {
	f.mu.Lock()
	delete(f.vecs, hid)
	f.mu.Unlock()
}

// Vector implements Index.
func (f *Flat[T]) Vector(hid uint32) ([]T, bool) {
	f.mu.RLock()
	v, ok := f.vecs[hid]
	f.mu.RUnlock()
	return v, ok
}

// Size implements Index.
func (f *Flat[T]) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vecs)
}

// Distance implements Index.
func (f *Flat[T]) Distance(a, b []T) float32 {
	return vectors.Distance(f.method, a, b)
}
