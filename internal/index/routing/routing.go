// Package routing resolves queries to posting ids. It layers a small
// read-mostly hid→pid table over the head index; the writer side of the
// table is only ever taken by split and merge.
package routing

import (
	"sync"

	"github.com/edirooss/spfresh/internal/index/head"
	"github.com/edirooss/spfresh/internal/index/vectors"
)

// Candidate is a routed posting with the head distance that selected it.
type Candidate struct {
	Hid  uint32
	Pid  uint32
	Dist float32
}

// Router maps query vectors to candidate postings.
type Router[T vectors.Element] struct {
	heads head.Index[T]

	mu   sync.RWMutex
	pids map[uint32]uint32 // hid → pid
}

// New wraps a head index with an empty binding table.
func New[T vectors.Element](heads head.Index[T]) *Router[T] {
	return &Router[T]{
		heads: heads,
		pids:  make(map[uint32]uint32),
	}
}

// Heads exposes the underlying head index.
func (r *Router[T]) Heads() head.Index[T] { return r.heads }

// Route returns up to n candidate postings for q, closest head first.
// Heads with no binding (racing a split that has not bound its children
// yet) are skipped.
func (r *Router[T]) Route(q []T, n int) []Candidate {
	nbs := r.heads.Search(q, n)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, 0, len(nbs))
	for _, nb := range nbs {
		pid, ok := r.pids[nb.Hid]
		if !ok {
			continue
		}
		out = append(out, Candidate{Hid: nb.Hid, Pid: pid, Dist: nb.Dist})
	}
	return out
}

// Bind associates hid with pid. Writer side: split/merge/build only.
func (r *Router[T]) Bind(hid, pid uint32) {
	r.mu.Lock()
	r.pids[hid] = pid
	r.mu.Unlock()
}

// Drop removes a head's binding.
func (r *Router[T]) Drop(hid uint32) {
	r.mu.Lock()
	delete(r.pids, hid)
	r.mu.Unlock()
}

// PidOf resolves one head.
func (r *Router[T]) PidOf(hid uint32) (uint32, bool) {
	r.mu.RLock()
	pid, ok := r.pids[hid]
	r.mu.RUnlock()
	return pid, ok
}

// Bindings snapshots the table (debug API and tests).
func (r *Router[T]) Bindings() map[uint32]uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32]uint32, len(r.pids))
	for h, p := range r.pids {
		out[h] = p
	}
	return out
}

// Size returns the number of bound heads.
func (r *Router[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pids)
}
