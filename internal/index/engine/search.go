package engine

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/storage/posting"
)

// Result is one search hit.
type Result struct {
	Vid  uint32  `json:"vid"`
	Dist float32 `json:"dist"`
}

type scored struct {
	vid     uint32
	version uint8
	dist    float32
}

// resultHeap is a max-heap on distance: the root is the worst of the
// current best-k, ready to be displaced.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].Dist > h[j].Dist }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search runs the two-stage query: route to the m nearest heads, score
// every record in their postings, then merge with vid de-duplication and
// the version/tombstone filter. It takes no locks against the update
// workers; postings are read as whole blobs, which are atomic per pid.
// A record briefly present in two postings (mid-split) is collapsed by
// the de-dup; a pending insert may be missing — the documented freshness
// gap.
func (e *Engine[T]) Search(query []T, k int) ([]Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := e.checkVector(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if !e.ready.Load() {
		return nil, ErrEmptyIndex
	}

	cands := e.router.Route(query, e.opts.SearchInternalResultNum)
	if len(cands) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		merged  = make(map[uint32]scored)
		scanned atomic.Int64
	)

	var g errgroup.Group
	g.SetLimit(8)
	for _, c := range cands {
		pid := c.Pid
		g.Go(func() error {
			if int(scanned.Load()) >= e.opts.MaxCandidates {
				return nil // candidate budget spent; keep tail latency flat
			}
			blob, err := e.store.Get(pid)
			if err != nil {
				if errors.Is(err, posting.ErrNotFound) {
					return nil // pid retired by a concurrent split/merge
				}
				return err
			}
			recs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
			if err != nil {
				return err
			}
			scanned.Add(int64(len(recs)))

			local := make([]scored, 0, len(recs))
			for _, r := range recs {
				local = append(local, scored{
					vid:     r.Vid,
					version: r.Version,
					dist:    e.heads.Distance(query, r.Vector),
				})
			}

			mu.Lock()
			for _, s := range local {
				if prev, ok := merged[s.vid]; !ok || s.dist < prev.dist {
					merged[s.vid] = s
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Validity filter after the merge: a returned vid must not be
	// tombstoned and its record version must match the directory.
	h := make(resultHeap, 0, k+1)
	for _, s := range merged {
		if !e.versions.Live(s.vid, s.version) {
			continue
		}
		res := Result{Vid: s.vid, Dist: s.dist}
		if len(h) < k {
			heap.Push(&h, res)
		} else if res.Dist < h[0].Dist {
			h[0] = res
			heap.Fix(&h, 0)
		}
	}

	out := make([]Result, len(h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Result)
	}

	// Tail prune: drop results beyond best × ratio.
	if e.opts.MaxDistRatio > 0 && len(out) > 0 {
		limit := out[0].Dist * float32(e.opts.MaxDistRatio)
		n := len(out)
		for n > 1 && out[n-1].Dist > limit {
			n--
		}
		out = out[:n]
	}
	return out, nil
}
