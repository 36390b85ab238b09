package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// Build performs the initial bulk load: head selection by the configured
// ratio, R-way replicated assignment, one batched write of every posting.
// Build is only legal on an empty index; later batches go through Insert.
func (e *Engine[T]) Build(vecs [][]T) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.ready.Load() {
		return fmt.Errorf("engine: index already built")
	}
	if len(vecs) == 0 {
		return fmt.Errorf("engine: build with no vectors")
	}
	for _, v := range vecs {
		if err := e.checkVector(v); err != nil {
			return err
		}
	}

	// Vids are assigned in input order so callers can correlate.
	vids := make([]uint32, len(vecs))
	for i := range vecs {
		vids[i] = e.versions.AllocateVid()
	}

	// Head selection: an even stride through the dataset at the given
	// ratio. Heads are dataset vectors, so their vids double as hids.
	headCount := int(float64(len(vecs)) * e.opts.Ratio)
	if headCount < 1 {
		headCount = 1
	}
	if headCount > len(vecs) {
		headCount = len(vecs)
	}
	stride := len(vecs) / headCount
	for i := 0; i < headCount; i++ {
		idx := i * stride
		e.heads.Add(vids[idx], vecs[idx])
		e.router.Bind(vids[idx], vids[idx])
	}

	// Assign every vector to its R nearest heads under the same RNG rule
	// the append path applies.
	postings := make(map[uint32][]vectors.Record[T])
	for i, v := range vecs {
		cands := e.router.Route(v, e.opts.ReplicaCount)
		for ci, c := range cands {
			headVec, _ := e.heads.Vector(c.Hid)
			if ci > 0 && e.rngPruned(postings[c.Hid], v, headVec) {
				continue
			}
			postings[c.Hid] = append(postings[c.Hid], vectors.Record[T]{
				Vid:    vids[i],
				Vector: v,
			})
		}
	}

	blobs := make(map[uint32][]byte, len(postings))
	for hid, recs := range postings {
		blobs[hid] = vectors.EncodePosting(recs, e.opts.Dim)
	}
	if errs := e.store.BatchPut(blobs); len(errs) > 0 {
		for pid, err := range errs {
			e.log.Error("build posting write failed", zap.Uint32("pid", pid), zap.Error(err))
		}
		return fmt.Errorf("engine: build failed for %d postings", len(errs))
	}

	if err := e.store.SyncMapping(); err != nil {
		return err
	}
	if err := e.saveHeads(); err != nil {
		return err
	}
	e.ready.Store(true)
	e.accepting.Store(true)
	e.inserts.Add(int64(len(vecs)))

	e.log.Info("initial build complete",
		zap.Int("vectors", len(vecs)),
		zap.Int("heads", headCount),
		zap.Int("postings", e.store.Count()),
	)
	return nil
}
