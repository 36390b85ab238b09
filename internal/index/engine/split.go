package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/storage/posting"
)

// split carves an oversized posting into two. Caller holds the old pid's
// stripe and passes the already-integrity-filtered records.
//
// Ordering: the children are written with each member's next version
// before any version bump happens, so a concurrent search sees every vid
// in exactly one of {old posting, child posting} at all times — child
// records are stale until the bump, old records stale after it. The old
// posting and head go away last.
func (e *Engine[T]) split(log *zap.Logger, oldHid, oldPid uint32, recs []vectors.Record[T]) error {
	c1, c2, part1, part2 := e.twoMeans(recs)

	hid1 := e.versions.AllocateVid()
	hid2 := e.versions.AllocateVid()
	e.syntheticHeads.Add(2)

	// Log reassignment intent before touching storage; replay after a
	// crash re-appends every member at its new head.
	for _, r := range part1 {
		if err := e.buffer.appendReassign(e.seq.Add(1), r.Vid, hid1); err != nil {
			return err
		}
	}
	for _, r := range part2 {
		if err := e.buffer.appendReassign(e.seq.Add(1), r.Vid, hid2); err != nil {
			return err
		}
	}

	bump := func(part []vectors.Record[T]) []vectors.Record[T] {
		out := make([]vectors.Record[T], len(part))
		for i, r := range part {
			out[i] = vectors.Record[T]{Vid: r.Vid, Version: r.Version + 1, Vector: r.Vector}
		}
		return out
	}
	recs1 := bump(part1)
	recs2 := bump(part2)

	e.heads.Add(hid1, c1)
	e.heads.Add(hid2, c2)

	if err := e.store.Put(hid1, vectors.EncodePosting(recs1, e.opts.Dim)); err != nil {
		e.heads.Remove(hid1)
		e.heads.Remove(hid2)
		return err
	}
	if err := e.store.Put(hid2, vectors.EncodePosting(recs2, e.opts.Dim)); err != nil {
		e.heads.Remove(hid1)
		e.heads.Remove(hid2)
		return err
	}

	e.router.Bind(hid1, hid1)
	e.router.Bind(hid2, hid2)

	// Flip liveness old→new, one vid at a time.
	for _, r := range recs {
		if _, err := e.versions.BumpVersion(r.Vid); err != nil {
			return err
		}
	}
	e.reassigns.Add(int64(len(recs)))
	e.buffer.ack(int64(len(recs)))

	e.heads.Remove(oldHid)
	e.router.Drop(oldHid)
	if err := e.store.Delete(oldPid); err != nil && !errors.Is(err, posting.ErrNotFound) {
		return err
	}

	e.splits.Add(1)
	log.Info("posting split",
		zap.Uint32("old_hid", oldHid),
		zap.Uint32("hid1", hid1), zap.Int("size1", len(recs1)),
		zap.Uint32("hid2", hid2), zap.Int("size2", len(recs2)),
	)

	// Checkpoint the head/mapping pair so a restart sees a consistent
	// routing state. Splits are rare; the sync cost is acceptable.
	if err := e.saveHeads(); err != nil {
		log.Error("heads snapshot after split failed", zap.Error(err))
	}
	if err := e.store.SyncMapping(); err != nil {
		log.Error("mapping checkpoint after split failed", zap.Error(err))
	}
	return nil
}

// twoMeans runs a small deterministic 2-means over the records: seeds are
// the first record and the record farthest from it, then a few Lloyd
// rounds. Degenerate partitions fall back to an even halving.
func (e *Engine[T]) twoMeans(recs []vectors.Record[T]) (c1, c2 []T, part1, part2 []vectors.Record[T]) {
	c1 = recs[0].Vector
	far, farDist := 0, float32(-1)
	for i, r := range recs {
		if d := e.heads.Distance(c1, r.Vector); d > farDist {
			far, farDist = i, d
		}
	}
	c2 = recs[far].Vector

	assign := make([]bool, len(recs)) // true → cluster 2
	for round := 0; round < 5; round++ {
		changed := false
		for i, r := range recs {
			two := e.heads.Distance(r.Vector, c2) < e.heads.Distance(r.Vector, c1)
			if assign[i] != two {
				assign[i] = two
				changed = true
			}
		}
		var v1, v2 [][]T
		for i, r := range recs {
			if assign[i] {
				v2 = append(v2, r.Vector)
			} else {
				v1 = append(v1, r.Vector)
			}
		}
		if len(v1) == 0 || len(v2) == 0 {
			break
		}
		c1 = vectors.Mean(v1, e.opts.Dim)
		c2 = vectors.Mean(v2, e.opts.Dim)
		if !changed {
			break
		}
	}

	for i, r := range recs {
		if assign[i] {
			part2 = append(part2, r)
		} else {
			part1 = append(part1, r)
		}
	}
	if len(part1) == 0 || len(part2) == 0 {
		// All members coincide; halve arbitrarily to restore bounds.
		mid := len(recs) / 2
		part1, part2 = recs[:mid], recs[mid:]
		c1 = vectors.Mean(recordVectors(part1), e.opts.Dim)
		c2 = vectors.Mean(recordVectors(part2), e.opts.Dim)
	}
	return c1, c2, part1, part2
}

func recordVectors[T vectors.Element](recs []vectors.Record[T]) [][]T {
	out := make([][]T, len(recs))
	for i, r := range recs {
		out[i] = r.Vector
	}
	return out
}

// tryMerge folds an undersized posting into its nearest neighbour when the
// combined size stays clear of the split threshold. Conservative margin:
// combined ≤ split_threshold − merge_threshold. No version bumps — the
// vids stay live, only their pid changes.
//
// Caller holds our pid's stripe via guard. Neighbour stripes are taken in
// index order to stay deadlock-free; when ordering forces a release of our
// stripe, the posting state is re-validated after re-acquisition.
func (e *Engine[T]) tryMerge(log *zap.Logger, hid, pid uint32, recs []vectors.Record[T], guard *stripeGuard) {
	centroid, ok := e.heads.Vector(hid)
	if !ok {
		return
	}
	var neighborHid uint32
	found := false
	for _, nb := range e.heads.Search(centroid, 2) {
		if nb.Hid != hid {
			neighborHid = nb.Hid
			found = true
			break
		}
	}
	if !found {
		return // last head standing; nothing to merge into
	}
	neighborPid, ok := e.router.PidOf(neighborHid)
	if !ok {
		return
	}

	ourStripe := pid % pidStripes
	nbStripe := neighborPid % pidStripes
	var nbGuard *stripeGuard
	switch {
	case nbStripe == ourStripe:
		// Same stripe; already exclusive.
	case nbStripe > ourStripe:
		nbGuard = e.lockPid(neighborPid)
		defer nbGuard.unlock()
	default:
		// Re-acquire in order, then re-validate the world.
		guard.unlock()
		nbGuard = e.lockPid(neighborPid)
		defer nbGuard.unlock()
		reGuard := e.lockPid(pid)
		*guard = *reGuard

		if cur, ok := e.router.PidOf(hid); !ok || cur != pid {
			return // merged or split away while unlocked
		}
		blob, err := e.store.Get(pid)
		if err != nil {
			return
		}
		recs, err = vectors.DecodePosting[T](blob, e.opts.Dim)
		if err != nil {
			return
		}
		if len(recs) >= e.opts.MergeThreshold {
			return // grew back past the trigger while unlocked
		}
	}

	if cur, ok := e.router.PidOf(neighborHid); !ok || cur != neighborPid {
		return
	}
	blob, err := e.store.Get(neighborPid)
	if err != nil {
		return
	}
	nrecs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
	if err != nil {
		return
	}
	liveN := nrecs[:0]
	for _, r := range nrecs {
		if e.versions.Live(r.Vid, r.Version) {
			liveN = append(liveN, r)
		}
	}
	nrecs = liveN

	if len(nrecs)+len(recs) > e.opts.SplitThreshold-e.opts.MergeThreshold {
		return
	}

	// Concatenate, deduplicating replicas both postings already hold.
	seen := make(map[uint32]struct{}, len(nrecs))
	for _, r := range nrecs {
		seen[r.Vid] = struct{}{}
	}
	combined := nrecs
	for _, r := range recs {
		if _, dup := seen[r.Vid]; dup {
			continue
		}
		combined = append(combined, r)
	}

	if err := e.store.Put(neighborPid, vectors.EncodePosting(combined, e.opts.Dim)); err != nil {
		log.Warn("merge write failed", zap.Uint32("into", neighborPid), zap.Error(err))
		return
	}
	e.heads.Remove(hid)
	e.router.Drop(hid)
	if err := e.store.Delete(pid); err != nil && !errors.Is(err, posting.ErrNotFound) {
		log.Warn("merge cleanup failed", zap.Uint32("pid", pid), zap.Error(err))
	}

	e.merges.Add(1)
	log.Info("posting merged",
		zap.Uint32("hid", hid),
		zap.Uint32("into_hid", neighborHid),
		zap.Int("combined", len(combined)),
	)

	if err := e.saveHeads(); err != nil {
		log.Error("heads snapshot after merge failed", zap.Error(err))
	}
	if err := e.store.SyncMapping(); err != nil {
		log.Error("mapping checkpoint after merge failed", zap.Error(err))
	}
}
