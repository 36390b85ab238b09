package engine

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/storage/alloc"
	"github.com/edirooss/spfresh/internal/storage/posting"
)

func (e *Engine[T]) lockPid(pid uint32) *stripeGuard {
	s := &e.stripes[pid%pidStripes]
	s.Lock()
	return &stripeGuard{mu: s}
}

type stripeGuard struct {
	mu       interface{ Unlock() }
	released bool
}

func (g *stripeGuard) unlock() {
	if !g.released {
		g.released = true
		g.mu.Unlock()
	}
}

// DrainAppend blocks until the append and reassign queues are empty and no
// worker is mid-batch. Reassigns feed appends and splits feed reassigns,
// so the check loops until both are simultaneously quiet.
func (e *Engine[T]) DrainAppend() {
	for {
		e.appendQ.waitIdle()
		if e.reassignPending.Load() == 0 && e.appendQ.depth() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// appendWorker pulls per-head batches off the shared queue and rewrites
// postings. One worker per batch per head; pid stripes serialise against
// split/merge touching neighbours.
func (e *Engine[T]) appendWorker(id int) {
	defer e.wg.Done()
	log := e.log.Named("append").With(zap.Int("worker", id))
	for {
		hid, batch, ok := e.appendQ.pop(e.opts.MergeThreshold)
		if !ok {
			return
		}
		if e.aborting.Load() {
			// Crash path: drop on the floor, no acks. The persistent
			// buffer replays these on the next open.
			e.appendQ.done(hid, len(batch))
			continue
		}
		e.processBatch(log, hid, batch)
	}
}

func (e *Engine[T]) processBatch(log *zap.Logger, hid uint32, batch []appendJob[T]) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.IORetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.opts.IORetryBackoff << (attempt - 1))
		}
		var settled bool
		settled, lastErr = e.appendToHead(log, hid, batch)
		if lastErr == nil {
			if !settled {
				acks := int64(0)
				for _, j := range batch {
					if j.ackOne {
						acks++
					}
				}
				if acks > 0 {
					e.buffer.ack(acks)
				}
				e.appendQ.done(hid, len(batch))
			}
			return
		}
		if errors.Is(lastErr, alloc.ErrNoSpace) {
			// Not a device fault: block until a merge frees space or an
			// operator intervenes. Foreground inserts fail on backlog.
			log.Warn("allocator exhausted, append parked", zap.Uint32("hid", hid))
			e.appendQ.requeue(hid, batch)
			time.Sleep(100 * time.Millisecond)
			return
		}
		log.Warn("append attempt failed",
			zap.Uint32("hid", hid),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	// Retries exhausted: freeze updates, keep serving reads.
	seqs := make([]uint64, 0, len(batch))
	for _, j := range batch {
		seqs = append(seqs, j.seq)
	}
	log.Error("append failed permanently, freezing updates",
		zap.Uint32("hid", hid),
		zap.Uint64s("seqs", seqs),
		zap.Error(lastErr),
	)
	e.frozen.Store(true)
	e.appendQ.done(hid, len(batch))
}

// appendToHead loads the head's posting, inserts the batch under the RNG
// rule, and persists. Splits when over threshold; merges when under.
// settled=true means the batch's queue accounting and acks were handled
// on a side path (head died, jobs re-routed).
func (e *Engine[T]) appendToHead(log *zap.Logger, hid uint32, batch []appendJob[T]) (settled bool, err error) {
	pid, bound := e.router.PidOf(hid)
	if !bound {
		// The head vanished under a split or merge between enqueue and
		// pickup. Re-route each job to its current nearest head.
		e.rerouteBatch(log, hid, batch)
		return true, nil
	}

	guard := e.lockPid(pid)
	defer guard.unlock()

	// Re-check under the stripe: a merge may have retired the pid while
	// we waited for the lock.
	if cur, ok := e.router.PidOf(hid); !ok || cur != pid {
		guard.unlock()
		e.rerouteBatch(log, hid, batch)
		return true, nil
	}

	blob, err := e.store.Get(pid)
	if err != nil {
		if errors.Is(err, posting.ErrNotFound) {
			guard.unlock()
			e.rerouteBatch(log, hid, batch)
			return true, nil
		}
		return false, err
	}
	recs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
	if err != nil {
		return false, err
	}

	// Integrity filter: drop tombstoned and stale records while we have
	// the posting open. This is the opportunistic GC every rewrite does.
	live := recs[:0]
	for _, r := range recs {
		if e.versions.Live(r.Vid, r.Version) {
			live = append(live, r)
		}
	}
	recs = live

	present := make(map[uint32]struct{}, len(recs))
	for _, r := range recs {
		present[r.Vid] = struct{}{}
	}

	headVec, _ := e.heads.Vector(hid)
	for _, job := range batch {
		// Skip records that went stale while queued (reassigned or
		// deleted before pickup).
		if !e.versions.Live(job.vid, job.version) {
			continue
		}
		// Replayed work the posting already holds: buffer replay after a
		// crash re-enqueues appends that may have landed pre-crash.
		if _, dup := present[job.vid]; dup {
			continue
		}
		if !job.primary && e.rngPruned(recs, job.vec, headVec) {
			continue
		}
		recs = append(recs, vectors.Record[T]{Vid: job.vid, Version: job.version, Vector: job.vec})
		present[job.vid] = struct{}{}
	}

	if len(recs) > e.opts.SplitThreshold {
		return false, e.split(log, hid, pid, recs)
	}

	blob = vectors.EncodePosting(recs, e.opts.Dim)
	if err := e.store.Put(pid, blob); err != nil {
		return false, err
	}
	if len(blob) > e.opts.PostingPageLimit*e.dev.BlockSize() {
		// Advisory only; the split threshold is what actually bounds
		// posting growth.
		log.Debug("posting over page limit",
			zap.Uint32("pid", pid), zap.Int("bytes", len(blob)))
	}

	if len(recs) < e.opts.MergeThreshold {
		e.tryMerge(log, hid, pid, recs, guard)
	}
	return false, nil
}

// rngPruned applies the relative-neighborhood rule: a candidate is dropped
// when an existing member dominates it, i.e. sits closer to the candidate
// than rng_factor × the candidate's distance to the head.
func (e *Engine[T]) rngPruned(recs []vectors.Record[T], cand, headVec []T) bool {
	if headVec == nil || e.opts.RNGFactor <= 0 {
		return false
	}
	dHead := e.heads.Distance(cand, headVec)
	limit := dHead * float32(e.opts.RNGFactor)
	for _, m := range recs {
		if e.heads.Distance(cand, m.Vector) < limit {
			return true
		}
	}
	return false
}

// rerouteBatch re-targets jobs whose head died. Each job is routed afresh
// and pushed back; queue accounting for the dead head is settled here.
func (e *Engine[T]) rerouteBatch(log *zap.Logger, hid uint32, batch []appendJob[T]) {
	requeued := 0
	acks := int64(0)
	for _, job := range batch {
		if !e.versions.Live(job.vid, job.version) {
			if job.ackOne {
				acks++
			}
			continue
		}
		cands := e.router.Route(job.vec, 1)
		if len(cands) == 0 {
			log.Error("no live heads to re-route job", zap.Uint32("vid", job.vid))
			if job.ackOne {
				acks++
			}
			continue
		}
		job.hid = cands[0].Hid
		e.appendQ.push(job)
		requeued++
	}
	if acks > 0 {
		e.buffer.ack(acks)
	}
	e.appendQ.done(hid, len(batch))
	if requeued > 0 {
		log.Debug("re-routed batch from dead head",
			zap.Uint32("hid", hid), zap.Int("jobs", requeued))
	}
}
