package engine

import (
	"errors"

	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// reassignWorker re-homes vids: bump the version (stales every old copy),
// then append a fresh record at the target head. The version-map update is
// sequenced before the append job becomes visible to the pool.
//
// Splits fold this into their rewrite; the queue serves the recovery
// replay of REASSIGN intents and explicit re-homing.
func (e *Engine[T]) reassignWorker(id int) {
	defer e.wg.Done()
	log := e.log.Named("reassign").With(zap.Int("worker", id))
	for job := range e.reassignQ {
		e.processReassign(log, job)
		e.reassignPending.Add(-1)
	}
}

func (e *Engine[T]) processReassign(log *zap.Logger, job reassignJob[T]) {
	if _, deleted := e.versions.Get(job.vid); deleted {
		if job.ackOne {
			e.buffer.ack(1)
		}
		return
	}

	vec := job.vec
	if vec == nil {
		// Recovery replay: the REASSIGN intent carries no vector bytes.
		// Recover them from whichever posting still holds a copy.
		var ok bool
		vec, ok = e.findVector(job.vid)
		if !ok {
			log.Error("reassign lost its vector", zap.Uint32("vid", job.vid))
			if job.ackOne {
				e.buffer.ack(1)
			}
			return
		}
	}

	newVer, err := e.versions.BumpVersion(job.vid)
	if err != nil {
		log.Error("version bump failed", zap.Uint32("vid", job.vid), zap.Error(err))
		if job.ackOne {
			e.buffer.ack(1)
		}
		return
	}

	hid := job.newHid
	if _, bound := e.router.PidOf(hid); !bound {
		cands := e.router.Route(vec, 1)
		if len(cands) == 0 {
			log.Error("no heads for reassign", zap.Uint32("vid", job.vid))
			if job.ackOne {
				e.buffer.ack(1)
			}
			return
		}
		hid = cands[0].Hid
	}

	e.appendQ.push(appendJob[T]{
		vid:     job.vid,
		hid:     hid,
		version: newVer,
		vec:     vec,
		primary: true, // the only fresh copy after the bump
		seq:     job.seq,
		ackOne:  job.ackOne,
	})
	e.reassigns.Add(1)
}

// findVector scans mapped postings for any record of vid, stale or live.
// Recovery-only path; cost is acceptable against a restart.
func (e *Engine[T]) findVector(vid uint32) ([]T, bool) {
	for _, pid := range e.store.Pids() {
		blob, err := e.store.Get(pid)
		if err != nil {
			continue
		}
		recs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
		if err != nil {
			continue
		}
		for _, r := range recs {
			if r.Vid == vid {
				return r.Vector, true
			}
		}
	}
	return nil, false
}

// Reassign re-homes vid to the head nearest its current vector. Exposed
// for operational tooling; the hot path is split-internal.
func (e *Engine[T]) Reassign(vid uint32) error {
	if err := e.checkUpdatable(); err != nil {
		return err
	}
	vec, ok := e.findVector(vid)
	if !ok {
		return errors.New("engine: vid has no resident record")
	}
	cands := e.router.Route(vec, 1)
	if len(cands) == 0 {
		return ErrEmptyIndex
	}
	seq := e.seq.Add(1)
	if err := e.buffer.appendReassign(seq, vid, cands[0].Hid); err != nil {
		return err
	}
	e.reassignPending.Add(1)
	e.reassignQ <- reassignJob[T]{vid: vid, newHid: cands[0].Hid, vec: vec, seq: seq, ackOne: true}
	return nil
}
