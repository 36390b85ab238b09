// Package engine is the freshness core: it owns the update path (foreground
// inserts and deletes, background append/split/merge/reassign workers, the
// persistent write-ahead buffer) and the search path over a mutating index.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/head"
	"github.com/edirooss/spfresh/internal/index/routing"
	"github.com/edirooss/spfresh/internal/index/vectors"
	"github.com/edirooss/spfresh/internal/index/version"
	"github.com/edirooss/spfresh/internal/meta"
	"github.com/edirooss/spfresh/internal/storage/alloc"
	"github.com/edirooss/spfresh/internal/storage/blockdev"
	"github.com/edirooss/spfresh/internal/storage/posting"
)

var (
	// ErrEmptyIndex: update/search before the initial build.
	ErrEmptyIndex = errors.New("engine: index not built")
	// ErrDimensionMismatch: caller-supplied vector has the wrong dim.
	ErrDimensionMismatch = errors.New("engine: dimension mismatch")
	// ErrFrozen: a device error exhausted its retries; updates are
	// rejected, searches keep working.
	ErrFrozen = errors.New("engine: frozen after repeated io errors")
	// ErrBacklog: the append queue is over the configured backlog bound.
	ErrBacklog = errors.New("engine: append backlog full")
	// ErrRecovering: foreground inserts are gated until the persistent
	// buffer has drained.
	ErrRecovering = errors.New("engine: recovery in progress")
	// ErrClosed: the engine has been shut down.
	ErrClosed = errors.New("engine: closed")
	// ErrCorruptedState: a snapshot failed validation; refuse to start.
	ErrCorruptedState = errors.New("engine: corrupted on-disk state")
)

const pidStripes = 4096

// Stats is a point-in-time counters snapshot.
type Stats struct {
	Vectors    uint32 `json:"vectors"`
	Deleted    int64  `json:"deleted"`
	Heads      int    `json:"heads"`
	Postings   int    `json:"postings"`
	Inserts    int64  `json:"inserts"`
	Deletes    int64  `json:"deletes"`
	Splits     int64  `json:"splits"`
	Merges     int64  `json:"merges"`
	Reassigns  int64  `json:"reassigns"`
	AppendQ    int    `json:"append_queue"`
	ReassignQ  int64  `json:"reassign_queue"`
	BufferLag  int64  `json:"buffer_pending"`
	FreeBlocks uint64 `json:"free_blocks"`
}

type reassignJob[T vectors.Element] struct {
	vid    uint32
	newHid uint32
	vec    []T // nil when the vector must be recovered from a posting
	seq    uint64
	ackOne bool
}

// Engine ties the storage substrate, the version directory, the routing
// layer and the worker pools together. One Engine per index directory; the
// handle is explicit so tests can run several side by side.
type Engine[T vectors.Element] struct {
	opts Options
	log  *zap.Logger
	id   uuid.UUID

	dev      blockdev.Device
	alloc    *alloc.Allocator
	store    *posting.Store
	versions *version.Map
	heads    head.Index[T]
	router   *routing.Router[T]
	metadata meta.Store // optional, may be nil

	buffer *pbuffer
	seq    atomic.Uint64

	appendQ         *appendQueue[T]
	reassignQ       chan reassignJob[T]
	reassignPending atomic.Int64

	stripes [pidStripes]sync.Mutex

	ready     atomic.Bool // initial build done
	accepting atomic.Bool // recovery drained
	frozen    atomic.Bool
	closed    atomic.Bool
	aborting  atomic.Bool

	// syntheticHeads counts centroid vids minted by splits; they occupy
	// id space but are not data vectors.
	syntheticHeads atomic.Uint32

	inserts   atomic.Int64
	deletes   atomic.Int64
	splits    atomic.Int64
	merges    atomic.Int64
	reassigns atomic.Int64

	wg sync.WaitGroup
}

// New opens (or creates) the index under opts.IndexDir, replays the
// persistent buffer and starts the worker pools. Foreground inserts are
// accepted only once the replayed work has drained.
func New[T vectors.Element](opts Options, metadata meta.Store, log *zap.Logger) (*Engine[T], error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	log = log.Named("engine")

	dev, err := blockdev.Open(opts.DevicePath(), opts.BlockSize, opts.CapacityBlocks, log)
	if err != nil {
		return nil, err
	}
	allocator := alloc.New(dev.CapacityBlocks(), log)
	store, err := posting.New(dev, allocator, posting.Options{
		MappingPath:   opts.MappingPath,
		FlushInterval: opts.MappingFlushInterval,
		CacheSize:     opts.PostingCacheSize,
	}, log)
	if err != nil {
		dev.Close()
		return nil, err
	}

	versions, err := loadVersions(opts.VersionsPath())
	if err != nil {
		dev.Close()
		return nil, err
	}

	e := &Engine[T]{
		opts:      opts,
		log:       log,
		id:        uuid.New(),
		dev:       dev,
		alloc:     allocator,
		store:     store,
		versions:  versions,
		heads:     head.NewFlat[T](opts.Distance),
		metadata:  metadata,
		appendQ:   newAppendQueue[T](),
		reassignQ: make(chan reassignJob[T], 4096),
	}
	// The router wraps the same head index the engine mutates.
	e.router = routing.New[T](e.heads)

	if err := e.loadHeads(); err != nil {
		dev.Close()
		return nil, err
	}
	e.ready.Store(e.store.Count() > 0)

	// Reconcile the directory with resident records; restore versions too
	// when there was no snapshot to load.
	if e.store.Count() > 0 {
		if err := e.rebuildVersions(e.versions.Count() == 0); err != nil {
			dev.Close()
			return nil, err
		}
	}

	e.buffer, err = openPBuffer(opts.BufferPath(), opts.BufferSyncInterval, opts.BufferSyncHighWater, log)
	if err != nil {
		dev.Close()
		return nil, err
	}

	e.startWorkers()

	if err := e.replayBuffer(); err != nil {
		e.log.Error("persistent buffer replay failed", zap.Error(err))
		e.Close()
		return nil, err
	}
	e.DrainAppend()
	e.accepting.Store(true)

	e.log.Info("engine ready",
		zap.String("instance", e.id.String()),
		zap.Uint32("vectors", e.versions.Count()),
		zap.Int("heads", e.heads.Size()),
		zap.Int("postings", e.store.Count()),
	)
	return e, nil
}

func loadVersions(path string) (*version.Map, error) {
	m, err := version.Load(path)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, version.ErrCorrupted) {
		return nil, err // fatal, refuse to start
	}
	return version.NewMap(), nil // no snapshot: fresh or crashed; buffer replay rebuilds
}

func (e *Engine[T]) startWorkers() {
	for i := 0; i < e.opts.AppendWorkers; i++ {
		e.wg.Add(1)
		go e.appendWorker(i)
	}
	for i := 0; i < e.opts.ReassignWorkers; i++ {
		e.wg.Add(1)
		go e.reassignWorker(i)
	}
}

// replayBuffer re-applies the write-ahead log to the work queues.
func (e *Engine[T]) replayBuffer() error {
	var maxSeq uint64
	err := e.buffer.replay(func(rec bufferRecord) error {
		if rec.seq > maxSeq {
			maxSeq = rec.seq
		}
		switch rec.kind {
		case kindInsert:
			e.versions.Advance(rec.vid)
			ver, _ := e.versions.Get(rec.vid)
			e.appendQ.push(appendJob[T]{
				vid:     rec.vid,
				hid:     rec.head,
				version: ver,
				vec:     vectors.GetElems[T](rec.vec, e.opts.Dim),
				primary: true,
				seq:     rec.seq,
				ackOne:  true,
			})
		case kindDelete:
			e.versions.Advance(rec.vid)
			if err := e.versions.SetDeleted(rec.vid); err != nil {
				return err
			}
			// Delete entries stay in the buffer until the shutdown
			// snapshot captures them; no ack here.
		case kindReassign:
			e.versions.Advance(rec.vid)
			e.reassignPending.Add(1)
			e.reassignQ <- reassignJob[T]{vid: rec.vid, newHid: rec.head, seq: rec.seq, ackOne: true}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if maxSeq >= e.seq.Load() {
		e.seq.Store(maxSeq + 1)
	}
	return nil
}

func (e *Engine[T]) checkVector(vec []T) error {
	if len(vec) != e.opts.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.opts.Dim)
	}
	return nil
}

func (e *Engine[T]) checkUpdatable() error {
	switch {
	case e.closed.Load():
		return ErrClosed
	case e.frozen.Load():
		return ErrFrozen
	case !e.accepting.Load():
		return ErrRecovering
	case !e.ready.Load():
		return ErrEmptyIndex
	}
	return nil
}

// Insert assigns a fresh vid, logs the intent, and enqueues one append job
// per replica head. The vector becomes searchable once a background append
// lands it in a posting (the documented freshness gap).
func (e *Engine[T]) Insert(vec []T) (uint32, error) {
	return e.InsertWithMetadata(vec, nil)
}

// InsertWithMetadata additionally stores an opaque payload for the vid.
func (e *Engine[T]) InsertWithMetadata(vec []T, payload []byte) (uint32, error) {
	if err := e.checkUpdatable(); err != nil {
		return 0, err
	}
	if err := e.checkVector(vec); err != nil {
		return 0, err
	}
	if e.appendQ.depth() >= e.opts.MaxAppendBacklog {
		return 0, ErrBacklog
	}

	cands := e.router.Route(vec, e.opts.ReplicaCount)
	if len(cands) == 0 {
		return 0, ErrEmptyIndex
	}

	vid := e.versions.AllocateVid()
	seq := e.seq.Add(1)

	raw := make([]byte, len(vec)*vectors.ElemSize[T]())
	vectors.PutElems(raw, vec)
	if err := e.buffer.appendInsert(seq, vid, cands[0].Hid, raw); err != nil {
		return 0, err
	}

	if e.metadata != nil && payload != nil {
		if err := e.metadata.Put(vid, payload); err != nil {
			e.log.Warn("metadata put failed", zap.Uint32("vid", vid), zap.Error(err))
		}
	}

	ver, _ := e.versions.Get(vid)
	for i, c := range cands {
		cp := make([]T, len(vec))
		copy(cp, vec)
		e.appendQ.push(appendJob[T]{
			vid:     vid,
			hid:     c.Hid,
			version: ver,
			vec:     cp,
			primary: i == 0,
			seq:     seq,
			ackOne:  i == 0,
		})
	}
	e.inserts.Add(1)
	return vid, nil
}

// Delete tombstones vid. Posting cleanup is opportunistic: stale records
// fall out on the next rewrite of whatever posting holds them.
func (e *Engine[T]) Delete(vid uint32) error {
	if err := e.checkUpdatable(); err != nil {
		return err
	}
	if vid >= e.versions.Count() {
		return fmt.Errorf("engine: delete of unknown vid %d", vid)
	}
	seq := e.seq.Add(1)
	if err := e.buffer.appendDelete(seq, vid); err != nil {
		return err
	}
	if err := e.versions.SetDeleted(vid); err != nil {
		return err
	}
	if e.metadata != nil {
		if err := e.metadata.Delete(vid); err != nil && !errors.Is(err, meta.ErrNotFound) {
			e.log.Warn("metadata delete failed", zap.Uint32("vid", vid), zap.Error(err))
		}
	}
	e.deletes.Add(1)
	return nil
}

// Metadata returns the payload stored for vid, if any.
func (e *Engine[T]) Metadata(vid uint32) ([]byte, error) {
	if e.metadata == nil {
		return nil, meta.ErrNotFound
	}
	return e.metadata.Get(vid)
}

// GetNumSamples returns the number of data vectors ever inserted
// (tombstoned included; split centroids excluded).
func (e *Engine[T]) GetNumSamples() uint32 {
	return e.versions.Count() - e.syntheticHeads.Load()
}

// GetNumDeleted returns the tombstone count.
func (e *Engine[T]) GetNumDeleted() int64 { return e.versions.DeleteCount() }

// Dim returns the configured vector dimension.
func (e *Engine[T]) Dim() int { return e.opts.Dim }

// HeadCount returns the number of live heads.
func (e *Engine[T]) HeadCount() int { return e.heads.Size() }

// Router exposes the routing layer (debug API, tests).
func (e *Engine[T]) Router() *routing.Router[T] { return e.router }

// Store exposes the posting store (debug API, tests).
func (e *Engine[T]) Store() *posting.Store { return e.store }

// Versions exposes the vid directory (tests).
func (e *Engine[T]) Versions() *version.Map { return e.versions }

// Frozen reports whether updates are rejected after an escalated failure.
func (e *Engine[T]) Frozen() bool { return e.frozen.Load() }

// Stats snapshots the engine counters.
func (e *Engine[T]) Stats() Stats {
	return Stats{
		Vectors:    e.GetNumSamples(),
		Deleted:    e.versions.DeleteCount(),
		Heads:      e.heads.Size(),
		Postings:   e.store.Count(),
		Inserts:    e.inserts.Load(),
		Deletes:    e.deletes.Load(),
		Splits:     e.splits.Load(),
		Merges:     e.merges.Load(),
		Reassigns:  e.reassigns.Load(),
		AppendQ:    e.appendQ.depth(),
		ReassignQ:  e.reassignPending.Load(),
		BufferLag:  e.buffer.pending(),
		FreeBlocks: e.alloc.FreeBlocks(),
	}
}

// Abort terminates without checkpointing: pending queue work is dropped,
// no version or head snapshot is written and the persistent buffer keeps
// its unacknowledged entries. The next open replays them — this is the
// kill -9 path, and what crash tests exercise.
func (e *Engine[T]) Abort() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.accepting.Store(false)
	e.aborting.Store(true)
	e.appendQ.close()
	close(e.reassignQ)
	e.wg.Wait()

	var errs []error
	if err := e.buffer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains background work, checkpoints everything and shuts the
// engine down. Safe to call twice.
func (e *Engine[T]) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.accepting.Store(false)

	// Drain appends first, then reassigns (which may feed more appends),
	// then stop the pools.
	e.DrainAppend()
	e.appendQ.close()
	close(e.reassignQ)
	e.wg.Wait()

	var errs []error
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.versions.Save(e.opts.VersionsPath()); err != nil {
		errs = append(errs, err)
	}
	if err := e.saveHeads(); err != nil {
		errs = append(errs, err)
	}
	// Clean shutdown: everything above is durable, the log can go.
	e.buffer.resetAfterCheckpoint()
	if err := e.buffer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
