package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

const headsMagic = 0x53_50_48_31 // "SPH1"

// saveHeads snapshots the centroid set:
//
//	u32 magic | u32 count | u32 dim | u32 synthetic
//	count × (u32 hid, dim×T bytes) | u64 xxhash64
//
// Written atomically; paired with a mapping checkpoint at every
// split/merge so restarts see a consistent routing state.
func (e *Engine[T]) saveHeads() error {
	bindings := e.router.Bindings()
	hids := make([]uint32, 0, len(bindings))
	for hid := range bindings {
		hids = append(hids, hid)
	}
	sort.Slice(hids, func(i, j int) bool { return hids[i] < hids[j] })

	es := vectors.ElemSize[T]()
	buf := make([]byte, 16+len(hids)*(4+e.opts.Dim*es)+8)
	binary.LittleEndian.PutUint32(buf[0:], headsMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(hids)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.opts.Dim))
	binary.LittleEndian.PutUint32(buf[12:], e.syntheticHeads.Load())
	off := 16
	for _, hid := range hids {
		vec, ok := e.heads.Vector(hid)
		if !ok {
			continue
		}
		binary.LittleEndian.PutUint32(buf[off:], hid)
		vectors.PutElems(buf[off+4:], vec)
		off += 4 + e.opts.Dim*es
	}
	buf = buf[:off+8]
	binary.LittleEndian.PutUint64(buf[off:], xxhash.Sum64(buf[:off]))

	if err := renameio.WriteFile(e.opts.HeadsPath(), buf, 0o644); err != nil {
		return fmt.Errorf("engine: write heads snapshot: %w", err)
	}
	return nil
}

// rebuildVersions walks every posting and reconciles the directory with
// the resident records. The id space always advances past every vid seen
// (a crash can leave records for vids younger than the last snapshot).
// Record versions are restored wholesale (highest seen) only when no
// snapshot existed at all; with a snapshot the directory is kept except
// where a record's version is ahead of it in wrap-around order, since
// "highest version seen" is untrustworthy once the byte has wrapped.
// Tombstones are replayed separately from the persistent buffer.
func (e *Engine[T]) rebuildVersions(restoreVersions bool) error {
	for _, pid := range e.store.Pids() {
		blob, err := e.store.Get(pid)
		if err != nil {
			return err
		}
		recs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if restoreVersions {
				e.versions.RestoreVersion(r.Vid, r.Version)
			} else {
				// Repair bumps that landed in records but missed the
				// last directory snapshot (crash between a split and
				// shutdown).
				e.versions.RaiseAhead(r.Vid, r.Version)
			}
		}
		e.versions.Advance(pid) // head vids occupy id space too
	}
	return nil
}

// loadHeads restores centroids and bindings. The mapping is the source of
// truth for which postings exist; heads missing from the snapshot (crash
// between a split and its snapshot) are reconstructed as the mean of
// their posting's members, and snapshot heads whose posting is gone are
// dropped.
func (e *Engine[T]) loadHeads() error {
	fromSnap := make(map[uint32][]T)
	buf, err := os.ReadFile(e.opts.HeadsPath())
	switch {
	case os.IsNotExist(err):
		// Fresh index, or crash before the first snapshot.
	case err != nil:
		return fmt.Errorf("engine: read heads snapshot: %w", err)
	default:
		if len(buf) < 24 || binary.LittleEndian.Uint32(buf[0:]) != headsMagic {
			return fmt.Errorf("%w: heads snapshot header", ErrCorruptedState)
		}
		count := int(binary.LittleEndian.Uint32(buf[4:]))
		dim := int(binary.LittleEndian.Uint32(buf[8:]))
		if dim != e.opts.Dim {
			return fmt.Errorf("%w: heads snapshot dim %d, engine dim %d", ErrCorruptedState, dim, e.opts.Dim)
		}
		es := vectors.ElemSize[T]()
		want := 16 + count*(4+dim*es) + 8
		if len(buf) != want {
			return fmt.Errorf("%w: heads snapshot size %d, want %d", ErrCorruptedState, len(buf), want)
		}
		sumOff := len(buf) - 8
		if xxhash.Sum64(buf[:sumOff]) != binary.LittleEndian.Uint64(buf[sumOff:]) {
			return fmt.Errorf("%w: heads snapshot checksum", ErrCorruptedState)
		}
		e.syntheticHeads.Store(binary.LittleEndian.Uint32(buf[12:]))
		off := 16
		for i := 0; i < count; i++ {
			hid := binary.LittleEndian.Uint32(buf[off:])
			fromSnap[hid] = vectors.GetElems[T](buf[off+4:], dim)
			off += 4 + dim*es
		}
	}

	dropped := 0
	for _, pid := range e.store.Pids() {
		if vec, ok := fromSnap[pid]; ok {
			e.heads.Add(pid, vec)
			e.router.Bind(pid, pid)
			delete(fromSnap, pid)
			continue
		}
		// Posting with no snapshotted head: rebuild the centroid from
		// its members.
		blob, err := e.store.Get(pid)
		if err != nil {
			return err
		}
		recs, err := vectors.DecodePosting[T](blob, e.opts.Dim)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			e.store.Delete(pid)
			dropped++
			continue
		}
		centroid := vectors.Mean(recordVectors(recs), e.opts.Dim)
		e.heads.Add(pid, centroid)
		e.router.Bind(pid, pid)
		e.log.Warn("reconstructed head centroid from posting",
			zap.Uint32("pid", pid), zap.Int("members", len(recs)))
	}
	for hid := range fromSnap {
		// Snapshot head whose posting is gone (crash mid-split cleanup).
		dropped++
		e.log.Warn("dropped snapshot head with no posting", zap.Uint32("hid", hid))
	}
	if dropped > 0 || len(fromSnap) > 0 {
		e.log.Info("head reconciliation done", zap.Int("dropped", dropped))
	}
	return nil
}
