// Package version maintains the per-vector directory: a version byte that
// bumps on reassignment and a tombstone bit set on delete. Entries are
// indexed by vid and grow append-only in fixed-size slabs so readers never
// observe a relocation.
package version

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SlabEntries is the number of vids per slab. Slabs are allocated once and
// pinned for the process lifetime; readers hold indices, not pointers.
const SlabEntries = 1 << 20

const deletedBit = uint32(1) << 8

// slab packs one entry per uint32: version in the low byte, tombstone at
// bit 8. A single word per entry keeps reads one atomic load.
type slab struct {
	entries [SlabEntries]uint32
}

// Map is the vid directory. Reads are lock-free; mutations serialise on an
// internal mutex.
type Map struct {
	slabs atomic.Pointer[[]*slab]

	mu      sync.Mutex // serialises mutations and slab growth
	next    atomic.Uint32
	deleted atomic.Int64
}

// NewMap returns an empty directory.
func NewMap() *Map {
	m := &Map{}
	empty := make([]*slab, 0)
	m.slabs.Store(&empty)
	return m
}

// AllocateVid assigns the next vid, growing the slab list if needed.
// Vids strictly increase and are never reused.
func (m *Map) AllocateVid() uint32 {
	vid := m.next.Add(1) - 1
	m.ensure(vid)
	return vid
}

// ensure guarantees a slab exists for vid.
func (m *Map) ensure(vid uint32) {
	idx := int(vid) / SlabEntries
	if cur := m.slabs.Load(); len(*cur) > idx {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := *m.slabs.Load()
	for len(cur) <= idx {
		grown := make([]*slab, len(cur)+1)
		copy(grown, cur)
		grown[len(cur)] = new(slab)
		cur = grown
	}
	m.slabs.Store(&cur)
}

func (m *Map) slot(vid uint32) *uint32 {
	slabs := *m.slabs.Load()
	idx := int(vid) / SlabEntries
	if idx >= len(slabs) {
		return nil
	}
	return &slabs[idx].entries[int(vid)%SlabEntries]
}

// Get returns the current version and tombstone for vid. Unknown vids read
// as (0, false).
func (m *Map) Get(vid uint32) (version uint8, deleted bool) {
	p := m.slot(vid)
	if p == nil {
		return 0, false
	}
	v := atomic.LoadUint32(p)
	return uint8(v), v&deletedBit != 0
}

// SetDeleted marks vid tombstoned. Tombstones are permanent; vids are
// never recycled while the process lives (32-bit space outlasts any run).
func (m *Map) SetDeleted(vid uint32) error {
	p := m.slot(vid)
	if p == nil {
		return fmt.Errorf("version: vid %d not allocated", vid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := atomic.LoadUint32(p)
	if v&deletedBit != 0 {
		return nil
	}
	atomic.StoreUint32(p, v|deletedBit)
	m.deleted.Add(1)
	return nil
}

// BumpVersion increments vid's version byte (mod 256), making every
// previously written posting record for vid stale. Returns the new
// version.
func (m *Map) BumpVersion(vid uint32) (uint8, error) {
	p := m.slot(vid)
	if p == nil {
		return 0, fmt.Errorf("version: vid %d not allocated", vid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := atomic.LoadUint32(p)
	nv := (v &^ 0xFF) | uint32(uint8(v)+1)
	atomic.StoreUint32(p, nv)
	return uint8(nv), nil
}

// Advance ensures every vid up to and including the given one is
// allocated. Recovery uses it when replaying records for vids assigned
// before the crash.
func (m *Map) Advance(vid uint32) {
	for {
		cur := m.next.Load()
		if cur > vid {
			m.ensure(vid)
			return
		}
		if m.next.CompareAndSwap(cur, vid+1) {
			m.ensure(vid)
			return
		}
	}
}

// RestoreVersion raises vid's version byte to ver if the directory holds
// a smaller value. Used only while rebuilding the directory from posting
// records after a crash with no snapshot.
func (m *Map) RestoreVersion(vid uint32, ver uint8) {
	m.Advance(vid)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.slot(vid)
	v := atomic.LoadUint32(p)
	if uint8(v) < ver {
		atomic.StoreUint32(p, (v&^0xFF)|uint32(ver))
	}
}

// RaiseAhead advances vid's version to ver when ver is ahead of the
// directory in wrap-around order (less than half the byte space away).
// Recovery uses it to repair bumps that were applied to posting records
// but lost with the in-memory directory in a crash. Stale records, which
// trail the directory, are left alone.
func (m *Map) RaiseAhead(vid uint32, ver uint8) {
	m.Advance(vid)
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.slot(vid)
	v := atomic.LoadUint32(p)
	if d := ver - uint8(v); d != 0 && d < 128 {
		atomic.StoreUint32(p, (v&^0xFF)|uint32(ver))
	}
}

// Count returns the number of allocated vids (highest vid + 1).
func (m *Map) Count() uint32 { return m.next.Load() }

// DeleteCount returns the number of tombstoned vids.
func (m *Map) DeleteCount() int64 { return m.deleted.Load() }

// Live reports whether a posting record (vid, recVersion) is current:
// not tombstoned and carrying the directory's version.
func (m *Map) Live(vid uint32, recVersion uint8) bool {
	v, del := m.Get(vid)
	return !del && v == recVersion
}
