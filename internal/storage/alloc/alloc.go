// Package alloc tracks free fixed-size blocks on the device and hands out
// contiguous runs. Best-fit over a size-ordered tree keeps fragmentation
// bounded; adjacent free runs coalesce on release.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// ErrNoSpace is returned when no single free run satisfies a request.
var ErrNoSpace = errors.New("alloc: no free run large enough")

// Run is a contiguous extent of device blocks.
type Run struct {
	Start  uint64
	Blocks uint32
}

func (r Run) End() uint64 { return r.Start + uint64(r.Blocks) }

func (r Run) String() string { return fmt.Sprintf("[%d,+%d)", r.Start, r.Blocks) }

func lessByStart(a, b Run) bool { return a.Start < b.Start }

func lessBySize(a, b Run) bool {
	if a.Blocks != b.Blocks {
		return a.Blocks < b.Blocks
	}
	return a.Start < b.Start
}

// Allocator manages the free pool over [0, capacity). All methods are
// serialised by one mutex; critical sections are tree operations only.
type Allocator struct {
	mu       sync.Mutex
	byStart  *btree.BTreeG[Run] // coalescing lookups
	bySize   *btree.BTreeG[Run] // best-fit lookups
	capacity uint64
	free     uint64
	log      *zap.Logger
}

// New builds an allocator with the whole of [0, capacityBlocks) free.
func New(capacityBlocks uint64, log *zap.Logger) *Allocator {
	a := &Allocator{
		byStart:  btree.NewG(8, lessByStart),
		bySize:   btree.NewG(8, lessBySize),
		capacity: capacityBlocks,
		log:      log.Named("alloc"),
	}
	if capacityBlocks > 0 {
		a.insert(Run{Start: 0, Blocks: clampU32(capacityBlocks)})
		// Capacities beyond 2^32 blocks are carved into max-width runs.
		for off := uint64(clampU32(capacityBlocks)); off < capacityBlocks; {
			n := clampU32(capacityBlocks - off)
			a.insert(Run{Start: off, Blocks: n})
			off += uint64(n)
		}
	}
	return a
}

func clampU32(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

// insert adds a free run to both trees. Caller holds mu (or is init).
func (a *Allocator) insert(r Run) {
	a.byStart.ReplaceOrInsert(r)
	a.bySize.ReplaceOrInsert(r)
	a.free += uint64(r.Blocks)
}

// remove drops a free run from both trees. Caller holds mu.
func (a *Allocator) remove(r Run) {
	a.byStart.Delete(r)
	a.bySize.Delete(r)
	a.free -= uint64(r.Blocks)
}

// Alloc returns a contiguous run of exactly n blocks, best-fit. Fails with
// ErrNoSpace when the largest free run is smaller than n.
func (a *Allocator) Alloc(n uint32) (Run, error) {
	if n == 0 {
		return Run{}, fmt.Errorf("alloc: zero-length request")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var fit Run
	found := false
	a.bySize.AscendGreaterOrEqual(Run{Blocks: n}, func(r Run) bool {
		fit = r
		found = true
		return false
	})
	if !found {
		return Run{}, ErrNoSpace
	}

	a.remove(fit)
	out := Run{Start: fit.Start, Blocks: n}
	if rest := fit.Blocks - n; rest > 0 {
		a.insert(Run{Start: fit.Start + uint64(n), Blocks: rest})
	}
	return out, nil
}

// Free returns a run to the pool, coalescing with adjacent free runs.
// A run that overlaps the free run starting at or before it (a double
// free, for instance) is a caller bug and panics; overlap with a free run
// that starts inside r is not detected.
func (a *Allocator) Free(r Run) {
	if r.Blocks == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Predecessor: the free run with the greatest start below r.
	var prev Run
	havePrev := false
	a.byStart.DescendLessOrEqual(Run{Start: r.Start}, func(c Run) bool {
		prev = c
		havePrev = true
		return false
	})
	if havePrev {
		if prev.End() > r.Start {
			panic(fmt.Sprintf("alloc: free of %v overlaps free run %v", r, prev))
		}
		if prev.End() == r.Start && uint64(prev.Blocks)+uint64(r.Blocks) <= 0xFFFFFFFF {
			a.remove(prev)
			r = Run{Start: prev.Start, Blocks: prev.Blocks + r.Blocks}
		}
	}

	// Successor: a free run beginning exactly at r.End().
	if next, ok := a.byStart.Get(Run{Start: r.End()}); ok {
		if uint64(r.Blocks)+uint64(next.Blocks) <= 0xFFFFFFFF {
			a.remove(next)
			r = Run{Start: r.Start, Blocks: r.Blocks + next.Blocks}
		}
	}

	if r.End() > a.capacity {
		panic(fmt.Sprintf("alloc: free of %v beyond capacity %d", r, a.capacity))
	}
	a.insert(r)
}

// Reserve marks a run as in use during mapping recovery. The run must lie
// inside a currently-free extent.
func (a *Allocator) Reserve(r Run) error {
	if r.Blocks == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var host Run
	found := false
	a.byStart.DescendLessOrEqual(Run{Start: r.Start}, func(c Run) bool {
		host = c
		found = true
		return false
	})
	if !found || host.Start > r.Start || host.End() < r.End() {
		return fmt.Errorf("alloc: reserve %v not inside a free run", r)
	}

	a.remove(host)
	if lead := r.Start - host.Start; lead > 0 {
		a.insert(Run{Start: host.Start, Blocks: uint32(lead)})
	}
	if tail := host.End() - r.End(); tail > 0 {
		a.insert(Run{Start: r.End(), Blocks: uint32(tail)})
	}
	return nil
}

// FreeBlocks returns the total number of free blocks.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// LargestRun returns the size of the biggest free run, 0 when exhausted.
func (a *Allocator) LargestRun() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var max uint32
	a.bySize.Descend(func(r Run) bool {
		max = r.Blocks
		return false
	})
	return max
}

// Capacity returns the device capacity the allocator was built with.
func (a *Allocator) Capacity() uint64 { return a.capacity }
