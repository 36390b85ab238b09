// Package trace replays binary vector traces through a sliding window so
// concurrent workloads are reproducible: record n is always the same
// vector with the same operation kind, no matter how many consumer
// threads race over the file.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edirooss/spfresh/internal/index/vectors"
)

// OpKind is the operation a trace record drives.
type OpKind uint8

const (
	OpRead  OpKind = 0
	OpWrite OpKind = 1
)

// HashFunc decides the operation kind for a sequence number; the low bit
// of the result is taken. Deterministic by contract.
type HashFunc func(uint64) uint64

// Record is one trace entry. Data aliases a window slot and is only valid
// while the guard that produced it is alive.
type Record[T vectors.Element] struct {
	Data []T
	Seq  uint64
	Op   OpKind
}

// Guard pins a window slot. Release returns the slot to the prefetcher;
// releasing twice is a no-op.
type Guard[T vectors.Element] struct {
	player *Player[T]
	slot   int
	Record Record[T]
	done   bool
}

// Release frees the slot for reuse.
func (g *Guard[T]) Release() {
	if g == nil || g.done {
		return
	}
	g.done = true
	g.player.releaseSlot(g.slot)
}

const (
	slotEmpty = iota
	slotFilled
	slotClaimed
)

// Player reads the trace file once, sequentially, via an internal
// prefetcher goroutine that fills a ring of W slots ahead of consumers.
// Next may be called from any number of goroutines; each record is
// delivered to exactly one caller.
type Player[T vectors.Element] struct {
	f      *os.File
	total  uint64
	dim    int
	window int
	hash   HashFunc

	buf []T // window × dim elements, slot i at [i*dim, (i+1)*dim)

	mu        sync.Mutex
	cond      *sync.Cond
	state     []int
	filledSeq []uint64
	err       error // poison: set once, fatal for all consumers

	nextSeq atomic.Uint64
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Open parses the `u32 count | u32 dim` header and starts the prefetcher.
func Open[T vectors.Element](path string, window int, hash HashFunc) (*Player[T], error) {
	if window <= 0 {
		return nil, fmt.Errorf("trace: window must be positive, got %d", window)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: read header: %w", err)
	}
	total := uint64(binary.LittleEndian.Uint32(hdr[0:]))
	dim := int(binary.LittleEndian.Uint32(hdr[4:]))
	if dim <= 0 {
		f.Close()
		return nil, fmt.Errorf("trace: invalid dim %d", dim)
	}

	p := &Player[T]{
		f:         f,
		total:     total,
		dim:       dim,
		window:    window,
		hash:      hash,
		buf:       make([]T, window*dim),
		state:     make([]int, window),
		filledSeq: make([]uint64, window),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.prefetchLoop()
	return p, nil
}

// Dimension returns the per-vector element count.
func (p *Player[T]) Dimension() int { return p.dim }

// TotalVectors returns the record count in the trace.
func (p *Player[T]) TotalVectors() uint64 { return p.total }

// WindowSize returns W.
func (p *Player[T]) WindowSize() int { return p.window }

// prefetchLoop reads vectors in file order, parking on slots that still
// have a live guard from W records ago.
func (p *Player[T]) prefetchLoop() {
	defer p.wg.Done()
	vecBytes := p.dim * vectors.ElemSize[T]()
	raw := make([]byte, vecBytes)

	for seq := uint64(0); seq < p.total; seq++ {
		slot := int(seq % uint64(p.window))

		p.mu.Lock()
		for p.state[slot] != slotEmpty && p.err == nil && !p.stopped.Load() {
			p.cond.Wait()
		}
		if p.err != nil || p.stopped.Load() {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if _, err := io.ReadFull(p.f, raw); err != nil {
			p.poison(fmt.Errorf("trace: read record %d: %w", seq, err))
			return
		}
		copy(p.buf[slot*p.dim:], vectors.GetElems[T](raw, p.dim))

		p.mu.Lock()
		p.state[slot] = slotFilled
		p.filledSeq[slot] = seq
		p.mu.Unlock()
		p.cond.Broadcast()
	}
}

func (p *Player[T]) poison(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Next claims the next record. Returns (nil, nil) once the trace is
// exhausted; a poisoned player returns the fatal error to every caller.
func (p *Player[T]) Next() (*Guard[T], error) {
	seq := p.nextSeq.Add(1) - 1
	if seq >= p.total {
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	slot := int(seq % uint64(p.window))

	p.mu.Lock()
	for !(p.state[slot] == slotFilled && p.filledSeq[slot] == seq) && p.err == nil && !p.stopped.Load() {
		p.cond.Wait()
	}
	if p.err != nil || p.stopped.Load() {
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("trace: player closed")
		}
		return nil, err
	}
	p.state[slot] = slotClaimed
	p.mu.Unlock()

	op := OpKind(p.hash(seq) & 1)
	return &Guard[T]{
		player: p,
		slot:   slot,
		Record: Record[T]{
			Data: p.buf[slot*p.dim : (slot+1)*p.dim],
			Seq:  seq,
			Op:   op,
		},
	}, nil
}

func (p *Player[T]) releaseSlot(slot int) {
	p.mu.Lock()
	p.state[slot] = slotEmpty
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close stops the prefetcher and closes the file. Outstanding guards keep
// their data (the buffer is not freed), but no further records flow.
func (p *Player[T]) Close() error {
	p.stopped.Store(true)
	p.cond.Broadcast()
	p.wg.Wait()
	return p.f.Close()
}
