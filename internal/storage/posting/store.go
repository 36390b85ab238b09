// Package posting persists per-head posting lists on the block device.
//
// A posting is addressed by its Pid and stored in one contiguous run of
// blocks. The Pid→run mapping lives in memory under a single mutex and is
// periodically checkpointed to disk (see mapping.go). Rewrites are
// in-place when the block count is unchanged, otherwise out-of-place with
// an atomic mapping swap, which keeps the previous contents recoverable
// until the new run is durable.
package posting

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/storage/alloc"
	"github.com/edirooss/spfresh/internal/storage/blockdev"
)

// ErrNotFound is returned for get/delete of an unknown pid.
var ErrNotFound = errors.New("posting: pid not found")

// entry is one mapping record: where the posting lives and how many bytes
// of the run are payload (the tail of the last block is padding).
type entry struct {
	run    alloc.Run
	length uint32
}

// Options tunes the store.
type Options struct {
	// MappingPath is where the Pid→run table is checkpointed.
	MappingPath string
	// FlushInterval bounds mapping staleness on disk. Zero disables the
	// background checkpointer (tests drive SyncMapping directly).
	FlushInterval time.Duration
	// CacheSize is the posting read cache capacity in entries; 0 disables.
	CacheSize int
}

// Store maps Pid → run-of-blocks and serves get/put/delete/batch.
type Store struct {
	dev   blockdev.Device
	alloc *alloc.Allocator
	log   *zap.Logger
	opts  Options

	mu      sync.Mutex
	entries map[uint32]entry
	dirty   bool

	cache *lru.Cache[uint32, []byte]

	stop    chan struct{}
	flusher sync.WaitGroup
	once    sync.Once
}

// New opens the store, reloading the mapping checkpoint when one exists
// and re-reserving its runs with the allocator.
func New(dev blockdev.Device, a *alloc.Allocator, opts Options, log *zap.Logger) (*Store, error) {
	s := &Store{
		dev:     dev,
		alloc:   a,
		log:     log.Named("posting"),
		opts:    opts,
		entries: make(map[uint32]entry),
		stop:    make(chan struct{}),
	}
	if opts.CacheSize > 0 {
		c, err := lru.New[uint32, []byte](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}

	if err := s.loadMapping(); err != nil {
		return nil, err
	}

	if opts.FlushInterval > 0 {
		s.flusher.Add(1)
		go s.flushLoop()
	}
	return s, nil
}

func (s *Store) flushLoop() {
	defer s.flusher.Done()
	t := time.NewTicker(s.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.SyncMapping(); err != nil {
				s.log.Error("mapping checkpoint failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Store) blocksFor(n int) uint32 {
	bs := s.dev.BlockSize()
	return uint32((n + bs - 1) / bs)
}

// Get returns the posting bytes for pid. The returned slice is owned by
// the caller.
func (s *Store) Get(pid uint32) ([]byte, error) {
	if s.cache != nil {
		if b, ok := s.cache.Get(pid); ok {
			return bytes.Clone(b), nil
		}
	}

	s.mu.Lock()
	e, ok := s.entries[pid]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, pid)
	}
	if e.run.Blocks == 0 {
		return nil, nil
	}

	buf := make([]byte, int(e.run.Blocks)*s.dev.BlockSize())
	if err := blockdev.Read(s.dev, e.run.Start, e.run.Blocks, buf); err != nil {
		return nil, err
	}
	out := buf[:e.length]
	if s.cache != nil {
		s.cache.Add(pid, bytes.Clone(out))
	}
	return out, nil
}

// Has reports whether pid is mapped.
func (s *Store) Has(pid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[pid]
	return ok
}

// Put persists data under pid. Same-size rewrites go in place; size
// changes allocate a new run, write it durably, then swap the mapping and
// free the old run.
func (s *Store) Put(pid uint32, data []byte) error {
	if s.cache != nil {
		s.cache.Remove(pid)
	}

	n := s.blocksFor(len(data))

	s.mu.Lock()
	old, existed := s.entries[pid]
	s.mu.Unlock()

	if existed && old.run.Blocks == n {
		// In-place overwrite; allocator untouched.
		if n > 0 {
			if err := s.writeRun(old.run, data); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.entries[pid] = entry{run: old.run, length: uint32(len(data))}
		s.dirty = true
		s.mu.Unlock()
		return nil
	}

	var run alloc.Run
	if n > 0 {
		var err error
		run, err = s.alloc.Alloc(n)
		if err != nil {
			return err
		}
		if err := s.writeRun(run, data); err != nil {
			s.alloc.Free(run)
			return err
		}
		if err := s.dev.Flush(); err != nil {
			s.alloc.Free(run)
			return err
		}
	}

	s.mu.Lock()
	s.entries[pid] = entry{run: run, length: uint32(len(data))}
	s.dirty = true
	s.mu.Unlock()

	if existed && old.run.Blocks > 0 {
		s.alloc.Free(old.run)
	}
	return nil
}

// writeRun pads data out to whole blocks and writes it.
func (s *Store) writeRun(run alloc.Run, data []byte) error {
	full := int(run.Blocks) * s.dev.BlockSize()
	buf := data
	if len(buf) < full {
		buf = make([]byte, full)
		copy(buf, data)
	}
	return blockdev.Write(s.dev, run.Start, run.Blocks, buf)
}

// Delete frees pid's run and unmaps it.
func (s *Store) Delete(pid uint32) error {
	if s.cache != nil {
		s.cache.Remove(pid)
	}

	s.mu.Lock()
	e, ok := s.entries[pid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, pid)
	}
	delete(s.entries, pid)
	s.dirty = true
	s.mu.Unlock()

	if e.run.Blocks > 0 {
		s.alloc.Free(e.run)
	}
	return nil
}

// BatchPut writes several postings, grouping device flushes into one
// barrier. Failures are reported per entry; successful entries are
// committed regardless of sibling failures.
func (s *Store) BatchPut(entries map[uint32][]byte) map[uint32]error {
	errs := make(map[uint32]error)

	type staged struct {
		pid  uint32
		run  alloc.Run
		data []byte
		old  entry
		had  bool
	}
	var stagedWrites []staged

	for pid, data := range entries {
		if s.cache != nil {
			s.cache.Remove(pid)
		}
		n := s.blocksFor(len(data))

		s.mu.Lock()
		old, had := s.entries[pid]
		s.mu.Unlock()

		if had && old.run.Blocks == n {
			if n > 0 {
				if err := s.writeRun(old.run, data); err != nil {
					errs[pid] = err
					continue
				}
			}
			s.mu.Lock()
			s.entries[pid] = entry{run: old.run, length: uint32(len(data))}
			s.dirty = true
			s.mu.Unlock()
			continue
		}

		var run alloc.Run
		if n > 0 {
			var err error
			run, err = s.alloc.Alloc(n)
			if err != nil {
				errs[pid] = err
				continue
			}
			if err := s.writeRun(run, data); err != nil {
				s.alloc.Free(run)
				errs[pid] = err
				continue
			}
		}
		stagedWrites = append(stagedWrites, staged{pid: pid, run: run, data: data, old: old, had: had})
	}

	if len(stagedWrites) > 0 {
		if err := s.dev.Flush(); err != nil {
			for _, w := range stagedWrites {
				s.alloc.Free(w.run)
				errs[w.pid] = err
			}
			return errs
		}
		for _, w := range stagedWrites {
			s.mu.Lock()
			s.entries[w.pid] = entry{run: w.run, length: uint32(len(w.data))}
			s.dirty = true
			s.mu.Unlock()
			if w.had && w.old.run.Blocks > 0 {
				s.alloc.Free(w.old.run)
			}
		}
	}
	return errs
}

// Pids snapshots the currently-mapped posting ids.
func (s *Store) Pids() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.entries))
	for pid := range s.entries {
		out = append(out, pid)
	}
	return out
}

// Count returns the number of mapped postings.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close checkpoints the mapping and stops the background flusher. The
// device is owned by the caller and stays open.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.flusher.Wait()
		err = s.SyncMapping()
	})
	return err
}
