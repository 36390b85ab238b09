package posting

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/edirooss/spfresh/internal/storage/alloc"
)

// ErrCorrupted means the mapping checkpoint failed its checksum. This is
// fatal at startup: a half-written checkpoint cannot happen (writes go
// through rename), so a bad sum means real damage.
var ErrCorrupted = errors.New("posting: mapping file corrupted")

const mappingMagic = 0x53_50_4D_31 // "SPM1"

// Checkpoint layout, little-endian:
//
//	u32 magic | u32 pid_count
//	pid_count × (u32 pid, u64 start_block, u32 n_blocks, u32 n_bytes)
//	u64 xxhash64 of all preceding bytes
//
// Entries carry the pid explicitly (pids are head vids, hence sparse) and
// the payload byte length (the run tail is block padding).
const mappingEntrySize = 4 + 8 + 4 + 4

// SyncMapping checkpoints the mapping atomically (write temp + rename).
// No-op when nothing changed since the last checkpoint.
func (s *Store) SyncMapping() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	pids := make([]uint32, 0, len(s.entries))
	for pid := range s.entries {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	buf := make([]byte, 8+len(pids)*mappingEntrySize+8)
	binary.LittleEndian.PutUint32(buf[0:], mappingMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(pids)))
	off := 8
	for _, pid := range pids {
		e := s.entries[pid]
		binary.LittleEndian.PutUint32(buf[off:], pid)
		binary.LittleEndian.PutUint64(buf[off+4:], e.run.Start)
		binary.LittleEndian.PutUint32(buf[off+12:], e.run.Blocks)
		binary.LittleEndian.PutUint32(buf[off+16:], e.length)
		off += mappingEntrySize
	}
	binary.LittleEndian.PutUint64(buf[off:], xxhash.Sum64(buf[:off]))
	s.dirty = false
	s.mu.Unlock()

	if err := renameio.WriteFile(s.opts.MappingPath, buf, 0o644); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return fmt.Errorf("posting: write mapping: %w", err)
	}
	s.log.Debug("mapping checkpoint", zap.Int("postings", len(pids)))
	return nil
}

// loadMapping reads the checkpoint if present, verifies the checksum and
// re-reserves every run with the allocator.
func (s *Store) loadMapping() error {
	buf, err := os.ReadFile(s.opts.MappingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // fresh index
		}
		return fmt.Errorf("posting: read mapping: %w", err)
	}
	if len(buf) < 16 {
		return fmt.Errorf("%w: short file (%d bytes)", ErrCorrupted, len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:]) != mappingMagic {
		return fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	count := int(binary.LittleEndian.Uint32(buf[4:]))
	want := 8 + count*mappingEntrySize + 8
	if len(buf) != want {
		return fmt.Errorf("%w: size %d, want %d for %d entries", ErrCorrupted, len(buf), want, count)
	}
	sum := binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if xxhash.Sum64(buf[:len(buf)-8]) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	off := 8
	for i := 0; i < count; i++ {
		pid := binary.LittleEndian.Uint32(buf[off:])
		run := alloc.Run{
			Start:  binary.LittleEndian.Uint64(buf[off+4:]),
			Blocks: binary.LittleEndian.Uint32(buf[off+12:]),
		}
		length := binary.LittleEndian.Uint32(buf[off+16:])
		off += mappingEntrySize

		if run.End() > s.alloc.Capacity() {
			return fmt.Errorf("%w: run %v beyond capacity", ErrCorrupted, run)
		}
		if run.Blocks > 0 {
			if err := s.alloc.Reserve(run); err != nil {
				// Overlapping runs: the disjointness invariant is broken.
				return fmt.Errorf("%w: %v", ErrCorrupted, err)
			}
		}
		s.entries[pid] = entry{run: run, length: length}
	}
	s.log.Info("mapping loaded", zap.Int("postings", count))
	return nil
}
