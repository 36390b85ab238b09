package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const deletedLen = 0xFFFFFFFF

// FileStore is the local backend: an append-only data file plus an
// in-memory vid→offset table rebuilt on open. A delete appends a marker
// record; space is reclaimed only by rewriting the file offline.
type FileStore struct {
	mu      sync.RWMutex
	f       *os.File
	offsets map[uint32]payloadAt
	size    int64
	log     *zap.Logger
}

type payloadAt struct {
	off int64
	len uint32
}

// OpenFileStore opens (creating if needed) the payload file and replays
// it into the offset table.
func OpenFileStore(path string, log *zap.Logger) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("meta: open %s: %w", path, err)
	}
	s := &FileStore{
		f:       f,
		offsets: make(map[uint32]payloadAt),
		log:     log.Named("meta"),
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay scans `u32 vid | u32 len | bytes` records. A torn tail from a
// crash mid-append is trimmed.
func (s *FileStore) replay() error {
	var hdr [8]byte
	off := int64(0)
	for {
		if _, err := s.f.ReadAt(hdr[:], off); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("meta: replay: %w", err)
		}
		vid := binary.LittleEndian.Uint32(hdr[0:])
		n := binary.LittleEndian.Uint32(hdr[4:])
		if n == deletedLen {
			delete(s.offsets, vid)
			off += 8
			continue
		}
		end := off + 8 + int64(n)
		if fi, err := s.f.Stat(); err != nil {
			return err
		} else if end > fi.Size() {
			break // torn tail
		}
		s.offsets[vid] = payloadAt{off: off + 8, len: n}
		off = end
	}
	s.size = off
	if err := s.f.Truncate(off); err != nil {
		return fmt.Errorf("meta: trim: %w", err)
	}
	return nil
}

// Put implements Store.
func (s *FileStore) Put(vid uint32, payload []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], vid)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(append(hdr[:], payload...), s.size); err != nil {
		return fmt.Errorf("meta: append: %w", err)
	}
	s.offsets[vid] = payloadAt{off: s.size + 8, len: uint32(len(payload))}
	s.size += 8 + int64(len(payload))
	return nil
}

// Get implements Store.
func (s *FileStore) Get(vid uint32) ([]byte, error) {
	s.mu.RLock()
	at, ok := s.offsets[vid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vid %d", ErrNotFound, vid)
	}
	buf := make([]byte, at.len)
	if _, err := s.f.ReadAt(buf, at.off); err != nil {
		return nil, fmt.Errorf("meta: read: %w", err)
	}
	return buf, nil
}

// Delete implements Store.
func (s *FileStore) Delete(vid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offsets[vid]; !ok {
		return fmt.Errorf("%w: vid %d", ErrNotFound, vid)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], vid)
	binary.LittleEndian.PutUint32(hdr[4:], deletedLen)
	if _, err := s.f.WriteAt(hdr[:], s.size); err != nil {
		return fmt.Errorf("meta: delete marker: %w", err)
	}
	s.size += 8
	delete(s.offsets, vid)
	return nil
}

// Close syncs and closes the file.
func (s *FileStore) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
