package version

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/renameio/v2"
)

// ErrCorrupted means a snapshot failed its checksum.
var ErrCorrupted = errors.New("version: snapshot corrupted")

const snapshotMagic = 0x53_50_56_31 // "SPV1"

// Save writes a point-in-time snapshot for clean shutdown:
//
//	u32 magic | u32 count | count × u8 version | ceil(count/8) tombstone bits
//	u64 xxhash64
//
// Concurrent mutation during Save yields a valid snapshot of some
// interleaving; the engine only calls it after draining.
func (m *Map) Save(path string) error {
	count := m.Count()
	buf := make([]byte, 8+int(count)+int(count+7)/8+8)
	binary.LittleEndian.PutUint32(buf[0:], snapshotMagic)
	binary.LittleEndian.PutUint32(buf[4:], count)
	vOff := 8
	bOff := vOff + int(count)
	for vid := uint32(0); vid < count; vid++ {
		v := atomic.LoadUint32(m.slot(vid))
		buf[vOff+int(vid)] = uint8(v)
		if v&deletedBit != 0 {
			buf[bOff+int(vid)/8] |= 1 << (vid % 8)
		}
	}
	sumOff := len(buf) - 8
	binary.LittleEndian.PutUint64(buf[sumOff:], xxhash.Sum64(buf[:sumOff]))
	if err := renameio.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("version: write snapshot: %w", err)
	}
	return nil
}

// Load rebuilds a directory from a snapshot.
func Load(path string) (*Map, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < 16 || binary.LittleEndian.Uint32(buf[0:]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(buf[4:])
	want := 8 + int(count) + int(count+7)/8 + 8
	if len(buf) != want {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrCorrupted, len(buf), want)
	}
	sumOff := len(buf) - 8
	if xxhash.Sum64(buf[:sumOff]) != binary.LittleEndian.Uint64(buf[sumOff:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	m := NewMap()
	if count > 0 {
		m.ensure(count - 1)
	}
	m.next.Store(count)
	vOff := 8
	bOff := vOff + int(count)
	var deleted int64
	for vid := uint32(0); vid < count; vid++ {
		v := uint32(buf[vOff+int(vid)])
		if buf[bOff+int(vid)/8]&(1<<(vid%8)) != 0 {
			v |= deletedBit
			deleted++
		}
		atomic.StoreUint32(m.slot(vid), v)
	}
	m.deleted.Store(deleted)
	return m, nil
}
