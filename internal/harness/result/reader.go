package result

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Decoded is one parsed log record.
type Decoded struct {
	Tag       uint8
	Seq       uint64
	Insert    uint64   // internal id, TagWrite only
	ResultIDs []uint64 // TagRead only, exactly k entries
}

// ReadAll decodes a result log written with the given k. Fails on any
// malformed record; the log has no framing beyond the fixed sizes.
func ReadAll(path string, k int) ([]Decoded, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	writeSize := 1 + 8 + 8
	readSize := 1 + 8 + 8*k

	var out []Decoded
	off := 0
	for off < len(buf) {
		switch buf[off] {
		case TagWrite:
			if off+writeSize > len(buf) {
				return nil, fmt.Errorf("result: truncated write record at %d", off)
			}
			out = append(out, Decoded{
				Tag:    TagWrite,
				Seq:    binary.LittleEndian.Uint64(buf[off+1:]),
				Insert: binary.LittleEndian.Uint64(buf[off+9:]),
			})
			off += writeSize
		case TagRead:
			if off+readSize > len(buf) {
				return nil, fmt.Errorf("result: truncated read record at %d", off)
			}
			ids := make([]uint64, k)
			for i := 0; i < k; i++ {
				ids[i] = binary.LittleEndian.Uint64(buf[off+9+8*i:])
			}
			out = append(out, Decoded{
				Tag:       TagRead,
				Seq:       binary.LittleEndian.Uint64(buf[off+1:]),
				ResultIDs: ids,
			})
			off += readSize
		default:
			return nil, fmt.Errorf("result: unknown tag %d at %d", buf[off], off)
		}
	}
	return out, nil
}
