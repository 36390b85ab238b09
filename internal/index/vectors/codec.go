package vectors

import (
	"encoding/binary"
	"fmt"
)

// Record is one posting-list entry: the vector, its owner vid and the
// version byte it was written under.
type Record[T Element] struct {
	Vid     uint32
	Version uint8
	Vector  []T
}

// RecordSize returns the encoded size of one record for the given dim.
func RecordSize[T Element](dim int) int {
	return 4 + 1 + dim*ElemSize[T]()
}

// EncodePosting serialises records back-to-back. The posting carries no
// header; its length is implied by the mapping and the fixed record size.
func EncodePosting[T Element](recs []Record[T], dim int) []byte {
	rs := RecordSize[T](dim)
	buf := make([]byte, len(recs)*rs)
	off := 0
	for _, r := range recs {
		binary.LittleEndian.PutUint32(buf[off:], r.Vid)
		buf[off+4] = r.Version
		PutElems(buf[off+5:], r.Vector)
		off += rs
	}
	return buf
}

// DecodePosting parses a posting blob. Trailing bytes smaller than one
// record (block padding) are ignored.
func DecodePosting[T Element](buf []byte, dim int) ([]Record[T], error) {
	rs := RecordSize[T](dim)
	if rs <= 5 {
		return nil, fmt.Errorf("invalid record size for dim %d", dim)
	}
	n := len(buf) / rs
	recs := make([]Record[T], 0, n)
	for i := 0; i < n; i++ {
		off := i * rs
		recs = append(recs, Record[T]{
			Vid:     binary.LittleEndian.Uint32(buf[off:]),
			Version: buf[off+4],
			Vector:  GetElems[T](buf[off+5:], dim),
		})
	}
	return recs, nil
}
