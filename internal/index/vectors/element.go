package vectors

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element is the set of scalar types a vector may be made of.
type Element interface {
	float32 | int8 | int16 | uint8
}

// ValueType tags an Element at the API boundary. Internal code is generic;
// the tag only exists so the CLI and file readers can dispatch once.
type ValueType uint8

const (
	Float32 ValueType = iota
	Int8
	Int16
	UInt8
)

// ParseValueType maps the CLI spelling to a tag.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "Float", "Float32", "float":
		return Float32, nil
	case "Int8", "int8":
		return Int8, nil
	case "Int16", "int16":
		return Int16, nil
	case "UInt8", "uint8":
		return UInt8, nil
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

func (v ValueType) String() string {
	switch v {
	case Float32:
		return "Float32"
	case Int8:
		return "Int8"
	case Int16:
		return "Int16"
	case UInt8:
		return "UInt8"
	}
	return fmt.Sprintf("ValueType(%d)", uint8(v))
}

// Size returns sizeof(T) for the tagged type.
func (v ValueType) Size() int {
	switch v {
	case Int8, UInt8:
		return 1
	case Int16:
		return 2
	default:
		return 4
	}
}

// ElemSize is the compile-time counterpart of ValueType.Size.
func ElemSize[T Element]() int {
	var z T
	switch any(z).(type) {
	case int8, uint8:
		return 1
	case int16:
		return 2
	default:
		return 4
	}
}

// PutElems encodes a vector into dst (little-endian for multi-byte types).
// dst must have at least len(v)*ElemSize[T]() bytes.
func PutElems[T Element](dst []byte, v []T) {
	switch vv := any(v).(type) {
	case []int8:
		for i, e := range vv {
			dst[i] = byte(e)
		}
	case []uint8:
		copy(dst, vv)
	case []int16:
		for i, e := range vv {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(e))
		}
	case []float32:
		for i, e := range vv {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(e))
		}
	}
}

// GetElems decodes dim elements from src into a fresh slice.
func GetElems[T Element](src []byte, dim int) []T {
	out := make([]T, dim)
	switch vv := any(out).(type) {
	case []int8:
		for i := range vv {
			vv[i] = int8(src[i])
		}
	case []uint8:
		copy(vv, src[:dim])
	case []int16:
		for i := range vv {
			vv[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
		}
	case []float32:
		for i := range vv {
			vv[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
	return out
}
