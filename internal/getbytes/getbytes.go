// Package getbytes reinterprets slices of fixed-size numeric types as
// raw byte slices without copying, for writing binary data files.
package getbytes

import (
	"unsafe"
)

// Unit covers the fixed-size numeric types that appear in sample
// streams and data files.
type Unit interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 |
		~float32 | ~float64
}

// FromSlice reinterprets d as its in-memory bytes, without copying.
// The byte order is the host's. The caller must not let d go out of
// scope while the returned bytes are in use.
func FromSlice[T Unit](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	n := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), n)
}

// From converts one value to its in-memory bytes.
func From[T Unit](d T) []byte {
	return FromSlice([]T{d})
}
