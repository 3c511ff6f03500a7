package lwla

import "encoding/binary"

// Commands are framed as 16-bit little-endian words on the wire, while
// replies arrive as 32-bit little-endian words. The helpers here keep all
// of the mixed-endian assembly in pure functions.

// wireWords serializes a command built as 16-bit words.
func wireWords(words []uint16) []byte {
	b := make([]byte, 2*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint16(b[2*i:], w)
	}
	return b
}

// word0 through word3 select the 16-bit quarters of a 64-bit value,
// least significant quarter first.
func word0(v uint64) uint16 { return uint16(v) }
func word1(v uint64) uint16 { return uint16(v >> 16) }
func word2(v uint64) uint16 { return uint16(v >> 32) }
func word3(v uint64) uint16 { return uint16(v >> 48) }

// le32 reads the 32-bit value at word index i of a reply buffer.
func le32(buf []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(buf[4*i:])
}

// packed36 extracts the w-th 36-bit field from a reply buffer holding
// slices of 8 packed fields each. A slice stores the low 32 bits of its
// fields in order, followed by one word collecting the high nibbles.
func packed36(buf []byte, w int) uint64 {
	slice := w / 8 * 9
	si := w % 8
	highNibbles := uint64(le32(buf, slice+8))
	word := uint64(le32(buf, slice+si))
	return word | (highNibbles<<(4*si+4))&(0xF<<32)
}
