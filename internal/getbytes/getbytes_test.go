package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromSlice(t *testing.T) {
	var byteslicetests = []struct {
		byteslice []byte
		expect    string
	}{
		{FromSlice([]uint8{0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89}), "abcdef0123456789"},
		{FromSlice([]uint16{0xABCD, 0xEF01, 0x2345, 0x6789}), "cdab01ef45238967"},
		{FromSlice([]uint32{0xABCDEF01, 0x23456789}), "01efcdab89674523"},
		{FromSlice([]uint64{0xABCDEF0123456789}), "8967452301efcdab"},
		{FromSlice([]int16{1, 2, 3, 4}), "0100020003000400"},
		{FromSlice([]int64{1}), "0100000000000000"},
		{FromSlice([]float32{1, 2}), "0000803f00000040"},
		{FromSlice([]float64{2, 4}), "00000000000000400000000000001040"},
		{FromSlice([]uint8{}), ""},
		{FromSlice([]uint16{}), ""},
		{FromSlice([]uint64{}), ""},
		{FromSlice([]float64{}), ""},
	}
	for _, test := range byteslicetests {
		encodedStr := hex.EncodeToString(test.byteslice)
		if expectStr := test.expect; encodedStr != expectStr {
			t.Errorf("want %v, have %v", expectStr, encodedStr)
		}
	}

	var sizetests = []struct {
		dlen int
		want int
	}{
		{len(From(uint8(1))), 1},
		{len(From(uint16(1))), 2},
		{len(From(uint32(1))), 4},
		{len(From(uint64(1))), 8},
		{len(From(int32(1))), 4},
		{len(From(float32(1))), 4},
		{len(From(float64(1))), 8},
	}
	for _, test := range sizetests {
		if test.dlen != test.want {
			t.Errorf("wrong length: %d, want %d", test.dlen, test.want)
		}
	}
}
