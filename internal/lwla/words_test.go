package lwla

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWireWords(t *testing.T) {
	got := wireWords([]uint16{cmdReadReg, 0x10B4, 0xBEEF})
	want := []byte{0x01, 0x00, 0xB4, 0x10, 0xEF, 0xBE}
	if !bytes.Equal(got, want) {
		t.Errorf("wireWords gave % x, want % x", got, want)
	}
}

func TestWordQuarters(t *testing.T) {
	const v = uint64(0x1234567887654321)
	quarters := []struct {
		name string
		got  uint16
		want uint16
	}{
		{"word0", word0(v), 0x4321},
		{"word1", word1(v), 0x8765},
		{"word2", word2(v), 0x5678},
		{"word3", word3(v), 0x1234},
	}
	for _, q := range quarters {
		if q.got != q.want {
			t.Errorf("%s(%#x) = %#x, want %#x", q.name, v, q.got, q.want)
		}
	}
}

func TestLe32(t *testing.T) {
	buf := []byte{0x78, 0x56, 0x34, 0x12, 0xEF, 0xBE, 0xAD, 0xDE}
	if got := le32(buf, 0); got != 0x12345678 {
		t.Errorf("le32 word 0 = %#x, want 0x12345678", got)
	}
	if got := le32(buf, 1); got != 0xDEADBEEF {
		t.Errorf("le32 word 1 = %#x, want 0xdeadbeef", got)
	}
}

// TestPacked36 packs two slices of 36-bit words by hand and checks that
// every field is extracted intact.
func TestPacked36(t *testing.T) {
	words := []uint64{
		0x123456789, 0xFFFFFFFFF, 0x000000000, 0x800000001,
		0x5A5A5A5A5, 0x000000001, 0x777777777, 0xA0000000A,
		0x0DEADBEEF, 0x3FFFFFFFF, 0x400000000, 0x123400000,
		0x000000F0F, 0xF0F0F0F0F, 0x111111111, 0x0CAFEBABE,
	}
	buf := make([]byte, 9*4*2)
	for s := 0; s < 2; s++ {
		var high uint32
		for i := 0; i < 8; i++ {
			w := words[8*s+i]
			binary.LittleEndian.PutUint32(buf[36*s+4*i:], uint32(w))
			high |= uint32(w>>32&0xF) << (28 - 4*i)
		}
		binary.LittleEndian.PutUint32(buf[36*s+32:], high)
	}
	for i, want := range words {
		if got := packed36(buf, i); got != want {
			t.Errorf("packed36 field %d = %#x, want %#x", i, got, want)
		}
	}
}
