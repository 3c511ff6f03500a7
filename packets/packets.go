// Package packets defines the wire format of varlet's published
// logic-sample packet stream: a fixed 32-byte little-endian header
// followed by the raw sample units.
package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the packet header's magic number ("LWLA" as a big-endian
// byte string).
const Magic uint32 = 0x4C574C41

// Version is the current header format version.
const Version uint8 = 1

// HeaderLength is the encoded size of a Header in bytes.
const HeaderLength = 32

// Flag bits carried in a header's Flags field.
const (
	// FlagTriggered is set once the capture's trigger condition has fired.
	FlagTriggered uint32 = 1 << iota

	// FlagEndOfRun marks the final packet of a capture. Its payload may
	// be empty.
	FlagEndOfRun
)

// Header describes one packet of fixed-size logic sample units. The
// payload holds SampleCount units of UnitSize bytes each, the low bit
// of a unit being channel 0.
type Header struct {
	Version     uint8
	UnitSize    uint8  // bytes per sample unit
	Nchan       uint16 // number of logic channels
	SampleCount uint32 // sample units in the payload
	Flags       uint32
	FirstSample uint64 // stream index of the payload's first sample
	SampleRate  uint64 // samples per second
}

// ReadHeader parses one packet header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("magic was 0x%x, want 0x%x", magic, Magic)
	}
	h := new(Header)
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, fmt.Errorf("header version is %d, expect %d", h.Version, Version)
	}
	if h.UnitSize == 0 {
		return nil, fmt.Errorf("header unit size is 0, expect at least 1")
	}
	return h, nil
}

// Bytes encodes the header in its 32-byte wire form.
func (h *Header) Bytes() []byte {
	b := make([]byte, HeaderLength)
	binary.LittleEndian.PutUint32(b[0:], Magic)
	b[4] = h.Version
	b[5] = h.UnitSize
	binary.LittleEndian.PutUint16(b[6:], h.Nchan)
	binary.LittleEndian.PutUint32(b[8:], h.SampleCount)
	binary.LittleEndian.PutUint32(b[12:], h.Flags)
	binary.LittleEndian.PutUint64(b[16:], h.FirstSample)
	binary.LittleEndian.PutUint64(b[24:], h.SampleRate)
	return b
}

// PayloadLength returns the byte count of the payload the header
// announces.
func (h *Header) PayloadLength() int {
	return int(h.SampleCount) * int(h.UnitSize)
}
