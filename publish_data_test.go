package varlet

import (
	"bytes"
	"testing"

	"github.com/usnistgov/varlet/packets"
)

// TestBlockFrames checks that a data block serializes into a header frame
// that parses back correctly, plus the raw payload frame.
func TestBlockFrames(t *testing.T) {
	b := &dataBlock{
		data:        []byte{1, 0, 2, 0, 3, 0},
		unitSize:    2,
		nchan:       16,
		nsamp:       3,
		firstSample: 40000,
		sampleRate:  125000000,
		triggered:   true,
	}
	header, payload := blockFrames(b)
	if len(header) != packets.HeaderLength {
		t.Fatalf("header frame has %d bytes, want %d", len(header), packets.HeaderLength)
	}
	if !bytes.Equal(payload, b.data) {
		t.Error("payload frame does not equal the block data")
	}

	h, err := packets.ReadHeader(bytes.NewReader(header))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.UnitSize != 2 || h.Nchan != 16 || h.SampleCount != 3 {
		t.Errorf("header is %+v, want UnitSize 2, Nchan 16, SampleCount 3", h)
	}
	if h.FirstSample != 40000 {
		t.Errorf("FirstSample = %d, want 40000", h.FirstSample)
	}
	if h.SampleRate != 125000000 {
		t.Errorf("SampleRate = %d, want 125000000", h.SampleRate)
	}
	if h.Flags&packets.FlagTriggered == 0 {
		t.Error("triggered block did not set the trigger flag")
	}
	if h.Flags&packets.FlagEndOfRun != 0 {
		t.Error("non-final block set the end-of-run flag")
	}
	if h.PayloadLength() != len(payload) {
		t.Errorf("PayloadLength() = %d, want %d", h.PayloadLength(), len(payload))
	}

	last := &dataBlock{unitSize: 2, nchan: 16, endOfRun: true}
	header, payload = blockFrames(last)
	if len(payload) != 0 {
		t.Errorf("end-of-run block has %d payload bytes, want 0", len(payload))
	}
	h, err = packets.ReadHeader(bytes.NewReader(header))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Flags&packets.FlagEndOfRun == 0 {
		t.Error("end-of-run block did not set the end-of-run flag")
	}
}
