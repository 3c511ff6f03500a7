package lwla

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestSendCommandBounds(t *testing.T) {
	c := NewSimConn(ModelForName("LWLA1016"))
	if err := SendCommand(c, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty command gave %v, want ErrInvalidArgument", err)
	}
	long := make([]uint16, maxCommandWords+1)
	long[0] = cmdReadReg
	if err := SendCommand(c, long); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("oversized command gave %v, want ErrInvalidArgument", err)
	}
}

func TestReadWriteRegister(t *testing.T) {
	c := NewSimConn(ModelForName("LWLA1016"))
	const reg = 0x2000 // scratch register with no simulated behavior
	if err := WriteRegister(c, reg, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteRegister failed: %v", err)
	}
	got, err := ReadRegister(c, reg)
	if err != nil {
		t.Fatalf("ReadRegister failed: %v", err)
	}
	if got != 0xDEADBEEF {
		t.Errorf("read back %#x, want 0xdeadbeef", got)
	}
}

// failConn passes commands through to a SimConn for a set number of
// sends, then fails every transfer.
type failConn struct {
	*SimConn
	sendsLeft int
}

func (c *failConn) Send(data []byte) error {
	if c.sendsLeft <= 0 {
		return fmt.Errorf("%w: injected failure", ErrIo)
	}
	c.sendsLeft--
	return c.SimConn.Send(data)
}

func TestWriteRegistersStopsAtFirstFailure(t *testing.T) {
	sim := NewSimConn(ModelForName("LWLA1016"))
	c := &failConn{SimConn: sim, sendsLeft: 2}
	regs := []RegVal{
		{0x2000, 1},
		{0x2004, 2},
		{0x2008, 3},
		{0x200C, 4},
	}
	err := WriteRegisters(c, regs)
	if !errors.Is(err, ErrIo) {
		t.Fatalf("WriteRegisters gave %v, want ErrIo", err)
	}
	if got := sim.regs[0x2004]; got != 2 {
		t.Errorf("second register = %d, want 2", got)
	}
	if _, wrote := sim.regs[0x2008]; wrote {
		t.Error("write after the failure still reached the device")
	}
}

func TestSendBitstream(t *testing.T) {
	dir := t.TempDir()
	img := []byte{0xAA, 0x99, 0x55, 0x66, 0x01, 0x02, 0x03}
	if err := os.WriteFile(filepath.Join(dir, "test.rbf"), img, 0644); err != nil {
		t.Fatal(err)
	}

	c := NewSimConn(ModelForName("LWLA1016"))
	if err := SendBitstream(c, dir, "test.rbf"); err != nil {
		t.Fatalf("SendBitstream failed: %v", err)
	}
	downloads := c.ConfigDownloads()
	if len(downloads) != 1 {
		t.Fatalf("device saw %d config transfers, want 1", len(downloads))
	}
	got := downloads[0]
	if len(got) != 4+len(img) {
		t.Fatalf("transfer is %d bytes, want %d", len(got), 4+len(img))
	}
	if n := binary.BigEndian.Uint32(got); n != uint32(len(img)) {
		t.Errorf("length prefix = %d, want %d", n, len(img))
	}
	if !bytes.Equal(got[4:], img) {
		t.Errorf("image payload % x, want % x", got[4:], img)
	}

	if err := SendBitstream(c, dir, "missing.rbf"); !errors.Is(err, ErrIo) {
		t.Errorf("missing file gave %v, want ErrIo", err)
	}

	huge := make([]byte, maxBitstreamSize+1)
	if err := os.WriteFile(filepath.Join(dir, "huge.rbf"), huge, 0644); err != nil {
		t.Fatal(err)
	}
	if err := SendBitstream(c, dir, "huge.rbf"); !errors.Is(err, ErrIo) {
		t.Errorf("oversized file gave %v, want ErrIo", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.rbf"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := SendBitstream(c, dir, "empty.rbf"); !errors.Is(err, ErrIo) {
		t.Errorf("empty file gave %v, want ErrIo", err)
	}
}

func TestDrainReplies(t *testing.T) {
	c := NewSimConn(ModelForName("LWLA1016"))
	for i := 0; i < 3; i++ {
		if err := SendCommand(c, []uint16{cmdReadReg, 0x2000}); err != nil {
			t.Fatal(err)
		}
	}
	DrainReplies(c)
	buf := make([]byte, 4)
	if _, err := c.Receive(buf); !errors.Is(err, ErrIo) {
		t.Errorf("pipe not drained: Receive gave %v, want timeout", err)
	}
}
