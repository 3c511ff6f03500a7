package lwla

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Command codes of the vendor protocol. Every command is a sequence of
// 16-bit little-endian words beginning with one of these.
const (
	cmdReadReg    = 1
	cmdWriteReg   = 2
	cmdReadMem32  = 3
	cmdCapSetup   = 4 // unused by current firmware
	cmdCapStatus  = 5 // unused by current firmware
	cmdReadMem36  = 6
	cmdWriteLRegs = 7
	cmdReadLRegs  = 8
)

// maxCommandWords bounds a single outbound command. The largest command
// the driver builds is the LWLA1034 bulk long-register write at 43 words.
const maxCommandWords = 64

// maxReplyBytes is the inbound transfer buffer size: the largest chunk
// reply rounded up to a multiple of the 128-word endpoint buffer.
const maxReplyBytes = 1024

// Conn is one bidirectional bulk connection to an analyzer. Hardware
// connections are backed by gousb (openUSB); tests and the simulated
// source substitute a SimConn.
type Conn interface {
	// Send transmits one complete command on the command endpoint.
	Send(data []byte) error
	// Receive reads one reply transfer into buf and returns the number
	// of bytes the device actually sent.
	Receive(buf []byte) (int, error)
	// SendConfig transmits raw bytes on the configuration endpoint.
	SendConfig(data []byte) error
	Close() error
}

// RegVal pairs a register address with a 32-bit value, both for simple
// configuration writes and for queued multi-register sequences.
type RegVal struct {
	Reg uint16
	Val uint32
}

// SendCommand transmits a command built from 16-bit words.
func SendCommand(c Conn, words []uint16) error {
	if len(words) == 0 || len(words) > maxCommandWords {
		return fmt.Errorf("%w: command of %d words", ErrInvalidArgument, len(words))
	}
	return c.Send(wireWords(words))
}

// ReceiveReply reads one reply transfer into buf. Length validation is
// left to the caller, which knows the expected response shape.
func ReceiveReply(c Conn, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty reply buffer", ErrInvalidArgument)
	}
	return c.Receive(buf)
}

// ReadRegister reads one 32-bit register.
func ReadRegister(c Conn, reg uint16) (uint32, error) {
	if err := SendCommand(c, []uint16{cmdReadReg, reg}); err != nil {
		return 0, err
	}
	buf := make([]byte, 4)
	n, err := ReceiveReply(c, buf)
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, fmt.Errorf("%w: received size %d does not match expected size 4",
			ErrProtocolViolation, n)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// WriteRegister writes one 32-bit register.
func WriteRegister(c Conn, reg uint16, val uint32) error {
	return SendCommand(c, []uint16{cmdWriteReg, reg, uint16(val), uint16(val >> 16)})
}

// WriteRegisters writes a sequence of registers in order, stopping at
// the first failure. There is no partial retry: the caller sees exactly
// the error of the write that failed.
func WriteRegisters(c Conn, regvals []RegVal) error {
	for _, rv := range regvals {
		if err := WriteRegister(c, rv.Reg, rv.Val); err != nil {
			return err
		}
	}
	return nil
}

// maxBitstreamSize is the hard ceiling on FPGA configuration images.
const maxBitstreamSize = 256 * 1024

// bitstreamSettle is how long the device needs after a configuration
// download before it accepts further commands.
const bitstreamSettle = 30 * time.Millisecond

// SendBitstream loads the named FPGA image from dir and downloads it to
// the device: a 4-byte big-endian length prefix followed by the raw
// image bytes as a single transfer, then a settle delay.
func SendBitstream(c Conn, dir, name string) error {
	path := filepath.Join(dir, name)
	img, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: unable to read bitstream %q: %v", ErrIo, path, err)
	}
	if len(img) == 0 || len(img) > maxBitstreamSize {
		return fmt.Errorf("%w: bitstream %q has unreasonable size %d", ErrIo, path, len(img))
	}
	framed := make([]byte, 4+len(img))
	binary.BigEndian.PutUint32(framed, uint32(len(img)))
	copy(framed[4:], img)
	if err := c.SendConfig(framed); err != nil {
		return err
	}
	time.Sleep(bitstreamSettle)
	return nil
}

// DrainReplies discards pending reply data left over from an aborted
// exchange, so that the next command starts from a clean pipe. It stops
// at the first timeout or empty transfer.
func DrainReplies(c Conn) {
	buf := make([]byte, maxReplyBytes)
	for i := 0; i < 8; i++ {
		n, err := c.Receive(buf)
		if err != nil || n == 0 {
			return
		}
	}
}
