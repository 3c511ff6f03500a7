package lwla

import (
	"encoding/binary"
	"fmt"
)

// SimConn is an in-memory stand-in for a USB connection, implementing
// the vendor protocol against a scriptable capture memory. It backs
// the simulated data source and the driver tests. Like the hardware it
// answers one command at a time; a SimConn is not safe for concurrent
// use.
type SimConn struct {
	// Quirk simulates the firmware bug that splits replies into
	// 64-byte transfers.
	Quirk bool
	// TriggerPoll is the status poll on which the trigger fires.
	TriggerPoll int
	// DonePoll is the status poll on which capture memory stops being
	// available, ending the capture.
	DonePoll int
	// DurationPerPoll is how many milliseconds the capture duration
	// counter advances per status poll.
	DurationPerPoll uint64
	// TestID is the value reported by the test ID register.
	TestID uint64

	model Model
	is34  bool

	mem   []uint64
	regs  map[uint16]uint32
	lregs map[uint32]uint64

	curLongAddr uint32
	latched     uint64
	testReads   int
	polls       int
	armed       bool

	pending    [][]byte
	configData [][]byte
	closed     bool
}

// NewSimConn creates a simulated analyzer of the given model with an
// empty capture memory.
func NewSimConn(m Model) *SimConn {
	c := &SimConn{
		TriggerPoll:     1,
		DonePoll:        2,
		DurationPerPoll: 1,
		TestID:          testID1016,
		model:           m,
		is34:            m.Product() == ProductID1034,
		regs:            make(map[uint16]uint32),
		lregs:           make(map[uint32]uint64),
	}
	if c.is34 {
		c.TestID = testID1034
	}
	c.mem = make([]uint64, c.readStart())
	return c
}

// readStart is the first capture memory address the driver reads;
// anything below it is reserved header area.
func (c *SimConn) readStart() int {
	if c.is34 {
		return readStartAddr1034
	}
	return readStartAddr1016
}

// LoadCapture fills the simulated capture memory with words, placed
// after the reserved header area that readout skips.
func (c *SimConn) LoadCapture(words []uint64) {
	start := c.readStart()
	c.mem = make([]uint64, start+len(words))
	copy(c.mem[start:], words)
}

// Send parses and executes one command, queueing any reply transfers.
func (c *SimConn) Send(data []byte) error {
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrIo)
	}
	if len(data) < 2 || len(data)%2 != 0 {
		return fmt.Errorf("%w: malformed command of %d bytes", ErrProtocolViolation, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	switch words[0] {
	case cmdReadReg:
		if len(words) < 2 {
			break
		}
		c.push4(c.readReg(words[1]))
		return nil
	case cmdWriteReg:
		if len(words) < 4 {
			break
		}
		c.writeReg(words[1], uint32(words[2])|uint32(words[3])<<16)
		return nil
	case cmdReadMem32:
		if len(words) < 5 {
			break
		}
		c.readMem32(uint32(words[1])|uint32(words[2])<<16,
			uint32(words[3])|uint32(words[4])<<16)
		return nil
	case cmdReadMem36:
		if len(words) < 5 {
			break
		}
		c.readMem36(uint32(words[1])|uint32(words[2])<<16,
			uint32(words[3])|uint32(words[4])<<16)
		return nil
	case cmdReadLRegs:
		if len(words) < 3 {
			break
		}
		c.readLRegs(words[1], words[2])
		return nil
	case cmdWriteLRegs:
		if len(words) < 3 || len(words) < 3+4*int(words[2]) {
			break
		}
		for i := 0; i < int(words[2]); i++ {
			v := uint64(words[3+4*i]) | uint64(words[4+4*i])<<16 |
				uint64(words[5+4*i])<<32 | uint64(words[6+4*i])<<48
			c.writeLReg(uint32(words[1])+uint32(i), v)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %d", ErrProtocolViolation, words[0])
	}
	return fmt.Errorf("%w: truncated command %d of %d words",
		ErrProtocolViolation, words[0], len(words))
}

// Receive pops one queued reply transfer.
func (c *SimConn) Receive(buf []byte) (int, error) {
	if c.closed {
		return 0, fmt.Errorf("%w: connection closed", ErrIo)
	}
	if len(c.pending) == 0 {
		return 0, fmt.Errorf("%w: reply timeout", ErrIo)
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	if len(buf) < len(b) {
		return 0, fmt.Errorf("%w: reply of %d bytes exceeds buffer of %d",
			ErrIo, len(b), len(buf))
	}
	return copy(buf, b), nil
}

// SendConfig records one configuration download.
func (c *SimConn) SendConfig(data []byte) error {
	if c.closed {
		return fmt.Errorf("%w: connection closed", ErrIo)
	}
	c.configData = append(c.configData, append([]byte(nil), data...))
	return nil
}

// ConfigDownloads returns the raw configuration transfers received so
// far, in order.
func (c *SimConn) ConfigDownloads() [][]byte { return c.configData }

func (c *SimConn) Close() error {
	c.closed = true
	return nil
}

// push queues one reply transfer, split into 64-byte pieces when the
// short-transfer quirk is simulated.
func (c *SimConn) push(b []byte) {
	if !c.Quirk || len(b) <= 64 {
		c.pending = append(c.pending, b)
		return
	}
	for len(b) > 64 {
		c.pending = append(c.pending, b[:64])
		b = b[64:]
	}
	c.pending = append(c.pending, b)
}

func (c *SimConn) push4(v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	c.push(b)
}

// memWord reads the capture memory, returning zero beyond the fill
// level like the hardware does.
func (c *SimConn) memWord(addr uint32) uint64 {
	if int(addr) < len(c.mem) {
		return c.mem[addr]
	}
	return 0
}

// statusWord models the capture status progression: capturing from the
// arm onward, triggered from TriggerPoll onward, and capture memory
// available until DonePoll. The LWLA1034 reports the same flags one
// bit position lower.
func (c *SimConn) statusWord() uint32 {
	var s uint32
	if c.armed {
		s |= statusCapturing
		if c.polls >= c.TriggerPoll {
			s |= statusTriggered
		}
		if c.polls < c.DonePoll {
			s |= statusMemAvail
		}
	}
	if c.is34 {
		s >>= 1
	}
	return s
}

func (c *SimConn) readReg(reg uint16) uint32 {
	if c.is34 {
		switch reg {
		case regLongStrobe1034:
			c.latched = c.readLReg(c.curLongAddr)
			if c.curLongAddr == lregTestID1034 {
				c.testReads++
				if c.testReads == 1 {
					// The first latch after FPGA configuration
					// returns stale data.
					c.latched = 0
				}
			}
			return 0
		case regLongHigh1034:
			return uint32(c.latched >> 32)
		case regLongLow1034:
			return uint32(c.latched)
		}
		return c.regs[reg]
	}
	switch reg {
	case regCapCtrl1016:
		if c.armed {
			c.polls++
		}
		return c.statusWord()
	case regMemWrPtr1016:
		return uint32(len(c.mem))
	case regDuration1016:
		return uint32(uint64(c.polls) * c.DurationPerPoll)
	case regCapCount1016:
		return uint32(len(c.mem) - 1)
	case regTestID1016:
		c.testReads++
		if c.testReads == 1 {
			// The first read after FPGA configuration returns stale
			// data.
			return 0
		}
		return uint32(c.TestID)
	}
	return c.regs[reg]
}

func (c *SimConn) writeReg(reg uint16, val uint32) {
	c.regs[reg] = val
	if c.is34 {
		switch reg {
		case regLongAddr1034:
			c.curLongAddr = val
		case regLongStrobe1034:
			v := uint64(c.regs[regLongHigh1034])<<32 | uint64(c.regs[regLongLow1034])
			c.writeLReg(c.curLongAddr, v)
		}
		return
	}
	if reg == regCapCtrl1016 {
		wasArmed := c.armed
		c.armed = val&capCtrlTrgEn1016 != 0
		if c.armed && !wasArmed {
			c.polls = 0
		}
	}
}

func (c *SimConn) readLReg(addr uint32) uint64 {
	switch addr {
	case lregMemFill1034:
		return uint64(len(c.mem))
	case lregDuration1034:
		return uint64(c.polls) * c.DurationPerPoll
	case lregStatus1034:
		return uint64(c.statusWord())
	case lregTestID1034:
		return c.TestID
	}
	return c.lregs[addr]
}

func (c *SimConn) writeLReg(addr uint32, val uint64) {
	c.lregs[addr] = val
	if addr == lregCapCtrl1034 {
		wasArmed := c.armed
		c.armed = val&capCtrlTrgEn1034 != 0
		if c.armed && !wasArmed {
			c.polls = 0
		}
	}
}

func (c *SimConn) readMem32(addr, count uint32) {
	b := make([]byte, 4*count)
	for i := uint32(0); i < count; i++ {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(c.memWord(addr+i)))
	}
	c.push(b)
}

// readMem36 packs 36-bit memory words into slices of eight: the low 32
// bits of each word in order, then one word collecting the high
// nibbles, first word's nibble on top.
func (c *SimConn) readMem36(addr, count uint32) {
	slices := (count + 7) / 8
	b := make([]byte, 36*slices)
	for s := uint32(0); s < slices; s++ {
		var high uint32
		for i := uint32(0); i < 8; i++ {
			w := c.memWord(addr + 8*s + i)
			binary.LittleEndian.PutUint32(b[36*s+4*i:], uint32(w))
			high |= uint32(w>>32&0xF) << (28 - 4*i)
		}
		binary.LittleEndian.PutUint32(b[36*s+32:], high)
	}
	c.push(b)
}

// readLRegs serves a bulk long register read. A bulk read covering the
// status register counts as one status poll.
func (c *SimConn) readLRegs(start, count uint16) {
	if c.armed && start <= lregStatus1034 && lregStatus1034 < int(start)+int(count) {
		c.polls++
	}
	b := make([]byte, 8*count)
	for i := uint16(0); i < count; i++ {
		v := c.readLReg(uint32(start) + uint32(i))
		binary.LittleEndian.PutUint32(b[8*i:], uint32(v))
		binary.LittleEndian.PutUint32(b[8*i+4:], uint32(v>>32))
	}
	c.push(b)
}

// SampleRun is one run of identical samples for building simulated
// captures.
type SampleRun struct {
	Value uint64
	Count uint64
}

// EncodeWords1016 packs a sample stream into LWLA1016 capture memory
// words, two 16-bit samples per word with the earlier sample in the
// high half. An odd trailing sample is repeated to fill its word.
func EncodeWords1016(samples []uint16) []uint64 {
	words := make([]uint64, 0, (len(samples)+1)/2)
	for i := 0; i < len(samples); i += 2 {
		second := samples[i]
		if i+1 < len(samples) {
			second = samples[i+1]
		}
		words = append(words, uint64(samples[i])<<16|uint64(second))
	}
	return words
}

// EncodeRuns1016 packs sample runs into LWLA1016 compressed capture
// memory words, each carrying a sample and a 16-bit repeat count. Runs
// longer than 2^16 span multiple words.
func EncodeRuns1016(runs []SampleRun) []uint64 {
	var words []uint64
	for _, run := range runs {
		count := run.Count
		for count > 0 {
			n := count
			if n > 1<<16 {
				n = 1 << 16
			}
			words = append(words, (run.Value&0xFFFF)<<16|(n-1))
			count -= n
		}
	}
	return words
}

// EncodeRuns1034 packs sample runs into LWLA1034 capture memory words.
// A word carries a 34-bit sample and a run of one or two; longer runs
// set the length-follows flag and put the remaining repeat count,
// halved, in the following word.
func EncodeRuns1034(runs []SampleRun) []uint64 {
	var words []uint64
	for _, run := range runs {
		if run.Count == 0 {
			continue
		}
		word := run.Value & allChannelsMask1034
		base := 2 - run.Count%2
		if base == 2 {
			word |= 1 << numChannels1034
		}
		if run.Count <= 2 {
			words = append(words, word)
			continue
		}
		words = append(words, word|rleLenFollows1034, (run.Count-base)/2)
	}
	return words
}
