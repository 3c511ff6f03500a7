package lwla

import "fmt"

// LWLA1034 geometry: 34 channels in 5-byte units, captured into a
// 256K x 36-bit memory. Words are packed on the wire as slices of 8
// per 9 x 32-bit words, so reads stay aligned to multiples of 8 words.
// Chunks larger than about 1 KiB are unreliable on the FX2 USB chip,
// hence the 224-word (28-slice, 1008-byte) chunk length.
const (
	numChannels1034    = 34
	unitSize1034       = 5
	memoryDepth1034    = 256 * 1024
	readStartAddr1034  = 4
	readChunkWords1034 = 28 * 8
	// quirkChunkWords1034 keeps reads at or below one 64-byte transfer
	// on devices with the short-transfer firmware quirk.
	quirkChunkWords1034 = 8
)

// allChannelsMask1034 covers the 34 sample bits of a capture word.
const allChannelsMask1034 = uint64(1)<<numChannels1034 - 1

// rleLenFollows1034 flags a capture word whose run length continues in
// the next word.
const rleLenFollows1034 = uint64(1) << 35

// LWLA1034 register addresses.
const (
	regMemCtrl1034    = 0x1074 // capture buffer control
	regMemFill1034    = 0x1078 // capture buffer fill level
	regMemStart1034   = 0x107C // capture buffer start address
	regClkBoost1034   = 0x1094 // logic clock boost flag
	regLongStrobe1034 = 0x10B0 // long register read/write strobe
	regLongAddr1034   = 0x10B4 // long register address
	regLongLow1034    = 0x10B8 // long register low word
	regLongHigh1034   = 0x10BC // long register high word
)

// Flag bits for regMemCtrl1034.
const (
	memCtrlWrite1034  = 1 << 0 // "wr1rd0" bit
	memCtrlClrIdx1034 = 1 << 1 // "clr_idx" bit
)

// LWLA1034 long register addresses.
const (
	lregChanMask1034  = 0 // channel enable mask
	lregDivCount1034  = 1 // clock divider max count
	lregTrgValue1034  = 2 // trigger level/slope bits
	lregTrgType1034   = 3 // trigger type bits (level or edge)
	lregTrgEnable1034 = 4 // trigger enable mask
	lregMemFill1034   = 5 // capture memory fill level or limit
	lregDuration1034  = 7 // elapsed time in ms (0.8 ms at 125 MS/s)
	lregChanState1034 = 8 // current logic levels at the inputs
	lregStatus1034    = 9 // capture status flags
	lregCapCtrl1034   = 10
	lregTestID1034    = 100 // constant test ID
)

// Flag bits for lregCapCtrl1034.
const (
	capCtrlTrgEn1034       = 1 << 0 // "trg_en" bit
	capCtrlClrTimebase1034 = 1 << 2 // "do_clr_timebase" bit
	capCtrlFlushFifo1034   = 1 << 4 // "flush_fifo" bit
	capCtrlClrFifoFull1034 = 1 << 5 // "clr_fifo32_ful" bit
	capCtrlClrCounter1034  = 1 << 6 // "clr_cntr0" bit
)

// Start index and count for bulk long register reads. The first five
// long registers do not return useful values when read, so status polls
// skip over them to reduce the transfer size.
const (
	readLRegsStart1034 = lregMemFill1034
	readLRegsCount1034 = lregStatus1034 + 1 - readLRegsStart1034
)

// External trigger input edge selection bits of the trigger enable mask.
const (
	extTrigRising1034  = uint64(1) << 35
	extTrigFalling1034 = uint64(1) << 34
)

// testID1034 is the constant reported by the test ID long register.
const testID1034 = 0x1234567887654321

// Available FPGA configurations.
const (
	fpga1034Off = iota // FPGA shutdown config
	fpga1034Int        // internal clock config
	fpga1034ExtPos     // external clock, rising edge config
	fpga1034ExtNeg     // external clock, falling edge config
)

var bitstreams1034 = [...]string{
	fpga1034Off:    "sysclk-lwla1034-off.rbf",
	fpga1034Int:    "sysclk-lwla1034-int.rbf",
	fpga1034ExtPos: "sysclk-lwla1034-extpos.rbf",
	fpga1034ExtNeg: "sysclk-lwla1034-extneg.rbf",
}

var samplerates1034 = []uint64{
	125000000, 100000000,
	50000000, 20000000, 10000000,
	5000000, 2000000, 1000000,
	500000, 200000, 100000,
	50000, 20000, 10000,
	5000, 2000, 1000,
	500, 200, 100,
}

// model1034 drives the 34-channel LWLA1034. The capture stream is
// always run-length encoded, and configuration beyond the small
// register file goes through the indirect 64-bit long register space.
type model1034 struct{}

func newModel1034() Model { return model1034{} }

func (model1034) Name() string { return "LWLA1034" }

func (model1034) Product() uint16 { return ProductID1034 }

func (model1034) NumChannels() int { return numChannels1034 }

func (model1034) UnitSize() int { return unitSize1034 }

func (model1034) MemoryDepth() uint32 { return memoryDepth1034 }

func (model1034) Samplerates() []uint64 { return samplerates1034 }

func (model1034) DefaultSamplerate() uint64 { return samplerates1034[0] }

// ApplyConfig selects the bitstream for the clock configuration, or the
// shutdown image when the device is being powered off.
func (model1034) ApplyConfig(d *Device) error {
	var config int
	switch {
	case d.off:
		config = fpga1034Off
	case d.cfg.ClockSource == ClockInternal:
		config = fpga1034Int
	case d.cfg.ClockEdge == EdgePositive:
		config = fpga1034ExtPos
	default:
		config = fpga1034ExtNeg
	}
	if config == d.activeFPGA {
		return nil
	}
	if err := d.loadBitstream(bitstreams1034[config]); err != nil {
		d.activeFPGA = fpgaNoConf
		return err
	}
	d.activeFPGA = config
	return nil
}

// readLongReg reads one 64-bit long register: the address write is
// followed by a strobe read that latches the value, then the two
// halves are collected.
func (model1034) readLongReg(c Conn, addr uint32) (uint64, error) {
	if err := WriteRegister(c, regLongAddr1034, addr); err != nil {
		return 0, err
	}
	if _, err := ReadRegister(c, regLongStrobe1034); err != nil {
		return 0, err
	}
	high, err := ReadRegister(c, regLongHigh1034)
	if err != nil {
		return 0, err
	}
	low, err := ReadRegister(c, regLongLow1034)
	if err != nil {
		return 0, err
	}
	return uint64(high)<<32 | uint64(low), nil
}

// SelfTest reads the test ID long register twice, discarding the stale
// first value, then probes for the short-transfer firmware quirk.
func (m model1034) SelfTest(d *Device) error {
	// The value returned by the first read is stale; even its outcome
	// does not matter.
	m.readLongReg(d.conn, lregTestID1034)

	value, err := m.readLongReg(d.conn, lregTestID1034)
	if err != nil {
		return err
	}
	if value != testID1034 {
		return fmt.Errorf("%w: received invalid test word 0x%016X", ErrProtocolViolation, value)
	}
	return m.detectShortTransferQuirk(d)
}

// detectShortTransferQuirk checks whether replies longer than 64 bytes
// arrive intact. The FX2 firmware has a bug in its reset logic which
// sometimes leaves the reply endpoint limited to 64-byte transfers;
// when present, memory reads must stay below that limit.
func (model1034) detectShortTransferQuirk(d *Device) error {
	const lregCount = 10

	if err := SendCommand(d.conn, []uint16{cmdReadLRegs, 0, lregCount}); err != nil {
		return err
	}
	buf := make([]byte, 8*lregCount)
	n, err := ReceiveReply(d.conn, buf)
	if err != nil {
		return err
	}
	d.quirk = n == 64

	if n == 8*lregCount {
		return nil
	}
	if n == 64 {
		// Drain the tailing portion of the split transfer.
		n, err = ReceiveReply(d.conn, buf)
		if err != nil {
			return err
		}
		if n == 8*lregCount-64 {
			return nil
		}
	}
	return fmt.Errorf("%w: received response of unexpected length %d", ErrProtocolViolation, n)
}

// queueLongReg queues the register accesses of one long register write.
func (model1034) queueLongReg(acq *Acquisition, addr uint32, value uint64) {
	acq.queue(regLongAddr1034, addr)
	acq.queue(regLongLow1034, uint32(value))
	acq.queue(regLongHigh1034, uint32(value>>32))
	acq.queue(regLongStrobe1034, 0)
}

// SetupAcquisition resets the capture memory, sets the clock boost
// flag, and programs all configuration long registers with a single
// bulk write command.
func (model1034) SetupAcquisition(d *Device, acq *Acquisition) error {
	captureInit := []RegVal{
		{regMemCtrl1034, memCtrlClrIdx1034},
		{regMemCtrl1034, memCtrlWrite1034},
		{regLongAddr1034, lregCapCtrl1034},
		{regLongLow1034, capCtrlClrTimebase1034 | capCtrlFlushFifo1034 |
			capCtrlClrFifoFull1034 | capCtrlClrCounter1034},
		{regLongHigh1034, 0},
		{regLongStrobe1034, 0},
	}
	if err := WriteRegisters(d.conn, captureInit); err != nil {
		return err
	}
	var boost uint32
	if acq.clockBoost {
		boost = 1
	}
	if err := WriteRegister(d.conn, regClkBoost1034, boost); err != nil {
		return err
	}

	cmd := make([]uint16, 3+4*(lregStatus1034+1))
	cmd[0] = cmdWriteLRegs
	cmd[1] = 0
	cmd[2] = lregStatus1034 + 1
	set := func(idx int, value uint64) {
		cmd[4*idx+3] = word0(value)
		cmd[4*idx+4] = word1(value)
		cmd[4*idx+5] = word2(value)
		cmd[4*idx+6] = word3(value)
	}

	set(lregChanMask1034, acq.chanMask)

	var divider uint32
	if !acq.clockBoost {
		divider = clockDivider(acq.samplerate)
	}
	set(lregDivCount1034, uint64(divider))

	set(lregTrgValue1034, acq.triggers.Value)
	set(lregTrgType1034, acq.triggers.Edge)

	trigger := acq.triggers.Enable
	if d.cfg.TriggerSource == TriggerExternal {
		switch d.cfg.TriggerSlope {
		case EdgePositive:
			trigger |= extTrigRising1034
		case EdgeNegative:
			trigger |= extTrigFalling1034
		}
	}
	set(lregTrgEnable1034, trigger)

	// The capture memory full threshold is slightly less than the
	// actual maximum, most likely to compensate for pipeline latency.
	set(lregMemFill1034, memoryDepth1034-16)

	set(6, 0)
	set(lregDuration1034, 0)
	set(lregChanState1034, 0)
	set(lregStatus1034, 0)

	return SendCommand(d.conn, cmd)
}

func (m model1034) PrepareRequest(state State, acq *Acquisition) error {
	switch state {
	case StartCapture:
		m.queueLongReg(acq, lregCapCtrl1034, capCtrlTrgEn1034)
	case StopCapture:
		m.queueLongReg(acq, lregCapCtrl1034, 0)
		acq.queue(regClkBoost1034, 0)
	case ReadPrepare:
		acq.queue(regClkBoost1034, 1)
		acq.queue(regMemCtrl1034, memCtrlClrIdx1034)
		acq.queue(regMemStart1034, readStartAddr1034)
	case ReadFinish:
		acq.queue(regClkBoost1034, 0)
	case StatusRequest:
		acq.setCommand(cmdReadLRegs, readLRegsStart1034, readLRegsCount1034)
	case LengthRequest:
		acq.queue(regMemFill1034, 0)
	case ReadRequest:
		chunk := uint32(readChunkWords1034)
		if acq.quirk {
			chunk = quirkChunkWords1034
		}
		// Always read a multiple of 8 device words.
		remaining := (acq.memAddrStop - acq.memAddrNext + 7) / 8 * 8
		count := chunk
		if remaining < count {
			count = remaining
		}
		acq.setCommand(cmdReadMem36,
			word0(uint64(acq.memAddrNext)), word1(uint64(acq.memAddrNext)),
			word0(uint64(count)), word1(uint64(count)))
		acq.memAddrNext += count
	default:
		return fmt.Errorf("%w: BUG: unhandled request state %s", ErrProtocolViolation, state)
	}
	return nil
}

// longVal dissects one long register out of a bulk read response.
func (model1034) longVal(acq *Acquisition, idx int) uint64 {
	low := uint64(le32(acq.inBuf, 2*(idx-readLRegsStart1034)))
	high := uint64(le32(acq.inBuf, 2*(idx-readLRegsStart1034)+1))
	return high<<32 | low
}

func (m model1034) HandleResponse(state State, acq *Acquisition) error {
	switch state {
	case StatusRequest:
		if acq.inLen != readLRegsCount1034*8 {
			return fmt.Errorf("%w: received size %d does not match expected size %d",
				ErrProtocolViolation, acq.inLen, readLRegsCount1034*8)
		}
		acq.memAddrFill = uint32(m.longVal(acq, lregMemFill1034))
		acq.durationNow = m.longVal(acq, lregDuration1034)
		// Shift left by one so the bit positions match the LWLA1016.
		acq.status = uint32(m.longVal(acq, lregStatus1034)&0x3F) << 1
		// The 125 MS/s mode simply runs the FPGA logic at a 25% higher
		// clock rate, which also speeds up the millisecond counter.
		if acq.clockBoost {
			acq.durationNow = acq.durationNow * 4 / 5
		}
	case LengthRequest:
		acq.memAddrNext = readStartAddr1034
		acq.memAddrStop = acq.regSeq[0].Val
	case ReadRequest:
		// Expect a multiple of 8 36-bit words packed into 9 32-bit words.
		expect := (int(acq.memAddrNext) - int(acq.memAddrDone) + acq.inIndex + 7) / 8 * 9 * 4
		if acq.inLen != expect {
			return fmt.Errorf("%w: received size %d does not match expected size %d",
				ErrProtocolViolation, acq.inLen, expect)
		}
		m.decode(acq)
	default:
		return fmt.Errorf("%w: BUG: unhandled response state %s", ErrProtocolViolation, state)
	}
	return nil
}

// decode expands run-length encoded sample data. A capture word either
// carries a 34-bit sample with an implicit run of one or two, or, when
// flagged by the previous word, extends that word's run length.
func (model1034) decode(acq *Acquisition) {
	end := acq.memAddrNext
	if acq.memAddrStop < end {
		end = acq.memAddrStop
	}
	wordsLeft := int(end - acq.memAddrDone)

	wi := 0
	for {
		maxSamples := acq.packetSpace()
		runSamples := acq.runLen
		if maxSamples < runSamples {
			runSamples = maxSamples
		}

		sample := acq.sample
		out := acq.outPacket[acq.outIndex*unitSize1034:]
		for ri := 0; ri < int(runSamples); ri++ {
			out[0] = byte(sample)
			out[1] = byte(sample >> 8)
			out[2] = byte(sample >> 16)
			out[3] = byte(sample >> 24)
			out[4] = byte(sample >> 32)
			out = out[unitSize1034:]
		}
		acq.runLen -= runSamples
		acq.outIndex += int(runSamples)
		acq.samplesDone += runSamples

		if runSamples == maxSamples {
			break // packet full or sample limit reached
		}
		if wi >= wordsLeft {
			break // done with current transfer
		}
		word := packed36(acq.inBuf, acq.inIndex+wi)
		if acq.rle == rleData {
			acq.sample = word & allChannelsMask1034
			acq.runLen = (word>>numChannels1034)&1 + 1
			if word&rleLenFollows1034 != 0 {
				acq.rle = rleLen
			} else {
				acq.rle = rleData
			}
		} else {
			acq.runLen += word << 1
			acq.rle = rleData
		}
		wi++
	}
	acq.inIndex += wi
	acq.memAddrDone += uint32(wi)
}
