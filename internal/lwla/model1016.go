package lwla

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// LWLA1016 geometry: 16 channels in 2-byte units, captured into a
// 256K x 32-bit memory that is read back from address 2 in chunks of
// 250 words.
const (
	numChannels1016    = 16
	unitSize1016       = 2
	memoryDepth1016    = 256 * 1024
	readStartAddr1016  = 2
	readChunkWords1016 = 250
)

// LWLA1016 register addresses.
const (
	regChanMask1016 = 0x1000 // bit mask of enabled channels
	regDuration1016 = 0x1010 // capture duration in ms
	regMemWrPtr1016 = 0x1070
	regMemRdPtr1016 = 0x1074
	regMemData1016  = 0x1078
	regMemCtrl1016  = 0x107C
	regCapCount1016 = 0x10B0
	regTestID1016   = 0x10B4 // read
	regTrgSel1016   = 0x10B4 // write
	regCapCtrl1016  = 0x10B8
	regCapTotal1016 = 0x10BC // read
	regDivCount1016 = 0x10BC // write
)

// Flag bits for regMemCtrl1016.
const (
	memCtrlReset1016 = 1 << 0
	memCtrlWrite1016 = 1 << 1
)

// Flag bits for regCapCtrl1016. The read-back positions double as the
// normalized capture status flags.
const (
	capCtrlFifo32Full1016  = 1 << 0 // "fifo32_ful" bit
	capCtrlFifo64Full1016  = 1 << 1 // "fifo64_ful" bit
	capCtrlTrgEn1016       = 1 << 2 // "trg_en" bit
	capCtrlClrTimebase1016 = 1 << 3 // "do_clr_timebase" bit
	capCtrlFifoEmpty1016   = 1 << 4 // "fifo_empty" bit
	capCtrlSampleEn1016    = 1 << 5 // "sample_en" bit
	capCtrlCntrNotEndr1016 = 1 << 6 // "cntr_not_endr" bit
)

// testID1016 is the constant reported by the test ID register.
const testID1016 = 0x12345678

// Available FPGA configurations.
const (
	fpga1016Std = iota // 100 MS/s, no compression
	fpga1016TS         // 100 MS/s, timing-state mode
)

var bitstreams1016 = [...]string{
	fpga1016Std: "sysclk-lwla1016-100.rbf",
	fpga1016TS:  "sysclk-lwla1016-100-ts.rbf",
}

var samplerates1016 = []uint64{
	100000000,
	50000000, 20000000, 10000000,
	5000000, 2000000, 1000000,
	500000, 200000, 100000,
	50000, 20000, 10000,
	5000, 2000, 1000,
	500, 200, 100,
}

// model1016 drives the 16-channel LWLA1016. Samples are 32-bit capture
// words holding two 16-bit units with swapped halves; the timing-state
// bitstream optionally run-length encodes them.
type model1016 struct{}

func newModel1016() Model { return model1016{} }

func (model1016) Name() string { return "LWLA1016" }

func (model1016) Product() uint16 { return ProductID1016 }

func (model1016) NumChannels() int { return numChannels1016 }

func (model1016) UnitSize() int { return unitSize1016 }

func (model1016) MemoryDepth() uint32 { return memoryDepth1016 }

func (model1016) Samplerates() []uint64 { return samplerates1016 }

func (model1016) DefaultSamplerate() uint64 { return samplerates1016[0] }

// ApplyConfig selects between the plain and the timing-state bitstream.
// The LWLA1016 has no off state, so shutdown is a no-op.
func (model1016) ApplyConfig(d *Device) error {
	if d.off {
		return nil
	}
	config := fpga1016Std
	if d.cfg.RLE {
		config = fpga1016TS
	}
	if config == d.activeFPGA {
		return nil
	}
	if err := d.loadBitstream(bitstreams1016[config]); err != nil {
		d.activeFPGA = fpgaNoConf
		return err
	}
	d.activeFPGA = config
	return nil
}

// SelfTest reads the test ID register twice; the device returns a stale
// value on the first read after a reset.
func (model1016) SelfTest(d *Device) error {
	if _, err := ReadRegister(d.conn, regTestID1016); err != nil {
		return err
	}
	value, err := ReadRegister(d.conn, regTestID1016)
	if err != nil {
		return err
	}
	if value != testID1016 {
		return fmt.Errorf("%w: received invalid test word 0x%08X", ErrProtocolViolation, value)
	}
	return nil
}

// SetupAcquisition programs the capture registers as one strictly
// sequential batch of writes.
func (model1016) SetupAcquisition(d *Device, acq *Acquisition) error {
	regs := []RegVal{
		{regChanMask1016, uint32(acq.chanMask)},
		{regDivCount1016, clockDivider(acq.samplerate)},
		{regCapCtrl1016, 0},
		{regDuration1016, 0},
		{regMemCtrl1016, memCtrlReset1016},
		{regMemCtrl1016, 0},
		{regMemCtrl1016, memCtrlWrite1016},
		{regCapCtrl1016, capCtrlFifo32Full1016 | capCtrlFifo64Full1016},
		{regCapCtrl1016, capCtrlFifoEmpty1016},
		{regCapCtrl1016, 0},
		{regCapCount1016, memoryDepth1016 - 5},
		{regTrgSel1016, uint32((acq.triggers.Edge&0xFFFF)<<16 | acq.triggers.Value&0xFFFF)},
	}
	return WriteRegisters(d.conn, regs)
}

func (model1016) PrepareRequest(state State, acq *Acquisition) error {
	switch state {
	case StartCapture:
		acq.queue(regCapCtrl1016, capCtrlTrgEn1016|uint32((acq.triggers.Enable&0xFFFF)<<16))
	case StopCapture:
		acq.queue(regCapCtrl1016, 0)
		acq.queue(regDivCount1016, 0)
	case ReadPrepare:
		acq.queue(regMemCtrl1016, 0)
	case ReadFinish:
		acq.queue(regMemCtrl1016, memCtrlReset1016)
		acq.queue(regMemCtrl1016, 0)
	case StatusRequest:
		acq.queue(regCapCtrl1016, 0)
		acq.queue(regMemWrPtr1016, 0)
		acq.queue(regDuration1016, 0)
	case LengthRequest:
		acq.queue(regCapCount1016, 0)
	case ReadRequest:
		count := uint32(readChunkWords1016)
		if left := acq.memAddrStop - acq.memAddrNext; left < count {
			count = left
		}
		acq.setCommand(cmdReadMem32,
			word0(uint64(acq.memAddrNext)), word1(uint64(acq.memAddrNext)),
			word0(uint64(count)), word1(uint64(count)))
		acq.memAddrNext += count
	default:
		return fmt.Errorf("%w: BUG: unhandled request state %s", ErrProtocolViolation, state)
	}
	return nil
}

func (m model1016) HandleResponse(state State, acq *Acquisition) error {
	switch state {
	case StatusRequest:
		acq.status = acq.regSeq[0].Val & 0x7F
		acq.memAddrFill = acq.regSeq[1].Val
		acq.durationNow = uint64(acq.regSeq[2].Val)
	case LengthRequest:
		acq.memAddrNext = readStartAddr1016
		acq.memAddrStop = acq.regSeq[0].Val + readStartAddr1016 - 1
	case ReadRequest:
		expect := (int(acq.memAddrNext) - int(acq.memAddrDone) + acq.inIndex) * 4
		if acq.inLen != expect {
			return fmt.Errorf("%w: received size %d does not match expected size %d",
				ErrProtocolViolation, acq.inLen, expect)
		}
		if acq.rleEnabled {
			m.decodeRLE(acq)
		} else {
			m.decode(acq)
		}
	default:
		return fmt.Errorf("%w: BUG: unhandled response state %s", ErrProtocolViolation, state)
	}
	return nil
}

// decode demangles uncompressed sample data: two samples per capture
// word, with the 16-bit halves of each word swapped on the wire but the
// samples themselves kept in little-endian order.
func (model1016) decode(acq *Acquisition) {
	end := acq.memAddrNext
	if acq.memAddrStop < end {
		end = acq.memAddrStop
	}
	wordsLeft := uint64(end - acq.memAddrDone)

	runSamples := 2 * wordsLeft
	if space := acq.packetSpace(); space < runSamples {
		runSamples = space
	}
	// Round up in case the samples limit is an odd number; the packet
	// buffer carries slack for the overhanging unit.
	numWords := int(runSamples+1) / 2

	out := acq.outPacket[acq.outIndex*unitSize1016:]
	for i := 0; i < numWords; i++ {
		w := bits.RotateLeft32(le32(acq.inBuf, acq.inIndex+i), 16)
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	acq.inIndex += numWords
	acq.memAddrDone += uint32(numWords)
	acq.outIndex += int(runSamples)
	acq.samplesDone += runSamples
}

// decodeRLE expands timing-state mode data: each capture word carries a
// sample in its high half and the run length less one in its low half.
func (model1016) decodeRLE(acq *Acquisition) {
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

		sample := uint16(acq.sample)
		out := acq.outPacket[acq.outIndex*unitSize1016:]
		for ri := 0; ri < int(runSamples); ri++ {
			binary.LittleEndian.PutUint16(out[unitSize1016*ri:], sample)
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
		word := le32(acq.inBuf, acq.inIndex+wi)
		acq.sample = uint64(word >> 16)
		acq.runLen = uint64(word&0xFFFF) + 1
		wi++
	}
	acq.inIndex += wi
	acq.memAddrDone += uint32(wi)
}
