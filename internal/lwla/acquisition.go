package lwla

import (
	"fmt"
	"io"
	"log"
)

// Logger receives driver progress messages. The host points it at its
// own update log; by default messages are discarded.
var Logger = log.New(io.Discard, "", 0)

// packetUnits is the number of sample units collected into the output
// buffer before it is flushed to the sink.
const packetUnits = 10 * 1000

// maxRegSeq bounds the register sequence queued for a single request.
const maxRegSeq = 8

// rlePhase tracks the LWLA1034 decoder between 36-bit fields. A field
// either carries sample data or extends the run announced by the
// previous field.
type rlePhase int

const (
	rleData rlePhase = iota
	rleLen
)

// PacketSink receives decoded sample packets. Implementations must
// copy units before returning; the buffer is reused for the next
// packet.
type PacketSink interface {
	WritePacket(units []byte, samples int) error
}

// Acquisition is the driver state of one capture: a snapshot of the
// configuration, the derived limits, the decode cursor and the scratch
// buffers of the request in flight. It is owned by a single Session
// and never shared.
type Acquisition struct {
	// Configuration snapshot taken at start.
	samplerate uint64
	chanMask   uint64
	triggers   TriggerMasks
	clockBoost bool
	rleEnabled bool
	quirk      bool

	// Both limits are always populated; when only one was configured
	// the other is derived from it and the samplerate.
	samplesMax  uint64
	durationMax uint64

	// Decode progress. sample and runLen carry the current run-length
	// run across transfer boundaries.
	samplesDone uint64
	durationNow uint64
	sample      uint64
	runLen      uint64
	rle         rlePhase

	status    uint32
	triggered bool

	// Capture memory cursor, in device words. done <= next <= stop
	// except while a chunk that ends at next is being decoded.
	memAddrFill uint32
	memAddrDone uint32
	memAddrNext uint32
	memAddrStop uint32

	// Outbound scratch of the request in flight: either a queued
	// register sequence or one custom command, never both.
	regSeq  []RegVal
	regPos  int
	command []uint16

	// Inbound scratch. inIndex counts the reply words consumed so far
	// by the decoder.
	inBuf   []byte
	inLen   int
	inIndex int

	// Decoded sample units, flushed to the sink in packetUnits bursts.
	unitSize  int
	outPacket []byte
	outIndex  int
}

// newAcquisition derives the capture limits from the configuration and
// allocates the transfer scratch. Limit conversion needs a samplerate,
// so an unset rate with the internal clock is rejected here.
func newAcquisition(m Model, cfg Config) (*Acquisition, error) {
	acq := &Acquisition{
		samplerate: cfg.Samplerate,
		chanMask:   cfg.ChannelMask,
		triggers: TriggerMasks{
			Enable: cfg.TriggerMask,
			Value:  cfg.TriggerValues,
			Edge:   cfg.TriggerEdges,
		},
		rleEnabled:  cfg.RLE,
		samplesMax:  MaxLimitSamples,
		durationMax: MaxLimitMsec,
		unitSize:    m.UnitSize(),
	}
	if acq.chanMask == 0 {
		acq.chanMask = uint64(1)<<uint(m.NumChannels()) - 1
	}
	if cfg.LimitMsec > 0 {
		acq.durationMax = cfg.LimitMsec
		Logger.Printf("Acquisition time limit %d ms.", cfg.LimitMsec)
	}
	if cfg.LimitSamples > 0 {
		acq.samplesMax = cfg.LimitSamples
		Logger.Printf("Acquisition sample count limit %d.", cfg.LimitSamples)
	}

	if cfg.ClockSource == ClockInternal {
		if cfg.Samplerate == 0 {
			return nil, fmt.Errorf("%w: samplerate not set", ErrInvalidArgument)
		}
		Logger.Printf("Internal clock, samplerate %d.", cfg.Samplerate)
		acq.clockBoost = cfg.Samplerate > clockBase

		// Populate the limit that was left unset, so that both the
		// sample quota and the duration check are meaningful.
		if cfg.LimitMsec == 0 && cfg.LimitSamples > 0 {
			acq.durationMax = cfg.LimitSamples*1000/cfg.Samplerate + 1
		} else if cfg.LimitSamples == 0 && cfg.LimitMsec > 0 {
			acq.samplesMax = cfg.LimitMsec * cfg.Samplerate / 1000
		}
	} else {
		acq.clockBoost = true
		if cfg.ClockEdge == EdgeNegative {
			Logger.Printf("External clock, falling edge.")
		} else {
			Logger.Printf("External clock, rising edge.")
		}
	}

	acq.regSeq = make([]RegVal, 0, maxRegSeq)
	acq.inBuf = make([]byte, maxReplyBytes)
	// Two units of slack: the LWLA1016 decoder stores sample pairs as
	// whole words and may write one unit past the packet boundary.
	acq.outPacket = make([]byte, (packetUnits+2)*acq.unitSize)
	return acq, nil
}

// clearRequest resets the outbound scratch before a new request is
// prepared.
func (acq *Acquisition) clearRequest() {
	acq.regSeq = acq.regSeq[:0]
	acq.regPos = 0
	acq.command = acq.command[:0]
}

// queue appends one register operation to the request sequence. For
// response-expecting states the value is ignored on the way out and
// replaced by the reply on the way in.
func (acq *Acquisition) queue(reg uint16, val uint32) {
	acq.regSeq = append(acq.regSeq, RegVal{Reg: reg, Val: val})
}

// setCommand installs a custom command for the request, bypassing the
// register sequence.
func (acq *Acquisition) setCommand(words ...uint16) {
	acq.command = append(acq.command[:0], words...)
}

// packetSpace is the number of samples the decoder may still emit
// before hitting the sample quota or the packet boundary.
func (acq *Acquisition) packetSpace() uint64 {
	space := uint64(packetUnits - acq.outIndex)
	if left := acq.samplesMax - acq.samplesDone; left < space {
		return left
	}
	return space
}

// SamplesDone reports how many samples have been decoded so far.
func (acq *Acquisition) SamplesDone() uint64 { return acq.samplesDone }

// Triggered reports whether the capture has seen its trigger.
func (acq *Acquisition) Triggered() bool { return acq.triggered }
