package lwla

import (
	"fmt"
	"sync"
	"time"
)

// TickInterval is the status poll period of a running capture.
const TickInterval = 100 * time.Millisecond

// EventKind classifies the inputs that drive a Session.
type EventKind int

const (
	// EventTick is the periodic poll tick.
	EventTick EventKind = iota
	// EventSent reports completion of an outbound transfer.
	EventSent
	// EventReply reports completion of an inbound transfer.
	EventReply
)

// Event is one input to the acquisition engine. N carries the byte
// count of a reply; Err carries a transfer error, if any.
type Event struct {
	Kind EventKind
	N    int
	Err  error
}

// ActionKind classifies what the engine wants done next.
type ActionKind int

const (
	// ActionWait means nothing is in flight until the next tick.
	ActionWait ActionKind = iota
	// ActionSend asks for Out to be transmitted on the command endpoint.
	ActionSend
	// ActionReceive asks for a reply to be read into In.
	ActionReceive
	// ActionDone means the capture is over and the record released.
	ActionDone
)

// Action is the engine's instruction to its driver loop.
type Action struct {
	Kind ActionKind
	Out  []byte
	In   []byte
}

// Progress is a point-in-time snapshot of a running capture, safe to
// read from other goroutines.
type Progress struct {
	State       State
	Triggered   bool
	SamplesDone uint64
	DurationNow uint64
	MemFill     uint32
	Done        bool
}

// Session owns one acquisition from arming to release. All mutation
// happens inside Begin and Advance, which the driving goroutine calls
// in strict alternation with the transport; Cancel and Progress are the
// only methods safe to call from elsewhere.
type Session struct {
	model Model
	acq   *Acquisition
	sink  PacketSink

	state         State
	transferError bool
	failure       error
	done          bool

	abort    chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	progress Progress
}

// NewSession prepares the engine for one capture. The acquisition
// record must come from the owning Device, already set up on the
// hardware.
func NewSession(m Model, acq *Acquisition, sink PacketSink) *Session {
	return &Session{
		model: m,
		acq:   acq,
		sink:  sink,
		state: Idle,
		abort: make(chan struct{}),
	}
}

// Begin arms the capture and returns the first action.
func (s *Session) Begin() Action {
	act := s.submit(StartCapture)
	s.publishProgress()
	return act
}

// Advance feeds one event into the engine and returns the next action.
func (s *Session) Advance(ev Event) Action {
	act := s.advance(ev)
	s.publishProgress()
	return act
}

// Cancel asks the engine to wind down the capture at the next state
// boundary. It never interrupts a transfer in flight.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() { close(s.abort) })
}

// Err reports the failure that ended the session, if any.
func (s *Session) Err() error { return s.failure }

// Progress returns a snapshot of the capture state.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *Session) publishProgress() {
	p := Progress{
		State:       s.state,
		Triggered:   s.acq.triggered,
		SamplesDone: s.acq.samplesDone,
		DurationNow: s.acq.durationNow,
		MemFill:     s.acq.memAddrFill,
		Done:        s.done,
	}
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

func (s *Session) cancelled() bool {
	select {
	case <-s.abort:
		return true
	default:
		return false
	}
}

// fail records the first failure and sets the sticky transfer-error
// flag; the next tick then forces the engine to Idle.
func (s *Session) fail(err error) Action {
	if s.failure == nil {
		s.failure = err
	}
	s.transferError = true
	return Action{Kind: ActionWait}
}

func (s *Session) advance(ev Event) Action {
	if s.done {
		return Action{Kind: ActionDone}
	}
	switch ev.Kind {
	case EventTick:
		return s.tick()
	case EventSent:
		return s.sent(ev.Err)
	case EventReply:
		return s.reply(ev.N, ev.Err)
	}
	return s.fail(fmt.Errorf("%w: unknown event kind %d", ErrProtocolViolation, ev.Kind))
}

// tick services the passive states: it polls while waiting, forces
// Idle after a transfer error, and releases the record once Idle is
// reached.
func (s *Session) tick() Action {
	if !s.transferError && s.state == StatusWait {
		if s.cancelled() {
			return s.submit(StopCapture)
		}
		return s.submit(StatusRequest)
	}
	if s.transferError {
		s.state = Idle
	}
	if s.state != Idle {
		// A transfer is still in flight; nothing to do this tick.
		return Action{Kind: ActionWait}
	}
	Logger.Printf("Acquisition stopped.")
	s.done = true
	return Action{Kind: ActionDone}
}

// submit enters a new active state: it has the model prepare the
// request and emits the first transfer.
func (s *Session) submit(state State) Action {
	s.state = state
	acq := s.acq
	acq.clearRequest()
	if err := s.model.PrepareRequest(state, acq); err != nil {
		return s.fail(err)
	}
	if len(acq.regSeq) > maxRegSeq {
		return s.fail(fmt.Errorf("%w: register sequence overflow in state %s",
			ErrProtocolViolation, state))
	}
	switch {
	case len(acq.regSeq) > 0 && state.expectsResponse():
		return s.sendWords(readRegCommand(acq.regSeq[0].Reg))
	case len(acq.regSeq) > 0:
		return s.sendWords(writeRegCommand(acq.regSeq[0]))
	case len(acq.command) > 0:
		return s.sendWords(acq.command)
	}
	return s.fail(fmt.Errorf("%w: nothing prepared for state %s", ErrProtocolViolation, state))
}

func (s *Session) sendWords(words []uint16) Action {
	return Action{Kind: ActionSend, Out: wireWords(words)}
}

func readRegCommand(reg uint16) []uint16 {
	return []uint16{cmdReadReg, reg}
}

func writeRegCommand(rv RegVal) []uint16 {
	return []uint16{cmdWriteReg, rv.Reg, uint16(rv.Val), uint16(rv.Val >> 16)}
}

// sent handles completion of an outbound transfer: it reads the reply
// if one is expected, walks the register write sequence, and otherwise
// runs the state's post-write transition.
func (s *Session) sent(err error) Action {
	if err != nil {
		return s.fail(fmt.Errorf("transfer to device failed (state %s): %w", s.state, err))
	}
	acq := s.acq
	if s.state.expectsResponse() {
		if acq.regPos < len(acq.regSeq) {
			return Action{Kind: ActionReceive, In: acq.inBuf[:4]}
		}
		return Action{Kind: ActionReceive, In: acq.inBuf}
	}
	if acq.regPos < len(acq.regSeq) {
		acq.regPos++
		if acq.regPos < len(acq.regSeq) && !s.cancelled() {
			return s.sendWords(writeRegCommand(acq.regSeq[acq.regPos]))
		}
	}
	switch s.state {
	case StartCapture:
		Logger.Printf("Acquisition started.")
		if !s.cancelled() {
			s.state = StatusWait
			return Action{Kind: ActionWait}
		}
		return s.submit(StopCapture)
	case StopCapture:
		if !s.cancelled() {
			return s.submit(LengthRequest)
		}
		s.state = Idle
		return Action{Kind: ActionWait}
	case ReadPrepare:
		if acq.memAddrNext < acq.memAddrStop && !s.cancelled() {
			return s.submit(ReadRequest)
		}
		return s.submit(ReadFinish)
	case ReadFinish:
		s.state = Idle
		return Action{Kind: ActionWait}
	}
	return s.fail(fmt.Errorf("%w: unexpected device state %s", ErrProtocolViolation, s.state))
}

// reply handles completion of an inbound transfer: it walks the
// register read sequence, then dispatches the collected response.
func (s *Session) reply(n int, err error) Action {
	if err != nil {
		return s.fail(fmt.Errorf("transfer from device failed (state %s): %w", s.state, err))
	}
	if !s.state.expectsResponse() {
		return s.fail(fmt.Errorf("%w: unexpected completion of input transfer (state %s)",
			ErrProtocolViolation, s.state))
	}
	acq := s.acq
	if acq.regPos < len(acq.regSeq) && !s.cancelled() {
		if n != 4 {
			return s.fail(fmt.Errorf("%w: received size %d does not match expected size 4",
				ErrProtocolViolation, n))
		}
		acq.regSeq[acq.regPos].Val = le32(acq.inBuf, 0)
		acq.regPos++
		if acq.regPos < len(acq.regSeq) {
			return s.sendWords(readRegCommand(acq.regSeq[acq.regPos].Reg))
		}
	} else {
		acq.inLen = n
	}
	switch s.state {
	case StatusRequest:
		if s.cancelled() {
			return s.submit(StopCapture)
		}
		return s.handleStatus()
	case LengthRequest:
		if s.cancelled() {
			return s.submit(ReadFinish)
		}
		return s.handleLength()
	case ReadRequest:
		return s.handleRead()
	}
	return s.fail(fmt.Errorf("%w: unexpected device state %s", ErrProtocolViolation, s.state))
}

// handleStatus acts on a decoded status poll: stop on the time limit,
// keep waiting for the trigger, or move on to readout once capture
// memory stops being available.
func (s *Session) handleStatus() Action {
	acq := s.acq
	old := acq.status
	if err := s.model.HandleResponse(StatusRequest, acq); err != nil {
		return s.fail(err)
	}
	s.state = StatusWait
	if ^old&acq.status&statusTriggered != 0 {
		acq.triggered = true
		Logger.Printf("Capture triggered.")
	}
	switch {
	case acq.durationNow >= acq.durationMax:
		Logger.Printf("Time limit reached, stopping capture.")
		return s.submit(StopCapture)
	case acq.status&statusTriggered == 0:
		// Still waiting for the trigger.
	case acq.status&statusMemAvail == 0:
		Logger.Printf("Capture memory filled.")
		return s.submit(LengthRequest)
	}
	return Action{Kind: ActionWait}
}

// handleLength resets the decode cursor to the reported extent of the
// capture and begins readout, or skips straight to ReadFinish when the
// capture is empty.
func (s *Session) handleLength() Action {
	acq := s.acq
	if err := s.model.HandleResponse(LengthRequest, acq); err != nil {
		return s.fail(err)
	}
	acq.rle = rleData
	acq.sample = 0
	acq.runLen = 0
	acq.samplesDone = 0
	acq.memAddrDone = acq.memAddrNext
	acq.outIndex = 0
	if acq.memAddrNext >= acq.memAddrStop {
		return s.submit(ReadFinish)
	}
	Logger.Printf("%d words in capture buffer.", acq.memAddrStop-acq.memAddrNext)
	return s.submit(ReadPrepare)
}

// handleRead decodes one memory chunk, flushing filled packets along
// the way, then requests the next chunk or winds down the readout.
func (s *Session) handleRead() Action {
	acq := s.acq
	endAddr := acq.memAddrNext
	if acq.memAddrStop < endAddr {
		endAddr = acq.memAddrStop
	}
	acq.inIndex = 0
	for !s.cancelled() &&
		(acq.runLen > 0 || acq.memAddrDone < endAddr) &&
		acq.samplesDone < acq.samplesMax {
		if err := s.model.HandleResponse(ReadRequest, acq); err != nil {
			return s.fail(err)
		}
		if acq.outIndex >= packetUnits {
			if err := s.flushPacket(); err != nil {
				return s.fail(err)
			}
		}
	}
	if !s.cancelled() && acq.samplesDone < acq.samplesMax && acq.memAddrNext < acq.memAddrStop {
		return s.submit(ReadRequest)
	}
	if !s.cancelled() && acq.outIndex > 0 {
		if err := s.flushPacket(); err != nil {
			return s.fail(err)
		}
	}
	return s.submit(ReadFinish)
}

func (s *Session) flushPacket() error {
	acq := s.acq
	err := s.sink.WritePacket(acq.outPacket[:acq.outIndex*acq.unitSize], acq.outIndex)
	acq.outIndex = 0
	if err != nil {
		return fmt.Errorf("flushing sample packet: %w", err)
	}
	return nil
}

// Drive runs the engine's action loop over a connection, feeding it
// transfer completions and ticks until the capture is released. The
// tick channel must keep delivering for the shutdown path to complete.
func Drive(s *Session, c Conn, tick <-chan time.Time) error {
	act := s.Begin()
	for {
		switch act.Kind {
		case ActionDone:
			return s.Err()
		case ActionWait:
			<-tick
			act = s.Advance(Event{Kind: EventTick})
		case ActionSend:
			err := c.Send(act.Out)
			act = s.Advance(Event{Kind: EventSent, Err: err})
		case ActionReceive:
			n, err := c.Receive(act.In)
			act = s.Advance(Event{Kind: EventReply, N: n, Err: err})
		}
	}
}
