package lwla

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
)

// collectSink gathers decoded packets and the per-packet sample counts.
// Setting failAt makes the n-th write fail.
type collectSink struct {
	data    []byte
	packets []int
	failAt  int
}

func (s *collectSink) WritePacket(units []byte, samples int) error {
	if s.failAt > 0 && len(s.packets)+1 == s.failAt {
		return errors.New("sink full")
	}
	s.data = append(s.data, units...)
	s.packets = append(s.packets, samples)
	return nil
}

// driveCapture runs one complete capture over a connection and returns
// the collected packets alongside the finished session.
func driveCapture(t *testing.T, c Conn, m Model, cfg Config) (*collectSink, *Session, error) {
	t.Helper()
	dev, err := NewDevice(m, c, "")
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	if err := dev.Configure(cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	sink := &collectSink{}
	s, err := dev.StartAcquisition(sink)
	if err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	err = Drive(s, c, tick.C)
	dev.Release(s)
	return sink, s, err
}

// step executes one engine action against the connection, the way
// Drive does, and feeds back the completion event.
func step(t *testing.T, c Conn, s *Session, act Action) Action {
	t.Helper()
	switch act.Kind {
	case ActionSend:
		return s.Advance(Event{Kind: EventSent, Err: c.Send(act.Out)})
	case ActionReceive:
		n, err := c.Receive(act.In)
		return s.Advance(Event{Kind: EventReply, N: n, Err: err})
	}
	t.Fatalf("unexpected action %v", act.Kind)
	return Action{}
}

func TestCapture1016Uncompressed(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	samples := make([]uint16, 1000)
	for i := range samples {
		samples[i] = uint16(3 * i)
	}
	sim.LoadCapture(EncodeWords1016(samples))

	sink, s, err := driveCapture(t, sim, m, Config{Samplerate: 100000000})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if len(sink.data) != 2*len(samples) {
		t.Fatalf("decoded %d bytes, want %d", len(sink.data), 2*len(samples))
	}
	for i, want := range samples {
		if got := binary.LittleEndian.Uint16(sink.data[2*i:]); got != want {
			t.Fatalf("sample %d = %#x, want %#x", i, got, want)
		}
	}
	p := s.Progress()
	if !p.Done || !p.Triggered {
		t.Errorf("final progress %+v, want done and triggered", p)
	}
	if p.SamplesDone != uint64(len(samples)) {
		t.Errorf("SamplesDone = %d, want %d", p.SamplesDone, len(samples))
	}
}

// TestCapture1016WordOrder pins the sample order within a capture
// memory word: the earlier sample sits in the high half.
func TestCapture1016WordOrder(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture([]uint64{0xAABBCCDD})

	sink, _, err := driveCapture(t, sim, m, Config{Samplerate: 100000000})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	want := []byte{0xBB, 0xAA, 0xDD, 0xCC}
	if !bytes.Equal(sink.data, want) {
		t.Errorf("decoded % x, want % x", sink.data, want)
	}
}

func expandRuns16(runs []SampleRun) []byte {
	var out []byte
	b := make([]byte, 2)
	for _, r := range runs {
		binary.LittleEndian.PutUint16(b, uint16(r.Value))
		for n := uint64(0); n < r.Count; n++ {
			out = append(out, b...)
		}
	}
	return out
}

func TestCapture1016RLE(t *testing.T) {
	runs := []SampleRun{
		{Value: 0xAAAA, Count: 1},
		{Value: 0x5555, Count: 70000}, // spans several packets and two memory words
		{Value: 0x0001, Count: 2},
		{Value: 0xFFFF, Count: 300},
	}
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture(EncodeRuns1016(runs))

	sink, _, err := driveCapture(t, sim, m, Config{Samplerate: 100000000, RLE: true})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	want := expandRuns16(runs)
	if !bytes.Equal(sink.data, want) {
		t.Fatalf("decoded %d bytes and run content differs from the %d expected", len(sink.data), len(want))
	}
	total := 0
	for _, n := range sink.packets {
		if n > packetUnits {
			t.Errorf("packet of %d samples exceeds the %d quantum", n, packetUnits)
		}
		total += n
	}
	if total != len(want)/2 {
		t.Errorf("packets sum to %d samples, want %d", total, len(want)/2)
	}
}

func TestCapture1016SampleLimit(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.DurationPerPoll = 0
	samples := make([]uint16, 2000)
	for i := range samples {
		samples[i] = uint16(i)
	}
	sim.LoadCapture(EncodeWords1016(samples))

	sink, s, err := driveCapture(t, sim, m,
		Config{Samplerate: 100000000, LimitSamples: 500})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if got := s.Progress().SamplesDone; got != 500 {
		t.Errorf("SamplesDone = %d, want 500", got)
	}
	if len(sink.packets) != 1 || sink.packets[0] != 500 {
		t.Fatalf("packets %v, want one packet of 500", sink.packets)
	}
	for i := 0; i < 500; i++ {
		if got := binary.LittleEndian.Uint16(sink.data[2*i:]); got != uint16(i) {
			t.Fatalf("sample %d = %d, want %d", i, got, i)
		}
	}
}

func TestCapture1016TimeLimit(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.DonePoll = 1000 // capture memory never fills on its own
	sim.DurationPerPoll = 2
	samples := make([]uint16, 100)
	sim.LoadCapture(EncodeWords1016(samples))

	sink, s, err := driveCapture(t, sim, m,
		Config{Samplerate: 100000000, LimitMsec: 3})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	p := s.Progress()
	if p.DurationNow != 4 {
		t.Errorf("DurationNow = %d ms, want 4 (second poll)", p.DurationNow)
	}
	if len(sink.data) != 2*len(samples) {
		t.Errorf("decoded %d bytes, want %d", len(sink.data), 2*len(samples))
	}
}

// truncConn corrupts large replies by dropping their last four bytes,
// modelling a device that returns the wrong amount of data.
type truncConn struct {
	*SimConn
}

func (c *truncConn) Receive(buf []byte) (int, error) {
	n, err := c.SimConn.Receive(buf)
	if err == nil && n > 64 {
		n -= 4
	}
	return n, err
}

func TestCapture1016WrongReplyLength(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture(EncodeWords1016(make([]uint16, 1000)))

	sink, s, err := driveCapture(t, &truncConn{sim}, m, Config{Samplerate: 100000000})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("capture gave %v, want ErrProtocolViolation", err)
	}
	if !strings.Contains(err.Error(), "does not match expected size") {
		t.Errorf("error %q does not describe the size mismatch", err)
	}
	if len(sink.data) != 0 {
		t.Errorf("corrupt capture still emitted %d bytes", len(sink.data))
	}
	if !s.Progress().Done {
		t.Error("session did not reach the released state after the error")
	}
}

func TestCapture1016SinkFailure(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture(EncodeRuns1016([]SampleRun{{Value: 1, Count: 30000}}))

	dev, err := NewDevice(m, sim, "")
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	if err := dev.Configure(Config{Samplerate: 100000000, RLE: true}); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	sink := &collectSink{failAt: 2}
	s, err := dev.StartAcquisition(sink)
	if err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	err = Drive(s, sim, tick.C)
	if err == nil || !strings.Contains(err.Error(), "flushing sample packet") {
		t.Fatalf("capture gave %v, want a packet flush failure", err)
	}
	if len(sink.packets) != 1 {
		t.Errorf("sink saw %d packets after the failure, want 1", len(sink.packets))
	}
}

func TestCaptureCancelDuringStatusWait(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture(EncodeWords1016(make([]uint16, 100)))
	dev, err := NewDevice(m, sim, "")
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	sink := &collectSink{}
	s, err := dev.StartAcquisition(sink)
	if err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}

	act := s.Begin()
	for act.Kind == ActionSend || act.Kind == ActionReceive {
		act = step(t, sim, s, act)
	}
	if act.Kind != ActionWait {
		t.Fatalf("after arming got action %v, want a wait", act.Kind)
	}
	if !sim.armed {
		t.Fatal("device not armed after StartCapture")
	}

	// Parked in StatusWait; a cancel must wind down through StopCapture
	// rather than dropping straight to Idle.
	s.Cancel()
	act = s.Advance(Event{Kind: EventTick})
	if act.Kind != ActionSend {
		t.Fatalf("tick after cancel gave %v, want a stop command", act.Kind)
	}
	want := wireWords([]uint16{cmdWriteReg, regCapCtrl1016, 0, 0})
	if !bytes.Equal(act.Out, want) {
		t.Errorf("cancel sent % x, want capture control clear % x", act.Out, want)
	}
	for act.Kind == ActionSend || act.Kind == ActionReceive {
		act = step(t, sim, s, act)
	}
	act = s.Advance(Event{Kind: EventTick})
	if act.Kind != ActionDone {
		t.Fatalf("after the stop sequence got %v, want done", act.Kind)
	}
	if err := s.Err(); err != nil {
		t.Errorf("cancelled capture reported error %v", err)
	}
	if sim.armed {
		t.Error("device still armed after cancel")
	}
	if len(sink.data) != 0 {
		t.Errorf("cancelled capture emitted %d bytes", len(sink.data))
	}
}
