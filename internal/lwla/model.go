package lwla

// State enumerates the acquisition engine states. The engine is driven
// by ticks, send completions and replies; see Session.
type State int

const (
	// Idle means no capture is in progress.
	Idle State = iota
	// StartCapture arms the trigger logic.
	StartCapture
	// StatusWait idles between polls until the next tick.
	StatusWait
	// StatusRequest polls the capture status registers.
	StatusRequest
	// StopCapture disarms the trigger logic.
	StopCapture
	// LengthRequest reads how much capture memory was filled.
	LengthRequest
	// ReadPrepare switches the capture memory to readout mode.
	ReadPrepare
	// ReadRequest reads one chunk of capture memory.
	ReadRequest
	// ReadFinish returns the capture memory to normal mode.
	ReadFinish
)

var stateNames = map[State]string{
	Idle:          "Idle",
	StartCapture:  "StartCapture",
	StatusWait:    "StatusWait",
	StatusRequest: "StatusRequest",
	StopCapture:   "StopCapture",
	LengthRequest: "LengthRequest",
	ReadPrepare:   "ReadPrepare",
	ReadRequest:   "ReadRequest",
	ReadFinish:    "ReadFinish",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "State(unknown)"
}

// expectsResponse reports whether the device answers the state's
// command with a reply transfer.
func (s State) expectsResponse() bool {
	switch s {
	case StatusRequest, LengthRequest, ReadRequest:
		return true
	}
	return false
}

// Capture status flags, in the bit positions reported by the LWLA1016.
// The LWLA1034 model shifts its raw status into these positions.
const (
	statusCapturing = 1 << 2
	statusTriggered = 1 << 5
	statusMemAvail  = 1 << 6
)

// Model is the device-specific half of the driver: register maps,
// samplerate tables, acquisition setup and the capture memory decoder.
// PrepareRequest and HandleResponse work purely on the acquisition
// record so they can be exercised without a device.
type Model interface {
	Name() string
	Product() uint16
	NumChannels() int
	// UnitSize is the bytes per sample unit in decoded packets.
	UnitSize() int
	// MemoryDepth is the capture memory size in words.
	MemoryDepth() uint32
	// Samplerates lists the supported rates in Hz, fastest first.
	Samplerates() []uint64
	DefaultSamplerate() uint64

	// ApplyConfig downloads the FPGA bitstream matching the clock
	// configuration, if it is not already active.
	ApplyConfig(d *Device) error
	// SelfTest verifies basic register access on a freshly opened
	// device and probes model-specific transfer quirks.
	SelfTest(d *Device) error
	// SetupAcquisition programs trigger, clock and memory registers
	// for the capture described by acq.
	SetupAcquisition(d *Device, acq *Acquisition) error
	// PrepareRequest fills acq's outbound buffers with the command or
	// register sequence for the given engine state.
	PrepareRequest(state State, acq *Acquisition) error
	// HandleResponse consumes the reply gathered for the given engine
	// state, decoding capture data in ReadRequest.
	HandleResponse(state State, acq *Acquisition) error
}

// Models lists the supported analyzers.
func Models() []Model {
	return []Model{newModel1016(), newModel1034()}
}

// ModelForProduct returns the model matching a USB product ID, or nil.
func ModelForProduct(product uint16) Model {
	for _, m := range Models() {
		if m.Product() == product {
			return m
		}
	}
	return nil
}

// ModelForName returns the model with the given name, or nil. Names
// are the marketing names, "LWLA1016" and "LWLA1034".
func ModelForName(name string) Model {
	for _, m := range Models() {
		if m.Name() == name {
			return m
		}
	}
	return nil
}
