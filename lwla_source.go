package varlet

import (
	"fmt"

	"github.com/usnistgov/varlet/internal/lwla"
)

// LWLASource represents a SysClk LWLA-series logic analyzer attached by USB.
type LWLASource struct {
	available   []lwla.DeviceInfo // analyzers found by the last scan
	firmwareDir string
	deviceIndex int
	deviceSource
}

// NewLWLASource creates a new LWLASource and scans the bus for analyzers.
// Finding none is not an error; an analyzer plugged in later is picked up
// by the rescan in Configure.
func NewLWLASource() (*LWLASource, error) {
	source := new(LWLASource)
	source.name = "LWLA"
	source.firmwareDir = lwla.DefaultFirmwareDir
	available, err := lwla.ScanUSB()
	if err != nil {
		return source, err
	}
	source.available = available
	return source, nil
}

// Delete releases the USB analyzer, if one is open.
func (ls *LWLASource) Delete() {
	if ls.device == nil {
		return
	}
	if err := ls.device.Close(); err != nil {
		ProblemLogger.Printf("could not close LWLA analyzer: %v", err)
		return
	}
	ls.device = nil
}

// LWLASourceConfig holds the arguments needed to call LWLASource.Configure by RPC.
type LWLASourceConfig struct {
	FirmwareDir         string // FPGA bitstream directory; "" keeps the current setting
	DeviceIndex         int    // index into AvailableDevices of the analyzer to use
	ClockExternal       bool   // sample on the external clock input, not the internal clock
	ClockEdgeFalling    bool   // with ClockExternal, sample on falling clock edges
	TriggerExternal     bool   // arm from the external trigger input, not the channels
	TriggerSlopeFalling bool   // with TriggerExternal, trigger on the falling slope
	RLE                 bool   // request the run-length-encoding bitstream (LWLA1016)

	// AvailableDevices is filled in the reply with a fresh scan result.
	AvailableDevices []lwla.DeviceInfo
}

// Configure sets up the device selection and clocking of an LWLASource.
func (ls *LWLASource) Configure(config *LWLASourceConfig) error {
	ls.sourceStateLock.Lock()
	defer ls.sourceStateLock.Unlock()
	if ls.sourceState != Inactive {
		return fmt.Errorf("cannot Configure an LWLASource if it's not Inactive")
	}

	// Rescan so clients always learn what is attached right now.
	available, err := lwla.ScanUSB()
	if err != nil {
		return err
	}
	ls.available = available
	config.AvailableDevices = available

	if config.DeviceIndex < 0 {
		return fmt.Errorf("device index %d is negative", config.DeviceIndex)
	}
	if ls.device != nil && ls.deviceIndex != config.DeviceIndex {
		return fmt.Errorf("analyzer %d is open; close it before selecting another", ls.deviceIndex)
	}
	ls.deviceIndex = config.DeviceIndex
	if len(config.FirmwareDir) > 0 {
		ls.firmwareDir = config.FirmwareDir
	}

	ls.config.ClockSource = lwla.ClockInternal
	if config.ClockExternal {
		ls.config.ClockSource = lwla.ClockExternal
	}
	ls.config.ClockEdge = lwla.EdgePositive
	if config.ClockEdgeFalling {
		ls.config.ClockEdge = lwla.EdgeNegative
	}
	ls.config.TriggerSource = lwla.TriggerChannels
	if config.TriggerExternal {
		ls.config.TriggerSource = lwla.TriggerExternal
	}
	ls.config.TriggerSlope = lwla.EdgePositive
	if config.TriggerSlopeFalling {
		ls.config.TriggerSlope = lwla.EdgeNegative
	}
	ls.config.RLE = config.RLE
	return nil
}

// Sample opens the selected analyzer (loading its bitstream if needed) and
// learns the facts required to run: channel count, unit size, sample rate.
func (ls *LWLASource) Sample() error {
	if ls.device == nil {
		if len(ls.available) == 0 {
			available, err := lwla.ScanUSB()
			if err != nil {
				return err
			}
			ls.available = available
		}
		if len(ls.available) == 0 {
			return fmt.Errorf("no LWLA analyzer attached")
		}
		if ls.deviceIndex >= len(ls.available) {
			return fmt.Errorf("device index %d out of range, have %d analyzers",
				ls.deviceIndex, len(ls.available))
		}
		device, err := lwla.Open(ls.available[ls.deviceIndex], ls.firmwareDir)
		if err != nil {
			return err
		}
		ls.device = device
	}

	m := ls.device.Model()
	if ls.config.Samplerate == 0 {
		ls.config.Samplerate = m.DefaultSamplerate()
	}
	if err := ls.config.Validate(m); err != nil {
		return err
	}
	ls.nchan = m.NumChannels()
	ls.unitSize = m.UnitSize()
	ls.sampleRate = ls.config.Samplerate
	return nil
}

// StartRun configures the analyzer and begins one capture.
func (ls *LWLASource) StartRun() error {
	if err := ls.device.Configure(ls.config); err != nil {
		return err
	}
	ls.beginCaptureRecord()
	if err := ls.startSession(); err != nil {
		ls.failCaptureRecord()
		return err
	}
	return nil
}
