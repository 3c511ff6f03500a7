package lwla

import (
	"fmt"
	"sync"
	"time"
)

// DefaultFirmwareDir is where the FPGA bitstream images are installed.
const DefaultFirmwareDir = "/usr/share/varlet/fpga"

// fpgaNoConf marks a device whose FPGA is not in a known configuration.
const fpgaNoConf = -1

// The full open sequence is retried, which recovers devices left in a
// bad state by an improper shutdown. The settle delay gives the FX2
// firmware time to finish its reset handling before the first command.
const (
	openAttempts = 3
	openSettle   = 30 * time.Millisecond
)

// Device is one open analyzer. It owns the connection and the current
// configuration; captures are delegated to a Session obtained from
// StartAcquisition, at most one at a time.
type Device struct {
	model       Model
	conn        Conn
	info        DeviceInfo
	firmwareDir string

	cfg        Config
	activeFPGA int
	quirk      bool
	off        bool

	mu      sync.Mutex
	session *Session
}

// Open opens, initializes and self-tests the analyzer described by
// info. A negative bus selects the first attached device with the
// given product ID.
func Open(info DeviceInfo, firmwareDir string) (*Device, error) {
	m := ModelForProduct(info.Product)
	if m == nil {
		return nil, fmt.Errorf("%w: unknown product ID %#04x", ErrInvalidArgument, info.Product)
	}
	var lastErr error
	for attempt := 0; attempt < openAttempts; attempt++ {
		conn, err := openUSB(info.Product, info.Bus, info.Address)
		if err != nil {
			lastErr = err
			continue
		}
		time.Sleep(openSettle)
		d, err := NewDevice(m, conn, firmwareDir)
		if err == nil {
			d.info = info
			return d, nil
		}
		Logger.Printf("Device initialization failed: %v", err)
		conn.Close()
		lastErr = err
	}
	return nil, lastErr
}

// NewDevice initializes an analyzer over an established connection:
// stale replies are drained, the FPGA is configured, and the self test
// must pass. An empty firmwareDir disables FPGA configuration, which
// is how simulated connections run. The caller keeps ownership of the
// connection if initialization fails.
func NewDevice(m Model, conn Conn, firmwareDir string) (*Device, error) {
	d := &Device{
		model:       m,
		conn:        conn,
		firmwareDir: firmwareDir,
		cfg:         Config{Samplerate: m.DefaultSamplerate()},
		activeFPGA:  fpgaNoConf,
	}
	DrainReplies(conn)
	if err := m.ApplyConfig(d); err != nil {
		return nil, fmt.Errorf("failed to configure FPGA: %w", err)
	}
	if err := m.SelfTest(d); err != nil {
		return nil, fmt.Errorf("device self test failed: %w", err)
	}
	Logger.Printf("%s initialized.", m.Name())
	return d, nil
}

// loadBitstream downloads the named FPGA image from the firmware
// directory, or does nothing when no directory is configured.
func (d *Device) loadBitstream(name string) error {
	if d.firmwareDir == "" {
		return nil
	}
	Logger.Printf("Downloading FPGA bitstream %q.", name)
	return SendBitstream(d.conn, d.firmwareDir, name)
}

// Model returns the device model.
func (d *Device) Model() Model { return d.model }

// Info returns the USB identity the device was opened with.
func (d *Device) Info() DeviceInfo { return d.info }

// Config returns the current configuration.
func (d *Device) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// ShortTransferQuirk reports whether the device firmware splits large
// replies into 64-byte transfers.
func (d *Device) ShortTransferQuirk() bool { return d.quirk }

// Configure validates and applies a new configuration. Changing the
// clock configuration may reload the FPGA, so this is refused while a
// capture is running.
func (d *Device) Configure(cfg Config) error {
	if err := cfg.Validate(d.model); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return ErrDeviceBusy
	}
	if cfg.Samplerate == 0 {
		cfg.Samplerate = d.model.DefaultSamplerate()
	}
	d.cfg = cfg
	return d.model.ApplyConfig(d)
}

// StartAcquisition programs the hardware for a capture under the
// current configuration and returns the session owning it. The session
// stays registered, and further captures are refused, until Release.
func (d *Device) StartAcquisition(sink PacketSink) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil, ErrDeviceBusy
	}
	if d.conn == nil {
		return nil, fmt.Errorf("%w: device is closed", ErrIo)
	}
	acq, err := newAcquisition(d.model, d.cfg)
	if err != nil {
		return nil, err
	}
	acq.quirk = d.quirk
	Logger.Printf("Starting acquisition.")
	if err := d.model.SetupAcquisition(d, acq); err != nil {
		return nil, fmt.Errorf("failed to set up acquisition: %w", err)
	}
	s := NewSession(d.model, acq, sink)
	d.session = s
	return s, nil
}

// Release unregisters a finished session, allowing the next capture.
func (d *Device) Release(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == s {
		d.session = nil
	}
}

// Run drives a session over the device connection until the capture is
// released, polling at TickInterval, and returns the session's failure,
// if any. The session is released on return.
func (d *Device) Run(s *Session) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: device is closed", ErrIo)
	}
	defer d.Release(s)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	return Drive(s, conn, ticker.C)
}

// Close shuts the device down and closes the connection. It refuses to
// close while a capture is running. On models with a shutdown bitstream
// the FPGA is powered off first; a failure there is logged but does not
// keep the connection open.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return fmt.Errorf("%w: refusing to close while a capture is running", ErrDeviceBusy)
	}
	if d.conn == nil {
		return nil
	}
	d.off = true
	if err := d.model.ApplyConfig(d); err != nil {
		Logger.Printf("Unable to shut down device: %v", err)
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
