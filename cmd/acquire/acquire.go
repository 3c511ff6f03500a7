package main

// acquire runs one capture on an LWLA analyzer (or the simulated one) and
// stores it as VCD and/or NPY, without needing the varlet daemon.

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sbinet/npyio"

	"github.com/usnistgov/varlet/internal/lwla"
	"github.com/usnistgov/varlet/vcd"
)

type acquireOptions struct {
	sim      bool
	model    string
	rate     uint64
	msec     uint64
	nSamples uint64
	channels string
	trigger  string
	devnum   int
	fpgadir  string
	vcdOut   string
	npyOut   string
	verbose  bool
}

var opt acquireOptions

func parseOptions() error {
	flag.BoolVar(&opt.sim, "sim", false, "capture from a simulated analyzer, no hardware needed")
	flag.StringVar(&opt.model, "model", "LWLA1034", "analyzer model (with -sim): LWLA1016 or LWLA1034")
	flag.Uint64Var(&opt.rate, "rate", 0, "sample rate in Hz (0 means the model default)")
	flag.Uint64Var(&opt.msec, "msec", 0, "limit the capture duration in ms (0 means no limit)")
	flag.Uint64Var(&opt.nSamples, "samples", 10000, "limit the capture length in samples (0 means no limit)")
	flag.StringVar(&opt.channels, "channels", "", "hex mask of enabled channels (empty means all)")
	flag.StringVar(&opt.trigger, "trigger", "", "trigger spec like '3=rising,7=1' (empty means free-running)")
	flag.IntVar(&opt.devnum, "d", 0, "index of the analyzer to use, in USB scan order")
	flag.StringVar(&opt.fpgadir, "fpgadir", lwla.DefaultFirmwareDir, "directory holding the FPGA bitstreams")
	flag.StringVar(&opt.vcdOut, "vcd", "", "write the capture to this VCD file")
	flag.StringVar(&opt.npyOut, "npy", "", "write the capture to this NPY file")
	flag.BoolVar(&opt.verbose, "verbose", false, "log the USB/register conversation to stderr")
	flag.Parse()

	if !opt.sim && opt.msec == 0 && opt.nSamples == 0 && opt.trigger == "" {
		return fmt.Errorf("an unlimited free-running capture never ends: give -samples, -msec, or -trigger")
	}
	return nil
}

// parseTrigger converts a spec like "3=rising,7=1" into one match stage.
func parseTrigger(spec string, nchan int) (lwla.TriggerMasks, error) {
	if spec == "" {
		return lwla.TriggerMasks{}, nil
	}
	var matches []lwla.TriggerMatch
	for _, tok := range strings.Split(spec, ",") {
		parts := strings.SplitN(tok, "=", 2)
		if len(parts) != 2 {
			return lwla.TriggerMasks{}, fmt.Errorf("bad trigger term %q, want channel=condition", tok)
		}
		channel, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return lwla.TriggerMasks{}, fmt.Errorf("bad trigger channel %q: %v", parts[0], err)
		}
		var kind lwla.TriggerKind
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "0", "low":
			kind = lwla.TriggerZero
		case "1", "high":
			kind = lwla.TriggerOne
		case "r", "rising":
			kind = lwla.TriggerRising
		case "f", "falling":
			kind = lwla.TriggerFalling
		default:
			return lwla.TriggerMasks{}, fmt.Errorf("bad trigger condition %q, want 0, 1, rising, or falling", parts[1])
		}
		matches = append(matches, lwla.TriggerMatch{Channel: channel, Kind: kind})
	}
	spec1 := lwla.TriggerSpec{Stages: [][]lwla.TriggerMatch{matches}}
	return lwla.ConvertTrigger(spec1, nchan)
}

// collectingSink accumulates every packet of one capture in memory.
type collectingSink struct {
	data    []byte
	samples int
}

func (s *collectingSink) WritePacket(units []byte, samples int) error {
	s.data = append(s.data, units...)
	s.samples += samples
	return nil
}

// openDevice opens the requested analyzer, real or simulated.
func openDevice() (*lwla.Device, error) {
	if opt.sim {
		m := lwla.ModelForName(opt.model)
		if m == nil {
			return nil, fmt.Errorf("unknown analyzer model %q", opt.model)
		}
		conn := lwla.NewSimConn(m)
		conn.LoadCapture(simCaptureWords(m))
		return lwla.NewDevice(m, conn, "")
	}

	infos, err := lwla.ScanUSB()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no LWLA analyzer attached")
	}
	if opt.devnum < 0 || opt.devnum >= len(infos) {
		return nil, fmt.Errorf("device index %d out of range, have %d analyzers", opt.devnum, len(infos))
	}
	return lwla.Open(infos[opt.devnum], opt.fpgadir)
}

// simCaptureWords builds a counting pattern for the simulated analyzer.
func simCaptureWords(m lwla.Model) []uint64 {
	n := opt.nSamples
	if n == 0 || n > 1<<20 {
		n = 10000
	}
	if m.NumChannels() > 16 {
		runs := make([]lwla.SampleRun, n)
		for i := range runs {
			runs[i] = lwla.SampleRun{Value: uint64(i), Count: 1}
		}
		return lwla.EncodeRuns1034(runs)
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = uint16(i)
	}
	return lwla.EncodeWords1016(words)
}

func acquire(device *lwla.Device) (*collectingSink, error) {
	m := device.Model()
	cfg := device.Config()
	cfg.Samplerate = opt.rate
	if cfg.Samplerate == 0 {
		cfg.Samplerate = m.DefaultSamplerate()
	}
	cfg.LimitSamples = opt.nSamples
	cfg.LimitMsec = opt.msec
	cfg.ChannelMask = (uint64(1) << m.NumChannels()) - 1
	if opt.channels != "" {
		mask, err := strconv.ParseUint(opt.channels, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad channel mask %q: %v", opt.channels, err)
		}
		cfg.ChannelMask = mask
	}
	masks, err := parseTrigger(opt.trigger, m.NumChannels())
	if err != nil {
		return nil, err
	}
	cfg.TriggerMask = masks.Enable
	cfg.TriggerValues = masks.Value
	cfg.TriggerEdges = masks.Edge
	if err := device.Configure(cfg); err != nil {
		return nil, err
	}
	if opt.verbose {
		fmt.Fprint(os.Stderr, spew.Sdump(cfg))
	}

	sink := new(collectingSink)
	session, err := device.StartAcquisition(sink)
	if err != nil {
		return nil, err
	}

	// Trap interrupts so an endless capture can be ended cleanly.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	go func() {
		if _, ok := <-interruptCatcher; !ok {
			return
		}
		log.Println("interrupted; winding down the capture")
		session.Cancel()
	}()

	err = device.Run(session)
	signal.Stop(interruptCatcher)
	close(interruptCatcher)
	return sink, err
}

// unitValues decodes the raw little-endian sample units into one value
// per sample.
func unitValues(data []byte, unitSize int, count int) []uint64 {
	values := make([]uint64, count)
	for i := 0; i < count; i++ {
		var unit uint64
		for b := 0; b < unitSize; b++ {
			unit |= uint64(data[i*unitSize+b]) << (8 * b)
		}
		values[i] = unit
	}
	return values
}

func writeVCD(device *lwla.Device, sink *collectingSink) error {
	m := device.Model()
	w := vcd.NewWriter(opt.vcdOut, device.Config().Samplerate, m.NumChannels(), nil, "acquire")
	if err := w.CreateFile(); err != nil {
		return err
	}
	defer w.Close()
	return w.WriteSamples(sink.data, m.UnitSize(), sink.samples)
}

func writeNPY(device *lwla.Device, sink *collectingSink) error {
	f, err := os.Create(opt.npyOut)
	if err != nil {
		return err
	}
	defer f.Close()

	m := device.Model()
	values := unitValues(sink.data, m.UnitSize(), sink.samples)
	if m.UnitSize() <= 2 {
		shorts := make([]uint16, len(values))
		for i, v := range values {
			shorts[i] = uint16(v)
		}
		return npyio.Write(f, shorts)
	}
	return npyio.Write(f, values)
}

func main() {
	if err := parseOptions(); err != nil {
		log.Println("ERROR: ", err)
		return
	}
	if opt.verbose {
		lwla.Logger = log.New(os.Stderr, "lwla: ", log.LstdFlags)
	}

	device, err := openDevice()
	if err != nil {
		log.Println("ERROR: ", err)
		return
	}
	defer device.Close()

	sink, err := acquire(device)
	if err != nil {
		log.Println("ERROR: ", err)
		return
	}

	rate := device.Config().Samplerate
	fmt.Printf("Captured %d samples of %d channels at %d Hz (%.6f s).\n",
		sink.samples, device.Model().NumChannels(), rate,
		float64(sink.samples)/float64(rate))

	if opt.vcdOut != "" {
		if err := writeVCD(device, sink); err != nil {
			log.Println("ERROR: ", err)
			return
		}
		fmt.Printf("Wrote VCD to %s\n", opt.vcdOut)
	}
	if opt.npyOut != "" {
		if err := writeNPY(device, sink); err != nil {
			log.Println("ERROR: ", err)
			return
		}
		fmt.Printf("Wrote NPY to %s\n", opt.npyOut)
	}
}
