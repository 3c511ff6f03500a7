package varlet

import (
	"fmt"

	"github.com/usnistgov/varlet/internal/lwla"
)

// SimLogicSource drives the acquisition engine over a simulated connection,
// producing a deterministic channel pattern without an analyzer attached.
type SimLogicSource struct {
	model    lwla.Model
	sim      *lwla.SimConn
	pattern  string
	nsamples int
	deviceSource
}

// NewSimLogicSource creates a SimLogicSource with its default pattern: a
// 10000-sample counter on a simulated LWLA1034.
func NewSimLogicSource() (*SimLogicSource, error) {
	source := new(SimLogicSource)
	source.name = "SimLogic"
	source.model = lwla.ModelForName("LWLA1034")
	source.pattern = "counter"
	source.nsamples = 10000
	return source, nil
}

// Delete closes the simulated device.
func (ss *SimLogicSource) Delete() {
	if ss.device != nil {
		ss.device.Close()
		ss.device = nil
	}
	ss.sim = nil
}

// SimLogicSourceConfig holds the arguments needed to call
// SimLogicSource.Configure by RPC.
type SimLogicSourceConfig struct {
	Model      string // "LWLA1016" or "LWLA1034"
	Pattern    string // "counter", "walking", or "square"; "" keeps counter
	Nsamples   int    // how many samples the generated capture holds
	SampleRate uint64 // samples per second; 0 keeps the model default
}

// Configure sets up the simulated analyzer model and its sample pattern.
func (ss *SimLogicSource) Configure(config *SimLogicSourceConfig) error {
	ss.sourceStateLock.Lock()
	defer ss.sourceStateLock.Unlock()
	if ss.sourceState != Inactive {
		return fmt.Errorf("cannot Configure a SimLogicSource if it's not Inactive")
	}
	m := lwla.ModelForName(config.Model)
	if m == nil {
		return fmt.Errorf("unknown analyzer model %q", config.Model)
	}
	switch config.Pattern {
	case "", "counter", "walking", "square":
	default:
		return fmt.Errorf("unknown sample pattern %q, want counter, walking, or square", config.Pattern)
	}
	if config.Nsamples <= 0 {
		return fmt.Errorf("need a positive Nsamples, got %d", config.Nsamples)
	}
	if ss.model != m {
		// Model changes invalidate the open simulated device.
		ss.device = nil
		ss.sim = nil
	}
	ss.model = m
	ss.pattern = config.Pattern
	if ss.pattern == "" {
		ss.pattern = "counter"
	}
	ss.nsamples = config.Nsamples
	ss.config.Samplerate = config.SampleRate
	return nil
}

// Sample learns the channel count, unit size, and sample rate of the
// simulated model.
func (ss *SimLogicSource) Sample() error {
	if ss.config.Samplerate == 0 {
		ss.config.Samplerate = ss.model.DefaultSamplerate()
	}
	if err := ss.config.Validate(ss.model); err != nil {
		return err
	}
	ss.nchan = ss.model.NumChannels()
	ss.unitSize = ss.model.UnitSize()
	ss.sampleRate = ss.config.Samplerate
	return nil
}

// StartRun builds a fresh simulated analyzer holding one generated capture
// and begins acquiring from it.
func (ss *SimLogicSource) StartRun() error {
	sim := lwla.NewSimConn(ss.model)
	sim.LoadCapture(ss.captureWords())
	device, err := lwla.NewDevice(ss.model, sim, "")
	if err != nil {
		return err
	}
	if ss.config.LimitSamples == 0 && ss.config.LimitMsec == 0 {
		// Bound the run by the generated capture, so it ends on its own.
		ss.config.LimitSamples = uint64(ss.nsamples)
	}
	if err := device.Configure(ss.config); err != nil {
		return err
	}
	ss.sim = sim
	ss.device = device

	ss.beginCaptureRecord()
	if err := ss.startSession(); err != nil {
		ss.failCaptureRecord()
		return err
	}
	return nil
}

// captureWords encodes the generated pattern the way the selected model
// stores captures: raw sample words for an uncompressed LWLA1016, run-length
// encoded words otherwise.
func (ss *SimLogicSource) captureWords() []uint64 {
	runs := generateRuns(ss.pattern, ss.nsamples, ss.model.NumChannels())
	switch {
	case ss.model.Product() == lwla.ProductID1034:
		return lwla.EncodeRuns1034(runs)
	case ss.config.RLE:
		return lwla.EncodeRuns1016(runs)
	default:
		return lwla.EncodeWords1016(expandRuns(runs))
	}
}

// generateRuns produces nsamples of the named test pattern as sample runs.
func generateRuns(pattern string, nsamples, nchan int) []lwla.SampleRun {
	mask := uint64(1)<<uint(nchan) - 1
	runs := make([]lwla.SampleRun, 0, nsamples)
	switch pattern {
	case "square":
		// All channels toggle together, 8 full periods per capture.
		step := nsamples / 16
		if step < 1 {
			step = 1
		}
		value := uint64(0)
		for remaining := nsamples; remaining > 0; remaining -= step {
			n := step
			if n > remaining {
				n = remaining
			}
			runs = append(runs, lwla.SampleRun{Value: value, Count: uint64(n)})
			value = ^value & mask
		}
	case "walking":
		for i := 0; i < nsamples; i++ {
			runs = append(runs, lwla.SampleRun{Value: uint64(1) << uint(i%nchan), Count: 1})
		}
	default: // "counter"
		for i := 0; i < nsamples; i++ {
			runs = append(runs, lwla.SampleRun{Value: uint64(i) & mask, Count: 1})
		}
	}
	return runs
}

// expandRuns flattens sample runs into one 16-bit word per sample.
func expandRuns(runs []lwla.SampleRun) []uint16 {
	var samples []uint16
	for _, r := range runs {
		for j := uint64(0); j < r.Count; j++ {
			samples = append(samples, uint16(r.Value))
		}
	}
	return samples
}
