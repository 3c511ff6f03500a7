package varlet

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/usnistgov/varlet/internal/lwla"
	"github.com/usnistgov/varlet/internal/varletdb"
)

// SourceState is used to indicate the active/inactive/transition state of data sources
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Source is not active
	Starting                    // Source is in transition to Active state
	Active                      // Source is actively acquiring data
	Stopping                    // Source is in transition to Inactive state
)

// dataBlock is the unit of data that sources deliver to the processing loop:
// a contiguous run of samples as packed channel units, plus bookkeeping.
type dataBlock struct {
	data        []byte // packed little-endian units, one per sample
	unitSize    int    // bytes per unit
	nchan       int
	nsamp       int
	firstSample uint64 // index of data[0] since acquisition start
	sampleRate  uint64
	triggered   bool // trigger had fired by the time this block was captured
	endOfRun    bool
	err         error
}

// DataSource is the interface for hardware or simulated data sources that
// produce blocks of logic samples.
type DataSource interface {
	Sample() error
	PrepareRun() error
	StartRun() error
	Stop() error
	Running() bool
	getNextBlock() chan *dataBlock
	closeRun(err error)
	Nchan() int
	Samplerate() uint64
	ProbeNames() []string
	setProbeNames([]string)
	setLedger(*varletdb.Connection)
	ComputeWritingState() WritingState
	WritingIsActive() bool
	WriteControl(*WriteControlConfig) error
	SetExperimentStateLabel(time.Time, string) error
	ProcessBlock(*dataBlock) error
	RunDoneActivate()
	RunDoneDeactivate()
	RunDoneWait()
	GetState() SourceState
	SetStateStarting() error
	SetStateInactive() error
}

// Start will start the given DataSource, including sampling its data for
// basic properties, then starting the acquisition and data processing.
func Start(ds DataSource, queuedRequests chan func()) error {
	if err := ds.SetStateStarting(); err != nil {
		return err
	}
	if err := ds.Sample(); err != nil {
		ds.SetStateInactive()
		return err
	}
	if err := ds.PrepareRun(); err != nil {
		ds.SetStateInactive()
		return err
	}

	ds.RunDoneActivate()
	if err := ds.StartRun(); err != nil {
		ds.RunDoneDeactivate()
		ds.SetStateInactive()
		return err
	}
	go CoreLoop(ds, queuedRequests)
	return nil
}

// CoreLoop handles the data steps: process blocks from the source as they
// appear, and handle RPC requests that must not run concurrently with block
// processing.
func CoreLoop(ds DataSource, queuedRequests chan func()) {
	defer ds.RunDoneDeactivate()
	nextBlock := ds.getNextBlock()

	// Use select to interleave 2 activities that should NOT be done concurrently.
	for {
		select {
		// Handle RPC requests
		case request := <-queuedRequests:
			request()

		// Handle data blocks
		case block, ok := <-nextBlock:
			if !ok { // source is done producing: end the run normally
				ds.closeRun(nil)
				return
			}
			if block.err != nil {
				log.Printf("data source failed; stopping: %s", block.err.Error())
				ds.closeRun(block.err)
				return
			}
			if err := ds.ProcessBlock(block); err != nil {
				log.Printf("ProcessBlock returned an error; stopping: %s", err.Error())
				ds.closeRun(err)
				return
			}
		}
	}
}

// AnySource implements features common to all data sources.
type AnySource struct {
	nchan      int      // how many channels to provide
	name       string   // what kind of source is this?
	probeNames []string // one display name per channel
	unitSize   int      // bytes per sample unit
	sampleRate uint64   // samples per second
	nextSample uint64   // index of the next sample the producer will deliver

	abortSelf chan struct{}   // closed to request the source to stop producing
	nextBlock chan *dataBlock // producer sends blocks here; closed when done
	publisher *DataPublisher

	samplesSeen uint64 // total samples processed (owned by CoreLoop)
	sawTrigger  bool

	numberWrittenTicker *time.Ticker
	writingState        WritingState
	writer              *dataWriter

	ledger     *varletdb.Connection
	captureMsg *varletdb.CaptureMessage

	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState
	runDone         sync.WaitGroup
}

// sharedPublisher is the one PUB socket for sample data, created on first use
// and shared by every source that runs during the life of the process.
var sharedPublisher *DataPublisher
var publisherOnce sync.Once

// GetState returns the sourceState value in a race-free fashion
func (ds *AnySource) GetState() SourceState {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	return ds.sourceState
}

// SetStateStarting changes sourceState to Starting in a race-free fashion
func (ds *AnySource) SetStateStarting() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState == Inactive {
		ds.sourceState = Starting
		return nil
	}
	return fmt.Errorf("cannot Start() a source that's %v, not Inactive", ds.sourceState)
}

// SetStateInactive changes sourceState to Inactive in a race-free fashion
func (ds *AnySource) SetStateInactive() error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Inactive
	return nil
}

// Running tells whether the source is actively running
func (ds *AnySource) Running() bool {
	return ds.GetState() == Active
}

// RunDoneActivate adds one to the runDone WaitGroup
func (ds *AnySource) RunDoneActivate() {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	ds.sourceState = Active
	ds.runDone.Add(1)
}

// RunDoneDeactivate calls Done on the runDone WaitGroup
func (ds *AnySource) RunDoneDeactivate() {
	ds.sourceStateLock.Lock()
	ds.sourceState = Inactive
	ds.runDone.Done()
	ds.sourceStateLock.Unlock()
}

// RunDoneWait returns when the RunDone WaitGroup is released
func (ds *AnySource) RunDoneWait() {
	ds.runDone.Wait()
}

// Nchan returns the number of channels this source produces
func (ds *AnySource) Nchan() int {
	return ds.nchan
}

// Samplerate returns the sample rate of this source, in samples per second
func (ds *AnySource) Samplerate() uint64 {
	return ds.sampleRate
}

// ProbeNames returns the display names of this source's channels
func (ds *AnySource) ProbeNames() []string {
	return ds.probeNames
}

func (ds *AnySource) setProbeNames(names []string) {
	ds.probeNames = names
}

func (ds *AnySource) setLedger(ledger *varletdb.Connection) {
	ds.ledger = ledger
}

// getNextBlock returns the channel on which the producer delivers data blocks.
func (ds *AnySource) getNextBlock() chan *dataBlock {
	return ds.nextBlock
}

// PrepareRun configures an AnySource by initializing the structures that
// cannot be prepared until we know the number of channels. It's an error for
// ds.nchan to be less than 1.
func (ds *AnySource) PrepareRun() error {
	if ds.nchan < 1 {
		return fmt.Errorf("PrepareRun could not run with %d channels, require at least 1", ds.nchan)
	}
	if ds.unitSize < 1 || ds.sampleRate < 1 {
		return fmt.Errorf("PrepareRun needs positive unit size and sample rate, have (%d, %d)",
			ds.unitSize, ds.sampleRate)
	}
	ds.abortSelf = make(chan struct{})
	ds.nextBlock = make(chan *dataBlock)

	// All sources share one data-publishing socket, which outlives source
	// stops and restarts so subscribers never have to reconnect.
	publisherOnce.Do(func() {
		sharedPublisher = NewDataPublisher(Ports.Data)
	})
	ds.publisher = sharedPublisher

	if len(ds.probeNames) != ds.nchan {
		ds.probeNames = make([]string, ds.nchan)
		for i := range ds.probeNames {
			ds.probeNames[i] = fmt.Sprintf("CH%d", i+1)
		}
	}

	ds.numberWrittenTicker = time.NewTicker(1 * time.Second)
	ds.nextSample = 0
	ds.samplesSeen = 0
	ds.sawTrigger = false
	return nil
}

// ProcessBlock publishes a block to subscribers, writes it to any open data
// files, and accumulates per-run statistics. Called only from CoreLoop.
func (ds *AnySource) ProcessBlock(block *dataBlock) error {
	if ds.publisher != nil {
		ds.publisher.PublishBlock(block)
	}

	ws := ds.ComputeWritingState()
	if ws.Active && !ws.Paused && ds.writer != nil && block.nsamp > 0 {
		if err := ds.writer.writeBlock(block); err != nil {
			return err
		}
		select {
		case <-ds.numberWrittenTicker.C:
			select {
			case clientMessageChan <- ClientUpdate{tag: "NUMBERWRITTEN",
				state: NumberWritten{ds.writer.samplesWritten}}:
			default:
			}
		default:
		}
	}

	if block.nsamp > 0 {
		summary := summarizeBlock(block)
		select {
		case clientMessageChan <- ClientUpdate{tag: "SUMMARY", state: summary}:
		default: // drop a summary rather than stall data processing
		}
		ds.samplesSeen += uint64(block.nsamp)
	}
	if block.triggered {
		ds.sawTrigger = true
	}
	return nil
}

// NumberWritten is the client-update message reporting file-writing progress.
type NumberWritten struct {
	SamplesWritten uint64
}

// closeRun finalizes a capture when CoreLoop exits: it publishes the
// end-of-run marker, closes any open data files, and completes the capture
// record in the ledger. Runs exactly once per run, always from CoreLoop.
func (ds *AnySource) closeRun(runErr error) {
	if ds.publisher != nil {
		ds.publisher.PublishBlock(&dataBlock{
			unitSize:    ds.unitSize,
			nchan:       ds.nchan,
			firstSample: ds.samplesSeen,
			sampleRate:  ds.sampleRate,
			triggered:   ds.sawTrigger,
			endOfRun:    true,
		})
	}

	outcome := runOutcome(runErr, ds.abortSelf)
	if runErr != nil {
		// The producer may still be blocked delivering a block; release it.
		closeIfOpen(ds.abortSelf)
	}

	captureID := ""
	if ds.captureMsg != nil {
		captureID = ds.captureMsg.ID
	}
	if ds.writer != nil {
		for _, msg := range ds.writer.close(captureID) {
			ds.ledger.RecordFile(msg)
		}
		ds.writer = nil
		ds.writingState.Stop()
	}
	if ds.captureMsg != nil {
		ds.captureMsg.Samples = ds.samplesSeen
		if ds.sampleRate > 0 {
			ds.captureMsg.DurationMsec = 1000 * ds.samplesSeen / ds.sampleRate
		}
		ds.captureMsg.Outcome = outcome
		ds.ledger.FinishCapture(ds.captureMsg)
		ds.captureMsg = nil
	}
}

// runOutcome names how a run ended for the capture ledger.
func runOutcome(runErr error, abort chan struct{}) string {
	if runErr != nil {
		return "failed"
	}
	select {
	case <-abort:
		return "aborted"
	default:
		return "complete"
	}
}

// Stop ends the data supply.
func (ds *AnySource) Stop() error {
	ds.sourceStateLock.Lock()
	switch ds.sourceState {
	case Inactive:
		ds.sourceStateLock.Unlock()
		return fmt.Errorf("AnySource not active, cannot stop")
	case Stopping:
		ds.sourceStateLock.Unlock()
		return nil
	default:
		ds.sourceState = Stopping
	}
	ds.sourceStateLock.Unlock()

	if ds.abortSelf != nil {
		closeIfOpen(ds.abortSelf)
	}
	ds.RunDoneWait()
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: you tried to close a channel twice, but varlet outsmarted you")
	default:
		close(c)
	}
}

// ComputeWritingState returns a copy of the writing state.
func (ds *AnySource) ComputeWritingState() WritingState {
	return ds.writingState.ComputeState()
}

// WritingIsActive returns whether files are being written now.
func (ds *AnySource) WritingIsActive() bool {
	return ds.writingState.IsActive()
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// The file is created upon the first call to this function for a given file writing.
func (ds *AnySource) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	return ds.writingState.SetExperimentStateLabel(timestamp, stateLabel)
}

// makeDirectory creates the directory basepath/20060102/runNNNN and returns
// the filename pattern for files in it (a Sprintf pattern with %s %s for file
// prefix and suffix). Pattern is this or error: /x/y/z/20060102/runNNNN/varlet_runNNNN_%s.%s
func makeDirectory(basepath string) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("makeDirectory needs a base path, got %q", basepath)
	}
	today := time.Now().Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/run%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err
			}
			return fmt.Sprintf("%s/varlet_run%4.4d_%%s.%%s", thisDir, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

// WriteControlConfig carries the settings for a WriteControl request.
type WriteControlConfig struct {
	Request  string // "Start", "Stop", "Pause", or "Unpause" (case insensitive)
	Path     string // write in a new directory under this path (Start only)
	WriteVCD bool   // write a value-change-dump file
	WriteNPY bool   // write an appendable NPY file of raw units
}

// WriteControl changes the data writing start/stop/pause/unpause state.
// For Start requests, at least one of WriteVCD and WriteNPY must be set.
func (ds *AnySource) WriteControl(config *WriteControlConfig) error {
	requestStr := strings.ToUpper(config.Request)
	switch {
	case strings.HasPrefix(requestStr, "PAUSE"):
		ds.writingState.Lock()
		ds.writingState.Paused = true
		ds.writingState.Unlock()

	case strings.HasPrefix(requestStr, "UNPAUSE"):
		if len(config.Request) > 7 {
			// validate format of command "UNPAUSE label"
			if config.Request[7:8] != " " || len(config.Request) == 8 {
				return fmt.Errorf("request format invalid. got::\n%v\nwant someting like: \"UNPAUSE label\"", config.Request)
			}
			stateLabel := config.Request[8:]
			if err := ds.SetExperimentStateLabel(time.Now(), stateLabel); err != nil {
				return err
			}
		}
		ds.writingState.Lock()
		ds.writingState.Paused = false
		ds.writingState.Unlock()

	case strings.HasPrefix(requestStr, "STOP"):
		captureID := ""
		if ds.captureMsg != nil {
			captureID = ds.captureMsg.ID
		}
		if ds.writer != nil {
			for _, msg := range ds.writer.close(captureID) {
				ds.ledger.RecordFile(msg)
			}
			ds.writer = nil
		}
		return ds.writingState.Stop()

	case strings.HasPrefix(requestStr, "START"):
		return ds.writeControlStart(config)

	default:
		return fmt.Errorf("WriteControl config.Request=%q, must be one of (START,STOP,PAUSE,UNPAUSE). Not case sensitive. \"UNPAUSE label\" is also ok",
			config.Request)
	}
	return nil
}

// writeControlStart handles the most complex case of WriteControl: starting to write.
func (ds *AnySource) writeControlStart(config *WriteControlConfig) error {
	if !(config.WriteVCD || config.WriteNPY) {
		return fmt.Errorf("WriteVCD and WriteNPY are both false")
	}
	if ds.writer != nil {
		return fmt.Errorf("writing already in progress, stop writing before starting again. Currently: VCD %v, NPY %v",
			ds.writer.vcdName != "", ds.writer.npyName != "")
	}

	path := ds.writingState.BasePath
	if len(config.Path) > 0 {
		path = config.Path
	}
	filenamePattern, err := makeDirectory(path)
	if err != nil {
		return fmt.Errorf("could not make directory: %s", err.Error())
	}

	dw, err := newDataWriter(filenamePattern, config.WriteVCD, config.WriteNPY,
		ds.sampleRate, ds.nchan, ds.unitSize, ds.probeNames)
	if err != nil {
		return err
	}
	ds.writer = dw
	return ds.writingState.Start(filenamePattern, path, dw.vcdName, dw.npyName)
}

// deviceSource implements the parts of DataSource shared by the USB hardware
// source and the simulated source: both drive a *lwla.Device and receive its
// sample stream as the device's packet sink.
type deviceSource struct {
	device  *lwla.Device
	session *lwla.Session
	config  lwla.Config
	AnySource
}

// WritePacket receives one quantum of decoded samples from the acquisition
// session and forwards a copy to the processing loop. It runs on the session's
// drive goroutine, so it must not block once a stop has been requested.
func (ds *deviceSource) WritePacket(units []byte, samples int) error {
	data := make([]byte, len(units))
	copy(data, units)
	block := &dataBlock{
		data:        data,
		unitSize:    ds.unitSize,
		nchan:       ds.nchan,
		nsamp:       samples,
		firstSample: ds.nextSample,
		sampleRate:  ds.sampleRate,
		triggered:   ds.session.Progress().Triggered,
	}
	ds.nextSample += uint64(samples)
	select {
	case ds.nextBlock <- block:
		return nil
	case <-ds.abortSelf:
		return fmt.Errorf("acquisition stopped while delivering samples")
	}
}

// startSession begins an acquisition on the configured device and starts the
// goroutines that drive it and that propagate stop requests. Callers must
// have run PrepareRun first.
func (ds *deviceSource) startSession() error {
	session, err := ds.device.StartAcquisition(ds)
	if err != nil {
		return err
	}
	ds.session = session

	// Propagate a host-side stop request into the session.
	go func() {
		<-ds.abortSelf
		session.Cancel()
	}()

	go func() {
		err := ds.device.Run(session)
		if err != nil {
			select {
			case ds.nextBlock <- &dataBlock{err: err}:
			case <-ds.abortSelf:
			}
		}
		close(ds.nextBlock)
	}()
	return nil
}

// beginCaptureRecord opens the ledger row describing this acquisition.
func (ds *deviceSource) beginCaptureRecord() {
	msg := &varletdb.CaptureMessage{
		ID:            varletdb.NewID(),
		ActivityID:    ds.ledger.ActivityID(),
		Source:        ds.name,
		Model:         ds.device.Model().Name(),
		SampleRate:    ds.config.Samplerate,
		LimitSamples:  ds.config.LimitSamples,
		LimitMsec:     ds.config.LimitMsec,
		ChannelMask:   ds.config.ChannelMask,
		TriggerEnable: ds.config.TriggerMask,
		Start:         time.Now(),
	}
	ds.ledger.RecordCapture(msg)
	ds.captureMsg = msg
}

// failCaptureRecord closes the ledger row when the run never started.
func (ds *deviceSource) failCaptureRecord() {
	if ds.captureMsg == nil {
		return
	}
	ds.captureMsg.Outcome = "failed"
	ds.ledger.FinishCapture(ds.captureMsg)
	ds.captureMsg = nil
}

// CaptureLimitsConfig holds the arguments needed to call
// SourceControl.ConfigureCaptureLimits by RPC.
type CaptureLimitsConfig struct {
	SampleRate   uint64 // samples per second; 0 keeps the model default
	LimitSamples uint64 // stop after this many samples; 0 for no sample limit
	LimitMsec    uint64 // stop after this many milliseconds; 0 for no time limit
	ChannelMask  uint64 // bit per enabled input channel; 0 enables all
}

// configureCapture stores new capture bounds, to take effect at the next run.
func (ds *deviceSource) configureCapture(limits *CaptureLimitsConfig) error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState != Inactive {
		return fmt.Errorf("cannot configure a source that's %v, not Inactive", ds.sourceState)
	}
	ds.config.Samplerate = limits.SampleRate
	ds.config.LimitSamples = limits.LimitSamples
	ds.config.LimitMsec = limits.LimitMsec
	ds.config.ChannelMask = limits.ChannelMask
	if ds.device != nil {
		return ds.config.Validate(ds.device.Model())
	}
	return nil
}

// configureTrigger stores new trigger masks, to take effect at the next run.
func (ds *deviceSource) configureTrigger(masks lwla.TriggerMasks, external bool, slopeFalling bool) error {
	ds.sourceStateLock.Lock()
	defer ds.sourceStateLock.Unlock()
	if ds.sourceState != Inactive {
		return fmt.Errorf("cannot configure a source that's %v, not Inactive", ds.sourceState)
	}
	ds.config.TriggerMask = masks.Enable
	ds.config.TriggerValues = masks.Value
	ds.config.TriggerEdges = masks.Edge
	ds.config.TriggerSource = lwla.TriggerChannels
	if external {
		ds.config.TriggerSource = lwla.TriggerExternal
	}
	ds.config.TriggerSlope = lwla.EdgePositive
	if slopeFalling {
		ds.config.TriggerSlope = lwla.EdgeNegative
	}
	return nil
}
