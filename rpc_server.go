package varlet

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/usnistgov/varlet/internal/lwla"
	"github.com/usnistgov/varlet/internal/varletdb"
)

// SourceControl is the sub-server that handles configuration and operation of
// the varlet data sources.
type SourceControl struct {
	simLogic *SimLogicSource
	lwla     *LWLASource
	probes   *ProbeMapServer

	// activeSource, isSourceActive, status, and runEnded are written by
	// RPC handlers and by the per-run monitor goroutine.
	lock           sync.Mutex
	activeSource   DataSource
	isSourceActive bool
	status         ServerStatus
	runEnded       chan struct{}

	queuedRequests chan func()
	clientUpdates  chan<- ClientUpdate
	ledger         *varletdb.Connection
	triggers       TriggerConfig
}

// ServerStatus is the status that SourceControl reports to clients.
type ServerStatus struct {
	Running    bool
	SourceName string
	Nchannels  int
	SampleRate uint64
}

// AliveMessage is the heartbeat published to clients every status tick.
type AliveMessage struct {
	Running bool
	Time    float64 // seconds since the daemon started
}

func newSourceControl() *SourceControl {
	sc := new(SourceControl)
	simLogic, _ := NewSimLogicSource()
	sc.simLogic = simLogic
	lwlaSource, err := NewLWLASource()
	if err != nil {
		ProblemLogger.Printf("could not scan for LWLA analyzers: %v", err)
	}
	sc.lwla = lwlaSource
	sc.probes = newProbeMapServer()
	sc.queuedRequests = make(chan func())
	ended := make(chan struct{})
	close(ended)
	sc.runEnded = ended
	return sc
}

// FactorArgs holds the arguments to a Multiply operation
type FactorArgs struct {
	A, B int
}

// Multiply is a silly RPC service that multiplies its two arguments.
func (s *SourceControl) Multiply(args *FactorArgs, reply *int) error {
	*reply = args.A * args.B
	return nil
}

// ConfigureLWLASource configures the USB logic-analyzer source.
func (s *SourceControl) ConfigureLWLASource(args *LWLASourceConfig, reply *bool) error {
	log.Printf("ConfigureLWLASource: device %d, firmware %q\n", args.DeviceIndex, args.FirmwareDir)
	err := s.lwla.Configure(args)
	s.clientUpdates <- ClientUpdate{"LWLA", args}
	*reply = (err == nil)
	log.Printf("Result is okay=%t, %d analyzer(s) attached\n", *reply, len(args.AvailableDevices))
	return err
}

// ConfigureSimLogicSource configures the source of simulated logic data.
func (s *SourceControl) ConfigureSimLogicSource(args *SimLogicSourceConfig, reply *bool) error {
	log.Printf("ConfigureSimLogicSource: model %s, %d samples of %q\n", args.Model, args.Nsamples, args.Pattern)
	err := s.simLogic.Configure(args)
	s.clientUpdates <- ClientUpdate{"SIMLOGIC", args}
	*reply = (err == nil)
	log.Printf("Result is okay=%t\n", *reply)
	return err
}

// TriggerConfig holds the arguments needed to call ConfigureTriggers by RPC.
type TriggerConfig struct {
	Spec         lwla.TriggerSpec
	External     bool // arm from the external trigger input, not the channels
	SlopeFalling bool // with External, trigger on the falling slope
}

// maxTriggerChannels spans both analyzer models; the exact channel range
// is enforced per model when a source starts.
const maxTriggerChannels = 34

// ConfigureTriggers stores a new trigger description. It takes effect when
// a source starts, where it is converted against that source's model.
func (s *SourceControl) ConfigureTriggers(args *TriggerConfig, reply *bool) error {
	if _, err := lwla.ConvertTrigger(args.Spec, maxTriggerChannels); err != nil {
		*reply = false
		return err
	}
	s.lock.Lock()
	s.triggers = *args
	s.lock.Unlock()
	s.clientUpdates <- ClientUpdate{"TRIGGER", args}
	*reply = true
	return nil
}

// ConfigureCaptureLimits bounds the next capture by sample count and
// duration, and selects the sample rate and channel mask.
func (s *SourceControl) ConfigureCaptureLimits(args *CaptureLimitsConfig, reply *bool) error {
	log.Printf("ConfigureCaptureLimits: rate=%d, samples=%d, msec=%d\n",
		args.SampleRate, args.LimitSamples, args.LimitMsec)
	err := s.simLogic.configureCapture(args)
	if err2 := s.lwla.configureCapture(args); err == nil {
		err = err2
	}
	s.clientUpdates <- ClientUpdate{"CAPTURE", args}
	*reply = (err == nil)
	return err
}

// applyTriggers converts the stored trigger description for one source.
func (s *SourceControl) applyTriggers(ds *deviceSource, nchan int) error {
	s.lock.Lock()
	triggers := s.triggers
	s.lock.Unlock()
	masks, err := lwla.ConvertTrigger(triggers.Spec, nchan)
	if err != nil {
		return err
	}
	return ds.configureTrigger(masks, triggers.External, triggers.SlopeFalling)
}

// Start will identify the source given by sourceName, then Sample and Start it.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.lock.Lock()
	if s.isSourceActive {
		s.lock.Unlock()
		return fmt.Errorf("already have active source, do not start")
	}

	name := strings.ToUpper(*sourceName)
	var ds DataSource
	var trigTarget *deviceSource
	var trigChannels int
	switch name {
	case "SIMLOGICSOURCE":
		ds = DataSource(s.simLogic)
		trigTarget = &s.simLogic.deviceSource
		trigChannels = s.simLogic.model.NumChannels()
		s.status.SourceName = "SimLogic"

	case "LWLASOURCE":
		ds = DataSource(s.lwla)
		trigTarget = &s.lwla.deviceSource
		trigChannels = maxTriggerChannels
		if s.lwla.device != nil {
			trigChannels = s.lwla.device.Model().NumChannels()
		}
		s.status.SourceName = "LWLA"

	default:
		s.lock.Unlock()
		return fmt.Errorf("Data Source %q is not recognized", *sourceName)
	}
	s.activeSource = ds
	s.isSourceActive = true
	runEnded := make(chan struct{})
	s.runEnded = runEnded
	s.lock.Unlock()

	if err := s.applyTriggers(trigTarget, trigChannels); err != nil {
		s.endRun(runEnded)
		return err
	}
	ds.setLedger(s.ledger)

	log.Printf("Starting data source named %s\n", *sourceName)
	go func() {
		if err := Start(ds, s.queuedRequests); err != nil {
			log.Printf("Could not start data source: %v\n", err)
			s.endRun(runEnded)
			return
		}
		s.applyProbeNames(ds, runEnded)
		s.lock.Lock()
		s.status.Running = true
		s.status.Nchannels = ds.Nchan()
		s.status.SampleRate = ds.Samplerate()
		s.lock.Unlock()
		s.broadcastUpdate()
		s.broadcastWritingState(ds)

		ds.RunDoneWait()
		s.endRun(runEnded)
	}()
	*reply = true
	return nil
}

// applyProbeNames overlays the loaded probe map onto the source's default
// channel names. The update is queued on the processing loop so it cannot
// race with block handling; a run that has already ended needs no names.
func (s *SourceControl) applyProbeNames(ds DataSource, runEnded chan struct{}) {
	mapNames := s.probes.names(ds.Nchan())
	request := func() {
		names := ds.ProbeNames()
		for i, name := range mapNames {
			if name != "" && i < len(names) {
				names[i] = name
			}
		}
		ds.setProbeNames(names)
	}
	go func() {
		select {
		case s.queuedRequests <- request:
		case <-runEnded:
		}
	}()
}

// endRun marks the active run as finished and tells the clients.
func (s *SourceControl) endRun(runEnded chan struct{}) {
	close(runEnded)
	s.lock.Lock()
	s.activeSource = nil
	s.isSourceActive = false
	s.status.Running = false
	s.status.SourceName = ""
	s.status.Nchannels = 0
	s.status.SampleRate = 0
	s.lock.Unlock()
	s.broadcastUpdate()
}

// Stop stops the running data source, if any.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.lock.Lock()
	ds := s.activeSource
	s.lock.Unlock()
	if ds == nil {
		return fmt.Errorf("No source is active")
	}
	log.Printf("Stopping data source\n")
	if err := ds.Stop(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// runLaterIfActive runs f on the active source's processing loop, so writing
// and file-state changes never race with block handling. With no source
// running, f runs directly.
func (s *SourceControl) runLaterIfActive(f func() error) error {
	s.lock.Lock()
	active := s.isSourceActive
	runEnded := s.runEnded
	s.lock.Unlock()
	if !active {
		return f()
	}
	done := make(chan error)
	request := func() { done <- f() }
	select {
	case s.queuedRequests <- request:
		return <-done
	case <-runEnded:
		// The run ended while we were queueing; apply directly.
		return f()
	}
}

// WriteControl starts, stops, pauses, or unpauses data writing.
func (s *SourceControl) WriteControl(config *WriteControlConfig, reply *bool) error {
	s.lock.Lock()
	ds := s.activeSource
	s.lock.Unlock()
	if ds == nil {
		return fmt.Errorf("No source is active")
	}
	err := s.runLaterIfActive(func() error {
		return ds.WriteControl(config)
	})
	if err != nil {
		return err
	}
	s.broadcastWritingState(ds)
	*reply = true
	return nil
}

// StateLabelConfig is the argument for the SetExperimentStateLabel RPC call.
type StateLabelConfig struct {
	Label string
}

// SetExperimentStateLabel adds a timestamped label to the experiment state
// file of the current writing period.
func (s *SourceControl) SetExperimentStateLabel(config *StateLabelConfig, reply *bool) error {
	now := time.Now()
	s.lock.Lock()
	ds := s.activeSource
	s.lock.Unlock()
	if ds == nil {
		return fmt.Errorf("No source is active")
	}
	err := s.runLaterIfActive(func() error {
		return ds.SetExperimentStateLabel(now, config.Label)
	})
	*reply = (err == nil)
	return err
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	s.clientUpdates <- ClientUpdate{"SENDALL", 0}
	*reply = true
	return nil
}

func (s *SourceControl) broadcastUpdate() {
	s.lock.Lock()
	status := s.status
	s.lock.Unlock()
	s.clientUpdates <- ClientUpdate{"STATUS", status}
}

func (s *SourceControl) broadcastWritingState(ds DataSource) {
	s.clientUpdates <- ClientUpdate{"WRITING", ds.ComputeWritingState()}
}

func (s *SourceControl) broadcastHeartbeat() {
	s.lock.Lock()
	running := s.isSourceActive
	s.lock.Unlock()
	s.clientUpdates <- ClientUpdate{"ALIVE",
		AliveMessage{Running: running, Time: time.Since(VarletStartTime).Seconds()}}
}

// restoreConfiguration replays the configuration snapshots that the client
// updater saved through viper.
func (s *SourceControl) restoreConfiguration() {
	var okay bool
	if viper.IsSet("lwla") {
		var config LWLASourceConfig
		if err := viper.UnmarshalKey("lwla", &config); err == nil {
			s.ConfigureLWLASource(&config, &okay)
		}
	}
	if viper.IsSet("simlogic") {
		var config SimLogicSourceConfig
		if err := viper.UnmarshalKey("simlogic", &config); err == nil {
			s.ConfigureSimLogicSource(&config, &okay)
		}
	}
	if viper.IsSet("trigger") {
		var config TriggerConfig
		if err := viper.UnmarshalKey("trigger", &config); err == nil {
			s.ConfigureTriggers(&config, &okay)
		}
	}
	if viper.IsSet("capture") {
		var config CaptureLimitsConfig
		if err := viper.UnmarshalKey("capture", &config); err == nil {
			s.ConfigureCaptureLimits(&config, &okay)
		}
	}
	if viper.IsSet("probemapfile") {
		var filename string
		if err := viper.UnmarshalKey("probemapfile", &filename); err == nil && filename != "" {
			if err := s.probes.Load(&filename, &okay); err != nil {
				ProblemLogger.Printf("could not reload probe map %q: %v", filename, err)
			}
		}
	}
}

// shutdown stops the active source, if any, so files and the capture
// ledger are finalized before the process exits.
func (s *SourceControl) shutdown() {
	s.lock.Lock()
	ds := s.activeSource
	runEnded := s.runEnded
	s.lock.Unlock()
	if ds == nil {
		return
	}
	if err := ds.Stop(); err == nil {
		<-runEnded
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. It returns
// after abort closes and the active source, if any, has been stopped.
func RunRPCServer(portrpc int, ledger *varletdb.Connection, abort <-chan struct{}) {

	// Set up objects to handle remote calls
	sourceControl := newSourceControl()
	sourceControl.clientUpdates = clientMessageChan
	sourceControl.ledger = ledger
	sourceControl.probes.clientUpdates = clientMessageChan

	// Load stored settings
	log.Printf("Varlet is using config file %s\n", viper.ConfigFileUsed())
	sourceControl.restoreConfiguration()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sourceControl.broadcastUpdate()
				sourceControl.broadcastHeartbeat()
			case <-abort:
				return
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(sourceControl)
	server.Register(sourceControl.probes)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				sourceControl.shutdown()
				return
			default:
				log.Fatal("accept error: " + err.Error())
			}
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
