package varlet

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/usnistgov/varlet/internal/appendablenpy"
	"github.com/usnistgov/varlet/internal/varletdb"
	"github.com/usnistgov/varlet/vcd"
)

// WritingState monitors the state of file writing.
type WritingState struct {
	Active                       bool
	Paused                       bool
	BasePath                     string
	FilenamePattern              string
	VCDFilename                  string
	NPYFilename                  string
	experimentStateFile          *os.File
	ExperimentStateFilename      string
	ExperimentStateLabel         string
	ExperimentStateLabelUnixNano int64
	sync.Mutex
}

// IsActive will return ws.Active, with proper locking
func (ws *WritingState) IsActive() bool {
	ws.Lock()
	defer ws.Unlock()
	return ws.Active
}

// ComputeState will return a property-by-property copy of the WritingState.
// It will not copy the "active" features like the open state file.
func (ws *WritingState) ComputeState() WritingState {
	ws.Lock()
	defer ws.Unlock()
	var copyState WritingState
	copyState.Active = ws.Active
	copyState.Paused = ws.Paused
	copyState.BasePath = ws.BasePath
	copyState.FilenamePattern = ws.FilenamePattern
	copyState.VCDFilename = ws.VCDFilename
	copyState.NPYFilename = ws.NPYFilename
	copyState.ExperimentStateFilename = ws.ExperimentStateFilename
	copyState.ExperimentStateLabel = ws.ExperimentStateLabel
	copyState.ExperimentStateLabelUnixNano = ws.ExperimentStateLabelUnixNano
	return copyState
}

// Start will set the WritingState to begin writing
func (ws *WritingState) Start(filenamePattern, path, vcdName, npyName string) error {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = true
	ws.Paused = false
	ws.BasePath = path
	ws.FilenamePattern = filenamePattern
	ws.VCDFilename = vcdName
	ws.NPYFilename = npyName
	ws.ExperimentStateFilename = fmt.Sprintf(filenamePattern, "experiment_state", "txt")
	return ws.setExperimentStateLabel(time.Now(), "START")
}

// Stop will set the WritingState to be completely stopped
func (ws *WritingState) Stop() error {
	ws.Lock()
	defer ws.Unlock()
	ws.Active = false
	ws.Paused = false
	ws.FilenamePattern = ""
	ws.VCDFilename = ""
	ws.NPYFilename = ""
	if ws.experimentStateFile != nil {
		if err := ws.setExperimentStateLabel(time.Now(), "STOP"); err != nil {
			return err
		}
		if err := ws.experimentStateFile.Close(); err != nil {
			return fmt.Errorf("failed to close experimentStatefile, err: %v", err)
		}
	}
	ws.experimentStateFile = nil
	ws.ExperimentStateFilename = ""
	ws.ExperimentStateLabel = ""
	ws.ExperimentStateLabelUnixNano = 0
	return nil
}

// SetExperimentStateLabel writes to a file with name like XXX_experiment_state.txt
// The file is created upon the first call to this function for a given file writing.
// This exported version locks the WritingState object.
func (ws *WritingState) SetExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	ws.Lock()
	defer ws.Unlock()
	if !ws.Active {
		return fmt.Errorf("cannot set experiment state label when writing is not active")
	}
	return ws.setExperimentStateLabel(timestamp, stateLabel)
}

func (ws *WritingState) setExperimentStateLabel(timestamp time.Time, stateLabel string) error {
	if ws.experimentStateFile == nil {
		// create state file if neccesary
		var err error
		ws.experimentStateFile, err = os.Create(ws.ExperimentStateFilename)
		if err != nil {
			return fmt.Errorf("%v, filename: <%v>", err, ws.ExperimentStateFilename)
		}
		// write header
		_, err1 := ws.experimentStateFile.WriteString("# unix time in nanoseconds, state label\n")
		if err1 != nil {
			return err
		}
	}
	ws.ExperimentStateLabel = stateLabel
	ws.ExperimentStateLabelUnixNano = timestamp.UnixNano()
	_, err := ws.experimentStateFile.WriteString(fmt.Sprintf("%v, %v\n", ws.ExperimentStateLabelUnixNano, stateLabel))
	if err != nil {
		return err
	}
	return nil
}

// dataWriter bundles the output files of one writing period: a VCD file,
// an appendable NPY file of raw units, or both.
type dataWriter struct {
	vcd            *vcd.Writer
	npy            *appendablenpy.Writer
	npyFile        *os.File
	vcdName        string
	npyName        string
	start          time.Time
	samplesWritten uint64
}

// npyDtype returns the numpy dtype string matching a sample unit size.
func npyDtype(unitSize int) string {
	switch unitSize {
	case 1:
		return "|u1"
	case 2:
		return "<u2"
	case 4:
		return "<u4"
	case 8:
		return "<u8"
	}
	return fmt.Sprintf("|V%d", unitSize)
}

// newDataWriter opens the requested output files. The filenames come from
// the run's filename pattern; probe names label the VCD wires.
func newDataWriter(pattern string, writeVCD, writeNPY bool, samplerate uint64,
	nchan, unitSize int, probeNames []string) (*dataWriter, error) {
	dw := &dataWriter{start: time.Now()}
	if writeVCD {
		dw.vcdName = fmt.Sprintf(pattern, "capture", "vcd")
		w := vcd.NewWriter(dw.vcdName, samplerate, nchan, probeNames, Build.Version)
		if err := w.CreateFile(); err != nil {
			return nil, err
		}
		if err := w.WriteHeader(); err != nil {
			return nil, err
		}
		dw.vcd = w
	}
	if writeNPY {
		dw.npyName = fmt.Sprintf(pattern, "capture", "npy")
		f, err := os.Create(dw.npyName)
		if err != nil {
			return nil, err
		}
		w, err := appendablenpy.NewWriter(f, npyDtype(unitSize), unitSize)
		if err != nil {
			f.Close()
			return nil, err
		}
		dw.npyFile = f
		dw.npy = w
	}
	return dw, nil
}

// writeBlock appends one block of samples to every open output file.
func (dw *dataWriter) writeBlock(b *dataBlock) error {
	if dw.vcd != nil {
		if err := dw.vcd.WriteSamples(b.data, b.unitSize, b.nsamp); err != nil {
			return err
		}
	}
	if dw.npy != nil {
		if err := dw.npy.Append(b.data[:b.nsamp*b.unitSize]); err != nil {
			return err
		}
	}
	dw.samplesWritten += uint64(b.nsamp)
	return nil
}

// close finalizes the output files and describes them for the capture ledger.
func (dw *dataWriter) close(captureID string) []*varletdb.CaptureFileMessage {
	now := time.Now()
	messages := make([]*varletdb.CaptureFileMessage, 0, 2)
	if dw.vcd != nil {
		dw.vcd.Close()
		msg := &varletdb.CaptureFileMessage{
			CaptureID: captureID,
			Filename:  dw.vcdName,
			Filetype:  "VCD",
			Samples:   dw.vcd.SamplesWritten(),
			Start:     dw.start,
			End:       now,
		}
		if fi, err := os.Stat(dw.vcdName); err == nil {
			msg.Size = fi.Size()
		}
		messages = append(messages, msg)
		dw.vcd = nil
	}
	if dw.npy != nil {
		items := dw.npy.Items()
		dw.npyFile.Close()
		msg := &varletdb.CaptureFileMessage{
			CaptureID: captureID,
			Filename:  dw.npyName,
			Filetype:  "NPY",
			Samples:   uint64(items),
			Start:     dw.start,
			End:       now,
		}
		if fi, err := os.Stat(dw.npyName); err == nil {
			msg.Size = fi.Size()
		}
		messages = append(messages, msg)
		dw.npy = nil
		dw.npyFile = nil
	}
	return messages
}
