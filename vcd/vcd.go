// Package vcd provides classes that write logic captures to Verilog
// Value Change Dump files (IEEE 1364).
// A VCD file has a text header declaring one wire per probe, followed by
// timestamped value-change records. Only changed bits are recorded, so
// the files stay small for captures with low switching activity.
package vcd

import (
	"fmt"
	"os"
	"time"

	"github.com/usnistgov/varlet/internal/asyncbufio"
)

// Writer writes VCD files
type Writer struct {
	Samplerate uint64
	Nchan      int
	ProbeNames []string // optional; channel i defaults to "CHi+1"
	Version    string   // program version quoted in the file header

	// items not part of the header configuration
	fileName      string
	file          *os.File
	writer        *asyncbufio.Writer
	headerWritten bool
	timescale     uint64 // frequency of one timescale tick
	ticks         uint64 // timescale ticks per sample period
	sampleNum     uint64
	lastUnit      uint64
	ids           []string
}

// NewWriter creates a new VCD writer. No file is created until the first
// call to CreateFile.
func NewWriter(fileName string, samplerate uint64, nchan int, probeNames []string,
	version string) *Writer {
	w := new(Writer)
	w.fileName = fileName
	w.Samplerate = samplerate
	w.Nchan = nchan
	w.ProbeNames = probeNames
	w.Version = version
	w.timescale = timescaleFreq(samplerate)
	w.ticks = w.timescale / samplerate
	w.ids = make([]string, nchan)
	for i := 0; i < nchan; i++ {
		w.ids[i] = identifier(i)
	}
	return w
}

// identifier returns the VCD signal identifier code for channel index idx:
// one printable character for the first 94 channels, then two lower-case
// letters for the next 676.
func identifier(idx int) string {
	if idx < 94 {
		return string(rune('!' + idx))
	}
	idx -= 94
	if idx < 26*26 {
		return string([]byte{byte('a' + idx/26), byte('a' + idx%26)})
	}
	return ""
}

// timescaleFreq picks a tick frequency for the $timescale declaration. VCD
// only allows 1/10/100 multiples of a time unit, so the frequency is the
// next full decade at or above the samplerate, raised by up to two more
// decades if needed to make the sample period a whole number of ticks.
func timescaleFreq(samplerate uint64) uint64 {
	timescale := uint64(1)
	for timescale < samplerate {
		timescale *= 10
	}
	for extra := 0; extra < 2; extra++ {
		if timescale/samplerate*samplerate == timescale {
			break
		}
		timescale *= 10
	}
	return timescale
}

// periodString renders the period of the given frequency the way
// $timescale wants it, e.g. 100000000 -> "10 ns".
func periodString(freq uint64) string {
	units := []struct {
		freq uint64
		text string
	}{
		{1, "s"}, {1e3, "ms"}, {1e6, "us"}, {1e9, "ns"}, {1e12, "ps"}, {1e15, "fs"},
	}
	for _, u := range units {
		if freq <= u.freq {
			return fmt.Sprintf("%d %s", u.freq/freq, u.text)
		}
	}
	return "1 fs"
}

func samplerateString(rate uint64) string {
	switch {
	case rate%1e9 == 0:
		return fmt.Sprintf("%d GHz", rate/1e9)
	case rate%1e6 == 0:
		return fmt.Sprintf("%d MHz", rate/1e6)
	case rate%1e3 == 0:
		return fmt.Sprintf("%d kHz", rate/1e3)
	}
	return fmt.Sprintf("%d Hz", rate)
}

func (w *Writer) probeName(i int) string {
	if i < len(w.ProbeNames) && w.ProbeNames[i] != "" {
		return w.ProbeNames[i]
	}
	return fmt.Sprintf("CH%d", i+1)
}

// CreateFile creates a file at w.fileName.
// Must be called before WriteHeader or WriteSamples.
func (w *Writer) CreateFile() error {
	if w.file != nil {
		return fmt.Errorf("file already exists")
	}
	file, err := os.Create(w.fileName)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = asyncbufio.NewWriter(file, 32768, time.Second)
	return nil
}

// WriteHeader writes the VCD declaration section to the file.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return fmt.Errorf("header already written")
	}
	h := make([]byte, 0, 512)
	h = fmt.Appendf(h, "$date %s $end\n", time.Now().Format(time.ANSIC))
	h = fmt.Appendf(h, "$version varlet %s $end\n", w.Version)
	h = fmt.Appendf(h, "$comment\n  Acquisition with %d channels at %s\n$end\n",
		w.Nchan, samplerateString(w.Samplerate))
	h = fmt.Appendf(h, "$timescale %s $end\n", periodString(w.timescale))
	h = fmt.Appendf(h, "$scope module varlet $end\n")
	for i := 0; i < w.Nchan; i++ {
		h = fmt.Appendf(h, "$var wire 1 %s %s $end\n", w.ids[i], w.probeName(i))
	}
	h = fmt.Appendf(h, "$upscope $end\n")
	h = fmt.Appendf(h, "$enddefinitions $end\n")
	if _, err := w.send(h); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteSamples converts count little-endian sample units of unitSize bytes
// each into value-change records and writes them to the file. The first
// sample of a capture dumps all channels; later samples record only the
// bits that changed.
func (w *Writer) WriteSamples(data []byte, unitSize int, count int) error {
	if !w.headerWritten {
		if err := w.WriteHeader(); err != nil {
			return err
		}
	}
	if len(data) < unitSize*count {
		return fmt.Errorf("sample data has %d bytes, want %d", len(data), unitSize*count)
	}
	out := make([]byte, 0, 1024)
	for i := 0; i < count; i++ {
		var unit uint64
		for b := 0; b < unitSize; b++ {
			unit |= uint64(data[i*unitSize+b]) << (8 * b)
		}
		first := w.sampleNum == 0
		if !first && unit == w.lastUnit {
			w.sampleNum++
			continue
		}
		out = fmt.Appendf(out, "#%d", w.sampleNum*w.ticks)
		for ch := 0; ch < w.Nchan; ch++ {
			bit := (unit >> ch) & 1
			if !first && bit == (w.lastUnit>>ch)&1 {
				continue
			}
			out = fmt.Appendf(out, " %d%s", bit, w.ids[ch])
		}
		out = append(out, '\n')
		w.lastUnit = unit
		w.sampleNum++
	}
	if len(out) == 0 {
		return nil
	}
	_, err := w.send(out)
	return err
}

// SamplesWritten reports how many samples have been consumed so far,
// including unchanged ones that produced no change record.
func (w *Writer) SamplesWritten() uint64 {
	return w.sampleNum
}

// send hands a chunk to the async writer, draining it first if its
// channel is full. The chunk must not be reused by the caller.
func (w *Writer) send(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	if err != nil {
		w.writer.Flush()
		return w.writer.Write(p)
	}
	return n, err
}

// Flush flushes the write buffer
func (w *Writer) Flush() {
	w.writer.Flush()
}

// Close closes the file after writing a final bare timestamp that marks
// the total capture length. It flushes the async writer first.
func (w *Writer) Close() {
	if w.file == nil {
		return
	}
	if w.headerWritten {
		w.send(fmt.Appendf(nil, "#%d\n", w.sampleNum*w.ticks))
	}
	w.writer.Close()
	w.file.Close()
}
