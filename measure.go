package varlet

// Per-channel activity summaries, computed for every data block and
// published under the "SUMMARY" tag so clients can show which probes
// are alive without parsing the raw stream.

import (
	"gonum.org/v1/gonum/stat"
)

// ChannelActivity describes one channel's behavior across a block.
type ChannelActivity struct {
	Edges        int     // number of logic transitions in the block
	DutyCycle    float64 // fraction of samples at logic high
	MeanInterval float64 // mean samples between transitions
	IntervalSD   float64 // standard deviation of samples between transitions
	ToggleHz     float64 // estimated square-wave frequency, in Hz
}

// BlockSummary reports per-channel activity for one data block.
type BlockSummary struct {
	FirstSample uint64
	Samples     int
	SampleRate  uint64
	Channels    []ChannelActivity
}

// unitAt reads the i'th little-endian sample unit from packed data.
func unitAt(data []byte, unitSize, i int) uint64 {
	var u uint64
	for b := 0; b < unitSize; b++ {
		u |= uint64(data[i*unitSize+b]) << (8 * b)
	}
	return u
}

// summarizeBlock computes the activity summary of one block.
func summarizeBlock(b *dataBlock) *BlockSummary {
	units := make([]uint64, b.nsamp)
	for i := range units {
		units[i] = unitAt(b.data, b.unitSize, i)
	}

	sum := &BlockSummary{
		FirstSample: b.firstSample,
		Samples:     b.nsamp,
		SampleRate:  b.sampleRate,
		Channels:    make([]ChannelActivity, b.nchan),
	}
	for ch := 0; ch < b.nchan; ch++ {
		sum.Channels[ch] = measureChannel(units, ch, b.sampleRate)
	}
	return sum
}

// measureChannel scans one channel's bit through the block, counting highs
// and transitions and collecting the intervals between transitions.
func measureChannel(units []uint64, ch int, samplerate uint64) ChannelActivity {
	var act ChannelActivity
	if len(units) == 0 {
		return act
	}

	highs := 0
	lastEdge := -1
	intervals := make([]float64, 0)
	prev := (units[0] >> ch) & 1
	if prev == 1 {
		highs++
	}
	for i := 1; i < len(units); i++ {
		bit := (units[i] >> ch) & 1
		if bit == 1 {
			highs++
		}
		if bit != prev {
			act.Edges++
			if lastEdge >= 0 {
				intervals = append(intervals, float64(i-lastEdge))
			}
			lastEdge = i
			prev = bit
		}
	}

	act.DutyCycle = float64(highs) / float64(len(units))
	if len(intervals) > 0 {
		act.MeanInterval = stat.Mean(intervals, nil)
		// A full square-wave period covers two transitions.
		act.ToggleHz = float64(samplerate) / (2 * act.MeanInterval)
	}
	if len(intervals) > 1 {
		act.IntervalSD = stat.StdDev(intervals, nil)
	}
	return act
}
