package lwla

import "fmt"

// clockBase is the 100 MHz base clock that internal samplerates are
// divided down from.
const clockBase = 100 * 1000 * 1000

// Upper bounds on capture limits.
const (
	MaxLimitSamples = 1 << 48
	MaxLimitMsec    = 1 << 32
)

// ClockSource selects where the sample clock comes from.
type ClockSource int

const (
	ClockInternal ClockSource = iota
	ClockExternal
)

// TriggerSource selects what arms a capture.
type TriggerSource int

const (
	TriggerChannels TriggerSource = iota
	TriggerExternal
)

// SignalEdge names an edge of an external clock or trigger signal.
type SignalEdge int

const (
	EdgePositive SignalEdge = iota
	EdgeNegative
)

// Config holds the user-visible acquisition settings of a device. The
// zero value asks for the model's default samplerate with all channels
// enabled and no trigger.
type Config struct {
	// Samplerate in Hz; must appear in the model's samplerate table.
	// Zero selects the model default while the internal clock is used.
	Samplerate uint64
	// LimitSamples stops the capture after this many samples; zero
	// means no sample limit.
	LimitSamples uint64
	// LimitMsec stops the capture after this much time; zero means no
	// time limit.
	LimitMsec uint64
	// ChannelMask enables the probed channels; zero enables all.
	ChannelMask uint64

	TriggerMask   uint64
	TriggerValues uint64
	TriggerEdges  uint64

	ClockSource ClockSource

	// ClockEdge is the active edge of the external clock input.
	ClockEdge SignalEdge

	TriggerSource TriggerSource

	// TriggerSlope is the active slope of the external trigger input.
	TriggerSlope SignalEdge

	// RLE requests the run-length encoding bitstream on models where
	// compression is optional.
	RLE bool
}

// Validate checks cfg against the model's capabilities.
func (cfg *Config) Validate(m Model) error {
	if cfg.Samplerate != 0 && !rateSupported(m, cfg.Samplerate) {
		return fmt.Errorf("%w: %d Hz", ErrSampleRateUnsupported, cfg.Samplerate)
	}
	if cfg.LimitSamples > MaxLimitSamples {
		return fmt.Errorf("%w: sample limit %d exceeds %d",
			ErrInvalidArgument, cfg.LimitSamples, uint64(MaxLimitSamples))
	}
	if cfg.LimitMsec > MaxLimitMsec {
		return fmt.Errorf("%w: time limit %d ms exceeds %d",
			ErrInvalidArgument, cfg.LimitMsec, uint64(MaxLimitMsec))
	}
	allChannels := uint64(1)<<uint(m.NumChannels()) - 1
	if cfg.ChannelMask&^allChannels != 0 {
		return fmt.Errorf("%w: channel mask %#x has bits beyond channel %d",
			ErrInvalidArgument, cfg.ChannelMask, m.NumChannels()-1)
	}
	for _, mask := range []uint64{cfg.TriggerMask, cfg.TriggerValues, cfg.TriggerEdges} {
		if mask&^allChannels != 0 {
			return fmt.Errorf("%w: trigger mask %#x has bits beyond channel %d",
				ErrInvalidArgument, mask, m.NumChannels()-1)
		}
	}
	return nil
}

func rateSupported(m Model, rate uint64) bool {
	for _, r := range m.Samplerates() {
		if r == rate {
			return true
		}
	}
	return false
}

// clockDivider returns the divisor programmed to derive rate from the
// base clock. Rates at or above the base clock run undivided.
func clockDivider(rate uint64) uint32 {
	if rate == 0 || rate >= clockBase {
		return 0
	}
	return uint32(clockBase/rate - 1)
}

// TriggerKind is the condition a single channel contributes to the
// trigger, either a level or an edge.
type TriggerKind int

const (
	TriggerZero TriggerKind = iota
	TriggerOne
	TriggerRising
	TriggerFalling
)

// TriggerMatch asks for one condition on one channel.
type TriggerMatch struct {
	Channel int
	Kind    TriggerKind
}

// TriggerSpec is a protocol-independent trigger description. The
// hardware matches all conditions of a single stage combinationally.
type TriggerSpec struct {
	Stages [][]TriggerMatch
}

// TriggerMasks is the hardware encoding of a trigger: which channels
// participate, the level or target value per channel, and which of
// them are edge rather than level conditions.
type TriggerMasks struct {
	Enable uint64
	Value  uint64
	Edge   uint64
}

// ConvertTrigger translates a trigger description into register masks.
// Only a single stage is supported, and a channel may appear at most
// once.
func ConvertTrigger(spec TriggerSpec, numChannels int) (TriggerMasks, error) {
	var tm TriggerMasks
	if len(spec.Stages) > 1 {
		return tm, fmt.Errorf("%w: only one trigger stage supported", ErrInvalidArgument)
	}
	if len(spec.Stages) == 0 {
		return tm, nil
	}
	for _, match := range spec.Stages[0] {
		if match.Channel < 0 || match.Channel >= numChannels {
			return tm, fmt.Errorf("%w: trigger channel %d out of range",
				ErrInvalidArgument, match.Channel)
		}
		bit := uint64(1) << uint(match.Channel)
		if tm.Enable&bit != 0 {
			return tm, fmt.Errorf("%w: duplicate trigger on channel %d",
				ErrInvalidArgument, match.Channel)
		}
		tm.Enable |= bit
		switch match.Kind {
		case TriggerZero:
		case TriggerOne:
			tm.Value |= bit
		case TriggerRising:
			tm.Value |= bit
			tm.Edge |= bit
		case TriggerFalling:
			tm.Edge |= bit
		default:
			return tm, fmt.Errorf("%w: unknown trigger kind %d",
				ErrInvalidArgument, match.Kind)
		}
	}
	return tm, nil
}
