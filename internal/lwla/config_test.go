package lwla

import (
	"errors"
	"testing"
)

func TestClockDivider(t *testing.T) {
	var tests = []struct {
		rate uint64
		want uint32
	}{
		{0, 0},
		{100000000, 0},
		{125000000, 0},
		{50000000, 1},
		{20000000, 4},
		{10000000, 9},
		{1000000, 99},
		{100, 999999},
	}
	for _, test := range tests {
		if got := clockDivider(test.rate); got != test.want {
			t.Errorf("clockDivider(%d) = %d, want %d", test.rate, got, test.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	m16 := ModelForName("LWLA1016")
	m34 := ModelForName("LWLA1034")
	var tests = []struct {
		name string
		m    Model
		cfg  Config
		want error
	}{
		{"zero config", m16, Config{}, nil},
		{"good rate", m16, Config{Samplerate: 50000000}, nil},
		{"boost rate on 1034", m34, Config{Samplerate: 125000000}, nil},
		{"boost rate on 1016", m16, Config{Samplerate: 125000000}, ErrSampleRateUnsupported},
		{"odd rate", m34, Config{Samplerate: 42}, ErrSampleRateUnsupported},
		{"sample limit too big", m16, Config{LimitSamples: MaxLimitSamples + 1}, ErrInvalidArgument},
		{"time limit too big", m16, Config{LimitMsec: MaxLimitMsec + 1}, ErrInvalidArgument},
		{"channel beyond 1016", m16, Config{ChannelMask: 1 << 16}, ErrInvalidArgument},
		{"channel mask fits 1034", m34, Config{ChannelMask: 1 << 33}, nil},
		{"trigger beyond 1034", m34, Config{TriggerMask: 1 << 34}, ErrInvalidArgument},
		{"trigger value beyond", m16, Config{TriggerValues: 1 << 20}, ErrInvalidArgument},
	}
	for _, test := range tests {
		err := test.cfg.Validate(test.m)
		if !errors.Is(err, test.want) {
			t.Errorf("%s: Validate returned %v, want %v", test.name, err, test.want)
		}
	}
}

func TestConvertTrigger(t *testing.T) {
	var tests = []struct {
		name string
		kind TriggerKind
		want TriggerMasks
	}{
		{"low level", TriggerZero, TriggerMasks{Enable: 1 << 7}},
		{"high level", TriggerOne, TriggerMasks{Enable: 1 << 7, Value: 1 << 7}},
		{"rising edge", TriggerRising, TriggerMasks{Enable: 1 << 7, Value: 1 << 7, Edge: 1 << 7}},
		{"falling edge", TriggerFalling, TriggerMasks{Enable: 1 << 7, Edge: 1 << 7}},
	}
	for _, test := range tests {
		spec := TriggerSpec{Stages: [][]TriggerMatch{{{Channel: 7, Kind: test.kind}}}}
		tm, err := ConvertTrigger(spec, 16)
		if err != nil {
			t.Fatalf("%s: ConvertTrigger failed: %v", test.name, err)
		}
		if tm != test.want {
			t.Errorf("%s: masks %+v, want %+v", test.name, tm, test.want)
		}
	}

	if tm, err := ConvertTrigger(TriggerSpec{}, 16); err != nil || tm != (TriggerMasks{}) {
		t.Errorf("empty spec gave %+v, %v; want zero masks and no error", tm, err)
	}

	multi := TriggerSpec{Stages: [][]TriggerMatch{
		{{Channel: 0, Kind: TriggerOne}},
		{{Channel: 1, Kind: TriggerOne}},
	}}
	if _, err := ConvertTrigger(multi, 16); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("two stages gave %v, want ErrInvalidArgument", err)
	}

	dup := TriggerSpec{Stages: [][]TriggerMatch{
		{{Channel: 3, Kind: TriggerOne}, {Channel: 3, Kind: TriggerZero}},
	}}
	if _, err := ConvertTrigger(dup, 16); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("duplicate channel gave %v, want ErrInvalidArgument", err)
	}

	oob := TriggerSpec{Stages: [][]TriggerMatch{{{Channel: 16, Kind: TriggerOne}}}}
	if _, err := ConvertTrigger(oob, 16); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("out-of-range channel gave %v, want ErrInvalidArgument", err)
	}
}

func TestNewAcquisitionLimits(t *testing.T) {
	m := ModelForName("LWLA1016")

	// A sample limit at a known rate implies a time limit.
	acq, err := newAcquisition(m, Config{Samplerate: 1000000, LimitSamples: 5000})
	if err != nil {
		t.Fatalf("newAcquisition failed: %v", err)
	}
	if acq.samplesMax != 5000 {
		t.Errorf("samplesMax = %d, want 5000", acq.samplesMax)
	}
	if acq.durationMax != 6 {
		t.Errorf("derived durationMax = %d ms, want 6", acq.durationMax)
	}

	// A time limit implies a sample limit.
	acq, err = newAcquisition(m, Config{Samplerate: 1000000, LimitMsec: 8})
	if err != nil {
		t.Fatalf("newAcquisition failed: %v", err)
	}
	if acq.durationMax != 8 {
		t.Errorf("durationMax = %d ms, want 8", acq.durationMax)
	}
	if acq.samplesMax != 8000 {
		t.Errorf("derived samplesMax = %d, want 8000", acq.samplesMax)
	}

	// No samplerate on the internal clock is an error.
	if _, err = newAcquisition(m, Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unset samplerate gave %v, want ErrInvalidArgument", err)
	}

	// The external clock needs no samplerate and always runs boosted.
	acq, err = newAcquisition(m, Config{ClockSource: ClockExternal})
	if err != nil {
		t.Fatalf("newAcquisition failed: %v", err)
	}
	if !acq.clockBoost {
		t.Error("external clock did not set clockBoost")
	}

	// 125 MHz on the internal clock runs boosted, 100 MHz does not.
	m34 := ModelForName("LWLA1034")
	acq, err = newAcquisition(m34, Config{Samplerate: 125000000})
	if err != nil {
		t.Fatalf("newAcquisition failed: %v", err)
	}
	if !acq.clockBoost {
		t.Error("125 MHz did not set clockBoost")
	}
	acq, err = newAcquisition(m34, Config{Samplerate: 100000000})
	if err != nil {
		t.Fatalf("newAcquisition failed: %v", err)
	}
	if acq.clockBoost {
		t.Error("100 MHz set clockBoost")
	}

	// All channels are enabled when the mask is left zero.
	if acq.chanMask != 1<<34-1 {
		t.Errorf("default chanMask = %#x, want all 34 channels", acq.chanMask)
	}
}
