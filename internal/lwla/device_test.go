package lwla

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceBusyAndClose(t *testing.T) {
	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	sim.LoadCapture(EncodeWords1016(make([]uint16, 10)))
	dev, err := NewDevice(m, sim, "")
	require.NoError(t, err)

	sink := &collectSink{}
	s, err := dev.StartAcquisition(sink)
	require.NoError(t, err)

	_, err = dev.StartAcquisition(sink)
	assert.True(t, errors.Is(err, ErrDeviceBusy), "second start gave %v", err)
	err = dev.Configure(Config{Samplerate: 50000000})
	assert.True(t, errors.Is(err, ErrDeviceBusy), "configure while capturing gave %v", err)
	err = dev.Close()
	assert.True(t, errors.Is(err, ErrDeviceBusy), "close while capturing gave %v", err)

	// Run the capture out; the device is then reusable.
	require.NoError(t, dev.Run(s))
	s2, err := dev.StartAcquisition(sink)
	require.NoError(t, err)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	require.NoError(t, Drive(s2, sim, tick.C))
	dev.Release(s2)

	require.NoError(t, dev.Close())
	assert.True(t, sim.closed, "connection not closed")
	_, err = dev.StartAcquisition(sink)
	assert.True(t, errors.Is(err, ErrIo), "start after close gave %v", err)
	assert.NoError(t, dev.Close(), "second close")
}

func TestDeviceSelfTestMismatch(t *testing.T) {
	for _, name := range []string{"LWLA1016", "LWLA1034"} {
		m := ModelForName(name)
		sim := NewSimConn(m)
		sim.TestID = 0x0BAD0BAD
		_, err := NewDevice(m, sim, "")
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("%s: corrupt test ID gave %v, want ErrProtocolViolation", name, err)
		}
		if err == nil || !strings.Contains(err.Error(), "self test") {
			t.Errorf("%s: error %q does not mention the self test", name, err)
		}
	}
}

func TestDeviceConfigureValidates(t *testing.T) {
	m := ModelForName("LWLA1016")
	dev, err := NewDevice(m, NewSimConn(m), "")
	require.NoError(t, err)
	err = dev.Configure(Config{Samplerate: 42})
	assert.True(t, errors.Is(err, ErrSampleRateUnsupported), "bad rate gave %v", err)
	assert.Equal(t, uint64(100000000), dev.Config().Samplerate, "rejected config was applied")
}

func TestOpenUnknownProduct(t *testing.T) {
	_, err := Open(DeviceInfo{Bus: -1, Product: 0x1234}, "")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown product gave %v, want ErrInvalidArgument", err)
	}
}

// TestDeviceBitstreamSelection checks which FPGA image each
// configuration change downloads, and that unchanged configurations do
// not download at all.
func TestDeviceBitstreamSelection(t *testing.T) {
	dir := t.TempDir()
	for _, name := range append(bitstreams1016[:], bitstreams1034[:]...) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{1, 2, 3, 4}, 0644))
	}

	m := ModelForName("LWLA1016")
	sim := NewSimConn(m)
	dev, err := NewDevice(m, sim, dir)
	require.NoError(t, err)
	assert.Len(t, sim.ConfigDownloads(), 1, "initial bitstream")

	require.NoError(t, dev.Configure(Config{RLE: true}))
	assert.Len(t, sim.ConfigDownloads(), 2, "timing-state bitstream")
	require.NoError(t, dev.Configure(Config{RLE: true, Samplerate: 50000000}))
	assert.Len(t, sim.ConfigDownloads(), 2, "FPGA config unchanged, no download")
	require.NoError(t, dev.Close())
	assert.Len(t, sim.ConfigDownloads(), 2, "the LWLA1016 has no shutdown image")

	m34 := ModelForName("LWLA1034")
	sim34 := NewSimConn(m34)
	dev34, err := NewDevice(m34, sim34, dir)
	require.NoError(t, err)
	assert.Len(t, sim34.ConfigDownloads(), 1, "internal clock bitstream")
	require.NoError(t, dev34.Configure(Config{ClockSource: ClockExternal, ClockEdge: EdgeNegative}))
	assert.Len(t, sim34.ConfigDownloads(), 2, "external clock bitstream")
	require.NoError(t, dev34.Close())
	assert.Len(t, sim34.ConfigDownloads(), 3, "shutdown bitstream")
}
