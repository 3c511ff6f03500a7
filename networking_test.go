package varlet

import (
	"runtime"
	"testing"
)

func TestNetBufferLimit(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("sysctl values are only readable on linux")
	}
	size, err := netBufferLimit("net.core.rmem_max")
	if err != nil {
		t.Skipf("could not read net.core.rmem_max: %v", err)
	}
	if size <= 0 {
		t.Errorf("netBufferLimit(net.core.rmem_max) = %d, want positive", size)
	}
	if _, err := netBufferLimit("net.core.no.such.key"); err == nil {
		t.Error("netBufferLimit() on a bogus key should error")
	}

	// Whatever the kernel settings, the advisory check must not panic.
	CheckNetworkBuffers()
}
