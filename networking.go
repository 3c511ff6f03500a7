package varlet

import (
	"strconv"
	"strings"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// recommendedNetBuffer is the kernel socket-buffer limit that lets the data
// publisher ride out a slow subscriber at full capture rate.
const recommendedNetBuffer = 4 << 20

// CheckNetworkBuffers warns when the kernel's maximum socket-buffer sizes
// are too small for streaming captures to remote clients. It checks only;
// raising the limits requires root.
func CheckNetworkBuffers() {
	for _, key := range []string{"net.core.rmem_max", "net.core.wmem_max"} {
		size, err := netBufferLimit(key)
		if err != nil {
			// Not Linux, or /proc/sys is masked off. Nothing to check.
			return
		}
		if size < recommendedNetBuffer {
			ProblemLogger.Printf("%s is %d, want at least %d: fix with\n\tsudo sysctl -w %s=%d",
				key, size, recommendedNetBuffer, key, recommendedNetBuffer)
		}
	}
}

func netBufferLimit(key string) (int, error) {
	value, err := sysctl.Get(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(value))
}
