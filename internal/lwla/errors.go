package lwla

import "errors"

// Error kinds reported by the driver. Callers classify failures with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrInvalidArgument marks a malformed call into the command layer,
	// such as an empty command or an out-of-range configuration value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDeviceBusy is returned when an acquisition is requested while
	// one is already in progress on the same device.
	ErrDeviceBusy = errors.New("acquisition still in progress")

	// ErrSampleRateUnsupported is returned for rates outside the model's
	// samplerate table.
	ErrSampleRateUnsupported = errors.New("samplerate not supported")

	// ErrIo covers USB transfer failures, short transfers and timeouts.
	ErrIo = errors.New("transfer failed")

	// ErrProtocolViolation marks a reply that does not match the shape
	// expected for the current state, a failed self test, or an engine
	// state that should be unreachable.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrResourceExhausted is returned when an acquisition record or one
	// of its transfer buffers cannot be set up within the transport's
	// capacity.
	ErrResourceExhausted = errors.New("resource exhausted")
)
