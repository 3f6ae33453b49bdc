package gpu

import "errors"

// Error taxonomy for the harness. UnsupportedDevice and DeviceLost are
// fatal to the driver or suite; ResourceLimit is fatal only to the current
// parameter tuple.
var (
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrResourceLimit     = errors.New("resource limit exceeded")
	ErrDeviceLost        = errors.New("device lost")
)
