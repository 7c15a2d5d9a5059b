package panda_arm

import "github.com/pkg/errors"

var (
	// ErrDisconnected is returned by bridge operations once the other side is gone.
	ErrDisconnected = errors.New("control bridge disconnected")

	// ErrSessionClosed is returned to RPC callers when no control session is running.
	ErrSessionClosed = errors.New("no active control session")

	// ErrNoState is returned when no robot state has been published to a subscriber yet.
	ErrNoState = errors.New("no robot state published yet")

	// ErrMalformedTarget rejects a target transform that is not a finite rigid transform.
	ErrMalformedTarget = errors.New("malformed target transform")

	// ErrDeviceFault wraps an error reported by the device during a control session.
	ErrDeviceFault = errors.New("device fault")

	// ErrCollisionReflex is the fault raised when a commanded torque crosses the
	// device's collision threshold.
	ErrCollisionReflex = errors.New("collision reflex triggered")
)

// DeviceFaultError carries the device error that ended a control session. It
// matches ErrDeviceFault under errors.Is and unwraps to the device error.
type DeviceFaultError struct {
	Err error
}

func (e *DeviceFaultError) Error() string {
	return ErrDeviceFault.Error() + ": " + e.Err.Error()
}

func (e *DeviceFaultError) Unwrap() error {
	return e.Err
}

// Is reports ErrDeviceFault as a match.
func (e *DeviceFaultError) Is(target error) bool {
	return target == ErrDeviceFault
}
