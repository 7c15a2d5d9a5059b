package panda_arm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"
)

// ControlCallback is invoked once per device control cycle with the measured state
// and the time since the previous cycle. It returns the torque command and whether
// the motion is finished.
type ControlCallback func(state RobotState, step time.Duration) (Torques, bool)

// ControlOptions are passed through to the device's torque control loop.
type ControlOptions struct {
	// LimitRate asks the device to rate-limit the commanded torques.
	LimitRate bool
	// CutoffFrequency of the device-side low-pass filter in Hz, 0 to disable.
	CutoffFrequency float64
}

// CollisionThresholds configures the device's contact reflex.
type CollisionThresholds struct {
	LowerTorque [NumJoints]float64
	UpperTorque [NumJoints]float64
	LowerForce  [TaskDoF]float64
	UpperForce  [TaskDoF]float64
}

// UniformCollisionThresholds uses the same threshold for every joint and axis.
func UniformCollisionThresholds(v float64) CollisionThresholds {
	var c CollisionThresholds
	for i := range c.LowerTorque {
		c.LowerTorque[i], c.UpperTorque[i] = v, v
	}
	for i := range c.LowerForce {
		c.LowerForce[i], c.UpperForce[i] = v, v
	}
	return c
}

// DynamicsModel supplies the model terms the impedance law needs for a state.
type DynamicsModel interface {
	Coriolis(state RobotState) [NumJoints]float64
	// ZeroJacobian is the 6x7 end-effector Jacobian expressed in the base frame.
	ZeroJacobian(state RobotState) *mat.Dense
}

// Device is the hardware transport of one arm.
type Device interface {
	ReadOnce(ctx context.Context) (RobotState, error)
	LoadModel(ctx context.Context, persistent bool) (DynamicsModel, error)
	SetCollisionBehavior(ctx context.Context, thresholds CollisionThresholds) error
	AutomaticErrorRecovery(ctx context.Context) error
	// ControlTorques runs the device control loop, calling cb every cycle until it
	// reports the motion finished, the device faults or ctx is done.
	ControlTorques(ctx context.Context, cb ControlCallback, opts ControlOptions) error
	Close() error
}

// DeviceFactory opens a device for a validated config.
type DeviceFactory func(ctx context.Context, cfg *Config, logger logging.Logger) (Device, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]DeviceFactory{}
)

// RegisterDeviceDriver makes a hardware transport available under name. It panics
// on a duplicate name, like resource registration does.
func RegisterDeviceDriver(name string, factory DeviceFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		panic(errors.Errorf("device driver %q already registered", name))
	}
	drivers[name] = factory
}

// DeviceDrivers lists the registered driver names.
func DeviceDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenDevice opens the device named by cfg.Driver.
func OpenDevice(ctx context.Context, cfg *Config, logger logging.Logger) (Device, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown device driver %q (have %v)", cfg.Driver, DeviceDrivers())
	}
	return factory(ctx, cfg, logger)
}
