package panda_arm

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ControllerConfig is the fixed setup of one control session.
type ControllerConfig struct {
	Gains     GainProfile
	Collision CollisionThresholds
	Options   ControlOptions
}

// DefaultControllerConfig matches the gains and thresholds the arm ships with.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Gains:     NewGainProfile(DefaultTranslationalStiffness, DefaultRotationalStiffness),
		Collision: UniformCollisionThresholds(DefaultCollisionThreshold),
	}
}

// ControllerStats are the cycle counters of a control session.
type ControllerStats struct {
	Cycles          uint64 `json:"cycles"`
	TargetsApplied  uint64 `json:"targets_applied"`
	ModeChanges     uint64 `json:"mode_changes"`
	SaturatedCycles uint64 `json:"saturated_cycles"`
	Mode            string `json:"mode"`
	Finished        bool   `json:"finished"`
}

// RobotController owns the device and its dynamics model and runs one torque
// control session. The set-point and mode live here between cycles.
type RobotController struct {
	device   Device
	model    DynamicsModel
	bridge   *ControlBridge
	law      *ImpedanceLaw
	governor SafetyGovernor
	opts     ControlOptions
	logger   logging.Logger

	// touched only from the control loop
	setpoint Setpoint
	modes    *ModeStateMachine

	cycles     atomic.Uint64
	targets    atomic.Uint64
	modeSwaps  atomic.Uint64
	saturated  atomic.Uint64
	activeMode atomic.Int32
	finished   atomic.Bool
}

// NewRobotController does the one-time device setup: a single error recovery
// attempt, collision thresholds, loading the dynamics model, and seeding the
// set-point with the pose the arm is resting in.
func NewRobotController(
	ctx context.Context,
	device Device,
	bridge *ControlBridge,
	cfg ControllerConfig,
	logger logging.Logger,
) (*RobotController, error) {
	if err := device.AutomaticErrorRecovery(ctx); err != nil {
		return nil, errors.Wrap(err, "automatic error recovery failed")
	}
	if err := device.SetCollisionBehavior(ctx, cfg.Collision); err != nil {
		return nil, errors.Wrap(err, "failed to set collision behavior")
	}
	model, err := device.LoadModel(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dynamics model")
	}
	initial, err := device.ReadOnce(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read initial state")
	}

	c := &RobotController{
		device:   device,
		model:    model,
		bridge:   bridge,
		law:      NewImpedanceLaw(cfg.Gains),
		governor: NewSafetyGovernor(),
		opts:     cfg.Options,
		logger:   logger,
		setpoint: SetpointFromTransform(initial.OTEE),
		modes:    NewModeStateMachine(),
	}
	c.activeMode.Store(int32(ModeTarget))

	p := c.setpoint.Position
	logger.Infof("controller ready, holding initial pose at (%.4f, %.4f, %.4f) m", p.X, p.Y, p.Z)
	return c, nil
}

// Step is one control cycle. A command pending in the same cycle as a mode change
// is applied to the set-point before the mode decides whether it is tracked.
func (c *RobotController) Step(state RobotState, _ time.Duration) (Torques, bool) {
	c.cycles.Add(1)

	cmd, ok, err := c.bridge.TryTakeCommand()
	commandsClosed := errors.Is(err, ErrDisconnected)
	if ok {
		c.setpoint = cmd.Setpoint()
		c.targets.Add(1)
	}

	if mode, ok := c.bridge.TryTakeMode(); ok {
		if c.modes.Apply(mode) {
			c.modeSwaps.Add(1)
			c.activeMode.Store(int32(mode))
		}
	}

	raw := c.modes.Output(func() Torques {
		return c.law.Torques(state, c.setpoint, Dynamics{
			Coriolis: c.model.Coriolis(state),
			Jacobian: c.model.ZeroJacobian(state),
		})
	})

	tau, finished := c.governor.Govern(raw, commandsClosed)
	if !finished && tau != raw {
		c.saturated.Add(1)
	}
	if finished {
		c.finished.Store(true)
	}

	c.bridge.PublishState(state)
	return tau, finished
}

// Run drives the device's torque control loop on a locked OS thread until the
// command channel closes, the device faults or ctx is done. A device fault is
// returned as a *DeviceFaultError and is never retried. The bridge is shut down
// whichever way the session ends.
func (c *RobotController) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer c.bridge.Shutdown()

	c.logger.Info("starting torque control session")
	err := c.device.ControlTorques(ctx, c.Step, c.opts)

	stats := c.Stats()
	switch {
	case err == nil:
		c.logger.Infof("control session finished after %d cycles", stats.Cycles)
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		c.logger.Infof("control session cancelled after %d cycles", stats.Cycles)
		return nil
	default:
		c.logger.Errorf("control session ended by device fault after %d cycles: %v", stats.Cycles, err)
		return &DeviceFaultError{Err: err}
	}
}

// Stats may be called from any goroutine.
func (c *RobotController) Stats() ControllerStats {
	return ControllerStats{
		Cycles:          c.cycles.Load(),
		TargetsApplied:  c.targets.Load(),
		ModeChanges:     c.modeSwaps.Load(),
		SaturatedCycles: c.saturated.Load(),
		Mode:            Mode(c.activeMode.Load()).String(),
		Finished:        c.finished.Load(),
	}
}

// Close releases the device.
func (c *RobotController) Close() error {
	return c.device.Close()
}
