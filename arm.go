package panda_arm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var Model = resource.NewModel("eyeindesk", "arm", "panda-impedance")

const (
	// joint speed above which the arm counts as moving, rad/s
	movingThreshold = 1e-3

	settlePositionTolerance = 0.002 // m
	settleAngleTolerance    = 0.01  // rad
	settleSpeedTolerance    = 0.01  // rad/s
	settlePollInterval      = 20 * time.Millisecond
	defaultSettleTimeout    = 15 * time.Second
)

func init() {
	resource.RegisterComponent(arm.API, Model,
		resource.Registration[arm.Arm, *Config]{
			Constructor: newPandaArm,
		},
	)
}

type pandaArm struct {
	resource.Named
	resource.AlwaysRebuild

	logger  logging.Logger
	cfg     *Config
	model   referenceframe.Model
	opMgr   *operation.SingleOperationManager
	key     string
	session *Session
	monitor *Monitor

	closeOnce sync.Once
	closeErr  error
}

func newPandaArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewPandaArm(ctx, rawConf.ResourceName(), conf, logger)
}

// NewPandaArm opens the configured device, starts its impedance control session
// and, if configured, the monitor server.
func NewPandaArm(ctx context.Context, name resource.Name, conf *Config, logger logging.Logger) (arm.Arm, error) {
	owner := name.String()
	key := deviceKey(conf, owner)
	if err := sessions.Acquire(key, owner); err != nil {
		return nil, err
	}

	model, err := LoadPandaModel()
	if err != nil {
		sessions.Release(key, owner)
		return nil, fmt.Errorf("failed to create kinematic model: %w", err)
	}

	device, err := OpenDevice(ctx, conf, logger)
	if err != nil {
		sessions.Release(key, owner)
		return nil, errors.Wrapf(err, "failed to open %s device", conf.Driver)
	}

	session, err := StartSession(ctx, device, conf.ControllerConfig(), conf.StateBuffer, logger)
	if err != nil {
		sessions.Release(key, owner)
		return nil, multierr.Combine(err, device.Close())
	}

	a := &pandaArm{
		Named:   name.AsNamed(),
		logger:  logger,
		cfg:     conf,
		model:   model,
		opMgr:   operation.NewSingleOperationManager(),
		key:     key,
		session: session,
	}

	if conf.MonitorPort > 0 {
		a.monitor = NewMonitor(session.Service, session.Bridge, MonitorConfig{
			Addr:   fmt.Sprintf(":%d", conf.MonitorPort),
			Period: conf.MonitorPeriod(),
		}, logger)
		if err := a.monitor.Start(); err != nil {
			return nil, multierr.Combine(err, a.Close(ctx))
		}
	}

	logger.Infof("panda arm (%s driver) started with stiffness %.1f/%.1f",
		conf.Driver, conf.TranslationalStiffness, conf.RotationalStiffness)
	return a, nil
}

func (a *pandaArm) robotInfo() (RobotInfo, error) {
	return a.session.Service.GetRobotInfo()
}

func (a *pandaArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	info, err := a.robotInfo()
	if err != nil {
		return nil, err
	}
	pose, err := PoseFromTransform(info.Transform)
	if err != nil {
		return nil, fmt.Errorf("failed to compute end position: %w", err)
	}
	return pose, nil
}

// MoveToPosition makes pose the impedance set-point and, unless extra["wait"] is
// false, blocks until the arm settles there.
func (a *pandaArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	cmd, err := TargetCommandFromPose(pose)
	if err != nil {
		return err
	}
	return a.moveTo(ctx, cmd, extra)
}

func (a *pandaArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	cmd, err := a.targetForJoints(positions)
	if err != nil {
		return err
	}
	return a.moveTo(ctx, cmd, extra)
}

func (a *pandaArm) MoveThroughJointPositions(
	ctx context.Context,
	positions [][]referenceframe.Input,
	options *arm.MoveOptions,
	extra map[string]interface{},
) error {
	for _, jointPositions := range positions {
		if err := a.MoveToJointPositions(ctx, jointPositions, extra); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// targetForJoints turns goal joints into the end-effector set-point they reach.
// The arm is redundant, so the controller may settle in another configuration
// with the same pose.
func (a *pandaArm) targetForJoints(positions []referenceframe.Input) (TargetCommand, error) {
	if len(positions) != NumJoints {
		return TargetCommand{}, fmt.Errorf("expected %d joint positions, got %d", NumJoints, len(positions))
	}
	joints := append([]float64(nil), positions...)
	for i, l := range a.model.DoF() {
		if joints[i] < l.Min {
			a.logger.Warnf("joint %d angle %.3f rad below limit %.3f rad, clamping", i+1, joints[i], l.Min)
			joints[i] = l.Min
		} else if joints[i] > l.Max {
			a.logger.Warnf("joint %d angle %.3f rad above limit %.3f rad, clamping", i+1, joints[i], l.Max)
			joints[i] = l.Max
		}
	}
	pose, err := referenceframe.ComputeOOBPosition(a.model, joints)
	if err != nil {
		return TargetCommand{}, errors.Wrap(err, "failed to compute goal pose")
	}
	return TargetCommandFromPose(pose)
}

func (a *pandaArm) moveTo(ctx context.Context, cmd TargetCommand, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	if err := a.session.Service.SetTarget(cmd); err != nil {
		return err
	}
	if wait, ok := extra["wait"].(bool); ok && !wait {
		return nil
	}

	timeout := defaultSettleTimeout
	if secs, ok := extra["timeout_sec"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	return a.waitSettled(ctx, cmd, timeout)
}

func (a *pandaArm) waitSettled(ctx context.Context, cmd TargetCommand, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	goal := cmd.Setpoint()
	for {
		info, err := a.robotInfo()
		if err != nil && !errors.Is(err, ErrNoState) {
			return err
		}
		if err == nil && settled(info, goal) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Errorf("arm did not settle on target within %v", timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func settled(info RobotInfo, goal Setpoint) bool {
	current := SetpointFromTransform(info.Transform)
	if current.Position.Sub(goal.Position).Norm() > settlePositionTolerance {
		return false
	}
	// angle between the two orientations, either cover
	dot := math.Min(1, math.Abs(quatDot(current.Orientation, goal.Orientation)))
	if 2*math.Acos(dot) > settleAngleTolerance {
		return false
	}
	return maxAbs(info.Velocities) < settleSpeedTolerance
}

func maxAbs(v [NumJoints]float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

func (a *pandaArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	info, err := a.robotInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to read joint positions: %w", err)
	}
	return info.Joints[:], nil
}

// Stop makes the current pose the set-point so the arm holds where it is.
func (a *pandaArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.opMgr.CancelRunning(ctx)
	info, err := a.robotInfo()
	if err != nil {
		return err
	}
	return a.session.Service.SetRobotTarget(info.Transform)
}

func (a *pandaArm) IsMoving(ctx context.Context) (bool, error) {
	info, err := a.robotInfo()
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return false, nil
		}
		return false, err
	}
	return maxAbs(info.Velocities) > movingThreshold, nil
}

func (a *pandaArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return a.model, nil
}

func (a *pandaArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

func (a *pandaArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

func (a *pandaArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	inputs, err := a.CurrentInputs(ctx)
	if err != nil {
		return nil, err
	}
	gif, err := a.model.Geometries(inputs)
	if err != nil {
		return nil, err
	}
	return gif.Geometries(), nil
}

// Get3DModels has no meshes to offer; the kinematics carry no mesh files.
func (a *pandaArm) Get3DModels(ctx context.Context, extra map[string]interface{}) (map[string]*commonpb.Mesh, error) {
	return map[string]*commonpb.Mesh{}, nil
}

func (a *pandaArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_mode":
		mode, err := modeFromCommand(cmd["mode"])
		if err != nil {
			return nil, err
		}
		if err := a.session.Service.SetMode(mode); err != nil {
			return nil, err
		}
		return map[string]interface{}{"mode": mode.String()}, nil

	case "get_mode":
		return map[string]interface{}{
			"mode":       a.session.Service.Mode().String(),
			"controller": a.session.Controller.Stats().Mode,
		}, nil

	case "get_robot_info":
		info, err := a.robotInfo()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"joints":     info.Joints[:],
			"velocities": info.Velocities[:],
			"transform":  info.Transform[:],
			"time_sec":   info.TimeSec,
		}, nil

	case "bridge_stats":
		stats := a.session.Bridge.Stats()
		ctrl := a.session.Controller.Stats()
		return map[string]interface{}{
			"subscribers":      stats.Subscribers,
			"command_senders":  stats.CommandSenders,
			"published":        stats.Published,
			"dropped":          stats.Dropped,
			"overwritten":      stats.Overwritten,
			"shutdown":         stats.Shutdown,
			"cycles":           ctrl.Cycles,
			"targets_applied":  ctrl.TargetsApplied,
			"saturated_cycles": ctrl.SaturatedCycles,
		}, nil

	case "session_status":
		st, held := sessions.Status(a.key)
		result := map[string]interface{}{
			"key":     a.key,
			"held":    held,
			"running": a.session.Running(),
		}
		if held {
			result["owner"] = st.Owner
			result["since"] = st.Since.Format(time.RFC3339)
		}
		if err := a.session.Err(); err != nil {
			result["error"] = err.Error()
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// modeFromCommand accepts a wire code or a mode name.
func modeFromCommand(v interface{}) (Mode, error) {
	switch m := v.(type) {
	case float64:
		if m != math.Trunc(m) {
			return ModeDrag, nil
		}
		return ModeFromCode(int(m)), nil
	case int:
		return ModeFromCode(m), nil
	case string:
		return ParseMode(strings.TrimSpace(m)), nil
	default:
		return ModeDrag, errors.Errorf("set_mode requires a 'mode' number or string, got %T", v)
	}
}

func (a *pandaArm) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.logger.Info("closing panda arm")
		a.opMgr.CancelRunning(ctx)

		var err error
		if a.monitor != nil {
			err = multierr.Append(err, a.monitor.Close(ctx))
		}
		err = multierr.Append(err, a.session.Stop(ctx))
		sessions.Release(a.key, a.Name().String())
		a.closeErr = err
	})
	return a.closeErr
}
