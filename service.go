package panda_arm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// RobotInfo is the reply of GetRobotInfo.
type RobotInfo struct {
	Joints     [NumJoints]float64 `json:"joints"`
	Velocities [NumJoints]float64 `json:"velocities"`
	// Transform is the end-effector pose in the base frame, column-major, meters.
	Transform [16]float64 `json:"transform"`
	TimeSec   float64     `json:"time_sec"`
}

func robotInfoFromState(s RobotState) RobotInfo {
	return RobotInfo{
		Joints:     s.Q,
		Velocities: s.DQ,
		Transform:  s.OTEE,
		TimeSec:    s.Time.Seconds(),
	}
}

// RobotService is the request-facing side of a control session. It owns one state
// subscription and one command and mode sender on the bridge. Closing the last
// service of a session stops the control loop.
type RobotService struct {
	bridge   *ControlBridge
	sub      *StateSubscription
	commands *CommandSender
	modes    *ModeSender

	mode      atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRobotService attaches to a running bridge.
func NewRobotService(bridge *ControlBridge) (*RobotService, error) {
	commands, err := bridge.NewCommandSender()
	if err != nil {
		return nil, sessionErr(err)
	}
	modes, err := bridge.NewModeSender()
	if err != nil {
		commands.Close()
		return nil, sessionErr(err)
	}
	s := &RobotService{
		bridge:   bridge,
		sub:      bridge.SubscribeLatest(),
		commands: commands,
		modes:    modes,
	}
	s.mode.Store(int32(ModeTarget))
	return s, nil
}

// GetRobotInfo returns the newest published state without waiting. It fails with
// ErrNoState until the control loop has published once, and with
// ErrSessionClosed after it has exited.
func (s *RobotService) GetRobotInfo() (RobotInfo, error) {
	if s.closed.Load() {
		return RobotInfo{}, ErrSessionClosed
	}
	state, err := s.sub.Latest()
	if err != nil {
		return RobotInfo{}, sessionErr(err)
	}
	return robotInfoFromState(state), nil
}

// WaitForState blocks until the control loop has published at least once.
func (s *RobotService) WaitForState(ctx context.Context) (RobotInfo, error) {
	if info, err := s.GetRobotInfo(); !errors.Is(err, ErrNoState) {
		return info, err
	}
	state, err := s.sub.Recv(ctx)
	if err != nil {
		return RobotInfo{}, sessionErr(err)
	}
	return robotInfoFromState(state), nil
}

// SetRobotTarget validates transform and hands it to the control loop.
func (s *RobotService) SetRobotTarget(transform [16]float64) error {
	cmd, err := NewTargetCommand(transform)
	if err != nil {
		return err
	}
	return s.SetTarget(cmd)
}

// SetTarget hands an already validated command to the control loop.
func (s *RobotService) SetTarget(cmd TargetCommand) error {
	return sessionErr(s.commands.Send(cmd))
}

// SetRobotMode delivers a mode by wire code. Codes other than 0 select Drag.
func (s *RobotService) SetRobotMode(code int) error {
	return s.SetMode(ModeFromCode(code))
}

// SetMode delivers a mode to the control loop.
func (s *RobotService) SetMode(m Mode) error {
	if err := s.modes.Send(m); err != nil {
		return sessionErr(err)
	}
	s.mode.Store(int32(m))
	return nil
}

// Mode is the last mode delivered through this service.
func (s *RobotService) Mode() Mode {
	return Mode(s.mode.Load())
}

// Stats exposes the underlying bridge counters.
func (s *RobotService) Stats() BridgeStats {
	return s.bridge.Stats()
}

// Close releases the subscription and both senders.
func (s *RobotService) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bridge.Unsubscribe(s.sub)
		s.modes.Close()
		s.commands.Close()
	})
}

// sessionErr maps a lost control loop to the error RPC callers see.
func sessionErr(err error) error {
	if errors.Is(err, ErrDisconnected) {
		return ErrSessionClosed
	}
	return err
}
