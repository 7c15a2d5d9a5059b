package panda_arm

import "math"

// MaxJointTorque is the hardware-imposed bound on every commanded joint torque (Nm).
const MaxJointTorque = 12.0

// SafetyGovernor clamps torque commands and turns a lost command channel into a
// stop of the control session.
type SafetyGovernor struct {
	limit float64
}

// NewSafetyGovernor returns a governor bounded by MaxJointTorque.
func NewSafetyGovernor() SafetyGovernor {
	return SafetyGovernor{limit: MaxJointTorque}
}

// Clamp restricts every component to [-limit, limit]. NaN components are zeroed.
func (g SafetyGovernor) Clamp(tau Torques) Torques {
	for i, v := range tau {
		switch {
		case math.IsNaN(v):
			tau[i] = 0
		case v > g.limit:
			tau[i] = g.limit
		case v < -g.limit:
			tau[i] = -g.limit
		}
	}
	return tau
}

// Govern applies the clamp and reports whether the motion is finished. Once no
// commander can ever send again the session ends with zero torque.
func (g SafetyGovernor) Govern(tau Torques, commandsClosed bool) (Torques, bool) {
	if commandsClosed {
		return Torques{}, true
	}
	return g.Clamp(tau), false
}
