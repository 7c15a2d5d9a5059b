package panda_arm

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// NumJoints is the number of actuated joints on the arm.
const NumJoints = 7

// Poses cross the Viam API in millimeters; the controller works in meters.
const mmPerMeter = 1000.0

// Torques is one joint torque command, in Nm.
type Torques [NumJoints]float64

// RobotState is the per-cycle snapshot reported by the device.
// OTEE is the base-to-end-effector transform, column-major 4x4.
type RobotState struct {
	Q    [NumJoints]float64
	DQ   [NumJoints]float64
	OTEE [16]float64
	Time time.Duration
}

// Position returns the end-effector translation in meters.
func (s RobotState) Position() r3.Vector {
	return r3.Vector{X: s.OTEE[12], Y: s.OTEE[13], Z: s.OTEE[14]}
}

// Orientation returns the end-effector rotation as a unit quaternion.
func (s RobotState) Orientation() quat.Number {
	return rotationToQuat(s.OTEE)
}

// Setpoint is the desired end-effector pose tracked by the impedance law.
type Setpoint struct {
	Position    r3.Vector
	Orientation quat.Number
}

// SetpointFromTransform splits a column-major homogeneous transform.
func SetpointFromTransform(t [16]float64) Setpoint {
	return Setpoint{
		Position:    r3.Vector{X: t[12], Y: t[13], Z: t[14]},
		Orientation: rotationToQuat(t),
	}
}

// TargetCommand is a desired end-effector transform, column-major, in meters.
type TargetCommand struct {
	Transform [16]float64
}

// Setpoint converts the command to the form consumed by the impedance law.
func (c TargetCommand) Setpoint() Setpoint {
	return SetpointFromTransform(c.Transform)
}

// NewTargetCommand validates a transform before it may reach the control law.
func NewTargetCommand(transform [16]float64) (TargetCommand, error) {
	if err := validateTransform(transform); err != nil {
		return TargetCommand{}, err
	}
	return TargetCommand{Transform: transform}, nil
}

// TargetCommandFromPose converts a Viam pose (millimeters) into a target command.
func TargetCommandFromPose(pose spatialmath.Pose) (TargetCommand, error) {
	if pose == nil {
		return TargetCommand{}, errors.Wrap(ErrMalformedTarget, "nil pose")
	}
	if quat.Abs(pose.Orientation().Quaternion()) == 0 {
		return TargetCommand{}, errors.Wrap(ErrMalformedTarget, "zero quaternion")
	}
	return NewTargetCommand(TransformFromPose(pose))
}

// TransformFromPose converts a Viam pose (millimeters) into a column-major
// transform in meters.
func TransformFromPose(pose spatialmath.Pose) [16]float64 {
	q := normalizeQuat(pose.Orientation().Quaternion())
	return composeTransform(pose.Point().Mul(1/mmPerMeter), q)
}

// PoseFromTransform converts a column-major transform in meters to a Viam pose.
func PoseFromTransform(t [16]float64) (spatialmath.Pose, error) {
	if err := validateTransform(t); err != nil {
		return nil, err
	}
	p := r3.Vector{X: t[12], Y: t[13], Z: t[14]}.Mul(mmPerMeter)
	return spatialmath.NewPose(p, rotationFromTransform(t)), nil
}

// Mode selects the per-cycle control behavior.
type Mode int

const (
	// ModeTarget tracks the current set-point with the impedance law.
	ModeTarget Mode = iota
	// ModeDrag commands zero torque so the arm can be moved by hand.
	ModeDrag
)

func (m Mode) String() string {
	switch m {
	case ModeTarget:
		return "target"
	case ModeDrag:
		return "drag"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ModeFromCode maps the wire code to a mode. Only 0 selects Target; every other
// code, recognized or not, selects Drag.
func ModeFromCode(code int) Mode {
	if code == int(ModeTarget) {
		return ModeTarget
	}
	return ModeDrag
}

// ParseMode maps a mode name to a mode, falling back to Drag.
func ParseMode(name string) Mode {
	if strings.EqualFold(strings.TrimSpace(name), ModeTarget.String()) {
		return ModeTarget
	}
	return ModeDrag
}

const orthonormalTolerance = 1e-6

func validateTransform(t [16]float64) error {
	for i, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrMalformedTarget, "element %d is not finite", i)
		}
	}
	if t[3] != 0 || t[7] != 0 || t[11] != 0 || t[15] != 1 {
		return errors.Wrap(ErrMalformedTarget, "bottom row must be [0 0 0 1]")
	}
	cols := [3]r3.Vector{
		{X: t[0], Y: t[1], Z: t[2]},
		{X: t[4], Y: t[5], Z: t[6]},
		{X: t[8], Y: t[9], Z: t[10]},
	}
	for i := range cols {
		for j := i; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(cols[i].Dot(cols[j])-want) > orthonormalTolerance {
				return errors.Wrap(ErrMalformedTarget, "rotation is not orthonormal")
			}
		}
	}
	if cols[0].Cross(cols[1]).Dot(cols[2]) < 0 {
		return errors.Wrap(ErrMalformedTarget, "rotation is a reflection")
	}
	return nil
}

// rotationFromTransform views the rotation block of a column-major transform
// the way spatialmath stores it: row i is the image of basis axis i.
func rotationFromTransform(t [16]float64) *spatialmath.RotationMatrix {
	rm, err := spatialmath.NewRotationMatrix([]float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	})
	if err != nil {
		return spatialmath.QuatToRotationMatrix(quat.Number{Real: 1})
	}
	return rm
}

func rotationToQuat(t [16]float64) quat.Number {
	return rotationFromTransform(t).Quaternion()
}

// composeTransform builds a column-major transform from a translation and a unit
// quaternion.
func composeTransform(p r3.Vector, q quat.Number) [16]float64 {
	rm := spatialmath.QuatToRotationMatrix(q)
	x, y, z := rm.Row(0), rm.Row(1), rm.Row(2)
	return [16]float64{
		x.X, x.Y, x.Z, 0,
		y.X, y.Y, y.Z, 0,
		z.X, z.Y, z.Z, 0,
		p.X, p.Y, p.Z, 1,
	}
}

// rotateVector applies the rotation q to v. spatialmath stores the transpose,
// so multiplying through the conjugate yields R(q)v.
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	return spatialmath.QuatToRotationMatrix(quat.Conj(q)).Mul(v)
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

func quatDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// identityTransform is the column-major 4x4 identity.
var identityTransform = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
