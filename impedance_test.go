package panda_arm

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// passthroughJacobian maps the first six joint velocities straight onto the task
// space, so J^T*F shows F in the first six torques.
func passthroughJacobian() *mat.Dense {
	j := mat.NewDense(TaskDoF, NumJoints, nil)
	for i := 0; i < TaskDoF; i++ {
		j.Set(i, i, 1)
	}
	return j
}

func stateAt(p r3.Vector, q quat.Number) RobotState {
	return RobotState{OTEE: composeTransform(p, q)}
}

func TestNewGainProfile(t *testing.T) {
	g := NewGainProfile(150, 10)
	assert.Equal(t, 150.0, g.TranslationalStiffness)
	assert.InDelta(t, math.Sqrt(150), g.TranslationalDamping, 1e-12)
	assert.Equal(t, 10.0, g.RotationalStiffness)
	assert.InDelta(t, math.Sqrt(10), g.RotationalDamping, 1e-12)

	k, d := g.Matrices()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 150.0, k.At(i, i))
		assert.Equal(t, 10.0, k.At(i+3, i+3))
		assert.InDelta(t, math.Sqrt(150), d.At(i, i), 1e-12)
		assert.InDelta(t, math.Sqrt(10), d.At(i+3, i+3), 1e-12)
	}
	assert.Equal(t, 0.0, k.At(0, 1))
}

func TestTaskForcePositionError(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 20))
	state := RobotState{OTEE: identityTransform}
	desired := Setpoint{Position: r3.Vector{X: 0.1}, Orientation: quat.Number{Real: 1}}

	taskErr := law.TaskError(state, desired)
	assert.InDelta(t, -0.1, taskErr.AtVec(0), 1e-12)
	for i := 1; i < TaskDoF; i++ {
		assert.InDelta(t, 0, taskErr.AtVec(i), 1e-12)
	}

	// error is current minus desired, so the spring pulls toward +X
	force := law.TaskForce(taskErr, passthroughJacobian(), [NumJoints]float64{})
	expected := []float64{15, 0, 0, 0, 0, 0}
	for i, want := range expected {
		assert.InDelta(t, want, force.AtVec(i), 1e-9, "component %d", i)
	}
}

func TestTorquesAtSetpointAreCoriolisOnly(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 10))
	q := quat.Number{Real: math.Cos(0.3), Imag: math.Sin(0.3)}
	p := r3.Vector{X: 0.3, Y: -0.2, Z: 0.5}
	state := stateAt(p, q)
	desired := SetpointFromTransform(state.OTEE)
	dyn := Dynamics{
		Coriolis: [NumJoints]float64{0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7},
		Jacobian: passthroughJacobian(),
	}

	tau := law.Torques(state, desired, dyn)
	for i := range tau {
		assert.InDelta(t, dyn.Coriolis[i], tau[i], 1e-9, "joint %d", i)
	}
}

func TestTorquesDamping(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 10))
	state := RobotState{OTEE: identityTransform, DQ: [NumJoints]float64{1, 0, 0, 2, 0, 0, 5}}
	desired := SetpointFromTransform(identityTransform)
	dyn := Dynamics{Jacobian: passthroughJacobian()}

	tau := law.Torques(state, desired, dyn)
	assert.InDelta(t, -math.Sqrt(150), tau[0], 1e-9)
	assert.InDelta(t, -2*math.Sqrt(10), tau[3], 1e-9)
	// joint 7 does not move the end effector through this Jacobian
	assert.InDelta(t, 0, tau[6], 1e-12)
}

func TestTaskErrorRotationPullsTowardTarget(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 10))
	half := math.Pi / 4
	desired := Setpoint{Orientation: quat.Number{Real: math.Cos(half), Imag: math.Sin(half)}}
	state := RobotState{OTEE: identityTransform}

	taskErr := law.TaskError(state, desired)
	assert.InDelta(t, -math.Sin(half), taskErr.AtVec(3), 1e-9)
	assert.InDelta(t, 0, taskErr.AtVec(4), 1e-9)
	assert.InDelta(t, 0, taskErr.AtVec(5), 1e-9)

	force := law.TaskForce(taskErr, passthroughJacobian(), [NumJoints]float64{})
	assert.Greater(t, force.AtVec(3), 0.0)
}

func TestTaskErrorDoubleCover(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 10))
	half := 179.0 / 2 * math.Pi / 180
	state := stateAt(r3.Vector{}, quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)})

	identity := Setpoint{Orientation: quat.Number{Real: 1}}
	negated := Setpoint{Orientation: quat.Number{Real: -1}}

	a := law.TaskError(state, identity)
	b := law.TaskError(state, negated)
	require.Equal(t, TaskDoF, a.Len())
	for i := 0; i < TaskDoF; i++ {
		assert.InDelta(t, a.AtVec(i), b.AtVec(i), 1e-9, "component %d", i)
	}
	// the short way back from 179 degrees, never the 181 degree one
	assert.InDelta(t, math.Sin(half), a.AtVec(5), 1e-9)
	assert.InDelta(t, 0, a.AtVec(3), 1e-9)
	assert.InDelta(t, 0, a.AtVec(4), 1e-9)
}

func TestTaskErrorIsNormalized(t *testing.T) {
	law := NewImpedanceLaw(NewGainProfile(150, 10))
	state := RobotState{OTEE: identityTransform}
	// a non-unit desired quaternion still yields a bounded error
	desired := Setpoint{Orientation: quat.Number{Real: 3}}
	taskErr := law.TaskError(state, desired)
	for i := 3; i < TaskDoF; i++ {
		assert.InDelta(t, 0, taskErr.AtVec(i), 1e-12)
	}
}
