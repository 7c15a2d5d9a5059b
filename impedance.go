package panda_arm

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// TaskDoF is the dimension of the Cartesian task space (3 translational, 3 rotational).
const TaskDoF = 6

// GainProfile holds the Cartesian impedance gains. It is fixed for the lifetime of
// a controller.
type GainProfile struct {
	TranslationalStiffness float64
	TranslationalDamping   float64
	RotationalStiffness    float64
	RotationalDamping      float64
}

// NewGainProfile uses sqrt(stiffness) for the damping of each part.
func NewGainProfile(translationalStiffness, rotationalStiffness float64) GainProfile {
	return GainProfile{
		TranslationalStiffness: translationalStiffness,
		TranslationalDamping:   math.Sqrt(translationalStiffness),
		RotationalStiffness:    rotationalStiffness,
		RotationalDamping:      math.Sqrt(rotationalStiffness),
	}
}

// Matrices expands the profile into 6x6 diagonal stiffness and damping matrices.
func (g GainProfile) Matrices() (stiffness, damping *mat.DiagDense) {
	kt, kr := g.TranslationalStiffness, g.RotationalStiffness
	dt, dr := g.TranslationalDamping, g.RotationalDamping
	stiffness = mat.NewDiagDense(TaskDoF, []float64{kt, kt, kt, kr, kr, kr})
	damping = mat.NewDiagDense(TaskDoF, []float64{dt, dt, dt, dr, dr, dr})
	return stiffness, damping
}

// Dynamics is what the device's model supplies for one state.
type Dynamics struct {
	Coriolis [NumJoints]float64
	// Jacobian is the 6x7 zero Jacobian of the end effector in the base frame.
	Jacobian *mat.Dense
}

// ImpedanceLaw maps the current state and a desired pose to joint torques. It has
// no state of its own beyond the gain matrices and is safe to share.
type ImpedanceLaw struct {
	stiffness *mat.DiagDense
	damping   *mat.DiagDense
}

// NewImpedanceLaw expands the gain profile once.
func NewImpedanceLaw(gains GainProfile) *ImpedanceLaw {
	k, d := gains.Matrices()
	return &ImpedanceLaw{stiffness: k, damping: d}
}

// TaskError is the stacked position and orientation error of the end effector.
func (l *ImpedanceLaw) TaskError(state RobotState, desired Setpoint) *mat.VecDense {
	posErr := state.Position().Sub(desired.Position)

	current := state.Orientation()
	orientation := current
	if quatDot(desired.Orientation, orientation) < 0 {
		orientation = quat.Scale(-1, orientation)
	}
	orientation = normalizeQuat(orientation)

	// unit quaternion: inverse is the conjugate
	errQuat := quat.Mul(quat.Conj(orientation), desired.Orientation)
	rotErr := rotateVector(current, r3.Vector{X: errQuat.Imag, Y: errQuat.Jmag, Z: errQuat.Kmag}).Mul(-1)

	return mat.NewVecDense(TaskDoF, []float64{
		posErr.X, posErr.Y, posErr.Z,
		rotErr.X, rotErr.Y, rotErr.Z,
	})
}

// TaskForce is the Cartesian wrench -K*e - D*(J*dq).
func (l *ImpedanceLaw) TaskForce(taskErr *mat.VecDense, jacobian mat.Matrix, dq [NumJoints]float64) *mat.VecDense {
	var velocity mat.VecDense
	velocity.MulVec(jacobian, mat.NewVecDense(NumJoints, dq[:]))

	var spring, damper, force mat.VecDense
	spring.MulVec(l.stiffness, taskErr)
	damper.MulVec(l.damping, &velocity)
	force.AddVec(&spring, &damper)
	force.ScaleVec(-1, &force)
	return &force
}

// Torques computes the joint torque command: J^T * F plus Coriolis compensation.
func (l *ImpedanceLaw) Torques(state RobotState, desired Setpoint, dyn Dynamics) Torques {
	force := l.TaskForce(l.TaskError(state, desired), dyn.Jacobian, state.DQ)

	var taskTorque mat.VecDense
	taskTorque.MulVec(dyn.Jacobian.T(), force)

	var tau Torques
	for i := range tau {
		tau[i] = taskTorque.AtVec(i) + dyn.Coriolis[i]
	}
	return tau
}
