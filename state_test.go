package panda_arm

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

func assertSameRotation(t *testing.T, want, got quat.Number) {
	t.Helper()
	if quatDot(want, got) < 0 {
		got = quat.Scale(-1, got)
	}
	assert.InDelta(t, want.Real, got.Real, 1e-9)
	assert.InDelta(t, want.Imag, got.Imag, 1e-9)
	assert.InDelta(t, want.Jmag, got.Jmag, 1e-9)
	assert.InDelta(t, want.Kmag, got.Kmag, 1e-9)
}

func TestTransformQuaternionRoundTrip(t *testing.T) {
	q := normalizeQuat(quat.Number{Real: 0.3, Imag: -0.5, Jmag: 0.7, Kmag: 0.2})
	p := r3.Vector{X: 0.4, Y: -0.2, Z: 0.6}
	tf := composeTransform(p, q)
	require.NoError(t, validateTransform(tf))

	state := RobotState{OTEE: tf}
	assert.Equal(t, p, state.Position())
	assertSameRotation(t, q, state.Orientation())
	assertSameRotation(t, spatialmath.QuatToRotationMatrix(q).Quaternion(), state.Orientation())

	// columns are the rotated basis axes, q v q*
	for i, axis := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		r := quat.Mul(quat.Mul(q, quat.Number{Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z}), quat.Conj(q))
		assert.InDelta(t, r.Imag, tf[4*i], 1e-12)
		assert.InDelta(t, r.Jmag, tf[4*i+1], 1e-12)
		assert.InDelta(t, r.Kmag, tf[4*i+2], 1e-12)
	}
}

func TestRotateVector(t *testing.T) {
	q := quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)}
	v := rotateVector(q, r3.Vector{X: 1})
	assert.InDelta(t, 0, v.X, 1e-12)
	assert.InDelta(t, 1, v.Y, 1e-12)
	assert.InDelta(t, 0, v.Z, 1e-12)

	v = rotateVector(quat.Number{Real: 1}, r3.Vector{X: 1, Y: 2, Z: 3})
	assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 3}, v)
}

func TestPoseFromTransformKeepsHandedness(t *testing.T) {
	// +90 degrees about Z; a transposed read would report -90
	q := quat.Number{Real: math.Cos(math.Pi / 4), Kmag: math.Sin(math.Pi / 4)}
	tf := composeTransform(r3.Vector{X: 0.1}, q)

	pose, err := PoseFromTransform(tf)
	require.NoError(t, err)
	assert.InDelta(t, 100, pose.Point().X, 1e-9)
	assertSameRotation(t, q, pose.Orientation().Quaternion())
	assert.InDelta(t, 90, pose.Orientation().EulerAngles().Yaw*180/math.Pi, 1e-9)

	back := TransformFromPose(pose)
	for i := range tf {
		assert.InDelta(t, tf[i], back[i], 1e-9)
	}

	bad := tf
	bad[0] = math.NaN()
	_, err = PoseFromTransform(bad)
	assert.ErrorIs(t, err, ErrMalformedTarget)
}
