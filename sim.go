package panda_arm

import (
	"context"
	_ "embed"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// SimDriverName selects the simulated arm.
const SimDriverName = "sim"

//go:embed panda_kinematics.json
var pandaModelJSON []byte

// ReadyPose is the joint configuration the simulated arm starts in.
var ReadyPose = [NumJoints]float64{0, -math.Pi / 4, 0, -3 * math.Pi / 4, 0, math.Pi / 2, math.Pi / 4}

const (
	defaultSimInertia  = 0.5 // kg m^2 per joint
	defaultSimFriction = 2.0 // Nm s/rad
	jacobianStep       = 1e-6
	// largest torque change per second the device accepts when rate limiting
	maxTorqueRate = 1000.0
)

func init() {
	RegisterDeviceDriver(SimDriverName, func(ctx context.Context, cfg *Config, logger logging.Logger) (Device, error) {
		return NewSimDevice(SimOptions{Period: cfg.ControlPeriod(), Realtime: true}, logger)
	})
}

// LoadPandaModel parses the embedded kinematics of the arm.
func LoadPandaModel() (referenceframe.Model, error) {
	m := &referenceframe.ModelConfigJSON{
		OriginalFile: &referenceframe.ModelFile{
			Bytes:     pandaModelJSON,
			Extension: "json",
		},
	}
	if err := json.Unmarshal(pandaModelJSON, m); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal json file")
	}
	return m.ParseConfig("panda")
}

// SimOptions configures a simulated arm.
type SimOptions struct {
	// Period is the simulated control cycle, 1ms if unset.
	Period time.Duration
	// Realtime paces cycles with a wall clock ticker; otherwise cycles run back to
	// back with simulated time only.
	Realtime bool
	// Initial joint positions, ReadyPose if nil.
	Initial []float64
	// Inertia and Friction of every joint; defaults apply when zero.
	Inertia  float64
	Friction float64
}

// SimDevice integrates decoupled joint dynamics under the commanded torques and
// computes the end-effector pose from the arm's kinematic model. Gravity is
// assumed compensated, as it is by the real device.
type SimDevice struct {
	logger logging.Logger
	model  referenceframe.Model
	opts   SimOptions

	mu         sync.Mutex
	q          [NumJoints]float64
	dq         [NumJoints]float64
	lastTau    Torques
	elapsed    time.Duration
	thresholds CollisionThresholds
	limits     [NumJoints][2]float64
	faulted    error
	running    bool
	closed     bool
	recoveries int
}

// NewSimDevice builds a simulated arm resting at the initial pose.
func NewSimDevice(opts SimOptions, logger logging.Logger) (*SimDevice, error) {
	model, err := LoadPandaModel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kinematic model")
	}
	if opts.Period <= 0 {
		opts.Period = time.Millisecond
	}
	if opts.Inertia <= 0 {
		opts.Inertia = defaultSimInertia
	}
	if opts.Friction < 0 {
		return nil, errors.Errorf("friction must not be negative, got %v", opts.Friction)
	}
	if opts.Friction == 0 {
		opts.Friction = defaultSimFriction
	}

	d := &SimDevice{
		logger:     logger,
		model:      model,
		opts:       opts,
		q:          ReadyPose,
		thresholds: UniformCollisionThresholds(DefaultCollisionThreshold),
	}
	if opts.Initial != nil {
		if len(opts.Initial) != NumJoints {
			return nil, errors.Errorf("expected %d initial joint positions, got %d", NumJoints, len(opts.Initial))
		}
		copy(d.q[:], opts.Initial)
	}

	dof := model.DoF()
	if len(dof) != NumJoints {
		return nil, errors.Errorf("kinematic model has %d joints, expected %d", len(dof), NumJoints)
	}
	for i, l := range dof {
		d.limits[i] = [2]float64{l.Min, l.Max}
	}
	return d, nil
}

// Model is the kinematic model the sim integrates against.
func (d *SimDevice) Model() referenceframe.Model {
	return d.model
}

func (d *SimDevice) ReadOnce(ctx context.Context) (RobotState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return RobotState{}, errors.New("sim device is closed")
	}
	return d.snapshotLocked()
}

func (d *SimDevice) LoadModel(ctx context.Context, persistent bool) (DynamicsModel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("sim device is closed")
	}
	return &simDynamics{model: d.model}, nil
}

func (d *SimDevice) SetCollisionBehavior(ctx context.Context, thresholds CollisionThresholds) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("collision behavior cannot change during a control session")
	}
	d.thresholds = thresholds
	return nil
}

func (d *SimDevice) AutomaticErrorRecovery(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faulted != nil {
		d.logger.Infof("sim: recovering from %v", d.faulted)
		d.recoveries++
	}
	d.faulted = nil
	d.dq = [NumJoints]float64{}
	d.lastTau = Torques{}
	return nil
}

// ControlTorques runs the simulated control loop.
func (d *SimDevice) ControlTorques(ctx context.Context, cb ControlCallback, opts ControlOptions) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return errors.New("sim device is closed")
	case d.faulted != nil:
		err := d.faulted
		d.mu.Unlock()
		return errors.Wrap(err, "device is in reflex mode, run error recovery first")
	case d.running:
		d.mu.Unlock()
		return errors.New("a control session is already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	var tick <-chan time.Time
	if d.opts.Realtime {
		ticker := time.NewTicker(d.opts.Period)
		defer ticker.Stop()
		tick = ticker.C
	}

	step := time.Duration(0)
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		d.mu.Lock()
		state, err := d.snapshotLocked()
		d.mu.Unlock()
		if err != nil {
			return err
		}

		tau, finished := cb(state, step)
		if finished {
			return nil
		}

		d.mu.Lock()
		err = d.applyLocked(tau, opts)
		d.mu.Unlock()
		if err != nil {
			return err
		}
		step = d.opts.Period
	}
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *SimDevice) snapshotLocked() (RobotState, error) {
	pose, err := referenceframe.ComputeOOBPosition(d.model, d.q[:])
	if err != nil {
		return RobotState{}, errors.Wrap(err, "failed to compute end position")
	}
	return RobotState{
		Q:    d.q,
		DQ:   d.dq,
		OTEE: TransformFromPose(pose),
		Time: d.elapsed,
	}, nil
}

func (d *SimDevice) applyLocked(tau Torques, opts ControlOptions) error {
	dt := d.opts.Period.Seconds()

	if opts.LimitRate {
		maxDelta := maxTorqueRate * dt
		for i := range tau {
			delta := tau[i] - d.lastTau[i]
			tau[i] = d.lastTau[i] + math.Max(-maxDelta, math.Min(maxDelta, delta))
		}
	}
	if opts.CutoffFrequency > 0 {
		k := 2 * math.Pi * opts.CutoffFrequency * dt
		gain := k / (k + 1)
		for i := range tau {
			tau[i] = gain*tau[i] + (1-gain)*d.lastTau[i]
		}
	}

	for i, t := range tau {
		if math.IsNaN(t) || t > d.thresholds.UpperTorque[i] || t < -d.thresholds.UpperTorque[i] {
			d.faulted = errors.Wrapf(ErrCollisionReflex, "joint %d torque %.3f Nm", i+1, t)
			return d.faulted
		}
	}

	for i := range d.q {
		ddq := (tau[i] - d.opts.Friction*d.dq[i]) / d.opts.Inertia
		d.dq[i] += ddq * dt
		d.q[i] += d.dq[i] * dt

		lo, hi := d.limits[i][0], d.limits[i][1]
		if d.q[i] < lo {
			d.q[i], d.dq[i] = lo, 0
		} else if d.q[i] > hi {
			d.q[i], d.dq[i] = hi, 0
		}
	}
	d.lastTau = tau
	d.elapsed += d.opts.Period
	return nil
}

// simDynamics differentiates the kinematic model numerically. The sim's joints
// are decoupled, so it has no Coriolis terms.
type simDynamics struct {
	model referenceframe.Model
}

func (m *simDynamics) Coriolis(RobotState) [NumJoints]float64 {
	return [NumJoints]float64{}
}

func (m *simDynamics) ZeroJacobian(state RobotState) *mat.Dense {
	jac := mat.NewDense(TaskDoF, NumJoints, nil)
	for i := 0; i < NumJoints; i++ {
		plus, minus := state.Q, state.Q
		plus[i] += jacobianStep
		minus[i] -= jacobianStep

		pp, qp, err := m.forward(plus)
		if err != nil {
			return mat.NewDense(TaskDoF, NumJoints, nil)
		}
		pm, qm, err := m.forward(minus)
		if err != nil {
			return mat.NewDense(TaskDoF, NumJoints, nil)
		}

		v := pp.Sub(pm).Mul(1 / (2 * jacobianStep))
		// base-frame rotation between the two samples, small-angle axis*angle
		rel := quat.Mul(qp, quat.Conj(qm))
		if rel.Real < 0 {
			rel = quat.Scale(-1, rel)
		}
		w := r3.Vector{X: rel.Imag, Y: rel.Jmag, Z: rel.Kmag}.Mul(1 / jacobianStep)

		jac.SetCol(i, []float64{v.X, v.Y, v.Z, w.X, w.Y, w.Z})
	}
	return jac
}

func (m *simDynamics) forward(q [NumJoints]float64) (r3.Vector, quat.Number, error) {
	pose, err := referenceframe.ComputeOOBPosition(m.model, q[:])
	if err != nil {
		return r3.Vector{}, quat.Number{}, err
	}
	return pose.Point().Mul(1 / mmPerMeter), normalizeQuat(pose.Orientation().Quaternion()), nil
}
