package panda_arm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var TeachSensorModel = resource.NewModel("eyeindesk", "sensor", "panda-teach")

const (
	defaultTeachFile       = "panda_workspace.json"
	defaultTeachSampleRate = 20
)

func init() {
	resource.RegisterComponent(sensor.API, TeachSensorModel,
		resource.Registration[sensor.Sensor, *TeachSensorConfig]{
			Constructor: newTeachSensor,
		},
	)
}

// TeachState is where the teach workflow stands.
type TeachState int

const (
	TeachIdle TeachState = iota
	TeachRecording
	TeachCompleted
	TeachError
)

func (s TeachState) String() string {
	switch s {
	case TeachIdle:
		return "idle"
	case TeachRecording:
		return "recording"
	case TeachCompleted:
		return "completed"
	case TeachError:
		return "error"
	default:
		return "unknown"
	}
}

// TeachSensorConfig points the teach workflow at an impedance arm.
type TeachSensorConfig struct {
	Arm string `json:"arm"`
	// File the workspace is saved to, relative paths land in VIAM_MODULE_DATA.
	File       string `json:"file,omitempty"`
	SampleRate int    `json:"sample_rate_hz,omitempty"`
}

func (cfg *TeachSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "arm")
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1000 {
		return nil, nil, fmt.Errorf("sample_rate_hz must be between 1 and 1000, got %d", cfg.SampleRate)
	}
	return []string{cfg.Arm}, nil, nil
}

// Workspace is what a teach session records while the operator guides the arm by
// hand in drag mode.
type Workspace struct {
	JointMin  [NumJoints]float64 `json:"joint_min"`
	JointMax  [NumJoints]float64 `json:"joint_max"`
	BoundsMin r3.Vector          `json:"bounds_min_mm"`
	BoundsMax r3.Vector          `json:"bounds_max_mm"`
	Samples   int                `json:"samples"`
	Waypoints [][16]float64      `json:"waypoints,omitempty"`
	Recorded  time.Time          `json:"recorded"`
}

func newWorkspace() *Workspace {
	w := &Workspace{
		BoundsMin: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		BoundsMax: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
	for i := range w.JointMin {
		w.JointMin[i], w.JointMax[i] = math.Inf(1), math.Inf(-1)
	}
	return w
}

func (w *Workspace) add(joints []float64, p r3.Vector) {
	for i := 0; i < NumJoints && i < len(joints); i++ {
		w.JointMin[i] = math.Min(w.JointMin[i], joints[i])
		w.JointMax[i] = math.Max(w.JointMax[i], joints[i])
	}
	w.BoundsMin = r3.Vector{X: math.Min(w.BoundsMin.X, p.X), Y: math.Min(w.BoundsMin.Y, p.Y), Z: math.Min(w.BoundsMin.Z, p.Z)}
	w.BoundsMax = r3.Vector{X: math.Max(w.BoundsMax.X, p.X), Y: math.Max(w.BoundsMax.Y, p.Y), Z: math.Max(w.BoundsMax.Z, p.Z)}
	w.Samples++
}

// teachSensor runs the hand-guiding workflow: start puts the arm in drag mode and
// samples it, stop puts it back in target mode holding the pose it was left in.
type teachSensor struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *TeachSensorConfig
	arm    arm.Arm
	period time.Duration

	mu          sync.RWMutex
	state       TeachState
	errorMsg    string
	instruction string
	workspace   *Workspace
	started     time.Time

	recordCancel context.CancelFunc
	recordDone   chan struct{}
}

func newTeachSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*TeachSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}
	a, err := arm.FromDependencies(deps, conf.Arm)
	if err != nil {
		return nil, err
	}
	return NewTeachSensor(rawConf.ResourceName(), conf, a, logger), nil
}

// NewTeachSensor builds the teach workflow around an already running arm.
func NewTeachSensor(name resource.Name, conf *TeachSensorConfig, a arm.Arm, logger logging.Logger) sensor.Sensor {
	if conf.File == "" {
		conf.File = defaultTeachFile
	}
	if !filepath.IsAbs(conf.File) {
		moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
		if moduleDataDir == "" {
			moduleDataDir = os.TempDir()
		}
		conf.File = filepath.Join(moduleDataDir, conf.File)
	}
	rate := conf.SampleRate
	if rate == 0 {
		rate = defaultTeachSampleRate
	}
	return &teachSensor{
		Named:       name.AsNamed(),
		logger:      logger,
		cfg:         conf,
		arm:         a,
		period:      time.Second / time.Duration(rate),
		state:       TeachIdle,
		instruction: "Ready. Use DoCommand with 'start' to guide the arm by hand.",
	}
}

func (ts *teachSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	readings := map[string]any{
		"teach_state": ts.state.String(),
		"instruction": ts.instruction,
		"file":        ts.cfg.File,
	}
	if ts.state == TeachError {
		readings["error"] = ts.errorMsg
	}
	if ts.state == TeachRecording {
		readings["recording_time_seconds"] = time.Since(ts.started).Seconds()
	}
	if w := ts.workspace; w != nil && w.Samples > 0 {
		readings["samples"] = w.Samples
		readings["waypoints"] = len(w.Waypoints)
		readings["joint_min"] = append([]float64(nil), w.JointMin[:]...)
		readings["joint_max"] = append([]float64(nil), w.JointMax[:]...)
		readings["bounds_min_mm"] = []any{w.BoundsMin.X, w.BoundsMin.Y, w.BoundsMin.Z}
		readings["bounds_max_mm"] = []any{w.BoundsMax.X, w.BoundsMax.Y, w.BoundsMax.Z}
	}

	var available []any
	switch ts.state {
	case TeachIdle:
		available = []any{"start"}
	case TeachRecording:
		available = []any{"record_waypoint", "stop", "abort"}
	case TeachCompleted:
		available = []any{"save", "start"}
	case TeachError:
		available = []any{"reset", "start"}
	}
	readings["available_commands"] = available
	return readings, nil
}

func (ts *teachSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	switch cmd["command"] {
	case "start":
		return ts.start(ctx)
	case "record_waypoint":
		return ts.recordWaypoint(ctx)
	case "stop":
		return ts.stop(ctx, true)
	case "abort":
		return ts.stop(ctx, false)
	case "save":
		return ts.save()
	case "reset":
		ts.mu.Lock()
		ts.state, ts.errorMsg, ts.workspace = TeachIdle, "", nil
		ts.instruction = "Ready. Use DoCommand with 'start' to guide the arm by hand."
		ts.mu.Unlock()
		return map[string]any{"success": true}, nil
	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (ts *teachSensor) start(ctx context.Context) (map[string]any, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state == TeachRecording {
		return nil, errors.New("already recording")
	}
	if _, err := ts.arm.DoCommand(ctx, map[string]any{"command": "set_mode", "mode": ModeDrag.String()}); err != nil {
		return nil, ts.failLocked(errors.Wrap(err, "failed to enter drag mode"))
	}

	recordCtx, cancel := context.WithCancel(context.Background())
	ts.workspace = newWorkspace()
	ts.workspace.Recorded = time.Now()
	ts.state = TeachRecording
	ts.started = time.Now()
	ts.recordCancel = cancel
	ts.recordDone = make(chan struct{})
	ts.instruction = "Guide the arm through its workspace, then use 'stop'."

	done := ts.recordDone
	utils.PanicCapturingGo(func() {
		defer close(done)
		ts.record(recordCtx)
	})
	return map[string]any{"success": true, "state": ts.state.String()}, nil
}

func (ts *teachSensor) record(ctx context.Context) {
	ticker := time.NewTicker(ts.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		joints, err := ts.arm.JointPositions(ctx, nil)
		if err != nil {
			ts.logger.Debugf("teach sample failed: %v", err)
			continue
		}
		pose, err := ts.arm.EndPosition(ctx, nil)
		if err != nil {
			ts.logger.Debugf("teach sample failed: %v", err)
			continue
		}
		ts.mu.Lock()
		if ts.workspace != nil {
			ts.workspace.add(joints, pose.Point())
		}
		ts.mu.Unlock()
	}
}

func (ts *teachSensor) recordWaypoint(ctx context.Context) (map[string]any, error) {
	pose, err := ts.arm.EndPosition(ctx, nil)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state != TeachRecording {
		return nil, errors.New("not recording")
	}
	ts.workspace.Waypoints = append(ts.workspace.Waypoints, TransformFromPose(pose))
	return map[string]any{"success": true, "waypoints": len(ts.workspace.Waypoints)}, nil
}

// stop ends sampling and puts the arm back in target mode, holding where the
// operator left it.
func (ts *teachSensor) stop(ctx context.Context, keep bool) (map[string]any, error) {
	ts.mu.Lock()
	if ts.state != TeachRecording {
		ts.mu.Unlock()
		return nil, errors.New("not recording")
	}
	cancel, done := ts.recordCancel, ts.recordDone
	ts.mu.Unlock()

	cancel()
	<-done

	// hold first so target mode does not pull back to the pre-teach set-point
	holdErr := ts.arm.Stop(ctx, nil)
	_, modeErr := ts.arm.DoCommand(ctx, map[string]any{"command": "set_mode", "mode": ModeTarget.String()})

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := errors.Wrap(multierr.Combine(holdErr, modeErr), "failed to leave drag mode"); err != nil {
		return nil, ts.failLocked(err)
	}
	if !keep {
		ts.state, ts.workspace = TeachIdle, nil
		ts.instruction = "Aborted. Use DoCommand with 'start' to try again."
		return map[string]any{"success": true, "state": ts.state.String()}, nil
	}
	ts.state = TeachCompleted
	ts.instruction = "Recording complete. Use 'save' to write the workspace file."
	return map[string]any{"success": true, "state": ts.state.String(), "samples": ts.workspace.Samples}, nil
}

func (ts *teachSensor) save() (map[string]any, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.state != TeachCompleted || ts.workspace == nil {
		return nil, errors.New("nothing recorded to save")
	}
	if ts.workspace.Samples == 0 {
		return nil, errors.New("recording has no samples")
	}
	data, err := json.MarshalIndent(ts.workspace, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workspace: %w", err)
	}
	if err := os.WriteFile(ts.cfg.File, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write workspace file: %w", err)
	}
	ts.logger.Infof("saved workspace with %d samples to %s", ts.workspace.Samples, ts.cfg.File)
	return map[string]any{"success": true, "file": ts.cfg.File}, nil
}

func (ts *teachSensor) failLocked(err error) error {
	ts.state = TeachError
	ts.errorMsg = err.Error()
	ts.instruction = "Error. Use DoCommand with 'reset' to start over."
	return err
}

func (ts *teachSensor) Close(ctx context.Context) error {
	ts.mu.Lock()
	recording := ts.state == TeachRecording
	ts.mu.Unlock()
	if recording {
		_, err := ts.stop(ctx, false)
		return err
	}
	return nil
}

// LoadWorkspace reads a workspace file written by the teach sensor.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}
	var w Workspace
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workspace JSON: %w", err)
	}
	return &w, nil
}
