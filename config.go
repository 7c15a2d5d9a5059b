package panda_arm

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"
)

const (
	DefaultTranslationalStiffness = 150.0
	DefaultRotationalStiffness    = 10.0
	DefaultCollisionThreshold     = 100.0
	DefaultControlRateHz          = 1000
	DefaultMonitorHz              = 50
	DefaultDriver                 = SimDriverName
)

// Config is the arm's attribute block.
type Config struct {
	// Driver picks the registered device transport, "sim" unless set.
	Driver string `json:"driver,omitempty"`
	// Host is the arm's control address; required by every driver except sim.
	Host string `json:"host,omitempty"`

	TranslationalStiffness float64  `json:"translational_stiffness,omitempty"`
	RotationalStiffness    float64  `json:"rotational_stiffness,omitempty"`
	TranslationalDamping   *float64 `json:"translational_damping,omitempty"` // sqrt(stiffness) if unset
	RotationalDamping      *float64 `json:"rotational_damping,omitempty"`    // sqrt(stiffness) if unset

	CollisionThreshold float64 `json:"collision_threshold,omitempty"`

	ControlRateHz   int     `json:"control_rate_hz,omitempty"` // sim only
	LimitRate       bool    `json:"limit_rate,omitempty"`
	CutoffFrequency float64 `json:"cutoff_frequency,omitempty"`

	StateBuffer int `json:"state_buffer,omitempty"`
	MonitorPort int `json:"monitor_port,omitempty"` // 0 disables the monitor
	MonitorHz   int `json:"monitor_hz,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if !driverRegistered(cfg.Driver) {
		return nil, nil, errors.Errorf("unknown driver %q, expected one of %v", cfg.Driver, DeviceDrivers())
	}
	if cfg.Driver != SimDriverName && cfg.Host == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "host")
	}

	if cfg.TranslationalStiffness == 0 {
		cfg.TranslationalStiffness = DefaultTranslationalStiffness
	}
	if cfg.RotationalStiffness == 0 {
		cfg.RotationalStiffness = DefaultRotationalStiffness
	}
	if cfg.TranslationalStiffness < 0 || cfg.RotationalStiffness < 0 {
		return nil, nil, errors.New("stiffness must be positive")
	}
	for name, d := range map[string]*float64{
		"translational_damping": cfg.TranslationalDamping,
		"rotational_damping":    cfg.RotationalDamping,
	} {
		if d != nil && (*d < 0 || math.IsNaN(*d)) {
			return nil, nil, errors.Errorf("%s must not be negative, got %v", name, *d)
		}
	}

	if cfg.CollisionThreshold == 0 {
		cfg.CollisionThreshold = DefaultCollisionThreshold
	}
	if cfg.CollisionThreshold < 0 {
		return nil, nil, errors.Errorf("collision_threshold must be positive, got %v", cfg.CollisionThreshold)
	}

	if cfg.ControlRateHz == 0 {
		cfg.ControlRateHz = DefaultControlRateHz
	}
	if cfg.ControlRateHz < 1 || cfg.ControlRateHz > 10000 {
		return nil, nil, errors.Errorf("control_rate_hz must be between 1 and 10000, got %d", cfg.ControlRateHz)
	}
	if cfg.CutoffFrequency < 0 {
		return nil, nil, errors.Errorf("cutoff_frequency must not be negative, got %v", cfg.CutoffFrequency)
	}

	if cfg.StateBuffer == 0 {
		cfg.StateBuffer = DefaultStateBuffer
	}
	if cfg.StateBuffer < 1 {
		return nil, nil, errors.Errorf("state_buffer must be positive, got %d", cfg.StateBuffer)
	}
	if cfg.MonitorPort < 0 || cfg.MonitorPort > 65535 {
		return nil, nil, errors.Errorf("monitor_port must be between 0 and 65535, got %d", cfg.MonitorPort)
	}
	if cfg.MonitorHz == 0 {
		cfg.MonitorHz = DefaultMonitorHz
	}
	if cfg.MonitorHz < 1 || cfg.MonitorHz > 1000 {
		return nil, nil, errors.Errorf("monitor_hz must be between 1 and 1000, got %d", cfg.MonitorHz)
	}

	return nil, nil, nil
}

// Gains builds the impedance gains, falling back to sqrt(stiffness) damping.
func (cfg *Config) Gains() GainProfile {
	g := NewGainProfile(cfg.TranslationalStiffness, cfg.RotationalStiffness)
	if cfg.TranslationalDamping != nil {
		g.TranslationalDamping = *cfg.TranslationalDamping
	}
	if cfg.RotationalDamping != nil {
		g.RotationalDamping = *cfg.RotationalDamping
	}
	return g
}

// ControllerConfig is the control session setup described by cfg.
func (cfg *Config) ControllerConfig() ControllerConfig {
	return ControllerConfig{
		Gains:     cfg.Gains(),
		Collision: UniformCollisionThresholds(cfg.CollisionThreshold),
		Options: ControlOptions{
			LimitRate:       cfg.LimitRate,
			CutoffFrequency: cfg.CutoffFrequency,
		},
	}
}

// ControlPeriod is the sim device's cycle time.
func (cfg *Config) ControlPeriod() time.Duration {
	return time.Second / time.Duration(cfg.ControlRateHz)
}

// MonitorPeriod is the minimum spacing of websocket joint frames.
func (cfg *Config) MonitorPeriod() time.Duration {
	return time.Second / time.Duration(cfg.MonitorHz)
}

func driverRegistered(name string) bool {
	driversMu.RLock()
	defer driversMu.RUnlock()
	_, ok := drivers[name]
	return ok
}
