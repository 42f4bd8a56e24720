// Package config loads the runtime's tunables with the same layered
// priority the teacher pack's config.Loader uses
// (StricklySoft-stricklysoft-core/pkg/config/loader.go): built-in defaults,
// then an optional YAML file, then environment variable overrides, each
// layer overriding the previous one. The full generic reflection-based
// struct walker that loader.go implements is not reproduced here — this
// runtime's configuration surface is a small, fixed set of fields, so Load
// applies the same three layers directly rather than through tag-driven
// reflection.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adaptivetutor/tutorcore/consistency"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/recovery"
)

// RuntimeConfig bundles every component's tunables so the composition root
// can build the whole runtime from one value.
type RuntimeConfig struct {
	Bus         BusConfig         `yaml:"bus"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	// InteractionDeadline bounds how long the Orchestrator waits for an
	// agent's response during ProcessStudentInteraction before treating it
	// as failed.
	InteractionDeadline time.Duration `yaml:"interactionDeadline"`
}

// BusConfig mirrors eventbus.Option fields that are meaningful to expose
// as configuration.
type BusConfig struct {
	QueueCap            int           `yaml:"queueCap"`
	BottleneckThreshold time.Duration `yaml:"bottleneckThreshold"`
}

// RecoveryConfig mirrors recovery.Config.
type RecoveryConfig struct {
	MaxRestartAttempts         int           `yaml:"maxRestartAttempts"`
	RestartDelay               time.Duration `yaml:"restartDelay"`
	HealthCheckInterval        time.Duration `yaml:"healthCheckInterval"`
	FailoverEnabled            bool          `yaml:"failoverEnabled"`
	GracefulDegradationEnabled bool          `yaml:"gracefulDegradationEnabled"`
	AlertThreshold             int           `yaml:"alertThreshold"`
	FailureHistoryCap          int           `yaml:"failureHistoryCap"`
}

// ConsistencyConfig mirrors consistency.Config.
type ConsistencyConfig struct {
	MaxBackupsPerStudent int `yaml:"maxBackupsPerStudent"`
}

// Default returns the spec's documented defaults for every component.
func Default() RuntimeConfig {
	rc := recovery.DefaultConfig()
	cc := consistency.DefaultConfig()
	return RuntimeConfig{
		Bus: BusConfig{
			QueueCap:            eventbus.DefaultQueueCap,
			BottleneckThreshold: eventbus.DefaultBottleneckThreshold,
		},
		Recovery: RecoveryConfig{
			MaxRestartAttempts:         rc.MaxRestartAttempts,
			RestartDelay:               rc.RestartDelay,
			HealthCheckInterval:        rc.HealthCheckInterval,
			FailoverEnabled:            rc.FailoverEnabled,
			GracefulDegradationEnabled: rc.GracefulDegradationEnabled,
			AlertThreshold:             rc.AlertThreshold,
			FailureHistoryCap:          rc.FailureHistoryCap,
		},
		Consistency: ConsistencyConfig{MaxBackupsPerStudent: cc.MaxBackupsPerStudent},
		InteractionDeadline: 5 * time.Second,
	}
}

// Load resolves a RuntimeConfig starting from Default(), layering in
// values from the YAML file at path (if non-empty and present), then from
// environment variables (if set), with each layer overriding the last. A
// missing file is not an error — file configuration is optional, exactly
// as in the teacher's Loader.WithFile.
func Load(path string) (RuntimeConfig, error) {
	cfg := Default()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return RuntimeConfig{}, err
			}
		} else if !os.IsNotExist(err) {
			return RuntimeConfig{}, err
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers in the handful of tunables operators most
// commonly need to flip per-deployment without editing the config file.
func applyEnvOverrides(cfg *RuntimeConfig) {
	if v, ok := os.LookupEnv("TUTORCORE_RECOVERY_MAX_RESTART_ATTEMPTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Recovery.MaxRestartAttempts = n
		}
	}
	if v, ok := os.LookupEnv("TUTORCORE_RECOVERY_GRACEFUL_DEGRADATION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Recovery.GracefulDegradationEnabled = b
		}
	}
	if v, ok := os.LookupEnv("TUTORCORE_BUS_QUEUE_CAP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.QueueCap = n
		}
	}
	if v, ok := os.LookupEnv("TUTORCORE_INTERACTION_DEADLINE"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.InteractionDeadline = d
		}
	}
}

// ToRecoveryConfig converts the YAML-friendly RecoveryConfig into
// recovery.Config.
func (c RuntimeConfig) ToRecoveryConfig() recovery.Config {
	return recovery.Config{
		MaxRestartAttempts:         c.Recovery.MaxRestartAttempts,
		RestartDelay:               c.Recovery.RestartDelay,
		HealthCheckInterval:        c.Recovery.HealthCheckInterval,
		FailoverEnabled:            c.Recovery.FailoverEnabled,
		GracefulDegradationEnabled: c.Recovery.GracefulDegradationEnabled,
		AlertThreshold:             c.Recovery.AlertThreshold,
		FailureHistoryCap:          c.Recovery.FailureHistoryCap,
	}
}

// ToConsistencyConfig converts the YAML-friendly ConsistencyConfig into
// consistency.Config.
func (c RuntimeConfig) ToConsistencyConfig() consistency.Config {
	return consistency.Config{MaxBackupsPerStudent: c.Consistency.MaxBackupsPerStudent}
}

// ToBusOptions converts BusConfig into eventbus construction options.
func (c RuntimeConfig) ToBusOptions() []eventbus.Option {
	var opts []eventbus.Option
	if c.Bus.QueueCap > 0 {
		opts = append(opts, eventbus.WithQueueCap(c.Bus.QueueCap))
	}
	if c.Bus.BottleneckThreshold > 0 {
		opts = append(opts, eventbus.WithBottleneckThreshold(c.Bus.BottleneckThreshold))
	}
	return opts
}
