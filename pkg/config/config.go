package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Zero values are filled by
// Default; Load overlays a YAML file on top of the defaults.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	RedisAddr  string `yaml:"redis_addr"`
	ListenAddr string `yaml:"listen_addr"`

	// EncryptionPassword derives the AES key that seals secret env
	// values at rest. The server refuses to start without one.
	EncryptionPassword string `yaml:"encryption_password"`

	Log      LogConfig      `yaml:"log"`
	SSH      SSHConfig      `yaml:"ssh"`
	Queue    QueueConfig    `yaml:"queue"`
	Lock     LockConfig     `yaml:"lock"`
	Security SecurityConfig `yaml:"security"`
	Build    BuildConfig    `yaml:"build"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Canary   CanaryConfig   `yaml:"canary"`
	Events   EventsConfig   `yaml:"events"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Workers  int            `yaml:"workers"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SSHConfig controls the remote executor
type SSHConfig struct {
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

// QueueConfig controls the deployment queue
type QueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	PriorityBands     int           `yaml:"priority_bands"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// LockConfig controls the per-instance distributed lock
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	RenewFraction float64       `yaml:"renew_fraction"`
}

// SecurityConfig controls the scan phase
type SecurityConfig struct {
	Policy   string        `yaml:"policy"` // strict | balanced | permissive
	MaxHigh  int           `yaml:"max_high"`
	Timeout  time.Duration `yaml:"timeout"`
	SkipDirs []string      `yaml:"skip_dirs"`
}

// BuildConfig controls the build phase
type BuildConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	BaseImageRetries int           `yaml:"base_image_retries"`
	LogLinesPerSec   int           `yaml:"log_lines_per_sec"`
}

// DeployConfig controls rollout health gating
type DeployConfig struct {
	Timeout                time.Duration `yaml:"timeout"`
	StopTimeout            time.Duration `yaml:"stop_timeout"`
	HealthInterval         time.Duration `yaml:"health_interval"`
	HealthSamples          int           `yaml:"health_samples"`
	MinSuccess             int           `yaml:"min_success"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	GracePeriod            time.Duration `yaml:"grace_period"`
}

// CanaryStage is one weighted traffic step
type CanaryStage struct {
	Weight   int           `yaml:"weight"`   // one of 5,10,25,50,75,100
	Duration time.Duration `yaml:"duration"` // clamped to [60s, 30m]
}

// CanaryConfig controls the canary strategy
type CanaryConfig struct {
	Stages             []CanaryStage `yaml:"stages"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
}

// EventsConfig controls the in-process event bus
type EventsConfig struct {
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	OverflowPolicy   string `yaml:"overflow_policy"` // drop_oldest | disconnect
}

// WebhookTarget maps a repository to its deployment parameters so a
// push event carries enough to build a full job
type WebhookTarget struct {
	Repository  string `yaml:"repository"`
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"`
	Strategy    string `yaml:"strategy"`
	Port        int    `yaml:"port"`
	HealthPath  string `yaml:"health_path"`
}

// WebhookConfig controls webhook-triggered submissions
type WebhookConfig struct {
	Branches []string        `yaml:"branches"`
	Targets  []WebhookTarget `yaml:"targets"`
}

// Default returns the documented defaults
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/caravel",
		RedisAddr:  "127.0.0.1:6379",
		ListenAddr: "127.0.0.1:8440",
		Workers:    2,
		Log:        LogConfig{Level: "info"},
		SSH: SSHConfig{
			User:    "deploy",
			KeyPath: "/etc/caravel/ssh/id_ed25519",
		},
		Queue: QueueConfig{
			VisibilityTimeout: 10 * time.Minute,
			MaxRetries:        3,
			PriorityBands:     4,
			SweepInterval:     30 * time.Second,
		},
		Lock: LockConfig{
			TTL:           10 * time.Minute,
			RenewFraction: 1.0 / 3.0,
		},
		Security: SecurityConfig{
			Policy:  "strict",
			MaxHigh: 5,
			Timeout: 120 * time.Second,
			SkipDirs: []string{
				"node_modules", "vendor", ".git", ".hg", "__pycache__",
				".venv", "target", "dist",
			},
		},
		Build: BuildConfig{
			Timeout:          15 * time.Minute,
			BaseImageRetries: 2,
			LogLinesPerSec:   200,
		},
		Deploy: DeployConfig{
			Timeout:                15 * time.Minute,
			StopTimeout:            30 * time.Second,
			HealthInterval:         10 * time.Second,
			HealthSamples:          12,
			MinSuccess:             10,
			MaxConsecutiveFailures: 3,
			GracePeriod:            30 * time.Second,
		},
		Canary: CanaryConfig{
			Stages: []CanaryStage{
				{Weight: 10, Duration: 5 * time.Minute},
				{Weight: 50, Duration: 5 * time.Minute},
				{Weight: 100, Duration: 0},
			},
			ErrorRateThreshold: 0.05,
		},
		Events: EventsConfig{
			SubscriberBuffer: 1024,
			OverflowPolicy:   "drop_oldest",
		},
		Webhook: WebhookConfig{Branches: []string{"main"}},
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var canaryWeights = map[int]bool{5: true, 10: true, 25: true, 50: true, 75: true, 100: true}

// Validate rejects out-of-range options and clamps canary stage bounds
func (c *Config) Validate() error {
	if c.Queue.PriorityBands < 1 || c.Queue.PriorityBands > 8 {
		return fmt.Errorf("queue.priority_bands must be 1-8, got %d", c.Queue.PriorityBands)
	}
	switch c.Security.Policy {
	case "strict", "balanced", "permissive":
	default:
		return fmt.Errorf("unknown security.policy %q", c.Security.Policy)
	}
	switch c.Events.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("unknown events.overflow_policy %q", c.Events.OverflowPolicy)
	}
	if c.Lock.RenewFraction <= 0 || c.Lock.RenewFraction >= 1 {
		return fmt.Errorf("lock.renew_fraction must be in (0,1), got %v", c.Lock.RenewFraction)
	}
	for i, st := range c.Canary.Stages {
		if !canaryWeights[st.Weight] {
			return fmt.Errorf("canary stage %d: weight %d not in {5,10,25,50,75,100}", i, st.Weight)
		}
		// The final 100% stage may have zero duration; every other stage
		// is clamped into [60s, 30m].
		if st.Weight == 100 && st.Duration == 0 {
			continue
		}
		if st.Duration < time.Minute {
			c.Canary.Stages[i].Duration = time.Minute
		}
		if st.Duration > 30*time.Minute {
			c.Canary.Stages[i].Duration = 30 * time.Minute
		}
	}
	return nil
}
