// Package config loads the foreman.yaml configuration file. Values are
// layered: built-in defaults, then the file, then whatever the CLI
// overrides explicitly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benclarkson/foreman/internal/pipeline"
)

// FileName is the config file searched for from the working directory up.
const FileName = "foreman.yaml"

// Default values for Config.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultQuestionTimeout   = 10 * time.Minute
	DefaultPermissionTimeout = 15 * time.Minute
	DefaultMaxRetries        = 3
	DefaultLogDir            = ".foreman/runs"
)

// Agent configures how the external agent process is invoked.
type Agent struct {
	// Executable is the binary name resolved via the locator.
	Executable string `yaml:"executable"`
	// Path bypasses the locator entirely when set.
	Path string `yaml:"path"`
	// Args precede the stage prompt on the command line.
	Args []string `yaml:"args"`
	// WorkDir is the directory agent processes run in.
	WorkDir string `yaml:"work_dir"`
	// Env entries are merged over the inherited environment.
	Env map[string]string `yaml:"env"`
}

// Gates configures when human approval is required.
type Gates struct {
	// ConfidenceThreshold gates any stage reporting confidence below it.
	// Zero disables confidence gating.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// MandatoryStages always gate on completion.
	MandatoryStages []string `yaml:"mandatory_stages"`
	// QuestionTimeout bounds how long one agent question may block.
	QuestionTimeout time.Duration `yaml:"question_timeout"`
}

// Events configures the outbound event transport.
type Events struct {
	// NATSURL enables publishing to NATS when non-empty.
	NATSURL string `yaml:"nats_url"`
}

// Metrics configures the Prometheus scrape endpoint.
type Metrics struct {
	// Addr serves /metrics when non-empty, e.g. "127.0.0.1:9090".
	Addr string `yaml:"addr"`
}

// Config is the root foreman configuration.
type Config struct {
	Agent Agent `yaml:"agent"`

	// PollInterval is the scheduler tick cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PermissionTimeout bounds a single tool-permission decision.
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	// MaxRetries is the default retry limit for new units.
	MaxRetries int `yaml:"max_retries"`
	// LogDir is where per-run NDJSON logs are written.
	LogDir string `yaml:"log_dir"`

	Gates   Gates   `yaml:"gates"`
	Events  Events  `yaml:"events"`
	Metrics Metrics `yaml:"metrics"`
}

// Default returns a Config with built-in defaults.
func Default() Config {
	return Config{
		Agent: Agent{
			Executable: "claude",
		},
		PollInterval:      DefaultPollInterval,
		PermissionTimeout: DefaultPermissionTimeout,
		MaxRetries:        DefaultMaxRetries,
		LogDir:            DefaultLogDir,
		Gates: Gates{
			QuestionTimeout: DefaultQuestionTimeout,
		},
	}
}

// Load reads the config at path. An empty path searches from the current
// directory upward; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := find()
		if err != nil {
			return nil, err
		}
		if found == "" {
			cfg := Default()
			return &cfg, nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// find walks from the current directory toward the root looking for the
// config file. An empty result means no file exists anywhere on the path.
func find() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// Validate checks the configuration and returns user-friendly errors.
func (c *Config) Validate() error {
	if c.Agent.Executable == "" && c.Agent.Path == "" {
		return fmt.Errorf("configuration error: no agent executable\n\nHint: set one:\n  agent:\n    executable: claude")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("configuration error: 'poll_interval' must be positive, got %s", c.PollInterval)
	}
	if c.PermissionTimeout <= 0 {
		return fmt.Errorf("configuration error: 'permission_timeout' must be positive, got %s", c.PermissionTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("configuration error: 'max_retries' must be at least 1, got %d", c.MaxRetries)
	}
	if c.Gates.QuestionTimeout <= 0 {
		return fmt.Errorf("configuration error: 'gates.question_timeout' must be positive, got %s", c.Gates.QuestionTimeout)
	}
	if c.Gates.ConfidenceThreshold < 0 || c.Gates.ConfidenceThreshold > 1 {
		return fmt.Errorf("configuration error: 'gates.confidence_threshold' must be between 0 and 1, got %g", c.Gates.ConfidenceThreshold)
	}
	if _, err := c.MandatoryStates(); err != nil {
		return err
	}
	return nil
}

// MandatoryStates resolves the configured mandatory gate stages against both
// pipelines. A name that belongs to neither pipeline is a config error.
func (c *Config) MandatoryStates() ([]pipeline.State, error) {
	states := make([]pipeline.State, 0, len(c.Gates.MandatoryStages))
	for _, name := range c.Gates.MandatoryStages {
		s := pipeline.State(name)
		if !pipeline.TaskPipeline.Valid(s) && !pipeline.WorkItemPipeline.Valid(s) {
			return nil, fmt.Errorf("configuration error: unknown stage %q in 'gates.mandatory_stages'", name)
		}
		states = append(states, s)
	}
	return states, nil
}

// Save writes the configuration to a YAML file with 0600 permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
