package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benclarkson/foreman/internal/pipeline"
)

func TestLoadExplicitMissingFileFails(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  executable: claude\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultQuestionTimeout, cfg.Gates.QuestionTimeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultLogDir, cfg.LogDir)
}

func TestLoadOverridesDefaults(t *testing.T) {
	raw := `
agent:
  executable: mock-agent
  args: ["--output-format", "stream-json"]
  env:
    AGENT_ROLE: builder
poll_interval: 2s
max_retries: 5
gates:
  confidence_threshold: 0.7
  mandatory_stages: [pr_ready, splitting]
  question_timeout: 1m
events:
  nats_url: nats://127.0.0.1:4222
`
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock-agent", cfg.Agent.Executable)
	assert.Equal(t, []string{"--output-format", "stream-json"}, cfg.Agent.Args)
	assert.Equal(t, "builder", cfg.Agent.Env["AGENT_ROLE"])
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 0.7, cfg.Gates.ConfidenceThreshold)
	assert.Equal(t, time.Minute, cfg.Gates.QuestionTimeout)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)

	states, err := cfg.MandatoryStates()
	require.NoError(t, err)
	assert.Equal(t, []pipeline.State{pipeline.TaskPrReady, pipeline.WorkItemSplitting}, states)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no executable", func(c *Config) { c.Agent.Executable = ""; c.Agent.Path = "" }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"threshold above one", func(c *Config) { c.Gates.ConfidenceThreshold = 1.5 }},
		{"unknown mandatory stage", func(c *Config) { c.Gates.MandatoryStages = []string{"shipping"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Agent.Executable = "mock-agent"
	cfg.Gates.ConfidenceThreshold = 0.5

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock-agent", got.Agent.Executable)
	assert.Equal(t, 0.5, got.Gates.ConfidenceThreshold)
}
