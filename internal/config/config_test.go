package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefault_valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.DraftInterval)
	assert.Equal(t, time.Second, cfg.RetryBase)
	assert.Equal(t, 5*time.Minute, cfg.RetryMax)
}

// TestLoad_yaml verifies file values override defaults and durations parse.
func TestLoad_yaml(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, ".", "shiftsync.yaml", `
data_dir: /var/lib/shiftsync
api_base_url: https://api.example.com
push_url: wss://api.example.com/ws
draft_interval: 10s
retry_max: 2m
refresh_interval: 5m
queue_max_size: 50
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/shiftsync", cfg.DataDir)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://api.example.com/ws", cfg.PushURL)
	assert.Equal(t, 10*time.Second, cfg.DraftInterval)
	assert.Equal(t, 2*time.Minute, cfg.RetryMax)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 50, cfg.QueueMaxSize)
	assert.Equal(t, "handover-draft", cfg.DraftKey, "unset keys keep defaults")
}

// TestLoad_envOverrides verifies SHIFTSYNC_* variables win over the file.
func TestLoad_envOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, ".", "shiftsync.yaml", "log_level: warn\nretry_base: 2s\n")
	t.Setenv("SHIFTSYNC_LOG_LEVEL", "error")
	t.Setenv("SHIFTSYNC_RETRY_BASE", "500ms")
	t.Setenv("SHIFTSYNC_QUEUE_MAX_SIZE", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 7, cfg.QueueMaxSize)
}

// TestLoad_dotEnv verifies .env values apply without overriding the process
// environment.
func TestLoad_dotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFile(t, ".", ".env", "SHIFTSYNC_DRAFT_KEY=shift-notes\nSHIFTSYNC_API_URL=http://from-dotenv:1\n")
	t.Setenv("SHIFTSYNC_API_URL", "http://from-process:2")
	t.Setenv("SHIFTSYNC_DRAFT_KEY", "")
	os.Unsetenv("SHIFTSYNC_DRAFT_KEY")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "shift-notes", cfg.DraftKey)
	assert.Equal(t, "http://from-process:2", cfg.APIBaseURL)
}

func TestLoad_missingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("nope.yaml")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestApplyEnv_badDuration(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "SHIFTSYNC_PROBE_INTERVAL" {
			return "soon", true
		}
		return "", false
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad api url", func(c *Config) { c.APIBaseURL = "ftp://x" }, "api_base_url"},
		{"bad push url", func(c *Config) { c.PushURL = "http://x" }, "push_url"},
		{"max below base", func(c *Config) { c.RetryMax = c.RetryBase / 2 }, "retry_max"},
		{"probe path", func(c *Config) { c.ProbePath = "health" }, "probe_path"},
		{"refresh interval", func(c *Config) { c.RefreshInterval = 0 }, "refresh_interval"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"listen addr", func(c *Config) { c.ListenAddr = "8091" }, "listen_addr"},
		{"negative size", func(c *Config) { c.QueueMaxSize = -1 }, "queue_max_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
