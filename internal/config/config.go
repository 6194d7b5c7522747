// Package config loads shiftsync configuration from a YAML file, optional
// .env files and SHIFTSYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHIFTSYNC_"

// Config is the complete runtime configuration.
type Config struct {
	DataDir         string        `yaml:"data_dir"`
	APIBaseURL      string        `yaml:"api_base_url"`
	PushURL         string        `yaml:"push_url"`
	DraftKey        string        `yaml:"draft_key"`
	DraftInterval   time.Duration `yaml:"draft_interval"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbePath       string        `yaml:"probe_path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	QueueMaxSize    int           `yaml:"queue_max_size"`
	LogLevel        string        `yaml:"log_level"`
	ListenAddr      string        `yaml:"listen_addr"` // local control API and /metrics; empty disables
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:         "data",
		APIBaseURL:      "http://localhost:8090",
		DraftKey:        "handover-draft",
		DraftInterval:   30 * time.Second,
		RetryBase:       1 * time.Second,
		RetryMax:        5 * time.Minute,
		RequestTimeout:  15 * time.Second,
		ProbeInterval:   15 * time.Second,
		ProbePath:       "/api/health",
		RefreshInterval: 15 * time.Minute,
		QueueMaxSize:    1000,
		LogLevel:        "info",
		ListenAddr:      "127.0.0.1:8091",
	}
}

// LoadEnvFiles loads KEY=VALUE files into the process environment.
// Missing files are skipped and existing variables are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "load env file "+p, err)
		}
	}
	return nil
}

// Load builds the configuration. path may be empty to skip the YAML file;
// a named file that does not exist is an error.
func Load(path string) (Config, error) {
	if err := LoadEnvFiles(".env", ".env.local"); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, apperrors.Wrap(apperrors.ErrInvalid, "parse config file", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SHIFTSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATA_DIR":    &c.DataDir,
		"API_URL":     &c.APIBaseURL,
		"PUSH_URL":    &c.PushURL,
		"DRAFT_KEY":   &c.DraftKey,
		"PROBE_PATH":  &c.ProbePath,
		"LOG_LEVEL":   &c.LogLevel,
		"LISTEN_ADDR": &c.ListenAddr,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DRAFT_INTERVAL":   &c.DraftInterval,
		"RETRY_BASE":       &c.RetryBase,
		"RETRY_MAX":        &c.RetryMax,
		"REQUEST_TIMEOUT":  &c.RequestTimeout,
		"PROBE_INTERVAL":   &c.ProbeInterval,
		"REFRESH_INTERVAL": &c.RefreshInterval,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, EnvPrefix+name, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "QUEUE_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, EnvPrefix+"QUEUE_MAX_SIZE", err)
		}
		c.QueueMaxSize = n
	}
	return nil
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is required")
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("api_base_url %q must be an http(s) URL", c.APIBaseURL))
	}
	if c.PushURL != "" {
		if u, err := url.Parse(c.PushURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			problems = append(problems, fmt.Sprintf("push_url %q must be a ws(s) URL", c.PushURL))
		}
	}
	if c.DraftKey == "" {
		problems = append(problems, "draft_key is required")
	}
	if c.DraftInterval <= 0 {
		problems = append(problems, "draft_interval must be positive")
	}
	if c.RetryBase <= 0 {
		problems = append(problems, "retry_base must be positive")
	}
	if c.RetryMax < c.RetryBase {
		problems = append(problems, "retry_max must not be below retry_base")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "request_timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		problems = append(problems, "probe_interval must be positive")
	}
	if c.RefreshInterval <= 0 {
		problems = append(problems, "refresh_interval must be positive")
	}
	if !strings.HasPrefix(c.ProbePath, "/") {
		problems = append(problems, "probe_path must start with /")
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			problems = append(problems, fmt.Sprintf("listen_addr %q must be host:port", c.ListenAddr))
		}
	}
	if c.QueueMaxSize < 0 {
		problems = append(problems, "queue_max_size must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrValidation, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}
