package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"avatarctl/internal/entity"
)

//go:embed sample_config.toml
var sampleConfig string

// API contains connection settings for the generation service.
type API struct {
	BaseURL               string `toml:"base_url"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	UserAgent             string `toml:"user_agent"`
}

// Auth contains credential persistence settings.
type Auth struct {
	// StatePath is the JSON file holding the long-lived credential.
	StatePath string `toml:"state_path"`
	// Token overrides the stored credential when set (CI, scripts).
	Token string `toml:"token"`
}

// Polling contains job polling policy. All intervals are seconds.
type Polling struct {
	AvatarIntervalSeconds     int  `toml:"avatar_interval_seconds"`
	AnimationIntervalSeconds  int  `toml:"animation_interval_seconds"`
	SegmentIntervalSeconds    int  `toml:"segment_interval_seconds"`
	StoryIntervalSeconds      int  `toml:"story_interval_seconds"`
	AssemblingIntervalSeconds int  `toml:"assembling_interval_seconds"`
	MaxIntervalSeconds        int  `toml:"max_interval_seconds"`
	DegradedAfter             int  `toml:"degraded_after"`
	PauseWhenHidden           bool `toml:"pause_when_hidden"`
}

// Ledger contains settings for the local record of started jobs.
type Ledger struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	Dir    string `toml:"dir"`
}

// Telemetry contains tracing export settings.
type Telemetry struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Config encapsulates all configuration values for avatarctl.
//
// Configuration sections by subsystem:
//   - API: service base URL and per-request timeout
//   - Auth: credential state file and static token override
//   - Polling: per-kind poll intervals and degraded threshold
//   - Ledger: SQLite record of started jobs
//   - Logging: log format, level, and directory
//   - Telemetry: optional OTLP trace export
type Config struct {
	API       API       `toml:"api"`
	Auth      Auth      `toml:"auth"`
	Polling   Polling   `toml:"polling"`
	Ledger    Ledger    `toml:"ledger"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("avatarctl.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories avatarctl writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Auth.StatePath)}
	if c.Logging.Dir != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	if c.Ledger.Enabled {
		dirs = append(dirs, filepath.Dir(c.Ledger.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RequestTimeout returns the bound applied to every individual request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeoutSeconds) * time.Second
}

// PollInterval returns the base poll interval for kind.
func (c *Config) PollInterval(kind entity.Kind) time.Duration {
	seconds := c.Polling.AvatarIntervalSeconds
	switch kind {
	case entity.KindAnimation:
		seconds = c.Polling.AnimationIntervalSeconds
	case entity.KindSegment:
		seconds = c.Polling.SegmentIntervalSeconds
	case entity.KindStory:
		seconds = c.Polling.StoryIntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

// AssemblingInterval returns the accelerated interval used once a job reaches
// its final assembly step.
func (c *Config) AssemblingInterval() time.Duration {
	return time.Duration(c.Polling.AssemblingIntervalSeconds) * time.Second
}

// MaxPollInterval returns the upper bound on any poll interval.
func (c *Config) MaxPollInterval() time.Duration {
	return time.Duration(c.Polling.MaxIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
