package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds the environment variables that take precedence over the
// config file.
type envOverrides struct {
	APIURL       string `env:"AVATARCTL_API_URL"`
	APIToken     string `env:"AVATARCTL_API_TOKEN"`
	LogLevel     string `env:"AVATARCTL_LOG_LEVEL"`
	LogFormat    string `env:"AVATARCTL_LOG_FORMAT"`
	OTLPEndpoint string `env:"AVATARCTL_OTLP_ENDPOINT"`
}

func (c *Config) normalize() error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	c.normalizeAPI()
	if err := c.normalizeAuth(); err != nil {
		return err
	}
	c.normalizePolling()
	if err := c.normalizeLedger(); err != nil {
		return err
	}
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	return nil
}

func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if value := strings.TrimSpace(overrides.APIURL); value != "" {
		c.API.BaseURL = value
	}
	if value := strings.TrimSpace(overrides.APIToken); value != "" {
		c.Auth.Token = value
	}
	if value := strings.TrimSpace(overrides.LogLevel); value != "" {
		c.Logging.Level = value
	}
	if value := strings.TrimSpace(overrides.LogFormat); value != "" {
		c.Logging.Format = value
	}
	if value := strings.TrimSpace(overrides.OTLPEndpoint); value != "" {
		c.Telemetry.OTLPEndpoint = value
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultBaseURL
	}
	if c.API.RequestTimeoutSeconds <= 0 {
		c.API.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	c.API.UserAgent = strings.TrimSpace(c.API.UserAgent)
	if c.API.UserAgent == "" {
		c.API.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeAuth() error {
	var err error
	if strings.TrimSpace(c.Auth.StatePath) == "" {
		c.Auth.StatePath = defaultAuthStatePath
	}
	if c.Auth.StatePath, err = expandPath(c.Auth.StatePath); err != nil {
		return fmt.Errorf("auth.state_path: %w", err)
	}
	c.Auth.Token = strings.TrimSpace(c.Auth.Token)
	return nil
}

func (c *Config) normalizePolling() {
	p := &c.Polling
	if p.MaxIntervalSeconds <= 0 || p.MaxIntervalSeconds > maxPollIntervalSeconds {
		p.MaxIntervalSeconds = maxPollIntervalSeconds
	}
	defaultIfUnset(&p.AvatarIntervalSeconds, defaultAvatarIntervalSeconds)
	defaultIfUnset(&p.AnimationIntervalSeconds, defaultAnimationIntervalSeconds)
	defaultIfUnset(&p.SegmentIntervalSeconds, defaultSegmentIntervalSeconds)
	defaultIfUnset(&p.StoryIntervalSeconds, defaultStoryIntervalSeconds)
	defaultIfUnset(&p.AssemblingIntervalSeconds, defaultAssemblingIntervalSeconds)
	if p.DegradedAfter <= 0 {
		p.DegradedAfter = defaultDegradedAfter
	}
}

func defaultIfUnset(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

func (c *Config) normalizeLedger() error {
	var err error
	if strings.TrimSpace(c.Ledger.Path) == "" {
		c.Ledger.Path = defaultLedgerPath
	}
	if c.Ledger.Path, err = expandPath(c.Ledger.Path); err != nil {
		return fmt.Errorf("ledger.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	var err error
	if c.Logging.Dir, err = expandPath(strings.TrimSpace(c.Logging.Dir)); err != nil {
		return fmt.Errorf("logging.dir: %w", err)
	}
	return nil
}
