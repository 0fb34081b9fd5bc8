package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validatePolling(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAPI() error {
	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https, got %q", c.API.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("api.base_url must include a host, got %q", c.API.BaseURL)
	}
	if c.API.RequestTimeoutSeconds > maxRequestTimeoutSeconds {
		return fmt.Errorf("api.request_timeout_seconds must be at most %d", maxRequestTimeoutSeconds)
	}
	return nil
}

func (c *Config) validatePolling() error {
	p := c.Polling
	intervals := map[string]int{
		"polling.avatar_interval_seconds":     p.AvatarIntervalSeconds,
		"polling.animation_interval_seconds":  p.AnimationIntervalSeconds,
		"polling.segment_interval_seconds":    p.SegmentIntervalSeconds,
		"polling.story_interval_seconds":      p.StoryIntervalSeconds,
		"polling.assembling_interval_seconds": p.AssemblingIntervalSeconds,
	}
	for name, value := range intervals {
		if value > p.MaxIntervalSeconds {
			return fmt.Errorf("%s must not exceed polling.max_interval_seconds (%d)", name, p.MaxIntervalSeconds)
		}
	}
	if p.DegradedAfter > 100 {
		return errors.New("polling.degraded_after must be at most 100")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", strings.TrimSpace(c.Logging.Level))
	}
}
