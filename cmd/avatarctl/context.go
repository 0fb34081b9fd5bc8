package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"avatarctl/internal/apierr"
	"avatarctl/internal/config"
	"avatarctl/internal/credential"
	"avatarctl/internal/ledger"
	"avatarctl/internal/logging"
	"avatarctl/internal/studio"
	"avatarctl/internal/telemetry"
)

type commandContext struct {
	configFlag *string
	verbose    *bool
	retry      *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cfg *config.Config) (*slog.Logger, error) {
	if c.verbose != nil && *c.verbose {
		return logging.NewFromConfig(cfg)
	}
	if cfg.Logging.Dir == "" {
		return logging.NewNop(), nil
	}
	return logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Outputs: []string{filepath.Join(cfg.Logging.Dir, logging.LogFileName)},
	})
}

// withStudio builds a studio for one command, passes it to fn and closes it
// afterwards, flushing the job ledger and pending trace spans.
func (c *commandContext) withStudio(cmd *cobra.Command, fn func(*studio.Studio) error) (err error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}

	shutdown, telErr := telemetry.Setup(cmd.Context(), cfg.Telemetry.OTLPEndpoint, version)
	if telErr != nil {
		logging.WarnWithContext(logger, "tracing disabled", "telemetry_setup_failed",
			logging.Error(telErr),
			logging.String(logging.FieldErrorHint, "check telemetry.otlp_endpoint"),
			logging.String(logging.FieldImpact, "requests are not traced"),
		)
	}
	if shutdown != nil {
		defer func() {
			err = errors.Join(err, shutdown(context.WithoutCancel(cmd.Context())))
		}()
	}

	errOut := cmd.ErrOrStderr()
	s, err := studio.New(cfg, studio.Options{
		Logger: logger,
		Redirect: func(cause error) {
			if errors.Is(cause, credential.ErrMissing) {
				return
			}
			fmt.Fprintln(errOut, "Session expired or was rejected; run `avatarctl login` to sign in again.")
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return fn(s)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// describeError turns classified failures into an actionable message.
func describeError(err error) string {
	var apiErr *apierr.Error
	switch {
	case errors.Is(err, credential.ErrMissing):
		return "Not signed in; run `avatarctl login` first."
	case errors.Is(err, credential.ErrExpired):
		return "Your session expired; run `avatarctl login` to sign in again."
	case errors.Is(err, ledger.ErrDisabled):
		return "The job ledger is disabled; set ledger.enabled = true to track jobs."
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case apierr.KindPolicy:
			return "Rejected by content or plan policy: " + firstNonEmpty(apiErr.Message, err.Error())
		case apierr.KindValidation:
			if apiErr.Field != "" {
				return fmt.Sprintf("Invalid %s: %s", apiErr.Field, firstNonEmpty(apiErr.Message, err.Error()))
			}
		case apierr.KindNetwork:
			return "Could not reach the service (" + err.Error() + "); try again shortly."
		case apierr.KindNotFound:
			return "Not found: " + err.Error()
		}
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// retryOnce runs fn and, when --retry is set, runs it a second time if the
// first attempt failed because the service could not be reached.
func retryOnce[T any](c *commandContext, cmd *cobra.Command, fn func() (T, error)) (T, error) {
	result, err := fn()
	if err == nil || c.retry == nil || !*c.retry || !apierr.Retryable(err) {
		return result, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Service unreachable (%v); retrying once\n", err)
	return fn()
}
