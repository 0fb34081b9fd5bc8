package config

const (
	defaultConfigPath                = "~/.config/avatarctl/config.toml"
	defaultBaseURL                   = "https://api.avatarstudio.app/v1"
	defaultRequestTimeoutSeconds     = 20
	defaultUserAgent                 = "avatarctl/0.1.0"
	defaultAuthStatePath             = "~/.config/avatarctl/credential.json"
	defaultAvatarIntervalSeconds     = 5
	defaultAnimationIntervalSeconds  = 4
	defaultSegmentIntervalSeconds    = 3
	defaultStoryIntervalSeconds      = 5
	defaultAssemblingIntervalSeconds = 2
	defaultMaxIntervalSeconds        = 60
	defaultDegradedAfter             = 3
	defaultLedgerPath                = "~/.local/share/avatarctl/jobs.db"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"

	maxRequestTimeoutSeconds = 120
	// Hard ceiling for any poll interval; config may lower it, never raise it.
	maxPollIntervalSeconds = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		API: API{
			BaseURL:               defaultBaseURL,
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			UserAgent:             defaultUserAgent,
		},
		Auth: Auth{
			StatePath: defaultAuthStatePath,
		},
		Polling: Polling{
			AvatarIntervalSeconds:     defaultAvatarIntervalSeconds,
			AnimationIntervalSeconds:  defaultAnimationIntervalSeconds,
			SegmentIntervalSeconds:    defaultSegmentIntervalSeconds,
			StoryIntervalSeconds:      defaultStoryIntervalSeconds,
			AssemblingIntervalSeconds: defaultAssemblingIntervalSeconds,
			MaxIntervalSeconds:        defaultMaxIntervalSeconds,
			DegradedAfter:             defaultDegradedAfter,
			PauseWhenHidden:           true,
		},
		Ledger: Ledger{
			Enabled: true,
			Path:    defaultLedgerPath,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
