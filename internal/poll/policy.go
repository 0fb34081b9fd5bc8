package poll

import (
	"time"

	"avatarctl/internal/config"
	"avatarctl/internal/entity"
)

// MaxInterval is the ceiling for any poll interval.
const MaxInterval = 60 * time.Second

// Policy decides how often each kind is polled.
type Policy struct {
	// Base is the starting interval per kind.
	Base map[entity.Kind]time.Duration
	// Accelerated overrides the interval once an entity reports the status,
	// when shorter than the current one.
	Accelerated map[entity.Status]time.Duration
	// Max caps every interval; zero means MaxInterval.
	Max time.Duration
	// DegradedAfter is the number of consecutive failed ticks before the
	// subscription is reported degraded.
	DegradedAfter int
	// PauseWhenHidden suppresses fetches while the client is not visible.
	PauseWhenHidden bool
}

// DefaultPolicy returns the policy of the default configuration.
func DefaultPolicy() Policy {
	cfg := config.Default()
	return PolicyFromConfig(&cfg)
}

// PolicyFromConfig builds a Policy from the [polling] section.
func PolicyFromConfig(cfg *config.Config) Policy {
	base := make(map[entity.Kind]time.Duration, len(entity.AllKinds()))
	for _, kind := range entity.AllKinds() {
		base[kind] = cfg.PollInterval(kind)
	}
	return Policy{
		Base: base,
		Accelerated: map[entity.Status]time.Duration{
			entity.StatusAssembling: cfg.AssemblingInterval(),
		},
		Max:             cfg.MaxPollInterval(),
		DegradedAfter:   cfg.Polling.DegradedAfter,
		PauseWhenHidden: cfg.Polling.PauseWhenHidden,
	}
}

// Interval returns the interval for an entity of kind currently in status,
// clamped to (0, Max].
func (p Policy) Interval(kind entity.Kind, status entity.Status) time.Duration {
	interval := p.Base[kind]
	if fast, ok := p.Accelerated[entity.NormalizeStatus(string(status))]; ok && fast > 0 && (interval <= 0 || fast < interval) {
		interval = fast
	}
	return p.clamp(interval)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	ceiling := p.Max
	if ceiling <= 0 || ceiling > MaxInterval {
		ceiling = MaxInterval
	}
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

func (p Policy) degradedAfter() int {
	if p.DegradedAfter <= 0 {
		return 3
	}
	return p.DegradedAfter
}
