package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"avatarctl/internal/apierr"
	"avatarctl/internal/cache"
	"avatarctl/internal/entity"
	"avatarctl/internal/logging"
)

// EventType names a subscription lifecycle change.
type EventType string

const (
	EventStarted   EventType = "started"
	EventSkipped   EventType = "skipped"
	EventFailed    EventType = "failed"
	EventDegraded  EventType = "degraded"
	EventRecovered EventType = "recovered"
	EventStopped   EventType = "stopped"
)

// Reasons carried by EventStopped.
const (
	StopUnobserved = "unobserved"
	StopTerminal   = "terminal"
	StopAuth       = "auth failure"
	StopNotFound   = "not found"
)

// Event reports a subscription lifecycle change.
type Event struct {
	Key      entity.Key
	Type     EventType
	Status   entity.Status
	Interval time.Duration
	Reason   string
	Err      error
}

// Option customises Poller construction.
type Option func(*Poller)

// WithClock overrides the wall clock (tests use FakeClock).
func WithClock(clock Clock) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the poller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithFetcher overrides the fetcher ticks pass to the store. By default the
// store's resolver is used.
func WithFetcher(fetcher cache.Fetcher) Option {
	return func(p *Poller) {
		p.fetcher = fetcher
	}
}

// WithAuthFailure registers the session-termination path run when a tick
// fails with an auth error.
func WithAuthFailure(fn func(error)) Option {
	return func(p *Poller) {
		p.onAuth = fn
	}
}

// WithEventHook registers fn to receive lifecycle events. fn must not block.
func WithEventHook(fn func(Event)) Option {
	return func(p *Poller) {
		p.onEvent = fn
	}
}

// Poller re-fetches non-terminal entities on a fixed-rate schedule while they
// have observers.
type Poller struct {
	store   *cache.Store
	policy  Policy
	clock   Clock
	logger  *slog.Logger
	fetcher cache.Fetcher
	onAuth  func(error)
	onEvent func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	ticks  sync.WaitGroup

	mu      sync.Mutex
	visible bool
	subs    map[entity.Key]*subscription
}

// New builds a Poller that registers its subscriptions in store.
func New(store *cache.Store, policy Policy, opts ...Option) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		store:   store,
		policy:  policy,
		clock:   RealClock(),
		ctx:     ctx,
		cancel:  cancel,
		visible: true,
		subs:    map[entity.Key]*subscription{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.NewComponentLogger(p.logger, "poller")
	return p
}

// Observe subscribes fn to key, makes sure a value is cached, and starts
// polling when that value is not terminal. The returned func unsubscribes.
func (p *Poller) Observe(ctx context.Context, key entity.Key, fn cache.Observer) (entity.Entity, func(), error) {
	id := p.store.Subscribe(key, fn)
	var once sync.Once
	stop := func() {
		once.Do(func() { p.store.Unsubscribe(key, id) })
	}

	current, err := p.store.EnsureFresh(ctx, key, p.fetcher)
	if err != nil {
		stop()
		if apierr.IsAuth(err) && p.onAuth != nil {
			p.onAuth(err)
		}
		return entity.Entity{}, func() {}, err
	}
	p.Start(key, current)
	return current, stop, nil
}

// Start begins polling key when current is non-terminal, key has observers,
// and no subscription exists yet. It reports whether a subscription started.
func (p *Poller) Start(key entity.Key, current entity.Entity) bool {
	if key.IsList() || current.Terminal() {
		return false
	}
	return p.startSubscription(key, p.policy.Interval(key.Kind, current.Status))
}

// Restart replaces the subscription of key for an explicitly started new job,
// regardless of the last cached status. The first tick re-reads the status.
func (p *Poller) Restart(key entity.Key) bool {
	if key.IsList() {
		return false
	}
	if h, ok := p.store.Poll(key); ok {
		h.Stop()
	}
	return p.startSubscription(key, p.policy.Interval(key.Kind, ""))
}

func (p *Poller) startSubscription(key entity.Key, interval time.Duration) bool {
	if p.ctx.Err() != nil {
		return false
	}
	sub := &subscription{poller: p, key: key, interval: interval}

	p.mu.Lock()
	if _, exists := p.subs[key]; exists {
		p.mu.Unlock()
		return false
	}
	p.subs[key] = sub
	p.mu.Unlock()

	if !p.store.AttachPoll(key, sub) {
		p.remove(sub)
		return false
	}

	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return false
	}
	sub.scheduleLocked(interval)
	sub.mu.Unlock()

	p.logger.Debug("poll started",
		logging.String(logging.FieldEntityKey, key.String()),
		logging.Duration("interval", interval),
	)
	p.emit(Event{Key: key, Type: EventStarted, Interval: interval})
	return true
}

// Stop cancels the subscription of key, if any.
func (p *Poller) Stop(key entity.Key) {
	if h, ok := p.store.Poll(key); ok {
		h.Stop()
	}
}

// SetVisible pauses or resumes fetching. Ticks keep their schedule while
// hidden, and becoming visible does not fire a tick early.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible = visible
}

// Visible reports the current visibility.
func (p *Poller) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Active reports whether key has a live subscription.
func (p *Poller) Active(key entity.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[key]
	return ok
}

// Degraded reports whether key's subscription has hit the consecutive failure
// threshold.
func (p *Poller) Degraded(key entity.Key) bool {
	p.mu.Lock()
	sub, ok := p.subs[key]
	p.mu.Unlock()
	if !ok {
		return false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.degraded
}

// Interval returns the current interval of key's subscription.
func (p *Poller) Interval(key entity.Key) (time.Duration, bool) {
	p.mu.Lock()
	sub, ok := p.subs[key]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.interval, true
}

// Wait blocks until every tick fetch in flight has finished.
func (p *Poller) Wait() {
	p.ticks.Wait()
}

// Close stops every subscription and waits for in-flight ticks.
func (p *Poller) Close() {
	p.cancel()
	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Stop()
	}
	p.ticks.Wait()
}

func (p *Poller) remove(sub *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[sub.key] == sub {
		delete(p.subs, sub.key)
	}
}

func (p *Poller) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

type subscription struct {
	poller *Poller
	key    entity.Key

	mu       sync.Mutex
	interval time.Duration
	timer    Timer
	lastTick time.Time
	stopped  bool
	inFlight bool
	failures int
	degraded bool
	reason   string
}

func (s *subscription) scheduleLocked(d time.Duration) {
	s.timer = s.poller.clock.AfterFunc(d, s.tick)
}

// Stop cancels the pending tick and removes the subscription. A fetch already
// in flight completes but its result no longer drives polling.
func (s *subscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	reason := s.reason
	if reason == "" {
		reason = StopUnobserved
	}
	s.mu.Unlock()

	s.poller.store.DetachPoll(s.key, s)
	s.poller.remove(s)
	s.poller.logger.Debug("poll stopped",
		logging.String(logging.FieldEntityKey, s.key.String()),
		logging.String("reason", reason),
	)
	s.poller.emit(Event{Key: s.key, Type: EventStopped, Reason: reason})
}

func (s *subscription) stopWith(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.Stop()
}

func (s *subscription) tick() {
	p := s.poller
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	// Fixed rate: the next tick is scheduled from this tick's start.
	s.lastTick = p.clock.Now()
	s.scheduleLocked(s.interval)
	if s.inFlight {
		s.mu.Unlock()
		p.emit(Event{Key: s.key, Type: EventSkipped, Reason: "previous fetch in flight"})
		return
	}
	if p.policy.PauseWhenHidden && !p.Visible() {
		s.mu.Unlock()
		p.emit(Event{Key: s.key, Type: EventSkipped, Reason: "hidden"})
		return
	}
	s.inFlight = true
	p.ticks.Add(1)
	s.mu.Unlock()

	go func() {
		defer p.ticks.Done()
		s.fetch()
	}()
}

func (s *subscription) fetch() {
	p := s.poller
	ctx := logging.WithEntityKey(p.ctx, s.key.String())
	current, err := p.store.Refresh(ctx, s.key, p.fetcher)

	s.mu.Lock()
	s.inFlight = false
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.handleFailureLocked(err)
		return
	}

	recovered := s.degraded
	s.failures = 0
	s.degraded = false

	if current.Terminal() {
		s.mu.Unlock()
		if recovered {
			p.emit(Event{Key: s.key, Type: EventRecovered, Status: current.Status})
		}
		s.stopWith(StopTerminal)
		return
	}

	if next := p.policy.Interval(s.key.Kind, current.Status); next < s.interval {
		s.interval = next
		if s.timer != nil && s.timer.Stop() {
			delay := s.lastTick.Add(next).Sub(p.clock.Now())
			if delay < 0 {
				delay = 0
			}
			s.scheduleLocked(delay)
		}
	}
	interval := s.interval
	s.mu.Unlock()

	if recovered {
		p.logger.Info("poll recovered", logging.String(logging.FieldEntityKey, s.key.String()))
		p.emit(Event{Key: s.key, Type: EventRecovered, Status: current.Status, Interval: interval})
	}
}

// handleFailureLocked is called with s.mu held and releases it.
func (s *subscription) handleFailureLocked(err error) {
	p := s.poller
	if errors.Is(err, context.Canceled) || errors.Is(err, cache.ErrCleared) {
		s.mu.Unlock()
		return
	}

	switch apierr.Classify(err) {
	case apierr.KindAuth:
		s.mu.Unlock()
		s.stopWith(StopAuth)
		if p.onAuth != nil {
			p.onAuth(err)
		}
		return
	case apierr.KindNotFound:
		s.mu.Unlock()
		logging.WarnWithContext(p.logger, "polled entity no longer exists", "poll_not_found",
			logging.String(logging.FieldEntityKey, s.key.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "polling stopped for this entity"),
		)
		s.stopWith(StopNotFound)
		return
	}

	s.failures++
	failures := s.failures
	becameDegraded := !s.degraded && failures >= p.policy.degradedAfter()
	if becameDegraded {
		s.degraded = true
	}
	s.mu.Unlock()

	p.emit(Event{Key: s.key, Type: EventFailed, Err: err})
	if becameDegraded {
		logging.WarnWithContext(p.logger, "poll degraded", "poll_degraded",
			logging.String(logging.FieldEntityKey, s.key.String()),
			logging.Int("consecutive_failures", failures),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check network connectivity and service status"),
			logging.String(logging.FieldImpact, "displayed status may be stale"),
		)
		p.emit(Event{Key: s.key, Type: EventDegraded, Err: err})
	}
}
