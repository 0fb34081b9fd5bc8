package poll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"avatarctl/internal/apierr"
	"avatarctl/internal/cache"
	"avatarctl/internal/entity"
	"avatarctl/internal/poll"
)

const interval = 4 * time.Second

var segKey = entity.SegmentKey("an-1", 0)

type step struct {
	status string
	err    error
	block  chan struct{}
}

// script answers fetches in order; once exhausted it repeats the last step.
type script struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (s *script) fetch(ctx context.Context, key entity.Key) (entity.Entity, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	st := s.steps[i]
	s.mu.Unlock()

	if st.block != nil {
		<-st.block
	}
	if st.err != nil {
		return entity.Entity{}, st.err
	}
	return entity.Entity{Key: key, Status: entity.Status(st.status), Data: []byte(`{"status":"` + st.status + `"}`)}, nil
}

func (s *script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	store  *cache.Store
	poller *poll.Poller
	clock  *poll.FakeClock
	script *script

	mu     sync.Mutex
	events []poll.Event
	auth   []error
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	h := &harness{script: &script{steps: steps}, clock: poll.NewFakeClock(time.Unix(0, 0))}
	h.store = cache.New(h.script.fetch)
	policy := poll.Policy{
		Base: map[entity.Kind]time.Duration{
			entity.KindAvatar:    interval,
			entity.KindAnimation: interval,
			entity.KindSegment:   interval,
			entity.KindStory:     interval,
		},
		Accelerated:     map[entity.Status]time.Duration{"assembling": 2 * time.Second},
		Max:             time.Minute,
		DegradedAfter:   3,
		PauseWhenHidden: true,
	}
	h.poller = poll.New(h.store, policy,
		poll.WithClock(h.clock),
		poll.WithEventHook(func(ev poll.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, ev)
		}),
		poll.WithAuthFailure(func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.auth = append(h.auth, err)
		}),
	)
	t.Cleanup(func() {
		h.poller.Close()
		h.store.Close()
	})
	return h
}

func (h *harness) tick() {
	h.clock.Advance(interval)
	h.poller.Wait()
}

func (h *harness) count(typ poll.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) observe(t *testing.T, key entity.Key) func() {
	t.Helper()
	_, stop, err := h.poller.Observe(context.Background(), key, func(entity.Entity) {})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	return stop
}

func TestTerminalStatusStopsTicks(t *testing.T) {
	h := newHarness(t, step{status: "pending"}, step{status: "in_progress"}, step{status: "completed"})
	h.observe(t, segKey)

	if !h.poller.Active(segKey) {
		t.Fatal("expected subscription for non-terminal segment")
	}
	h.tick()
	h.tick()
	if h.poller.Active(segKey) {
		t.Fatal("expected subscription cancelled after terminal status")
	}
	calls := h.script.Calls()
	for i := 0; i < 5; i++ {
		h.tick()
	}
	if got := h.script.Calls(); got != calls || got != 3 {
		t.Fatalf("expected no fetches after terminal tick, calls went %d -> %d", calls, got)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", h.clock.Pending())
	}
	if got, _ := h.store.Get(segKey); got.Class() != entity.TerminalSuccess {
		t.Fatalf("expected cached terminal value, got %q", got.Status)
	}
}

func TestLastObserverLeavingStopsTicks(t *testing.T) {
	h := newHarness(t, step{status: "pending"})
	stop := h.observe(t, segKey)
	h.tick()
	if h.script.Calls() != 2 {
		t.Fatalf("expected initial fetch plus one tick, got %d", h.script.Calls())
	}

	stop()
	if h.poller.Active(segKey) {
		t.Fatal("expected subscription stopped when the last observer left")
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected timer stopped synchronously, %d pending", h.clock.Pending())
	}
	for i := 0; i < 3; i++ {
		h.tick()
	}
	if h.script.Calls() != 2 {
		t.Fatalf("expected no ticks after unsubscribe, got %d calls", h.script.Calls())
	}
}

func TestSecondObserverKeepsPolling(t *testing.T) {
	h := newHarness(t, step{status: "pending"})
	stopFirst := h.observe(t, segKey)
	stopSecond := h.observe(t, segKey)

	stopFirst()
	if !h.poller.Active(segKey) {
		t.Fatal("expected polling to continue while an observer remains")
	}
	stopSecond()
	if h.poller.Active(segKey) {
		t.Fatal("expected polling to stop with the last observer")
	}
}

func TestTickSkippedWhileFetchInFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, step{status: "pending"}, step{status: "pending", block: release}, step{status: "pending"})
	h.observe(t, segKey)

	h.clock.Advance(interval)
	h.clock.Advance(interval)
	if got := h.count(poll.EventSkipped); got != 1 {
		t.Fatalf("expected one skipped tick, got %d", got)
	}
	close(release)
	h.poller.Wait()

	if h.script.Calls() != 2 {
		t.Fatalf("expected overlapping tick to be skipped, not queued; calls=%d", h.script.Calls())
	}
	h.tick()
	if h.script.Calls() != 3 {
		t.Fatalf("expected schedule to continue after the slow fetch, calls=%d", h.script.Calls())
	}
}

func TestHiddenPausesFetching(t *testing.T) {
	h := newHarness(t, step{status: "pending"})
	h.observe(t, segKey)

	h.poller.SetVisible(false)
	for i := 0; i < 3; i++ {
		h.tick()
	}
	if h.script.Calls() != 1 {
		t.Fatalf("expected no fetches while hidden, got %d calls", h.script.Calls())
	}
	if !h.poller.Active(segKey) {
		t.Fatal("hidden subscription must stay alive")
	}

	h.poller.SetVisible(true)
	h.poller.Wait()
	if h.script.Calls() != 1 {
		t.Fatal("becoming visible must not fire a tick immediately")
	}
	h.tick()
	if h.script.Calls() != 2 {
		t.Fatalf("expected fetch on the next scheduled tick, got %d calls", h.script.Calls())
	}
}

func TestConsecutiveFailuresDegrade(t *testing.T) {
	netErr := apierr.Wrap(apierr.KindNetwork, "get segment", "request timed out", context.DeadlineExceeded)
	h := newHarness(t,
		step{status: "pending"},
		step{err: netErr},
		step{err: netErr},
		step{err: netErr},
		step{status: "in_progress"},
	)
	h.observe(t, segKey)

	h.tick()
	h.tick()
	if h.poller.Degraded(segKey) {
		t.Fatal("degraded too early")
	}
	h.tick()
	if !h.poller.Degraded(segKey) {
		t.Fatal("expected degraded after three consecutive failures")
	}
	if !h.poller.Active(segKey) {
		t.Fatal("degraded subscription must not be cancelled")
	}
	if got, ok := h.store.Get(segKey); !ok || got.Status != "pending" {
		t.Fatalf("failures must not clear the cached value, got %q", got.Status)
	}

	h.tick()
	if h.poller.Degraded(segKey) {
		t.Fatal("expected recovery after a successful tick")
	}
	if h.count(poll.EventDegraded) != 1 || h.count(poll.EventRecovered) != 1 {
		t.Fatalf("unexpected events: degraded=%d recovered=%d", h.count(poll.EventDegraded), h.count(poll.EventRecovered))
	}
}

func TestAuthFailureEndsSubscription(t *testing.T) {
	authErr := apierr.Wrap(apierr.KindAuth, "get segment", "credential expired", nil)
	h := newHarness(t, step{status: "pending"}, step{err: authErr})
	h.observe(t, segKey)

	h.tick()
	if h.poller.Active(segKey) {
		t.Fatal("expected auth failure to cancel the subscription")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.auth) != 1 {
		t.Fatalf("expected session termination path once, got %d", len(h.auth))
	}
}

func TestNotFoundCancels(t *testing.T) {
	h := newHarness(t, step{status: "pending"}, step{err: apierr.Wrap(apierr.KindNotFound, "get segment", "gone", nil)})
	h.observe(t, segKey)

	h.tick()
	if h.poller.Active(segKey) {
		t.Fatal("expected not-found to cancel the subscription")
	}
}

func TestAssemblingAccelerates(t *testing.T) {
	key := entity.AnimationKey("an-1")
	h := newHarness(t, step{status: "in_progress"}, step{status: "assembling"}, step{status: "assembling"}, step{status: "in_progress"})
	h.observe(t, key)

	h.tick()
	if got, _ := h.poller.Interval(key); got != 2*time.Second {
		t.Fatalf("expected accelerated interval, got %v", got)
	}
	h.clock.Advance(2 * time.Second)
	h.poller.Wait()
	if h.script.Calls() != 3 {
		t.Fatalf("expected tick two seconds after the assembling tick, calls=%d", h.script.Calls())
	}

	h.clock.Advance(2 * time.Second)
	h.poller.Wait()
	if got, _ := h.poller.Interval(key); got != 2*time.Second {
		t.Fatalf("interval must never grow back, got %v", got)
	}
}

func TestObserveTerminalDoesNotPoll(t *testing.T) {
	h := newHarness(t, step{status: "completed"})
	h.observe(t, segKey)
	if h.poller.Active(segKey) {
		t.Fatal("terminal entity must not be polled")
	}
}

func TestRestartPollsNewJob(t *testing.T) {
	h := newHarness(t, step{status: "completed"}, step{status: "pending"}, step{status: "completed"})
	h.observe(t, segKey)

	if !h.poller.Restart(segKey) {
		t.Fatal("expected Restart to start a subscription")
	}
	h.tick()
	if got, _ := h.store.Get(segKey); got.Status != "pending" {
		t.Fatalf("expected regenerated job status, got %q", got.Status)
	}
	h.tick()
	if h.poller.Active(segKey) {
		t.Fatal("expected restarted subscription to end on terminal status")
	}
}

func TestRestartWithoutObserversIsNoop(t *testing.T) {
	h := newHarness(t, step{status: "pending"})
	if h.poller.Restart(segKey) {
		t.Fatal("expected Restart without observers to do nothing")
	}
}

func TestStoreClearStopsSubscriptions(t *testing.T) {
	h := newHarness(t, step{status: "pending"})
	h.observe(t, segKey)
	h.store.Clear()
	if h.poller.Active(segKey) {
		t.Fatal("expected cache clear to stop polling")
	}
	h.tick()
	if h.script.Calls() != 1 {
		t.Fatalf("expected no ticks after clear, got %d calls", h.script.Calls())
	}
}
