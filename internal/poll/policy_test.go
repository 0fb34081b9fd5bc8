package poll_test

import (
	"testing"
	"time"

	"avatarctl/internal/config"
	"avatarctl/internal/entity"
	"avatarctl/internal/poll"
)

func TestPolicyInterval(t *testing.T) {
	policy := poll.Policy{
		Base: map[entity.Kind]time.Duration{
			entity.KindAvatar:    5 * time.Second,
			entity.KindAnimation: 0,
			entity.KindStory:     2 * time.Minute,
		},
		Accelerated: map[entity.Status]time.Duration{"assembling": 2 * time.Second},
	}

	tests := []struct {
		name   string
		kind   entity.Kind
		status entity.Status
		want   time.Duration
	}{
		{name: "base", kind: entity.KindAvatar, status: "pending", want: 5 * time.Second},
		{name: "accelerated", kind: entity.KindAvatar, status: "Assembling", want: 2 * time.Second},
		{name: "unset clamps to max", kind: entity.KindAnimation, status: "pending", want: poll.MaxInterval},
		{name: "above max clamps", kind: entity.KindStory, status: "queued", want: poll.MaxInterval},
		{name: "unknown kind", kind: entity.KindSegment, status: "pending", want: poll.MaxInterval},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.Interval(tc.kind, tc.status); got != tc.want {
				t.Fatalf("Interval(%s, %s) = %v, want %v", tc.kind, tc.status, got, tc.want)
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Polling.SegmentIntervalSeconds = 7
	policy := poll.PolicyFromConfig(&cfg)

	if got := policy.Interval(entity.KindSegment, "in_progress"); got != 7*time.Second {
		t.Fatalf("expected configured segment interval, got %v", got)
	}
	if got := policy.Interval(entity.KindSegment, "assembling"); got != 2*time.Second {
		t.Fatalf("expected assembling interval, got %v", got)
	}
	if policy.DegradedAfter != 3 || !policy.PauseWhenHidden {
		t.Fatalf("unexpected policy %#v", policy)
	}
}

func TestFakeClockOrdersTimers(t *testing.T) {
	clock := poll.NewFakeClock(time.Unix(0, 0))
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	if !stopped.Stop() {
		t.Fatal("expected Stop to cancel a pending timer")
	}

	clock.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("unexpected firing order %v", order)
	}
	if !clock.Now().Equal(time.Unix(5, 0)) {
		t.Fatalf("unexpected clock time %v", clock.Now())
	}
}
