package session_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"avatarctl/internal/apierr"
	"avatarctl/internal/session"
)

type countingCreds struct{ clears atomic.Int32 }

func (c *countingCreds) Clear() error { c.clears.Add(1); return nil }

type countingCache struct{ clears atomic.Int32 }

func (c *countingCache) Clear() { c.clears.Add(1) }

func TestTerminateRunsOnceUnderConcurrency(t *testing.T) {
	creds := &countingCreds{}
	cache := &countingCache{}
	var redirects atomic.Int32
	term := session.NewTerminator(creds, cache, func(error) { redirects.Add(1) }, nil)

	authErr := apierr.Wrap(apierr.KindAuth, "get avatar", "rejected", nil)
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.Terminate(authErr) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 || creds.clears.Load() != 1 || cache.clears.Load() != 1 || redirects.Load() != 1 {
		t.Fatalf("expected exactly one termination, got winners=%d creds=%d cache=%d redirects=%d",
			winners.Load(), creds.clears.Load(), cache.clears.Load(), redirects.Load())
	}
	if !term.Ended() || !errors.Is(term.Cause(), apierr.ErrAuth) {
		t.Fatalf("expected ended session with auth cause, got %v", term.Cause())
	}
}

func TestBeginRearms(t *testing.T) {
	creds := &countingCreds{}
	term := session.NewTerminator(creds, nil, nil, nil)

	term.Terminate(errors.New("first"))
	term.Begin()
	if term.Ended() {
		t.Fatal("expected Begin to start a new session")
	}
	if !term.Terminate(errors.New("second")) {
		t.Fatal("expected termination in the new session")
	}
	if creds.clears.Load() != 2 {
		t.Fatalf("expected two credential clears, got %d", creds.clears.Load())
	}
}
