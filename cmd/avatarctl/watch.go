package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"avatarctl/internal/entity"
	"avatarctl/internal/studio"
)

// watchEntity prints a status line per change of key until it finishes. A
// job that ends in failure is returned as an error.
func watchEntity(cmd *cobra.Command, s *studio.Studio, key entity.Key) (entity.Entity, error) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	stop := pauseOnSignals(cmd.Context(), s)
	defer stop()

	var mu sync.Mutex
	final, err := s.Watch(cmd.Context(), key, func(u studio.Update) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, entityStatusLine(u.Entity, u.Degraded, colorize))
	})
	if err != nil {
		return final, err
	}
	if final.Class() == entity.TerminalFailure {
		reason := final.FailureReason
		if reason == "" {
			reason = "no reason given"
		}
		return final, fmt.Errorf("%s failed: %s", key, reason)
	}
	return final, nil
}

// pauseOnSignals pauses polling on SIGUSR1 and resumes it on SIGUSR2, the
// way a hidden window stops refreshing.
func pauseOnSignals(ctx context.Context, s *studio.Studio) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				s.SetVisible(sig == syscall.SIGUSR2)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
