// Package session ends the signed-in session when the service rejects the
// credential.
package session

import (
	"log/slog"
	"sync"

	"avatarctl/internal/logging"
)

// CredentialStore is the credential side of session termination.
type CredentialStore interface {
	Clear() error
}

// Cache is the cache side of session termination.
type Cache interface {
	Clear()
}

// RedirectFunc sends the user back to sign-in. It receives the failure that
// ended the session.
type RedirectFunc func(cause error)

// Terminator clears the credential and the cache and redirects to sign-in,
// exactly once per session no matter how many requests fail concurrently.
type Terminator struct {
	creds    CredentialStore
	cache    Cache
	redirect RedirectFunc
	logger   *slog.Logger

	mu    sync.Mutex
	ended bool
	cause error
}

// NewTerminator builds a Terminator. Any dependency may be nil.
func NewTerminator(creds CredentialStore, cache Cache, redirect RedirectFunc, logger *slog.Logger) *Terminator {
	return &Terminator{
		creds:    creds,
		cache:    cache,
		redirect: redirect,
		logger:   logging.NewComponentLogger(logger, "session"),
	}
}

// SetRedirect replaces the redirect hook.
func (t *Terminator) SetRedirect(fn RedirectFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redirect = fn
}

// Terminate ends the session. It reports whether this call did the work;
// later calls in the same session are no-ops.
func (t *Terminator) Terminate(cause error) bool {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return false
	}
	t.ended = true
	t.cause = cause
	redirect := t.redirect
	t.mu.Unlock()

	if t.creds != nil {
		if err := t.creds.Clear(); err != nil {
			logging.WarnWithContext(t.logger, "failed to clear credential", "credential_clear_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run avatarctl logout to remove the stored token"),
				logging.String(logging.FieldImpact, "stale credential remains on disk"),
			)
		}
	}
	if t.cache != nil {
		t.cache.Clear()
	}
	t.logger.Info("session ended", logging.Error(cause))
	if redirect != nil {
		redirect(cause)
	}
	return true
}

// Begin re-arms the terminator after a successful sign-in.
func (t *Terminator) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = false
	t.cause = nil
}

// Ended reports whether the current session was terminated.
func (t *Terminator) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Cause returns the failure that ended the session, if any.
func (t *Terminator) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}
