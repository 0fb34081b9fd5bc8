package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"avatarctl/internal/cache"
	"avatarctl/internal/config"
	"avatarctl/internal/credential"
	"avatarctl/internal/ledger"
	"avatarctl/internal/logging"
	"avatarctl/internal/mutation"
	"avatarctl/internal/poll"
	"avatarctl/internal/session"
	"avatarctl/internal/transport"
)

// ErrSessionEnded is returned by Watch when the session ends while watching
// and no more specific cause is known.
var ErrSessionEnded = errors.New("session ended: sign in again")

// Options customises Studio construction. Zero values select production
// defaults.
type Options struct {
	Logger     *slog.Logger
	HTTPClient transport.HTTPDoer
	Clock      poll.Clock
	// Credentials replaces the credential store backed by cfg.Auth.StatePath.
	Credentials credential.Store
	// Redirect runs once when the service rejects the credential.
	Redirect session.RedirectFunc
}

// Studio owns one instance of every client-side component.
type Studio struct {
	cfg    *config.Config
	logger *slog.Logger

	creds   *credential.Manager
	client  *transport.Client
	cache   *cache.Store
	poller  *poll.Poller
	gateway *mutation.Gateway
	session *session.Terminator
	jobs    *recorder

	redirect session.RedirectFunc

	mu       sync.Mutex
	ended    chan struct{}
	watchers map[*watcher]struct{}
	closed   bool
}

// New builds a Studio from cfg. The ledger is opened when enabled; a ledger
// that cannot be opened is logged and skipped.
func New(cfg *config.Config, opts Options) (*Studio, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Studio{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "studio"),
		redirect: opts.Redirect,
		ended:    make(chan struct{}),
		watchers: map[*watcher]struct{}{},
	}

	var credOpts []credential.ManagerOption
	if opts.Credentials != nil {
		credOpts = append(credOpts, credential.WithStore(opts.Credentials))
	}
	creds, err := credential.NewManager(cfg, credOpts...)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	s.creds = creds

	clientOpts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithClientID(creds.ClientID()),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(opts.HTTPClient))
	}
	client, err := transport.New(cfg, creds, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.client = client

	s.cache = cache.New(client.Resolve, cache.WithLogger(logger))
	s.session = session.NewTerminator(creds, s.cache, s.sessionEnded, logger)
	client.SetAuthFailureHook(s.endSession)

	pollOpts := []poll.Option{
		poll.WithLogger(logger),
		poll.WithAuthFailure(s.endSession),
		poll.WithEventHook(s.handlePollEvent),
	}
	if opts.Clock != nil {
		pollOpts = append(pollOpts, poll.WithClock(opts.Clock))
	}
	s.poller = poll.New(s.cache, poll.PolicyFromConfig(cfg), pollOpts...)
	s.gateway = mutation.New(s.cache,
		mutation.WithLogger(logger),
		mutation.WithAuthFailure(s.endSession),
	)

	store, err := ledger.Open(cfg)
	switch {
	case err == nil:
		s.jobs = newRecorder(store, logger)
	case errors.Is(err, ledger.ErrDisabled):
	default:
		logging.WarnWithContext(s.logger, "job ledger unavailable", "ledger_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ledger.path or set ledger.enabled = false"),
			logging.String(logging.FieldImpact, "started jobs cannot be resumed later"),
		)
	}
	return s, nil
}

// Config returns the configuration the studio was built from.
func (s *Studio) Config() *config.Config {
	return s.cfg
}

// Account returns the signed-in account name, if known.
func (s *Studio) Account() string {
	return s.creds.Account()
}

// SignedIn reports whether a credential is available locally.
func (s *Studio) SignedIn() bool {
	return s.creds.HasToken()
}

// Login exchanges account credentials for a token, stores it and starts a new
// session.
func (s *Studio) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	res, err := s.client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	account := strings.TrimSpace(res.Account)
	if account == "" {
		account = email
	}
	if err := s.creds.SetToken(res.Token, account); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	s.session.Begin()

	s.mu.Lock()
	select {
	case <-s.ended:
		s.ended = make(chan struct{})
	default:
	}
	s.mu.Unlock()

	s.logger.Info("signed in", logging.String("account", account))
	return nil
}

// Logout forgets the stored credential and every cached entity.
func (s *Studio) Logout() error {
	if err := s.creds.Clear(); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	s.cache.Clear()
	s.logger.Info("signed out")
	return nil
}

// SessionActive reports whether the current session has not been terminated
// by an auth failure.
func (s *Studio) SessionActive() bool {
	return !s.session.Ended()
}

// SetVisible pauses (false) or resumes (true) polling fetches.
func (s *Studio) SetVisible(visible bool) {
	s.poller.SetVisible(visible)
}

// Close stops polling, waits for in-flight fetches and closes the ledger.
func (s *Studio) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.poller.Close()
	s.cache.Close()
	if s.jobs != nil {
		return s.jobs.Close()
	}
	return nil
}

func (s *Studio) endSession(cause error) {
	s.session.Terminate(cause)
}

// sessionEnded runs once per session, after the credential and cache are
// cleared.
func (s *Studio) sessionEnded(cause error) {
	s.mu.Lock()
	select {
	case <-s.ended:
	default:
		close(s.ended)
	}
	redirect := s.redirect
	s.mu.Unlock()

	if redirect != nil {
		redirect(cause)
	}
}

func (s *Studio) endedChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
