package credential

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"avatarctl/internal/config"
)

var (
	// ErrMissing is returned when no credential has been stored yet.
	ErrMissing = errors.New("credential missing")
	// ErrExpired is returned when the stored credential is a JWT past its exp claim.
	ErrExpired = errors.New("credential expired")
)

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithStore injects a custom persistence layer.
func WithStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// WithStaticToken pins a token that takes precedence over the stored one.
func WithStaticToken(token string) ManagerOption {
	return func(m *Manager) {
		m.override = strings.TrimSpace(token)
	}
}

// WithNow overrides the clock used for expiry checks (used in tests).
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the credential attached to every request.
type Manager struct {
	store    Store
	override string
	now      func() time.Time

	mu    sync.RWMutex
	state State
}

// NewManager builds a Manager from configuration and loads persisted state.
func NewManager(cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	mgr := &Manager{
		override: strings.TrimSpace(cfg.Auth.Token),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	if mgr.store == nil {
		mgr.store = NewFileStore(cfg.Auth.StatePath)
	}
	if err := mgr.loadInitialState(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) loadInitialState() error {
	state, err := m.store.Load()
	if err != nil {
		return err
	}

	dirty := false
	if state.ClientID == "" {
		state.ClientID = uuid.NewString()
		dirty = true
	}
	m.state = state

	if dirty {
		if err := m.store.Save(m.state); err != nil {
			return err
		}
	}
	return nil
}

// Token returns the current credential, or ErrMissing / ErrExpired. It never
// touches the network.
func (m *Manager) Token() (string, error) {
	m.mu.RLock()
	token := m.override
	if token == "" {
		token = m.state.Token
	}
	m.mu.RUnlock()

	if token == "" {
		return "", ErrMissing
	}
	if exp, ok := ExpiresAt(token); ok && !m.now().Before(exp) {
		return "", ErrExpired
	}
	return token, nil
}

// HasToken reports whether any credential is present, expired or not.
func (m *Manager) HasToken() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.override != "" || m.state.Token != ""
}

// SetToken stores a freshly issued credential.
func (m *Manager) SetToken(token, account string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return errors.New("token is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updated := m.state
	updated.Token = trimmed
	updated.Account = strings.TrimSpace(account)
	updated.SavedAt = m.now().UTC()

	if err := m.store.Save(updated); err != nil {
		return err
	}
	m.state = updated
	m.override = ""
	return nil
}

// Clear drops the credential, including any static override. The client id
// survives so the service keeps seeing the same installation.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := State{ClientID: m.state.ClientID, SavedAt: m.now().UTC()}
	if err := m.store.Save(updated); err != nil {
		return err
	}
	m.state = updated
	m.override = ""
	return nil
}

// ClientID returns the stable installation identifier.
func (m *Manager) ClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ClientID
}

// Account returns the account name recorded at login.
func (m *Manager) Account() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Account
}

// ExpiresAt reports the exp claim of a JWT credential. Opaque tokens and JWTs
// without exp report false. The signature is not verified; the server does
// that on every request.
func ExpiresAt(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
