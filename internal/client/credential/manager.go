// Package credential keeps the client's bearer credential usable: it loads
// the encrypted copy on disk, confirms it with the broker, refreshes it
// before expiry and falls back to the interactive browser login.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"m-sync-go/internal/client/api"
	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/protocol"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookahead     = 30 * time.Minute
)

// Store persists the credential between runs.
type Store interface {
	Load() (api.Credential, bool, error)
	Save(api.Credential) error
	Delete() error
}

// Validator talks to the broker's auth endpoints.
type Validator interface {
	Validate(ctx context.Context, token string) (protocol.TokenInfo, error)
	Refresh(ctx context.Context, token string) (api.Credential, error)
}

// Authenticator obtains a brand new credential, usually interactively.
type Authenticator interface {
	Run(ctx context.Context) (api.Credential, error)
}

// Logger is the logging contract of the credential package.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// RefreshListener is told about a credential that replaced the active one
// while the client was running.
type RefreshListener func(ctx context.Context, cred api.Credential)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store     Store
	Validator Validator
	Login     Authenticator
	Logger    Logger
	// CheckInterval is how often Run looks at the active credential's expiry.
	CheckInterval time.Duration
	// Lookahead is the remaining lifetime below which Run refreshes.
	Lookahead time.Duration
	Now       func() time.Time
}

// Manager hands out usable credentials. Calls are serialised so only one
// refresh or login runs at a time.
type Manager struct {
	store         Store
	validator     Validator
	login         Authenticator
	logger        Logger
	checkInterval time.Duration
	lookahead     time.Duration
	now           func() time.Time

	mu      sync.Mutex
	current *api.Credential

	listenersMu sync.RWMutex
	listeners   []RefreshListener
}

// NewManager validates opts and builds a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("credential manager requires a store")
	}
	if opts.Validator == nil {
		return nil, errors.New("credential manager requires a validator")
	}
	if opts.Login == nil {
		return nil, errors.New("credential manager requires an authenticator")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = defaultLookahead
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:         opts.Store,
		validator:     opts.Validator,
		login:         opts.Login,
		logger:        opts.Logger,
		checkInterval: opts.CheckInterval,
		lookahead:     opts.Lookahead,
		now:           opts.Now,
	}, nil
}

// OnRefresh registers fn to run after a background refresh replaced the
// active credential.
func (m *Manager) OnRefresh(fn RefreshListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Current returns the active credential without contacting the broker.
func (m *Manager) Current() (api.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.loadLocked()
	return cred, ok
}

// Credential returns a credential that is locally unexpired and confirmed
// by the broker, or a new one from the interactive login. A validation
// call that cannot reach the broker does not confirm the credential.
// Failure matches platformerrors.ErrAuthFailure.
func (m *Manager) Credential(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred, ok := m.loadLocked(); ok {
		if cred.Info.ExpiredAt(m.now()) {
			m.logger.Info("stored credential %s expired, logging in again", cred.Info.ID)
		} else {
			info, err := m.validator.Validate(ctx, cred.Token)
			if err == nil {
				cred.Info = info
				m.current = &cred
				return cred.Token, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			m.logger.Warn("stored credential %s not confirmed: %v", cred.Info.ID, err)
		}
	}

	cred, err := m.loginLocked(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// ForceRefresh replaces the active credential: silently through the
// broker's refresh endpoint while the credential is locally valid,
// otherwise (or when that fails) through the interactive login.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.refreshLocked(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Login always runs the interactive flow and stores its credential.
func (m *Manager) Login(ctx context.Context) (api.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

// Logout forgets the active credential and deletes the stored copy.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return m.store.Delete()
}

// Run refreshes the active credential in the background whenever it
// expires within the lookahead window, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.CheckRefresh(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("proactive refresh failed: %v", err)
			}
		}
	}
}

// CheckRefresh performs one proactive check. It reports whether the
// credential was replaced; listeners run before it returns.
func (m *Manager) CheckRefresh(ctx context.Context) (bool, error) {
	m.mu.Lock()
	cred, ok := m.loadLocked()
	if !ok || !cred.Info.ExpiresWithin(m.now(), m.lookahead) {
		m.mu.Unlock()
		return false, nil
	}
	m.logger.Info("credential %s expires at %s, refreshing", cred.Info.ID, cred.Info.ExpiresAt.Format(time.RFC3339))
	fresh, err := m.refreshLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	m.listenersMu.RLock()
	listeners := append([]RefreshListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, fresh)
	}
	return true, nil
}

func (m *Manager) refreshLocked(ctx context.Context) (api.Credential, error) {
	if cred, ok := m.loadLocked(); ok && !cred.Info.ExpiredAt(m.now()) {
		fresh, err := m.validator.Refresh(ctx, cred.Token)
		if err == nil {
			if err := m.persistLocked(fresh); err != nil {
				return api.Credential{}, err
			}
			m.logger.Info("credential %s refreshed as %s", cred.Info.ID, fresh.Info.ID)
			return fresh, nil
		}
		if ctx.Err() != nil {
			return api.Credential{}, ctx.Err()
		}
		m.logger.Warn("silent refresh of %s failed: %v", cred.Info.ID, err)
	}
	return m.loginLocked(ctx)
}

func (m *Manager) loginLocked(ctx context.Context) (api.Credential, error) {
	cred, err := m.login.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return api.Credential{}, ctx.Err()
		}
		return api.Credential{}, platformerrors.Mark(platformerrors.ErrAuthFailure, err)
	}
	if err := m.persistLocked(cred); err != nil {
		return api.Credential{}, err
	}
	m.logger.Info("logged in as %s with credential %s", cred.Info.Username, cred.Info.ID)
	return cred, nil
}

func (m *Manager) persistLocked(cred api.Credential) error {
	m.current = &cred
	if err := m.store.Save(cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (m *Manager) loadLocked() (api.Credential, bool) {
	if m.current != nil {
		return *m.current, true
	}
	cred, ok, err := m.store.Load()
	if err != nil {
		m.logger.Warn("ignoring unreadable credential file: %v", err)
		return api.Credential{}, false
	}
	if !ok || cred.Token == "" {
		return api.Credential{}, false
	}
	m.current = &cred
	return cred, true
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
