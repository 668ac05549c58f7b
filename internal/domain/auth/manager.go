package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/domain/auth/store"
	"m-sync-go/internal/domain/eventbus"
	"m-sync-go/internal/platform/observability"
)

type (
	// Credential re-exports the shared auth entity for callers.
	Credential = model.Credential
	// Logger re-exports the logging interface used across the domain.
	Logger = model.Logger
)

var (
	ErrInvalidCredential  = errors.New("invalid credential")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrCredentialRevoked  = errors.New("credential revoked")
	ErrCredentialNotFound = errors.New("credential not found")
)

const (
	defaultCleanupInterval = 10 * time.Minute
	minCleanupInterval     = 30 * time.Second
)

// Options encapsulates the dependencies required to construct a Manager.
type Options struct {
	Store  store.Store
	Logger Logger
	Token  *AuthToken
	Events eventbus.Publisher
	// DefaultTTL applies when an IssueRequest carries no TTL. Zero means
	// credentials never expire.
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Now             func() time.Time
}

// IssueRequest describes a credential to mint.
type IssueRequest struct {
	AccountID    string
	Username     string
	Label        string
	DeviceType   string
	Capabilities []model.Capability
	// TTL overrides the default lifetime; a pointer to zero means never expires.
	TTL *time.Duration
	// Reason is recorded on the credential:issued event.
	Reason string
}

// Issued is a freshly minted bearer credential and its record.
type Issued struct {
	Token      string
	Credential model.Credential
}

// Manager issues, verifies, refreshes and revokes credentials.
type Manager struct {
	store      store.Store
	logger     Logger
	token      *AuthToken
	events     eventbus.Publisher
	defaultTTL time.Duration
	now        func() time.Time

	cleanupInterval time.Duration
	cleanupStop     chan struct{}
	cleanupOnce     sync.Once
}

// NewManager wires a Manager using the supplied options and starts the
// store cleanup loop.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("auth manager requires a store")
	}
	if opts.Logger == nil {
		return nil, errors.New("auth manager requires a logger")
	}
	if opts.Token == nil {
		return nil, errors.New("auth manager requires a token signer")
	}
	if opts.DefaultTTL < 0 {
		return nil, errors.New("auth manager default ttl must not be negative")
	}
	events := opts.Events
	if events == nil {
		events = eventbus.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cleanupInterval := opts.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	} else if cleanupInterval < minCleanupInterval {
		opts.Logger.Warn("cleanup interval %s too small, adjusting to %s", cleanupInterval, minCleanupInterval)
		cleanupInterval = minCleanupInterval
	}

	mgr := &Manager{
		store:           opts.Store,
		logger:          opts.Logger,
		token:           opts.Token,
		events:          events,
		defaultTTL:      opts.DefaultTTL,
		now:             now,
		cleanupInterval: cleanupInterval,
		cleanupStop:     make(chan struct{}),
	}

	go mgr.runCleanup()
	return mgr, nil
}

func (m *Manager) runCleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.store.CleanupExpired(context.Background()); err != nil {
				m.logger.Warn("credential store cleanup failed: %v", err)
			}
		case <-m.cleanupStop:
			return
		}
	}
}

// Issue mints a new credential.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.AccountID == "" {
		return Issued{}, fmt.Errorf("account id must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = append([]model.Capability(nil), model.DefaultCapabilities...)
	}
	ttl := m.defaultTTL
	if req.TTL != nil {
		ttl = *req.TTL
	}
	if ttl < 0 {
		return Issued{}, fmt.Errorf("credential ttl must not be negative")
	}

	issuedAt := m.now().UTC().Truncate(time.Second)
	cred := model.Credential{
		ID:           uuid.NewString(),
		AccountID:    req.AccountID,
		Username:     req.Username,
		Label:        req.Label,
		DeviceType:   req.DeviceType,
		Capabilities: caps,
		IssuedAt:     issuedAt,
	}
	if ttl > 0 {
		expiresAt := issuedAt.Add(ttl)
		cred.ExpiresAt = &expiresAt
	}

	signed, err := m.token.Sign(cred.ID, cred.AccountID, cred.DeviceType, cred.IssuedAt, cred.ExpiresAt)
	if err != nil {
		return Issued{}, err
	}
	if err := m.store.Store(ctx, cred); err != nil {
		m.logger.Error("failed to store credential %s: %v", cred.ID, err)
		return Issued{}, err
	}

	m.logger.Debug("issued credential %s for account %s", cred.ID, cred.AccountID)
	m.events.Publish(eventbus.EventCredentialIssued, eventbus.CredentialEventData{
		AccountID:    cred.AccountID,
		CredentialID: cred.ID,
		Reason:       req.Reason,
		At:           issuedAt,
	})
	return Issued{Token: signed, Credential: cred}, nil
}

// Verify checks a bearer credential and returns its record. Failures match
// ErrInvalidCredential, ErrCredentialExpired or ErrCredentialRevoked.
func (m *Manager) Verify(ctx context.Context, bearer string) (cred model.Credential, err error) {
	ctx, end := observability.StartSpan(ctx, "auth", "verify")
	defer func() { end(err) }()

	if bearer == "" {
		return model.Credential{}, ErrInvalidCredential
	}
	claims, err := m.token.Parse(bearer)
	if err != nil {
		return model.Credential{}, err
	}

	cred, err = m.store.Get(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Credential{}, ErrInvalidCredential
	}
	if err != nil {
		return model.Credential{}, err
	}

	switch {
	case cred.AccountID != claims.Subject:
		return model.Credential{}, ErrInvalidCredential
	case cred.Revoked():
		return model.Credential{}, ErrCredentialRevoked
	case cred.Expired(m.now()):
		return model.Credential{}, ErrCredentialExpired
	}
	return cred, nil
}

// Refresh verifies bearer, issues its successor with the same attributes and
// revokes the superseded credential.
func (m *Manager) Refresh(ctx context.Context, bearer string) (Issued, error) {
	current, err := m.Verify(ctx, bearer)
	if err != nil {
		return Issued{}, err
	}

	next, err := m.Issue(ctx, IssueRequest{
		AccountID:    current.AccountID,
		Username:     current.Username,
		Label:        current.Label,
		DeviceType:   current.DeviceType,
		Capabilities: current.Capabilities,
		Reason:       "refresh",
	})
	if err != nil {
		return Issued{}, err
	}

	if err := m.revoke(ctx, current, next.Credential.ID, "refresh"); err != nil {
		m.logger.Warn("superseded credential %s not revoked: %v", current.ID, err)
	}
	return next, nil
}

// Revoke revokes a credential of the account. Unknown ids and ids owned by
// other accounts both report ErrCredentialNotFound.
func (m *Manager) Revoke(ctx context.Context, accountID, credentialID string) error {
	cred, err := m.store.Get(ctx, credentialID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cred.AccountID != accountID) {
		return ErrCredentialNotFound
	}
	if err != nil {
		return err
	}
	if cred.Revoked() {
		return nil
	}
	return m.revoke(ctx, cred, "", "revoke")
}

func (m *Manager) revoke(ctx context.Context, cred model.Credential, supersededBy, reason string) error {
	at := m.now().UTC()
	if err := m.store.Revoke(ctx, cred.ID, at, supersededBy); err != nil {
		return err
	}
	m.logger.Info("revoked credential %s of account %s (%s)", cred.ID, cred.AccountID, reason)
	m.events.Publish(eventbus.EventCredentialRevoked, eventbus.CredentialEventData{
		AccountID:    cred.AccountID,
		CredentialID: cred.ID,
		Reason:       reason,
		At:           at,
	})
	return nil
}

// List returns the usable credentials of an account.
func (m *Manager) List(ctx context.Context, accountID string) ([]model.Credential, error) {
	return m.store.ListByAccount(ctx, accountID)
}

// Stats returns debug information from the store backend.
func (m *Manager) Stats(ctx context.Context) (map[string]any, error) {
	return m.store.Stats(ctx)
}

// Close stops the cleanup loop and releases the store.
func (m *Manager) Close() error {
	var err error
	m.cleanupOnce.Do(func() {
		close(m.cleanupStop)
		if closeErr := m.store.Close(context.Background()); closeErr != nil {
			err = closeErr
			m.logger.Error("failed closing credential store: %v", closeErr)
		}
	})
	return err
}
