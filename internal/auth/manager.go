package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"copilot-gateway/internal/apierror"
)

const (
	defaultRefreshTimeout = 30 * time.Second
	defaultRefreshBackoff = 10 * time.Second
	refreshKey            = "refresh"
)

// Manager hands out a valid bearer and refreshes it at most once at a time.
type Manager struct {
	exchanger  Exchanger
	authorizer DeviceAuthorizer
	store      Store
	margin     time.Duration
	timeout    time.Duration
	backoff    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	state State
	cred  Credential
	// retryAt holds back proactive refreshes after a failure while the
	// last-known-good bearer is still usable.
	retryAt time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithStore persists every refreshed credential.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithDeviceAuthorizer enables ObtainInitial.
func WithDeviceAuthorizer(authorizer DeviceAuthorizer) Option {
	return func(m *Manager) { m.authorizer = authorizer }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRefreshTimeout bounds a single exchange call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRefreshBackoff sets how long the last-known-good bearer is served
// after a failed proactive refresh before the exchange is tried again.
func WithRefreshBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns an unauthenticated manager.
func NewManager(exchanger Exchanger, margin time.Duration, opts ...Option) (*Manager, error) {
	if exchanger == nil {
		return nil, errors.New("exchanger must not be nil")
	}
	if margin < 0 {
		return nil, fmt.Errorf("refresh margin must not be negative, got %s", margin)
	}
	m := &Manager{
		exchanger: exchanger,
		margin:    margin,
		timeout:   defaultRefreshTimeout,
		backoff:   defaultRefreshBackoff,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Credential returns a copy of the current credential.
func (m *Manager) Credential() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// NeedsRefresh reports whether the bearer is missing or inside its margin.
// It performs no I/O.
func (m *Manager) NeedsRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ExchangeToken != "" && m.cred.DueForRefresh(m.now())
}

// SetExchangeToken seeds the manager with a long-lived token obtained
// elsewhere. The next GetValid performs the exchange.
func (m *Manager) SetExchangeToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{ExchangeToken: token, RefreshMargin: m.margin}
	m.state = StatePendingExchange
	m.retryAt = time.Time{}
}

// Load restores the credential from the store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return ErrNoCredential
	}
	cred, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if cred.ExchangeToken == "" {
		return ErrNoCredential
	}
	if cred.RefreshMargin <= 0 {
		cred.RefreshMargin = m.margin
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	if cred.Expired(m.now()) {
		m.state = StatePendingExchange
	} else {
		m.state = StateAuthenticated
	}
	return nil
}

// ObtainInitial runs the device flow and the first exchange.
func (m *Manager) ObtainInitial(ctx context.Context) (Credential, error) {
	if m.authorizer == nil {
		return Credential{}, errors.New("no device authorizer configured")
	}
	token, err := m.authorizer.Authorize(ctx)
	if err != nil {
		return Credential{}, apierror.Authentication("device authorization failed", err)
	}
	m.SetExchangeToken(token)
	if _, err := m.flight(ctx, true); err != nil {
		return Credential{}, err
	}
	return m.Credential(), nil
}

// GetValid returns a usable bearer, refreshing first when it is inside the
// margin. Concurrent callers share one refresh, and all of them see its
// error. After a failed refresh the last-known-good bearer is served
// without a new attempt until the backoff passes or it hard-expires.
func (m *Manager) GetValid(ctx context.Context) (string, error) {
	now := m.now()
	m.mu.RLock()
	cred := m.cred
	cooling := m.coolingDown(now)
	m.mu.RUnlock()

	if cred.ExchangeToken == "" {
		return "", apierror.Authentication("not authenticated, run the auth command", nil)
	}
	if !cred.DueForRefresh(now) || cooling {
		return cred.Bearer, nil
	}
	return m.flight(ctx, false)
}

// Refresh exchanges for a new bearer even if the current one looks valid.
// It is used after the upstream rejects a bearer.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	hasToken := m.cred.ExchangeToken != ""
	m.mu.RUnlock()
	if !hasToken {
		return "", apierror.Authentication("not authenticated, run the auth command", nil)
	}
	return m.flight(ctx, true)
}

// Run refreshes in the background until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.NeedsRefresh() {
				continue
			}
			if _, err := m.flight(ctx, false); err != nil && ctx.Err() == nil {
				m.logger.Warn("background credential refresh failed", "error", err)
			}
		}
	}
}

// flight joins or starts the shared refresh. The refresh itself is detached
// from the caller so one cancelled waiter does not fail the others.
func (m *Manager) flight(ctx context.Context, force bool) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(detached, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	if now := m.now(); !force && (!m.cred.DueForRefresh(now) || m.coolingDown(now)) {
		bearer := m.cred.Bearer
		m.mu.Unlock()
		return bearer, nil
	}
	token := m.cred.ExchangeToken
	if token == "" {
		m.state = StateUnauthenticated
		m.mu.Unlock()
		return "", apierror.Authentication("not authenticated, run the auth command", nil)
	}
	if m.cred.Bearer != "" {
		m.state = StateRefreshing
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	grant, err := m.exchanger.Exchange(ctx, token)
	now := m.now()

	m.mu.Lock()
	if err != nil {
		rejected := errors.Is(err, ErrExchangeTokenRejected)
		m.retryAt = time.Time{}
		switch {
		case rejected:
			m.cred = Credential{}
			m.state = StateUnauthenticated
		case m.cred.Expired(now):
			m.state = StateUnauthenticated
		default:
			m.state = StateAuthenticated
			m.retryAt = now.Add(m.backoff)
		}
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("credential refresh failed", "state", state.String(), "error", err)

		// A revoked token must not come back on the next Load.
		if rejected && m.store != nil {
			if err := m.store.Save(ctx, Credential{}); err != nil {
				m.logger.Warn("clear stored credential", "error", err)
			}
		}
		return "", apierror.Authentication("credential refresh failed", err)
	}

	m.cred = Credential{
		Bearer:        grant.Bearer,
		ExpiresAt:     grant.ExpiresAt,
		RefreshMargin: m.marginFor(grant, now),
		ExchangeToken: token,
	}
	m.state = StateAuthenticated
	m.retryAt = time.Time{}
	cred := m.cred
	m.mu.Unlock()

	m.logger.Info("credential refreshed", "expires_at", cred.ExpiresAt.Format(time.RFC3339))
	if m.store != nil {
		if err := m.store.Save(ctx, cred); err != nil {
			m.logger.Warn("persist credential", "error", err)
		}
	}
	return cred.Bearer, nil
}

// coolingDown reports whether a failed refresh is still backing off. The
// caller holds mu.
func (m *Manager) coolingDown(now time.Time) bool {
	return now.Before(m.retryAt) && !m.cred.Expired(now)
}

// marginFor widens the configured margin when the server asks for an
// earlier refresh.
func (m *Manager) marginFor(grant Grant, now time.Time) time.Duration {
	margin := m.margin
	if grant.RefreshIn > 0 {
		if hint := grant.ExpiresAt.Sub(now.Add(grant.RefreshIn)); hint > margin {
			margin = hint
		}
	}
	return margin
}
