// Package auth owns the upstream credential lifecycle: the GitHub device
// flow, the exchange for a short-lived Copilot bearer, refresh and
// persistence.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoCredential is returned by a Store that holds nothing yet.
var ErrNoCredential = errors.New("no stored credential")

// ErrExchangeTokenRejected means the long-lived token was refused by the
// exchange endpoint and the user has to authenticate again.
var ErrExchangeTokenRejected = errors.New("exchange token rejected")

// Credential is the bearer used against the upstream plus the long-lived
// token that mints new bearers.
type Credential struct {
	Bearer        string        `json:"bearer"`
	ExpiresAt     time.Time     `json:"expires_at"`
	RefreshMargin time.Duration `json:"refresh_margin"`
	ExchangeToken string        `json:"exchange_token"`
}

// Expired reports whether the bearer is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	return c.Bearer == "" || !now.Before(c.ExpiresAt)
}

// DueForRefresh reports whether now falls inside the refresh margin.
func (c Credential) DueForRefresh(now time.Time) bool {
	return c.Bearer == "" || !now.Before(c.ExpiresAt.Add(-c.RefreshMargin))
}

// Grant is one successful exchange.
type Grant struct {
	Bearer    string
	ExpiresAt time.Time
	// RefreshIn is the server's hint for when to refresh, zero if absent.
	RefreshIn time.Duration
}

// Exchanger trades the long-lived token for a bearer.
type Exchanger interface {
	Exchange(ctx context.Context, exchangeToken string) (Grant, error)
}

// DeviceAuthorizer runs an interactive device authorization and returns
// the long-lived token.
type DeviceAuthorizer interface {
	Authorize(ctx context.Context) (string, error)
}

// Store persists a credential across restarts.
type Store interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, cred Credential) error
}

// State is the lifecycle position of a Manager.
type State int

const (
	StateUnauthenticated State = iota
	StatePendingExchange
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePendingExchange:
		return "pending_exchange"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}
