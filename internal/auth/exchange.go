package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPExchanger calls the Copilot token endpoint.
type HTTPExchanger struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewHTTPExchanger returns an exchanger for url. headers are sent on every
// call alongside the token.
func NewHTTPExchanger(url string, client *http.Client, headers map[string]string) (*HTTPExchanger, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("exchange url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExchanger{url: url, client: client, headers: headers}, nil
}

// Exchange trades the long-lived token for a bearer.
func (e *HTTPExchanger) Exchange(ctx context.Context, exchangeToken string) (Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("create exchange request: %w", err)
	}
	for key, value := range e.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Authorization", "token "+exchangeToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, fmt.Errorf("read exchange response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Grant{}, fmt.Errorf("%w: status %d: %s", ErrExchangeTokenRejected, resp.StatusCode, exchangeMessage(body))
	case resp.StatusCode >= http.StatusBadRequest:
		return Grant{}, fmt.Errorf("exchange failed: status %d: %s", resp.StatusCode, exchangeMessage(body))
	}

	parsed := gjson.ParseBytes(body)
	bearer := parsed.Get("token").String()
	if bearer == "" {
		return Grant{}, errors.New("exchange response has no token")
	}
	expires := parsed.Get("expires_at").Int()
	if expires <= 0 {
		return Grant{}, errors.New("exchange response has no expires_at")
	}
	return Grant{
		Bearer:    bearer,
		ExpiresAt: time.Unix(expires, 0),
		RefreshIn: time.Duration(parsed.Get("refresh_in").Int()) * time.Second,
	}, nil
}

func exchangeMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() {
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}
