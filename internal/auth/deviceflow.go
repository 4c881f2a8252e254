package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// PromptFunc shows the user code and verification address to the user.
type PromptFunc func(ctx context.Context, auth *oauth2.DeviceAuthResponse) error

// DeviceFlow implements DeviceAuthorizer with the OAuth device grant.
type DeviceFlow struct {
	config oauth2.Config
	client *http.Client
	prompt PromptFunc
}

// DeviceFlowConfig names the OAuth client and endpoints.
type DeviceFlowConfig struct {
	ClientID      string
	Scopes        []string
	DeviceCodeURL string
	TokenURL      string
}

// NewDeviceFlow returns a device authorizer.
func NewDeviceFlow(cfg DeviceFlowConfig, client *http.Client, prompt PromptFunc) (*DeviceFlow, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client id is required")
	}
	if cfg.DeviceCodeURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("device code and token urls are required")
	}
	if prompt == nil {
		return nil, errors.New("prompt must not be nil")
	}
	return &DeviceFlow{
		config: oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceCodeURL,
				TokenURL:      cfg.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		client: client,
		prompt: prompt,
	}, nil
}

// Authorize requests a device code, prompts the user and polls until the
// grant is approved, denied or the code expires.
func (d *DeviceFlow) Authorize(ctx context.Context) (string, error) {
	if d.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	}

	deviceAuth, err := d.config.DeviceAuth(ctx)
	if err != nil {
		return "", fmt.Errorf("request device code: %w", err)
	}
	if err := d.prompt(ctx, deviceAuth); err != nil {
		return "", fmt.Errorf("prompt user: %w", err)
	}

	token, err := d.config.DeviceAccessToken(ctx, deviceAuth)
	if err != nil {
		return "", fmt.Errorf("poll device token: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("device flow returned an empty token")
	}
	return token.AccessToken, nil
}
