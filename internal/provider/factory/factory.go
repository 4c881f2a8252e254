package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"copilot-gateway/internal/config"
	"copilot-gateway/internal/models"
	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/provider/copilot"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewUpstream constructs the configured upstream provider.
func NewUpstream(cfg config.Config) (*copilot.Provider, error) {
	timeout := cfg.Upstream.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	headerTimeout := cfg.Upstream.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHTTPTimeout
	}
	upstream, err := copilot.New(cfg.Upstream, NewHTTPClient(timeout), NewStreamingClient(headerTimeout))
	if err != nil {
		return nil, fmt.Errorf("initialise upstream provider: %w", err)
	}
	return upstream, nil
}

// RegisterConfiguredModels loads the capability catalog from configuration.
func RegisterConfiguredModels(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, model := range cfg.Models {
		entry := models.Model{
			ID:              model.ID,
			Vendor:          model.Vendor,
			MaxOutputTokens: model.MaxOutputTokens,
		}
		if err := registry.Register(entry, model.Aliases...); err != nil {
			return fmt.Errorf("register model %q: %w", model.ID, err)
		}
	}
	return nil
}

// NewHTTPClient returns a client with the shared transport tuning whose
// timeout covers the whole exchange, body included.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
}

// NewStreamingClient returns a client for long-lived event streams. Only the
// wait for response headers is bounded; the body runs until the request
// context ends.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	transport := newTransport()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
