package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/config"
	providerfactory "copilot-gateway/internal/provider/factory"
)

const authHTTPTimeout = 30 * time.Second

// loadConfig reads the optional .env file, then the YAML file. Without a
// config path the defaults and GATEWAY_* variables apply.
func loadConfig(cfgPath, envFile string) (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
		}
	}
	if cfgPath == "" {
		return config.Parse(nil, os.LookupEnv)
	}
	return config.Load(cfgPath)
}

// openStore returns the configured credential store and its closer.
func openStore(ctx context.Context, cfg config.AuthConfig) (auth.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		store, err := auth.OpenSQLiteStore(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return auth.NewFileStore(cfg.StorePath), nopCloser{}, nil
	}
}

// newExchanger builds the bearer exchanger. It sends the same editor
// headers as upstream calls.
func newExchanger(cfg config.Config) (*auth.HTTPExchanger, error) {
	return auth.NewHTTPExchanger(cfg.Auth.ExchangeURL, providerfactory.NewHTTPClient(authHTTPTimeout), cfg.Upstream.Headers)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
