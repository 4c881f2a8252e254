package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"copilot-gateway/internal/admission"
	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/logging"
	"copilot-gateway/internal/metrics"
	"copilot-gateway/internal/provider"
	providerfactory "copilot-gateway/internal/provider/factory"
	"copilot-gateway/internal/router"
	"copilot-gateway/internal/server"
	"copilot-gateway/internal/tokencount"
)

const serveUsage = `Usage:
  copilot-gateway serve [--config <path>] [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (defaults apply when omitted)
  --port     int      Override server port from configuration
  --env-file string   Load environment variables from this file first (default ".env")`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&envFile, "env-file", ".env", "path to .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: parse serve flags: %w", ErrUsage, err)
	}

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("%w: port override %d must be a valid TCP port", ErrUsage, overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, storeCloser, err := openStore(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	exchanger, err := newExchanger(cfg)
	if err != nil {
		return err
	}
	manager, err := auth.NewManager(exchanger, cfg.Auth.RefreshMargin, auth.WithStore(store))
	if err != nil {
		return err
	}
	switch err := manager.Load(ctx); {
	case cfg.Auth.GitHubToken != "" && manager.Credential().ExchangeToken != cfg.Auth.GitHubToken:
		manager.SetExchangeToken(cfg.Auth.GitHubToken)
	case errors.Is(err, auth.ErrNoCredential):
		slog.Warn("no stored credential, run `copilot-gateway auth` before sending requests")
	case err != nil:
		return fmt.Errorf("load credential: %w", err)
	}

	controller, err := admission.New(cfg.Admission.Interval, admission.Policy(cfg.Admission.Policy))
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredModels(cfg, registry); err != nil {
		return err
	}
	upstream, err := providerfactory.NewUpstream(cfg)
	if err != nil {
		return err
	}

	counter, err := tokencount.New()
	if err != nil {
		return err
	}

	routerOpts := []router.Option{
		router.WithPreamble(cfg.Translation.Preamble),
		router.WithTokenCounter(counter),
	}
	var serverOpts []server.Option
	if cfg.Metrics.Enabled {
		recorder := metrics.New()
		routerOpts = append(routerOpts, router.WithObserver(recorder))
		serverOpts = append(serverOpts, server.WithMetrics(recorder))
	}

	rt, err := router.New(registry, upstream, controller, manager, routerOpts...)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, serverOpts...)
	if err != nil {
		return err
	}

	slog.Info("gateway configured",
		"upstream", cfg.Upstream.BaseURL,
		"models", len(registry.Models()),
		"admission_interval", cfg.Admission.Interval,
		"admission_policy", cfg.Admission.Policy,
		"credential_state", manager.State().String(),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return srv.Run(ctx) })
	group.Go(func() error { return manager.Run(ctx, cfg.Auth.RefreshInterval) })
	return group.Wait()
}
