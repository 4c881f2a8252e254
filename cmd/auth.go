package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/logging"
	providerfactory "copilot-gateway/internal/provider/factory"
)

const authUsage = `Usage:
  copilot-gateway auth [--config <path>] [--env-file <path>] [--no-browser]

Flags:
  --config     string   Path to YAML configuration file (defaults apply when omitted)
  --env-file   string   Load environment variables from this file first (default ".env")
  --no-browser          Print the verification address without opening a browser`

func authenticate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, authUsage)
	}

	var cfgPath, envFile string
	var noBrowser bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&envFile, "env-file", ".env", "path to .env file")
	fs.BoolVar(&noBrowser, "no-browser", false, "do not open a browser")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: parse auth flags: %w", ErrUsage, err)
	}

	cfg, err := loadConfig(cfgPath, envFile)
	if err != nil {
		return err
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

	flow, err := auth.NewDeviceFlow(auth.DeviceFlowConfig{
		ClientID:      cfg.Auth.ClientID,
		Scopes:        cfg.Auth.Scopes,
		DeviceCodeURL: cfg.Auth.DeviceCodeURL,
		TokenURL:      cfg.Auth.TokenURL,
	}, providerfactory.NewHTTPClient(authHTTPTimeout), promptUser(!noBrowser))
	if err != nil {
		return err
	}

	exchanger, err := newExchanger(cfg)
	if err != nil {
		return err
	}
	manager, err := auth.NewManager(exchanger, cfg.Auth.RefreshMargin,
		auth.WithStore(store), auth.WithDeviceAuthorizer(flow))
	if err != nil {
		return err
	}

	cred, err := manager.ObtainInitial(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Authenticated. Copilot token valid until %s.\n", cred.ExpiresAt.Local().Format(time.RFC1123))
	fmt.Printf("Credential saved to %s (%s store).\n", cfg.Auth.StorePath, cfg.Auth.Store)
	return nil
}

func promptUser(openBrowser bool) auth.PromptFunc {
	return func(_ context.Context, da *oauth2.DeviceAuthResponse) error {
		fmt.Println()
		fmt.Printf("Open %s and enter the code: %s\n", da.VerificationURI, da.UserCode)
		if !da.Expiry.IsZero() {
			fmt.Printf("The code expires at %s.\n", da.Expiry.Local().Format(time.Kitchen))
		}
		fmt.Println("Waiting for authorization...")

		if openBrowser {
			if err := browser.OpenURL(da.VerificationURI); err != nil {
				slog.Warn("could not open browser", "error", err)
			}
		}
		return nil
	}
}
