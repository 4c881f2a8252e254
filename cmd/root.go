package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const usage = `copilot-gateway serves OpenAI- and Anthropic-shaped chat APIs on top of GitHub Copilot.

Usage:
  copilot-gateway <command> [flags]

Commands:
  serve    Start the HTTP server
  auth     Sign in with the GitHub device flow and store the credential
  version  Print the build version

Flags:
  -h, --help  Show this help message`

// ErrUsage marks command-line mistakes, as opposed to runtime failures.
var ErrUsage = errors.New("usage")

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, version string, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "auth":
		return authenticate(ctx, args[1:])
	case "version", "--version":
		fmt.Println("copilot-gateway", version)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("%w: unknown command %q\n\n%s", ErrUsage, args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
