package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"copilot-gateway/cmd"
)

// version is stamped at build time with -ldflags "-X main.version=<tag>".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx, version, os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "gateway stopped")
	case errors.Is(err, cmd.ErrUsage):
		fmt.Fprintf(os.Stderr, "copilot-gateway: %v\n", err)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "copilot-gateway: %v\n", err)
		os.Exit(1)
	}
}
