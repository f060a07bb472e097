package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/coldvault/internal/cli"
	"github.com/sheerbytes/coldvault/internal/config"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Fprintln(os.Stdout, "coldvault", version)
			return
		case "--help", "-h", "help":
			cli.PrintUsage(os.Stdout)
			return
		}
	}

	opts, err := config.ParseOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coldvault: %v\n", err)
		os.Exit(cli.ExitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, opts, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
