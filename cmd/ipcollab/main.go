// SPDX-License-Identifier: Apache-2.0

// Package main implements the ipcollab CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI(os.Stdin, os.Stdout, os.Stderr)
	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, c.jsonOut)
		stop()
		os.Exit(exitCode(err))
	}
}
