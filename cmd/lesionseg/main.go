package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Set at build time with -ldflags "-X main.GitCommit=...".
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
