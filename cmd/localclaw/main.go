// Package main is the entry point for the localclaw CLI.
package main

import (
	"os"

	"github.com/KafClaw/localclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
