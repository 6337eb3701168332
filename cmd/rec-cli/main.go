// Package main is the entry point for the rec-cli binary, a thin
// demonstration and scripting surface over pkg/rec.
package main

import (
	"fmt"
	"os"

	"github.com/recstack/rec/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
