package main

import (
	"fmt"
	"os"

	"github.com/Guizzs26/go-offline-sync/internal/cli"
	"github.com/Guizzs26/go-offline-sync/internal/config"
)

func main() {
	cmd := cli.NewRootCommand(config.Load())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
