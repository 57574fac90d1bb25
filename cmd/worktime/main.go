// Package main is the entry point for the worktime CLI application
package main

import (
	"fmt"
	"os"

	"github.com/intranet/worktime/internal/cli"
	"go.uber.org/zap"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	cli.SetVersionInfo(Version, BuildDate)

	if err := cli.Execute(); err != nil {
		zap.L().Error("worktime execution failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
