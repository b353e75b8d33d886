package main

import (
	"os"

	"github.com/syntor/querybot/internal/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime
	cli.GitCommit = gitCommit

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
