package main

import (
	"os"

	"github.com/hostimage/hostctl/internal/cli"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
)

// main is the entry point for the hostctl CLI binary.
func main() {
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)
	if err := cli.Execute(os.Args[1:], logger); err != nil {
		if deploy.IsLockError(err) {
			logger.Error("system is busy: another hostctl operation holds the lock, retry later", "error", err)
			os.Exit(1)
		}
		logger.Error("command failed", "error", err, "kind", deploy.KindOf(err))
		os.Exit(1)
	}
}
