package main

import (
	"log/slog"
	"os"

	"github.com/audioscribe/audioscribe/cmd"
	"github.com/audioscribe/audioscribe/internal/conf"
	"github.com/audioscribe/audioscribe/internal/logging"
)

func main() {
	settings := conf.Setting()

	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logging.Init(level)

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		logging.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}
