package main

import (
	"log/slog"
	"os"

	"github.com/motion-ctl/fwinstall/cmd/fwinstall/commands"
)

func main() {
	// Initialize structured logger with text format for readability;
	// --log-level and --log-format replace it once flags are parsed.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
