// cardwire - card protocol gateway server
package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// exitRestart asks the supervisor to start the server again.
const exitRestart = 75

var errRestartRequested = errors.New("restart requested")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	err := rootCmd().Execute()
	switch {
	case errors.Is(err, errRestartRequested):
		os.Exit(exitRestart)
	case err != nil:
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cardwire",
		Short:         "Card protocol gateway",
		Long:          "Serves the card protocol over WebSocket and classifies tool output into app templates.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := serveCmd()
	root.RunE = serve.RunE
	root.AddCommand(serve)
	root.AddCommand(detectCmd())
	return root
}
