// thoas-gateway serves one GraphQL schema composed from the Ensembl
// federated subgraphs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ensembl/ensembl-thoas/internal/server"
	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath = flag.String("config", "thoas-gateway.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	}))
	slog.SetDefault(logger)
	tracing.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx, *configPath, server.Options{Logger: logger, Version: version}); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
