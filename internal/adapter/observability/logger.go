// Package observability wires the process-wide logging, metrics and tracing
// used by both the API server and the queue worker.
package observability

import (
	"log/slog"
	"os"

	"github.com/talesofai/nietest/internal/config"
)

// SetupLogger builds the process logger and installs it as the slog default.
// Both binaries report under the same service name, so each passes a component
// tag ("server", "worker") to keep their streams distinguishable.
func SetupLogger(cfg config.Config, component string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("component", component),
		slog.String("env", cfg.AppEnv),
	)
	slog.SetDefault(logger)
	return logger
}
