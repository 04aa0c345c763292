// Package common holds process-wide helpers shared by all commands:
// structured logger setup and version information.
package common

import (
	"log/slog"
	"os"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Debug enables debug-level messages.
	Debug bool

	// JSON switches the handler to JSON output.
	JSON bool

	// Service is added as a "service" attribute to every record.
	Service string

	// Version is added as a "version" attribute to every record.
	Version string
}

// SetupLogger creates the process-wide slog logger. Components receive it
// as a constructor argument; there is no ambient global logger.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
