package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide logger.
type LoggingOpts struct {
	// Debug enables debug-level logging.
	Debug bool

	// JSON switches the handler to JSON output (for log collectors).
	JSON bool

	// Service is added as a "service" attribute to every record.
	Service string

	// Version is added as a "version" attribute to every record.
	Version string
}

// SetupLogger creates the slog logger every component receives through its
// constructor. Components never reach for slog.Default.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}

	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}
