// Package flags holds the CLI flag definitions and setup helpers shared by
// the release storage binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusota/release-storage-backend/common"
	"github.com/nimbusota/release-storage-backend/httpserver"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server configuration from the common
// server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var StorageURIFlag = &cli.StringFlag{
	Name:  "storage-uri",
	Value: "memory://",
	Usage: "metadata storage location URI (memory:// or sqlite:///path/to/db)",
}

var BlobURIFlag = &cli.StringSliceFlag{
	Name:  "blob-uri",
	Value: cli.NewStringSlice("memory://"),
	Usage: "blob backend location URI, repeat for replicated backends (memory://, file://, s3://, ipfs://, vault://)",
}

var ServerURLFlag = &cli.StringFlag{
	Name:  "server-url",
	Value: "http://127.0.0.1:8080",
	Usage: "base URL of the release storage server",
}

var AccessKeyFlag = &cli.StringFlag{
	Name:    "access-key",
	EnvVars: []string{"RELEASE_STORAGE_ACCESS_KEY"},
	Usage:   "bearer access key for the management API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
