// Package flags holds the CLI flags and logger wiring shared by the
// command-line entrypoints.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/portid/credential-issuance-backend/common"
)

func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJSONFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUIDFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var ConfigFlag = &cli.StringFlag{
	Name:  "config",
	Value: "config.yaml",
	Usage: "path to the YAML configuration file",
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Value:   "http://127.0.0.1:8200",
	Usage:   "address of the Vault server",
	EnvVars: []string{"VAULT_ADDR"},
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "token for Vault authentication",
	EnvVars: []string{"VAULT_TOKEN"},
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "credential-server",
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
