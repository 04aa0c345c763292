package main

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/portid/credential-issuance-backend/cmd/flags"
	"github.com/portid/credential-issuance-backend/credential"
	"github.com/portid/credential-issuance-backend/cryptoutils"
	"github.com/portid/credential-issuance-backend/hsm"
	"github.com/portid/credential-issuance-backend/httpserver"
	"github.com/portid/credential-issuance-backend/interfaces"
	"github.com/portid/credential-issuance-backend/secrets"
	"github.com/portid/credential-issuance-backend/verifier"
)

// slotConfigSecretPath is where the secret store keeps the HSM slot
// configuration, relative to the manager's base path.
const slotConfigSecretPath = "hsm/slot-config"

var cliFlags = []cli.Flag{
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	flags.ConfigFlag,
	flags.VaultAddrFlag,
	flags.VaultTokenFlag,
	flags.LogJSONFlag,
	flags.LogDebugFlag,
	flags.LogUIDFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:   "credential-server",
		Usage:  "Serve the credential issuance and verification API",
		Flags:  cliFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := LoadConfig(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	manager, err := secrets.NewManager(
		cCtx.String(flags.VaultAddrFlag.Name),
		cCtx.String(flags.VaultTokenFlag.Name),
		cfg.Vault.Mount,
		cfg.Vault.BasePath,
		logger,
	)
	if err != nil {
		logger.Error("Failed to create secret manager", "err", err)
		return err
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	slotCfg, err := loadSlotConfig(startupCtx, manager, cfg)
	if err != nil {
		logger.Error("Failed to load HSM slot configuration", "err", err)
		return err
	}

	gateway := hsm.New(slotCfg, hsm.NewCLITool(slotCfg), manager, logger)
	if err := gateway.StartupValidate(startupCtx); err != nil {
		logger.Error("HSM startup validation failed, refusing to serve", "err", err)
		return err
	}
	logger.Info("HSM gateway validated", "host", slotCfg.Host, "slots", slotCfg.EnabledSlots)

	certPEM, err := os.ReadFile(cfg.Issuer.CertificateFile)
	if err != nil {
		logger.Error("Failed to read issuer certificate", "err", err, "file", cfg.Issuer.CertificateFile)
		return err
	}

	issuer, err := credential.NewIssuer(gateway, credential.IssuerConfig{
		IssuerID:       cfg.Issuer.IssuerID,
		KeyID:          cfg.Issuer.KeyID,
		Slot:           cfg.Issuer.Slot,
		KeyLabel:       cfg.Issuer.KeyLabel,
		CertificatePEM: certPEM,
	}, logger)
	if err != nil {
		logger.Error("Failed to create issuer", "err", err)
		return err
	}

	v, err := buildVerifier(cfg, certPEM, logger)
	if err != nil {
		logger.Error("Failed to create verifier", "err", err)
		return err
	}

	handler := httpserver.NewHandler(issuer, v, gateway, logger)
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(flags.ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(flags.MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(flags.PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(flags.DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")

	gateway.Shutdown()
	server.Shutdown()
	return nil
}

// loadSlotConfig prefers the slot configuration held in the secret store
// and falls back to the YAML section. Either way the result must validate;
// the server never starts against a partial HSM setup.
func loadSlotConfig(ctx context.Context, manager *secrets.Manager, cfg *Config) (interfaces.SlotConfig, error) {
	var slotCfg interfaces.SlotConfig

	secret, err := manager.ReadSecret(ctx, slotConfigSecretPath)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(secret.Value), &slotCfg); err != nil {
			return interfaces.SlotConfig{}, fmt.Errorf("slot configuration in secret store is malformed: %w", err)
		}
	case errors.Is(err, interfaces.ErrSecretUnavailable):
		slotCfg = cfg.slotConfigFromYAML()
	default:
		return interfaces.SlotConfig{}, err
	}

	if err := slotCfg.Validate(); err != nil {
		return interfaces.SlotConfig{}, err
	}
	return slotCfg, nil
}

func buildVerifier(cfg *Config, issuerCertPEM []byte, logger *slog.Logger) (*verifier.Verifier, error) {
	issuerCert, err := cryptoutils.ParseCertificatePEM(issuerCertPEM)
	if err != nil {
		return nil, err
	}

	vcfg := verifier.Config{
		IssuerKeys: map[string]crypto.PublicKey{cfg.Issuer.KeyID: issuerCert.PublicKey},
	}
	if cfg.Trust.AnchorsFile != "" {
		anchorsPEM, err := os.ReadFile(cfg.Trust.AnchorsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust anchors: %w", err)
		}
		vcfg.AnchorsPEM = anchorsPEM
	}

	return verifier.New(vcfg, logger)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
