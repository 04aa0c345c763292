package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// Config is the YAML base configuration. Secrets never live here; PINs and
// signing keys come from the secret store and the HSM.
type Config struct {
	Vault struct {
		Mount    string `yaml:"mount"`
		BasePath string `yaml:"base_path"`
	} `yaml:"vault"`

	// HSM is the fallback slot configuration, used only when the secret
	// store does not hold one.
	HSM struct {
		Host               string   `yaml:"host"`
		ToolPath           string   `yaml:"tool_path"`
		ModulePath         string   `yaml:"module_path"`
		EnabledSlots       []string `yaml:"enabled_slots"`
		DefaultSlot        string   `yaml:"default_slot"`
		SignTimeoutSeconds int      `yaml:"sign_timeout_seconds"`
	} `yaml:"hsm"`

	Issuer struct {
		IssuerID        string `yaml:"issuer_id"`
		KeyID           string `yaml:"key_id"`
		Slot            string `yaml:"slot"`
		KeyLabel        string `yaml:"key_label"`
		CertificateFile string `yaml:"certificate_file"`
	} `yaml:"issuer"`

	Trust struct {
		AnchorsFile string `yaml:"anchors_file"`
	} `yaml:"trust"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Vault.Mount == "" {
		cfg.Vault.Mount = "secret"
	}
	if cfg.Vault.BasePath == "" {
		cfg.Vault.BasePath = "credential-issuance"
	}
	return &cfg, nil
}

// slotConfigFromYAML maps the YAML fallback section onto a slot config.
func (c *Config) slotConfigFromYAML() interfaces.SlotConfig {
	return interfaces.SlotConfig{
		Host:         c.HSM.Host,
		EnabledSlots: c.HSM.EnabledSlots,
		DefaultSlot:  c.HSM.DefaultSlot,
		ToolPath:     c.HSM.ToolPath,
		ModulePath:   c.HSM.ModulePath,
		SignTimeout:  secondsToDuration(c.HSM.SignTimeoutSeconds),
	}
}
