package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLIConfig is the persistent CLI configuration.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	TLSCACert string `yaml:"tls_ca_cert"`
	Tenant    string `yaml:"tenant"`
}

var cfg CLIConfig

// configPath returns the path to the CLI config file.
func configPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentwall", "config.yaml")
}

// loadConfig loads the CLI config from disk, then applies AGENTWALL_ADDR,
// AGENTWALL_TOKEN and AGENTWALL_CACERT.
func loadConfig() {
	cfg = CLIConfig{
		Address: "http://127.0.0.1:8080",
	}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &cfg) //nolint:errcheck
	}
	if v := os.Getenv("AGENTWALL_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("AGENTWALL_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("AGENTWALL_CACERT"); v != "" {
		cfg.TLSCACert = v
	}
}

// saveConfig persists the CLI config to disk.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
