package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/pkg/models"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":8080" || !cfg.Firewall.Enabled || cfg.Firewall.FailMode != firewall.FailOpen {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Edge.Timeout != 10*time.Second {
		t.Errorf("edge timeout = %v", cfg.Edge.Timeout)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
server:
  listen_addr: ":9000"
firewall:
  mode: shadow
  fail_mode: closed
  evaluation_timeout: 500ms
rate_limit:
  window: 1s
  api_key: 1
breakers:
  default:
    failure_threshold: 3
  overrides:
    classifier:
      failure_threshold: 1
      timeout: 5s
audit:
  kafka:
    brokers: ["localhost:9092"]
    topic: agentwall.audit
`)
	t.Setenv("AGENTWALL_FAIL_MODE", "OPEN")
	t.Setenv("DATABASE_URL", "postgres://localhost/agentwall")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != ":9000" || cfg.Firewall.Mode != models.ModeShadow {
		t.Errorf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Firewall.FailMode != firewall.FailOpen {
		t.Errorf("env override not applied: %s", cfg.Firewall.FailMode)
	}
	if cfg.Firewall.EvaluationTimeout != 500*time.Millisecond || cfg.RateLimit.Window != time.Second {
		t.Errorf("durations = %v, %v", cfg.Firewall.EvaluationTimeout, cfg.RateLimit.Window)
	}
	if cfg.Storage.DBUrl == "" || cfg.Breakers.Overrides["classifier"].Timeout != 5*time.Second {
		t.Errorf("storage/breakers = %+v %+v", cfg.Storage, cfg.Breakers)
	}
	// Fields the file omits keep their defaults.
	if cfg.RateLimit.User != 300 {
		t.Errorf("rate_limit.user = %d", cfg.RateLimit.User)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":       func(c *Config) { c.Firewall.Mode = "loud" },
		"fail mode":  func(c *Config) { c.Firewall.FailMode = "sideways" },
		"tls":        func(c *Config) { c.Server.TLSCertFile = "cert.pem" },
		"window":     func(c *Config) { c.RateLimit.Window = 0 },
		"kafka":      func(c *Config) { c.Audit.Kafka.Brokers = []string{"b:9092"} },
		"log format": func(c *Config) { c.Server.LogFormat = "xml" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "server: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
