// Package config loads the agentwall server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/org/agentwall/internal/audit"
	"github.com/org/agentwall/internal/auth"
	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/classifier"
	"github.com/org/agentwall/internal/edge"
	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/internal/upstream"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when AGENTWALL_CONFIG is unset.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	Firewall   firewall.Config   `yaml:"firewall"`
	Auth       AuthConfig        `yaml:"auth"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Breakers   BreakersConfig    `yaml:"breakers"`
	Audit      AuditConfig       `yaml:"audit"`
	Signatures SignaturesConfig  `yaml:"signatures"`
	Edge       edge.Config       `yaml:"edge"`
	Upstream   upstream.Config   `yaml:"upstream"`
	Classifier classifier.Config `yaml:"classifier"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	TLSCertFile     string        `yaml:"tls_cert"`
	TLSKeyFile      string        `yaml:"tls_key"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // console or json
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WSOriginPatterns lists extra origins allowed to open /events/ws.
	WSOriginPatterns []string `yaml:"ws_origin_patterns"`
}

// StorageConfig selects the backend. An empty DBUrl runs on the in-process
// memory backend, which is meant for development.
type StorageConfig struct {
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type AuthConfig struct {
	Tokens []auth.TokenConfig `yaml:"tokens"`
}

// RateLimitConfig sets one fixed-window limit per identifier type. A zero
// limit disables that counter.
type RateLimitConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Window        time.Duration `yaml:"window"`
	APIKey        int           `yaml:"api_key"`
	User          int           `yaml:"user"`
	IP            int           `yaml:"ip"`
}

type BreakersConfig struct {
	Default   breaker.Config            `yaml:"default"`
	Overrides map[string]breaker.Config `yaml:"overrides"`
}

type AuditConfig struct {
	MaxEvents       int               `yaml:"max_events"`
	PruneSchedule   string            `yaml:"prune_schedule"`
	MaxAge          time.Duration     `yaml:"max_age"`
	RedactionSecret string            `yaml:"redaction_secret"`
	Kafka           audit.KafkaConfig `yaml:"kafka"`
}

type SignaturesConfig struct {
	File         string `yaml:"file"`
	Watch        bool   `yaml:"watch"`
	SyncSchedule string `yaml:"sync_schedule"`
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        "info",
			LogFormat:       "console",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{MigrationsDir: "migrations"},
		Firewall: firewall.Config{
			Enabled:           true,
			Mode:              models.ModeEnforce,
			FailMode:          firewall.FailOpen,
			EvaluationTimeout: firewall.DefaultEvaluationTimeout,
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			APIKey: 600,
			User:   300,
			IP:     120,
		},
		Breakers: BreakersConfig{Default: breaker.DefaultConfig()},
		Audit: AuditConfig{
			MaxEvents:     10000,
			PruneSchedule: "0 3 * * *",
			MaxAge:        30 * 24 * time.Hour,
		},
		Signatures: SignaturesConfig{Watch: true},
		Edge:       edge.Config{Timeout: edge.DefaultTimeout},
	}
}

// Path returns the config file location from AGENTWALL_CONFIG.
func Path() string {
	if v := os.Getenv("AGENTWALL_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTWALL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("AGENTWALL_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DBUrl = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("AGENTWALL_FAIL_MODE"); v != "" {
		c.Firewall.FailMode = firewall.FailMode(strings.ToLower(v))
	}
	if v := os.Getenv("AGENTWALL_MODE"); v != "" {
		c.Firewall.Mode = models.Mode(strings.ToLower(v))
	}
	if v := os.Getenv("AGENTWALL_REDACTION_SECRET"); v != "" {
		c.Audit.RedactionSecret = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	switch c.Server.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("server.log_format must be console or json, got %q", c.Server.LogFormat)
	}
	if !c.Firewall.Mode.Valid() {
		return fmt.Errorf("firewall.mode must be enforce, shadow or off, got %q", c.Firewall.Mode)
	}
	if !c.Firewall.FailMode.Valid() {
		return fmt.Errorf("firewall.fail_mode must be open or closed, got %q", c.Firewall.FailMode)
	}
	if c.Firewall.EvaluationTimeout < 0 {
		return errors.New("firewall.evaluation_timeout must not be negative")
	}
	rl := c.RateLimit
	if rl.APIKey < 0 || rl.User < 0 || rl.IP < 0 {
		return errors.New("rate_limit limits must not be negative")
	}
	if (rl.APIKey > 0 || rl.User > 0 || rl.IP > 0) && rl.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if c.Audit.MaxEvents < 0 {
		return errors.New("audit.max_events must not be negative")
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		return errors.New("audit.kafka.topic is required when brokers are set")
	}
	if c.Signatures.SyncSchedule != "" && c.Storage.DBUrl == "" {
		log.Warn().Msg("signatures.sync_schedule reloads from the memory backend, which only this process writes")
	}
	if c.Edge.Timeout < 0 {
		return errors.New("edge.timeout must not be negative")
	}
	return nil
}
