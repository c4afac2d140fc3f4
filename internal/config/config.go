// Package config provides the broker's configuration schema.
//
// Configuration is file-based (YAML) with environment variable overrides.
// Everything has a working default except the Telegram credentials, which
// have no safe default and disable the approval channel when absent.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration for the broker.
type Config struct {
	// Server configures the TCP request listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Audit configures the hash-chained audit log.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Canary configures the canary token registry.
	Canary CanaryConfig `yaml:"canary" mapstructure:"canary"`

	// Kill configures the kill switch.
	Kill KillConfig `yaml:"kill" mapstructure:"kill"`

	// Telegram configures the out-of-band approval channel.
	// When BotToken is empty, approval-level actions are rejected at
	// request time because no operator can be reached.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`

	// Auth configures protocol-level token authentication.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Policy configures the action policy engine.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Secrets configures the sops-encrypted credential vault.
	Secrets SecretsConfig `yaml:"secrets" mapstructure:"secrets"`

	// Metrics configures the Prometheus scrape endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig configures the TCP request server.
type ServerConfig struct {
	// Addr is the address to listen on.
	// Defaults to "127.0.0.1:9999" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Workers is the size of the connection worker pool.
	// Defaults to 8.
	Workers int `yaml:"workers" mapstructure:"workers" validate:"omitempty,min=1"`

	// ConnTimeout is the per-connection deadline (e.g., "30s").
	// Defaults to "30s".
	ConnTimeout string `yaml:"conn_timeout" mapstructure:"conn_timeout" validate:"omitempty"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// AuditConfig configures the audit chain store.
type AuditConfig struct {
	// Dir is the directory holding the daily audit files and the chain
	// sidecar. Defaults to "~/moltbot-security/audit-logs".
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// CanaryConfig configures the canary token registry.
type CanaryConfig struct {
	// TokenFile is the JSON registry of planted tokens.
	// Defaults to "~/moltbot-security/canaries.json".
	TokenFile string `yaml:"token_file" mapstructure:"token_file"`

	// TriggerFile is the JSONL append log of detections.
	// Defaults to "~/moltbot-security/canary-triggers.jsonl".
	TriggerFile string `yaml:"trigger_file" mapstructure:"trigger_file"`

	// SeedDefaults plants the default decoy set on first start.
	// Defaults to true.
	SeedDefaults *bool `yaml:"seed_defaults" mapstructure:"seed_defaults"`
}

// KillConfig configures the kill switch.
type KillConfig struct {
	// MarkerPath is where the kill marker file is written.
	// Defaults to "/tmp/moltbot-kill".
	MarkerPath string `yaml:"marker_path" mapstructure:"marker_path"`

	// CheckInterval is how often the trigger file is polled (e.g., "1s").
	// Defaults to "1s".
	CheckInterval string `yaml:"check_interval" mapstructure:"check_interval" validate:"omitempty"`
}

// TelegramConfig configures the operator approval channel.
type TelegramConfig struct {
	// BotToken is the Telegram bot API token. Empty disables the channel.
	BotToken string `yaml:"bot_token" mapstructure:"bot_token"`

	// AdminChatID is the chat that receives approval prompts.
	AdminChatID int64 `yaml:"admin_chat_id" mapstructure:"admin_chat_id"`

	// APIBase overrides the Telegram API base URL. Used in tests.
	APIBase string `yaml:"api_base" mapstructure:"api_base" validate:"omitempty,url"`

	// ApprovalTimeout is how long a request stays pending (e.g., "300s").
	// Defaults to "300s".
	ApprovalTimeout string `yaml:"approval_timeout" mapstructure:"approval_timeout" validate:"omitempty"`
}

// AuthConfig configures protocol token authentication.
type AuthConfig struct {
	// Required rejects requests without a valid auth token. When false,
	// tokens are verified only if present.
	Required bool `yaml:"required" mapstructure:"required"`

	// TokenHashes are the accepted token digests. Each entry is either
	// "sha256:<hex>", a bare 64-char hex digest, or an "$argon2id$..."
	// encoded hash.
	TokenHashes []string `yaml:"token_hashes" mapstructure:"token_hashes" validate:"omitempty,dive,token_hash"`
}

// PolicyConfig configures the action policy engine.
type PolicyConfig struct {
	// OverridesFile optionally merges per-action overrides (approval
	// level, rate limit, parameter guard) over the built-in table.
	OverridesFile string `yaml:"overrides_file" mapstructure:"overrides_file"`
}

// SecretsConfig configures the sops credential source.
type SecretsConfig struct {
	// Dir is the directory of sops-encrypted secret files.
	// Defaults to "~/moltbot-security/secrets".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// AgeKeyFile is the age private key used for decryption.
	// Defaults to "~/.config/sops/age/keys.txt".
	AgeKeyFile string `yaml:"age_key_file" mapstructure:"age_key_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the scrape listener address. Empty disables metrics.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, "moltbot-security")

	// Server defaults. Bind to localhost only; the other zones run on
	// the same host.
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:9999"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 8
	}
	if c.Server.ConnTimeout == "" {
		c.Server.ConnTimeout = "30s"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(base, "audit-logs")
	}

	if c.Canary.TokenFile == "" {
		c.Canary.TokenFile = filepath.Join(base, "canaries.json")
	}
	if c.Canary.TriggerFile == "" {
		c.Canary.TriggerFile = filepath.Join(base, "canary-triggers.jsonl")
	}
	if c.Canary.SeedDefaults == nil {
		seed := true
		c.Canary.SeedDefaults = &seed
	}

	if c.Kill.MarkerPath == "" {
		c.Kill.MarkerPath = "/tmp/moltbot-kill"
	}
	if c.Kill.CheckInterval == "" {
		c.Kill.CheckInterval = "1s"
	}

	if c.Telegram.ApprovalTimeout == "" {
		c.Telegram.ApprovalTimeout = "300s"
	}

	if c.Secrets.Dir == "" {
		c.Secrets.Dir = filepath.Join(base, "secrets")
	}
	if c.Secrets.AgeKeyFile == "" {
		c.Secrets.AgeKeyFile = filepath.Join(home, ".config", "sops", "age", "keys.txt")
	}
}

// ConnTimeoutDuration parses the connection timeout, falling back to 30s.
func (c *ServerConfig) ConnTimeoutDuration() time.Duration {
	return parseDurationOr(c.ConnTimeout, 30*time.Second)
}

// CheckIntervalDuration parses the trigger file poll interval, falling
// back to 1s.
func (c *KillConfig) CheckIntervalDuration() time.Duration {
	return parseDurationOr(c.CheckInterval, time.Second)
}

// ApprovalTimeoutDuration parses the approval expiry, falling back to 300s.
func (c *TelegramConfig) ApprovalTimeoutDuration() time.Duration {
	return parseDurationOr(c.ApprovalTimeout, 300*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
