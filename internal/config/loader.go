// Package config provides configuration loading for the broker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for moltbroker.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("moltbroker")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MOLTBROKER_SERVER_ADDR
	viper.SetEnvPrefix("MOLTBROKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a moltbroker config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".moltbroker"),
		filepath.Join(home, "moltbot-security"),
		"/etc/moltbroker",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for moltbroker.yaml
// or .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "moltbroker"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable
// support. Example: MOLTBROKER_TELEGRAM_BOT_TOKEN overrides
// telegram.bot_token.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.workers")
	_ = viper.BindEnv("server.conn_timeout")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("audit.dir")

	_ = viper.BindEnv("canary.token_file")
	_ = viper.BindEnv("canary.trigger_file")
	_ = viper.BindEnv("canary.seed_defaults")

	_ = viper.BindEnv("kill.marker_path")
	_ = viper.BindEnv("kill.check_interval")

	_ = viper.BindEnv("telegram.bot_token")
	_ = viper.BindEnv("telegram.admin_chat_id")
	_ = viper.BindEnv("telegram.api_base")
	_ = viper.BindEnv("telegram.approval_timeout")

	_ = viper.BindEnv("auth.required")
	// Note: auth.token_hashes is an array; use the config file.

	_ = viper.BindEnv("policy.overrides_file")

	_ = viper.BindEnv("secrets.dir")
	_ = viper.BindEnv("secrets.age_key_file")

	_ = viper.BindEnv("metrics.addr")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
