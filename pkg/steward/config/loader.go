package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "steward"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file. It loads .env
// files first and expands environment variables before parsing.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes a Config as YAML with owner-only permissions. The API
// key is replaced with an env reference so it never lands on disk.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.API.APIKey != "" && !IsEnvReference(sanitized.API.APIKey) {
		sanitized.API.APIKey = "${STEWARD_API_KEY}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"steward.yaml",
		"steward.yml",
		"config.yaml",
		"config.yml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether a value is an unexpanded ${VAR} reference.
func IsEnvReference(val string) bool {
	return strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}")
}

// StoreKeyring saves the API key in the OS keyring.
func StoreKeyring(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteKeyring removes the API key from the OS keyring.
func DeleteKeyring() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// ResolveAPIKey resolves the API key using the priority chain:
// env var → OS keyring → config value. The config is updated in place.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if key := os.Getenv("STEWARD_API_KEY"); key != "" {
		cfg.API.APIKey = key
		logger.Debug("API key loaded from environment")
		return
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.API.APIKey = key
		logger.Debug("API key loaded from environment")
		return
	}

	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}

	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		logger.Debug("API key loaded from config file")
		return
	}

	cfg.API.APIKey = ""
	logger.Warn("no API key found. Set one with: steward config set-key")
}

// loadEnvFiles loads .env files from standard locations.
// godotenv.Load never overwrites existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with environment values.
// Unset variables are left as-is so placeholders survive a round trip.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// resolveSecrets fills channel tokens from environment variables when the
// config value is empty or an unexpanded placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.Channels.Telegram.Token == "" || IsEnvReference(cfg.Channels.Telegram.Token) {
		if tok := os.Getenv("TELEGRAM_BOT_TOKEN"); tok != "" {
			cfg.Channels.Telegram.Token = tok
		}
	}
	if cfg.Channels.Discord.Token == "" || IsEnvReference(cfg.Channels.Discord.Token) {
		if tok := os.Getenv("DISCORD_BOT_TOKEN"); tok != "" {
			cfg.Channels.Discord.Token = tok
		}
	}
}
