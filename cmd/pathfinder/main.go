package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pathfinder/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

// ConfigAuth holds the bearer token and the user it belongs to.
type ConfigAuth struct {
	Token        string `toml:"token"`
	UserID       string `toml:"user_id"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigSync tunes the chat session used by send and watch.
type ConfigSync struct {
	PollInterval  string `toml:"poll_interval"`
	PageSize      int    `toml:"page_size"`
	AutoReconnect bool   `toml:"auto_reconnect"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pathfinder, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pathfinder")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// envOverrides maps environment variables onto config keys, in the order
// they are applied.
var envOverrides = []struct {
	env string
	key string
}{
	{"PATHFINDER_TOKEN", "auth.token"},
	{"PATHFINDER_USER_ID", "auth.user_id"},
	{"PATHFINDER_BASE_URL", "default.base_url"},
}

// loadEffectiveConfig is loadConfig with .env and environment overrides
// applied. The result is never written back.
func loadEffectiveConfig() (*Config, error) {
	cfg, _, err := loadEffectiveConfigWithSources()
	return cfg, err
}

// loadEffectiveConfigWithSources also reports which config keys came from
// which environment variable.
func loadEffectiveConfigWithSources() (*Config, map[string]string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	// A missing .env is fine.
	_ = godotenv.Load()
	sources, err := applyEnv(cfg, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	return cfg, sources, nil
}

func applyEnv(cfg *Config, getenv func(string) string) (map[string]string, error) {
	sources := make(map[string]string)
	for _, o := range envOverrides {
		v := getenv(o.env)
		if v == "" {
			continue
		}
		if err := setConfigValue(cfg, o.key, v); err != nil {
			return nil, fmt.Errorf("%s: %w", o.env, err)
		}
		sources[o.key] = o.env
	}
	return sources, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			cfg.Default.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "poll_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			cfg.Sync.PollInterval = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			cfg.Sync.PageSize = n
		case "auto_reconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("auto_reconnect must be true or false")
			}
			cfg.Sync.AutoReconnect = b
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "pathfinder",
	Short: "Pathfinder chat CLI",
	Long:  "Command-line interface for Pathfinder mentorship chat.\nRead and send messages, watch conversations live, and manage mentorships.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).
			With().Timestamp().Logger()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
