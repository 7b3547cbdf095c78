package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultEnvFile         = ".env"
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultTokenFile       = "copilot_tokens.json"
	DefaultClientID        = "Iv1.b507a08c87ecfe98"
	DefaultAPIBase         = "https://api.githubcopilot.com"
	DefaultTokenURL        = "https://api.github.com/copilot_internal/v2/token"
	DefaultEncoding        = "cl100k_base"
	DefaultPollTimeoutSecs = 30
)

// Environment variables that override the file.
const (
	EnvListen    = "COPILOT_PROXY_LISTEN"
	EnvTokenFile = "COPILOT_PROXY_TOKEN_FILE"
	EnvLogLevel  = "COPILOT_PROXY_LOG_LEVEL"
	EnvLogFormat = "COPILOT_PROXY_LOG_FORMAT"
	EnvUnstream  = "COPILOT_PROXY_UNSTREAM"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Copilot  CopilotConfig  `toml:"copilot"`
	Unstream UnstreamConfig `toml:"unstream"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Listen string `toml:"listen" validate:"required,hostname_port"`
}

type CopilotConfig struct {
	TokenFile          string `toml:"token_file" validate:"required"`
	ClientID           string `toml:"client_id" validate:"required"`
	APIBase            string `toml:"api_base" validate:"required,url"`
	TokenURL           string `toml:"token_url" validate:"required,url"`
	PollTimeoutSeconds int    `toml:"poll_timeout_seconds" validate:"gte=1"`
}

// UnstreamConfig controls how non-streaming chat requests are served.
type UnstreamConfig struct {
	// Enabled makes the proxy request a stream upstream and reassemble it
	// for clients that did not ask for one.
	Enabled         bool   `toml:"enabled"`
	DefaultEncoding string `toml:"default_encoding" validate:"required"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen: DefaultListenAddr,
		},
		Copilot: CopilotConfig{
			TokenFile:          DefaultTokenFile,
			ClientID:           DefaultClientID,
			APIBase:            DefaultAPIBase,
			TokenURL:           DefaultTokenURL,
			PollTimeoutSeconds: DefaultPollTimeoutSecs,
		},
		Unstream: UnstreamConfig{
			Enabled:         true,
			DefaultEncoding: DefaultEncoding,
		},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
// Variables from the .env file next to the working directory and the
// process environment are applied afterwards, then the result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if err := loadEnvFile(DefaultEnvFile); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadEnvFile loads name into the environment without overriding variables
// that are already set.
func loadEnvFile(name string) error {
	err := godotenv.Load(name)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", name, err)
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv(EnvTokenFile); v != "" {
		cfg.Copilot.TokenFile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv(EnvUnstream); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUnstream, err)
		}
		cfg.Unstream.Enabled = enabled
	}
	return nil
}

var validate = validator.New()

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
