package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from an optional YAML
// file named by CONFIG_FILE, with environment variables taking precedence.
type Config struct {
	ServerPort  string        `yaml:"server_port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	PairingTTL  time.Duration `yaml:"pairing_ttl"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort: "8080",
		JWTExpiry:  24 * time.Hour,
		PairingTTL: 10 * time.Minute,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg.ServerPort, "SERVER_PORT")
	applyEnv(&cfg.DatabaseURL, "DATABASE_URL")
	applyEnv(&cfg.RedisURL, "REDIS_URL")
	applyEnv(&cfg.JWTSecret, "JWT_SECRET")
	if err := applyEnvDuration(&cfg.JWTExpiry, "JWT_EXPIRY"); err != nil {
		return nil, err
	}
	if err := applyEnvDuration(&cfg.PairingTTL, "PAIRING_TTL"); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.PairingTTL <= 0 {
		return nil, errors.New("PAIRING_TTL must be positive")
	}

	return cfg, nil
}

func applyEnv(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func applyEnvDuration(dst *time.Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", key, err)
	}
	*dst = d
	return nil
}
