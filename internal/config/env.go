package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file values.
const (
	EnvBackendURL  = "CHATTRICK_BASE_URL"
	EnvVerifyToken = "WEBHOOK_VERIFY_TOKEN"
	EnvReferrer    = "REFERRER"
	EnvAppSecret   = "APP_SECRET"
	EnvPort        = "PORT"
	EnvNATSURL     = "NATS_URL"
	EnvBackendMode = "BACKEND_MODE"
)

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides config values with non-empty environment variables.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Backend.BaseURL, EnvBackendURL)
	setString(&cfg.WhatsApp.VerifyToken, EnvVerifyToken)
	setString(&cfg.Backend.Referrer, EnvReferrer)
	setString(&cfg.WhatsApp.AppSecret, EnvAppSecret)
	setString(&cfg.Backend.Mode, EnvBackendMode)
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Events.NATSURL = v
		cfg.Events.Enabled = true
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
