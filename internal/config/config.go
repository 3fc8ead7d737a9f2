package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for warelay.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
	WhatsApp WhatsAppConfig `json:"whatsapp" yaml:"whatsapp"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	WebhookPath string `json:"webhookPath" yaml:"webhookPath"`
	HealthPath  string `json:"healthPath" yaml:"healthPath"`
	MetricsPath string `json:"metricsPath" yaml:"metricsPath"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

type WhatsAppConfig struct {
	APIBase               string `json:"apiBase" yaml:"apiBase"`
	APIVersion            string `json:"apiVersion" yaml:"apiVersion"`
	VerifyToken           string `json:"verifyToken,omitempty" yaml:"verifyToken,omitempty"`
	AppSecret             string `json:"appSecret,omitempty" yaml:"appSecret,omitempty"` // enables X-Hub-Signature-256 checks
	TypingIndicator       bool   `json:"typingIndicator" yaml:"typingIndicator"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
}

type BackendConfig struct {
	BaseURL               string `json:"baseURL" yaml:"baseURL"`
	Referrer              string `json:"referrer,omitempty" yaml:"referrer,omitempty"`
	Mode                  string `json:"mode" yaml:"mode"` // "stream" | "socket"
	SocketPath            string `json:"socketPath" yaml:"socketPath"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds" yaml:"connectTimeoutSeconds"`
	TurnTimeoutSeconds    int    `json:"turnTimeoutSeconds" yaml:"turnTimeoutSeconds"`
	IdleTimeoutSeconds    int    `json:"idleTimeoutSeconds" yaml:"idleTimeoutSeconds"`
	SweepIntervalSeconds  int    `json:"sweepIntervalSeconds" yaml:"sweepIntervalSeconds"`
	ConfigCacheSeconds    int    `json:"configCacheSeconds" yaml:"configCacheSeconds"` // 0 disables caching
	ConfigRetries         int    `json:"configRetries" yaml:"configRetries"`
}

type RelayConfig struct {
	DedupRetentionSeconds int `json:"dedupRetentionSeconds" yaml:"dedupRetentionSeconds"`
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type EventsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	NATSURL       string `json:"natsURL" yaml:"natsURL"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`
	JetStream     bool   `json:"jetStream" yaml:"jetStream"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c WhatsAppConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }
func (c BackendConfig) ConnectTimeout() time.Duration  { return seconds(c.ConnectTimeoutSeconds) }
func (c BackendConfig) TurnTimeout() time.Duration     { return seconds(c.TurnTimeoutSeconds) }
func (c BackendConfig) IdleTimeout() time.Duration     { return seconds(c.IdleTimeoutSeconds) }
func (c BackendConfig) SweepInterval() time.Duration   { return seconds(c.SweepIntervalSeconds) }
func (c BackendConfig) ConfigCacheTTL() time.Duration  { return seconds(c.ConfigCacheSeconds) }
func (c RelayConfig) DedupRetention() time.Duration    { return seconds(c.DedupRetentionSeconds) }

// Addr returns the listen address of the HTTP server.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// DefaultConfigDir returns the default config directory (~/.warelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warelay"
	}
	return filepath.Join(home, ".warelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads a JSON or YAML config file on top of Defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Defaults when the file
// does not exist. The service can run from environment variables alone.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); err != nil {
		if os.IsNotExist(err) {
			return finish(Defaults())
		}
		return nil, err
	}
	return Load(path)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg)
	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}
	switch cfg.Backend.Mode {
	case "stream", "socket":
	default:
		errs = append(errs, "backend.mode must be one of: stream, socket")
	}
	if cfg.WhatsApp.RequestTimeoutSeconds < 1 {
		errs = append(errs, "whatsapp.requestTimeoutSeconds must be >= 1")
	}
	if cfg.Backend.ConnectTimeoutSeconds < 1 {
		errs = append(errs, "backend.connectTimeoutSeconds must be >= 1")
	}
	if cfg.Backend.TurnTimeoutSeconds < 1 {
		errs = append(errs, "backend.turnTimeoutSeconds must be >= 1")
	}
	if cfg.Backend.IdleTimeoutSeconds < 1 {
		errs = append(errs, "backend.idleTimeoutSeconds must be >= 1")
	}
	if cfg.Backend.SweepIntervalSeconds < 1 {
		errs = append(errs, "backend.sweepIntervalSeconds must be >= 1")
	}
	if cfg.Backend.ConfigCacheSeconds < 0 {
		errs = append(errs, "backend.configCacheSeconds must be >= 0")
	}
	if cfg.Backend.ConfigRetries < 0 || cfg.Backend.ConfigRetries > 5 {
		errs = append(errs, "backend.configRetries must be between 0 and 5")
	}
	if cfg.Relay.DedupRetentionSeconds < 1 {
		errs = append(errs, "relay.dedupRetentionSeconds must be >= 1")
	}
	if cfg.Journal.Enabled {
		if cfg.Journal.DBPath == "" {
			errs = append(errs, "journal.dbPath is required when the journal is enabled")
		}
		if cfg.Journal.RetentionDays < 1 {
			errs = append(errs, "journal.retentionDays must be >= 1")
		}
	}
	if cfg.Events.Enabled && cfg.Events.NATSURL == "" {
		errs = append(errs, "events.natsURL is required when events are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Missing returns the names of required values that are not set. The health
// endpoint reports these.
func Missing(cfg *Config) []string {
	var missing []string
	if cfg.Backend.BaseURL == "" {
		missing = append(missing, EnvBackendURL)
	}
	if cfg.WhatsApp.VerifyToken == "" {
		missing = append(missing, EnvVerifyToken)
	}
	return missing
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
