package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvBackendURL, EnvVerifyToken, EnvReferrer, EnvAppSecret, EnvPort, EnvNATSURL, EnvBackendMode} {
		t.Setenv(k, "")
	}
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidBackendMode(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.Mode = "carrier-pigeon"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid backend mode")
	}
}

func TestValidate_ValidBackendModes(t *testing.T) {
	for _, mode := range []string{"stream", "socket"} {
		cfg := Defaults()
		cfg.Backend.Mode = mode
		if err := Validate(cfg); err != nil {
			t.Fatalf("mode %q should be valid: %v", mode, err)
		}
	}
}

func TestValidate_Timeouts(t *testing.T) {
	cfg := Defaults()
	cfg.Backend.TurnTimeoutSeconds = 0
	cfg.WhatsApp.RequestTimeoutSeconds = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for zero timeouts")
	}
	if !strings.Contains(err.Error(), "backend.turnTimeoutSeconds") || !strings.Contains(err.Error(), "whatsapp.requestTimeoutSeconds") {
		t.Fatalf("expected both fields reported, got: %v", err)
	}
}

func TestValidate_JournalNeedsPath(t *testing.T) {
	cfg := Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled journal without dbPath")
	}
}

func TestValidate_EventsNeedURL(t *testing.T) {
	cfg := Defaults()
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled events without natsURL")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTripYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Defaults()
	cfg.Backend.BaseURL = "https://backend.example"
	cfg.Backend.Mode = "socket"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Backend.BaseURL != "https://backend.example" {
		t.Fatalf("baseURL: got %q", loaded.Backend.BaseURL)
	}
	if loaded.Backend.Mode != "socket" {
		t.Fatalf("mode: got %q", loaded.Backend.Mode)
	}
}

func TestLoadSave_RoundTripJSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Defaults()
	cfg.Server.Port = 9191
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9191 {
		t.Fatalf("port: got %d", loaded.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefault_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackendURL, "https://env.example")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.BaseURL != "https://env.example" {
		t.Fatalf("expected env override, got %q", cfg.Backend.BaseURL)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  mode: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "backend.mode") {
		t.Fatalf("expected backend.mode validation error, got %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_WARELAY_BACKEND", "https://bots.example")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "backend:\n  baseURL: ${TEST_WARELAY_BACKEND}\n  referrer: ${TEST_WARELAY_REFERRER:-https://ref.example}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.BaseURL != "https://bots.example" {
		t.Fatalf("baseURL: got %q", cfg.Backend.BaseURL)
	}
	if cfg.Backend.Referrer != "https://ref.example" {
		t.Fatalf("referrer: got %q", cfg.Backend.Referrer)
	}
}

// --- Env ---

func TestApplyEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvVerifyToken, "verify-me")
	t.Setenv(EnvPort, "3000")
	t.Setenv(EnvNATSURL, "nats://bus:4222")

	cfg := Defaults()
	ApplyEnv(cfg)
	if cfg.WhatsApp.VerifyToken != "verify-me" {
		t.Fatalf("verify token: got %q", cfg.WhatsApp.VerifyToken)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("port: got %d", cfg.Server.Port)
	}
	if !cfg.Events.Enabled || cfg.Events.NATSURL != "nats://bus:4222" {
		t.Fatalf("events: got %+v", cfg.Events)
	}
}

func TestApplyEnv_BadPortIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "eighty")
	cfg := Defaults()
	ApplyEnv(cfg)
	if cfg.Server.Port != 8080 {
		t.Fatalf("port: got %d", cfg.Server.Port)
	}
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("WARELAY_DOTENV_A=file\nWARELAY_DOTENV_B=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARELAY_DOTENV_A", "process")
	t.Setenv("WARELAY_DOTENV_B", "")
	os.Unsetenv("WARELAY_DOTENV_B")

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("WARELAY_DOTENV_A"); got != "process" {
		t.Fatalf("A: got %q", got)
	}
	if got := os.Getenv("WARELAY_DOTENV_B"); got != "file" {
		t.Fatalf("B: got %q", got)
	}
}

// --- Missing ---

func TestMissing_ReportsRequiredValues(t *testing.T) {
	cfg := Defaults()
	missing := Missing(cfg)
	if len(missing) != 2 || missing[0] != EnvBackendURL || missing[1] != EnvVerifyToken {
		t.Fatalf("unexpected missing list: %v", missing)
	}

	cfg.Backend.BaseURL = "https://b"
	cfg.WhatsApp.VerifyToken = "t"
	if got := Missing(cfg); len(got) != 0 {
		t.Fatalf("expected nothing missing, got %v", got)
	}
}

// --- Accessors ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "backend.mode")
	if err != nil {
		t.Fatal(err)
	}
	if val != "stream" {
		t.Fatalf("expected stream, got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "backend.nonexistent"); err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.WhatsApp.VerifyToken = "verify-token-1234567890"
	cfg.WhatsApp.AppSecret = "short"

	s := Sanitize(cfg)
	if s.WhatsApp.VerifyToken != "veri****7890" {
		t.Fatalf("verify token not masked: %q", s.WhatsApp.VerifyToken)
	}
	if s.WhatsApp.AppSecret != "***" {
		t.Fatalf("short secret not masked: %q", s.WhatsApp.AppSecret)
	}
	if cfg.WhatsApp.VerifyToken != "verify-token-1234567890" {
		t.Fatal("sanitize must not modify the original")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, want := range []string{"server.port", "backend.mode", "relay.dedupRetentionSeconds"} {
		if _, ok := paths[want]; !ok {
			t.Fatalf("missing path %q", want)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_MatchRelayTimings(t *testing.T) {
	cfg := Defaults()
	if cfg.Relay.DedupRetention().Minutes() != 5 {
		t.Fatalf("dedup retention should be 5m, got %s", cfg.Relay.DedupRetention())
	}
	if cfg.Backend.TurnTimeout().Seconds() != 30 {
		t.Fatalf("turn timeout should be 30s, got %s", cfg.Backend.TurnTimeout())
	}
	if cfg.Backend.SweepInterval().Minutes() != 5 {
		t.Fatalf("sweep interval should be 5m, got %s", cfg.Backend.SweepInterval())
	}
	if cfg.Backend.ConfigCacheTTL().Minutes() != 5 {
		t.Fatalf("config cache should be 5m, got %s", cfg.Backend.ConfigCacheTTL())
	}
}
