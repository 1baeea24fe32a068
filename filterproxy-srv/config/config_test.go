package config

import (
	"os"
	"path/filepath"
	"testing"
)

// Helper function to create a temporary config file
func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	err := os.WriteFile(tempFilePath, []byte(content), 0644)
	if err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:8080" {
		t.Errorf("Expected default listen address 0.0.0.0:8080, got %q", cfg.ListenAddress)
	}
	if cfg.BlocklistFile != "config/blocked_domains.txt" {
		t.Errorf("Expected default blocklist file, got %q", cfg.BlocklistFile)
	}
	if cfg.TimeoutSeconds != 10 {
		t.Errorf("Expected default timeout 10, got %d", cfg.TimeoutSeconds)
	}
	if cfg.TunnelIdleSecs != 30 {
		t.Errorf("Expected default tunnel idle 30, got %d", cfg.TunnelIdleSecs)
	}
	if cfg.MaxHeaderBytes != 64*1024 {
		t.Errorf("Expected default max header bytes 65536, got %d", cfg.MaxHeaderBytes)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Backend != MetricsBackendCSV {
		t.Errorf("Expected CSV metrics enabled by default, got %+v", cfg.Metrics)
	}
	if cfg.Dashboard.Enabled {
		t.Error("Dashboard should be disabled by default")
	}
	if cfg.Forward != nil {
		t.Errorf("Expected no forward by default, got %+v", cfg.Forward)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	configJSON := `{
		"listen-address": "127.0.0.1:3128",
		"blocklist-file": "/etc/filterproxy/blocked.txt",
		"timeout-seconds": 5,
		"tunnel-idle-seconds": 60,
		"max-header-bytes": 8192,
		"access-log": "",
		"error-log": "",
		"metrics": {
			"enabled": true,
			"backend": "sqlite",
			"sqlite-path": "/var/lib/filterproxy/metrics.db"
		},
		"dashboard": {
			"enabled": true,
			"listen-address": "127.0.0.1:9090",
			"password": "hunter2"
		}
	}`
	configPath := createTempConfigFile(t, t.TempDir(), "config.json", configJSON)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:3128" {
		t.Errorf("Expected listen address 127.0.0.1:3128, got %q", cfg.ListenAddress)
	}
	if cfg.BlocklistFile != "/etc/filterproxy/blocked.txt" {
		t.Errorf("Expected blocklist file override, got %q", cfg.BlocklistFile)
	}
	if cfg.TimeoutSeconds != 5 || cfg.TunnelIdleSecs != 60 || cfg.MaxHeaderBytes != 8192 {
		t.Errorf("Timeout fields not applied: %+v", cfg)
	}
	if cfg.AccessLogFile != "" || cfg.ErrorLogFile != "" {
		t.Errorf("Expected log files disabled, got %q / %q", cfg.AccessLogFile, cfg.ErrorLogFile)
	}
	if cfg.Metrics.Backend != MetricsBackendSQLite {
		t.Errorf("Expected sqlite backend, got %q", cfg.Metrics.Backend)
	}
	if cfg.Metrics.SQLitePath != "/var/lib/filterproxy/metrics.db" {
		t.Errorf("Expected sqlite path, got %q", cfg.Metrics.SQLitePath)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.ListenAddress != "127.0.0.1:9090" {
		t.Errorf("Dashboard config not applied: %+v", cfg.Dashboard)
	}
	if cfg.Dashboard.Password != "hunter2" {
		t.Errorf("Expected dashboard password, got %q", cfg.Dashboard.Password)
	}
}

func TestLoadConfigForwardSocks5(t *testing.T) {
	configJSON := `{
		"forward": {
			"type": "socks5",
			"address": "10.0.0.1:1080",
			"username": "user"
		}
	}`
	configPath := createTempConfigFile(t, t.TempDir(), "forward.json", configJSON)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Forward == nil {
		t.Fatal("Expected forward config")
	}
	if cfg.Forward.Type != ForwardTypeSocks5 {
		t.Errorf("Expected socks5 forward, got %v", cfg.Forward.Type)
	}
	if cfg.Forward.Address != "10.0.0.1:1080" {
		t.Errorf("Expected forward address, got %q", cfg.Forward.Address)
	}
	if cfg.Forward.Username == nil || *cfg.Forward.Username != "user" {
		t.Errorf("Expected forward username, got %v", cfg.Forward.Username)
	}
	if cfg.Forward.Password != nil {
		t.Errorf("Expected no forward password, got %v", cfg.Forward.Password)
	}
}

func TestLoadConfigForwardMissingAddress(t *testing.T) {
	configJSON := `{"forward": {"type": "socks5"}}`
	configPath := createTempConfigFile(t, t.TempDir(), "bad_forward.json", configJSON)

	if _, err := LoadConfig(configPath); err == nil {
		t.Fatal("Expected error for socks5 forward without address")
	}
}

func TestLoadConfigSecret(t *testing.T) {
	t.Setenv("FILTERPROXY_TEST_DB_PASSWORD", "s3cret-dsn")
	configJSON := `{
		"metrics": {
			"backend": "postgres",
			"postgres-dsn": {"_secret": "FILTERPROXY_TEST_DB_PASSWORD"}
		}
	}`
	configPath := createTempConfigFile(t, t.TempDir(), "secret.json", configJSON)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config with secret: %v", err)
	}
	if cfg.Metrics.PostgresDSN != "s3cret-dsn" {
		t.Errorf("Expected DSN from env secret, got %q", cfg.Metrics.PostgresDSN)
	}
}

func TestLoadConfigSecretMissing(t *testing.T) {
	configJSON := `{
		"metrics": {
			"postgres-dsn": {"_secret": "FILTERPROXY_TEST_UNSET_SECRET"}
		}
	}`
	configPath := createTempConfigFile(t, t.TempDir(), "secret_missing.json", configJSON)

	if _, err := LoadConfig(configPath); err == nil {
		t.Fatal("Expected error for unset secret")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("FILTERPROXY_LISTENADDRESS", "0.0.0.0:9999")
	t.Setenv("FILTERPROXY_TIMEOUTSECONDS", "42")
	t.Setenv("FILTERPROXY_METRICSBACKEND", "dummy")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9999" {
		t.Errorf("Expected env listen address, got %q", cfg.ListenAddress)
	}
	if cfg.TimeoutSeconds != 42 {
		t.Errorf("Expected env timeout 42, got %d", cfg.TimeoutSeconds)
	}
	if cfg.Metrics.Backend != MetricsBackendDummy {
		t.Errorf("Expected env metrics backend dummy, got %q", cfg.Metrics.Backend)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"zero timeout", `{"timeout-seconds": 0}`},
		{"negative header cap", `{"max-header-bytes": -1}`},
		{"bad metrics backend", `{"metrics": {"backend": "redis"}}`},
		{"bad forward type", `{"forward": {"type": "wireguard"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := createTempConfigFile(t, t.TempDir(), "invalid.json", tt.json)
			if _, err := LoadConfig(configPath); err == nil {
				t.Fatalf("Expected error for config %s", tt.json)
			}
		})
	}
}

func TestHasChanged(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}
		return cfg
	}

	a := base()
	b := base()
	if HasChanged(a, b) {
		t.Error("Identical configs should not be reported as changed")
	}

	b.ListenAddress = "127.0.0.1:1234"
	if !HasChanged(a, b) {
		t.Error("Changed listen address should be detected")
	}

	b = base()
	b.Metrics.Backend = MetricsBackendSQLite
	if !HasChanged(a, b) {
		t.Error("Changed metrics backend should be detected")
	}

	b = base()
	user := "u"
	b.Forward = &ForwardConfig{Type: ForwardTypeSocks5, Address: "x:1080", Username: &user}
	if !HasChanged(a, b) {
		t.Error("Added forward should be detected")
	}

	a = base()
	userA := "u"
	a.Forward = &ForwardConfig{Type: ForwardTypeSocks5, Address: "x:1080", Username: &userA}
	if HasChanged(a, b) {
		t.Error("Equal forwards should not be reported as changed")
	}
}
