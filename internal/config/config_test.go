package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MaxConns != 256 {
		t.Errorf("max conns = %d, want 256", cfg.Server.MaxConns)
	}
	if cfg.Gateway.CallTimeout != 60*time.Second {
		t.Errorf("timeout = %s, want 60s", cfg.Gateway.CallTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Storage.DataDir == "" {
		t.Error("empty data dir")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "researchos")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := map[string]any{
		"server.port":             8080,
		"server.api_token":        "secret",
		"storage.data_dir":        "/tmp/researchos-test",
		"gateway.timeout_seconds": 30,
		"log.level":               "debug",
	}
	data, _ := json.Marshal(file)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "secret" {
		t.Errorf("token = %q, want secret", cfg.Server.APIToken)
	}
	if cfg.Storage.DataDir != "/tmp/researchos-test" {
		t.Errorf("data dir = %q", cfg.Storage.DataDir)
	}
	if cfg.Gateway.CallTimeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", cfg.Gateway.CallTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "researchos")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(`{"server.port": 8080}`), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("RESEARCHOS_PORT", "9090")
	t.Setenv("RESEARCHOS_API_TOKEN", "env-token")
	t.Setenv("RESEARCHOS_GATEWAY_TIMEOUT_SECONDS", "15")
	t.Setenv("RESEARCHOS_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090 (env wins over file)", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("token = %q, want env-token", cfg.Server.APIToken)
	}
	if cfg.Gateway.CallTimeout != 15*time.Second {
		t.Errorf("timeout = %s, want 15s", cfg.Gateway.CallTimeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("RESEARCHOS_PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("Load = nil, want port validation error")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "9999"); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	if err := SetKey("log.level", "debug"); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestSetKeyRejectsUnknownKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("nope.nothing", "1"); err == nil {
		t.Fatal("SetKey = nil, want unknown key error")
	}
}

func TestSetKeyRejectsBadInt(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "not-a-number"); err == nil {
		t.Fatal("SetKey = nil, want integer parse error")
	}
}

func TestUnsetKeyRevertsToDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "9999"); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	if err := UnsetKey("server.port"); err != nil {
		t.Fatalf("UnsetKey failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want default 4100", cfg.Server.Port)
	}

	if err := UnsetKey("nope.nothing"); err == nil {
		t.Fatal("UnsetKey = nil, want unknown key error")
	}
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "super-secret"

	for _, k := range ShowAll(cfg) {
		if k.Key == "server.api_token" {
			if k.Value != "(set)" {
				t.Errorf("api_token value = %q, want (set)", k.Value)
			}
			continue
		}
		if strings.Contains(k.Value, "super-secret") {
			t.Errorf("secret leaked through key %s: %q", k.Key, k.Value)
		}
	}

	cfg.Server.APIToken = ""
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.api_token" && k.Value != "(unset)" {
			t.Errorf("empty api_token value = %q, want (unset)", k.Value)
		}
	}
}

func TestValidKeysCoverAllSpecs(t *testing.T) {
	keys := ValidKeys()
	if len(keys) != len(specs) {
		t.Fatalf("keys = %d, want %d", len(keys), len(specs))
	}
	for _, want := range []string{"server.port", "storage.data_dir", "gateway.timeout_seconds"} {
		found := false
		for _, k := range keys {
			if k == want {
				found = true
			}
		}
		if !found {
			t.Errorf("missing key %q", want)
		}
	}
}

func TestLoadIgnoresMalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "researchos")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	// A corrupt file degrades to defaults instead of failing startup.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want default 4100", cfg.Server.Port)
	}
}
