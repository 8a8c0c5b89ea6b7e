package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDeviceIDDefaultsToHostname(t *testing.T) {
	host, err := os.Hostname()
	if err != nil {
		t.Skipf("hostname unavailable: %v", err)
	}
	if got := Defaults().Device.ID; got != host {
		t.Fatalf("device id = %q, want hostname %q", got, host)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.Discovery.Service != "_shelfsync._tcp" {
		t.Fatalf("unexpected service: %q", cfg.Bridge.Discovery.Service)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BACKEND_URL", "http://backend.internal:8000")
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "bridge:\n  backend:\n    base_url: ${TEST_BACKEND_URL}\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.Backend.BaseURL != "http://backend.internal:8000" {
		t.Fatalf("env not expanded: %q", cfg.Bridge.Backend.BaseURL)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Device.Debounce = 0
	cfg.Bridge.Backend.BaseURL = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "device.debounce") || !strings.Contains(msg, "bridge.backend.base_url") {
		t.Fatalf("expected both problems reported, got: %v", err)
	}
}

func TestValidateTimerOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Device.Inactivity = 5 * time.Second // below the 10s debounce
	if err := Validate(cfg); err == nil {
		t.Fatal("inactivity below debounce should fail")
	}
}

func TestSecretRoundTrip(t *testing.T) {
	enc, err := EncryptValue("tok-secret", "passphrase")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := DecryptValue(enc, "passphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "tok-secret" {
		t.Fatalf("round trip mismatch: %q", dec)
	}
	if _, err := DecryptValue(enc, "wrong"); err == nil {
		t.Fatal("wrong passphrase should fail")
	}
}

func TestLoadDecryptsAPIToken(t *testing.T) {
	t.Setenv("SHELFSYNC_CONFIG_KEY", "passphrase")
	enc, err := EncryptValue("tok-secret", "passphrase")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "bridge:\n  backend:\n    api_token: enc:" + enc + "\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.Backend.APIToken != "tok-secret" {
		t.Fatalf("token not decrypted: %q", cfg.Bridge.Backend.APIToken)
	}
}
