package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfigYAML = `
network:
  listen_addresses:
    - "/ip4/0.0.0.0/tcp/0"
relay:
  addresses:
    - "/ip4/203.0.113.50/tcp/7777/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An"
  reservation_interval: "2m"
dcutr:
  max_attempts: 3
  stream_timeout: "10s"
`

func writeTestConfig(t testing.TB, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1 (defaulted)", cfg.Version)
	}
	if len(cfg.Network.ListenAddresses) != 1 {
		t.Fatalf("ListenAddresses = %v, want 1 entry", cfg.Network.ListenAddresses)
	}
	if len(cfg.Relay.Addresses) != 1 {
		t.Fatalf("Relay.Addresses = %v, want 1 entry", cfg.Relay.Addresses)
	}
	if cfg.Relay.ReservationInterval.String() != "2m0s" {
		t.Errorf("ReservationInterval = %s, want 2m0s", cfg.Relay.ReservationInterval)
	}
	if cfg.DCUtR.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.DCUtR.MaxAttempts)
	}
	if cfg.DCUtR.StreamTimeout.String() != "10s" {
		t.Errorf("StreamTimeout = %s, want 10s", cfg.DCUtR.StreamTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadVersionTooNew(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "version: 99\n"+testConfigYAML)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestLoadRejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfigYAML)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for world-readable config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "network: [this is not a map]\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}
