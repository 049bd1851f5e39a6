package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte("id: riscv-1\nrootfsUrl: https://example.com/base.tar.gz\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.AutoSaveMs != DefaultAutoSaveMs {
		t.Errorf("AutoSaveMs = %d, want %d", m.AutoSaveMs, DefaultAutoSaveMs)
	}
	if m.ConnectTimeoutMs != DefaultConnectTimeoutMs {
		t.Errorf("ConnectTimeoutMs = %d, want %d", m.ConnectTimeoutMs, DefaultConnectTimeoutMs)
	}
}

func TestLoadMissingRootfsURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte("id: riscv-1\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected ConfigError for missing rootfsUrl")
	}
}

func TestApplyOverridePrefersOverride(t *testing.T) {
	m := &Machine{ID: "riscv-1", RootfsURL: "https://example.com/base.tar.gz", ProxyURL: "wss://old"}
	m.Apply(Override{ProxyURL: "wss://new", Packages: []string{"pkg-a"}})
	if m.ProxyURL != "wss://new" {
		t.Errorf("ProxyURL = %q, want wss://new", m.ProxyURL)
	}
	if len(m.Packages) != 1 || m.Packages[0] != "pkg-a" {
		t.Errorf("Packages = %v", m.Packages)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	m := &Machine{ID: "riscv-1", Name: "test box", RootfsURL: "https://example.com/base.tar.gz"}
	m.applyDefaults()
	if err := Save(path, m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Name != m.Name {
		t.Errorf("Name = %q, want %q", reloaded.Name, m.Name)
	}
}
