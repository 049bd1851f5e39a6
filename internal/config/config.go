// Package config loads the per-machine configuration record the
// Supervisor boots from. The load/merge shape follows a YAML-on-disk
// pattern (gopkg.in/yaml.v3, defaults filled on read) with a
// JSON-tagged Override layer that Machine.Apply merges on top.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

const (
	DefaultAutoSaveMs       = 10_000
	DefaultConnectTimeoutMs = 30_000
)

// Machine is one machine's configuration, loaded from YAML on disk.
type Machine struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name,omitempty"`
	RootfsURL        string   `yaml:"rootfsUrl"`
	Entrypoint       []string `yaml:"entrypoint,omitempty"`
	Env              []string `yaml:"env,omitempty"`
	Packages         []string `yaml:"packages,omitempty"`
	ProxyURL         string   `yaml:"proxyUrl,omitempty"`
	AutoSaveMs       int      `yaml:"autoSaveMs,omitempty"`
	ConnectTimeoutMs int      `yaml:"connectTimeoutMs,omitempty"`
}

// Validate checks the fields the Supervisor cannot boot without. A
// missing rootfsUrl is the one ConfigError calls out explicitly.
func (m *Machine) Validate() error {
	if m.ID == "" {
		return herr.NewConfigError("id", fmt.Errorf("machine id is required"))
	}
	if m.RootfsURL == "" {
		return herr.NewConfigError("rootfsUrl", fmt.Errorf("rootfsUrl is required"))
	}
	return nil
}

// applyDefaults fills the two fields a Machine gets explicit defaults for.
func (m *Machine) applyDefaults() {
	if m.AutoSaveMs == 0 {
		m.AutoSaveMs = DefaultAutoSaveMs
	}
	if m.ConnectTimeoutMs == 0 {
		m.ConnectTimeoutMs = DefaultConnectTimeoutMs
	}
}

// Load reads a machine configuration record from a YAML file on disk,
// applying defaults and validating required fields.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herr.NewConfigError("path", fmt.Errorf("read %s: %w", path, err))
	}
	m := &Machine{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, herr.NewConfigError("yaml", fmt.Errorf("parse %s: %w", path, err))
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the machine record back to disk as YAML, e.g. after a CLI
// invocation edits one field.
func Save(path string, m *Machine) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return herr.NewConfigError("yaml", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Override is a JSON-scriptable subset of Machine that Apply patches
// onto a loaded record without rewriting the YAML file. Only fields safe
// to change at boot time are exposed. No rvhostctl command builds one.
type Override struct {
	Env      []string `json:"env,omitempty"`
	Packages []string `json:"packages,omitempty"`
	ProxyURL string   `json:"proxyUrl,omitempty"`
}

// Apply merges a non-zero Override field onto m, override-wins fashion,
// the same precedence idiom as layered user/project config merges
// reduced to one layer since there is no per-project file here.
func (m *Machine) Apply(o Override) {
	if len(o.Env) > 0 {
		m.Env = o.Env
	}
	if len(o.Packages) > 0 {
		m.Packages = o.Packages
	}
	if o.ProxyURL != "" {
		m.ProxyURL = o.ProxyURL
	}
}
