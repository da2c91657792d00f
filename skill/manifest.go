// Package skill manages skill manifests and routes invocations to the
// runtime that executes them.
package skill

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Type says which runtime executes a skill.
type Type string

const (
	TypeNative Type = "native"
	TypeWasm   Type = "wasm"
	TypeRemote Type = "remote"
	TypeDag    Type = "dag"
)

// Capabilities declares exactly what a skill may touch. The runtimes
// enforce this at their boundary; a skill gets nothing it did not declare.
type Capabilities struct {
	FSRead      []string `yaml:"fs_read,omitempty"`
	FSWrite     []string `yaml:"fs_write,omitempty"`
	Network     bool     `yaml:"network,omitempty"`
	MemoryBytes uint64   `yaml:"memory_bytes,omitempty"`
	Fuel        uint64   `yaml:"fuel,omitempty"`
}

// Manifest declares a skill.
type Manifest struct {
	ID            string            `yaml:"id"`
	Version       string            `yaml:"version"`
	Type          Type              `yaml:"type"`
	Entry         string            `yaml:"entry"`
	Requires      Capabilities      `yaml:"requires"`
	Retry         uint8             `yaml:"retry,omitempty"`
	DefaultParams map[string]string `yaml:"default_params,omitempty"`
	// ReuseSession allows the native runtime to reuse a pooled session
	// across invocations.
	ReuseSession bool `yaml:"reuse_session,omitempty"`
}

// Default resource budgets applied when a manifest omits them.
const (
	defaultMemoryBytes = 64 << 20 // 64 MiB
	defaultFuel        = 10_000_000
)

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "skill: parse manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "skill: read manifest %s", path)
	}
	return ParseManifest(data)
}

// Validate checks the manifest and fills resource defaults.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("skill: manifest id required")
	}
	if !semver.IsValid(fmt.Sprintf("v%s", m.Version)) {
		return errors.Errorf("skill: invalid semver version %q for %s", m.Version, m.ID)
	}
	switch m.Type {
	case TypeNative, TypeWasm, TypeRemote, TypeDag:
	default:
		return errors.Errorf("skill: unknown type %q for %s", m.Type, m.ID)
	}
	if m.Entry == "" {
		return errors.Errorf("skill: entry required for %s", m.ID)
	}
	if m.Requires.MemoryBytes == 0 {
		m.Requires.MemoryBytes = defaultMemoryBytes
	}
	if m.Type == TypeWasm && m.Requires.Fuel == 0 {
		m.Requires.Fuel = defaultFuel
	}
	return nil
}
