// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Type identifies the kind of module a plugin is built as.
type Type string

// Module kinds supported by the host.
const (
	TypeNative Type = "native"
	TypeBinary Type = "binary"
	TypeLua    Type = "lua"
	TypeWASM   Type = "wasm"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string   `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string   `yaml:"version" json:"version"`
	Type         Type     `yaml:"type" json:"type" jsonschema:"enum=native,enum=binary,enum=lua,enum=wasm"`
	Entry        string   `yaml:"entry" json:"entry" jsonschema:"minLength=1"`
	Engine       string   `yaml:"engine,omitempty" json:"engine,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates manifest names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if m.Engine != "" {
		if _, err := semver.NewConstraint(m.Engine); err != nil {
			return fmt.Errorf("engine constraint %q is invalid: %w", m.Engine, err)
		}
	}

	switch m.Type {
	case TypeNative, TypeBinary, TypeLua, TypeWASM:
	default:
		return fmt.Errorf("type must be 'native', 'binary', 'lua' or 'wasm', got %q", m.Type)
	}

	if m.Entry == "" {
		return fmt.Errorf("entry is required")
	}

	for i, c := range m.Capabilities {
		if c == "" {
			return fmt.Errorf("capability %d is empty", i)
		}
	}

	return nil
}

// SupportsEngine reports whether the manifest's engine constraint admits
// the host version. A missing constraint or unparsable host version (such
// as "dev") admits everything.
func (m *Manifest) SupportsEngine(hostVersion string) (bool, error) {
	if m.Engine == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(m.Engine)
	if err != nil {
		return false, fmt.Errorf("engine constraint %q is invalid: %w", m.Engine, err)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return true, nil
	}
	return c.Check(v), nil
}
