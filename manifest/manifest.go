// Package manifest parses and validates plugin manifests: the declarative
// description of a plugin's identity, entry point, requested capabilities,
// and host hooks. A manifest that fails validation never reaches a worker.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/GoCodeAlone/enclave/permission"
)

// Hook names the host recognizes in a manifest's hook map. The map value is
// the function symbol the plugin's entry source exports for that hook.
const (
	HookLoad           = "load"
	HookUnload         = "unload"
	HookHardwareAttach = "hardware-attach"
	HookHardwareDetach = "hardware-detach"
	HookJobReceived    = "job-received"
)

var knownHooks = map[string]bool{
	HookLoad:           true,
	HookUnload:         true,
	HookHardwareAttach: true,
	HookHardwareDetach: true,
	HookJobReceived:    true,
}

// Manifest describes a plugin. Identity is (Name, Version); once a manifest
// is accepted under an identity it is immutable — re-loading the same
// identity is a no-op unless the caller asks for an explicit reload.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
	Entry        string            `json:"entry"`
	Permissions  permission.Set    `json:"permissions"`
	Hooks        map[string]string `json:"hooks"`
	Dependencies []Dependency      `json:"dependencies,omitempty"`
	Signature    *Signature        `json:"signature,omitempty"`
}

// Dependency declares a versioned dependency on another plugin.
type Dependency struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint"` // semver constraint, e.g. ">=1.0.0", "^2.1.0"
}

// Identity returns the name@version identity string.
func (m *Manifest) Identity() string {
	return m.Name + "@" + m.Version
}

// Parse decodes a raw JSON manifest. The schema is closed: unknown keys are
// rejected so a typo cannot silently widen a permission grant.
func Parse(raw []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Load reads and decodes a manifest from a JSON file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}
