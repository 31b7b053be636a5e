// Package bundle parses bundle manifests.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/wharflab/envy/internal/identity"
)

// Manifest is the parsed form of envy-bundle.yaml: a bundle identity plus
// a map of member-identity to the relative path of that member's spec
// file within the bundle.
type Manifest struct {
	Bundle identity.Identity
	Specs  map[identity.Identity]string

	SourcePath string
}

type document struct {
	Bundle string            `yaml:"bundle"`
	Specs  map[string]string `yaml:"specs"`
}

// Load reads and parses a bundle manifest file.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("bundle: parse %s: %w", path, err)
	}
	if doc.Bundle == "" {
		return nil, fmt.Errorf("bundle: %s: missing BUNDLE identity", path)
	}
	bundleID, err := identity.Parse(doc.Bundle)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", path, err)
	}
	m := &Manifest{Bundle: bundleID, Specs: map[identity.Identity]string{}, SourcePath: path}
	for rawID, rel := range doc.Specs {
		id, err := identity.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("bundle: %s: member %q: %w", path, rawID, err)
		}
		m.Specs[id] = rel
	}
	return m, nil
}

// MemberPath resolves a member identity's spec path relative to the
// bundle manifest's directory. Returns false if the bundle doesn't list
// that identity.
func (m *Manifest) MemberPath(id identity.Identity) (string, bool) {
	rel, ok := m.Specs[id]
	if !ok {
		return "", false
	}
	return filepath.Join(filepath.Dir(m.SourcePath), rel), true
}
