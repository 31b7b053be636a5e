// Package manifest parses the root project manifest: the
// PACKAGES/BUNDLES declarations plus leading "@envy key value" directive
// comments. Manifest *discovery* (walking up the filesystem from cwd) and
// the launcher/init flow are external collaborators; this
// package only turns a manifest file already on disk into resolver input.
package manifest

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directive is one leading "# @envy key "value"" meta-comment.
type Directive struct {
	Key   string
	Value string
}

var directiveRe = regexp.MustCompile(`^#\s*@envy\s+([A-Za-z-]+)(?:\s+"([^"]*)")?\s*$`)

// PackageEntry is one entry of the manifest's PACKAGES list, the resolver's
// root input.
type PackageEntry struct {
	Spec    string         `yaml:"spec"`
	Source  string         `yaml:"source"`
	Bundle  string         `yaml:"bundle"`
	Options map[string]any `yaml:"options"`
}

// BundleAlias is one entry of the manifest's BUNDLES map: alias -> bundle
// declaration.
type BundleAlias struct {
	Source string `yaml:"source"`
}

// Manifest is the parsed envy.yaml.
type Manifest struct {
	Directives []Directive
	Packages   []PackageEntry
	Bundles    map[string]BundleAlias

	Path string
}

type document struct {
	Packages []PackageEntry         `yaml:"packages"`
	Bundles  map[string]BundleAlias `yaml:"bundles"`
}

// Load reads a manifest file at path, extracting both the @envy directive
// comments and the PACKAGES/BUNDLES body.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	var directives []Directive
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if m := directiveRe.FindStringSubmatch(line); m != nil {
			directives = append(directives, Directive{Key: m[1], Value: m[2]})
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break // directives must be a leading comment block
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: scan %s: %w", path, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	return &Manifest{
		Directives: directives,
		Packages:   doc.Packages,
		Bundles:    doc.Bundles,
		Path:       path,
	}, nil
}

// Directive looks up the first directive with the given key.
func (m *Manifest) Directive(key string) (string, bool) {
	for _, d := range m.Directives {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// DirectiveValues returns every directive value recorded under key, in
// manifest order. Most directives are singular (Directive suffices); only
// "package-depot" is meant to repeat.
func (m *Manifest) DirectiveValues(key string) []string {
	var values []string
	for _, d := range m.Directives {
		if d.Key == key {
			values = append(values, d.Value)
		}
	}
	return values
}

// IsRoot reports whether this manifest is the topmost one to use: a
// manifest whose "root" directive is anything other than "false" is
// treated as the project root.
func (m *Manifest) IsRoot() bool {
	v, ok := m.Directive("root")
	if !ok {
		return true
	}
	return v != "false"
}
