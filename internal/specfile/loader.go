// Package specfile implements the spec loader: reading a YAML spec file,
// verifying its optional declared checksum, validating its shape, and
// producing an internal/spec.Spec with identity enforced against the
// caller's expectation.
package specfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/wharflab/envy/internal/identity"
	specpkg "github.com/wharflab/envy/internal/spec"
)

// LoadError distinguishes the taxonomy of loader failure kinds so callers
// (and tests) can match on Kind without parsing message text.
type LoadError struct {
	Kind     string // "IdentityError", "IntegrityError", "SchemaError", "CacheError"
	Path     string
	Expected string
	Actual   string
	Err      error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: expected %q, got %q", e.Kind, e.Path, e.Expected, e.Actual)
}

func (e *LoadError) Unwrap() error { return e.Err }

// document is the raw YAML shape of a spec file, before identity
// validation and hook parsing.
type document struct {
	Identity   string         `yaml:"identity"`
	Dependencies []rawDependency `yaml:"dependencies"`
	Products   map[string]string `yaml:"products"`
	Exportable bool           `yaml:"exportable"`

	Check   *rawHook `yaml:"check"`
	Fetch   *rawHook `yaml:"fetch"`
	Stage   *rawHook `yaml:"stage"`
	Build   *rawHook `yaml:"build"`
	Install *rawHook `yaml:"install"`
	Validate *rawHook `yaml:"validate"`
}

type rawDependency struct {
	Spec    string         `yaml:"spec"`
	Product string         `yaml:"product"`
	Source  string         `yaml:"source"`
	Bundle  string         `yaml:"bundle"`
	Options map[string]any `yaml:"options"`
	Weak    *rawWeak       `yaml:"weak"`
	NeededBy string        `yaml:"needed_by"`
}

type rawWeak struct {
	Spec   string `yaml:"spec"`
	Source string `yaml:"source"`
}

// rawHook is the mapping form every hook takes: shell-script text under
// script, or a declarative form (declarative: true, or an object with
// url/sha256/strip). A hook written as a bare string is not accepted.
type rawHook struct {
	Script     string `yaml:"script"`
	Declarative bool  `yaml:"declarative"`
	URL        string `yaml:"url"`
	SHA256     string `yaml:"sha256"`
	Strip      int    `yaml:"strip"`
}

var schemaVocab = jsonschema.MustCompile(`{
	"type": "object",
	"required": ["identity"],
	"properties": {
		"identity": {"type": "string", "minLength": 1},
		"dependencies": {"type": "array"},
		"products": {"type": "object"},
		"exportable": {"type": "boolean"}
	}
}`)

// Load reads and parses a spec file, verifying its SHA-256 (if sha256Hex is
// non-empty) and enforcing that the declared identity matches
// expectedIdentity exactly — including for local specs, which get no
// exemption from this check.
func Load(path string, expectedIdentity identity.Identity, sha256Hex string) (*specpkg.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Kind: "CacheError", Path: path, Err: err}
	}

	if sha256Hex != "" {
		sum := sha256.Sum256(raw)
		actual := hex.EncodeToString(sum[:])
		if actual != sha256Hex {
			return nil, &LoadError{Kind: "IntegrityError", Path: path, Expected: sha256Hex, Actual: actual}
		}
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, &LoadError{Kind: "SchemaError", Path: path, Err: err}
	}
	if err := schemaVocab.Validate(toJSONable(generic)); err != nil {
		return nil, &LoadError{Kind: "SchemaError", Path: path, Err: err}
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Kind: "SchemaError", Path: path, Err: err}
	}

	if doc.Identity == "" {
		return nil, &LoadError{Kind: "IdentityError", Path: path, Expected: expectedIdentity.String(), Actual: "<missing>"}
	}
	declared, err := identity.Parse(doc.Identity)
	if err != nil {
		return nil, &LoadError{Kind: "IdentityError", Path: path, Err: err}
	}
	if declared != expectedIdentity {
		return nil, &LoadError{Kind: "IdentityError", Path: path, Expected: expectedIdentity.String(), Actual: declared.String()}
	}

	s := &specpkg.Spec{
		Identity:   declared,
		Products:   doc.Products,
		Exportable: doc.Exportable,
		SourcePath: path,
	}
	for _, rd := range doc.Dependencies {
		dep, err := parseDependency(rd)
		if err != nil {
			return nil, &LoadError{Kind: "SchemaError", Path: path, Err: err}
		}
		s.Dependencies = append(s.Dependencies, dep)
	}
	s.Check = parseHook(doc.Check)
	s.Fetch = parseHook(doc.Fetch)
	s.Stage = parseHook(doc.Stage)
	s.Build = parseHook(doc.Build)
	s.Install = parseHook(doc.Install)
	s.Validate = parseHook(doc.Validate)

	return s, nil
}

// FileSource adapts Load to internal/resolve.SpecSource: a zero-value
// FileSource is ready to use, loading every spec straight off disk.
type FileSource struct{}

// LoadSpec implements internal/resolve.SpecSource.
func (FileSource) LoadSpec(path string, expected identity.Identity, sha256Hex string) (*specpkg.Spec, error) {
	return Load(path, expected, sha256Hex)
}

func parseDependency(rd rawDependency) (specpkg.Dependency, error) {
	d := specpkg.Dependency{
		Spec:    rd.Spec,
		Product: rd.Product,
		Source:  rd.Source,
		Bundle:  rd.Bundle,
		Options: rd.Options,
	}
	switch {
	case rd.Bundle != "" && rd.Spec != "":
		d.Kind = specpkg.KindSpecFromBundle
	case rd.Bundle != "" && rd.Spec == "":
		d.Kind = specpkg.KindBundle
	case rd.Product != "" && rd.Spec != "":
		d.Kind = specpkg.KindStrongProduct
	case rd.Product != "":
		d.Kind = specpkg.KindWeakProduct
		if rd.Weak != nil {
			d.Weak = &specpkg.WeakFallback{Spec: rd.Weak.Spec, Source: rd.Weak.Source}
		}
	case rd.Spec != "":
		d.Kind = specpkg.KindStrongSpec
	default:
		return d, fmt.Errorf("dependency entry has neither spec, product, nor bundle")
	}
	if rd.NeededBy != "" {
		phase, ok := specpkg.ParsePhase(rd.NeededBy)
		if !ok {
			return d, fmt.Errorf("unknown needed_by %q", rd.NeededBy)
		}
		d.SetNeededBy(phase)
	}
	return d, nil
}

func parseHook(rh *rawHook) *specpkg.Hook {
	if rh == nil {
		return nil
	}
	h := &specpkg.Hook{Script: rh.Script, Declarative: rh.Declarative, StageStrip: rh.Strip}
	if rh.Strip > 0 {
		h.Declarative = true
	}
	if rh.URL != "" {
		h.Declarative = true
		h.DeclarativeFetch = &specpkg.FetchSource{URL: rh.URL, SHA256: rh.SHA256}
	}
	return h
}

// toJSONable converts the yaml.v3-decoded value tree (which may contain
// map[string]any with non-string-keyed nested maps in older decode paths)
// into a tree jsonschema.Validate accepts.
func toJSONable(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toJSONable(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[fmt.Sprintf("%v", k)] = toJSONable(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toJSONable(e)
		}
		return out
	default:
		return v
	}
}
