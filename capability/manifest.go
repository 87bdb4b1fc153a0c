package capability

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format names a manifest encoding.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
	FormatJSONC Format = "jsonc"
)

// Manifest is the declarative list of capabilities a deployment exposes.
type Manifest struct {
	Capabilities []Descriptor `json:"capabilities" yaml:"capabilities" jsonschema:"minItems=1"`
}

var manifestValidator = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("bareword", func(fl validator.FieldLevel) bool {
		return isBareword(fl.Field().String())
	})
	return v
}

// manifestRules mirrors Descriptor with validation tags so the public types
// stay free of validator markup.
type manifestRules struct {
	Capabilities []descriptorRules `validate:"required,min=1,dive"`
}

type descriptorRules struct {
	Slug    string        `validate:"bareword"`
	Methods []methodRules `validate:"required,min=1,dive"`
}

type methodRules struct {
	Name string `validate:"bareword"`
}

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonc":
		return FormatJSONC, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := ParseManifest(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes data in the given format and validates it. JSON
// manifests may carry comments and trailing commas.
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
	case FormatJSON, FormatJSONC:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("parsing manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks slugs and method names are barewords, every capability
// declares a method, and slugs are unique.
func (m *Manifest) Validate() error {
	rules := manifestRules{Capabilities: make([]descriptorRules, len(m.Capabilities))}
	for i, d := range m.Capabilities {
		methods := make([]methodRules, len(d.Methods))
		for j, mt := range d.Methods {
			methods[j] = methodRules{Name: mt.Name}
		}
		rules.Capabilities[i] = descriptorRules{Slug: d.Slug, Methods: methods}
	}

	var errs []error
	if err := manifestValidator.Struct(rules); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid manifest: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "manifestRules."), fe.Tag()))
		}
	}

	seen := make(map[string]bool, len(m.Capabilities))
	for _, d := range m.Capabilities {
		if d.Slug == "" {
			continue
		}
		if seen[d.Slug] {
			errs = append(errs, fmt.Errorf("duplicate capability slug %q", d.Slug))
		}
		seen[d.Slug] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid manifest: %w", errors.Join(errs...))
	}
	return nil
}

// Without returns a copy of m minus the named slugs.
func (m *Manifest) Without(slugs ...string) *Manifest {
	drop := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		drop[s] = true
	}
	out := &Manifest{}
	for _, d := range m.Capabilities {
		if !drop[d.Slug] {
			out.Capabilities = append(out.Capabilities, d)
		}
	}
	return out
}

// Schema returns the JSON Schema describing a manifest document.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := r.Reflect(&Manifest{})
	schema.Title = "Capability Manifest"
	schema.Description = "Capabilities exposed to the model, addressed as slug:method(args)."
	return json.MarshalIndent(schema, "", "  ")
}

// NewRegistryFromManifest registers every manifest entry with the handler of
// the same slug and seals the registry. A manifest entry without a handler is
// an error; handlers without an entry are ignored.
func NewRegistryFromManifest(m *Manifest, handlers map[string]Handler) (*Registry, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r := NewRegistry()
	for _, d := range m.Capabilities {
		h, ok := handlers[d.Slug]
		if !ok {
			return nil, fmt.Errorf("capability %q has no handler", d.Slug)
		}
		if err := r.Register(d, h); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}
