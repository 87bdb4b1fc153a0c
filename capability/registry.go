package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Parameter describes one positional argument of a method.
type Parameter struct {
	Name        string `json:"name" yaml:"name" jsonschema:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Method describes one operation a capability exposes.
type Method struct {
	Name        string      `json:"name" yaml:"name" jsonschema:"required,pattern=^[A-Za-z0-9_]+$"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Descriptor is the metadata the model sees for a capability.
type Descriptor struct {
	Slug        string   `json:"slug" yaml:"slug" jsonschema:"required,pattern=^[A-Za-z0-9_]+$"`
	Description string   `json:"description" yaml:"description"`
	Methods     []Method `json:"methods" yaml:"methods" jsonschema:"minItems=1"`
}

// HasMethod reports whether the descriptor declares method.
func (d Descriptor) HasMethod(method string) bool {
	for _, m := range d.Methods {
		if m.Name == method {
			return true
		}
	}
	return false
}

type registeredCapability struct {
	descriptor Descriptor
	handler    Handler
}

// Registry maps capability slugs to handlers. Registration happens at
// startup; after Seal the registry is read-only and safe for concurrent use.
type Registry struct {
	caps   map[string]*registeredCapability
	sealed bool
	mu     sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		caps: make(map[string]*registeredCapability),
	}
}

// Register adds a capability. Slugs must be non-empty barewords and unique.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if !isBareword(desc.Slug) {
		return fmt.Errorf("invalid capability slug %q", desc.Slug)
	}
	if handler == nil {
		return fmt.Errorf("capability %q: nil handler", desc.Slug)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %q: %w", desc.Slug, ErrRegistrySealed)
	}
	if _, exists := r.caps[desc.Slug]; exists {
		return fmt.Errorf("capability %q already registered", desc.Slug)
	}
	r.caps[desc.Slug] = &registeredCapability{descriptor: desc, handler: handler}
	return nil
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the handler for slug. Lookup is exact and case-sensitive.
func (r *Registry) Resolve(slug string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[slug]
	if !ok {
		return nil, fmt.Errorf("%q: %w", slug, ErrCapabilityNotFound)
	}
	return c.handler, nil
}

// Descriptor returns the metadata registered for slug.
func (r *Registry) Descriptor(slug string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[slug]
	if !ok {
		return Descriptor{}, false
	}
	return c.descriptor, true
}

// HasMethod reports whether slug is registered and declares method.
func (r *Registry) HasMethod(slug, method string) bool {
	desc, ok := r.Descriptor(slug)
	return ok && desc.HasMethod(method)
}

// Descriptors returns all registered descriptors sorted by slug.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.caps))
	for _, c := range r.caps {
		descs = append(descs, c.descriptor)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Slug < descs[j].Slug })
	return descs
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// Catalog renders the registry as plain text for the model, one block per
// capability with an example invocation per method.
func (r *Registry) Catalog() string {
	descs := r.Descriptors()
	if len(descs) == 0 {
		return ""
	}

	var b strings.Builder
	for i, d := range descs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## %s\n", d.Slug)
		if d.Description != "" {
			b.WriteString(d.Description)
			b.WriteString("\n")
		}
		for _, m := range d.Methods {
			names := make([]string, len(m.Parameters))
			for j, p := range m.Parameters {
				names[j] = p.Name
			}
			fmt.Fprintf(&b, "- %s:%s(%s)", d.Slug, m.Name, strings.Join(names, ", "))
			if m.Description != "" {
				b.WriteString(" - ")
				b.WriteString(m.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func isBareword(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
