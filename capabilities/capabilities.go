// Package capabilities wires the built-in capability handlers to a manifest.
package capabilities

import (
	_ "embed"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/capabilities/calculator"
	"github.com/martinemde/capabot/capabilities/memory"
	"github.com/martinemde/capabot/capabilities/web"
	"github.com/martinemde/capabot/capability"
)

//go:embed manifest.yaml
var defaultManifest []byte

// DefaultManifest returns the manifest describing the built-in capabilities.
func DefaultManifest() (*capability.Manifest, error) {
	return capability.ParseManifest(defaultManifest, capability.FormatYAML)
}

// Options select and configure the built-in handlers.
type Options struct {
	// ManifestPath replaces the embedded manifest when set.
	ManifestPath string

	// Disabled lists slugs to leave out.
	Disabled []string

	// Memory backs the memory capability. Without it memory is left out.
	Memory *memory.Store

	Web web.Options

	// Extra registers additional handlers by slug. They must be described
	// in the manifest.
	Extra map[string]capability.Handler

	Log *logrus.Entry
}

// Handlers returns the built-in handlers keyed by slug.
func Handlers(opts Options) map[string]capability.Handler {
	handlers := map[string]capability.Handler{
		calculator.Slug: calculator.New(),
		web.Slug:        web.NewHandler(web.NewFetcher(opts.Web, componentLog(opts.Log, "web"))),
	}
	if opts.Memory != nil {
		handlers[memory.Slug] = memory.NewHandler(opts.Memory)
	}
	for slug, h := range opts.Extra {
		handlers[slug] = h
	}
	return handlers
}

// NewRegistry loads the manifest, drops disabled capabilities and those whose
// backing service is not configured, and returns a sealed registry.
func NewRegistry(opts Options) (*capability.Registry, error) {
	var (
		m   *capability.Manifest
		err error
	)
	if opts.ManifestPath != "" {
		m, err = capability.LoadManifest(opts.ManifestPath)
	} else {
		m, err = DefaultManifest()
	}
	if err != nil {
		return nil, err
	}

	handlers := Handlers(opts)
	drop := append([]string(nil), opts.Disabled...)
	for _, d := range m.Capabilities {
		if _, ok := handlers[d.Slug]; !ok && d.Slug == memory.Slug {
			if opts.Log != nil {
				opts.Log.Info("memory capability disabled: no redis configured")
			}
			drop = append(drop, d.Slug)
		}
	}

	registry, err := capability.NewRegistryFromManifest(m.Without(drop...), handlers)
	if err != nil {
		return nil, fmt.Errorf("building capability registry: %w", err)
	}
	return registry, nil
}

func componentLog(base *logrus.Entry, name string) *logrus.Entry {
	if base == nil {
		return nil
	}
	return base.WithField("capability", name)
}
