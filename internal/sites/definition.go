package sites

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/registry"
	"github.com/neboloop/chatbridge/internal/types"
)

// LocatorSpec is one locator strategy in a site definition. Exactly one field is set.
type LocatorSpec struct {
	CSS   string `yaml:"css,omitempty"`
	XPath string `yaml:"xpath,omitempty"`
}

func (l LocatorSpec) query() (dom.Query, error) {
	switch {
	case l.CSS != "" && l.XPath != "":
		return dom.Query{}, errors.New("locator sets both css and xpath")
	case l.CSS != "":
		return dom.Query{Kind: dom.CSS, Expr: l.CSS}, nil
	case l.XPath != "":
		return dom.Query{Kind: dom.XPath, Expr: l.XPath}, nil
	}
	return dom.Query{}, errors.New("locator needs css or xpath")
}

// SurfaceSpec places the control surface.
type SurfaceSpec struct {
	ID       string        `yaml:"id,omitempty"`
	Position string        `yaml:"position,omitempty"`
	Anchor   []LocatorSpec `yaml:"anchor"`
}

// Definition is a site adapter described in YAML.
type Definition struct {
	Name         string        `yaml:"name"`
	Version      string        `yaml:"version"`
	Priority     int           `yaml:"priority"`
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Hosts        []string      `yaml:"hosts"`
	Capabilities []string      `yaml:"capabilities"`
	Surface      SurfaceSpec   `yaml:"surface"`
	Composer     []LocatorSpec `yaml:"composer,omitempty"`
	Submit       []LocatorSpec `yaml:"submit,omitempty"`
	FileInput    []LocatorSpec `yaml:"fileInput,omitempty"`
	Calls        []LocatorSpec `yaml:"calls,omitempty"`
}

// IsEnabled reports whether the definition should be registered. Default true.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Plugin validates the definition and converts it.
func (d Definition) Plugin() (registry.Plugin, error) {
	caps := make([]types.Capability, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps = append(caps, types.Capability(strings.TrimSpace(c)))
	}
	desc := adapter.Descriptor{
		Name:         d.Name,
		Version:      d.Version,
		Hosts:        d.Hosts,
		Capabilities: types.NewCapabilitySet(caps...),
		Priority:     d.Priority,
	}
	if err := desc.Validate(); err != nil {
		return registry.Plugin{}, err
	}

	var (
		t   Table
		err error
	)
	t.SurfaceID = d.Surface.ID
	switch pos := dom.Position(d.Surface.Position); pos {
	case "", dom.Prepend, dom.Append, dom.Before, dom.After:
		t.Position = pos
	default:
		return registry.Plugin{}, fmt.Errorf("site %s: unknown surface position %q", d.Name, d.Surface.Position)
	}
	if t.Anchor, err = locators(d.Surface.Anchor); err != nil {
		return registry.Plugin{}, fmt.Errorf("site %s: surface anchor: %w", d.Name, err)
	}
	if t.Composer, err = locators(d.Composer); err != nil {
		return registry.Plugin{}, fmt.Errorf("site %s: composer: %w", d.Name, err)
	}
	if t.Submit, err = locators(d.Submit); err != nil {
		return registry.Plugin{}, fmt.Errorf("site %s: submit: %w", d.Name, err)
	}
	if t.FileInput, err = locators(d.FileInput); err != nil {
		return registry.Plugin{}, fmt.Errorf("site %s: fileInput: %w", d.Name, err)
	}
	for _, spec := range d.Calls {
		q, err := spec.query()
		if err != nil {
			return registry.Plugin{}, fmt.Errorf("site %s: calls: %w", d.Name, err)
		}
		t.Calls = append(t.Calls, q)
	}
	if err := t.Check(desc.Capabilities); err != nil {
		return registry.Plugin{}, fmt.Errorf("site %s: %w", d.Name, err)
	}
	return Plugin(desc, t), nil
}

func locators(specs []LocatorSpec) ([]dom.Locator, error) {
	out := make([]dom.Locator, 0, len(specs))
	for i, spec := range specs {
		q, err := spec.query()
		if err != nil {
			return nil, fmt.Errorf("#%d: %w", i+1, err)
		}
		out = append(out, dom.ByQuery(q))
	}
	return out, nil
}

// ParseDefinition decodes one YAML site definition.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// LoadDir reads every *.yaml and *.yml file in dir. A missing directory yields no
// plugins. Disabled definitions are skipped; a broken file is reported and skipped
// so one typo cannot take down the other sites.
func LoadDir(dir string) ([]registry.Plugin, []error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{err}
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		plugins []registry.Plugin
		errs    []error
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if !def.IsEnabled() {
			slog.Debug("site definition disabled", "component", "sites", "file", path)
			continue
		}
		p, err := def.Plugin()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins, errs
}
