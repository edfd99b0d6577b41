// Package catalog maps each media kind to its job table, credit cost,
// execution ceiling and ordered provider cascade.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownKind is returned when a media kind is not in the catalog or disabled.
var ErrUnknownKind = errors.New("unknown media kind")

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Duration decodes Go duration strings ("90s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Step is one provider attempt in a cascade.
type Step struct {
	Provider string   `yaml:"name"`
	Model    string   `yaml:"model"`
	Timeout  Duration `yaml:"timeout"`
}

// Entry describes one media kind.
type Entry struct {
	Kind      string   `yaml:"kind"`
	Table     string   `yaml:"table"`
	Action    string   `yaml:"action"`
	Cost      int64    `yaml:"cost"`
	Ceiling   Duration `yaml:"ceiling"`
	Disabled  bool     `yaml:"disabled"`
	Providers []Step   `yaml:"providers"`
}

type document struct {
	Media []Entry `yaml:"media"`
}

// Catalog is an immutable, ordered set of entries. The order is the search
// order used when a status lookup does not name a media kind.
type Catalog struct {
	entries []Entry
	byKind  map[string]int
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return build(doc.Media)
}

func build(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, errors.New("catalog: no media kinds defined")
	}
	c := &Catalog{byKind: make(map[string]int, len(entries))}
	tables := map[string]bool{}
	for _, e := range entries {
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		if e.Kind == "" {
			return nil, errors.New("catalog: media kind is required")
		}
		if _, dup := c.byKind[e.Kind]; dup {
			return nil, fmt.Errorf("catalog: duplicate media kind %q", e.Kind)
		}
		if !tableName.MatchString(e.Table) {
			return nil, fmt.Errorf("catalog: %s: invalid table name %q", e.Kind, e.Table)
		}
		if tables[e.Table] {
			return nil, fmt.Errorf("catalog: %s: table %q already used", e.Kind, e.Table)
		}
		tables[e.Table] = true
		if e.Cost <= 0 {
			return nil, fmt.Errorf("catalog: %s: cost must be positive", e.Kind)
		}
		if e.Ceiling <= 0 {
			return nil, fmt.Errorf("catalog: %s: ceiling must be positive", e.Kind)
		}
		if len(e.Providers) == 0 {
			return nil, fmt.Errorf("catalog: %s: at least one provider is required", e.Kind)
		}
		if e.Action == "" {
			e.Action = e.Kind + "_generation"
		}
		for i, s := range e.Providers {
			if strings.TrimSpace(s.Provider) == "" {
				return nil, fmt.Errorf("catalog: %s: provider %d has no name", e.Kind, i)
			}
		}
		c.byKind[e.Kind] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// Lookup returns the enabled entry for kind.
func (c *Catalog) Lookup(kind string) (Entry, error) {
	i, ok := c.byKind[strings.ToLower(strings.TrimSpace(kind))]
	if !ok || c.entries[i].Disabled {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return c.entries[i], nil
}

// Entries returns every entry, disabled ones included, in catalog order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Kinds returns the enabled media kinds in catalog order.
func (c *Catalog) Kinds() []string {
	var kinds []string
	for _, e := range c.entries {
		if !e.Disabled {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Override is an admin-managed adjustment of one entry.
type Override struct {
	Kind      string
	Cost      *int64
	Enabled   *bool
	Providers []string
}

// WithOverrides returns a copy of c with the overrides applied. Provider
// lists reorder the cascade and drop providers that are not listed; unknown
// names are ignored.
func (c *Catalog) WithOverrides(overrides []Override) *Catalog {
	out := &Catalog{entries: c.Entries(), byKind: make(map[string]int, len(c.byKind))}
	for k, v := range c.byKind {
		out.byKind[k] = v
	}
	for _, o := range overrides {
		i, ok := out.byKind[strings.ToLower(strings.TrimSpace(o.Kind))]
		if !ok {
			continue
		}
		e := &out.entries[i]
		if o.Cost != nil && *o.Cost > 0 {
			e.Cost = *o.Cost
		}
		if o.Enabled != nil {
			e.Disabled = !*o.Enabled
		}
		if len(o.Providers) > 0 {
			if steps := reorder(e.Providers, o.Providers); len(steps) > 0 {
				e.Providers = steps
			}
		}
	}
	return out
}

func reorder(steps []Step, names []string) []Step {
	var out []Step
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, s := range steps {
			if strings.ToLower(s.Provider) == name {
				out = append(out, s)
			}
		}
	}
	return out
}
