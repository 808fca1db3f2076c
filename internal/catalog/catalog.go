// Package catalog loads the tool manifest consulted by the tool-call shim
// (C7) and the action orchestrator (C8): the whitelist of tools an agent or
// plan may invoke, their JSON schemas, and which bridge family owns them.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var embeddedDefault string

// Family identifies which bridge (and therefore which configured timeout)
// a tool belongs to.
type Family string

const (
	FamilyUnity   Family = "unity"
	FamilyBlender Family = "blender"
	FamilyLocal   Family = "local"
)

// Tool is one entry in the manifest: a name, the bridge family it targets,
// and the JSON schema its arguments must satisfy.
type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Family      Family         `yaml:"family" json:"family"`
	Description string         `yaml:"description" json:"description"`
	Reversible  bool           `yaml:"reversible" json:"reversible"`
	Schema      map[string]any `yaml:"schema" json:"schema"`
}

// manifest is the on-disk/embedded YAML shape.
type manifest struct {
	Tools []Tool `yaml:"tools"`
}

// Catalog is a loaded, name-indexed tool manifest.
type Catalog struct {
	byName map[string]Tool
	names  []string
}

// Default parses the catalog bundled with the binary.
func Default() (*Catalog, error) {
	return parse([]byte(embeddedDefault))
}

// LoadFile parses a catalog from a YAML file on disk, for operators who want
// to extend or replace the bundled tool set.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("catalog: parsing manifest: %w", err)
	}
	c := &Catalog{byName: make(map[string]Tool, len(m.Tools))}
	for _, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog: tool entry with empty name")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool name %q", t.Name)
		}
		c.byName[t.Name] = t
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the named tool and whether it exists in the catalog.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Allowed reports whether name is a whitelisted tool.
func (c *Catalog) Allowed(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Names returns every whitelisted tool name, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}
