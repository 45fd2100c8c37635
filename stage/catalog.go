package stage

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"expedientes/folder"
)

//go:embed stages.yaml
var defaultCatalogYAML []byte

// Definition is one entry of the procedural stage catalog.
type Definition struct {
	Name  string       `yaml:"name" json:"name"`
	Phase folder.Phase `yaml:"phase" json:"phase"`
	Order int          `yaml:"order" json:"order"`
}

type catalogFile struct {
	Stages []Definition `yaml:"stages"`
}

// Catalog is the ordered, immutable set of valid stages.
type Catalog struct {
	defs   []Definition
	byName map[string]Definition
}

// DefaultCatalog returns the built-in catalog of four prejudicial and twelve
// judicial stages.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("stage: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stage: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog. Names must be unique,
// orders strictly increasing, and no prejudicial stage may follow a judicial
// one.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("stage: decode catalog: %w", err)
	}
	if len(file.Stages) == 0 {
		return nil, fmt.Errorf("stage: catalog has no stages")
	}

	c := &Catalog{byName: make(map[string]Definition, len(file.Stages))}
	seenJudicial := false
	for i, def := range file.Stages {
		def.Name = strings.TrimSpace(def.Name)
		if def.Name == "" {
			return nil, fmt.Errorf("stage: entry %d: empty name", i)
		}
		if !def.Phase.Valid() {
			return nil, fmt.Errorf("stage: %q: unknown phase %q", def.Name, def.Phase)
		}
		if _, dup := c.byName[def.Name]; dup {
			return nil, fmt.Errorf("stage: %q: duplicate name", def.Name)
		}
		if i > 0 && def.Order <= c.defs[i-1].Order {
			return nil, fmt.Errorf("stage: %q: order %d does not increase", def.Name, def.Order)
		}
		if def.Phase == folder.PhaseJudicial {
			seenJudicial = true
		} else if seenJudicial {
			return nil, fmt.Errorf("stage: %q: prejudicial stage after judicial phase", def.Name)
		}
		c.defs = append(c.defs, def)
		c.byName[def.Name] = def
	}
	return c, nil
}

func (c *Catalog) Lookup(name string) (Definition, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// Definitions returns the stages in catalog order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

func (c *Catalog) ByPhase() map[folder.Phase][]Definition {
	out := map[folder.Phase][]Definition{
		folder.PhasePrejudicial: {},
		folder.PhaseJudicial:    {},
	}
	for _, def := range c.defs {
		out[def.Phase] = append(out[def.Phase], def)
	}
	return out
}

func (c *Catalog) Len() int { return len(c.defs) }
