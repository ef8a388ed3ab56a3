// Package catalog maps command kinds to the external program they run.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kandev/cmdq/internal/command/models"
)

//go:embed kinds.yaml
var kindsFS embed.FS

// ErrUnknownKind is returned for kinds the catalog does not define.
var ErrUnknownKind = errors.New("unknown command kind")

// KindDefinition describes how one kind is invoked.
type KindDefinition struct {
	Description string   `yaml:"description"`
	Executable  string   `yaml:"executable"`
	Args        []string `yaml:"args"`
	Markers     []string `yaml:"markers"`
}

type file struct {
	Kinds map[models.Kind]KindDefinition `yaml:"kinds"`
}

// Invocation is a fully resolved process launch.
type Invocation struct {
	Executable string
	Args       []string
	Markers    []string
	Env        map[string]string // extra environment, set by the caller
}

// Catalog is an immutable set of kind definitions.
type Catalog struct {
	kinds map[models.Kind]KindDefinition
}

// LoadDefaults returns the built-in catalog.
func LoadDefaults() (*Catalog, error) {
	data, err := kindsFS.ReadFile("kinds.yaml")
	if err != nil {
		return nil, fmt.Errorf("read kinds config: %w", err)
	}
	kinds, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Catalog{kinds: kinds}, nil
}

// Load returns the built-in catalog with the definitions in path layered on
// top. An empty path yields the defaults.
func Load(path string) (*Catalog, error) {
	c, err := LoadDefaults()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kinds file %s: %w", path, err)
	}
	overrides, err := parse(data)
	if err != nil {
		return nil, err
	}
	for kind, def := range overrides {
		c.kinds[kind] = def
	}
	return c, nil
}

// New builds a catalog from explicit definitions.
func New(kinds map[models.Kind]KindDefinition) *Catalog {
	c := &Catalog{kinds: make(map[models.Kind]KindDefinition, len(kinds))}
	for k, v := range kinds {
		c.kinds[k] = v
	}
	return c
}

func parse(data []byte) (map[models.Kind]KindDefinition, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse kinds config: %w", err)
	}
	for kind, def := range f.Kinds {
		if def.Executable == "" {
			return nil, fmt.Errorf("kind %q has no executable", kind)
		}
	}
	return f.Kinds, nil
}

// Lookup returns the definition for kind.
func (c *Catalog) Lookup(kind models.Kind) (KindDefinition, bool) {
	def, ok := c.kinds[kind]
	return def, ok
}

// Kinds returns every defined kind.
func (c *Catalog) Kinds() []models.Kind {
	out := make([]models.Kind, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	return out
}

// Resolve combines the kind definition with the request. Request overrides
// win: a non-empty Executable replaces the default, and non-nil Markers
// replace the default markers. The returned slices never alias the request.
func (c *Catalog) Resolve(req *models.Request) (Invocation, error) {
	def, ok := c.kinds[req.Kind]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
	inv := Invocation{Executable: def.Executable}
	if req.Executable != "" {
		inv.Executable = req.Executable
	}
	inv.Args = make([]string, 0, len(def.Args)+len(req.Arguments))
	inv.Args = append(inv.Args, def.Args...)
	inv.Args = append(inv.Args, req.Arguments...)

	markers := def.Markers
	if req.Markers != nil {
		markers = req.Markers
	}
	inv.Markers = append([]string(nil), markers...)
	return inv, nil
}
