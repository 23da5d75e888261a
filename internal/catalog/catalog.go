// Package catalog holds the agent definitions a host can instantiate: the
// built-in Go agents and agents declared in YAML files.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"nae-runtime/internal/agent"
	"nae-runtime/internal/manifest"
)

type Catalog struct {
	mu   sync.RWMutex
	defs map[string]agent.Definition
}

// New returns a catalog preloaded with the built-in agents.
func New() *Catalog {
	c := &Catalog{defs: map[string]agent.Definition{}}
	for _, def := range Builtins() {
		c.defs[def.Manifest.Name] = def
	}
	return c
}

func (c *Catalog) Register(def agent.Definition) error {
	if err := def.Validate(manifest.HostInfo{}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.Manifest.Name]; ok {
		return fmt.Errorf("agent %q already registered", def.Manifest.Name)
	}
	c.defs[def.Manifest.Name] = def
	return nil
}

func (c *Catalog) Lookup(name string) (agent.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir registers every *.yaml and *.yml declaration in dir.
func (c *Catalog) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agent dir: %w", err)
	}
	var loaded []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		decl, err := manifest.LoadDeclarationFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := c.Register(Declared(decl)); err != nil {
			return loaded, fmt.Errorf("%s: %w", e.Name(), err)
		}
		loaded = append(loaded, decl.Manifest.Name)
	}
	return loaded, nil
}
