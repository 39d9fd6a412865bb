// Package toolbridge splices external function execution into an
// in-progress generation: it resolves tool calls against the session's
// catalog, runs them and hands the result back to the backend.
package toolbridge

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/transport"
	"github.com/goccy/go-yaml"
)

// CatalogLoader resolves a preset identifier to the tools it enables.
type CatalogLoader interface {
	LoadCatalog(ctx context.Context, presetID string) ([]transport.Tool, error)
}

// Catalog is a session-scoped, read-only tool index.
type Catalog struct {
	tools map[string]transport.Tool
	order []string
}

func NewCatalog(tools []transport.Tool) *Catalog {
	c := &Catalog{tools: make(map[string]transport.Tool, len(tools))}
	for _, t := range tools {
		if _, dup := c.tools[t.Name]; !dup {
			c.order = append(c.order, t.Name)
		}
		c.tools[t.Name] = t
	}
	return c
}

func (c *Catalog) Lookup(name string) (transport.Tool, bool) {
	if c == nil {
		return transport.Tool{}, false
	}
	t, ok := c.tools[name]
	return t, ok
}

// Tools returns the catalog in declaration order.
func (c *Catalog) Tools() []transport.Tool {
	if c == nil {
		return nil
	}
	out := make([]transport.Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

// Presets maps preset ids to tool lists. It is the YAML-backed CatalogLoader.
type Presets map[string][]transport.Tool

var _ CatalogLoader = Presets(nil)

type presetsFile struct {
	Presets Presets `yaml:"presets"`
}

func LoadPresets(path string) (Presets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading presets file: %w", err)
	}
	return ParsePresets(data)
}

func ParsePresets(data []byte) (Presets, error) {
	var f presetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing presets: %w", err)
	}
	for id, tools := range f.Presets {
		for i, t := range tools {
			if t.Name == "" {
				return nil, fmt.Errorf("preset %q tool %d: missing name", id, i)
			}
		}
	}
	return f.Presets, nil
}

func (p Presets) LoadCatalog(_ context.Context, presetID string) ([]transport.Tool, error) {
	if presetID == "" {
		return nil, &shared.ConfigurationError{Reason: "no preset selected", Err: shared.ErrNoPreset}
	}
	tools, ok := p[presetID]
	if !ok {
		return nil, &shared.ConfigurationError{
			Reason: fmt.Sprintf("preset %q not found (have %v)", presetID, p.ids()),
			Err:    shared.ErrNoPreset,
		}
	}
	return tools, nil
}

func (p Presets) ids() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
