// Package registry is the static tool catalog and the single validation gate
// every tool invocation passes through.
//
// The catalog is an embedded YAML document. Input schemas are compiled once
// at load time; RequireValid combines lookup and validation and fails fast
// with ErrUnknownTool or a *ValidationError.
package registry

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/parley/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrUnknownTool is returned when a tool name is absent from the catalog.
var ErrUnknownTool = errors.New("registry: unknown tool")

type entry struct {
	meta   model.ToolMeta
	schema *jsonschema.Schema
}

// Registry is an immutable tool catalog. Safe for concurrent use.
type Registry struct {
	tools map[string]entry
	names []string
}

type catalogDoc struct {
	Tools []model.ToolMeta `yaml:"tools"`
}

// Load parses a YAML catalog and compiles every input schema.
func Load(doc []byte) (*Registry, error) {
	var cat catalogDoc
	if err := yaml.Unmarshal(doc, &cat); err != nil {
		return nil, fmt.Errorf("registry: parse catalog: %w", err)
	}

	r := &Registry{tools: make(map[string]entry, len(cat.Tools))}
	for _, meta := range cat.Tools {
		if meta.Name == "" {
			return nil, fmt.Errorf("registry: catalog entry without name")
		}
		if _, dup := r.tools[meta.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate tool %q", meta.Name)
		}
		if meta.InputSchema == nil {
			meta.InputSchema = map[string]any{"type": "object"}
		}
		// YAML decodes integers as int; JSON Schema keywords and the
		// HTTP-facing metadata want JSON numbers.
		norm, err := toJSONValue(meta.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: normalize schema: %w", meta.Name, err)
		}
		meta.InputSchema = norm.(map[string]any)

		schema, err := compile(meta.Name, meta.InputSchema)
		if err != nil {
			return nil, err
		}
		r.tools[meta.Name] = entry{meta: meta, schema: schema}
		r.names = append(r.names, meta.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Default returns the registry built from the embedded catalog.
func Default() (*Registry, error) {
	return Load(defaultCatalog)
}

// MustDefault is Default for program initialisation; it panics on a broken
// embedded catalog, which is a build defect rather than a runtime condition.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the metadata for name.
func (r *Registry) Resolve(name string) (model.ToolMeta, error) {
	e, ok := r.tools[name]
	if !ok {
		return model.ToolMeta{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return e.meta, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns every tool sorted by name.
func (r *Registry) List() []model.ToolMeta {
	out := make([]model.ToolMeta, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n].meta)
	}
	return out
}

// Validate checks args against the named tool's compiled schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return validateCompiled(name, e.schema, args)
}

// RequireValid resolves name and validates args against its schema. Every
// tool invocation, whether from the API, a chat command or a confirmation,
// must pass through here before anything runs.
func (r *Registry) RequireValid(name string, args map[string]any) (model.ToolMeta, error) {
	meta, err := r.Resolve(name)
	if err != nil {
		return model.ToolMeta{}, err
	}
	if err := validateCompiled(name, r.tools[name].schema, args); err != nil {
		return model.ToolMeta{}, err
	}
	return meta, nil
}

// toJSONValue round-trips v through encoding/json so nested maps, slices and
// numbers take the shapes the schema validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
