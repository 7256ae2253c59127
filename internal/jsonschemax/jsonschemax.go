// Package jsonschemax is a thin compile-once/validate-many wrapper over
// santhosh-tekuri/jsonschema/v5, used by the graph-template validator
// (C6 rule 9, matching a node's static input keys against a registered
// node's input schema) and by the executed signal handler (validating
// worker-submitted outputs against the registered output schema).
//
// Grounded on the teacher's internal/agent/tool_registry.go, which
// compiles and caches a *jsonschema.Schema per registered tool the
// same way this package caches one per RegisteredNode.
package jsonschemax

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiled wraps a compiled schema plus the raw document it was built
// from, so TopLevelFields can inspect "properties" without
// re-marshaling.
type Compiled struct {
	schema *jsonschema.Schema
	raw    map[string]any
}

// Compile builds a Compiled schema from a raw JSON-schema document
// (as decoded from a RegisteredNode's InputsSchema/OutputsSchema).
func Compile(doc map[string]any) (*Compiled, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("jsonschemax: marshal schema: %w", err)
	}
	const resource = "inline.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("jsonschemax: add schema: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("jsonschemax: compile schema: %w", err)
	}
	return &Compiled{schema: schema, raw: doc}, nil
}

// Validate checks value (already decoded into Go types: map, slice,
// string, float64, bool, nil) against the compiled schema.
func (c *Compiled) Validate(value any) error {
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("jsonschemax: %w", err)
	}
	return nil
}

// TopLevelFields returns the schema's top-level "properties" key set —
// used by C6 rule 9's exact-match comparison between a node's
// provided input keys and the registered node's declared input schema
// fields.
func (c *Compiled) TopLevelFields() map[string]bool {
	out := map[string]bool{}
	props, ok := c.raw["properties"].(map[string]any)
	if !ok {
		return out
	}
	for k := range props {
		out[k] = true
	}
	return out
}

// Cache compiles schemas once per (namespace, name) and reuses them,
// the same memoization the teacher applies to its tool registry.
type Cache struct {
	mu    sync.RWMutex
	byKey map[string]*Compiled
}

// NewCache returns an empty schema cache.
func NewCache() *Cache {
	return &Cache{byKey: make(map[string]*Compiled)}
}

// Get compiles and caches doc under key on first use, returning the
// cached Compiled schema on subsequent calls.
func (c *Cache) Get(key string, doc map[string]any) (*Compiled, error) {
	c.mu.RLock()
	if compiled, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return compiled, nil
	}
	c.mu.RUnlock()

	compiled, err := Compile(doc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byKey[key] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// Invalidate drops a cached schema, used when a RegisteredNode is
// re-registered with a new schema.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.byKey, key)
	c.mu.Unlock()
}
