// Package inputresolver resolves a NodeTemplate's dependent-string
// inputs into concrete values (C7), drawing from three sources: a
// just-executed parent's own outputs, an ancestor state's outputs
// reached through the parents chain, and the run-scoped store (with
// template defaults).
//
// Scoping rule ported verbatim from the reference implementation's
// inline resolution logic in app/tasks/create_next_states.py
// (validate_dependencies / generate_next_state).
package inputresolver

import (
	"context"
	"fmt"

	"github.com/danshapiro/exostate/internal/depstring"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/model"
)

// OutputLookup resolves an ancestor identifier to its recorded
// outputs, given the current state's parents chain and the current
// state's own (possibly still-being-assembled) outputs.
type OutputLookup struct {
	// Self is the identifier whose own Outputs should satisfy
	// references to itself (spec §4.5: "if id == P.identifier, read
	// from P.outputs").
	Self        string
	SelfOutputs map[string]any
	// Parents maps ancestor identifier -> that ancestor's recorded
	// outputs, for every identifier in the current state's parents
	// chain except Self.
	Parents map[string]map[string]any
}

// Resolve resolves every input in inputs (field -> dependent-string
// literal) against lookup and the run's store, returning the
// resolved field -> value map. Returns an error naming the first
// unresolved placeholder, per §4.1/P6 — callers are expected to
// advance the state to NEXT_CREATED_ERROR when this happens during
// successor materialization.
func Resolve(ctx context.Context, store docstore.StoreEntryCollection, runID string, storeDefaults map[string]string, inputs map[string]string, lookup OutputLookup) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for field, literal := range inputs {
		ds, err := depstring.Parse(literal)
		if err != nil {
			return nil, fmt.Errorf("inputresolver: field %q: %w", field, err)
		}
		for _, idf := range ds.IdentifierFields() {
			value, err := resolveOne(ctx, store, runID, storeDefaults, idf, lookup)
			if err != nil {
				return nil, fmt.Errorf("inputresolver: field %q: %w", field, err)
			}
			ds.SetValue(idf.Identifier, idf.Field, value)
		}
		out, err := ds.Generate()
		if err != nil {
			return nil, fmt.Errorf("inputresolver: field %q: %w", field, err)
		}
		resolved[field] = out
	}
	return resolved, nil
}

func resolveOne(ctx context.Context, store docstore.StoreEntryCollection, runID string, storeDefaults map[string]string, idf depstring.IdentifierField, lookup OutputLookup) (string, error) {
	if idf.Identifier == "store" {
		entry, err := store.Get(ctx, runID, idf.Field)
		if err == nil {
			return entry.Value, nil
		}
		if def, ok := storeDefaults[idf.Field]; ok {
			return def, nil
		}
		return "", fmt.Errorf("unresolved store.%s", idf.Field)
	}

	var outputs map[string]any
	if idf.Identifier == lookup.Self {
		outputs = lookup.SelfOutputs
	} else if o, ok := lookup.Parents[idf.Identifier]; ok {
		outputs = o
	} else {
		return "", fmt.Errorf("unresolved %s.outputs.%s: %q is not a known ancestor", idf.Identifier, idf.Field, idf.Identifier)
	}

	v, ok := outputs[idf.Field]
	if !ok {
		return "", fmt.Errorf("unresolved %s.outputs.%s", idf.Identifier, idf.Field)
	}
	return stringify(v), nil
}

// stringify renders a decoded-JSON value as the string a dependent
// string substitutes. Strings pass through; everything else is
// rendered with fmt's default formatting, matching the reference
// implementation's str(value) coercion.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// RootOutputLookup is the lookup used at run-trigger time (§4.8 step
// 4): the root node has no parents, so only store.* placeholders may
// resolve; any id.outputs.* reference fails here as defense in depth
// even though §4.2 rule 7 should already have rejected it at
// validation time.
var RootOutputLookup = OutputLookup{}

// ParentsOutputsFromStates builds the Parents map for
// OutputLookup from a state's parents chain, looking up each
// ancestor's recorded outputs via fetch.
func ParentsOutputsFromStates(ctx context.Context, fetch func(stateID string) (model.State, error), parents []model.ParentEdge) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(parents))
	for _, p := range parents {
		s, err := fetch(p.StateID)
		if err != nil {
			return nil, fmt.Errorf("inputresolver: resolving ancestor %q: %w", p.Identifier, err)
		}
		out[p.Identifier] = s.Outputs
	}
	return out, nil
}
