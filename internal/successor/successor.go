// Package successor is the successor materializer (C9): on a state's
// success, creates ordinary fan-out successor states and conditionally
// creates deduplicated fan-in ("unites") successor states, then
// promotes the parent to SUCCESS or NEXT_CREATED_ERROR.
//
// Algorithm ported from the reference implementation's
// app/tasks/create_next_states.py (create_next_states,
// check_unites_satisfied, mark_success_states); the canonical-JSON
// SHA-256 fingerprint technique is grounded on the teacher's
// internal/cxdb/kilroy_registry.go (sha256.Sum256(json.Marshal(...))),
// generalized from a schema-bundle id to a per-state fingerprint.
package successor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/inputresolver"
	"github.com/danshapiro/exostate/internal/lifecycle"
	"github.com/danshapiro/exostate/internal/model"
)

// Deps bundles the collaborators Materialize needs; kept as a small
// struct (not a god-interface) so callers can build it once from a
// docstore.Store.
type Deps struct {
	Templates docstore.GraphTemplateCollection
	States    docstore.StateCollection
	StoreEnt  docstore.StoreEntryCollection
}

// Materialize is invoked with the id of a just-written EXECUTED state
// P. It loads P and its graph template, resolves and inserts every
// ordinary successor, checks the barrier and fingerprint for every
// fan-in successor, and finally promotes P to SUCCESS or, on any
// failure, to NEXT_CREATED_ERROR (§4.5's closing paragraph).
func Materialize(ctx context.Context, d Deps, parentStateID string) error {
	p, err := d.States.Get(ctx, parentStateID)
	if err != nil {
		return errkind.NewNotFound("%s", err.Error())
	}

	if err := materializeInner(ctx, d, p); err != nil {
		msg := err.Error()
		if _, promoteErr := lifecycle.Transition(ctx, d.States, p.ID, []model.Status{model.StatusExecuted}, model.StatusNextCreatedError, func(s *model.State) {
			s.Error = &msg
		}); promoteErr != nil {
			return promoteErr
		}
		return errkind.NewSuccessorMaterializationError("%s", msg)
	}

	_, err = lifecycle.Transition(ctx, d.States, p.ID, []model.Status{model.StatusExecuted}, model.StatusSuccess, nil)
	return err
}

func materializeInner(ctx context.Context, d Deps, p model.State) error {
	g, err := d.Templates.Get(ctx, p.Namespace, p.GraphName)
	if err != nil {
		return fmt.Errorf("loading graph template: %w", err)
	}
	nt, ok := g.NodeByIdentifier(p.Identifier)
	if !ok {
		return fmt.Errorf("node template %q not found in graph %s/%s", p.Identifier, p.Namespace, p.GraphName)
	}

	if len(nt.NextNodes) == 0 {
		return nil
	}

	ancestorOutputs, err := inputresolver.ParentsOutputsFromStates(ctx, func(id string) (model.State, error) {
		return d.States.Get(ctx, id)
	}, p.Parents)
	if err != nil {
		return fmt.Errorf("resolving ancestor outputs: %w", err)
	}

	childParents := model.WithParent(p.Parents, p.Identifier, p.ID)
	var ordinary []model.State
	var fanIn []model.State

	for _, nextID := range nt.NextNodes {
		successorTemplate, ok := g.NodeByIdentifier(nextID)
		if !ok {
			return fmt.Errorf("successor node template %q not found", nextID)
		}

		if successorTemplate.Unites == nil {
			child, err := buildOrdinaryChild(ctx, d, g, *successorTemplate, p, childParents, ancestorOutputs)
			if err != nil {
				return err
			}
			ordinary = append(ordinary, child)
			continue
		}

		child, ok, err := buildFanInCandidate(ctx, d, g, *successorTemplate, p, ancestorOutputs)
		if err != nil {
			return err
		}
		if ok {
			fanIn = append(fanIn, child)
		}
	}

	if len(ordinary) > 0 {
		if err := d.States.InsertMany(ctx, ordinary); err != nil {
			return fmt.Errorf("inserting successor states: %w", err)
		}
	}

	for _, child := range fanIn {
		if err := d.States.Insert(ctx, child); err != nil {
			if errors.Is(err, docstore.ErrDuplicateKey) {
				// Another concurrent completion already created this
				// fan-in successor; §4.3 treats this as a benign race.
				continue
			}
			return fmt.Errorf("inserting fan-in successor: %w", err)
		}
	}

	return nil
}

func buildOrdinaryChild(ctx context.Context, d Deps, g model.GraphTemplate, nt model.NodeTemplate, p model.State, childParents []model.ParentEdge, ancestorOutputs map[string]map[string]any) (model.State, error) {
	lookup := inputresolver.OutputLookup{Self: p.Identifier, SelfOutputs: p.Outputs, Parents: ancestorOutputs}
	inputs, err := inputresolver.Resolve(ctx, d.StoreEnt, p.RunID, g.Store.Defaults, nt.Inputs, lookup)
	if err != nil {
		return model.State{}, fmt.Errorf("resolving inputs for %q: %w", nt.Identifier, err)
	}
	return model.State{
		ID:           clock.NewID(),
		RunID:        p.RunID,
		Namespace:    p.Namespace,
		GraphName:    p.GraphName,
		NodeName:     nt.NodeName,
		Identifier:   nt.Identifier,
		Status:       model.StatusCreated,
		Inputs:       anyMap(inputs),
		Outputs:      map[string]any{},
		Parents:      childParents,
		DoesUnites:   false,
		EligibleAtMS: clock.NowMS(),
		Attempt:      1,
		CreatedAtMS:  clock.NowMS(),
	}, nil
}

func buildFanInCandidate(ctx context.Context, d Deps, g model.GraphTemplate, nt model.NodeTemplate, p model.State, ancestorOutputs map[string]map[string]any) (model.State, bool, error) {
	unitesStateID, ok := p.ParentStateID(nt.Unites.Identifier)
	if !ok {
		// Graph validation (rule 4) guarantees unites.identifier is an
		// ancestor; if it isn't present here the template and the
		// persisted state have diverged — an internal error, not a
		// caller mistake.
		return model.State{}, false, fmt.Errorf("internal: unites.identifier %q not found in parents of %q", nt.Unites.Identifier, p.Identifier)
	}

	satisfied, err := barrierSatisfied(ctx, d.States, p.Namespace, p.GraphName, p.RunID, nt.Unites.Identifier, unitesStateID, p.ID, nt.Unites.Strategy)
	if err != nil {
		return model.State{}, false, err
	}
	if !satisfied {
		return model.State{}, false, nil
	}

	unitesState, err := d.States.Get(ctx, unitesStateID)
	if err != nil {
		return model.State{}, false, fmt.Errorf("loading unites anchor state: %w", err)
	}

	rootAncestorOutputs, err := inputresolver.ParentsOutputsFromStates(ctx, func(id string) (model.State, error) {
		return d.States.Get(ctx, id)
	}, unitesState.Parents)
	if err != nil {
		return model.State{}, false, fmt.Errorf("resolving fan-in ancestor outputs: %w", err)
	}

	lookup := inputresolver.OutputLookup{Self: unitesState.Identifier, SelfOutputs: unitesState.Outputs, Parents: rootAncestorOutputs}
	inputs, err := inputresolver.Resolve(ctx, d.StoreEnt, p.RunID, g.Store.Defaults, nt.Inputs, lookup)
	if err != nil {
		return model.State{}, false, fmt.Errorf("resolving fan-in inputs for %q: %w", nt.Identifier, err)
	}

	childParents := model.WithParent(unitesState.Parents, unitesState.Identifier, unitesState.ID)
	child := model.State{
		ID:           clock.NewID(),
		RunID:        p.RunID,
		Namespace:    p.Namespace,
		GraphName:    p.GraphName,
		NodeName:     nt.NodeName,
		Identifier:   nt.Identifier,
		Status:       model.StatusCreated,
		Inputs:       anyMap(inputs),
		Outputs:      map[string]any{},
		Parents:      childParents,
		DoesUnites:   true,
		EligibleAtMS: clock.NowMS(),
		Attempt:      1,
		CreatedAtMS:  clock.NowMS(),
	}
	child.Fingerprint = Fingerprint(child)
	return child, true, nil
}

// barrierSatisfied checks whether every sibling sharing the same
// unites anchor has settled. p (identified by selfStateID) is still
// persisted as EXECUTED at this point — its own promotion to SUCCESS
// happens only after Materialize returns — so it is excluded from the
// count and treated as already-settled, mirroring the reference
// implementation's ordering where mark_success_states runs before
// check_unites_satisfied.
func barrierSatisfied(ctx context.Context, states docstore.StateCollection, namespace, graphName, runID, unitesIdentifier, unitesStateID, selfStateID string, strategy model.UnitesStrategy) (bool, error) {
	switch strategy {
	case model.AllSuccess:
		n, err := states.CountSiblingsNotIn(ctx, namespace, graphName, runID, unitesIdentifier, unitesStateID, selfStateID, []model.Status{model.StatusSuccess, model.StatusRetryCreated})
		if err != nil {
			return false, err
		}
		return n == 0, nil
	case model.AllDone:
		n, err := states.CountSiblingsIn(ctx, namespace, graphName, runID, unitesIdentifier, unitesStateID, selfStateID, []model.Status{model.StatusCreated, model.StatusQueued, model.StatusExecuted})
		if err != nil {
			return false, err
		}
		return n == 0, nil
	default:
		return false, fmt.Errorf("unknown unites strategy %q", strategy)
	}
}

// Fingerprint computes §4.3's canonical SHA-256 fingerprint for a
// fan-in state: sorted keys at every level, compact separators — Go's
// encoding/json already sorts map keys, and the struct fields here are
// declared in alphabetical order of their JSON keys, so a plain Marshal
// reproduces the reference implementation's sort_keys=True,
// separators=(",", ":") recipe.
func Fingerprint(s model.State) string {
	payload := struct {
		GraphName  string            `json:"graph_name"`
		Identifier string            `json:"identifier"`
		Namespace  string            `json:"namespace_name"`
		NodeName   string            `json:"node_name"`
		Parents    map[string]string `json:"parents"`
		RunID      string            `json:"run_id"`
	}{
		GraphName:  s.GraphName,
		Identifier: s.Identifier,
		Namespace:  s.Namespace,
		NodeName:   s.NodeName,
		Parents:    s.ParentsMap(),
		RunID:      s.RunID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Marshal of this fixed, string-only struct cannot fail; keep a
		// deterministic fallback instead of papering over a real bug.
		sorted := make([]string, 0, len(payload.Parents))
		for k := range payload.Parents {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		raw = []byte(fmt.Sprintf("%v", sorted))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
