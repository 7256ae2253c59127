// Package trigger is the run trigger (C12): creates a new run for a
// VALID graph template, seeds the run-scoped store, resolves the root
// node's inputs, and inserts the seed state.
//
// Ported from the reference implementation's
// app/controller/trigger_graph.py, including its construct_inputs
// override semantics: a caller-supplied inputs[key] overrides the
// root template's own literal/placeholder value for that key.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/depstring"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/inputresolver"
	"github.com/danshapiro/exostate/internal/model"
)

// Deps bundles the collaborators Trigger needs.
type Deps struct {
	Templates docstore.GraphTemplateCollection
	Runs      docstore.RunCollection
	StoreEnt  docstore.StoreEntryCollection
	States    docstore.StateCollection
}

// Request is the trigger request body (§6.1 POST /graph/{g}/trigger).
// Timeout/Interval bound the wait for validation to finish (§4.2:
// "Trigger waits until status is VALID, bounded polling with
// caller-supplied timeout and interval; negative or zero values
// rejected"); both must be positive.
type Request struct {
	Store    map[string]string
	Inputs   map[string]string
	Timeout  time.Duration
	Interval time.Duration
}

// Result is returned on success.
type Result struct {
	RunID  string
	Status model.Status
}

// Trigger implements §4.8's five steps.
func Trigger(ctx context.Context, d Deps, namespace, graphName string, req Request) (Result, error) {
	if req.Timeout <= 0 || req.Interval <= 0 {
		return Result{}, errkind.NewPrecondition("timeout and interval must both be positive")
	}

	// Step 1: load the template, waiting (bounded) for validation to
	// settle; 404 if the template is absent, 400 if it is or becomes
	// INVALID, 400 on timeout while still PENDING/ONGOING.
	g, err := waitForValid(ctx, d.Templates, namespace, graphName, req.Timeout, req.Interval)
	if err != nil {
		return Result{}, err
	}

	// Step 2: every required store key must be present.
	if missing := missingRequiredKeys(g.Store.RequiredKeys, req.Store); len(missing) > 0 {
		return Result{}, errkind.NewPrecondition("missing store keys: %v", missing)
	}

	// Step 3: fresh run id; insert Run and Store entries.
	runID := clock.NewID()
	if err := d.Runs.Insert(ctx, model.Run{RunID: runID, Namespace: namespace, GraphName: graphName, CreatedAtMS: clock.NowMS()}); err != nil {
		return Result{}, errkind.NewUnexpected(err)
	}
	if len(req.Store) > 0 {
		entries := make([]model.StoreEntry, 0, len(req.Store))
		for k, v := range req.Store {
			entries = append(entries, model.StoreEntry{RunID: runID, Namespace: namespace, GraphName: graphName, Key: k, Value: v})
		}
		if err := d.StoreEnt.InsertMany(ctx, entries); err != nil {
			return Result{}, errkind.NewUnexpected(err)
		}
	}

	// Step 4: resolve root inputs; caller-supplied inputs[key] overrides
	// the template's own literal for that key (construct_inputs).
	root, err := rootNode(g)
	if err != nil {
		return Result{}, errkind.NewUnexpected(err)
	}
	effectiveLiterals := constructInputs(*root, req.Inputs)
	resolved, err := inputresolver.Resolve(ctx, d.StoreEnt, runID, g.Store.Defaults, effectiveLiterals, inputresolver.RootOutputLookup)
	if err != nil {
		return Result{}, errkind.NewPrecondition("resolving root inputs: %v", err)
	}
	if err := rejectAncestorPlaceholders(root.Inputs); err != nil {
		return Result{}, errkind.NewPrecondition("%v", err)
	}

	// Step 5: insert the seed state.
	seed := model.State{
		ID:           clock.NewID(),
		RunID:        runID,
		Namespace:    namespace,
		GraphName:    graphName,
		NodeName:     root.NodeName,
		Identifier:   root.Identifier,
		Status:       model.StatusCreated,
		Inputs:       resolved,
		Outputs:      map[string]any{},
		Parents:      nil,
		DoesUnites:   false,
		EligibleAtMS: clock.NowMS(),
		Attempt:      1,
		CreatedAtMS:  clock.NowMS(),
	}
	if err := d.States.Insert(ctx, seed); err != nil {
		return Result{}, errkind.NewUnexpected(err)
	}

	return Result{RunID: runID, Status: model.StatusCreated}, nil
}

func rootNode(g model.GraphTemplate) (*model.NodeTemplate, error) {
	inDegree := map[string]int{}
	for _, n := range g.Nodes {
		if _, ok := inDegree[n.Identifier]; !ok {
			inDegree[n.Identifier] = 0
		}
		for _, next := range n.NextNodes {
			inDegree[next]++
		}
	}
	for i := range g.Nodes {
		if inDegree[g.Nodes[i].Identifier] == 0 {
			return &g.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("graph %s/%s has no root node", g.Namespace, g.Name)
}

// constructInputs mirrors the reference implementation exactly:
// {key: caller_inputs.get(key, template_value) for key, template_value in node.inputs.items()}
// — the caller's value for a key wins when present, otherwise the
// template's own literal is used; keys absent from the template are
// never introduced by the caller.
func constructInputs(root model.NodeTemplate, callerInputs map[string]string) map[string]string {
	out := make(map[string]string, len(root.Inputs))
	for key, templateValue := range root.Inputs {
		if v, ok := callerInputs[key]; ok {
			out[key] = v
		} else {
			out[key] = templateValue
		}
	}
	return out
}

// rejectAncestorPlaceholders is defense in depth (§4.8 step 4): the
// root node should never carry an id.outputs.* placeholder (graph
// validation rule 7 already rejects this at upsert time), but the
// trigger path re-checks since the root has no parents to resolve
// against.
func rejectAncestorPlaceholders(templateInputs map[string]string) error {
	for field, literal := range templateInputs {
		ds, err := depstring.Parse(literal)
		if err != nil {
			continue
		}
		for _, idf := range ds.IdentifierFields() {
			if idf.Identifier != "store" {
				return fmt.Errorf("root node input %q references %q.outputs, which has no parent to resolve against", field, idf.Identifier)
			}
		}
	}
	return nil
}

func missingRequiredKeys(required []string, provided map[string]string) []string {
	var missing []string
	for _, k := range required {
		if _, ok := provided[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// waitForValid polls the template every interval until it settles on
// VALID (returned), INVALID (rejected with its validation errors), or
// timeout elapses (rejected) — whichever comes first. A 404 from the
// very first load is not retried; a template that existed and then
// vanished mid-poll is reported the same way.
func waitForValid(ctx context.Context, templates docstore.GraphTemplateCollection, namespace, graphName string, timeout, interval time.Duration) (model.GraphTemplate, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		g, err := templates.Get(ctx, namespace, graphName)
		if err != nil {
			return model.GraphTemplate{}, errkind.NewNotFound("graph template not found for namespace %s and graph %s", namespace, graphName)
		}
		switch g.ValidationStatus {
		case model.ValidationValid:
			return g, nil
		case model.ValidationInvalid:
			return model.GraphTemplate{}, errkind.NewPrecondition("graph template is not valid: %v", g.ValidationErrors)
		}

		if !time.Now().Before(deadline) {
			return model.GraphTemplate{}, errkind.NewPrecondition("timed out waiting for graph template validation to complete")
		}

		select {
		case <-ctx.Done():
			return model.GraphTemplate{}, errkind.NewPrecondition("context cancelled waiting for graph template validation: %v", ctx.Err())
		case <-ticker.C:
		}
	}
}
