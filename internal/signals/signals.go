// Package signals implements the four worker-initiated transitions
// (C11): executed, errored, prune, reenqueue_after. Ported from the
// reference implementation's per-signal controllers
// (app/controller/errored_state.py for the retry-creation algorithm;
// the sibling executed/prune/reenqueue controllers for their simpler
// precondition checks).
package signals

import (
	"context"
	"errors"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/jsonschemax"
	"github.com/danshapiro/exostate/internal/lifecycle"
	"github.com/danshapiro/exostate/internal/model"
	"github.com/danshapiro/exostate/internal/retrypolicy"
	"github.com/danshapiro/exostate/internal/successor"
)

// Deps bundles the collaborators the signal handlers need.
type Deps struct {
	Templates docstore.GraphTemplateCollection
	Nodes     docstore.RegisteredNodeCollection
	States    docstore.StateCollection
	Successor successor.Deps
	Schemas   *jsonschemax.Cache
}

// ExecutedResult is returned by Executed.
type ExecutedResult struct {
	Status      model.Status
	ChildStates []string // ids of extra sibling states created for outputs[1:]
}

// Executed handles the worker's report that it ran a leased state.
// Pre-condition: status = QUEUED (§4.7). outputs[0] becomes the
// state's own outputs; outputs[1:] become extra immediate sibling
// states that will themselves drive successor materialization.
func Executed(ctx context.Context, d Deps, stateID string, outputs []map[string]any) (ExecutedResult, error) {
	s, err := d.States.Get(ctx, stateID)
	if err != nil {
		return ExecutedResult{}, errkind.NewNotFound("%s", err.Error())
	}

	primary := map[string]any{}
	var extra []map[string]any
	if len(outputs) > 0 {
		primary = outputs[0]
		extra = outputs[1:]
	}

	for _, o := range append([]map[string]any{primary}, extra...) {
		if err := validateOutputs(ctx, d, s, o); err != nil {
			return ExecutedResult{}, err
		}
	}

	updated, err := lifecycle.Transition(ctx, d.States, stateID, []model.Status{model.StatusQueued}, model.StatusExecuted, func(st *model.State) {
		st.Outputs = primary
	})
	if err != nil {
		return ExecutedResult{}, err
	}

	var childIDs []string
	if len(extra) > 0 {
		childParents := model.WithParent(updated.Parents, updated.Identifier, updated.ID)
		siblings := make([]model.State, 0, len(extra))
		for _, o := range extra {
			child := model.State{
				ID:           clock.NewID(),
				RunID:        updated.RunID,
				Namespace:    updated.Namespace,
				GraphName:    updated.GraphName,
				NodeName:     updated.NodeName,
				Identifier:   updated.Identifier,
				Status:       model.StatusCreated,
				Inputs:       updated.Inputs,
				Outputs:      o,
				Parents:      childParents,
				DoesUnites:   false,
				EligibleAtMS: clock.NowMS(),
				Attempt:      1,
				CreatedAtMS:  clock.NowMS(),
			}
			siblings = append(siblings, child)
			childIDs = append(childIDs, child.ID)
		}
		if err := d.States.InsertMany(ctx, siblings); err != nil {
			return ExecutedResult{}, errkind.NewUnexpected(err)
		}
	}

	if err := successor.Materialize(ctx, d.Successor, stateID); err != nil {
		if _, ok := err.(*errkind.SuccessorMaterializationError); ok {
			return ExecutedResult{Status: model.StatusNextCreatedError, ChildStates: childIDs}, nil
		}
		return ExecutedResult{}, err
	}

	return ExecutedResult{Status: model.StatusSuccess, ChildStates: childIDs}, nil
}

// validateOutputs checks the submitted outputs against the registered
// node's output schema — an addition beyond the reference
// implementation (see SPEC_FULL.md §4.8), narrowly grounded in its own
// use of schemas on the input side.
func validateOutputs(ctx context.Context, d Deps, s model.State, outputs map[string]any) error {
	if d.Schemas == nil {
		return nil
	}
	g, err := d.Templates.Get(ctx, s.Namespace, s.GraphName)
	if err != nil {
		return nil // template gone is not this handler's concern
	}
	nt, ok := g.NodeByIdentifier(s.Identifier)
	if !ok {
		return nil
	}
	rn, err := d.Nodes.Get(ctx, nt.Namespace, nt.NodeName)
	if err != nil {
		return nil
	}
	schema, err := d.Schemas.Get(nt.Namespace+"/"+nt.NodeName+"/out", rn.OutputsSchema)
	if err != nil {
		return nil
	}
	if err := schema.Validate(outputs); err != nil {
		return errkind.NewPrecondition("submitted outputs do not match the registered output schema: %v", err)
	}
	return nil
}

// ErroredResult is returned by Errored.
type ErroredResult struct {
	Status       model.Status
	RetryCreated bool
}

// Errored handles the worker's report that a leased state failed.
// Pre-condition: status ∈ {QUEUED, EXECUTED}; EXECUTED is additionally
// rejected ("state already executed" — the only route out of EXECUTED
// is SUCCESS or NEXT_CREATED_ERROR). If the attempt budget allows, a
// retry sibling is inserted in CREATED with eligible_at delayed per
// the graph's retry policy.
func Errored(ctx context.Context, d Deps, stateID string, errorMessage string) (ErroredResult, error) {
	s, err := d.States.Get(ctx, stateID)
	if err != nil {
		return ErroredResult{}, errkind.NewNotFound("%s", err.Error())
	}
	if s.Status != model.StatusQueued && s.Status != model.StatusExecuted {
		return ErroredResult{}, errkind.NewPrecondition("state is not queued or executed")
	}
	if s.Status == model.StatusExecuted {
		return ErroredResult{}, errkind.NewPrecondition("state is already executed")
	}

	g, err := d.Templates.Get(ctx, s.Namespace, s.GraphName)
	if err != nil {
		return ErroredResult{}, errkind.NewNotFound("graph template not found for namespace %s and graph %s", s.Namespace, s.GraphName)
	}

	retryCreated := false
	if s.Attempt < g.RetryPolicy.MaxRetries+1 {
		nextAttempt := s.Attempt + 1
		// compute_delay takes the failing attempt's own number (the
		// reference implementation calls it with state.retry_count + 1,
		// i.e. the count of attempts made so far, before incrementing
		// for the sibling) — not the new sibling's post-increment
		// attempt number (§3.2, S4).
		delay, err := retrypolicy.ComputeDelayMS(g.RetryPolicy, s.Attempt, retrypolicy.Seed(s.RunID, s.Identifier, nextAttempt))
		if err != nil {
			return ErroredResult{}, errkind.NewUnexpected(err)
		}
		sibling := model.State{
			ID:           clock.NewID(),
			RunID:        s.RunID,
			Namespace:    s.Namespace,
			GraphName:    s.GraphName,
			NodeName:     s.NodeName,
			Identifier:   s.Identifier,
			Status:       model.StatusCreated,
			Inputs:       s.Inputs,
			Outputs:      map[string]any{},
			Parents:      s.Parents,
			DoesUnites:   s.DoesUnites,
			EligibleAtMS: clock.NowMS() + delay,
			Attempt:      nextAttempt,
			CreatedAtMS:  clock.NowMS(),
		}
		if err := d.States.Insert(ctx, sibling); err != nil {
			if !isDuplicateKey(err) {
				return ErroredResult{}, errkind.NewUnexpected(err)
			}
			// A duplicate-key insert is treated as benign. The sibling
			// has a fresh id and no fingerprint, so the in-memory store
			// does not report one for it.
		} else {
			retryCreated = true
		}
	}

	toStatus := model.StatusErrored
	_, err = lifecycle.Transition(ctx, d.States, stateID, []model.Status{model.StatusQueued}, toStatus, func(st *model.State) {
		msg := errorMessage
		st.Error = &msg
	})
	if err != nil {
		return ErroredResult{}, err
	}
	return ErroredResult{Status: toStatus, RetryCreated: retryCreated}, nil
}

// Prune handles a worker's voluntary skip of a leased state.
// Pre-condition: status = QUEUED. Successors are never created.
func Prune(ctx context.Context, states docstore.StateCollection, stateID string, data map[string]any) (model.State, error) {
	if _, err := states.Get(ctx, stateID); err != nil {
		return model.State{}, errkind.NewNotFound("%s", err.Error())
	}
	return lifecycle.Transition(ctx, states, stateID, []model.Status{model.StatusQueued}, model.StatusPruned, func(s *model.State) {
		s.Data = data
	})
}

// ReenqueueAfter sets status back to CREATED with a delayed
// eligible_at. Valid from any status except CANCELLED/PRUNED/SUCCESS.
// delayMS must be > 0.
func ReenqueueAfter(ctx context.Context, states docstore.StateCollection, stateID string, delayMS int64) (model.State, error) {
	if delayMS <= 0 {
		return model.State{}, errkind.NewPrecondition("enqueue_after must be > 0")
	}
	if _, err := states.Get(ctx, stateID); err != nil {
		return model.State{}, errkind.NewNotFound("%s", err.Error())
	}
	return lifecycle.Transition(ctx, states, stateID, lifecycle.ReenqueueableStatuses, model.StatusCreated, func(s *model.State) {
		s.EligibleAtMS = clock.NowMS() + delayMS
	})
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, docstore.ErrDuplicateKey)
}
