// Package lifecycle is the state lifecycle engine (C8): every write to
// a State's status goes through Transition, which commits atomically
// only when the current status is one the caller declares acceptable,
// per the state machine in §3.3. A transition into a non-adjacent
// state is a hard error and leaves the state untouched.
//
// Grounded on the teacher's internal/attractor/engine/engine.go for
// its "status drives the loop, terminal check is a pure function"
// idiom (isTerminal), generalized from a local execution loop to a
// document-store-backed transition authority.
package lifecycle

import (
	"context"

	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/model"
)

// Terminal statuses: no further spontaneous transition ever leaves
// them, and reenqueue_after refuses them too (see
// ReenqueueableStatuses).
func IsTerminal(s model.Status) bool {
	switch s {
	case model.StatusSuccess, model.StatusCancelled, model.StatusPruned:
		return true
	default:
		return false
	}
}

// Transition atomically moves the state identified by id to toStatus,
// applying patch under the same atomic step, but only if the state's
// current status is one of allowedFrom. Returns a *errkind.Precondition
// if the current status is not allowed — the state is left unmodified.
func Transition(ctx context.Context, states docstore.StateCollection, id string, allowedFrom []model.Status, toStatus model.Status, patch func(*model.State)) (model.State, error) {
	s, err := states.CompareAndSwapStatus(ctx, id, allowedFrom, toStatus, patch)
	if err != nil {
		return model.State{}, errkind.NewPrecondition("%s", err.Error())
	}
	return s, nil
}

// ReenqueueableStatuses is every status reenqueue_after may act from
// (§4.7: "unconditional on current status except
// CANCELLED/PRUNED/SUCCESS").
var ReenqueueableStatuses = []model.Status{
	model.StatusCreated,
	model.StatusQueued,
	model.StatusExecuted,
	model.StatusErrored,
	model.StatusRetryCreated,
	model.StatusNextCreatedError,
}
