// Package docstore is the logical persistence port (C5): five
// document collections (states, runs, graph_templates,
// registered_nodes, store_entries) with atomic find-and-update and
// unique-index-backed insert — the only primitives the rest of the
// system needs from storage. Driver details are explicitly out of
// scope upstream (only this logical contract is specified), so this
// package ships both the port (interfaces) and a concurrent in-memory
// adapter implementing it, sufficient to drive every other component
// and the end-to-end test scenarios.
//
// The concurrency pattern (a mutex-guarded map per collection, never
// held across a suspension point) is grounded on the teacher's
// internal/server/registry.go PipelineRegistry.
package docstore

import (
	"context"
	"errors"
	"sort"

	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/model"
)

// ErrDuplicateKey is returned by inserts that would violate a unique
// index; callers (C9, C11) treat this as a BenignRace.
var ErrDuplicateKey = errors.New("docstore: duplicate key")

// Store is the full logical persistence contract.
type Store interface {
	GraphTemplates() GraphTemplateCollection
	RegisteredNodes() RegisteredNodeCollection
	Runs() RunCollection
	StoreEntries() StoreEntryCollection
	States() StateCollection
}

// GraphTemplateCollection is keyed uniquely by (namespace, name).
type GraphTemplateCollection interface {
	// Upsert inserts or replaces the template at (namespace, name),
	// returning the stored document and whether it already existed.
	Upsert(ctx context.Context, g model.GraphTemplate) (model.GraphTemplate, bool, error)
	Get(ctx context.Context, namespace, name string) (model.GraphTemplate, error)
	List(ctx context.Context, namespace string) ([]model.GraphTemplate, error)
	// SetValidation atomically writes a template's validation result.
	SetValidation(ctx context.Context, namespace, name string, status model.ValidationStatus, errs []string) error
}

// RegisteredNodeCollection is keyed uniquely by (namespace, name).
type RegisteredNodeCollection interface {
	Upsert(ctx context.Context, n model.RegisteredNode) error
	Get(ctx context.Context, namespace, name string) (model.RegisteredNode, error)
	List(ctx context.Context, namespace string) ([]model.RegisteredNode, error)
}

// RunCollection is keyed uniquely by run_id.
type RunCollection interface {
	Insert(ctx context.Context, r model.Run) error
	Get(ctx context.Context, runID string) (model.Run, error)
	// List returns runs ordered oldest-first, paginated.
	List(ctx context.Context, namespace string, page, size int) ([]model.Run, int, error)
}

// StoreEntryCollection holds run-scoped key/value entries.
type StoreEntryCollection interface {
	InsertMany(ctx context.Context, entries []model.StoreEntry) error
	Get(ctx context.Context, runID, key string) (model.StoreEntry, error)
	ListByRun(ctx context.Context, runID string) ([]model.StoreEntry, error)
}

// StateCollection is the busiest collection: every lifecycle
// transition and the scheduler's lease both go through here.
type StateCollection interface {
	Insert(ctx context.Context, s model.State) error
	InsertMany(ctx context.Context, states []model.State) error
	Get(ctx context.Context, id string) (model.State, error)
	ListByRun(ctx context.Context, runID string) ([]model.State, error)

	// FindAndLease atomically selects one CREATED state matching
	// (namespace, nodeNames, eligibleAtMS <= now) ordered by eligible_at
	// then creation time, sets its status to QUEUED, and returns it.
	// Returns (model.State{}, false, nil) if nothing matched.
	FindAndLease(ctx context.Context, namespace string, nodeNames []string, nowMS int64) (model.State, bool, error)

	// CompareAndSwapStatus atomically transitions id from one of
	// fromAny to toStatus, applying patch under the same atomic step,
	// and fails the precondition if the current status isn't in
	// fromAny. Returns the updated state.
	CompareAndSwapStatus(ctx context.Context, id string, fromAny []model.Status, toStatus model.Status, patch func(*model.State)) (model.State, error)

	// CountSiblingsNotIn returns the count of states sharing
	// (namespace, graphName, runID) whose parents[unitesIdentifier]
	// equals unitesStateID and whose status is not in excludeStatuses.
	// excludeStateID, if non-empty, is skipped regardless of its status
	// (the caller's own state, about to be promoted to SUCCESS).
	CountSiblingsNotIn(ctx context.Context, namespace, graphName, runID, unitesIdentifier, unitesStateID, excludeStateID string, excludeStatuses []model.Status) (int, error)

	// CountSiblingsIn is the complement of CountSiblingsNotIn, used by
	// the ALL_DONE barrier strategy.
	CountSiblingsIn(ctx context.Context, namespace, graphName, runID, unitesIdentifier, unitesStateID, excludeStateID string, includeStatuses []model.Status) (int, error)

	// ResetStaleQueued resets every QUEUED state whose LeasedAtMS (the
	// time it was leased) is older than olderThanMS back to CREATED,
	// returning how many were reset. Backs the optional lease-expiry
	// sweeper (§4.6 "implementations MAY add").
	ResetStaleQueued(ctx context.Context, olderThanMS int64) (int, error)
}

// asStoreError wraps ErrDuplicateKey as a typed BenignRace so callers
// that only understand errkind don't need to know about
// ErrDuplicateKey specifically.
func asStoreError(err error) error {
	if errors.Is(err, ErrDuplicateKey) {
		return errkind.NewBenignRace("%s", err.Error())
	}
	return err
}

func containsStatus(statuses []model.Status, s model.Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func sortedKeys[M ~map[string]string](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
