package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/danshapiro/exostate/internal/model"
)

func baseState(id string) model.State {
	return model.State{
		ID:        id,
		RunID:     "r1",
		Namespace: "ns",
		GraphName: "g",
		NodeName:  "n",
		Status:    model.StatusCreated,
		Inputs:    map[string]any{},
		Outputs:   map[string]any{},
	}
}

func TestGraphTemplates_UpsertSetsTimestampsAndValidation(t *testing.T) {
	store := NewMemory()
	g := model.GraphTemplate{Namespace: "ns", Name: "g", ValidationStatus: model.ValidationValid}

	first, existed, err := store.GraphTemplates().Upsert(context.Background(), g)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if existed {
		t.Fatalf("expected existed=false on first upsert")
	}
	if first.ValidationStatus != model.ValidationPending {
		t.Fatalf("expected upsert to reset validation to PENDING, got %s", first.ValidationStatus)
	}
	if first.CreatedAtMS == 0 || first.UpdatedAtMS == 0 {
		t.Fatalf("expected timestamps to be stamped")
	}

	second, existed, err := store.GraphTemplates().Upsert(context.Background(), g)
	if err != nil {
		t.Fatalf("Upsert (second): %v", err)
	}
	if !existed {
		t.Fatalf("expected existed=true on second upsert")
	}
	if second.CreatedAtMS != first.CreatedAtMS {
		t.Fatalf("expected created_at to be preserved across re-upsert")
	}
}

func TestGraphTemplates_GetMissing(t *testing.T) {
	store := NewMemory()
	if _, err := store.GraphTemplates().Get(context.Background(), "ns", "missing"); err == nil {
		t.Fatalf("expected an error for a missing template")
	}
}

func TestGraphTemplates_SetValidation(t *testing.T) {
	store := NewMemory()
	g := model.GraphTemplate{Namespace: "ns", Name: "g"}
	if _, _, err := store.GraphTemplates().Upsert(context.Background(), g); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.GraphTemplates().SetValidation(context.Background(), "ns", "g", model.ValidationValid, nil); err != nil {
		t.Fatalf("SetValidation: %v", err)
	}
	got, err := store.GraphTemplates().Get(context.Background(), "ns", "g")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ValidationStatus != model.ValidationValid {
		t.Fatalf("got validation status %s want VALID", got.ValidationStatus)
	}
}

func TestStates_InsertDuplicateIDRejected(t *testing.T) {
	store := NewMemory()
	s := baseState("s1")
	if err := store.States().Insert(context.Background(), s); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := store.States().Insert(context.Background(), s)
	if err == nil || !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey for a repeated id, got %v", err)
	}
}

func TestStates_InsertDuplicateFingerprintRejectedOnlyForUnites(t *testing.T) {
	store := NewMemory()
	a := baseState("s1")
	a.DoesUnites = true
	a.Fingerprint = "fp1"
	if err := store.States().Insert(context.Background(), a); err != nil {
		t.Fatalf("insert a: %v", err)
	}

	b := baseState("s2")
	b.DoesUnites = true
	b.Fingerprint = "fp1"
	err := store.States().Insert(context.Background(), b)
	if err == nil || !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected a duplicate fingerprint insert to be rejected, got %v", err)
	}

	// A non-unites state sharing the same fingerprint string is fine —
	// the unique index is scoped to DoesUnites states only.
	c := baseState("s3")
	c.Fingerprint = "fp1"
	if err := store.States().Insert(context.Background(), c); err != nil {
		t.Fatalf("expected a non-unites state with a duplicate fingerprint to be accepted: %v", err)
	}
}

func TestStates_FindAndLeaseOrdersByEligibleAtThenSkipsFuture(t *testing.T) {
	store := NewMemory()
	later := baseState("later")
	later.EligibleAtMS = 2000
	earlier := baseState("earlier")
	earlier.EligibleAtMS = 1000
	future := baseState("future")
	future.EligibleAtMS = 999999

	for _, s := range []model.State{later, earlier, future} {
		if err := store.States().Insert(context.Background(), s); err != nil {
			t.Fatalf("insert %s: %v", s.ID, err)
		}
	}

	leased, ok, err := store.States().FindAndLease(context.Background(), "ns", []string{"n"}, 5000)
	if err != nil {
		t.Fatalf("FindAndLease: %v", err)
	}
	if !ok || leased.ID != "earlier" {
		t.Fatalf("expected to lease the earliest-eligible state, got %+v (ok=%v)", leased, ok)
	}
	if leased.Status != model.StatusQueued {
		t.Fatalf("expected the leased state to be QUEUED, got %s", leased.Status)
	}

	second, ok, err := store.States().FindAndLease(context.Background(), "ns", []string{"n"}, 5000)
	if err != nil {
		t.Fatalf("FindAndLease (second): %v", err)
	}
	if !ok || second.ID != "later" {
		t.Fatalf("expected the second lease to pick up the remaining eligible state, got %+v (ok=%v)", second, ok)
	}

	_, ok, err = store.States().FindAndLease(context.Background(), "ns", []string{"n"}, 5000)
	if err != nil {
		t.Fatalf("FindAndLease (third): %v", err)
	}
	if ok {
		t.Fatalf("expected no further lease: only the not-yet-eligible state remains")
	}
}

func TestStates_FindAndLeaseFiltersNamespaceAndNodeName(t *testing.T) {
	store := NewMemory()
	wrongNS := baseState("wrong-ns")
	wrongNS.Namespace = "other"
	wrongNode := baseState("wrong-node")
	wrongNode.NodeName = "other-node"

	for _, s := range []model.State{wrongNS, wrongNode} {
		if err := store.States().Insert(context.Background(), s); err != nil {
			t.Fatalf("insert %s: %v", s.ID, err)
		}
	}

	_, ok, err := store.States().FindAndLease(context.Background(), "ns", []string{"n"}, 5000)
	if err != nil {
		t.Fatalf("FindAndLease: %v", err)
	}
	if ok {
		t.Fatalf("expected no match: neither state belongs to namespace ns / node n")
	}
}

func TestStates_CompareAndSwapStatusRejectsWrongFromStatus(t *testing.T) {
	store := NewMemory()
	s := baseState("s1")
	s.Status = model.StatusCreated
	if err := store.States().Insert(context.Background(), s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.States().CompareAndSwapStatus(context.Background(), "s1", []model.Status{model.StatusQueued}, model.StatusExecuted, nil); err == nil {
		t.Fatalf("expected CompareAndSwapStatus to reject a CREATED state when only QUEUED is allowed")
	}
}

func TestStates_CompareAndSwapStatusAppliesPatch(t *testing.T) {
	store := NewMemory()
	s := baseState("s1")
	s.Status = model.StatusQueued
	if err := store.States().Insert(context.Background(), s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.States().CompareAndSwapStatus(context.Background(), "s1", []model.Status{model.StatusQueued}, model.StatusExecuted, func(st *model.State) {
		st.Outputs = map[string]any{"k": "v"}
	})
	if err != nil {
		t.Fatalf("CompareAndSwapStatus: %v", err)
	}
	if got.Status != model.StatusExecuted || got.Outputs["k"] != "v" {
		t.Fatalf("got %+v", got)
	}
}

func TestStates_CountSiblingsNotInAndIn(t *testing.T) {
	store := NewMemory()
	barrier := baseState("barrier")
	if err := store.States().Insert(context.Background(), barrier); err != nil {
		t.Fatalf("insert barrier: %v", err)
	}

	sibA := baseState("sibA")
	sibA.Parents = model.WithParent(nil, "fanout", "barrier")
	sibA.Status = model.StatusSuccess

	sibB := baseState("sibB")
	sibB.Parents = model.WithParent(nil, "fanout", "barrier")
	sibB.Status = model.StatusQueued

	for _, s := range []model.State{sibA, sibB} {
		if err := store.States().Insert(context.Background(), s); err != nil {
			t.Fatalf("insert %s: %v", s.ID, err)
		}
	}

	notDone, err := store.States().CountSiblingsNotIn(context.Background(), "ns", "g", "r1", "fanout", "barrier", "", []model.Status{model.StatusSuccess})
	if err != nil {
		t.Fatalf("CountSiblingsNotIn: %v", err)
	}
	if notDone != 1 {
		t.Fatalf("expected exactly one sibling not in SUCCESS, got %d", notDone)
	}

	done, err := store.States().CountSiblingsIn(context.Background(), "ns", "g", "r1", "fanout", "barrier", "", []model.Status{model.StatusSuccess, model.StatusErrored, model.StatusPruned, model.StatusCancelled})
	if err != nil {
		t.Fatalf("CountSiblingsIn: %v", err)
	}
	if done != 1 {
		t.Fatalf("expected exactly one sibling in a done status, got %d", done)
	}
}

func TestStates_CountSiblingsExcludesSelf(t *testing.T) {
	store := NewMemory()
	barrier := baseState("barrier")
	if err := store.States().Insert(context.Background(), barrier); err != nil {
		t.Fatalf("insert barrier: %v", err)
	}
	self := baseState("self")
	self.Parents = model.WithParent(nil, "fanout", "barrier")
	self.Status = model.StatusSuccess
	if err := store.States().Insert(context.Background(), self); err != nil {
		t.Fatalf("insert self: %v", err)
	}

	notDone, err := store.States().CountSiblingsNotIn(context.Background(), "ns", "g", "r1", "fanout", "barrier", "self", []model.Status{model.StatusSuccess})
	if err != nil {
		t.Fatalf("CountSiblingsNotIn: %v", err)
	}
	if notDone != 0 {
		t.Fatalf("expected the excluded self state not to be counted, got %d", notDone)
	}
}

func TestStates_ResetStaleQueued(t *testing.T) {
	store := NewMemory()
	stale := baseState("stale")
	stale.Status = model.StatusQueued
	stale.LeasedAtMS = 1000
	fresh := baseState("fresh")
	fresh.Status = model.StatusQueued
	fresh.LeasedAtMS = 900000

	for _, s := range []model.State{stale, fresh} {
		if err := store.States().Insert(context.Background(), s); err != nil {
			t.Fatalf("insert %s: %v", s.ID, err)
		}
	}

	n, err := store.States().ResetStaleQueued(context.Background(), 500000)
	if err != nil {
		t.Fatalf("ResetStaleQueued: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one stale state reset, got %d", n)
	}
	got, err := store.States().Get(context.Background(), "stale")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCreated || got.LeasedAtMS != 0 {
		t.Fatalf("expected stale state to revert to CREATED with leased_at cleared, got %+v", got)
	}
}

func TestRuns_InsertDuplicateRejectedAndListPaginates(t *testing.T) {
	store := NewMemory()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if err := store.Runs().Insert(context.Background(), model.Run{RunID: id, Namespace: "ns"}); err != nil {
			t.Fatalf("insert run %s: %v", id, err)
		}
	}
	if err := store.Runs().Insert(context.Background(), model.Run{RunID: "a", Namespace: "ns"}); err == nil || !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected a duplicate run_id insert to fail, got %v", err)
	}

	page, total, err := store.Runs().List(context.Background(), "ns", 0, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("expected total=3 page_len=2, got total=%d page_len=%d", total, len(page))
	}
}

func TestStoreEntries_InsertManyAndListByRun(t *testing.T) {
	store := NewMemory()
	entries := []model.StoreEntry{
		{RunID: "r1", Key: "a", Value: "1"},
		{RunID: "r1", Key: "b", Value: "2"},
		{RunID: "r2", Key: "a", Value: "other-run"},
	}
	if err := store.StoreEntries().InsertMany(context.Background(), entries); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	got, err := store.StoreEntries().ListByRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("ListByRun: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for r1, got %d", len(got))
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := NewMemory()
	if _, _, err := store.GraphTemplates().Upsert(context.Background(), model.GraphTemplate{Namespace: "ns", Name: "g"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.States().Insert(context.Background(), baseState("s1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	raw, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := NewMemory()
	if err := restored.Restore(raw); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := restored.States().Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if got.ID != "s1" {
		t.Fatalf("got %+v", got)
	}
	if _, err := restored.GraphTemplates().Get(context.Background(), "ns", "g"); err != nil {
		t.Fatalf("expected graph template to survive the round trip: %v", err)
	}
}
