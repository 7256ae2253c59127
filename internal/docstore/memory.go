package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/model"
)

// Memory is a concurrent in-memory Store: one mutex-guarded map per
// collection, mirroring the teacher's PipelineRegistry pattern
// (internal/server/registry.go) scaled to five collections.
type Memory struct {
	graphTemplates *memGraphTemplates
	registeredNodes *memRegisteredNodes
	runs           *memRuns
	storeEntries   *memStoreEntries
	states         *memStates
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		graphTemplates:  &memGraphTemplates{byKey: map[string]model.GraphTemplate{}},
		registeredNodes: &memRegisteredNodes{byKey: map[string]model.RegisteredNode{}},
		runs:            &memRuns{byID: map[string]model.Run{}},
		storeEntries:    &memStoreEntries{byRunKey: map[string]model.StoreEntry{}},
		states:          &memStates{byID: map[string]*model.State{}},
	}
}

func (m *Memory) GraphTemplates() GraphTemplateCollection   { return m.graphTemplates }
func (m *Memory) RegisteredNodes() RegisteredNodeCollection { return m.registeredNodes }
func (m *Memory) Runs() RunCollection                       { return m.runs }
func (m *Memory) StoreEntries() StoreEntryCollection         { return m.storeEntries }
func (m *Memory) States() StateCollection                   { return m.states }

// Snapshot serializes the entire store to msgpack, the binary
// checkpoint format the teacher's CXDB sink uses for its own
// protocol (internal/attractor/engine/cxdb_sink.go) — reused here for
// a whole-store dump instead of a single event.
func (m *Memory) Snapshot() ([]byte, error) {
	m.graphTemplates.mu.RLock()
	m.registeredNodes.mu.RLock()
	m.runs.mu.RLock()
	m.storeEntries.mu.RLock()
	m.states.mu.RLock()
	defer m.graphTemplates.mu.RUnlock()
	defer m.registeredNodes.mu.RUnlock()
	defer m.runs.mu.RUnlock()
	defer m.storeEntries.mu.RUnlock()
	defer m.states.mu.RUnlock()

	dump := snapshotDump{
		GraphTemplates:  m.graphTemplates.byKey,
		RegisteredNodes: m.registeredNodes.byKey,
		Runs:            m.runs.byID,
		StoreEntries:    m.storeEntries.byRunKey,
		States:          make(map[string]model.State, len(m.states.byID)),
	}
	for id, s := range m.states.byID {
		dump.States[id] = *s
	}
	return msgpack.Marshal(dump)
}

// Restore replaces the store's contents with a prior Snapshot.
func (m *Memory) Restore(raw []byte) error {
	var dump snapshotDump
	if err := msgpack.Unmarshal(raw, &dump); err != nil {
		return fmt.Errorf("docstore: restore: %w", err)
	}

	m.graphTemplates.mu.Lock()
	m.graphTemplates.byKey = dump.GraphTemplates
	m.graphTemplates.mu.Unlock()

	m.registeredNodes.mu.Lock()
	m.registeredNodes.byKey = dump.RegisteredNodes
	m.registeredNodes.mu.Unlock()

	m.runs.mu.Lock()
	m.runs.byID = dump.Runs
	m.runs.mu.Unlock()

	m.storeEntries.mu.Lock()
	m.storeEntries.byRunKey = dump.StoreEntries
	m.storeEntries.mu.Unlock()

	m.states.mu.Lock()
	m.states.byID = make(map[string]*model.State, len(dump.States))
	for id, s := range dump.States {
		v := s
		m.states.byID[id] = &v
	}
	m.states.mu.Unlock()

	return nil
}

type snapshotDump struct {
	GraphTemplates  map[string]model.GraphTemplate
	RegisteredNodes map[string]model.RegisteredNode
	Runs            map[string]model.Run
	StoreEntries    map[string]model.StoreEntry
	States          map[string]model.State
}

// contentHash computes a blake3 content hash over a GraphTemplate's
// upsert-relevant fields, used as the ContentHash field exposed for
// operators and change detection — distinct from the SHA-256 fan-in
// fingerprint (§4.3), which is pinned to SHA-256 specifically.
func contentHash(g model.GraphTemplate) (string, error) {
	raw, err := json.Marshal(struct {
		Name  string                `json:"name"`
		NS    string                `json:"namespace"`
		Nodes []model.NodeTemplate  `json:"nodes"`
	}{g.Name, g.Namespace, g.Nodes})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("%x", sum), nil
}

// --- graph templates ---

type memGraphTemplates struct {
	mu    sync.RWMutex
	byKey map[string]model.GraphTemplate // namespace/name
}

func gtKey(namespace, name string) string { return namespace + "/" + name }

func (c *memGraphTemplates) Upsert(ctx context.Context, g model.GraphTemplate) (model.GraphTemplate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := gtKey(g.Namespace, g.Name)
	now := clock.NowMS()
	existing, existed := c.byKey[key]

	g.ValidationStatus = model.ValidationPending
	g.ValidationErrors = nil
	if existed {
		g.CreatedAtMS = existing.CreatedAtMS
	} else {
		g.CreatedAtMS = now
	}
	g.UpdatedAtMS = now

	if hash, err := contentHash(g); err == nil {
		g.ContentHash = hash
	}

	c.byKey[key] = g
	return g, existed, nil
}

func (c *memGraphTemplates) Get(ctx context.Context, namespace, name string) (model.GraphTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.byKey[gtKey(namespace, name)]
	if !ok {
		return model.GraphTemplate{}, fmt.Errorf("graph template not found for namespace %s and graph %s", namespace, name)
	}
	return g, nil
}

func (c *memGraphTemplates) List(ctx context.Context, namespace string) ([]model.GraphTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.GraphTemplate
	for _, g := range c.byKey {
		if namespace == "" || g.Namespace == namespace {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *memGraphTemplates) SetValidation(ctx context.Context, namespace, name string, status model.ValidationStatus, errs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := gtKey(namespace, name)
	g, ok := c.byKey[key]
	if !ok {
		return fmt.Errorf("graph template not found for namespace %s and graph %s", namespace, name)
	}
	g.ValidationStatus = status
	g.ValidationErrors = errs
	g.UpdatedAtMS = clock.NowMS()
	c.byKey[key] = g
	return nil
}

// --- registered nodes ---

type memRegisteredNodes struct {
	mu    sync.RWMutex
	byKey map[string]model.RegisteredNode
}

func rnKey(namespace, name string) string { return namespace + "/" + name }

func (c *memRegisteredNodes) Upsert(ctx context.Context, n model.RegisteredNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[rnKey(n.Namespace, n.Name)] = n
	return nil
}

func (c *memRegisteredNodes) Get(ctx context.Context, namespace, name string) (model.RegisteredNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.byKey[rnKey(namespace, name)]
	if !ok {
		return model.RegisteredNode{}, fmt.Errorf("registered node not found for namespace %s and name %s", namespace, name)
	}
	return n, nil
}

func (c *memRegisteredNodes) List(ctx context.Context, namespace string) ([]model.RegisteredNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.RegisteredNode
	for _, n := range c.byKey {
		if namespace == "" || n.Namespace == namespace {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- runs ---

type memRuns struct {
	mu    sync.RWMutex
	byID  map[string]model.Run
	order []string
}

func (c *memRuns) Insert(ctx context.Context, r model.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[r.RunID]; ok {
		return fmt.Errorf("%w: run %s", ErrDuplicateKey, r.RunID)
	}
	c.byID[r.RunID] = r
	c.order = append(c.order, r.RunID)
	return nil
}

func (c *memRuns) Get(ctx context.Context, runID string) (model.Run, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[runID]
	if !ok {
		return model.Run{}, fmt.Errorf("run not found: %s", runID)
	}
	return r, nil
}

func (c *memRuns) List(ctx context.Context, namespace string, page, size int) ([]model.Run, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var filtered []model.Run
	for _, id := range c.order {
		r := c.byID[id]
		if namespace == "" || r.Namespace == namespace {
			filtered = append(filtered, r)
		}
	}
	total := len(filtered)
	if size <= 0 {
		size = 20
	}
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// --- store entries ---

type memStoreEntries struct {
	mu       sync.RWMutex
	byRunKey map[string]model.StoreEntry // run_id/key
}

func storeKey(runID, key string) string { return runID + "/" + key }

func (c *memStoreEntries) InsertMany(ctx context.Context, entries []model.StoreEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.byRunKey[storeKey(e.RunID, e.Key)] = e
	}
	return nil
}

func (c *memStoreEntries) Get(ctx context.Context, runID, key string) (model.StoreEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byRunKey[storeKey(runID, key)]
	if !ok {
		return model.StoreEntry{}, fmt.Errorf("store entry not found: run %s key %s", runID, key)
	}
	return e, nil
}

func (c *memStoreEntries) ListByRun(ctx context.Context, runID string) ([]model.StoreEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.StoreEntry
	for _, e := range c.byRunKey {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// --- states ---

type memStates struct {
	mu    sync.RWMutex
	byID  map[string]*model.State
	order []string // insertion order, used for FIFO tie-break
}

func (c *memStates) Insert(ctx context.Context, s model.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(s)
}

func (c *memStates) insertLocked(s model.State) error {
	if s.DoesUnites && s.Fingerprint != "" {
		for _, existing := range c.byID {
			if existing.DoesUnites && existing.Fingerprint == s.Fingerprint {
				return fmt.Errorf("%w: fingerprint %s", ErrDuplicateKey, s.Fingerprint)
			}
		}
	}
	if _, ok := c.byID[s.ID]; ok {
		return fmt.Errorf("%w: state %s", ErrDuplicateKey, s.ID)
	}
	cp := s
	c.byID[s.ID] = &cp
	c.order = append(c.order, s.ID)
	return nil
}

func (c *memStates) InsertMany(ctx context.Context, states []model.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range states {
		if err := c.insertLocked(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *memStates) Get(ctx context.Context, id string) (model.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	if !ok {
		return model.State{}, fmt.Errorf("state not found: %s", id)
	}
	return *s, nil
}

func (c *memStates) ListByRun(ctx context.Context, runID string) ([]model.State, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.State
	for _, id := range c.order {
		s := c.byID[id]
		if s.RunID == runID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (c *memStates) FindAndLease(ctx context.Context, namespace string, nodeNames []string, nowMS int64) (model.State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *model.State
	for _, id := range c.order {
		s := c.byID[id]
		if s.Namespace != namespace || s.Status != model.StatusCreated {
			continue
		}
		if !containsString(nodeNames, s.NodeName) {
			continue
		}
		if s.EligibleAtMS > nowMS {
			continue
		}
		if best == nil || s.EligibleAtMS < best.EligibleAtMS {
			best = s
		}
	}
	if best == nil {
		return model.State{}, false, nil
	}
	best.Status = model.StatusQueued
	best.LeasedAtMS = nowMS
	return *best, true, nil
}

func (c *memStates) CompareAndSwapStatus(ctx context.Context, id string, fromAny []model.Status, toStatus model.Status, patch func(*model.State)) (model.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[id]
	if !ok {
		return model.State{}, fmt.Errorf("state not found: %s", id)
	}
	if !containsStatus(fromAny, s.Status) {
		return model.State{}, fmt.Errorf("state %s is not in an eligible status (have %s)", id, s.Status)
	}
	if patch != nil {
		patch(s)
	}
	s.Status = toStatus
	return *s, nil
}

func (c *memStates) CountSiblingsNotIn(ctx context.Context, namespace, graphName, runID, unitesIdentifier, unitesStateID, excludeStateID string, excludeStatuses []model.Status) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.byID {
		if excludeStateID != "" && s.ID == excludeStateID {
			continue
		}
		if !matchesUnitesSibling(s, namespace, graphName, runID, unitesIdentifier, unitesStateID) {
			continue
		}
		if !containsStatus(excludeStatuses, s.Status) {
			n++
		}
	}
	return n, nil
}

func (c *memStates) CountSiblingsIn(ctx context.Context, namespace, graphName, runID, unitesIdentifier, unitesStateID, excludeStateID string, includeStatuses []model.Status) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.byID {
		if excludeStateID != "" && s.ID == excludeStateID {
			continue
		}
		if !matchesUnitesSibling(s, namespace, graphName, runID, unitesIdentifier, unitesStateID) {
			continue
		}
		if containsStatus(includeStatuses, s.Status) {
			n++
		}
	}
	return n, nil
}

func (c *memStates) ResetStaleQueued(ctx context.Context, olderThanMS int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.byID {
		if s.Status == model.StatusQueued && s.LeasedAtMS > 0 && s.LeasedAtMS < olderThanMS {
			s.Status = model.StatusCreated
			s.LeasedAtMS = 0
			n++
		}
	}
	return n, nil
}

func matchesUnitesSibling(s *model.State, namespace, graphName, runID, unitesIdentifier, unitesStateID string) bool {
	if s.Namespace != namespace || s.GraphName != graphName || s.RunID != runID {
		return false
	}
	id, ok := s.ParentStateID(unitesIdentifier)
	return ok && id == unitesStateID
}
