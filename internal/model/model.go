// Package model defines the persisted entities shared by every other
// component: graph templates, node templates, registered nodes, runs,
// store entries and states. Types only — no behavior beyond small,
// field-local helpers.
package model

// ValidationStatus is a GraphTemplate's asynchronous validation state.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "PENDING"
	ValidationOngoing ValidationStatus = "ONGOING"
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
)

// UnitesStrategy selects the barrier rule a fan-in successor waits on.
type UnitesStrategy string

const (
	AllSuccess UnitesStrategy = "ALL_SUCCESS"
	AllDone    UnitesStrategy = "ALL_DONE"
)

// Unites declares a fan-in barrier referencing an ancestor identifier.
type Unites struct {
	Identifier string         `json:"identifier"`
	Strategy   UnitesStrategy `json:"strategy"`
}

// NodeTemplate is a node's placement inside a GraphTemplate.
type NodeTemplate struct {
	NodeName   string            `json:"node_name"`
	Namespace  string            `json:"namespace"`
	Identifier string            `json:"identifier"`
	Inputs     map[string]string `json:"inputs"`
	NextNodes  []string          `json:"next_nodes,omitempty"`
	Unites     *Unites           `json:"unites,omitempty"`
}

// ReservedIdentifier is the one token a NodeTemplate identifier may
// never take, reserved for dependent-string store references.
const ReservedIdentifier = "store"

// StoreConfig declares the run-scoped key/value contract for a graph.
type StoreConfig struct {
	RequiredKeys []string          `json:"required_keys,omitempty"`
	Defaults     map[string]string `json:"defaults,omitempty"`
}

// GraphTemplate is keyed by (namespace, name).
type GraphTemplate struct {
	Name             string           `json:"name"`
	Namespace        string           `json:"namespace"`
	Nodes            []NodeTemplate   `json:"nodes"`
	Secrets          map[string]string `json:"secrets,omitempty"` // sealed blobs, see secretenvelope
	Store            StoreConfig      `json:"store_config"`
	RetryPolicy      RetryPolicy      `json:"retry_policy"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationErrors []string         `json:"validation_errors,omitempty"`
	ContentHash      string           `json:"content_hash,omitempty"` // blake3, see docstore
	CreatedAtMS      int64            `json:"created_at"`
	UpdatedAtMS      int64            `json:"updated_at"`
}

// IsValid reports whether the template may currently be used to
// trigger a run.
func (g *GraphTemplate) IsValid() bool {
	return g != nil && g.ValidationStatus == ValidationValid
}

// NodeByIdentifier returns the node with the given identifier, if any.
func (g *GraphTemplate) NodeByIdentifier(id string) (*NodeTemplate, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Identifier == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// RetryStrategy names one of the nine supported backoff shapes.
type RetryStrategy string

const (
	Exponential              RetryStrategy = "EXPONENTIAL"
	ExponentialFullJitter     RetryStrategy = "EXPONENTIAL_FULL_JITTER"
	ExponentialEqualJitter    RetryStrategy = "EXPONENTIAL_EQUAL_JITTER"
	Linear                    RetryStrategy = "LINEAR"
	LinearFullJitter          RetryStrategy = "LINEAR_FULL_JITTER"
	LinearEqualJitter         RetryStrategy = "LINEAR_EQUAL_JITTER"
	Fixed                     RetryStrategy = "FIXED"
	FixedFullJitter           RetryStrategy = "FIXED_FULL_JITTER"
	FixedEqualJitter          RetryStrategy = "FIXED_EQUAL_JITTER"
)

// RetryPolicy is the retry parameter block embedded in a GraphTemplate.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	Strategy        RetryStrategy `json:"strategy"`
	BackoffFactorMS int64         `json:"backoff_factor_ms"`
	Exponent        float64       `json:"exponent"`
	MaxDelayMS      *int64        `json:"max_delay_ms,omitempty"`
}

// DefaultRetryPolicy mirrors the reference implementation's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		Strategy:        Exponential,
		BackoffFactorMS: 2000,
		Exponent:        2,
	}
}

// RegisteredNode is a worker runtime's advertised node kind, keyed by
// (namespace, name).
type RegisteredNode struct {
	Namespace       string         `json:"namespace"`
	Name            string         `json:"name"`
	InputsSchema    map[string]any `json:"inputs_schema"`
	OutputsSchema   map[string]any `json:"outputs_schema"`
	RequiredSecrets []string       `json:"required_secrets,omitempty"`
}

// Run is one end-to-end execution of a graph.
type Run struct {
	RunID       string `json:"run_id"`
	Namespace   string `json:"namespace"`
	GraphName   string `json:"graph_name"`
	CreatedAtMS int64  `json:"created_at"`
}

// StoreEntry is one (run_id, key) -> value pair, immutable after
// creation.
type StoreEntry struct {
	RunID     string `json:"run_id"`
	Namespace string `json:"namespace"`
	GraphName string `json:"graph_name"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// Status is a State's lifecycle position, see the state machine in
// §3.3 of the requirements this module implements.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusQueued            Status = "QUEUED"
	StatusExecuted          Status = "EXECUTED"
	StatusSuccess           Status = "SUCCESS"
	StatusErrored           Status = "ERRORED"
	StatusRetryCreated      Status = "RETRY_CREATED"
	StatusNextCreatedError  Status = "NEXT_CREATED_ERROR"
	StatusCancelled         Status = "CANCELLED"
	StatusPruned            Status = "PRUNED"
)

// State is the central entity: one per node instance per run.
type State struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Namespace   string         `json:"namespace"`
	GraphName   string         `json:"graph_name"`
	NodeName    string         `json:"node_name"`
	Identifier  string         `json:"identifier"`
	Status      Status         `json:"status"`
	Inputs      map[string]any `json:"inputs"`
	Outputs     map[string]any `json:"outputs"`
	Error       *string        `json:"error,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Parents     []ParentEdge   `json:"parents"`
	DoesUnites  bool           `json:"does_unites"`
	EligibleAtMS int64         `json:"eligible_at"`
	Attempt     int            `json:"attempt"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	CreatedAtMS int64          `json:"created_at"`
	LeasedAtMS  int64          `json:"leased_at,omitempty"` // set when status becomes QUEUED; backs the optional lease-expiry sweeper
}

// ParentEdge is one entry of a State's ordered parents map: the
// ancestor identifier and the state id that satisfied it. A slice
// (not a map) preserves "most recently added last" insertion order,
// which §4.5's successor-materialization rule depends on.
type ParentEdge struct {
	Identifier string `json:"identifier"`
	StateID    string `json:"state_id"`
}

// ParentStateID returns the state id recorded for an ancestor
// identifier, if present.
func (s *State) ParentStateID(identifier string) (string, bool) {
	for _, p := range s.Parents {
		if p.Identifier == identifier {
			return p.StateID, true
		}
	}
	return "", false
}

// ParentsMap renders the ordered parents slice as a map, used where
// random access (not order) matters, e.g. fingerprinting.
func (s *State) ParentsMap() map[string]string {
	m := make(map[string]string, len(s.Parents))
	for _, p := range s.Parents {
		m[p.Identifier] = p.StateID
	}
	return m
}

// WithParent returns a new ordered parents slice equal to the
// receiver's plus (identifier -> stateID) appended last.
func WithParent(parents []ParentEdge, identifier, stateID string) []ParentEdge {
	out := make([]ParentEdge, len(parents), len(parents)+1)
	copy(out, parents)
	return append(out, ParentEdge{Identifier: identifier, StateID: stateID})
}
