package httpapi

import "github.com/danshapiro/exostate/internal/model"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UpsertGraphRequest is the PUT /graph/{g} request body.
type UpsertGraphRequest struct {
	Nodes       []model.NodeTemplate `json:"nodes"`
	Secrets     map[string]string    `json:"secrets,omitempty"`
	StoreConfig model.StoreConfig    `json:"store_config"`
	RetryPolicy *model.RetryPolicy   `json:"retry_policy,omitempty"`
}

// NodeRegistration is one entry of a PUT /nodes/ request body.
type NodeRegistration struct {
	Name            string         `json:"name"`
	InputsSchema    map[string]any `json:"inputs_schema"`
	OutputsSchema   map[string]any `json:"outputs_schema"`
	RequiredSecrets []string       `json:"required_secrets,omitempty"`
}

// RegisterNodesRequest is the PUT /nodes/ request body: a worker
// runtime advertising (or re-advertising) every node kind it knows how
// to execute.
type RegisterNodesRequest struct {
	Nodes []NodeRegistration `json:"nodes"`
}

// TriggerRequest is the POST /graph/{g}/trigger request body.
// TimeoutMS/IntervalMS bound the wait for the graph template's
// validation to settle (§4.2); zero or omitted selects the default
// (10s / 100ms), and a negative value is rejected.
type TriggerRequest struct {
	Store      map[string]string `json:"store"`
	Inputs     map[string]string `json:"inputs"`
	TimeoutMS  int64              `json:"timeout_ms"`
	IntervalMS int64              `json:"interval_ms"`
}

// TriggerResponse is returned on a successful trigger.
type TriggerResponse struct {
	RunID  string       `json:"run_id"`
	Status model.Status `json:"status"`
}

// EnqueueRequest is the POST /states/enqueue request body.
type EnqueueRequest struct {
	Nodes     []string `json:"nodes"`
	BatchSize int      `json:"batch_size"`
}

// EnqueueResponse is returned by a worker pull.
type EnqueueResponse struct {
	States []model.State `json:"states"`
}

// ExecutedRequest is the POST /state/{id}/executed request body.
type ExecutedRequest struct {
	Outputs []map[string]any `json:"outputs"`
}

// ExecutedResponse is returned by the executed handler.
type ExecutedResponse struct {
	Status      model.Status `json:"status"`
	ChildStates []string     `json:"child_states,omitempty"`
}

// ErroredRequest is the POST /state/{id}/errored request body.
type ErroredRequest struct {
	Error string `json:"error"`
}

// ErroredResponse is returned by the errored handler.
type ErroredResponse struct {
	Status       model.Status `json:"status"`
	RetryCreated bool         `json:"retry_created"`
}

// PruneRequest is the POST /state/{id}/prune request body.
type PruneRequest struct {
	Data map[string]any `json:"data"`
}

// ReenqueueRequest is the POST /state/{id}/re-enqueue-after request
// body.
type ReenqueueRequest struct {
	EnqueueAfterMS int64 `json:"enqueue_after"`
}

// StateResponse wraps a single state, returned by prune/re-enqueue.
type StateResponse struct {
	Status       model.Status `json:"status"`
	EligibleAtMS int64        `json:"eligible_at"`
}

// RunSummary is one row of the GET /runs/{page}/{size} response: a Run
// plus a roll-up of its states' statuses.
type RunSummary struct {
	RunID        string         `json:"run_id"`
	Namespace    string         `json:"namespace"`
	GraphName    string         `json:"graph_name"`
	CreatedAtMS  int64          `json:"created_at"`
	StatusCounts map[string]int `json:"status_counts"`
}

// RunsPageResponse is the GET /runs/{page}/{size} response.
type RunsPageResponse struct {
	Runs  []RunSummary `json:"runs"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Size  int          `json:"size"`
}

// RunGraphNode is one node of the GET /states/run/{run_id}/graph
// response, rendered from the most recent state observed for each
// identifier.
type RunGraphNode struct {
	Identifier string       `json:"identifier"`
	NodeName   string       `json:"node_name"`
	Status     model.Status `json:"status"`
}

// RunGraphEdge is a most-recent-parent edge between two identifiers.
type RunGraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RunGraphResponse is the GET /states/run/{run_id}/graph response.
type RunGraphResponse struct {
	Nodes         []RunGraphNode `json:"nodes"`
	Edges         []RunGraphEdge `json:"edges"`
	StatusSummary map[string]int `json:"status_summary"`
	Roots         []string       `json:"roots"`
}
