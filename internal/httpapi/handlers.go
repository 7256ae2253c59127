package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/danshapiro/exostate/internal/clock"
	"github.com/danshapiro/exostate/internal/errkind"
	"github.com/danshapiro/exostate/internal/graphvalidate"
	"github.com/danshapiro/exostate/internal/model"
	"github.com/danshapiro/exostate/internal/scheduler"
	"github.com/danshapiro/exostate/internal/signals"
	"github.com/danshapiro/exostate/internal/trigger"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpsertGraph is PUT /graph/{g} (§6.1, §4.2). It stores the
// template immediately and kicks off validation in the background;
// the response carries whatever validation_status the write produced
// (normally PENDING), the caller polls GET to observe VALID/INVALID.
func (s *Server) handleUpsertGraph(w http.ResponseWriter, r *http.Request) {
	ns, g := r.PathValue("ns"), r.PathValue("g")
	var req UpsertGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	policy := model.DefaultRetryPolicy()
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
	}
	now := clock.NowMS()
	tmpl := model.GraphTemplate{
		Name:             g,
		Namespace:        ns,
		Nodes:            req.Nodes,
		Secrets:          req.Secrets,
		Store:            req.StoreConfig,
		RetryPolicy:      policy,
		ValidationStatus: model.ValidationPending,
		CreatedAtMS:      now,
		UpdatedAtMS:      now,
	}
	stored, _, err := s.store.GraphTemplates().Upsert(r.Context(), tmpl)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	go s.validateGraphAsync(ns, g)
	writeJSON(w, http.StatusCreated, stored)
}

// validateGraphAsync runs the structural validator (C6) in the
// background and records the result, per §4.2's "validation runs
// asynchronously after upsert".
func (s *Server) validateGraphAsync(namespace, name string) {
	ctx := s.baseCtx
	g, err := s.store.GraphTemplates().Get(ctx, namespace, name)
	if err != nil {
		return
	}
	lookup := func(ns, nodeName string) (model.RegisteredNode, bool) {
		rn, err := s.store.RegisteredNodes().Get(ctx, ns, nodeName)
		if err != nil {
			return model.RegisteredNode{}, false
		}
		return rn, true
	}
	diags := graphvalidate.Validate(&g, lookup, s.graphOpts)
	status := model.ValidationValid
	errs := graphvalidate.ErrorStrings(diags)
	if len(diags) > 0 {
		status = model.ValidationInvalid
	}
	if err := s.store.GraphTemplates().SetValidation(ctx, namespace, name, status, errs); err != nil {
		s.logger.Printf("validating graph %s/%s: %v", namespace, name, err)
	}
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	ns, g := r.PathValue("ns"), r.PathValue("g")
	tmpl, err := s.store.GraphTemplates().Get(r.Context(), ns, g)
	if err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusNotFound, "graph template not found")
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	list, err := s.store.GraphTemplates().List(r.Context(), ns)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": list})
}

func (s *Server) handleRegisterNodes(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	var req RegisterNodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	for _, n := range req.Nodes {
		rn := model.RegisteredNode{
			Namespace:       ns,
			Name:            n.Name,
			InputsSchema:    n.InputsSchema,
			OutputsSchema:   n.OutputsSchema,
			RequiredSecrets: n.RequiredSecrets,
		}
		if err := s.store.RegisteredNodes().Upsert(r.Context(), rn); err != nil {
			writeTypedError(w, s, requestIDFromContext(r.Context()), err)
			return
		}
		s.schemas.Invalidate(ns + "/" + n.Name + "/in")
		s.schemas.Invalidate(ns + "/" + n.Name + "/out")
	}
	writeJSON(w, http.StatusOK, map[string]int{"registered": len(req.Nodes)})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	list, err := s.store.RegisteredNodes().List(r.Context(), ns)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": list})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ns, g := r.PathValue("ns"), r.PathValue("g")
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TimeoutMS < 0 || req.IntervalMS < 0 {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "timeout_ms and interval_ms must not be negative")
		return
	}
	timeout, interval := 10*time.Second, 100*time.Millisecond
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.IntervalMS > 0 {
		interval = time.Duration(req.IntervalMS) * time.Millisecond
	}
	result, err := trigger.Trigger(r.Context(), s.triggerDeps, ns, g, trigger.Request{
		Store: req.Store, Inputs: req.Inputs, Timeout: timeout, Interval: interval,
	})
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusCreated, TriggerResponse{RunID: result.RunID, Status: result.Status})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	states, err := scheduler.Enqueue(r.Context(), s.store.States(), scheduler.Request{Namespace: ns, Nodes: req.Nodes, BatchSize: req.BatchSize})
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, EnqueueResponse{States: states})
}

func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ExecutedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := signals.Executed(r.Context(), s.signalDeps, id, req.Outputs)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, ExecutedResponse{Status: res.Status, ChildStates: res.ChildStates})
}

func (s *Server) handleErrored(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ErroredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := signals.Errored(r.Context(), s.signalDeps, id, req.Error)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, ErroredResponse{Status: res.Status, RetryCreated: res.RetryCreated})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st, err := signals.Prune(r.Context(), s.store.States(), id, req.Data)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Status: st.Status, EligibleAtMS: st.EligibleAtMS})
}

func (s *Server) handleReenqueueAfter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ReenqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestIDFromContext(r.Context()), http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	st, err := signals.ReenqueueAfter(r.Context(), s.store.States(), id, req.EnqueueAfterMS)
	if err != nil {
		writeTypedError(w, s, requestIDFromContext(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Status: st.Status, EligibleAtMS: st.EligibleAtMS})
}

// handleSecrets opens every secret sealed on the state's graph template
// and returns the plaintext map (§6.4); a worker calls this once it has
// leased a state and needs credentials to execute it.
func (s *Server) handleSecrets(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reqID := requestIDFromContext(r.Context())
	st, err := s.store.States().Get(r.Context(), id)
	if err != nil {
		writeError(w, reqID, http.StatusNotFound, "state not found")
		return
	}
	g, err := s.store.GraphTemplates().Get(r.Context(), st.Namespace, st.GraphName)
	if err != nil {
		writeError(w, reqID, http.StatusNotFound, "graph template not found")
		return
	}
	if s.encrypter == nil {
		writeTypedError(w, s, reqID, errkind.NewUnexpected(nil))
		return
	}
	out := make(map[string]string, len(g.Secrets))
	for name, blob := range g.Secrets {
		plain, err := s.encrypter.Open(blob)
		if err != nil {
			writeTypedError(w, s, reqID, errkind.NewUnexpected(err))
			return
		}
		out[name] = plain
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	reqID := requestIDFromContext(r.Context())
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 0 {
		writeError(w, reqID, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	size, err := strconv.Atoi(r.PathValue("size"))
	if err != nil || size <= 0 {
		writeError(w, reqID, http.StatusBadRequest, "size must be a positive integer")
		return
	}
	runs, total, err := s.store.Runs().List(r.Context(), ns, page, size)
	if err != nil {
		writeTypedError(w, s, reqID, err)
		return
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		states, err := s.store.States().ListByRun(r.Context(), run.RunID)
		if err != nil {
			writeTypedError(w, s, reqID, err)
			return
		}
		counts := map[string]int{}
		for _, st := range states {
			counts[string(st.Status)]++
		}
		summaries = append(summaries, RunSummary{
			RunID:        run.RunID,
			Namespace:    run.Namespace,
			GraphName:    run.GraphName,
			CreatedAtMS:  run.CreatedAtMS,
			StatusCounts: counts,
		})
	}
	writeJSON(w, http.StatusOK, RunsPageResponse{Runs: summaries, Total: total, Page: page, Size: size})
}

// handleRunGraph renders a run's states as a visualizable DAG snapshot
// (§6.1): one node per identifier (the most recently created state
// observed for it) and one edge per most-recent parent link.
func (s *Server) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("ns")
	runID := r.PathValue("run_id")
	reqID := requestIDFromContext(r.Context())
	states, err := s.store.States().ListByRun(r.Context(), runID)
	if err != nil {
		writeTypedError(w, s, reqID, err)
		return
	}
	latestByIdentifier := map[string]model.State{}
	for _, st := range states {
		if st.Namespace != ns {
			continue
		}
		if prev, ok := latestByIdentifier[st.Identifier]; !ok || st.CreatedAtMS >= prev.CreatedAtMS {
			latestByIdentifier[st.Identifier] = st
		}
	}
	if len(latestByIdentifier) == 0 {
		writeError(w, reqID, http.StatusNotFound, "run not found")
		return
	}

	nodes := make([]RunGraphNode, 0, len(latestByIdentifier))
	statusSummary := map[string]int{}
	var roots []string
	edgeSet := map[string]RunGraphEdge{}
	for identifier, st := range latestByIdentifier {
		nodes = append(nodes, RunGraphNode{Identifier: identifier, NodeName: st.NodeName, Status: st.Status})
		statusSummary[string(st.Status)]++
		if len(st.Parents) == 0 {
			roots = append(roots, identifier)
		} else {
			last := st.Parents[len(st.Parents)-1]
			key := last.Identifier + "->" + identifier
			edgeSet[key] = RunGraphEdge{From: last.Identifier, To: identifier}
		}
	}
	edges := make([]RunGraphEdge, 0, len(edgeSet))
	for _, e := range edgeSet {
		edges = append(edges, e)
	}
	writeJSON(w, http.StatusOK, RunGraphResponse{Nodes: nodes, Edges: edges, StatusSummary: statusSummary, Roots: roots})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, requestID string, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(requestIDHeader, requestID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// writeTypedError maps an errkind.Error to its HTTP status (§7); a
// BenignRace is swallowed and reported as success since the caller's
// retry/fan-in request did, in fact, succeed. Anything mapping to 500
// is logged in full and answered with a generic message — the original
// text never reaches the caller.
func writeTypedError(w http.ResponseWriter, s *Server, requestID string, err error) {
	if e, ok := err.(errkind.Error); ok && e.Benign() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := errkind.StatusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("internal error [request_id=%s]: %v", requestID, err)
		writeError(w, requestID, status, "internal server error")
		return
	}
	writeError(w, requestID, status, err.Error())
}
