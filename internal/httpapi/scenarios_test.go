package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danshapiro/exostate/internal/config"
	"github.com/danshapiro/exostate/internal/docstore"
	"github.com/danshapiro/exostate/internal/model"
	"github.com/danshapiro/exostate/internal/secretenvelope"
	"github.com/danshapiro/exostate/internal/successor"
)

// Drives the six worked scenarios in §8 (S1-S6) over the wire, the
// way the teacher's internal/server/integration_test.go drives its own
// registry/engine directly rather than hand-assembling components.

const scenarioNS = "acme"
const scenarioKey = "test-shared-secret"

func newScenarioServer(t *testing.T) (*httptest.Server, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	cfg := config.Settings{
		StateManagerSecret: scenarioKey,
		CORSOrigins:        []string{"http://localhost:3000"},
		Mode:               config.Development,
	}
	key, err := secretenvelope.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	enc, err := secretenvelope.NewEncrypterFromEnv(key)
	if err != nil {
		t.Fatalf("building encrypter: %v", err)
	}
	srv := New(cfg, store, enc)
	ts := httptest.NewServer(srv.middlewareForTest())
	t.Cleanup(ts.Close)
	return ts, store
}

// middlewareForTest exposes the middleware-wrapped mux without
// starting a real listener (Server.ListenAndServe binds a real port,
// which these in-process scenario tests have no need for).
func (s *Server) middlewareForTest() http.Handler {
	return s.httpSrv.Handler
}

func scenarioDo(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("X-API-Key", scenarioKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func registerLeafNode(t *testing.T, ts *httptest.Server, name string, inputKeys []string) {
	t.Helper()
	props := map[string]any{}
	for _, k := range inputKeys {
		props[k] = map[string]any{"type": "string"}
	}
	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/nodes/", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{
				"name":           name,
				"inputs_schema":  map[string]any{"type": "object", "properties": props},
				"outputs_schema": map[string]any{"type": "object"},
			},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("registering node %s: status %d", name, status)
	}
}

func waitForValid(t *testing.T, ts *httptest.Server, graph string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, body := scenarioDo(t, ts, "GET", fmt.Sprintf("/v0/namespace/%s/graph/%s", scenarioNS, graph), nil)
		if status == http.StatusOK && body["validation_status"] == string(model.ValidationValid) {
			return
		}
		if status == http.StatusOK && body["validation_status"] == string(model.ValidationInvalid) {
			t.Fatalf("graph %s became INVALID: %v", graph, body["validation_errors"])
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("graph %s never became VALID", graph)
}

func leaseOneState(t *testing.T, ts *httptest.Server, node string) map[string]any {
	t.Helper()
	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/states/enqueue", scenarioNS), map[string]any{
		"nodes":      []string{node},
		"batch_size": 1,
	})
	if status != http.StatusOK {
		t.Fatalf("enqueue: status %d body %v", status, body)
	}
	states, _ := body["states"].([]any)
	if len(states) != 1 {
		t.Fatalf("expected exactly one leased state for node %q, got %d", node, len(states))
	}
	return states[0].(map[string]any)
}

func leaseOne(t *testing.T, ts *httptest.Server, node string) string {
	t.Helper()
	return leaseOneState(t, ts, node)["id"].(string)
}

func executeState(t *testing.T, ts *httptest.Server, id string, outputs []map[string]any) map[string]any {
	t.Helper()
	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/state/%s/executed", scenarioNS, id), map[string]any{
		"outputs": outputs,
	})
	if status != http.StatusOK {
		t.Fatalf("executed(%s): status %d body %v", id, status, body)
	}
	return body
}

// S1 — Linear chain success: A -> B -> C, all SUCCESS, rendered graph
// has 3 nodes and 2 edges.
func TestScenario_S1_LinearChainSuccess(t *testing.T) {
	ts, _ := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", nil)

	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s1", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "A", "inputs": map[string]any{}, "next_nodes": []string{"B"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "B", "inputs": map[string]any{}, "next_nodes": []string{"C"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "C", "inputs": map[string]any{}},
		},
		"store_config": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}
	waitForValid(t, ts, "s1")

	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s1/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}
	runID := body["run_id"].(string)

	aID := leaseOne(t, ts, "noop")
	executeState(t, ts, aID, []map[string]any{{"o": "a"}})

	bID := leaseOne(t, ts, "noop")
	executeState(t, ts, bID, []map[string]any{{"o": "b"}})

	cID := leaseOne(t, ts, "noop")
	executeState(t, ts, cID, []map[string]any{{"o": "c"}})

	status, graph := scenarioDo(t, ts, "GET", fmt.Sprintf("/v0/namespace/%s/states/run/%s/graph", scenarioNS, runID), nil)
	if status != http.StatusOK {
		t.Fatalf("run graph: status %d", status)
	}
	nodes, _ := graph["nodes"].([]any)
	edges, _ := graph["edges"].([]any)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 rendered nodes, got %d: %v", len(nodes), nodes)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 rendered edges, got %d: %v", len(edges), edges)
	}
	summary, _ := graph["status_summary"].(map[string]any)
	if summary["SUCCESS"] != float64(3) {
		t.Fatalf("expected 3 states SUCCESS, got summary %v", summary)
	}
}

// S2 — Fan-out then fan-in (ALL_SUCCESS): root R, children C1/C2, join
// J unites R. J must not exist until both children settle; a
// replayed duplicate completion must not create a second J.
func TestScenario_S2_FanOutFanInAllSuccess(t *testing.T) {
	ts, store := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", nil)

	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s2", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "R", "inputs": map[string]any{}, "next_nodes": []string{"C1", "C2"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "C1", "inputs": map[string]any{}, "next_nodes": []string{"J"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "C2", "inputs": map[string]any{}, "next_nodes": []string{"J"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "J", "inputs": map[string]any{}, "unites": map[string]any{"identifier": "R", "strategy": "ALL_SUCCESS"}},
		},
		"store_config": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}
	waitForValid(t, ts, "s2")

	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s2/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}
	runID := body["run_id"].(string)

	rID := leaseOne(t, ts, "noop")
	executeState(t, ts, rID, []map[string]any{{"o": "r"}})

	c1ID := leaseOne(t, ts, "noop")
	executeState(t, ts, c1ID, []map[string]any{{"o": "c1"}})

	jCountAfterC1 := countIdentifier(t, store, runID, "J")
	if jCountAfterC1 != 0 {
		t.Fatalf("J must not exist before C2 settles, found %d", jCountAfterC1)
	}

	c2ID := leaseOne(t, ts, "noop")
	executeState(t, ts, c2ID, []map[string]any{{"o": "c2"}})

	jCountAfterC2 := countIdentifier(t, store, runID, "J")
	if jCountAfterC2 != 1 {
		t.Fatalf("expected exactly one J after both children settle, found %d", jCountAfterC2)
	}

	// Replay C2's completion (simulating a duplicate worker report);
	// the duplicate-key race must be swallowed, not produce a second J.
	states, err := store.States().ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("listing states: %v", err)
	}
	var c2AfterID string
	for _, st := range states {
		if st.Identifier == "C2" {
			c2AfterID = st.ID
		}
	}
	successorDeps := successor.Deps{Templates: store.GraphTemplates(), States: store.States(), StoreEnt: store.StoreEntries()}
	if err := successor.Materialize(context.Background(), successorDeps, c2AfterID); err != nil {
		t.Fatalf("replaying successor materialization: %v", err)
	}
	if n := countIdentifier(t, store, runID, "J"); n != 1 {
		t.Fatalf("replay must not create a second J, found %d", n)
	}
}

// S3 — Fan-out via multiple outputs: A -> B, A executes with three
// outputs, yields three B states in CREATED sharing parents={A:<id>}.
func TestScenario_S3_FanOutViaMultipleOutputs(t *testing.T) {
	ts, store := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", nil)

	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s3", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "A", "inputs": map[string]any{}, "next_nodes": []string{"B"}},
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "B", "inputs": map[string]any{}},
		},
		"store_config": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}
	waitForValid(t, ts, "s3")

	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s3/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}
	runID := body["run_id"].(string)

	aID := leaseOne(t, ts, "noop")
	executeState(t, ts, aID, []map[string]any{{"k": "1"}, {"k": "2"}, {"k": "3"}})

	states, err := store.States().ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("listing states: %v", err)
	}
	var aState model.State
	var bStates []model.State
	for _, st := range states {
		switch st.Identifier {
		case "A":
			aState = st
		case "B":
			bStates = append(bStates, st)
		}
	}
	if aState.Status != model.StatusSuccess {
		t.Fatalf("A should be SUCCESS, got %s", aState.Status)
	}
	if len(bStates) != 3 {
		t.Fatalf("expected 3 B states, got %d", len(bStates))
	}
	for _, b := range bStates {
		if b.Status != model.StatusCreated {
			t.Fatalf("B state %s should be CREATED, got %s", b.ID, b.Status)
		}
		if len(b.Parents) != 1 || b.Parents[0].Identifier != "A" || b.Parents[0].StateID != aState.ID {
			t.Fatalf("B state %s parents mismatch: %+v", b.ID, b.Parents)
		}
	}
}

// S4 — Retry policy exponential with max delay cap.
func TestScenario_S4_RetryPolicyExponentialWithCap(t *testing.T) {
	ts, store := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", nil)

	maxDelay := int64(1500)
	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s4", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "A", "inputs": map[string]any{}},
		},
		"store_config": map[string]any{},
		"retry_policy": map[string]any{
			"max_retries":       2,
			"strategy":          "EXPONENTIAL",
			"backoff_factor_ms": 1000,
			"exponent":          2,
			"max_delay_ms":      maxDelay,
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}
	waitForValid(t, ts, "s4")

	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s4/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}

	// attempt 1 -> errored -> retry with delay ~= 1000ms
	a1 := leaseOne(t, ts, "noop")
	now := time.Now()
	status, erroredBody := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/state/%s/errored", scenarioNS, a1), map[string]any{"error": "boom"})
	if status != http.StatusOK || erroredBody["retry_created"] != true {
		t.Fatalf("errored attempt 1: status %d body %v", status, erroredBody)
	}
	states, _ := store.States().ListByRun(context.Background(), runIDFor(t, store))
	var retry1 model.State
	for _, st := range states {
		if st.Attempt == 2 {
			retry1 = st
		}
	}
	if retry1.ID == "" {
		t.Fatalf("expected an attempt-2 sibling")
	}
	gotDelay := retry1.EligibleAtMS - now.UnixMilli()
	if gotDelay < 800 || gotDelay > 1400 {
		t.Fatalf("expected ~1000ms delay for attempt 2, got %dms", gotDelay)
	}

	// attempt 2 -> errored -> retry delay capped at 1500ms
	time.Sleep(time.Until(time.UnixMilli(retry1.EligibleAtMS)))
	a2 := leaseOne(t, ts, "noop")
	now = time.Now()
	status, erroredBody = scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/state/%s/errored", scenarioNS, a2), map[string]any{"error": "boom again"})
	if status != http.StatusOK || erroredBody["retry_created"] != true {
		t.Fatalf("errored attempt 2: status %d body %v", status, erroredBody)
	}
	states, _ = store.States().ListByRun(context.Background(), runIDFor(t, store))
	var retry2 model.State
	for _, st := range states {
		if st.Attempt == 3 {
			retry2 = st
		}
	}
	if retry2.ID == "" {
		t.Fatalf("expected an attempt-3 sibling")
	}
	gotDelay = retry2.EligibleAtMS - now.UnixMilli()
	if gotDelay < 1300 || gotDelay > 1600 {
		t.Fatalf("expected capped ~1500ms delay for attempt 3, got %dms", gotDelay)
	}

	// attempt 3 -> errored -> no retry (exhausted), original ERRORED stands
	time.Sleep(time.Until(time.UnixMilli(retry2.EligibleAtMS)))
	a3 := leaseOne(t, ts, "noop")
	status, erroredBody = scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/state/%s/errored", scenarioNS, a3), map[string]any{"error": "final"})
	if status != http.StatusOK {
		t.Fatalf("errored attempt 3: status %d body %v", status, erroredBody)
	}
	if erroredBody["retry_created"] != false {
		t.Fatalf("attempt 3 should exhaust retries, got retry_created=%v", erroredBody["retry_created"])
	}
	if erroredBody["status"] != string(model.StatusErrored) {
		t.Fatalf("expected ERRORED, got %v", erroredBody["status"])
	}
}

// S5 — Store defaults: required key + default, resolved into the
// root's dependent-string input; missing required key is a 400.
func TestScenario_S5_StoreDefaults(t *testing.T) {
	ts, _ := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", []string{"combined"})

	status, _ := scenarioDo(t, ts, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s5", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "A", "inputs": map[string]any{
				"combined": "${{ store.region }}-${{ store.tier }}",
			}},
		},
		"store_config": map[string]any{
			"required_keys": []string{"region"},
			"defaults":      map[string]any{"tier": "standard"},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}
	waitForValid(t, ts, "s5")

	status, body := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s5/trigger", scenarioNS), map[string]any{
		"store": map[string]any{"region": "eu"}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}

	leased := leaseOneState(t, ts, "noop")
	inputs, _ := leased["inputs"].(map[string]any)
	if inputs["combined"] != "eu-standard" {
		t.Fatalf("expected combined input %q, got %v", "eu-standard", inputs["combined"])
	}

	status, body2 := scenarioDo(t, ts, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s5/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusBadRequest {
		t.Fatalf("triggering with missing required store key should be 400, got %d body %v", status, body2)
	}
}

// S6 — Secret envelope round-trip over the HTTP surface.
func TestScenario_S6_SecretEnvelopeRoundTrip(t *testing.T) {
	ts, store := newScenarioServer(t)
	registerLeafNode(t, ts, "noop", nil)

	enc, err := secretenvelope.NewEncrypter(fixedKeyForTest())
	if err != nil {
		t.Fatalf("building test encrypter: %v", err)
	}
	sealed, err := enc.Seal("s3cr3t")
	if err != nil {
		t.Fatalf("sealing secret: %v", err)
	}

	// Rebuild the server with a known key so Seal/Open round-trip
	// through the same encrypter instance the HTTP handler uses.
	ts.Close()
	cfg := config.Settings{StateManagerSecret: scenarioKey, CORSOrigins: []string{"http://localhost:3000"}}
	srv := New(cfg, store, enc)
	ts2 := httptest.NewServer(srv.middlewareForTest())
	t.Cleanup(ts2.Close)

	status, _ := scenarioDo(t, ts2, "PUT", fmt.Sprintf("/v0/namespace/%s/graph/s6", scenarioNS), map[string]any{
		"nodes": []map[string]any{
			{"node_name": "noop", "namespace": scenarioNS, "identifier": "A", "inputs": map[string]any{}},
		},
		"store_config": map[string]any{},
		"secrets":      map[string]any{"api_key": sealed},
	})
	if status != http.StatusCreated {
		t.Fatalf("upsert: status %d", status)
	}

	// Rule 10 (required secrets) is trivially satisfied since "noop"
	// declares none required; the graph becomes VALID regardless of
	// the extra secret present.
	waitForValid(t, ts2, "s6")
	status, body := scenarioDo(t, ts2, "POST", fmt.Sprintf("/v0/namespace/%s/graph/s6/trigger", scenarioNS), map[string]any{
		"store": map[string]any{}, "inputs": map[string]any{},
	})
	if status != http.StatusCreated {
		t.Fatalf("trigger: status %d body %v", status, body)
	}

	aID := leaseOne(t, ts2, "noop")
	status, secrets := scenarioDo(t, ts2, "GET", fmt.Sprintf("/v0/namespace/%s/state/%s/secrets", scenarioNS, aID), nil)
	if status != http.StatusOK {
		t.Fatalf("secrets: status %d body %v", status, secrets)
	}
	if secrets["api_key"] != "s3cr3t" {
		t.Fatalf("expected round-tripped plaintext, got %v", secrets)
	}

	// Tamper one byte of the sealed blob directly in the store and
	// confirm fetching secrets now fails as an Unexpected/500.
	g, err := store.GraphTemplates().Get(context.Background(), scenarioNS, "s6")
	if err != nil {
		t.Fatalf("loading template: %v", err)
	}
	tampered := []byte(g.Secrets["api_key"])
	tampered[0] = tampered[0] ^ 0xFF
	g.Secrets["api_key"] = string(tampered)
	if _, _, err := store.GraphTemplates().Upsert(context.Background(), g); err != nil {
		t.Fatalf("re-upserting tampered template: %v", err)
	}

	status, secrets = scenarioDo(t, ts2, "GET", fmt.Sprintf("/v0/namespace/%s/state/%s/secrets", scenarioNS, aID), nil)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500 on tampered secret, got %d body %v", status, secrets)
	}
}

func countIdentifier(t *testing.T, store *docstore.Memory, runID, identifier string) int {
	t.Helper()
	states, err := store.States().ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("listing states: %v", err)
	}
	n := 0
	for _, st := range states {
		if st.Identifier == identifier {
			n++
		}
	}
	return n
}

func runIDFor(t *testing.T, store *docstore.Memory) string {
	t.Helper()
	runs, _, err := store.Runs().List(context.Background(), scenarioNS, 0, 100)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) == 0 {
		t.Fatalf("no runs recorded")
	}
	return runs[len(runs)-1].RunID
}

func fixedKeyForTest() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}
