// Package graphvalidate is the graph-template structural validator
// (C6): ten rules covering identifier hygiene, reachability,
// registered-node compatibility and secret presence. A freshly-upserted
// GraphTemplate is PENDING; Validate's result decides whether it
// becomes VALID or INVALID.
//
// Dispatch shape (one lintXxx function per rule, aggregated by a
// single Validate entry point) is grounded on the teacher's
// internal/attractor/validate/validate.go. Rule semantics are ported
// from the reference implementation's node_template_model.py and
// graph_template_model.py field validators, plus the spec's own
// rules 5-9 (root/connectivity/reachability/schema-match) which have
// no direct Python analogue (FastAPI/Beanie validate structure lazily,
// not via an explicit lint pass) and are implemented fresh here.
package graphvalidate

import (
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/exostate/internal/depstring"
	"github.com/danshapiro/exostate/internal/jsonschemax"
	"github.com/danshapiro/exostate/internal/model"
	"github.com/danshapiro/exostate/internal/secretenvelope"
)

// Diagnostic is one validation failure. Unlike the teacher's richer
// Diagnostic (which carries a Severity tier for warnings/info), every
// diagnostic here is an error — the domain has no warning tier: a
// GraphTemplate is either VALID or INVALID (spec §4.2).
type Diagnostic struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string { return fmt.Sprintf("[%s] %s", d.Rule, d.Message) }

// RegisteredNodeLookup resolves a (namespace, node_name) to its
// RegisteredNode, used by rules 7, 9 and 10.
type RegisteredNodeLookup func(namespace, nodeName string) (model.RegisteredNode, bool)

// Options tunes rule 1's "approved system namespace" escape hatch,
// left unspecified by the upstream requirements; see DESIGN.md open
// question 1.
type Options struct {
	ApprovedSystemNamespaces []string // doublestar glob patterns
}

// Validate runs all ten rules against g and returns every violation
// found, in rule order. An empty result means the template is VALID.
func Validate(g *model.GraphTemplate, lookup RegisteredNodeLookup, opts Options) []Diagnostic {
	var diags []Diagnostic
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Message: "graph template is nil"}}
	}

	diags = append(diags, lintNamesAndNamespace(g, opts)...)
	diags = append(diags, lintIdentifierUniqueness(g)...)
	diags = append(diags, lintNextNodesExist(g)...)
	diags = append(diags, lintUnitesIdentifierExists(g)...)
	diags = append(diags, lintExactlyOneRoot(g)...)
	diags = append(diags, lintConnectedAndAcyclic(g)...)
	diags = append(diags, lintOutputReachability(g, lookup)...)
	diags = append(diags, lintStoreKeyReferences(g)...)
	diags = append(diags, lintRegisteredNodeMatch(g, lookup)...)
	diags = append(diags, lintRequiredSecretsPresent(g, lookup)...)
	return diags
}

// ErrorStrings renders diagnostics into the plain human-readable
// strings §4.2 asks GraphTemplate.ValidationErrors to hold.
func ErrorStrings(diags []Diagnostic) []string {
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.String()
	}
	return out
}

// Rule 1: every node has a non-empty name and namespace; namespace
// equals the graph's namespace or an approved system namespace glob.
func lintNamesAndNamespace(g *model.GraphTemplate, opts Options) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if trim(n.NodeName) == "" {
			diags = append(diags, Diagnostic{"names_and_namespace", fmt.Sprintf("node %q: node_name is empty", n.Identifier)})
		}
		if trim(n.Namespace) == "" {
			diags = append(diags, Diagnostic{"names_and_namespace", fmt.Sprintf("node %q: namespace is empty", n.Identifier)})
			continue
		}
		if n.Namespace == g.Namespace {
			continue
		}
		approved := false
		for _, pattern := range opts.ApprovedSystemNamespaces {
			if ok, _ := doublestar.Match(pattern, n.Namespace); ok {
				approved = true
				break
			}
		}
		if !approved {
			diags = append(diags, Diagnostic{"names_and_namespace", fmt.Sprintf("node %q: namespace %q is neither the graph's namespace nor an approved system namespace", n.Identifier, n.Namespace)})
		}
	}
	return diags
}

// Rule 2: node identifiers are unique within the graph; none equals
// the reserved "store".
func lintIdentifierUniqueness(g *model.GraphTemplate) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if trim(n.Identifier) == "" {
			diags = append(diags, Diagnostic{"identifier_uniqueness", "node identifier is empty"})
			continue
		}
		if n.Identifier == model.ReservedIdentifier {
			diags = append(diags, Diagnostic{"identifier_uniqueness", fmt.Sprintf("node identifier %q is reserved", n.Identifier)})
		}
		if seen[n.Identifier] {
			diags = append(diags, Diagnostic{"identifier_uniqueness", fmt.Sprintf("duplicate node identifier %q", n.Identifier)})
		}
		seen[n.Identifier] = true
	}
	return diags
}

// Rule 3: every identifier listed in next_nodes exists.
func lintNextNodesExist(g *model.GraphTemplate) []Diagnostic {
	var diags []Diagnostic
	ids := identifierSet(g)
	for _, n := range g.Nodes {
		for _, next := range n.NextNodes {
			if !ids[next] {
				diags = append(diags, Diagnostic{"next_nodes_exist", fmt.Sprintf("node %q: next_nodes references unknown identifier %q", n.Identifier, next)})
			}
		}
	}
	return diags
}

// Rule 4: every unites.identifier exists and is not the node itself.
func lintUnitesIdentifierExists(g *model.GraphTemplate) []Diagnostic {
	var diags []Diagnostic
	ids := identifierSet(g)
	for _, n := range g.Nodes {
		if n.Unites == nil {
			continue
		}
		if n.Unites.Identifier == n.Identifier {
			diags = append(diags, Diagnostic{"unites_identifier_exists", fmt.Sprintf("node %q: unites.identifier may not be itself", n.Identifier)})
			continue
		}
		if !ids[n.Unites.Identifier] {
			diags = append(diags, Diagnostic{"unites_identifier_exists", fmt.Sprintf("node %q: unites.identifier references unknown identifier %q", n.Identifier, n.Unites.Identifier)})
		}
	}
	return diags
}

// Rule 5: exactly one root (in-degree zero over next_nodes edges).
func lintExactlyOneRoot(g *model.GraphTemplate) []Diagnostic {
	roots := findRoots(g)
	if len(roots) == 0 {
		return []Diagnostic{{"exactly_one_root", "graph has no root node (every node has an incoming edge)"}}
	}
	if len(roots) > 1 {
		sort.Strings(roots)
		return []Diagnostic{{"exactly_one_root", fmt.Sprintf("graph has more than one root node: %v", roots)}}
	}
	return nil
}

// Rule 6: weakly connected and, ignoring unites metadata, acyclic over
// next_nodes edges (DFS).
func lintConnectedAndAcyclic(g *model.GraphTemplate) []Diagnostic {
	var diags []Diagnostic

	if cyc := findCycle(g); cyc != "" {
		diags = append(diags, Diagnostic{"connected_and_acyclic", fmt.Sprintf("cycle detected in next_nodes edges involving %q", cyc)})
	}

	if len(g.Nodes) > 0 {
		start := g.Nodes[0].Identifier
		if roots := findRoots(g); len(roots) == 1 {
			start = roots[0]
		}
		reached := reachableFrom(g, start)
		for _, n := range g.Nodes {
			if !reached[n.Identifier] {
				diags = append(diags, Diagnostic{"connected_and_acyclic", fmt.Sprintf("node %q is not connected to node %q; graph is not weakly connected", n.Identifier, start)})
			}
		}
	}
	return diags
}

// Rule 7: every id.outputs.field placeholder refers to an ancestor on
// every path from the root, and field is declared in that node's
// registered output schema.
func lintOutputReachability(g *model.GraphTemplate, lookup RegisteredNodeLookup) []Diagnostic {
	var diags []Diagnostic
	roots := findRoots(g)
	if len(roots) != 1 {
		return nil // rule 5 already flags this; avoid cascading noise
	}
	ancestorsOnEveryPath := ancestorsOnEveryPath(g, roots[0])

	for _, n := range g.Nodes {
		ancestors := ancestorsOnEveryPath[n.Identifier]
		for field, literal := range n.Inputs {
			ds, err := depstring.Parse(literal)
			if err != nil {
				diags = append(diags, Diagnostic{"output_reachability", fmt.Sprintf("node %q input %q: %v", n.Identifier, field, err)})
				continue
			}
			for _, idf := range ds.IdentifierFields() {
				if idf.Identifier == "store" {
					continue
				}
				if !ancestors[idf.Identifier] {
					diags = append(diags, Diagnostic{"output_reachability", fmt.Sprintf("node %q input %q: %q is not an ancestor on every path from the root", n.Identifier, field, idf.Identifier)})
					continue
				}
				ancestorNode, ok := g.NodeByIdentifier(idf.Identifier)
				if !ok {
					continue
				}
				if lookup == nil {
					continue
				}
				rn, ok := lookup(ancestorNode.Namespace, ancestorNode.NodeName)
				if !ok {
					continue // rule 9 reports the missing registration
				}
				schema, err := jsonschemax.Compile(rn.OutputsSchema)
				if err != nil {
					continue
				}
				if !schema.TopLevelFields()[idf.Field] {
					diags = append(diags, Diagnostic{"output_reachability", fmt.Sprintf("node %q input %q: field %q is not declared in %q's output schema", n.Identifier, field, idf.Field, idf.Identifier)})
				}
			}
		}
	}
	return diags
}

// Rule 8: every store.key placeholder references a required store key
// or a key with a template default.
func lintStoreKeyReferences(g *model.GraphTemplate) []Diagnostic {
	var diags []Diagnostic
	allowed := map[string]bool{}
	for _, k := range g.Store.RequiredKeys {
		allowed[k] = true
	}
	for k := range g.Store.Defaults {
		allowed[k] = true
	}
	for _, n := range g.Nodes {
		for field, literal := range n.Inputs {
			ds, err := depstring.Parse(literal)
			if err != nil {
				continue // rule 7 already reports parse errors
			}
			for _, idf := range ds.IdentifierFields() {
				if idf.Identifier != "store" {
					continue
				}
				if !allowed[idf.Field] {
					diags = append(diags, Diagnostic{"store_key_references", fmt.Sprintf("node %q input %q: store key %q is neither required nor has a default", n.Identifier, field, idf.Field)})
				}
			}
		}
	}
	return diags
}

// Rule 9: every referenced (namespace, node_name) exists as a
// RegisteredNode; the node's static input key set exactly matches the
// RegisteredNode's input schema top-level fields.
func lintRegisteredNodeMatch(g *model.GraphTemplate, lookup RegisteredNodeLookup) []Diagnostic {
	var diags []Diagnostic
	if lookup == nil {
		return diags
	}
	for _, n := range g.Nodes {
		rn, ok := lookup(n.Namespace, n.NodeName)
		if !ok {
			diags = append(diags, Diagnostic{"registered_node_match", fmt.Sprintf("node %q: no registered node for (%s, %s)", n.Identifier, n.Namespace, n.NodeName)})
			continue
		}
		schema, err := jsonschemax.Compile(rn.InputsSchema)
		if err != nil {
			diags = append(diags, Diagnostic{"registered_node_match", fmt.Sprintf("node %q: registered input schema does not compile: %v", n.Identifier, err)})
			continue
		}
		want := schema.TopLevelFields()
		have := map[string]bool{}
		for k := range n.Inputs {
			have[k] = true
		}
		for k := range want {
			if !have[k] {
				diags = append(diags, Diagnostic{"registered_node_match", fmt.Sprintf("node %q: missing required input key %q", n.Identifier, k)})
			}
		}
		for k := range have {
			if !want[k] {
				diags = append(diags, Diagnostic{"registered_node_match", fmt.Sprintf("node %q: input key %q is not declared by the registered node's input schema", n.Identifier, k)})
			}
		}
	}
	return diags
}

// Rule 10: every RegisteredNode-declared required secret is present in
// the graph's secret envelope.
func lintRequiredSecretsPresent(g *model.GraphTemplate, lookup RegisteredNodeLookup) []Diagnostic {
	var diags []Diagnostic
	if lookup == nil {
		return diags
	}
	for _, n := range g.Nodes {
		rn, ok := lookup(n.Namespace, n.NodeName)
		if !ok {
			continue // rule 9 already reports this
		}
		for _, secretName := range rn.RequiredSecrets {
			blob, ok := g.Secrets[secretName]
			if !ok {
				diags = append(diags, Diagnostic{"required_secrets_present", fmt.Sprintf("node %q: required secret %q is not present in the graph's secrets", n.Identifier, secretName)})
				continue
			}
			if err := secretenvelope.Validate(blob); err != nil {
				diags = append(diags, Diagnostic{"required_secrets_present", fmt.Sprintf("node %q: required secret %q is malformed: %v", n.Identifier, secretName, err)})
			}
		}
	}
	return diags
}

// --- graph helpers shared across rules ---

func trim(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t' || s[j-1] == '\n') {
		j--
	}
	return s[i:j]
}

func identifierSet(g *model.GraphTemplate) map[string]bool {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.Identifier] = true
	}
	return ids
}

func findRoots(g *model.GraphTemplate) []string {
	inDegree := map[string]int{}
	for _, n := range g.Nodes {
		if _, ok := inDegree[n.Identifier]; !ok {
			inDegree[n.Identifier] = 0
		}
		for _, next := range n.NextNodes {
			inDegree[next]++
		}
	}
	var roots []string
	for _, n := range g.Nodes {
		if inDegree[n.Identifier] == 0 {
			roots = append(roots, n.Identifier)
		}
	}
	sort.Strings(roots)
	return roots
}

// findCycle returns one node identifier on a cycle, if any exists,
// via a standard three-color DFS.
func findCycle(g *model.GraphTemplate) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	edges := map[string][]string{}
	for _, n := range g.Nodes {
		edges[n.Identifier] = n.NextNodes
	}

	var cycleNode string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range edges[id] {
			switch color[next] {
			case gray:
				cycleNode = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, n := range g.Nodes {
		if color[n.Identifier] == white {
			if visit(n.Identifier) {
				return cycleNode
			}
		}
	}
	return ""
}

// reachableFrom returns every node reached from root when next_nodes
// edges are followed in either direction.
func reachableFrom(g *model.GraphTemplate, root string) map[string]bool {
	edges := map[string][]string{}
	for _, n := range g.Nodes {
		edges[n.Identifier] = append(edges[n.Identifier], n.NextNodes...)
		for _, next := range n.NextNodes {
			edges[next] = append(edges[next], n.Identifier)
		}
	}
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// ancestorsOnEveryPath computes, for every node, the set of
// identifiers that appear on *every* root-to-node path — i.e. nodes
// that dominate it in the graph-theoretic sense. Used by rule 7.
func ancestorsOnEveryPath(g *model.GraphTemplate, root string) map[string]map[string]bool {
	preds := map[string][]string{}
	for _, n := range g.Nodes {
		for _, next := range n.NextNodes {
			preds[next] = append(preds[next], n.Identifier)
		}
	}

	all := identifierSet(g)
	dom := map[string]map[string]bool{}
	for id := range all {
		if id == root {
			dom[id] = map[string]bool{root: true}
		} else {
			dom[id] = cloneSet(all) // start as "everything", refine below
		}
	}

	order := topoOrderOrInsertion(g)
	changed := true
	for changed {
		changed = false
		for _, id := range order {
			if id == root {
				continue
			}
			ps := preds[id]
			if len(ps) == 0 {
				continue
			}
			merged := cloneSet(dom[ps[0]])
			for _, p := range ps[1:] {
				intersect(merged, dom[p])
			}
			merged[id] = true
			if !setsEqual(merged, dom[id]) {
				dom[id] = merged
				changed = true
			}
		}
	}
	return dom
}

func cloneSet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

func intersect(dst, other map[string]bool) {
	for k := range dst {
		if !other[k] {
			delete(dst, k)
		}
	}
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// topoOrderOrInsertion returns nodes in topological order when the
// graph is acyclic (the common case after rule 6 passes); falls back
// to declaration order otherwise so the dominator fixpoint still
// terminates (bounded by node count) on a malformed graph.
func topoOrderOrInsertion(g *model.GraphTemplate) []string {
	indeg := map[string]int{}
	edges := map[string][]string{}
	for _, n := range g.Nodes {
		if _, ok := indeg[n.Identifier]; !ok {
			indeg[n.Identifier] = 0
		}
		edges[n.Identifier] = n.NextNodes
	}
	for _, n := range g.Nodes {
		for _, next := range n.NextNodes {
			indeg[next]++
		}
	}
	var queue, order []string
	for _, n := range g.Nodes {
		if indeg[n.Identifier] == 0 {
			queue = append(queue, n.Identifier)
		}
	}
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		order = append(order, cur)
		for _, next := range edges[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		order = order[:0]
		for _, n := range g.Nodes {
			order = append(order, n.Identifier)
		}
	}
	return order
}
