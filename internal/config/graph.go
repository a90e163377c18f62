// Package config implements graph export, import and validation for the
// persisted node/edge set.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/huykuka/lidargraph/internal/db"
)

// Graph is the JSON shape of a full graph export.
type Graph struct {
	Nodes []NodePayload `json:"nodes" validate:"dive"`
	Edges []EdgePayload `json:"edges" validate:"dive"`
}

// NodePayload is one node of an import payload.
type NodePayload struct {
	ID       string         `json:"id" validate:"required"`
	Name     string         `json:"name" validate:"required"`
	Type     string         `json:"type" validate:"required"`
	Category string         `json:"category"`
	Enabled  *bool          `json:"enabled"`
	Config   map[string]any `json:"config"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
}

// EdgePayload is one edge of an import payload.
type EdgePayload struct {
	ID         string `json:"id" validate:"required"`
	SourceNode string `json:"source_node" validate:"required"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node" validate:"required"`
	TargetPort string `json:"target_port"`
}

var validate = validator.New()

// Export reads the whole persisted graph.
func Export(store *db.DB) (Graph, error) {
	nodes, err := store.ListNodes()
	if err != nil {
		return Graph{}, err
	}
	edges, err := store.ListEdges()
	if err != nil {
		return Graph{}, err
	}
	out := Graph{}
	for _, n := range nodes {
		enabled := n.Enabled
		out.Nodes = append(out.Nodes, NodePayload{
			ID: n.ID, Name: n.Name, Type: n.Type, Category: n.Category,
			Enabled: &enabled, Config: n.Config, X: n.X, Y: n.Y,
		})
	}
	for _, e := range edges {
		out.Edges = append(out.Edges, EdgePayload{
			ID: e.ID, SourceNode: e.SourceNode, SourcePort: e.SourcePort,
			TargetNode: e.TargetNode, TargetPort: e.TargetPort,
		})
	}
	return out, nil
}

// Validate checks an import payload: struct-level constraints, duplicate
// ids, dangling edge endpoints and cycles. Returns the list of issues;
// empty means valid.
func Validate(g Graph) []string {
	var issues []string

	if err := validate.Struct(g); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %s", ve.Namespace(), ve.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if nodeIDs[n.ID] {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	edgeIDs := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if edgeIDs[e.ID] {
			issues = append(issues, fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.SourceNode] {
			issues = append(issues, fmt.Sprintf("edge %q references missing source %q", e.ID, e.SourceNode))
		}
		if !nodeIDs[e.TargetNode] {
			issues = append(issues, fmt.Sprintf("edge %q references missing target %q", e.ID, e.TargetNode))
		}
	}

	if cycle := findCycle(g.Edges); cycle != "" {
		issues = append(issues, fmt.Sprintf("graph contains a cycle through %q", cycle))
	}

	return issues
}

// ValidateEdges checks a replace-all edge save against the persisted node
// set: endpoints must exist and the downstream map must stay acyclic.
func ValidateEdges(store *db.DB, edges []db.Edge) []string {
	nodes, err := store.ListNodes()
	if err != nil {
		return []string{err.Error()}
	}
	g := Graph{}
	for _, n := range nodes {
		enabled := n.Enabled
		g.Nodes = append(g.Nodes, NodePayload{ID: n.ID, Name: n.Name, Type: n.Type, Enabled: &enabled})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, EdgePayload{
			ID: e.ID, SourceNode: e.SourceNode, TargetNode: e.TargetNode,
		})
	}
	return Validate(g)
}

// findCycle runs a DFS over the edge set and returns a node on a cycle, or
// empty when acyclic.
func findCycle(edges []EdgePayload) string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.SourceNode] = append(adj[e.SourceNode], e.TargetNode)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[string]int)

	var visit func(node string) string
	visit = func(node string) string {
		state[node] = gray
		for _, next := range adj[node] {
			switch state[next] {
			case gray:
				return next
			case white:
				if found := visit(next); found != "" {
					return found
				}
			}
		}
		state[node] = black
		return ""
	}

	for node := range adj {
		if state[node] == white {
			if found := visit(node); found != "" {
				return found
			}
		}
	}
	return ""
}

// Import writes a validated payload into the store. With merge false the
// whole graph is replaced; with merge true nodes are upserted and edges
// merged by id.
func Import(store *db.DB, g Graph, merge bool) error {
	if issues := Validate(g); len(issues) > 0 {
		return fmt.Errorf("invalid graph: %s", issues[0])
	}

	nodes := make([]db.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		enabled := true
		if n.Enabled != nil {
			enabled = *n.Enabled
		}
		category := n.Category
		if category == "" {
			category = db.CategoryOperation
		}
		cfg := db.NodeConfig(n.Config)
		if cfg == nil {
			cfg = db.NodeConfig{}
		}
		nodes = append(nodes, db.Node{
			ID: n.ID, Name: n.Name, Type: n.Type, Category: category,
			Enabled: enabled, Config: cfg, X: n.X, Y: n.Y,
		})
	}
	edges := make([]db.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, db.Edge{
			ID: e.ID, SourceNode: e.SourceNode, SourcePort: orDefault(e.SourcePort, "out"),
			TargetNode: e.TargetNode, TargetPort: orDefault(e.TargetPort, "in"),
		})
	}

	if !merge {
		return store.ReplaceGraph(nodes, edges)
	}

	for _, n := range nodes {
		if err := store.UpsertNode(n); err != nil {
			return err
		}
	}
	existing, err := store.ListEdges()
	if err != nil {
		return err
	}
	byID := make(map[string]db.Edge, len(existing))
	for _, e := range existing {
		byID[e.ID] = e
	}
	for _, e := range edges {
		byID[e.ID] = e
	}
	merged := make([]db.Edge, 0, len(byID))
	for _, e := range byID {
		merged = append(merged, e)
	}
	return store.ReplaceEdges(merged)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
