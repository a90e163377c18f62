package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/db"
)

func boolPtr(b bool) *bool { return &b }

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func validGraph() Graph {
	return Graph{
		Nodes: []NodePayload{
			{ID: "a", Name: "A", Type: "lidar", Category: db.CategorySensor, Enabled: boolPtr(true), Config: map[string]any{"mode": "replay"}},
			{ID: "b", Name: "B", Type: "crop", Category: db.CategoryOperation, Enabled: boolPtr(true), Config: map[string]any{}},
		},
		Edges: []EdgePayload{
			{ID: "e1", SourceNode: "a", TargetNode: "b"},
		},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	assert.Empty(t, Validate(validGraph()))
}

func TestValidateDuplicateIDs(t *testing.T) {
	g := validGraph()
	g.Nodes = append(g.Nodes, g.Nodes[0])
	issues := Validate(g)
	require.NotEmpty(t, issues)
	assert.Contains(t, issues[0], "duplicate node id")
}

func TestValidateMissingNameOrType(t *testing.T) {
	g := validGraph()
	g.Nodes[0].Name = ""
	assert.NotEmpty(t, Validate(g))

	g = validGraph()
	g.Nodes[1].Type = ""
	assert.NotEmpty(t, Validate(g))
}

func TestValidateDanglingEdge(t *testing.T) {
	g := validGraph()
	g.Edges = append(g.Edges, EdgePayload{ID: "e2", SourceNode: "a", TargetNode: "ghost"})
	issues := Validate(g)
	require.NotEmpty(t, issues)
}

func TestValidateDetectsCycle(t *testing.T) {
	g := validGraph()
	g.Edges = append(g.Edges, EdgePayload{ID: "e2", SourceNode: "b", TargetNode: "a"})
	issues := Validate(g)
	require.NotEmpty(t, issues)
	found := false
	for _, issue := range issues {
		if strings.Contains(issue, "cycle") {
			found = true
		}
	}
	assert.True(t, found, "cycle must be reported: %v", issues)
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, Import(store, validGraph(), false))

	exported, err := Export(store)
	require.NoError(t, err)

	// Replace-mode import of the export must yield the same listing.
	other := newTestStore(t)
	require.NoError(t, Import(other, exported, false))
	reExported, err := Export(other)
	require.NoError(t, err)

	if diff := cmp.Diff(exported, reExported); diff != "" {
		t.Fatalf("export/import round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestImportReplaceWipesExisting(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, Import(store, validGraph(), false))

	replacement := Graph{
		Nodes: []NodePayload{{ID: "z", Name: "Z", Type: "crop"}},
	}
	require.NoError(t, Import(store, replacement, false))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "z", nodes[0].ID)
	edges, err := store.ListEdges()
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestImportMergeUpserts(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, Import(store, validGraph(), false))

	patch := Graph{
		Nodes: []NodePayload{
			{ID: "a", Name: "A Renamed", Type: "lidar", Category: db.CategorySensor},
			{ID: "c", Name: "C", Type: "downsample"},
		},
		Edges: []EdgePayload{
			{ID: "e2", SourceNode: "a", TargetNode: "c"},
		},
	}
	require.NoError(t, Import(store, patch, true))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	got, err := store.GetNode("a")
	require.NoError(t, err)
	assert.Equal(t, "A Renamed", got.Name)

	edges, err := store.ListEdges()
	require.NoError(t, err)
	assert.Len(t, edges, 2, "merge keeps existing edges and adds new ones")
}

func TestImportRejectsInvalidGraph(t *testing.T) {
	store := newTestStore(t)
	g := validGraph()
	g.Edges = append(g.Edges, EdgePayload{ID: "e2", SourceNode: "b", TargetNode: "a"})
	assert.Error(t, Import(store, g, false))
}

func TestValidateEdgesAgainstStore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, Import(store, validGraph(), false))

	assert.Empty(t, ValidateEdges(store, []db.Edge{
		{ID: "e1", SourceNode: "a", TargetNode: "b"},
	}))
	assert.NotEmpty(t, ValidateEdges(store, []db.Edge{
		{ID: "e1", SourceNode: "a", TargetNode: "missing"},
	}))
}
