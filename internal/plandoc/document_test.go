package plandoc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeEnforcesUniqueIDs(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "a", Title: "Alpha"}))
	err := d.AddNode(Node{ID: "a", Title: "Again"})
	require.Error(t, err)
	assert.Equal(t, 1, d.Len())
}

func TestAddNodeChildLevels(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "root", Title: "Root"}))
	require.NoError(t, d.AddNode(Node{ID: "child", Title: "Child", Parent: "root"}))
	require.NoError(t, d.AddNode(Node{ID: "grand", Title: "Grand", Parent: "child"}))

	grand, err := d.Get("grand")
	require.NoError(t, err)
	assert.Equal(t, 2, grand.Level)

	root, err := d.Get("root")
	require.NoError(t, err)
	assert.Equal(t, []string{"child"}, root.Children)
	assert.Equal(t, []string{"root"}, d.Roots())
}

func TestAddNodeUnknownParent(t *testing.T) {
	d := NewDocument()
	err := d.AddNode(Node{ID: "x", Title: "X", Parent: "missing"})
	require.Error(t, err)
}

func TestRemoveNodePromotesChildren(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "root", Title: "Root"}))
	require.NoError(t, d.AddNode(Node{ID: "mid", Title: "Mid", Parent: "root"}))
	require.NoError(t, d.AddNode(Node{ID: "leaf", Title: "Leaf", Parent: "mid"}))

	require.NoError(t, d.RemoveNode("mid"))

	leaf, err := d.Get("leaf")
	require.NoError(t, err)
	assert.Equal(t, "root", leaf.Parent)
	assert.Equal(t, 1, leaf.Level)

	root, err := d.Get("root")
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf"}, root.Children)
}

func TestRemoveRootPromotesChildrenToRoots(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "root", Title: "Root"}))
	require.NoError(t, d.AddNode(Node{ID: "a", Title: "A", Parent: "root"}))
	require.NoError(t, d.AddNode(Node{ID: "b", Title: "B", Parent: "root"}))

	require.NoError(t, d.RemoveNode("root"))
	assert.Equal(t, []string{"a", "b"}, d.Roots())

	a, err := d.Get("a")
	require.NoError(t, err)
	assert.Empty(t, a.Parent)
	assert.Zero(t, a.Level)
}

func TestMergeNodesKeepsLineage(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "keep", Title: "Keep", Body: "original"}))
	require.NoError(t, d.AddNode(Node{ID: "drop", Title: "Drop", Body: "extra detail"}))
	require.NoError(t, d.AddNode(Node{ID: "child", Title: "Child", Parent: "drop"}))

	require.NoError(t, d.MergeNodes("keep", "drop", true))

	assert.False(t, d.Has("drop"))
	assert.Equal(t, "keep", d.ResolveLineage("drop"))

	keep, err := d.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, ProvenanceMerge, keep.Provenance)
	assert.Contains(t, keep.Body, "original")
	assert.Contains(t, keep.Body, "extra detail")
	assert.Equal(t, []string{"child"}, keep.Children)

	// Asking for the removed id resolves to the survivor.
	viaLineage, err := d.Get("drop")
	require.NoError(t, err)
	assert.Equal(t, "keep", viaLineage.ID)
}

func TestMergeSurvivorChildOfRemoved(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "old", Title: "Old"}))
	require.NoError(t, d.AddNode(Node{ID: "new", Title: "New", Parent: "old"}))

	require.NoError(t, d.MergeNodes("new", "old", false))

	assert.False(t, d.Has("old"))
	survivor, err := d.Get("new")
	require.NoError(t, err)
	assert.Empty(t, survivor.Parent)
	assert.Zero(t, survivor.Level)
	assert.Equal(t, []string{"new"}, d.Roots())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "root", Title: "Root", Body: "body", Provenance: ProvenanceManual, Confidence: 0.9, UpdatedAt: time.Now()}))
	require.NoError(t, d.AddNode(Node{ID: "child", Title: "Child", Parent: "root", Provenance: ProvenanceAnalyzer}))
	require.NoError(t, d.AddNode(Node{ID: "dup", Title: "Dup"}))
	require.NoError(t, d.MergeNodes("root", "dup", false))

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, d.Save(path))

	loaded, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, d.Len(), loaded.Len())
	assert.Equal(t, d.Roots(), loaded.Roots())
	assert.Equal(t, "root", loaded.ResolveLineage("dup"))

	child, err := loaded.Get("child")
	require.NoError(t, err)
	assert.Equal(t, "root", child.Parent)
	assert.Equal(t, 1, child.Level)
}

func TestLoadDocumentMissingFileIsEmpty(t *testing.T) {
	d, err := LoadDocument(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Zero(t, d.Len())
}

func TestRenderMarkdown(t *testing.T) {
	d := NewDocument()
	require.NoError(t, d.AddNode(Node{ID: "root", Title: "Caching", Body: "Add a read cache."}))
	require.NoError(t, d.AddNode(Node{ID: "child", Title: "Invalidation", Parent: "root"}))

	md := d.RenderMarkdown()
	assert.Contains(t, md, "# Plan")
	assert.Contains(t, md, "## Caching")
	assert.Contains(t, md, "Add a read cache.")
	assert.Contains(t, md, "### Invalidation")
}
