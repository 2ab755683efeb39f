package plandoc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/planforge/internal/backup"
	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/resolve"
)

type engineFixture struct {
	engine  *Engine
	doc     *Document
	pending *PendingStore
	store   *db.DB
	cascade *int
	root    string
}

func newEngineFixture(t *testing.T, mutate func(*config.MutationConfig)) *engineFixture {
	t.Helper()
	root := t.TempDir()

	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pending, err := NewPendingStore(filepath.Join(root, "pending.yaml"))
	require.NoError(t, err)

	cfg := config.Default().Mutation
	if mutate != nil {
		mutate(&cfg)
	}

	doc := NewDocument()
	cascades := 0
	engine := NewEngine(doc, root, "plan.yaml", cfg, store,
		backup.NewStore(root, filepath.Join(root, "backups")), pending,
		WithOnApplied(func() { cascades++ }),
	)
	return &engineFixture{
		engine:  engine,
		doc:     doc,
		pending: pending,
		store:   store,
		cascade: &cascades,
		root:    root,
	}
}

func TestProposeAddForNovelCluster(t *testing.T) {
	f := newEngineFixture(t, nil)
	op := f.engine.Propose(resolve.Cluster{
		Title:      "Introduce a caching layer",
		Confidence: 0.9,
	})
	require.NotNil(t, op)
	assert.Equal(t, OpAdd, op.Type)
	assert.Equal(t, 0.9, op.Confidence)
}

func TestProposeModifyForRicherDuplicate(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "n1", Title: "Introduce a caching layer", Confidence: 0.8}))

	op := f.engine.Propose(resolve.Cluster{
		Title:      "Introduce a caching layer",
		Body:       "Cache read-heavy queries behind the repository interface with TTL-based invalidation.",
		Confidence: 0.7,
	})
	require.NotNil(t, op)
	assert.Equal(t, OpModify, op.Type)
	assert.Equal(t, []string{"n1"}, op.Targets)
}

func TestProposeNilForExactDuplicate(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "n1", Title: "Introduce a caching layer", Confidence: 0.8}))

	op := f.engine.Propose(resolve.Cluster{
		Title:      "Introduce a caching layer",
		Confidence: 0.9,
	})
	assert.Nil(t, op)
}

func TestProposeDeleteRequiresOptIn(t *testing.T) {
	cluster := resolve.Cluster{Title: "Introduce a caching layer", Confidence: 0.9}
	stale := Node{ID: "n1", Title: "Introduce a caching layer", Confidence: 0.1}

	// Default config: deletes disabled, duplicate proposes nothing.
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(stale))
	assert.Nil(t, f.engine.Propose(cluster))

	// Opted in: stale low-confidence duplicate becomes a Delete.
	f = newEngineFixture(t, func(c *config.MutationConfig) { c.AllowDelete = true })
	require.NoError(t, f.doc.AddNode(stale))
	op := f.engine.Propose(cluster)
	require.NotNil(t, op)
	assert.Equal(t, OpDelete, op.Type)
	assert.Equal(t, []string{"n1"}, op.Targets)
}

func TestSubmitHighConfidenceAddAutoApplies(t *testing.T) {
	f := newEngineFixture(t, nil)

	state, err := f.engine.Submit(Operation{
		ID: "op-1", Type: OpAdd, Title: "Introduce a caching layer", Confidence: 0.90,
	})
	require.NoError(t, err)
	assert.Equal(t, ApprovalApplied, state)
	assert.Equal(t, 1, f.doc.Len())
	assert.Equal(t, 1, *f.cascade, "downstream rerun hook fires on apply")
	assert.Empty(t, f.pending.Pending())

	// The plan file was persisted.
	loaded, err := LoadDocument(filepath.Join(f.root, "plan.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
}

func TestSubmitLowConfidenceMergeStaysPending(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "a", Title: "Cache reads"}))
	require.NoError(t, f.doc.AddNode(Node{ID: "b", Title: "Cache all reads"}))

	state, err := f.engine.Submit(Operation{
		ID: "op-1", Type: OpMerge, Targets: []string{"a", "b"}, Confidence: 0.60,
	})
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, state)

	// Zero effect until approved.
	assert.Equal(t, 2, f.doc.Len())
	assert.Zero(t, *f.cascade)

	require.NoError(t, f.engine.Approve("op-1"))
	assert.Equal(t, 1, f.doc.Len())
	assert.Equal(t, "a", f.doc.ResolveLineage("b"))
	assert.Equal(t, 1, *f.cascade)
}

func TestDeleteNeverAutoApproved(t *testing.T) {
	f := newEngineFixture(t, func(c *config.MutationConfig) {
		c.AllowDelete = true
		c.AutoApproveTypes = []string{"add", "modify", "merge", "delete"}
	})
	require.NoError(t, f.doc.AddNode(Node{ID: "n1", Title: "Old idea"}))

	state, err := f.engine.Submit(Operation{
		ID: "op-1", Type: OpDelete, Targets: []string{"n1"}, Confidence: 0.99,
	})
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, state)
	assert.Equal(t, 1, f.doc.Len())
}

func TestRejectLeavesDocumentUntouched(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "a", Title: "Cache reads"}))

	_, err := f.engine.Submit(Operation{
		ID: "op-1", Type: OpModify, Targets: []string{"a"}, Title: "Changed", Confidence: 0.2,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Reject("op-1", "not convincing"))
	n, err := f.doc.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "Cache reads", n.Title)

	// A rejected operation cannot be approved afterwards.
	assert.Error(t, f.engine.Approve("op-1"))
}

func TestApplyMergeTwiceIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "a", Title: "Cache reads", Body: "left"}))
	require.NoError(t, f.doc.AddNode(Node{ID: "b", Title: "Cache the reads", Body: "right"}))

	op := Operation{
		ID: "op-1", Type: OpMerge, Targets: []string{"a", "b"},
		Strategy: MergeSynthesizeUnion, Confidence: 0.95, Approval: ApprovalAuto,
	}
	require.NoError(t, f.engine.Apply(op))
	require.Equal(t, 1, f.doc.Len())

	// Crash-and-retry: same operation content, re-application is a no-op.
	require.NoError(t, f.engine.Apply(op))
	assert.Equal(t, 1, f.doc.Len())
	assert.Equal(t, "a", f.doc.ResolveLineage("b"))
	assert.Equal(t, 1, *f.cascade, "hook fires once, not on the no-op")
}

func TestApplyRecoversFromCrashBeforeJournal(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "a", Title: "Cache reads", Body: "left"}))
	require.NoError(t, f.doc.AddNode(Node{ID: "b", Title: "Cache the reads", Body: "right"}))

	op := Operation{
		ID: "op-1", Type: OpMerge, Targets: []string{"a", "b"},
		Strategy: MergeKeepFirst, Confidence: 0.95, Approval: ApprovalAuto,
	}

	// Simulate a crash after the plan was saved but before the journal
	// row was written: the merge is in the document, the journal is empty.
	require.NoError(t, f.doc.MergeNodes("a", "b", false))
	require.NoError(t, f.doc.Save(filepath.Join(f.root, "plan.yaml")))
	applied, err := f.store.IsApplied(op.Key())
	require.NoError(t, err)
	require.False(t, applied)

	// Retrying the apply completes the bookkeeping instead of failing on
	// the already-removed node.
	require.NoError(t, f.engine.Apply(op))
	applied, err = f.store.IsApplied(op.Key())
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, f.doc.Len())
	assert.Equal(t, "a", f.doc.ResolveLineage("b"))
	assert.Equal(t, 1, *f.cascade, "downstream phases still go stale")

	// And a further retry is the plain journal no-op.
	require.NoError(t, f.engine.Apply(op))
	assert.Equal(t, 1, *f.cascade)
}

func TestProposeMergesFindsNearDuplicateNodes(t *testing.T) {
	f := newEngineFixture(t, nil)
	require.NoError(t, f.doc.AddNode(Node{ID: "a", Title: "Introduce a caching layer for database reads", Confidence: 0.8}))
	require.NoError(t, f.doc.AddNode(Node{ID: "b", Title: "Introduce a caching layer for the database reads", Confidence: 0.6}))
	require.NoError(t, f.doc.AddNode(Node{ID: "c", Title: "Rewrite the billing module", Confidence: 0.9}))

	ops := f.engine.ProposeMerges(MergeKeepFirst)
	require.Len(t, ops, 1)
	assert.Equal(t, OpMerge, ops[0].Type)
	assert.ElementsMatch(t, []string{"a", "b"}, ops[0].Targets)
	assert.InDelta(t, 0.7, ops[0].Confidence, 1e-9)
}

func TestOperationKeyDependsOnContentNotID(t *testing.T) {
	a := Operation{ID: "x", Type: OpMerge, Targets: []string{"a", "b"}, Strategy: MergeKeepFirst}
	b := Operation{ID: "y", Type: OpMerge, Targets: []string{"a", "b"}, Strategy: MergeKeepFirst}
	c := Operation{ID: "z", Type: OpMerge, Targets: []string{"a", "c"}, Strategy: MergeKeepFirst}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
