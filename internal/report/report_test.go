package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/planforge/internal/budget"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/phase"
	"github.com/randalmurphal/planforge/internal/plandoc"
)

func sampleViews() []phase.View {
	return []phase.View{
		{ID: "ingest", Name: "Ingest documents", State: phase.StateCompleted, Duration: 1200 * time.Millisecond, Successes: 1},
		{ID: "analyze", Name: "Analyze documents", State: phase.StateFailed, Failures: 2, LastError: "analyzer primary was rate limited"},
		{ID: "reconcile", Name: "Reconcile candidates", State: phase.StateSkipped, SkipReason: "disabled by flag"},
		{ID: "plan", Name: "Mutate plan", State: phase.StateNeedsRerun, Successes: 1},
	}
}

func TestWriteStatusArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.md")
	require.NoError(t, WriteStatus(path, sampleViews()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "# Pipeline Status")
	assert.Contains(t, content, "| Ingest documents | completed | 1.2s | 1/0 |")
	assert.Contains(t, content, "analyzer primary was rate limited")
	assert.Contains(t, content, "skipped: disabled by flag")
	assert.Contains(t, content, "needs_rerun")
}

func TestWriteBudgetArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.md")
	sum := budget.Summary{
		GlobalCap: 10, Spent: 0.35, Remaining: 9.65,
		PhaseCaps:    map[string]float64{"analyze": 2},
		SpentByPhase: map[string]float64{"analyze": 0.35},
	}
	entries := []db.LedgerEntry{
		{PhaseID: "analyze", Operation: "analyze doc-1", Amount: 0.35, CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, WriteBudget(path, sum, entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "Global cap: $10.0000")
	assert.Contains(t, content, "Remaining: $9.6500")
	assert.Contains(t, content, "- analyze: $0.3500 spent of $2.0000")
	assert.Contains(t, content, "| 2026-08-01T12:00:00Z | analyze | analyze doc-1 | $0.3500 |")
}

func TestWriteBudgetEmptyLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.md")
	require.NoError(t, WriteBudget(path, budget.Summary{GlobalCap: 5, Remaining: 5}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "No spend recorded.")
}

func TestRenderStatusPlain(t *testing.T) {
	out := RenderStatus(sampleViews(), []plandoc.Operation{
		{ID: "op-1", Type: plandoc.OpMerge, Confidence: 0.6, Rationale: "near-duplicates"},
	}, false)

	assert.Contains(t, out, "Pipeline")
	assert.Contains(t, out, "ingest")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "analyzer primary was rate limited")
	assert.Contains(t, out, "(disabled by flag)")
	assert.Contains(t, out, "Pending operations")
	assert.Contains(t, out, "op-1")
}

func TestRenderBudgetPlain(t *testing.T) {
	out := RenderBudget(budget.Summary{
		GlobalCap: 10, Spent: 1, Remaining: 9,
		PhaseCaps:    map[string]float64{"analyze": 2},
		SpentByPhase: map[string]float64{"analyze": 1},
	}, false)

	assert.Contains(t, out, "cap $10.0000")
	assert.Contains(t, out, "remaining $9.0000")
	assert.Contains(t, out, "analyze")
}
