package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/planforge/internal/db"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

func TestReserveRejectsOverGlobalCap(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	g := NewGovernor(40.0, WithStore(store))

	_, err = g.Reserve("analyze", 50.0)
	require.Error(t, err)
	fe := forgeerr.AsForgeError(err)
	require.NotNil(t, fe)
	assert.Equal(t, forgeerr.CodeBudgetExceeded, fe.Code)

	// No ledger entry was written for the rejected reservation.
	entries, err := store.LedgerEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 40.0, g.Remaining(GlobalScope))
}

func TestReserveRecordReconcilesActual(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	g := NewGovernor(10.0, WithStore(store))

	res, err := g.Reserve("analyze", 1.0)
	require.NoError(t, err)
	assert.Equal(t, 9.0, g.Remaining(GlobalScope))

	// Actual came in under the estimate.
	require.NoError(t, res.Record("analyze doc-1", 0.4))
	assert.InDelta(t, 9.6, g.Remaining(GlobalScope), 1e-9)

	entries, err := store.LedgerEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0.4, entries[0].Amount)

	// Double settle is rejected.
	assert.Error(t, res.Record("again", 0.1))
}

func TestReleaseDropsHoldWithoutSpend(t *testing.T) {
	g := NewGovernor(5.0)

	res, err := g.Reserve("analyze", 2.0)
	require.NoError(t, err)
	res.Release()

	assert.Equal(t, 5.0, g.Remaining(GlobalScope))
	res.Release() // idempotent
	assert.Equal(t, 5.0, g.Remaining(GlobalScope))
}

func TestPhaseCapEnforced(t *testing.T) {
	g := NewGovernor(100.0, WithPhaseCaps(map[string]float64{"analyze": 1.0}))

	res, err := g.Reserve("analyze", 0.8)
	require.NoError(t, err)

	_, err = g.Reserve("analyze", 0.5)
	require.Error(t, err)
	fe := forgeerr.AsForgeError(err)
	require.NotNil(t, fe)
	assert.Contains(t, fe.What, "analyze")

	// Other phases are only bounded by the global cap.
	other, err := g.Reserve("expand", 50.0)
	require.NoError(t, err)
	other.Release()
	res.Release()
}

func TestRemainingPerScope(t *testing.T) {
	g := NewGovernor(10.0, WithPhaseCaps(map[string]float64{"analyze": 3.0}))

	res, err := g.Reserve("analyze", 1.0)
	require.NoError(t, err)
	require.NoError(t, res.Record("op", 1.0))

	assert.Equal(t, 9.0, g.Remaining(GlobalScope))
	assert.Equal(t, 2.0, g.Remaining("analyze"))
	// Unknown scope falls back to global remainder.
	assert.Equal(t, 9.0, g.Remaining("expand"))
}

func TestEstimateScalesWithDocumentsAndAnalyzers(t *testing.T) {
	g := NewGovernor(10.0, WithEstimatePerDocument(0.05))
	assert.InDelta(t, 0.45, g.Estimate(3, 3), 1e-9)
	assert.InDelta(t, 0.05, g.Estimate(1, 0), 1e-9)
	assert.Zero(t, g.Estimate(-1, 2))
}

func TestLoadSpentResumesFromLedger(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AppendLedger(db.LedgerEntry{PhaseID: "analyze", Operation: "a", Amount: 3.0}))
	require.NoError(t, store.AppendLedger(db.LedgerEntry{PhaseID: "expand", Operation: "b", Amount: 2.0}))

	g := NewGovernor(10.0, WithStore(store))
	require.NoError(t, g.LoadSpent())

	assert.Equal(t, 5.0, g.Remaining(GlobalScope))
	sum := g.Summarize()
	assert.Equal(t, 3.0, sum.SpentByPhase["analyze"])
}

func TestDryRunSkipsLedgerWrites(t *testing.T) {
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	g := NewGovernor(10.0, WithStore(store), WithDryRun(true))
	res, err := g.Reserve("analyze", 1.0)
	require.NoError(t, err)
	require.NoError(t, res.Record("op", 1.0))

	entries, err := store.LedgerEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// With N concurrent reservers against one cap, the sum of recorded
// amounts must never exceed the cap.
func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	const (
		capUSD   = 10.0
		workers  = 32
		attempts = 20
		amount   = 0.25
	)

	g := NewGovernor(capUSD)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < attempts; j++ {
				res, err := g.Reserve("analyze", amount)
				if err != nil {
					continue
				}
				_ = res.Record("op", amount)
			}
		}()
	}
	wg.Wait()

	sum := g.Summarize()
	assert.LessOrEqual(t, sum.Spent, capUSD+1e-9)
	assert.InDelta(t, capUSD, sum.Spent, 1e-9, "all capacity should be consumed")
	assert.Zero(t, sum.Reserved)
}
