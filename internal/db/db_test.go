package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLedgerAppendAndTotals(t *testing.T) {
	d := openTestDB(t)

	require.NoError(t, d.AppendLedger(LedgerEntry{PhaseID: "analyze", Operation: "analyze doc-1", Amount: 0.10}))
	require.NoError(t, d.AppendLedger(LedgerEntry{PhaseID: "analyze", Operation: "analyze doc-2", Amount: 0.25}))
	require.NoError(t, d.AppendLedger(LedgerEntry{PhaseID: "expand", Operation: "expand items", Amount: 0.05}))

	total, err := d.LedgerTotal()
	require.NoError(t, err)
	assert.InDelta(t, 0.40, total, 1e-9)

	phaseTotal, err := d.LedgerTotalForPhase("analyze")
	require.NoError(t, err)
	assert.InDelta(t, 0.35, phaseTotal, 1e-9)

	entries, err := d.LedgerEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "analyze doc-1", entries[0].Operation)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestLedgerTotalEmptyIsZero(t *testing.T) {
	d := openTestDB(t)
	total, err := d.LedgerTotal()
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestMarkAppliedIsIdempotent(t *testing.T) {
	d := openTestDB(t)

	first, err := d.MarkApplied("key-1", "op-1", "merge")
	require.NoError(t, err)
	assert.True(t, first)

	// Crash-and-retry path: same key again is a no-op.
	second, err := d.MarkApplied("key-1", "op-2", "merge")
	require.NoError(t, err)
	assert.False(t, second)

	applied, err := d.IsApplied("key-1")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = d.IsApplied("key-unknown")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.AppendLedger(LedgerEntry{PhaseID: "p", Operation: "o", Amount: 1}))
	total, err := d.LedgerTotal()
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)
}
