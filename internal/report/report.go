// Package report writes the human-readable status and budget artifacts
// and renders them for the terminal.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/planforge/internal/budget"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/phase"
	"github.com/randalmurphal/planforge/internal/util"
)

// WriteStatus regenerates the status artifact from a phase snapshot.
// Called after every transition, so writes are atomic.
func WriteStatus(path string, views []phase.View) error {
	var b strings.Builder
	b.WriteString("# Pipeline Status\n\n")
	b.WriteString(fmt.Sprintf("Updated: %s\n\n", time.Now().Format(time.RFC3339)))
	b.WriteString("| Phase | State | Duration | Runs (ok/fail) | Notes |\n")
	b.WriteString("|-------|-------|----------|----------------|-------|\n")
	for _, v := range views {
		note := ""
		switch {
		case v.State == phase.StateFailed && v.LastError != "":
			note = v.LastError
		case v.State == phase.StateSkipped && v.SkipReason != "":
			note = "skipped: " + v.SkipReason
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %d/%d | %s |\n",
			v.Name, v.State, formatDuration(v.Duration), v.Successes, v.Failures,
			strings.ReplaceAll(note, "|", "\\|")))
	}
	return util.AtomicWriteFileString(path, b.String(), 0644)
}

// WriteBudget regenerates the budget artifact: the full ledger plus the
// remaining-budget summary. Persisted after every recorded spend.
func WriteBudget(path string, sum budget.Summary, entries []db.LedgerEntry) error {
	var b strings.Builder
	b.WriteString("# Budget\n\n")
	b.WriteString(fmt.Sprintf("Global cap: $%.4f\n", sum.GlobalCap))
	b.WriteString(fmt.Sprintf("Spent: $%.4f\n", sum.Spent))
	b.WriteString(fmt.Sprintf("Remaining: $%.4f\n\n", sum.Remaining))

	if len(sum.PhaseCaps) > 0 {
		b.WriteString("## Phase caps\n\n")
		for _, phaseID := range sortedKeys(sum.PhaseCaps) {
			b.WriteString(fmt.Sprintf("- %s: $%.4f spent of $%.4f\n",
				phaseID, sum.SpentByPhase[phaseID], sum.PhaseCaps[phaseID]))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Ledger\n\n")
	if len(entries) == 0 {
		b.WriteString("No spend recorded.\n")
	} else {
		b.WriteString("| Time | Phase | Operation | Amount |\n")
		b.WriteString("|------|-------|-----------|--------|\n")
		for _, e := range entries {
			b.WriteString(fmt.Sprintf("| %s | %s | %s | $%.4f |\n",
				e.CreatedAt.Format(time.RFC3339), e.PhaseID, e.Operation, e.Amount))
		}
	}
	return util.AtomicWriteFileString(path, b.String(), 0644)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
