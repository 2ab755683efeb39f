package report

import (
	"fmt"
	"io"

	"github.com/randalmurphal/planforge/internal/events"
)

// ProgressLine formats one pipeline event as a terminal progress line.
// Events with no user-facing rendering return "".
func ProgressLine(e events.Event, styled bool) string {
	switch e.Type {
	case events.EventPhaseStarted:
		state := "running"
		if styled {
			state = pendingStyle.Render(state)
		}
		return fmt.Sprintf("%-12s %s", e.PhaseID, state)

	case events.EventPhaseCompleted:
		state := "completed"
		if styled {
			state = okStyle.Render(state)
		}
		return fmt.Sprintf("%-12s %s", e.PhaseID, state)

	case events.EventPhaseFailed:
		state := "failed"
		if styled {
			state = failStyle.Render(state)
		}
		line := fmt.Sprintf("%-12s %s", e.PhaseID, state)
		if d, ok := e.Data.(events.PhaseTransitionData); ok && d.Error != "" {
			line += "  " + d.Error
		}
		return line

	case events.EventPhaseSkipped:
		line := fmt.Sprintf("%-12s skipped", e.PhaseID)
		if d, ok := e.Data.(events.PhaseTransitionData); ok && d.Reason != "" {
			line += " (" + d.Reason + ")"
		}
		return line

	case events.EventPhaseNeedsRerun:
		state := "needs rerun"
		if styled {
			state = staleStyle.Render(state)
		}
		return fmt.Sprintf("%-12s %s", e.PhaseID, state)

	case events.EventBudgetRecorded:
		if d, ok := e.Data.(events.BudgetRecordedData); ok {
			return fmt.Sprintf("%-12s $%.4f %s ($%.4f left)",
				e.PhaseID, d.Amount, d.Operation, d.Remaining)
		}

	case events.EventOperationApplied:
		if d, ok := e.Data.(events.OperationData); ok {
			return fmt.Sprintf("%-12s %s applied (conf %.2f)", e.PhaseID, d.OpType, d.Confidence)
		}

	case events.EventOperationPending:
		if d, ok := e.Data.(events.OperationData); ok {
			return fmt.Sprintf("%-12s %s awaiting approval (conf %.2f)", e.PhaseID, d.OpType, d.Confidence)
		}
	}
	return ""
}

// StreamProgress writes one line per event to w until ch closes. Run it
// in its own goroutine and close the publisher to stop it.
func StreamProgress(w io.Writer, ch <-chan events.Event, styled bool) {
	for e := range ch {
		if line := ProgressLine(e, styled); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}
