package report

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/planforge/internal/budget"
	"github.com/randalmurphal/planforge/internal/phase"
	"github.com/randalmurphal/planforge/internal/plandoc"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	staleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// Styled reports whether terminal styling should be applied.
func Styled() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func stateStyle(s phase.State) lipgloss.Style {
	switch s {
	case phase.StateCompleted:
		return okStyle
	case phase.StateFailed:
		return failStyle
	case phase.StateNeedsRerun:
		return staleStyle
	case phase.StateInProgress:
		return pendingStyle
	default:
		return mutedStyle
	}
}

// RenderStatus formats a phase snapshot for the terminal. With styled
// false the output is plain text, for pipes and CI logs.
func RenderStatus(views []phase.View, pending []plandoc.Operation, styled bool) string {
	var b strings.Builder

	heading := "Pipeline"
	if styled {
		heading = titleStyle.Render(heading)
	}
	b.WriteString(heading + "\n")

	for _, v := range views {
		state := string(v.State)
		if styled {
			state = stateStyle(v.State).Render(state)
		}
		line := fmt.Sprintf("  %-12s %-14s %8s  %d ok / %d failed",
			v.ID, state, formatDuration(v.Duration), v.Successes, v.Failures)
		b.WriteString(line)
		if v.State == phase.StateFailed && v.LastError != "" {
			b.WriteString("  " + v.LastError)
		}
		if v.State == phase.StateSkipped && v.SkipReason != "" {
			b.WriteString("  (" + v.SkipReason + ")")
		}
		b.WriteString("\n")
	}

	if len(pending) > 0 {
		heading := "Pending operations"
		if styled {
			heading = titleStyle.Render(heading)
		}
		b.WriteString("\n" + heading + "\n")
		for _, op := range pending {
			b.WriteString(fmt.Sprintf("  %s  %-6s conf=%.2f  %s\n",
				op.ID, op.Type, op.Confidence, op.Rationale))
		}
	}
	return b.String()
}

// RenderBudget formats the budget summary for the terminal.
func RenderBudget(sum budget.Summary, styled bool) string {
	var b strings.Builder

	heading := "Budget"
	if styled {
		heading = titleStyle.Render(heading)
	}
	b.WriteString(heading + "\n")

	remaining := fmt.Sprintf("$%.4f", sum.Remaining)
	if styled {
		if sum.Remaining <= 0 {
			remaining = failStyle.Render(remaining)
		} else {
			remaining = okStyle.Render(remaining)
		}
	}
	b.WriteString(fmt.Sprintf("  cap $%.4f  spent $%.4f  remaining %s\n",
		sum.GlobalCap, sum.Spent, remaining))

	for _, phaseID := range sortedKeys(sum.PhaseCaps) {
		b.WriteString(fmt.Sprintf("  %-12s $%.4f of $%.4f\n",
			phaseID, sum.SpentByPhase[phaseID], sum.PhaseCaps[phaseID]))
	}
	return b.String()
}
