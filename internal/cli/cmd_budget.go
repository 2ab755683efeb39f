package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/report"
)

var budgetJSON bool

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spend, remaining budget and the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, store, err := approvalOrchestrator()
		if err != nil {
			return err
		}
		defer store.Close()

		sum := o.Governor().Summarize()
		entries, err := store.LedgerEntries()
		if err != nil {
			return err
		}

		if budgetJSON {
			out := struct {
				GlobalCap float64            `json:"global_cap"`
				Spent     float64            `json:"spent"`
				Remaining float64            `json:"remaining"`
				ByPhase   map[string]float64 `json:"spent_by_phase,omitempty"`
				Entries   int                `json:"ledger_entries"`
			}{sum.GlobalCap, sum.Spent, sum.Remaining, sum.SpentByPhase, len(entries)}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Print(report.RenderBudget(sum, report.Styled()))
		fmt.Printf("  %d ledger entr(ies); full ledger in %s\n", len(entries), ".planforge/budget.md")
		return nil
	},
}

func init() {
	budgetCmd.Flags().BoolVar(&budgetJSON, "json", false, "emit machine-readable JSON")
	rootCmd.AddCommand(budgetCmd)
}
