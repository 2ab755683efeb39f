package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/orchestrator"
	"github.com/randalmurphal/planforge/internal/phase"
	"github.com/randalmurphal/planforge/internal/plandoc"
	"github.com/randalmurphal/planforge/internal/report"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show phase states and pending operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RequireInit(); err != nil {
			return err
		}

		views, err := loadPhaseViews()
		if err != nil {
			return err
		}
		pendingStore, err := plandoc.NewPendingStore(
			filepath.Join(config.ForgeDir, config.PendingFileName))
		if err != nil {
			return err
		}
		pending := pendingStore.Pending()

		if statusJSON {
			out := struct {
				Phases  []phase.View        `json:"phases"`
				Pending []plandoc.Operation `json:"pending_operations,omitempty"`
			}{Phases: views, Pending: pending}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Print(report.RenderStatus(views, pending, report.Styled()))
		return nil
	},
}

// loadPhaseViews rebuilds the phase graph and restores persisted state,
// the same way a run starts.
func loadPhaseViews() ([]phase.View, error) {
	m := phase.NewMachine()
	for _, d := range orchestrator.Phases() {
		if err := m.Register(d.ID, d.Name, d.Prerequisites); err != nil {
			return nil, err
		}
	}
	if err := m.Restore(filepath.Join(config.ForgeDir, config.PhasesFileName)); err != nil {
		return nil, err
	}
	return m.Snapshot(), nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
