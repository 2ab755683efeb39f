package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/orchestrator"
)

// approvalOrchestrator builds an orchestrator for out-of-run plan
// mutations (approve/reject). No analyzers or documents are needed.
func approvalOrchestrator() (*orchestrator.Orchestrator, *db.DB, error) {
	if err := config.RequireInit(); err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(filepath.Join(config.ForgeDir, config.LedgerFileName))
	if err != nil {
		return nil, nil, err
	}
	o, err := orchestrator.New(cfg, ".", store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return o, store, nil
}

var approveCmd = &cobra.Command{
	Use:   "approve <operation-id>",
	Short: "Apply a pending plan operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, store, err := approvalOrchestrator()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := o.Engine().Approve(args[0]); err != nil {
			return err
		}
		if err := o.SaveState(); err != nil {
			return err
		}
		fmt.Printf("Applied operation %s. Downstream phases are marked for rerun.\n", args[0])
		return nil
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <operation-id>",
	Short: "Reject a pending plan operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(rejectReason) == "" {
			return fmt.Errorf("a rejection reason is required (--reason)")
		}
		o, store, err := approvalOrchestrator()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := o.Engine().Reject(args[0], rejectReason); err != nil {
			return err
		}
		fmt.Printf("Rejected operation %s.\n", args[0])
		return nil
	},
}

func init() {
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the operation is rejected")
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
