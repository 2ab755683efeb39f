package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/backup"
	"github.com/randalmurphal/planforge/internal/config"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Inspect, restore and prune state backups",
}

func backupStore() (*backup.Store, error) {
	if err := config.RequireInit(); err != nil {
		return nil, err
	}
	return backup.NewStore(".", filepath.Join(config.ForgeDir, config.BackupsDir)), nil
}

var backupsPhase string

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := backupStore()
		if err != nil {
			return err
		}
		backups, err := s.List(backupsPhase)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  phase=%s  %d bytes  %s\n",
				b.ID, b.PhaseID, b.ByteSize, b.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore files from a backup",
	Long: `Replaces the backed-up files with the snapshot. The current state is
snapshotted first, so a restore can itself be undone.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := backupStore()
		if err != nil {
			return err
		}
		preID, err := s.Restore(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s.\n", args[0])
		if preID != "" {
			fmt.Printf("Pre-restore state saved as %s.\n", preID)
		}
		return nil
	},
}

var pruneOlderThan time.Duration

var backupsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove backups past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := backupStore()
		if err != nil {
			return err
		}
		retention := pruneOlderThan
		if retention == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			retention = cfg.Backups.Retention
		}
		removed, err := s.Prune(time.Now().Add(-retention))
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d backup(s) older than %s.\n", removed, retention)
		return nil
	},
}

func init() {
	backupsListCmd.Flags().StringVar(&backupsPhase, "phase", "", "only list backups for one phase")
	backupsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "override the configured retention window")
	backupsCmd.AddCommand(backupsListCmd, backupsRestoreCmd, backupsPruneCmd)
	rootCmd.AddCommand(backupsCmd)
}
