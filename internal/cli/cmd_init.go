package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/config"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize planforge in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.IsInitialized() && !initForce {
			abs, _ := filepath.Abs(config.ForgeDir)
			return forgeerr.ErrAlreadyInitialized(abs)
		}

		for _, dir := range []string{
			config.ForgeDir,
			filepath.Join(config.ForgeDir, config.BackupsDir),
			filepath.Join(config.ForgeDir, config.ItemsDir),
		} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}

		if err := config.Default().Save(); err != nil {
			return err
		}

		fmt.Printf("Initialized planforge in %s\n", config.ForgeDir)
		fmt.Println("Edit config.yaml to set budget caps and analyzer API keys, then run 'planforge run <documents>'.")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "reinitialize over an existing .planforge directory")
	rootCmd.AddCommand(initCmd)
}
