// Package cli implements the planforge command surface.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/planforge/internal/config"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/orchestrator"
)

var (
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "planforge",
	Short: "Budget-gated document analysis and plan mutation pipeline",
	Long: `planforge analyzes source documents with multiple paid analyzers,
reconciles their recommendations into a weighted consensus, and applies
confidence-gated mutations to a living plan document. Every paid call is
gated by a hard budget; every mutation is backed up and reversible.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		if quiet {
			level = slog.LevelWarn
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")

	viper.SetEnvPrefix("PLANFORGE")
	viper.AutomaticEnv()
}

// loadConfig reads the project configuration with environment
// overrides applied (PLANFORGE_WORKERS, PLANFORGE_BUDGET_CAP).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v := viper.GetInt("workers"); v > 0 {
		cfg.Workers = v
	}
	if v := viper.GetFloat64("budget_cap"); v > 0 {
		cfg.Budget.GlobalCap = v
	}
	return cfg, cfg.Validate()
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var failed *orchestrator.FailedPhase
		if errors.As(err, &failed) {
			fmt.Fprintf(os.Stderr, "Error: phase %s failed\n\n%v\n", failed.PhaseID, failed.Err)
			return 1
		}
		if fe := forgeerr.AsForgeError(err); fe != nil {
			fmt.Fprintln(os.Stderr, fe.UserMessage())
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
