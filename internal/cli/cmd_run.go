package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/planforge/internal/analyzer"
	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/events"
	"github.com/randalmurphal/planforge/internal/orchestrator"
	"github.com/randalmurphal/planforge/internal/report"
	"github.com/randalmurphal/planforge/internal/resolve"
)

var (
	runDryRun      bool
	runWorkers     int
	runSkipPhases  []string
	runDisableAuto []string
)

var runCmd = &cobra.Command{
	Use:   "run <document>...",
	Short: "Run the full pipeline over the given documents",
	Long: `Runs ingest, analyze, reconcile, plan, expand and report over the
given documents (paths or globs). Paid analyzer calls are gated by the
configured budget; plan mutations above the confidence threshold are
applied automatically, the rest queue for approval.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.RequireInit(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		docs, err := expandDocuments(args)
		if err != nil {
			return err
		}

		skip, err := parseSkipFlags(runSkipPhases)
		if err != nil {
			return err
		}

		store, err := openStore(runDryRun)
		if err != nil {
			return err
		}
		defer store.Close()

		analyzers, err := buildAnalyzers(cfg, docs, runDryRun)
		if err != nil {
			return err
		}

		// Stream pipeline events as live progress lines unless --quiet.
		pub := events.NewMemoryPublisher()
		progressDone := make(chan struct{})
		if quiet {
			close(progressDone)
		} else {
			progressCh := pub.Subscribe(events.GlobalPhaseID)
			go func() {
				defer close(progressDone)
				report.StreamProgress(os.Stderr, progressCh, report.Styled())
			}()
		}

		opts := []orchestrator.Option{
			orchestrator.WithDocuments(docs...),
			orchestrator.WithAnalyzers(analyzers...),
			orchestrator.WithSkip(skip),
			orchestrator.WithDryRun(runDryRun),
			orchestrator.WithPublisher(pub),
			orchestrator.WithLogger(slog.Default()),
		}
		if runWorkers > 0 {
			opts = append(opts, orchestrator.WithWorkers(runWorkers))
		}
		if len(runDisableAuto) > 0 {
			opts = append(opts, orchestrator.WithDisabledAutoApprove(runDisableAuto...))
		}

		o, err := orchestrator.New(cfg, ".", store, opts...)
		if err != nil {
			pub.Close()
			<-progressDone
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runErr := o.Run(ctx)
		pub.Close()
		<-progressDone
		if runErr != nil {
			return runErr
		}

		if pending := o.Pending().Pending(); len(pending) > 0 {
			fmt.Printf("Run complete. %d operation(s) await approval; see 'planforge status'.\n", len(pending))
		} else {
			fmt.Println("Run complete.")
		}
		return nil
	},
}

// expandDocuments resolves paths and globs into the document set.
func expandDocuments(args []string) ([]analyzer.Document, error) {
	var docs []analyzer.Document
	seen := make(map[string]bool)
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad document pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no documents match %q", arg)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			docs = append(docs, analyzer.Document{ID: filepath.Base(m), Path: m})
		}
	}
	return docs, nil
}

// parseSkipFlags parses --skip-phase values of the form "phase" or
// "phase=reason".
func parseSkipFlags(flags []string) (map[string]string, error) {
	skip := make(map[string]string)
	for _, f := range flags {
		id, reason, _ := strings.Cut(f, "=")
		if id == "" {
			return nil, fmt.Errorf("empty phase in --skip-phase %q", f)
		}
		skip[id] = reason
	}
	return skip, nil
}

// openStore opens the project ledger database. Dry runs use an
// in-memory database so nothing is persisted.
func openStore(dryRun bool) (*db.DB, error) {
	if dryRun {
		return db.OpenInMemory()
	}
	return db.Open(filepath.Join(config.ForgeDir, config.LedgerFileName))
}

// buildAnalyzers constructs the configured analyzers. Dry runs swap in
// scripted stand-ins that produce deterministic placeholder output so
// the full graph runs without paid calls.
func buildAnalyzers(cfg *config.Config, docs []analyzer.Document, dryRun bool) ([]analyzer.Analyzer, error) {
	var analyzers []analyzer.Analyzer
	for _, ac := range cfg.Analyzers {
		if dryRun {
			stub := analyzer.NewScriptedAnalyzer(ac.Name, ac.Weight, 0)
			for _, d := range docs {
				stub.Script(d.ID, resolve.Candidate{
					Title: fmt.Sprintf("Placeholder recommendation for %s", d.ID),
					Body:  "Produced by the dry-run stand-in analyzer.",
				})
			}
			analyzers = append(analyzers, stub)
			continue
		}
		a, err := analyzer.NewOpenAIAnalyzer(ac, slog.Default())
		if err != nil {
			return nil, err
		}
		analyzers = append(analyzers, a)
	}
	return analyzers, nil
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "run the full phase graph without spending or mutating")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "max concurrent phases (default from config)")
	runCmd.Flags().StringArrayVar(&runSkipPhases, "skip-phase", nil, "skip a phase, optionally with a reason: phase[=reason] (repeatable)")
	runCmd.Flags().StringArrayVar(&runDisableAuto, "disable-auto", nil, "disable auto-approval for an operation type (repeatable)")
	rootCmd.AddCommand(runCmd)
}
