// Package orchestrator wires the pipeline together: it runs phases in
// dependency order under a bounded worker pool, gating every paid
// operation through the budget governor, snapshotting state before
// mutation, and retrying transient failures.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/planforge/internal/analyzer"
	"github.com/randalmurphal/planforge/internal/backup"
	"github.com/randalmurphal/planforge/internal/budget"
	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/db"
	"github.com/randalmurphal/planforge/internal/events"
	"github.com/randalmurphal/planforge/internal/phase"
	"github.com/randalmurphal/planforge/internal/plandoc"
	"github.com/randalmurphal/planforge/internal/recovery"
	"github.com/randalmurphal/planforge/internal/report"
	"github.com/randalmurphal/planforge/internal/resolve"
)

// Pipeline phase identifiers.
const (
	PhaseIngest    = "ingest"
	PhaseAnalyze   = "analyze"
	PhaseReconcile = "reconcile"
	PhasePlan      = "plan"
	PhaseExpand    = "expand"
	PhaseReport    = "report"
)

// Orchestrator runs the full pipeline.
type Orchestrator struct {
	cfg  *config.Config
	root string

	machine   *phase.Machine
	governor  *budget.Governor
	backups   *backup.Store
	policy    *recovery.Policy
	resolver  *resolve.Resolver
	engine    *plandoc.Engine
	pending   *plandoc.PendingStore
	store     *db.DB
	analyzers []analyzer.Analyzer
	publisher events.Publisher
	logger    *slog.Logger

	documents []analyzer.Document
	skip      map[string]string // phase id -> skip reason
	workers   int64
	dryRun    bool

	mu         sync.Mutex
	candidates []resolve.Candidate
	clusters   []resolve.Cluster
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAnalyzers sets the document analyzers to consult.
func WithAnalyzers(analyzers ...analyzer.Analyzer) Option {
	return func(o *Orchestrator) { o.analyzers = analyzers }
}

// WithDocuments sets the documents to process.
func WithDocuments(docs ...analyzer.Document) Option {
	return func(o *Orchestrator) { o.documents = docs }
}

// WithPolicy overrides the recovery policy (tests inject one with a
// fake sleeper).
func WithPolicy(p *recovery.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithWorkers bounds concurrent phase execution.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = int64(n)
		}
	}
}

// WithSkip marks phases to skip, with their reasons.
func WithSkip(skip map[string]string) Option {
	return func(o *Orchestrator) {
		for k, v := range skip {
			o.skip[k] = v
		}
	}
}

// WithDryRun runs the full graph without recording spend or applying
// mutations.
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) { o.dryRun = dryRun }
}

// WithDisabledAutoApprove removes operation types from the
// auto-approval set for this run.
func WithDisabledAutoApprove(types ...string) Option {
	return func(o *Orchestrator) {
		for _, t := range types {
			kept := o.cfg.Mutation.AutoApproveTypes[:0]
			for _, existing := range o.cfg.Mutation.AutoApproveTypes {
				if existing != t {
					kept = append(kept, existing)
				}
			}
			o.cfg.Mutation.AutoApproveTypes = kept
		}
	}
}

// New builds an orchestrator rooted at the given project directory.
// store may be nil only in dry runs.
func New(cfg *config.Config, root string, store *db.DB, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		root:      root,
		store:     store,
		publisher: events.NewNopPublisher(),
		logger:    slog.Default(),
		workers:   int64(cfg.Workers),
		skip:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}

	forgeDir := filepath.Join(root, config.ForgeDir)

	o.backups = backup.NewStore(root, filepath.Join(forgeDir, config.BackupsDir),
		backup.WithStorePublisher(o.publisher), backup.WithStoreLogger(o.logger))

	o.governor = budget.NewGovernor(cfg.Budget.GlobalCap,
		budget.WithPhaseCaps(cfg.Budget.PhaseCaps),
		budget.WithEstimatePerDocument(cfg.Budget.EstimatePerDocument),
		budget.WithStore(store),
		budget.WithGovernorPublisher(o.publisher),
		budget.WithGovernorLogger(o.logger),
		budget.WithDryRun(o.dryRun),
	)
	if store != nil {
		if err := o.governor.LoadSpent(); err != nil {
			return nil, err
		}
	}

	if o.policy == nil {
		o.policy = recovery.NewPolicy(
			recovery.WithRateLimitSchedule(recovery.Schedule{
				MaxAttempts: cfg.Retry.RateLimitRetries,
				Backoff:     cfg.Retry.RateLimitBackoff,
				Factor:      cfg.Retry.BackoffFactor,
				MaxBackoff:  cfg.Retry.MaxBackoff,
			}),
			recovery.WithTransientSchedule(recovery.Schedule{
				MaxAttempts: cfg.Retry.TransientRetries,
				Backoff:     cfg.Retry.TransientBackoff,
				Factor:      cfg.Retry.BackoffFactor,
				MaxBackoff:  cfg.Retry.MaxBackoff,
			}),
			recovery.WithPolicyLogger(o.logger),
		)
	}

	o.resolver = resolve.NewResolver(cfg.Resolver.SimilarityThreshold,
		resolve.WithSynthesis(cfg.Resolver.Synthesize),
		resolve.WithResolverLogger(o.logger),
	)

	pending, err := plandoc.NewPendingStore(filepath.Join(forgeDir, config.PendingFileName))
	if err != nil {
		return nil, err
	}
	o.pending = pending

	planRel := filepath.Join(config.ForgeDir, config.PlanFileName)
	doc, err := plandoc.LoadDocument(filepath.Join(root, planRel))
	if err != nil {
		return nil, err
	}

	o.machine = phase.NewMachine(
		phase.WithPublisher(o.publisher),
		phase.WithTransitionHook(func(views []phase.View) {
			path := filepath.Join(forgeDir, config.StatusFileName)
			if err := report.WriteStatus(path, views); err != nil {
				o.logger.Warn("failed to write status artifact", "error", err)
			}
		}),
	)

	if err := o.registerPhases(); err != nil {
		return nil, err
	}
	if !o.dryRun {
		if err := o.machine.Restore(filepath.Join(forgeDir, config.PhasesFileName)); err != nil {
			return nil, err
		}
		if retried := o.machine.RetryFailed(); len(retried) > 0 {
			o.logger.Info("retrying previously failed phases", "phases", retried)
		}
		if len(o.documents) > 0 {
			// A supplied document set is fresh input: the pipeline reruns
			// from ingest even after a fully completed prior run.
			if err := o.machine.MarkNeedsRerun(PhaseIngest); err != nil {
				return nil, err
			}
			if err := o.machine.Cascade(PhaseIngest); err != nil {
				return nil, err
			}
		}
	}

	o.engine = plandoc.NewEngine(doc, root, planRel, cfg.Mutation,
		store, o.backups, pending,
		plandoc.WithEnginePublisher(o.publisher),
		plandoc.WithEngineLogger(o.logger),
		plandoc.WithOnApplied(func() {
			// The plan document changed; everything consuming it is stale.
			if err := o.machine.Cascade(PhasePlan); err != nil {
				o.logger.Warn("cascade after plan mutation failed", "error", err)
			}
		}),
	)

	return o, nil
}

// Engine exposes the mutation engine for the approval commands.
func (o *Orchestrator) Engine() *plandoc.Engine { return o.engine }

// SaveState persists the phase machine, so approvals made outside a run
// (which cascade NeedsRerun downstream) survive to the next run.
func (o *Orchestrator) SaveState() error {
	return o.machine.Save(filepath.Join(o.root, config.ForgeDir, config.PhasesFileName))
}

// Pending exposes the pending-operation store.
func (o *Orchestrator) Pending() *plandoc.PendingStore { return o.pending }

// Machine exposes the phase state machine for status commands.
func (o *Orchestrator) Machine() *phase.Machine { return o.machine }

// Governor exposes the budget governor for reporting.
func (o *Orchestrator) Governor() *budget.Governor { return o.governor }

// Backups exposes the backup store.
func (o *Orchestrator) Backups() *backup.Store { return o.backups }

// PhaseDef describes one phase of the static pipeline graph.
type PhaseDef struct {
	ID            string
	Name          string
	Prerequisites []string
}

// Phases returns the static pipeline graph in registration order.
func Phases() []PhaseDef {
	return []PhaseDef{
		{PhaseIngest, "Ingest documents", nil},
		{PhaseAnalyze, "Analyze documents", []string{PhaseIngest}},
		{PhaseReconcile, "Reconcile candidates", []string{PhaseAnalyze}},
		{PhasePlan, "Mutate plan", []string{PhaseReconcile}},
		{PhaseExpand, "Expand work items", []string{PhasePlan}},
		{PhaseReport, "Write reports", []string{PhasePlan}},
	}
}

func (o *Orchestrator) registerPhases() error {
	for _, d := range Phases() {
		if err := o.machine.Register(d.ID, d.Name, d.Prerequisites); err != nil {
			return err
		}
	}
	return nil
}

// FailedPhase names the phase behind a run failure, for exit handling.
type FailedPhase struct {
	PhaseID string
	Err     error
}

func (e *FailedPhase) Error() string {
	return fmt.Sprintf("phase %s failed: %v", e.PhaseID, e.Err)
}

func (e *FailedPhase) Unwrap() error { return e.Err }

// Run executes the pipeline to completion. Phases whose prerequisites
// are satisfied run concurrently up to the worker bound; a failing
// phase halts only its dependent subgraph. Returns a FailedPhase error
// naming the first failure, or nil when every phase completed or was
// skipped.
func (o *Orchestrator) Run(ctx context.Context) error {
	for id, reason := range o.skip {
		if reason == "" {
			reason = "disabled by flag"
		}
		if err := o.machine.Skip(id, reason); err != nil {
			return err
		}
	}

	sem := semaphore.NewWeighted(o.workers)
	var firstFailure *FailedPhase
	var failMu sync.Mutex

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		runnable := o.machine.Runnable()
		if len(runnable) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range runnable {
			id := id
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				if err := o.runPhase(gctx, id); err != nil {
					failMu.Lock()
					if firstFailure == nil {
						firstFailure = &FailedPhase{PhaseID: id, Err: err}
					}
					failMu.Unlock()
				}
				// Phase failures don't abort the group: independent
				// phases keep running; dependents are blocked by the
				// state machine.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if !o.dryRun {
		path := filepath.Join(o.root, config.ForgeDir, config.PhasesFileName)
		if err := o.machine.Save(path); err != nil {
			o.logger.Warn("failed to persist phase state", "error", err)
		}
	}

	if firstFailure != nil {
		return firstFailure
	}
	return nil
}

// runPhase drives one phase through start, snapshot, body and the final
// transition.
func (o *Orchestrator) runPhase(ctx context.Context, id string) error {
	if err := o.machine.Start(id); err != nil {
		return err
	}
	o.logger.Info("phase started", "phase", id, "dry_run", o.dryRun)

	var backupID string
	if paths := o.mutatedPaths(id); len(paths) > 0 && !o.dryRun {
		var err error
		backupID, err = o.backups.Snapshot(id, paths)
		if err != nil {
			failErr := o.machine.Fail(id, err)
			if failErr != nil {
				o.logger.Warn("fail transition rejected", "phase", id, "error", failErr)
			}
			return err
		}
	}

	if err := o.phaseBody(id)(ctx); err != nil {
		if failErr := o.machine.Fail(id, err); failErr != nil {
			o.logger.Warn("fail transition rejected", "phase", id, "error", failErr)
		}
		o.restoreAfterFailure(id, backupID, err)
		return err
	}

	if err := o.machine.Complete(id); err != nil {
		return err
	}
	o.logger.Info("phase completed", "phase", id)
	return nil
}

// restoreAfterFailure rolls the phase's mutated state back to the
// snapshot taken before it ran.
func (o *Orchestrator) restoreAfterFailure(id, backupID string, cause error) {
	if backupID == "" {
		return
	}
	if _, err := o.backups.Restore(backupID); err != nil {
		o.logger.Error("automatic rollback failed",
			"phase", id, "backup", backupID, "error", err)
		return
	}
	o.logger.Warn("rolled back after phase failure",
		"phase", id, "backup", backupID, "cause", cause)
}

// mutatedPaths lists the persisted files a phase rewrites, relative to
// the project root. Only these phases snapshot before running.
func (o *Orchestrator) mutatedPaths(id string) []string {
	switch id {
	case PhasePlan:
		planPath := filepath.Join(config.ForgeDir, config.PlanFileName)
		if _, err := os.Stat(filepath.Join(o.root, planPath)); err != nil {
			return nil
		}
		return []string{planPath}
	default:
		return nil
	}
}

func (o *Orchestrator) phaseBody(id string) func(context.Context) error {
	switch id {
	case PhaseIngest:
		return o.runIngest
	case PhaseAnalyze:
		return o.runAnalyze
	case PhaseReconcile:
		return o.runReconcile
	case PhasePlan:
		return o.runPlan
	case PhaseExpand:
		return o.runExpand
	case PhaseReport:
		return o.runReport
	default:
		return func(context.Context) error {
			return fmt.Errorf("no body for phase %s", id)
		}
	}
}

// estimatePerCall is the reservation amount for one analyzer call.
func (o *Orchestrator) estimatePerCall() float64 {
	return o.cfg.Budget.EstimatePerDocument
}

// analyzeOne runs one analyzer against one document: reserve, call
// under the recovery policy, settle the reservation with the actual
// cost. Cancellation before the reservation has no side effects; once
// the paid call starts, even a failed run records its partial cost.
func (o *Orchestrator) analyzeOne(ctx context.Context, a analyzer.Analyzer, doc analyzer.Document) ([]resolve.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := o.governor.Reserve(PhaseAnalyze, o.estimatePerCall())
	if err != nil {
		return nil, err
	}

	label := fmt.Sprintf("analyze %s with %s", doc.ID, a.Name())
	var result analyzer.Result
	attempts, callErr := o.policy.Do(ctx, label, func(ctx context.Context) error {
		var aerr error
		result, aerr = a.Analyze(ctx, doc, o.governor.Remaining(PhaseAnalyze))
		return aerr
	})

	if result.Cost == 0 && callErr != nil {
		// Nothing was billed; drop the hold instead of recording zero.
		res.Release()
		return nil, fmt.Errorf("%s: %w", label, callErr)
	}
	if recErr := res.Record(label, result.Cost); recErr != nil {
		o.logger.Warn("failed to record spend", "operation", label, "error", recErr)
	}
	if callErr != nil {
		return nil, fmt.Errorf("%s (attempts=%d): %w", label, attempts, callErr)
	}

	o.logger.Debug("analyzer call finished",
		"analyzer", a.Name(), "document", doc.ID,
		"attempts", attempts, "cost", result.Cost, "candidates", len(result.Candidates))
	return result.Candidates, nil
}
