package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/plandoc"
	"github.com/randalmurphal/planforge/internal/report"
	"github.com/randalmurphal/planforge/internal/resolve"
	"github.com/randalmurphal/planforge/internal/util"
)

// runIngest loads document content from disk for documents that were
// given as paths only.
func (o *Orchestrator) runIngest(ctx context.Context) error {
	if len(o.documents) == 0 {
		return fmt.Errorf("no documents to process")
	}
	for i := range o.documents {
		if o.documents[i].Content != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(o.documents[i].Path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", o.documents[i].Path, err)
		}
		o.documents[i].Content = string(data)
		if o.documents[i].ID == "" {
			o.documents[i].ID = filepath.Base(o.documents[i].Path)
		}
	}
	o.logger.Info("ingested documents", "count", len(o.documents))
	return nil
}

// runAnalyze fans out one call per document per analyzer, bounded by
// the worker count. Each call individually reserves budget; a single
// failing call fails the phase, but every call that billed anything has
// its cost recorded first.
func (o *Orchestrator) runAnalyze(ctx context.Context) error {
	if len(o.analyzers) == 0 {
		return fmt.Errorf("no analyzers configured")
	}

	sem := semaphore.NewWeighted(o.workers)
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var all []resolve.Candidate

	for _, doc := range o.documents {
		for _, a := range o.analyzers {
			doc, a := doc, a
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				candidates, err := o.analyzeOne(gctx, a, doc)
				if err != nil {
					return err
				}
				mu.Lock()
				all = append(all, candidates...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	o.candidates = all
	o.mu.Unlock()
	o.logger.Info("analysis finished",
		"documents", len(o.documents), "analyzers", len(o.analyzers), "candidates", len(all))
	return nil
}

// runReconcile clusters candidates per document and votes on a
// consensus per cluster. Free of charge, so no budget gate.
func (o *Orchestrator) runReconcile(ctx context.Context) error {
	o.mu.Lock()
	candidates := o.candidates
	o.mu.Unlock()

	byDoc := make(map[string][]resolve.Candidate)
	var docOrder []string
	for _, c := range candidates {
		if _, seen := byDoc[c.Document]; !seen {
			docOrder = append(docOrder, c.Document)
		}
		byDoc[c.Document] = append(byDoc[c.Document], c)
	}

	var clusters []resolve.Cluster
	for _, docID := range docOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		clusters = append(clusters, o.resolver.Resolve(byDoc[docID])...)
	}

	o.mu.Lock()
	o.clusters = clusters
	o.mu.Unlock()
	o.logger.Info("reconciled candidates", "candidates", len(candidates), "clusters", len(clusters))
	return nil
}

// runPlan turns consensus clusters into plan operations and routes them
// through the approval gate. In dry-run mode proposals are logged but
// nothing is applied or queued.
func (o *Orchestrator) runPlan(ctx context.Context) error {
	o.mu.Lock()
	clusters := o.clusters
	o.mu.Unlock()

	applied, queued := 0, 0
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := o.engine.Propose(cluster)
		if op == nil {
			continue
		}
		if o.dryRun {
			o.logger.Info("dry run: would submit operation",
				"type", op.Type, "confidence", op.Confidence, "title", op.Title)
			continue
		}
		state, err := o.engine.Submit(*op)
		if err != nil {
			return err
		}
		if state == plandoc.ApprovalApplied {
			applied++
		} else {
			queued++
		}
	}

	// Consolidate near-duplicate nodes that accumulated across runs.
	if !o.dryRun {
		for _, op := range o.engine.ProposeMerges(plandoc.MergeSynthesizeUnion) {
			state, err := o.engine.Submit(op)
			if err != nil {
				return err
			}
			if state == plandoc.ApprovalApplied {
				applied++
			} else {
				queued++
			}
		}
	}

	o.logger.Info("plan mutation finished", "applied", applied, "pending", queued)
	return nil
}

// workItem is the skeleton written for each consensus-derived plan node.
type workItem struct {
	ID         string  `yaml:"id"`
	Title      string  `yaml:"title"`
	Body       string  `yaml:"body,omitempty"`
	Node       string  `yaml:"node"`
	Provenance string  `yaml:"provenance"`
	Confidence float64 `yaml:"confidence"`
}

// runExpand writes one work-item skeleton per analyzer- or
// merge-derived plan node, the pipeline's final output.
func (o *Orchestrator) runExpand(ctx context.Context) error {
	if o.dryRun {
		o.logger.Info("dry run: skipping work-item expansion")
		return nil
	}

	itemsDir := filepath.Join(o.root, config.ForgeDir, config.ItemsDir)
	if err := os.MkdirAll(itemsDir, 0755); err != nil {
		return fmt.Errorf("create items directory: %w", err)
	}

	written := 0
	for _, n := range o.engine.Document().Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n.Provenance != plandoc.ProvenanceAnalyzer && n.Provenance != plandoc.ProvenanceMerge {
			continue
		}
		item := workItem{
			ID:         "item-" + n.ID,
			Title:      n.Title,
			Body:       n.Body,
			Node:       n.ID,
			Provenance: string(n.Provenance),
			Confidence: n.Confidence,
		}
		data, err := yaml.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshal work item for node %s: %w", n.ID, err)
		}
		path := filepath.Join(itemsDir, item.ID+".yaml")
		if err := util.AtomicWriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write work item: %w", err)
		}
		written++
	}
	o.logger.Info("expanded work items", "count", written)
	return nil
}

// runReport writes the status and budget artifacts.
func (o *Orchestrator) runReport(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	forgeDir := filepath.Join(o.root, config.ForgeDir)

	if err := report.WriteStatus(
		filepath.Join(forgeDir, config.StatusFileName), o.machine.Snapshot()); err != nil {
		return err
	}

	sum := o.governor.Summarize()
	if o.store != nil {
		ledger, err := o.store.LedgerEntries()
		if err != nil {
			return err
		}
		return report.WriteBudget(filepath.Join(forgeDir, config.BudgetFileName), sum, ledger)
	}
	return report.WriteBudget(filepath.Join(forgeDir, config.BudgetFileName), sum, nil)
}
