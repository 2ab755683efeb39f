package plandoc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/planforge/internal/backup"
	"github.com/randalmurphal/planforge/internal/config"
	"github.com/randalmurphal/planforge/internal/db"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/events"
	"github.com/randalmurphal/planforge/internal/resolve"
)

// Engine proposes and applies plan operations. Application is
// serialized under one mutex: Merge, Delete and Modify read-then-write
// the document, so only one operation mutates it at a time.
type Engine struct {
	mu sync.Mutex

	doc      *Document
	planPath string // relative to project root, for backups
	root     string // project root

	cfg       config.MutationConfig
	autoTypes map[OpType]bool

	store     *db.DB
	backups   *backup.Store
	pending   *PendingStore
	publisher events.Publisher
	logger    *slog.Logger

	// onApplied runs after any operation mutates the document; the
	// orchestrator wires it to the downstream-rerun cascade.
	onApplied func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEnginePublisher sets the event publisher.
func WithEnginePublisher(p events.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithOnApplied sets the post-apply hook.
func WithOnApplied(fn func()) EngineOption {
	return func(e *Engine) { e.onApplied = fn }
}

// NewEngine creates a mutation engine over the given document. root is
// the project root; planPath is the plan file path relative to it.
func NewEngine(doc *Document, root, planPath string, cfg config.MutationConfig,
	store *db.DB, backups *backup.Store, pending *PendingStore, opts ...EngineOption) *Engine {

	e := &Engine{
		doc:       doc,
		root:      root,
		planPath:  planPath,
		cfg:       cfg,
		autoTypes: make(map[OpType]bool),
		store:     store,
		backups:   backups,
		pending:   pending,
		publisher: events.NewNopPublisher(),
		logger:    slog.Default(),
	}
	for _, t := range cfg.AutoApproveTypes {
		e.autoTypes[OpType(t)] = true
	}
	// Deletion is never auto-approved, whatever the config says.
	delete(e.autoTypes, OpDelete)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Document returns the engine's document for read-only use.
func (e *Engine) Document() *Document {
	return e.doc
}

// similarityToNode measures how close a cluster is to an existing node
// using the reconciliation token metric over titles. Titles identify
// the idea; bodies carry detail and are judged by the content delta, so
// a richer body on the same idea still matches its node.
func similarityToNode(c resolve.Cluster, n Node) float64 {
	return resolve.Similarity(
		resolve.Candidate{Title: c.Title},
		resolve.Candidate{Title: n.Title},
	)
}

// Propose turns a consensus cluster into exactly one operation, or nil
// when the cluster adds nothing over the current document.
func (e *Engine) Propose(cluster resolve.Cluster) *Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	bestID := ""
	bestSim := 0.0
	var bestNode Node
	e.doc.Walk(func(n Node) {
		if sim := similarityToNode(cluster, n); sim > bestSim {
			bestSim = sim
			bestID = n.ID
			bestNode = n
		}
	})

	now := time.Now()
	if bestSim < e.cfg.DuplicateThreshold {
		return &Operation{
			ID:         uuid.NewString(),
			Type:       OpAdd,
			Title:      cluster.Title,
			Body:       cluster.Body,
			Confidence: cluster.Confidence,
			Rationale:  fmt.Sprintf("no existing node above similarity %.2f", e.cfg.DuplicateThreshold),
			CreatedAt:  now,
		}
	}

	// A near-duplicate of a stale, lower-confidence node is a Delete
	// candidate when deletion is enabled.
	if e.cfg.AllowDelete &&
		cluster.Confidence > bestNode.Confidence &&
		bestNode.Confidence < e.cfg.StalenessFloor {
		return &Operation{
			ID:         uuid.NewString(),
			Type:       OpDelete,
			Targets:    []string{bestID},
			Confidence: cluster.Confidence,
			Rationale: fmt.Sprintf("node %s (confidence %.2f) superseded by higher-confidence consensus",
				bestID, bestNode.Confidence),
			CreatedAt: now,
		}
	}

	delta := len(cluster.Title) + len(cluster.Body) - len(bestNode.Title) - len(bestNode.Body)
	if delta >= e.cfg.MinContentDelta {
		return &Operation{
			ID:         uuid.NewString(),
			Type:       OpModify,
			Targets:    []string{bestID},
			Title:      cluster.Title,
			Body:       cluster.Body,
			Confidence: cluster.Confidence,
			Rationale:  fmt.Sprintf("matches node %s (similarity %.2f) with %d chars of new content", bestID, bestSim, delta),
			CreatedAt:  now,
		}
	}

	e.logger.Debug("cluster is a duplicate with no material delta",
		"node", bestID, "similarity", bestSim)
	return nil
}

// ProposeMerges scans the document for mutually near-duplicate node
// pairs and proposes one Merge per pair.
func (e *Engine) ProposeMerges(strategy MergeStrategy) []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes := e.doc.Nodes()
	var ops []Operation
	merged := make(map[string]bool)
	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if merged[nodes[i].ID] || merged[nodes[j].ID] {
				continue
			}
			a := resolve.Candidate{Title: nodes[i].Title, Body: nodes[i].Body}
			b := resolve.Candidate{Title: nodes[j].Title, Body: nodes[j].Body}
			sim := resolve.Similarity(a, b)
			if sim < e.cfg.DuplicateThreshold {
				continue
			}
			conf := (nodes[i].Confidence + nodes[j].Confidence) / 2
			if conf == 0 {
				conf = sim
			}
			ops = append(ops, Operation{
				ID:         uuid.NewString(),
				Type:       OpMerge,
				Targets:    []string{nodes[i].ID, nodes[j].ID},
				Strategy:   strategy,
				Confidence: conf,
				Rationale:  fmt.Sprintf("nodes %s and %s are near-duplicates (similarity %.2f)", nodes[i].ID, nodes[j].ID, sim),
				CreatedAt:  time.Now(),
			})
			merged[nodes[i].ID] = true
			merged[nodes[j].ID] = true
		}
	}
	return ops
}

// Submit routes an operation through the approval gate: apply
// immediately when confidence clears the threshold and the type is
// auto-approvable, queue it as pending otherwise. Returns the
// operation's final state.
func (e *Engine) Submit(op Operation) (ApprovalState, error) {
	if op.Confidence >= e.cfg.AutoApproveThreshold && e.autoTypes[op.Type] {
		op.Approval = ApprovalAuto
		if err := e.Apply(op); err != nil {
			return op.Approval, err
		}
		return ApprovalApplied, nil
	}

	if err := e.pending.Add(op); err != nil {
		return "", err
	}
	e.publisher.Publish(events.Event{
		Type:    events.EventOperationPending,
		PhaseID: "plan",
		Data: events.OperationData{
			OperationID: op.ID,
			OpType:      string(op.Type),
			Confidence:  op.Confidence,
			Approval:    string(ApprovalPending),
		},
		Time: time.Now(),
	})
	e.logger.Info("operation queued for approval",
		"op", op.ID, "type", op.Type, "confidence", op.Confidence)
	return ApprovalPending, nil
}

// Approve applies a pending operation.
func (e *Engine) Approve(id string) error {
	op, err := e.pending.Get(id)
	if err != nil {
		return err
	}
	if op.Approval != ApprovalPending {
		return forgeerr.ErrOpBadState(id, string(op.Approval))
	}
	if err := e.Apply(op); err != nil {
		return err
	}
	_, err = e.pending.Resolve(id, ApprovalApplied, "")
	return err
}

// Reject marks a pending operation rejected. It never touches the
// document.
func (e *Engine) Reject(id, reason string) error {
	_, err := e.pending.Resolve(id, ApprovalRejected, reason)
	return err
}

// Apply mutates the document with one operation: backup first, then
// mutate, persist atomically, journal the idempotence key, and fire the
// post-apply hook. Re-applying an already journaled operation is a
// no-op, and a crash between the save and the journal append is
// reconciled on retry by detecting that the document already reflects
// the operation.
func (e *Engine) Apply(op Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if op.Approval == ApprovalRejected {
		return forgeerr.ErrOpBadState(op.ID, string(op.Approval))
	}

	key := op.Key()
	if e.store != nil {
		applied, err := e.store.IsApplied(key)
		if err != nil {
			return err
		}
		if applied {
			e.logger.Info("operation already applied, skipping", "op", op.ID, "type", op.Type)
			return nil
		}
	}

	// The plan save and the journal append are separate writes. A crash
	// between them leaves the document mutated with no journal row, so a
	// retry would re-mutate (or fail on a now-missing target). Complete
	// the bookkeeping instead.
	if e.alreadyReflected(op) {
		e.logger.Info("document already reflects operation, completing journal",
			"op", op.ID, "type", op.Type)
		if e.store != nil {
			if _, err := e.store.MarkApplied(key, op.ID, string(op.Type)); err != nil {
				return err
			}
		}
		if e.onApplied != nil {
			e.onApplied()
		}
		return nil
	}

	// Back up the current plan file before touching it. Nothing to
	// snapshot on the very first mutation.
	if e.backups != nil {
		if _, err := os.Stat(filepath.Join(e.root, e.planPath)); err == nil {
			if _, err := e.backups.Snapshot("plan", []string{e.planPath}); err != nil {
				return err
			}
		}
	}

	if err := e.mutate(op); err != nil {
		return err
	}
	if err := e.doc.Save(filepath.Join(e.root, e.planPath)); err != nil {
		return err
	}
	if e.store != nil {
		if _, err := e.store.MarkApplied(key, op.ID, string(op.Type)); err != nil {
			return err
		}
	}

	e.publisher.Publish(events.Event{
		Type:    events.EventOperationApplied,
		PhaseID: "plan",
		Data: events.OperationData{
			OperationID: op.ID,
			OpType:      string(op.Type),
			Confidence:  op.Confidence,
			Approval:    string(op.Approval),
		},
		Time: time.Now(),
	})
	e.logger.Info("applied operation", "op", op.ID, "type", op.Type, "confidence", op.Confidence)

	if e.onApplied != nil {
		e.onApplied()
	}
	return nil
}

// alreadyReflected reports whether the document state already shows the
// operation's outcome. Used only when the journal has no row for the
// operation, so a hit means an earlier apply crashed after saving.
func (e *Engine) alreadyReflected(op Operation) bool {
	switch op.Type {
	case OpAdd:
		found := false
		e.doc.Walk(func(n Node) {
			if n.Title == op.Title && n.Body == op.Body {
				found = true
			}
		})
		return found

	case OpModify:
		if len(op.Targets) != 1 {
			return false
		}
		n, err := e.doc.Get(op.Targets[0])
		return err == nil && n.Title == op.Title && n.Body == op.Body

	case OpDelete:
		if len(op.Targets) != 1 {
			return false
		}
		_, err := e.doc.Get(op.Targets[0])
		return err != nil

	case OpMerge:
		if len(op.Targets) != 2 {
			return false
		}
		a := e.doc.ResolveLineage(op.Targets[0])
		b := e.doc.ResolveLineage(op.Targets[1])
		return a == b && (a != op.Targets[0] || b != op.Targets[1])

	default:
		return false
	}
}

func (e *Engine) mutate(op Operation) error {
	switch op.Type {
	case OpAdd:
		return e.doc.AddNode(Node{
			ID:         uuid.NewString(),
			Title:      op.Title,
			Body:       op.Body,
			Parent:     op.Parent,
			Provenance: ProvenanceAnalyzer,
			Confidence: op.Confidence,
		})

	case OpModify:
		if len(op.Targets) != 1 {
			return fmt.Errorf("modify: want exactly one target, got %d", len(op.Targets))
		}
		return e.doc.ModifyNode(op.Targets[0], op.Title, op.Body, op.Confidence)

	case OpDelete:
		if len(op.Targets) != 1 {
			return fmt.Errorf("delete: want exactly one target, got %d", len(op.Targets))
		}
		return e.doc.RemoveNode(op.Targets[0])

	case OpMerge:
		if len(op.Targets) != 2 {
			return fmt.Errorf("merge: want exactly two targets, got %d", len(op.Targets))
		}
		survivor, removed, err := e.pickSurvivor(op)
		if err != nil {
			return err
		}
		return e.doc.MergeNodes(survivor, removed, op.Strategy == MergeSynthesizeUnion)

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func (e *Engine) pickSurvivor(op Operation) (survivor, removed string, err error) {
	first, second := op.Targets[0], op.Targets[1]
	switch op.Strategy {
	case MergeKeepSecond:
		return second, first, nil
	case MergeKeepNewer:
		a, err := e.doc.Get(first)
		if err != nil {
			return "", "", err
		}
		b, err := e.doc.Get(second)
		if err != nil {
			return "", "", err
		}
		if b.UpdatedAt.After(a.UpdatedAt) {
			return second, first, nil
		}
		return first, second, nil
	default: // keep_first and synthesize_union keep the first target
		return first, second, nil
	}
}
