// Package budget provides the cost governor for planforge.
//
// Every billable operation must pass through Reserve before it runs and
// Record after it finishes. Reserve is a hard gate: a rejected
// reservation means the work must not execute.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/planforge/internal/db"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/events"
)

// GlobalScope is the scope key for the global cap.
const GlobalScope = "global"

// Governor tracks spend against a global cap and per-phase sub-caps.
// All counter access is serialized under one mutex; the critical
// sections are short and never span a paid call.
type Governor struct {
	mu sync.Mutex

	globalCap float64
	phaseCaps map[string]float64

	estimatePerDocument float64

	spent         float64
	spentByPhase  map[string]float64
	reserved      float64
	reservedPhase map[string]float64

	store     *db.DB
	publisher events.Publisher
	logger    *slog.Logger
	dryRun    bool
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithPhaseCaps sets per-phase sub-caps.
func WithPhaseCaps(caps map[string]float64) GovernorOption {
	return func(g *Governor) {
		for k, v := range caps {
			g.phaseCaps[k] = v
		}
	}
}

// WithEstimatePerDocument sets the per-document cost estimate.
func WithEstimatePerDocument(amount float64) GovernorOption {
	return func(g *Governor) { g.estimatePerDocument = amount }
}

// WithStore sets the ledger database. Without a store the governor
// keeps counters in memory only (used by dry runs and tests).
func WithStore(store *db.DB) GovernorOption {
	return func(g *Governor) { g.store = store }
}

// WithGovernorPublisher sets the event publisher.
func WithGovernorPublisher(p events.Publisher) GovernorOption {
	return func(g *Governor) { g.publisher = p }
}

// WithGovernorLogger sets the logger.
func WithGovernorLogger(l *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = l }
}

// WithDryRun disables ledger writes while keeping the gate checks, so a
// dry run exercises the full phase graph without recording spend.
func WithDryRun(dryRun bool) GovernorOption {
	return func(g *Governor) { g.dryRun = dryRun }
}

// NewGovernor creates a cost governor with the given global cap.
func NewGovernor(globalCap float64, opts ...GovernorOption) *Governor {
	g := &Governor{
		globalCap:     globalCap,
		phaseCaps:     make(map[string]float64),
		spentByPhase:  make(map[string]float64),
		reservedPhase: make(map[string]float64),
		publisher:     events.NewNopPublisher(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LoadSpent primes the governor's counters from the ledger, so a
// resumed run keeps honoring the cap across process restarts.
func (g *Governor) LoadSpent() error {
	if g.store == nil {
		return nil
	}
	entries, err := g.store.LedgerEntries()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.spent = 0
	g.spentByPhase = make(map[string]float64)
	for _, e := range entries {
		g.spent += e.Amount
		g.spentByPhase[e.PhaseID] += e.Amount
	}
	return nil
}

// Estimate returns the pre-flight cost estimate for analyzing the given
// number of documents with the given number of analyzers.
func (g *Governor) Estimate(documents, analyzers int) float64 {
	if documents < 0 {
		documents = 0
	}
	if analyzers < 1 {
		analyzers = 1
	}
	return g.estimatePerDocument * float64(documents) * float64(analyzers)
}

// Reservation is an outstanding budget hold. Exactly one of Record or
// Release must be called once the outcome is known.
type Reservation struct {
	g       *Governor
	phaseID string
	amount  float64
	settled bool
}

// Reserve checks the proposed amount against the global cap and the
// phase's sub-cap (if any) and holds it on success. The check and the
// hold are one atomic step: concurrent reservations can never jointly
// exceed a cap.
func (g *Governor) Reserve(phaseID string, amount float64) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reserve: negative amount %.4f", amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.spent+g.reserved+amount > g.globalCap {
		remaining := g.globalCap - g.spent - g.reserved
		return nil, forgeerr.ErrBudgetExceeded(GlobalScope, amount, remaining)
	}
	if phaseCap, ok := g.phaseCaps[phaseID]; ok {
		held := g.spentByPhase[phaseID] + g.reservedPhase[phaseID]
		if held+amount > phaseCap {
			return nil, forgeerr.ErrBudgetExceeded(phaseID, amount, phaseCap-held)
		}
	}

	g.reserved += amount
	g.reservedPhase[phaseID] += amount
	return &Reservation{g: g, phaseID: phaseID, amount: amount}, nil
}

// Record settles the reservation with the actual amount spent and
// appends a ledger entry. Actual may differ from the reservation in
// either direction; the estimate error is reconciled here, never by
// exceeding a live reservation.
func (r *Reservation) Record(operation string, actual float64) error {
	if actual < 0 {
		actual = 0
	}

	r.g.mu.Lock()
	if r.settled {
		r.g.mu.Unlock()
		return fmt.Errorf("reservation for %s already settled", r.phaseID)
	}
	r.settled = true
	r.g.reserved -= r.amount
	r.g.reservedPhase[r.phaseID] -= r.amount
	r.g.spent += actual
	r.g.spentByPhase[r.phaseID] += actual
	remaining := r.g.globalCap - r.g.spent - r.g.reserved
	store := r.g.store
	dryRun := r.g.dryRun
	r.g.mu.Unlock()

	if store != nil && !dryRun {
		if err := store.AppendLedger(db.LedgerEntry{
			PhaseID:   r.phaseID,
			Operation: operation,
			Amount:    actual,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("record spend: %w", err)
		}
	}

	r.g.publisher.Publish(events.Event{
		Type:    events.EventBudgetRecorded,
		PhaseID: r.phaseID,
		Data: events.BudgetRecordedData{
			Operation: operation,
			Amount:    actual,
			Remaining: remaining,
		},
		Time: time.Now(),
	})

	r.g.logger.Debug("recorded spend",
		"phase", r.phaseID,
		"operation", operation,
		"amount", actual,
		"remaining", remaining,
	)
	return nil
}

// Release drops the reservation without recording any spend. Used when
// work is cancelled before it incurs cost.
func (r *Reservation) Release() {
	r.g.mu.Lock()
	defer r.g.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.g.reserved -= r.amount
	r.g.reservedPhase[r.phaseID] -= r.amount
}

// Remaining returns the uncommitted budget for a scope: the global cap
// or a phase sub-cap minus spend and outstanding reservations. Phases
// without a sub-cap report the global remainder.
func (g *Governor) Remaining(scope string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	globalRemaining := g.globalCap - g.spent - g.reserved
	if scope == GlobalScope {
		return globalRemaining
	}
	phaseCap, ok := g.phaseCaps[scope]
	if !ok {
		return globalRemaining
	}
	phaseRemaining := phaseCap - g.spentByPhase[scope] - g.reservedPhase[scope]
	if phaseRemaining < globalRemaining {
		return phaseRemaining
	}
	return globalRemaining
}

// Summary is a point-in-time view of the governor for reporting.
type Summary struct {
	GlobalCap    float64
	Spent        float64
	Reserved     float64
	Remaining    float64
	PhaseCaps    map[string]float64
	SpentByPhase map[string]float64
}

// Summarize returns a copy of the governor's counters.
func (g *Governor) Summarize() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Summary{
		GlobalCap:    g.globalCap,
		Spent:        g.spent,
		Reserved:     g.reserved,
		Remaining:    g.globalCap - g.spent - g.reserved,
		PhaseCaps:    make(map[string]float64, len(g.phaseCaps)),
		SpentByPhase: make(map[string]float64, len(g.spentByPhase)),
	}
	for k, v := range g.phaseCaps {
		s.PhaseCaps[k] = v
	}
	for k, v := range g.spentByPhase {
		s.SpentByPhase[k] = v
	}
	return s
}
