package analyzer

import (
	"context"
	"sync"

	"github.com/randalmurphal/planforge/internal/resolve"
)

// ScriptedAnalyzer replays canned candidates instead of calling a paid
// service. It stands in for real analyzers in dry runs and tests, and
// can fail a fixed number of times first to exercise the recovery
// policy.
type ScriptedAnalyzer struct {
	mu sync.Mutex

	name     string
	weight   float64
	cost     float64
	byDoc    map[string][]resolve.Candidate
	failures []error
	calls    int
}

// NewScriptedAnalyzer creates a scripted analyzer with a fixed per-call
// cost.
func NewScriptedAnalyzer(name string, weight, cost float64) *ScriptedAnalyzer {
	return &ScriptedAnalyzer{
		name:   name,
		weight: weight,
		cost:   cost,
		byDoc:  make(map[string][]resolve.Candidate),
	}
}

// Script sets the candidates returned for a document. Analyzer and
// weight fields are filled in automatically.
func (a *ScriptedAnalyzer) Script(docID string, candidates ...resolve.Candidate) *ScriptedAnalyzer {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range candidates {
		candidates[i].Analyzer = a.name
		candidates[i].Weight = a.weight
		candidates[i].Document = docID
	}
	a.byDoc[docID] = candidates
	return a
}

// FailWith queues errors to return before any successful call.
func (a *ScriptedAnalyzer) FailWith(errs ...error) *ScriptedAnalyzer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, errs...)
	return a
}

// Calls returns how many times Analyze ran.
func (a *ScriptedAnalyzer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *ScriptedAnalyzer) Name() string    { return a.name }
func (a *ScriptedAnalyzer) Weight() float64 { return a.weight }

// Analyze returns the scripted candidates, consuming queued failures
// first. Failed calls still report the per-call cost: a failing paid
// call is still a paid call.
func (a *ScriptedAnalyzer) Analyze(ctx context.Context, doc Document, budgetHint float64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++

	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		return Result{Cost: a.cost}, err
	}
	return Result{Candidates: a.byDoc[doc.ID], Cost: a.cost}, nil
}
