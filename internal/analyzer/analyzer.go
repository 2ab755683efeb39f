// Package analyzer defines the document analyzer collaborator: a paid
// external service that turns a source document into candidate
// recommendations.
package analyzer

import (
	"context"

	"github.com/randalmurphal/planforge/internal/resolve"
)

// Document is one source document fed to an analyzer.
type Document struct {
	ID      string
	Path    string
	Content string
}

// Result is one analyzer's output for one document, with the actual
// cost incurred so the caller can settle its budget reservation.
type Result struct {
	Candidates []resolve.Candidate
	Cost       float64
}

// Analyzer produces candidate recommendations for a document. Analyze
// may block for arbitrarily long; callers wrap it in the recovery
// policy and must not hold any lock across the call.
type Analyzer interface {
	Name() string
	Weight() float64
	Analyze(ctx context.Context, doc Document, budgetHint float64) (Result, error)
}
