package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", "Add caching layer", []string{"add", "caching", "layer"}},
		{"punctuation", "Add a caching-layer, now!", []string{"add", "a", "caching", "layer", "now"}},
		{"empty", "  ...  ", nil},
		{"digits kept", "retry 3 times", []string{"retry", "3", "times"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			assert.Len(t, got, len(tt.want))
			for _, tok := range tt.want {
				assert.Contains(t, got, tok)
			}
		})
	}
}

func TestSimilarityIsSymmetricAndReflexive(t *testing.T) {
	a := Candidate{Title: "Add a caching layer for reads"}
	b := Candidate{Title: "Add caching layer for read paths"}

	assert.Equal(t, Similarity(a, b), Similarity(b, a))
	assert.Equal(t, 1.0, Similarity(a, a))
}

func TestResolveSingletonPassesThrough(t *testing.T) {
	r := NewResolver(0.85)
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.5, Title: "Add caching layer", Document: "doc-1"},
	})
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Members, 1)
	assert.Equal(t, 0.5, clusters[0].Confidence)
	assert.Equal(t, "Add caching layer", clusters[0].Title)
	assert.Equal(t, "doc-1", clusters[0].Document)
}

func TestResolveGroupsNearIdenticalAcrossAnalyzers(t *testing.T) {
	r := NewResolver(0.85)
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.5, Title: "Introduce a caching layer for database reads", Document: "doc-1"},
		{Analyzer: "secondary", Weight: 0.3, Title: "Introduce a caching layer for the database reads", Document: "doc-1"},
		{Analyzer: "tertiary", Weight: 0.2, Title: "Introduce a caching layer for all database reads", Document: "doc-1"},
		{Analyzer: "primary", Weight: 0.5, Title: "Rewrite the billing module in a new service", Document: "doc-1"},
	})
	require.Len(t, clusters, 2)

	caching := clusters[0]
	assert.Len(t, caching.Members, 3)
	// Near-identical but not equal texts: each analyzer is its own
	// aligned side, so the heaviest analyzer carries the vote.
	assert.InDelta(t, 0.5, caching.Confidence, 1e-9)

	billing := clusters[1]
	assert.Len(t, billing.Members, 1)
	assert.Equal(t, "Rewrite the billing module in a new service", billing.Title)
}

func TestResolveIdenticalTextsShareOneSide(t *testing.T) {
	r := NewResolver(0.85)
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.5, Title: "Add retry with backoff"},
		{Analyzer: "secondary", Weight: 0.3, Title: "Add retry with backoff"},
	})
	require.Len(t, clusters, 1)
	assert.InDelta(t, 1.0, clusters[0].Confidence, 1e-9)
}

func TestResolveConsensusPrefersLongestOnWinningSide(t *testing.T) {
	r := NewResolver(0.4)
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.4, Title: "Add metrics", Body: "Expose request counts."},
		{Analyzer: "secondary", Weight: 0.4, Title: "Add metrics", Body: "Expose request counts."},
		{Analyzer: "tertiary", Weight: 0.3, Title: "Add metrics dashboards", Body: "Expose request counts and latency histograms for every endpoint."},
	})
	require.Len(t, clusters, 1)
	// The two identical texts outweigh the richer one 0.8 to 0.3.
	assert.Equal(t, "Add metrics", clusters[0].Title)
	assert.InDelta(t, 0.8/1.1, clusters[0].Confidence, 1e-9)
}

func TestResolveExcludesBadCandidatesWithoutAborting(t *testing.T) {
	r := NewResolver(0.85)
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.5, Title: "Add caching layer"},
		{Analyzer: "secondary", Weight: 0.3, Title: "   !!!   "}, // empty after normalization
		{Analyzer: "tertiary", Weight: -1, Title: "Negative weight"},
	})
	require.Len(t, clusters, 1)
	assert.Equal(t, "Add caching layer", clusters[0].Title)
}

func TestResolveEmptyInput(t *testing.T) {
	r := NewResolver(0.85)
	assert.Nil(t, r.Resolve(nil))
}

func TestResolveSynthesisMergesNovelBodies(t *testing.T) {
	r := NewResolver(0.15, WithSynthesis(true))
	clusters := r.Resolve([]Candidate{
		{Analyzer: "primary", Weight: 0.5, Title: "Harden ingestion", Body: "Validate schemas on ingest."},
		{Analyzer: "secondary", Weight: 0.3, Title: "Harden the ingestion", Body: "Quarantine malformed documents for review."},
	})
	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].Synthesized)
	assert.Contains(t, clusters[0].Body, "Validate schemas")
	assert.Contains(t, clusters[0].Body, "Quarantine malformed")
}

func TestJaccardEdgeCases(t *testing.T) {
	assert.Zero(t, Jaccard(nil, nil))
	assert.Zero(t, Jaccard(Tokenize("alpha"), Tokenize("beta")))
	assert.Equal(t, 1.0, Jaccard(Tokenize("alpha beta"), Tokenize("beta alpha")))
}
