// Package resolve reconciles candidate recommendations from multiple
// analyzers into weighted consensus clusters.
package resolve

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

// Candidate is one recommendation from one analyzer for one document.
type Candidate struct {
	Analyzer string  `yaml:"analyzer"`
	Weight   float64 `yaml:"weight"`
	Title    string  `yaml:"title"`
	Body     string  `yaml:"body"`
	Document string  `yaml:"document"`
}

func (c Candidate) text() string {
	if c.Body == "" {
		return c.Title
	}
	return c.Title + " " + c.Body
}

// Cluster groups near-duplicate candidates with a chosen consensus.
// Members carry full provenance: every contributing candidate is
// retained, not just the winner.
type Cluster struct {
	Members     []Candidate
	Title       string
	Body        string
	Confidence  float64
	Document    string
	Synthesized bool
}

// Resolver clusters candidates by token similarity and votes on a
// consensus per cluster.
type Resolver struct {
	threshold  float64
	synthesize bool
	logger     *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSynthesis makes the resolver merge member texts into the
// consensus instead of picking a single representative.
func WithSynthesis(enabled bool) ResolverOption {
	return func(r *Resolver) { r.synthesize = enabled }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver with the given similarity threshold
// (candidates at or above it are considered the same idea).
func NewResolver(threshold float64, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		threshold: threshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tokenize normalizes text into a token set: lowercase, split on
// anything that is not a letter or digit.
func Tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two token sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity returns the token-set similarity of two candidate texts.
// Symmetric by construction.
func Similarity(a, b Candidate) float64 {
	return Jaccard(Tokenize(a.text()), Tokenize(b.text()))
}

// signature is a canonical form of a token set, used to group aligned
// (textually identical after normalization) members within a cluster.
func signature(tokens map[string]struct{}) string {
	sorted := make([]string, 0, len(tokens))
	for tok := range tokens {
		sorted = append(sorted, tok)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// unionFind is a plain weighted union-find over candidate indexes.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[rb] = ra
	}
}

// Resolve clusters the candidates and produces one consensus per
// cluster. Candidates that cannot be compared (empty after
// normalization, or non-positive weight) are excluded with a warning
// rather than aborting the run. Cluster order follows input order of
// each cluster's first member.
func (r *Resolver) Resolve(candidates []Candidate) []Cluster {
	var usable []Candidate
	for _, c := range candidates {
		if len(Tokenize(c.text())) == 0 {
			r.logger.Warn("excluding empty candidate", "analyzer", c.Analyzer, "document", c.Document)
			continue
		}
		if c.Weight <= 0 {
			r.logger.Warn("excluding candidate with non-positive weight",
				"analyzer", c.Analyzer, "weight", c.Weight)
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil
	}

	tokens := make([]map[string]struct{}, len(usable))
	for i, c := range usable {
		tokens[i] = Tokenize(c.text())
	}

	uf := newUnionFind(len(usable))
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			if Jaccard(tokens[i], tokens[j]) >= r.threshold {
				uf.union(i, j)
			}
		}
	}

	// Group by root, preserving input order.
	groups := make(map[int][]int)
	var order []int
	for i := range usable {
		root := uf.find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], i)
	}

	clusters := make([]Cluster, 0, len(order))
	for _, root := range order {
		members := make([]Candidate, 0, len(groups[root]))
		for _, idx := range groups[root] {
			members = append(members, usable[idx])
		}
		clusters = append(clusters, r.vote(members))
	}
	return clusters
}

// vote picks the consensus for one cluster. Members are grouped into
// sides by normalized-text signature; the side with the largest total
// weight wins and contributes its longest text. Confidence is the
// winning side's weight over the cluster's total weight; a singleton
// keeps its analyzer's base weight.
func (r *Resolver) vote(members []Candidate) Cluster {
	cluster := Cluster{
		Members:  members,
		Document: members[0].Document,
	}

	if len(members) == 1 {
		cluster.Title = members[0].Title
		cluster.Body = members[0].Body
		cluster.Confidence = clamp01(members[0].Weight)
		return cluster
	}

	type side struct {
		weight  int64 // scaled to avoid float map-order sensitivity
		members []Candidate
	}
	sides := make(map[string]*side)
	var sideOrder []string
	totalWeight := 0.0
	for _, m := range members {
		sig := signature(Tokenize(m.text()))
		s, ok := sides[sig]
		if !ok {
			s = &side{}
			sides[sig] = s
			sideOrder = append(sideOrder, sig)
		}
		s.weight += int64(m.Weight * 1e9)
		s.members = append(s.members, m)
		totalWeight += m.Weight
	}

	var winner *side
	for _, sig := range sideOrder {
		s := sides[sig]
		if winner == nil || s.weight > winner.weight ||
			(s.weight == winner.weight && textLen(s.members) > textLen(winner.members)) {
			winner = s
		}
	}

	best := winner.members[0]
	for _, m := range winner.members[1:] {
		if len(m.text()) > len(best.text()) {
			best = m
		}
	}
	cluster.Title = best.Title
	cluster.Body = best.Body
	cluster.Confidence = clamp01(float64(winner.weight) / 1e9 / totalWeight)

	if r.synthesize {
		cluster.Body = synthesizeBody(best, members)
		cluster.Synthesized = true
	}
	return cluster
}

// textLen returns the longest member text length, the tie-break rule
// for equally weighted sides.
func textLen(members []Candidate) int {
	longest := 0
	for _, m := range members {
		if n := len(m.text()); n > longest {
			longest = n
		}
	}
	return longest
}

// synthesizeBody starts from the winning body and appends member bodies
// that add tokens not already covered. Deterministic: members are
// visited in input order.
func synthesizeBody(winner Candidate, members []Candidate) string {
	covered := Tokenize(winner.text())
	parts := []string{winner.Body}
	for _, m := range members {
		if m.Body == winner.Body {
			continue
		}
		mTokens := Tokenize(m.Body)
		novel := false
		for tok := range mTokens {
			if _, ok := covered[tok]; !ok {
				novel = true
				break
			}
		}
		if !novel {
			continue
		}
		parts = append(parts, m.Body)
		for tok := range mTokens {
			covered[tok] = struct{}{}
		}
	}
	return strings.Join(parts, "\n\n")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
