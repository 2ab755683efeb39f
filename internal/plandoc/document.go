// Package plandoc holds the hierarchical plan document and the mutation
// engine that applies confidence-gated operations to it.
package plandoc

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/util"
)

// Provenance records where a plan node came from.
type Provenance string

const (
	ProvenanceManual   Provenance = "manual"
	ProvenanceAnalyzer Provenance = "analyzer"
	ProvenanceMerge    Provenance = "merge"
)

// Node is one entry in the plan forest. Parent/child links are by id;
// the document owns the arena.
type Node struct {
	ID         string     `yaml:"id"`
	Title      string     `yaml:"title"`
	Body       string     `yaml:"body,omitempty"`
	Level      int        `yaml:"level"`
	Parent     string     `yaml:"parent,omitempty"`
	Children   []string   `yaml:"children,omitempty"`
	Provenance Provenance `yaml:"provenance"`
	Confidence float64    `yaml:"confidence"`
	UpdatedAt  time.Time  `yaml:"updated_at"`
}

// Document is an ordered forest of nodes indexed by id. Invariants are
// enforced by the mutators: ids are unique, every non-root node has
// exactly one parent, and the parent chain is acyclic.
type Document struct {
	nodes   map[string]*Node
	roots   []string
	lineage map[string]string // removed node id -> surviving node id
}

// NewDocument returns an empty plan document.
func NewDocument() *Document {
	return &Document{
		nodes:   make(map[string]*Node),
		lineage: make(map[string]string),
	}
}

// Get returns a copy of the node, or an error if it doesn't exist.
// Lineage is followed: asking for a merged-away id returns the survivor.
func (d *Document) Get(id string) (Node, error) {
	resolved := d.ResolveLineage(id)
	n, ok := d.nodes[resolved]
	if !ok {
		return Node{}, forgeerr.ErrNodeNotFound(id)
	}
	return *n, nil
}

// Has reports whether a node id exists (without following lineage).
func (d *Document) Has(id string) bool {
	_, ok := d.nodes[id]
	return ok
}

// Len returns the node count.
func (d *Document) Len() int {
	return len(d.nodes)
}

// Roots returns the root node ids in document order.
func (d *Document) Roots() []string {
	return append([]string(nil), d.roots...)
}

// ResolveLineage follows merge pointers to the surviving node id.
func (d *Document) ResolveLineage(id string) string {
	seen := map[string]bool{}
	for {
		next, ok := d.lineage[id]
		if !ok || seen[id] {
			return id
		}
		seen[id] = true
		id = next
	}
}

// Lineage returns a copy of the removed-id to survivor-id map.
func (d *Document) Lineage() map[string]string {
	out := make(map[string]string, len(d.lineage))
	for k, v := range d.lineage {
		out[k] = v
	}
	return out
}

// Walk visits every node depth-first in document order.
func (d *Document) Walk(visit func(n Node)) {
	var walk func(id string)
	walk = func(id string) {
		n, ok := d.nodes[id]
		if !ok {
			return
		}
		visit(*n)
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range d.roots {
		walk(root)
	}
}

// Nodes returns copies of all nodes in depth-first document order.
func (d *Document) Nodes() []Node {
	var out []Node
	d.Walk(func(n Node) { out = append(out, n) })
	return out
}

// AddNode inserts a node. An empty parent makes it a root; otherwise
// the parent must exist and the node is appended to its children.
func (d *Document) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("add node: empty id")
	}
	if _, exists := d.nodes[n.ID]; exists {
		return fmt.Errorf("add node: id %s already exists", n.ID)
	}
	if n.Parent != "" {
		parent, ok := d.nodes[n.Parent]
		if !ok {
			return forgeerr.ErrNodeNotFound(n.Parent)
		}
		n.Level = parent.Level + 1
		parent.Children = append(parent.Children, n.ID)
	} else {
		n.Level = 0
		d.roots = append(d.roots, n.ID)
	}
	n.Children = nil
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}
	d.nodes[n.ID] = &n
	return nil
}

// ModifyNode replaces a node's title and body.
func (d *Document) ModifyNode(id, title, body string, confidence float64) error {
	n, ok := d.nodes[d.ResolveLineage(id)]
	if !ok {
		return forgeerr.ErrNodeNotFound(id)
	}
	n.Title = title
	n.Body = body
	n.Confidence = confidence
	n.UpdatedAt = time.Now()
	return nil
}

// RemoveNode deletes a node. Its children are promoted to the node's
// parent (or to roots) so no subtree is silently dropped.
func (d *Document) RemoveNode(id string) error {
	n, ok := d.nodes[id]
	if !ok {
		return forgeerr.ErrNodeNotFound(id)
	}

	for _, childID := range n.Children {
		child := d.nodes[childID]
		child.Parent = n.Parent
		child.Level = 0
		if n.Parent != "" {
			child.Level = d.nodes[n.Parent].Level + 1
		}
	}

	if n.Parent == "" {
		d.roots = replaceIDs(d.roots, id, n.Children)
	} else {
		parent := d.nodes[n.Parent]
		parent.Children = replaceIDs(parent.Children, id, n.Children)
	}
	delete(d.nodes, id)
	d.relevel()
	return nil
}

// relevel recomputes node depths from the roots after re-parenting.
func (d *Document) relevel() {
	var walk func(id string, level int)
	walk = func(id string, level int) {
		n, ok := d.nodes[id]
		if !ok {
			return
		}
		n.Level = level
		for _, child := range n.Children {
			walk(child, level+1)
		}
	}
	for _, root := range d.roots {
		walk(root, 0)
	}
}

// MergeNodes folds removed into survivor: children are re-parented,
// lineage records the removed id, and the survivor's body optionally
// becomes the union of both. Both ids must exist and differ.
func (d *Document) MergeNodes(survivorID, removedID string, unionBody bool) error {
	if survivorID == removedID {
		return fmt.Errorf("merge: survivor and removed are the same node %s", survivorID)
	}
	survivor, ok := d.nodes[survivorID]
	if !ok {
		return forgeerr.ErrNodeNotFound(survivorID)
	}
	removed, ok := d.nodes[removedID]
	if !ok {
		return forgeerr.ErrNodeNotFound(removedID)
	}

	// If the survivor happens to be a child of the removed node, lift it
	// out first so the re-parenting below can't form a cycle.
	if survivor.Parent == removedID {
		removed.Children = replaceIDs(removed.Children, survivorID, nil)
		survivor.Parent = removed.Parent
		survivor.Level = removed.Level
		if removed.Parent == "" {
			d.roots = append(d.roots, survivorID)
		} else {
			grand := d.nodes[removed.Parent]
			grand.Children = append(grand.Children, survivorID)
		}
	}

	for _, childID := range removed.Children {
		child := d.nodes[childID]
		child.Parent = survivorID
		child.Level = survivor.Level + 1
		survivor.Children = append(survivor.Children, childID)
	}
	removed.Children = nil

	if unionBody && removed.Body != "" && removed.Body != survivor.Body {
		if survivor.Body == "" {
			survivor.Body = removed.Body
		} else {
			survivor.Body = survivor.Body + "\n\n" + removed.Body
		}
	}
	survivor.Provenance = ProvenanceMerge
	survivor.UpdatedAt = time.Now()

	if err := d.RemoveNode(removedID); err != nil {
		return err
	}
	d.lineage[removedID] = survivorID
	return nil
}

func replaceIDs(ids []string, remove string, insert []string) []string {
	out := make([]string, 0, len(ids)+len(insert))
	for _, id := range ids {
		if id == remove {
			out = append(out, insert...)
			continue
		}
		out = append(out, id)
	}
	return out
}

// docFile is the serialized form of a Document.
type docFile struct {
	Version int               `yaml:"version"`
	Nodes   []Node            `yaml:"nodes"`
	Roots   []string          `yaml:"roots"`
	Lineage map[string]string `yaml:"lineage,omitempty"`
}

// Save writes the document to path atomically.
func (d *Document) Save(path string) error {
	f := docFile{
		Version: 1,
		Roots:   d.roots,
		Lineage: d.lineage,
	}

	// Stable node order keeps diffs of plan.yaml readable.
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		f.Nodes = append(f.Nodes, *d.nodes[id])
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// LoadDocument reads a document from path. A missing file yields an
// empty document.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var f docFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	d := NewDocument()
	for _, n := range f.Nodes {
		node := n
		d.nodes[node.ID] = &node
	}
	d.roots = f.Roots
	if f.Lineage != nil {
		d.lineage = f.Lineage
	}
	return d, nil
}

// RenderMarkdown renders the forest as a hierarchical markdown outline.
func (d *Document) RenderMarkdown() string {
	var b strings.Builder
	b.WriteString("# Plan\n")
	d.Walk(func(n Node) {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("#", n.Level+2))
		b.WriteString(" ")
		b.WriteString(n.Title)
		b.WriteString("\n")
		if n.Body != "" {
			b.WriteString("\n")
			b.WriteString(n.Body)
			b.WriteString("\n")
		}
	})
	return b.String()
}
