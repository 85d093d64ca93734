// Package graph defines the node collection an optimum-path forest is grown on.
//
// A Graph owns its nodes exclusively; everything else refers to them by index.
// Besides the nodes it records the processing order, i.e. node indices in the
// order the forest finalized them. Prediction walks this order and relies on
// it being nondecreasing in cost.
package graph

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/btree"

	"github.com/sanonone/kektoropf/pkg/core/distance"
)

// Nil marks a node without predecessor.
const Nil = -1

// Unset is the cost of a node no prototype has reached yet.
var Unset = math.Inf(1)

// Status tells prototypes apart from standard nodes.
type Status uint8

const (
	// Standard nodes are conquered by a prototype.
	Standard Status = iota
	// Prototype nodes are zero-cost roots of the forest.
	Prototype
)

var (
	// ErrEmpty is returned when a graph would have no nodes.
	ErrEmpty = errors.New("graph has no nodes")
	// ErrSizeMismatch is returned for inconsistent feature or label dimensions.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrInvalidLabel is returned for labels lower than 1.
	ErrInvalidLabel = errors.New("labels must be >= 1")
	// ErrNonFinite is returned for NaN or infinite feature values.
	ErrNonFinite = errors.New("features must be finite")
)

// Node is a single sample of the training or prediction set.
type Node struct {
	Index          int
	Label          int
	PredictedLabel int
	ClusterLabel   int

	Features    []float32
	FeaturesF16 []uint16 `json:",omitempty"`

	Cost      float64
	Pred      int
	Status    Status
	Relevant  bool
	NPlateaus int
}

// IsPrototype reports whether the node is a forest root.
func (n *Node) IsPrototype() bool { return n.Status == Prototype }

// Graph is an ordered collection of nodes plus the forest built over them.
type Graph struct {
	Nodes     []*Node
	Order     []int
	Trained   bool
	NFeatures int

	// prototypes indexes prototype node ids in ascending order. It is derived
	// from node status and rebuilt by RebuildIndex after decoding.
	prototypes *btree.BTreeG[int]
}

func intLess(a, b int) bool { return a < b }

// New builds a graph from a feature matrix and its labels. A nil labels slice
// labels every node with 1, which is how prediction graphs are built.
func New(features [][]float32, labels []int) (*Graph, error) {
	if len(features) == 0 {
		return nil, ErrEmpty
	}
	if labels != nil && len(labels) != len(features) {
		return nil, fmt.Errorf("%w: %d feature rows, %d labels", ErrSizeMismatch, len(features), len(labels))
	}

	nFeatures := len(features[0])
	g := &Graph{
		Nodes:      make([]*Node, len(features)),
		Order:      make([]int, 0, len(features)),
		NFeatures:  nFeatures,
		prototypes: btree.NewBTreeG[int](intLess),
	}
	for i, row := range features {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrSizeMismatch, i, len(row), nFeatures)
		}
		for j, v := range row {
			if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: row %d feature %d is %v", ErrNonFinite, i, j, v)
			}
		}
		label := 1
		if labels != nil {
			label = labels[i]
		}
		if label < 1 {
			return nil, fmt.Errorf("%w: row %d has label %d", ErrInvalidLabel, i, label)
		}
		g.Nodes[i] = &Node{
			Index:    i,
			Label:    label,
			Features: row,
			Cost:     Unset,
			Pred:     Nil,
		}
	}
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Features returns the raw feature rows in node order.
func (g *Graph) Features() [][]float32 {
	out := make([][]float32, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Features
	}
	return out
}

// EncodeFloat16 stores a half-precision copy of every feature vector.
func (g *Graph) EncodeFloat16() {
	for _, n := range g.Nodes {
		n.FeaturesF16 = distance.ToFloat16(n.Features)
	}
}

// --- Prototypes ---

func (g *Graph) index() *btree.BTreeG[int] {
	if g.prototypes == nil {
		g.prototypes = btree.NewBTreeG[int](intLess)
	}
	return g.prototypes
}

// SetPrototype marks node i as a prototype. Marking it twice is a no-op.
// It reports whether the node was newly marked.
func (g *Graph) SetPrototype(i int) bool {
	n := g.Nodes[i]
	if n.Status == Prototype {
		return false
	}
	n.Status = Prototype
	g.index().Set(i)
	return true
}

// ClearPrototypes turns every node back into a standard node.
func (g *Graph) ClearPrototypes() {
	for _, n := range g.Nodes {
		n.Status = Standard
	}
	g.prototypes = btree.NewBTreeG[int](intLess)
}

// Prototypes returns prototype node ids in ascending order.
func (g *Graph) Prototypes() []int {
	out := make([]int, 0, g.index().Len())
	g.index().Scan(func(i int) bool {
		out = append(out, i)
		return true
	})
	return out
}

// NumPrototypes returns the number of prototype nodes.
func (g *Graph) NumPrototypes() int { return g.index().Len() }

// RebuildIndex recomputes the prototype index from node status.
func (g *Graph) RebuildIndex() {
	g.prototypes = btree.NewBTreeG[int](intLess)
	for i, n := range g.Nodes {
		if n.Status == Prototype {
			g.prototypes.Set(i)
		}
	}
}

// --- Forest bookkeeping ---

// MarkNodes flags node i and its whole predecessor chain as relevant.
func (g *Graph) MarkNodes(i int) {
	for g.Nodes[i].Pred != Nil {
		g.Nodes[i].Relevant = true
		i = g.Nodes[i].Pred
	}
	g.Nodes[i].Relevant = true
}

// Reset clears predecessors, relevance and plateau counts.
func (g *Graph) Reset() {
	for _, n := range g.Nodes {
		n.Pred = Nil
		n.Relevant = false
		n.NPlateaus = 0
	}
}

// Relevant returns the indices of relevant nodes in ascending order.
func (g *Graph) Relevant() []int {
	var out []int
	for i, n := range g.Nodes {
		if n.Relevant {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy of the graph. Feature vectors are shared since
// they are never modified after construction.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes:     make([]*Node, len(g.Nodes)),
		Order:     append([]int(nil), g.Order...),
		Trained:   g.Trained,
		NFeatures: g.NFeatures,
	}
	for i, n := range g.Nodes {
		cp := *n
		c.Nodes[i] = &cp
	}
	c.RebuildIndex()
	return c
}
