// Package forest grows optimum-path forests over a graph.
//
// Growth happens in two passes. FindPrototypes runs Prim's algorithm over the
// complete graph and promotes both endpoints of every spanning tree edge that
// crosses a label boundary. Grow and GrowParallel then propagate bottleneck
// path costs (the largest edge weight along a path) from those prototypes to
// every other node, recording the order in which nodes are finalized.
//
// Grow uses an indexed min-heap. GrowParallel replaces the heap with a round
// loop: the coordinator finalizes the cheapest node, removes it from a
// balancer, and fans the relaxation of the remaining nodes out to a worker
// pool, one task per balancer slice. Workers never write shared state; they
// return their improvements and local best candidate, and the coordinator
// applies them after the barrier.
package forest

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sanonone/kektoropf/pkg/core/balancer"
	"github.com/sanonone/kektoropf/pkg/core/graph"
	"github.com/sanonone/kektoropf/pkg/core/heap"
	"github.com/sanonone/kektoropf/pkg/metrics"
)

var (
	// ErrInvalidThreads is returned for a non-positive worker count.
	ErrInvalidThreads = errors.New("thread count must be greater than 0")
	// ErrUntrained is returned when conquering over a forest that was never grown.
	ErrUntrained = errors.New("forest is not trained")
	// ErrEmpty is returned when the graph has no nodes.
	ErrEmpty = errors.New("graph has no nodes")
	// ErrInvalidWeight is returned when an arc weight is negative or not finite.
	ErrInvalidWeight = errors.New("arc weight must be finite and non-negative")
)

// progressInterval is how often the prototype pass reports progress.
const progressInterval = 15 * time.Second

// WeightFunc returns the arc weight between nodes p and q. It must be safe for
// concurrent use when passed to GrowParallel.
type WeightFunc func(p, q int) (float64, error)

// Builder grows a forest over Graph using Weight as arc weight.
type Builder struct {
	Graph  *graph.Graph
	Weight WeightFunc
	Logger *slog.Logger
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

// weight calls Weight and rejects values a bottleneck path cost cannot hold.
func (b *Builder) weight(p, q int) (float64, error) {
	w, err := b.Weight(p, q)
	if err != nil {
		return 0, fmt.Errorf("weight(%d, %d): %w", p, q, err)
	}
	if err := checkWeight(w); err != nil {
		return 0, fmt.Errorf("weight(%d, %d): %w", p, q, err)
	}
	return w, nil
}

func checkWeight(w float64) error {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWeight, w)
	}
	return nil
}

func (b *Builder) check() error {
	if b.Graph == nil || b.Graph.Len() == 0 {
		return ErrEmpty
	}
	return nil
}

// FindPrototypes computes a minimum spanning tree and marks as prototypes the
// endpoints of every tree edge joining nodes with different labels. When no
// such edge exists node 0 becomes the only prototype.
func (b *Builder) FindPrototypes() ([]int, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	g := b.Graph
	n := g.Len()
	log := b.logger()

	g.ClearPrototypes()
	h := heap.New[float64](n, heap.Min)
	costs := h.Costs()
	for i, node := range g.Nodes {
		costs[i] = graph.Unset
		node.Pred = graph.Nil
	}
	costs[0] = 0
	h.Insert(0)

	start := time.Now()
	last := start
	visited := 0
	for !h.IsEmpty() {
		p := h.Remove()
		visited++
		node := g.Nodes[p]
		if pred := node.Pred; pred != graph.Nil && g.Nodes[pred].Label != node.Label {
			g.SetPrototype(p)
			g.SetPrototype(pred)
		}

		for q := 0; q < n; q++ {
			if q == p || h.Color(q) == heap.Finalized {
				continue
			}
			w, err := b.weight(p, q)
			if err != nil {
				return nil, err
			}
			if w < h.Cost(q) {
				g.Nodes[q].Pred = p
				h.Update(q, w)
			}
		}

		if time.Since(last) >= progressInterval {
			last = time.Now()
			log.Info("Prototype search in progress", "visited", visited, "total", n)
		}
	}

	if g.NumPrototypes() == 0 {
		g.SetPrototype(0)
	}
	for _, node := range g.Nodes {
		node.Pred = graph.Nil
	}

	protos := g.Prototypes()
	log.Info("Prototypes found", "count", len(protos), "nodes", n, "duration", time.Since(start))
	return protos, nil
}

// seed resets forest state, relevance included: prototypes at cost zero
// labeled with their own label, everyone else unreached.
func (b *Builder) seed() {
	g := b.Graph
	g.Order = g.Order[:0]
	g.Trained = false
	g.Reset()
	for _, node := range g.Nodes {
		if node.IsPrototype() {
			node.Cost = 0
			node.PredictedLabel = node.Label
		} else {
			node.Cost = graph.Unset
			node.PredictedLabel = 0
		}
	}
}

// Grow propagates path costs from the prototypes with a single min-heap.
func (b *Builder) Grow() error {
	if err := b.check(); err != nil {
		return err
	}
	g := b.Graph
	n := g.Len()
	if g.NumPrototypes() == 0 {
		g.SetPrototype(0)
	}
	b.seed()

	start := time.Now()
	h := heap.New[float64](n, heap.Min)
	costs := h.Costs()
	for i, node := range g.Nodes {
		costs[i] = node.Cost
	}
	for _, p := range g.Prototypes() {
		h.Insert(p)
	}

	for !h.IsEmpty() {
		p := h.Remove()
		g.Order = append(g.Order, p)
		g.Nodes[p].Cost = h.Cost(p)

		cp := h.Cost(p)
		for q := 0; q < n; q++ {
			if q == p || h.Color(q) == heap.Finalized || cp >= h.Cost(q) {
				continue
			}
			w, err := b.weight(p, q)
			if err != nil {
				return err
			}
			if c := max(cp, w); c < h.Cost(q) {
				g.Nodes[q].Pred = p
				g.Nodes[q].PredictedLabel = g.Nodes[p].PredictedLabel
				h.Update(q, c)
			}
		}
	}

	g.Trained = true
	b.record("sequential", start, len(g.Order))
	return nil
}

// improvement is a cost decrease found by a task for one node.
type improvement struct {
	node int
	cost float64
}

// result is what a single task hands back to the coordinator.
type result struct {
	updates []improvement
	best    int
	cost    float64
}

// GrowParallel propagates path costs with threads workers. With threads == 1
// it yields the same forest as Grow.
func (b *Builder) GrowParallel(threads int) error {
	if threads <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreads, threads)
	}
	if err := b.check(); err != nil {
		return err
	}
	g := b.Graph
	n := g.Len()
	if g.NumPrototypes() == 0 {
		g.SetPrototype(0)
	}
	b.seed()

	start := time.Now()
	costs := make([]float64, n)
	available := make([]bool, n)
	for i, node := range g.Nodes {
		costs[i] = node.Cost
		available[i] = true
	}
	bal, err := balancer.New(costs, min(threads, n), func(i int) bool { return available[i] })
	if err != nil {
		return err
	}

	p := newPool(bal.Threads())
	defer p.close()

	results := make([]result, bal.Threads())
	tasks := make([]func() error, bal.Threads())

	s := g.Prototypes()[0]
	for s != graph.Nil {
		available[s] = false
		g.Order = append(g.Order, s)
		g.Nodes[s].Cost = costs[s]
		if err := bal.Remove(s); err != nil {
			return err
		}

		cs := costs[s]
		for t := range tasks {
			t := t
			slice, err := bal.Slice(t)
			if err != nil {
				return err
			}
			tasks[t] = func() error {
				r := result{updates: results[t].updates[:0], best: graph.Nil}
				for _, q := range slice {
					if q == s || !available[q] {
						continue
					}
					cq, err := bal.Get(q)
					if err != nil {
						return err
					}
					if cs < cq {
						w, err := b.weight(s, q)
						if err != nil {
							return err
						}
						if c := max(cs, w); c < cq {
							r.updates = append(r.updates, improvement{node: q, cost: c})
							cq = c
						}
					}
					if r.best == graph.Nil || cq < r.cost {
						r.best, r.cost = q, cq
					}
				}
				results[t] = r
				return nil
			}
		}

		if err := p.run(tasks); err != nil {
			return fmt.Errorf("round %d: %w", len(g.Order), err)
		}

		next, nextCost := graph.Nil, graph.Unset
		for _, r := range results {
			for _, u := range r.updates {
				bal.Set(u.node, u.cost)
				g.Nodes[u.node].Pred = s
				g.Nodes[u.node].PredictedLabel = g.Nodes[s].PredictedLabel
			}
			if r.best != graph.Nil && (next == graph.Nil || r.cost < nextCost) {
				next, nextCost = r.best, r.cost
			}
		}
		s = next
	}

	g.Trained = true
	metrics.BalancerTransfers.Add(float64(bal.Transfers()))
	b.record("parallel", start, len(g.Order))
	return nil
}

func (b *Builder) record(mode string, start time.Time, rounds int) {
	elapsed := time.Since(start)
	metrics.FitDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	metrics.FitRounds.WithLabelValues(mode).Add(float64(rounds))
	metrics.Prototypes.Set(float64(b.Graph.NumPrototypes()))
	b.logger().Info("Forest grown", "mode", mode, "rounds", rounds, "prototypes", b.Graph.NumPrototypes(), "duration", elapsed)
}

// Conquest is the outcome of classifying one sample against a trained forest.
type Conquest struct {
	Label     int
	Cost      float64
	Conqueror int // graph.Nil when the first node in order wins
	Examined  int
}

// Conquer finds the node offering the cheapest bottleneck path to a sample.
// weight returns the arc weight between a forest node and the sample. The walk
// follows the processing order and stops as soon as the stored cost of the next
// node reaches the best cost found, since the order is nondecreasing in cost.
func (b *Builder) Conquer(weight func(node int) (float64, error)) (Conquest, error) {
	if err := b.check(); err != nil {
		return Conquest{}, err
	}
	g := b.Graph
	if !g.Trained || len(g.Order) == 0 {
		return Conquest{}, ErrUntrained
	}

	first := g.Nodes[g.Order[0]]
	w, err := weight(first.Index)
	if err == nil {
		err = checkWeight(w)
	}
	if err != nil {
		return Conquest{}, err
	}
	c := Conquest{
		Label:     first.PredictedLabel,
		Cost:      max(first.Cost, w),
		Conqueror: graph.Nil,
		Examined:  1,
	}

	for i := 1; i < len(g.Order) && g.Nodes[g.Order[i]].Cost < c.Cost; i++ {
		node := g.Nodes[g.Order[i]]
		w, err := weight(node.Index)
		if err == nil {
			err = checkWeight(w)
		}
		if err != nil {
			return Conquest{}, err
		}
		c.Examined++
		if tmp := max(node.Cost, w); tmp < c.Cost {
			c.Cost = tmp
			c.Label = node.PredictedLabel
			c.Conqueror = node.Index
		}
	}
	return c, nil
}
