// Package opf provides a supervised Optimum-Path Forest classifier.
//
// Training builds a complete graph over the samples, picks prototypes on the
// label boundaries of its minimum spanning tree and grows a forest of
// bottleneck paths from them. A new sample takes the label of the forest node
// offering it the cheapest path.
//
// Basic usage:
//
//	clf, err := opf.New(opf.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := clf.Fit(xTrain, yTrain); err != nil {
//	    log.Fatal(err)
//	}
//	pred, err := clf.Predict(xTest)
package opf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/kektoropf/pkg/core/distance"
	"github.com/sanonone/kektoropf/pkg/core/forest"
	"github.com/sanonone/kektoropf/pkg/core/graph"
	"github.com/sanonone/kektoropf/pkg/metrics"
	"github.com/sanonone/kektoropf/pkg/persistence"
)

var (
	// ErrInvalidConfig is returned for unusable options or iteration counts.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUntrained is returned when predicting before a successful fit.
	ErrUntrained = errors.New("classifier is not trained")
	// ErrSizeMismatch is returned for inconsistent input dimensions.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Options configures a Classifier.
type Options struct {
	// Metric names the arc weight function.
	Metric distance.Metric

	// Precision selects how features are stored while computing distances.
	Precision distance.Precision

	// Threads is the number of workers growing the forest. 1 selects the
	// sequential heap-based growth.
	Threads int

	// Distances optionally holds a precomputed N x N matrix for the next Fit.
	// It is consumed by that fit and cleared afterwards.
	Distances *mat.Dense

	// Precompute builds the distance matrix in parallel before each fit when
	// Distances is nil.
	Precompute bool

	// Seed drives the random choices of Learn. Zero uses the current time.
	Seed int64

	Logger *slog.Logger
}

// DefaultThreads returns half of the logical cores, at least one.
func DefaultThreads() int {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	return max(cores/2, 1)
}

// DefaultOptions returns squared Euclidean distances over float32 features and
// DefaultThreads workers.
func DefaultOptions() Options {
	return Options{
		Metric:    distance.Euclidean,
		Precision: distance.Float32,
		Threads:   DefaultThreads(),
	}
}

// Classifier is a supervised OPF classifier. It is not safe for concurrent
// use.
type Classifier struct {
	opts  Options
	log   *slog.Logger
	rng   *rand.Rand
	graph *graph.Graph

	f32 distance.FuncF32
	f16 distance.FuncF16
}

// New validates opts and creates an untrained classifier.
func New(opts Options) (*Classifier, error) {
	c := &Classifier{opts: opts, log: opts.Logger}
	if c.log == nil {
		c.log = slog.Default()
	}
	if opts.Threads <= 0 {
		return nil, fmt.Errorf("%w: threads must be greater than 0, got %d", ErrInvalidConfig, opts.Threads)
	}
	if err := c.setMetric(opts.Metric, opts.Precision); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c.rng = rand.New(rand.NewSource(seed))
	return c, nil
}

func (c *Classifier) setMetric(metric distance.Metric, precision distance.Precision) error {
	var err error
	switch precision {
	case distance.Float32:
		c.f32, err = distance.GetFloat32Func(metric)
		c.f16 = nil
	case distance.Float16:
		c.f16, err = distance.GetFloat16Func(metric)
		c.f32 = nil
	default:
		err = fmt.Errorf("unknown precision '%s'", precision)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.opts.Metric = metric
	c.opts.Precision = precision
	return nil
}

// Graph returns the trained graph, or nil before the first fit.
func (c *Classifier) Graph() *graph.Graph { return c.graph }

// Metric returns the configured distance metric.
func (c *Classifier) Metric() distance.Metric { return c.opts.Metric }

// Precision returns the configured feature precision.
func (c *Classifier) Precision() distance.Precision { return c.opts.Precision }

// Threads returns the number of growth workers.
func (c *Classifier) Threads() int { return c.opts.Threads }

// SetDistances provides a precomputed matrix for the next Fit.
func (c *Classifier) SetDistances(m *mat.Dense) { c.opts.Distances = m }

// --- Training ---

// Fit trains the classifier on features and their labels (>= 1).
func (c *Classifier) Fit(features [][]float32, labels []int) error {
	defer func() { c.opts.Distances = nil }()

	start := time.Now()
	g, err := graph.New(features, labels)
	if err != nil {
		return err
	}
	if c.opts.Precision == distance.Float16 {
		g.EncodeFloat16()
	}

	weight, err := c.trainingWeight(g)
	if err != nil {
		return err
	}

	c.log.Info("Fitting classifier", "samples", g.Len(), "features", g.NFeatures,
		"metric", c.opts.Metric, "precision", c.opts.Precision, "threads", c.opts.Threads)

	b := &forest.Builder{Graph: g, Weight: weight, Logger: c.log}
	if _, err := b.FindPrototypes(); err != nil {
		return err
	}
	if c.opts.Threads == 1 {
		err = b.Grow()
	} else {
		err = b.GrowParallel(c.opts.Threads)
	}
	if err != nil {
		return fmt.Errorf("forest growth failed: %w", err)
	}

	c.graph = g
	c.log.Info("Classifier fitted", "prototypes", g.NumPrototypes(), "duration", time.Since(start))
	return nil
}

// trainingWeight picks the arc weight source for a fit: the precomputed
// matrix when one is present, the configured metric otherwise.
func (c *Classifier) trainingWeight(g *graph.Graph) (forest.WeightFunc, error) {
	m := c.opts.Distances
	if m == nil && c.opts.Precompute {
		fn, err := distance.GetFloat32Func(c.opts.Metric)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		m, err = distance.PrecomputeParallel(g.Features(), fn, c.opts.Threads)
		if err != nil {
			return nil, err
		}
	}
	if m != nil {
		if err := distance.CheckSquare(m, g.Len()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSizeMismatch, err)
		}
		return func(p, q int) (float64, error) { return m.At(p, q), nil }, nil
	}

	if c.f16 != nil {
		return func(p, q int) (float64, error) {
			return c.f16(g.Nodes[p].FeaturesF16, g.Nodes[q].FeaturesF16)
		}, nil
	}
	return func(p, q int) (float64, error) {
		return c.f32(g.Nodes[p].Features, g.Nodes[q].Features)
	}, nil
}

// --- Prediction ---

// queryWeight returns the arc weight between forest nodes and one sample.
func (c *Classifier) queryWeight(sample []float32) func(node int) (float64, error) {
	g := c.graph
	if c.f16 != nil {
		half := distance.ToFloat16(sample)
		return func(node int) (float64, error) {
			return c.f16(g.Nodes[node].FeaturesF16, half)
		}
	}
	return func(node int) (float64, error) {
		return c.f32(g.Nodes[node].Features, sample)
	}
}

// Predict labels every sample. Forest nodes whose paths conquer a sample are
// marked relevant, which Prune relies on.
func (c *Classifier) Predict(features [][]float32) ([]int, error) {
	if c.graph == nil || !c.graph.Trained {
		return nil, ErrUntrained
	}
	for i, row := range features {
		if len(row) != c.graph.NFeatures {
			return nil, fmt.Errorf("%w: sample %d has %d features, want %d", ErrSizeMismatch, i, len(row), c.graph.NFeatures)
		}
	}

	b := &forest.Builder{Graph: c.graph, Logger: c.log}
	conquests := make([]forest.Conquest, len(features))

	var group errgroup.Group
	group.SetLimit(c.opts.Threads)
	for i, row := range features {
		i, row := i, row
		group.Go(func() error {
			cq, err := b.Conquer(c.queryWeight(row))
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			conquests[i] = cq
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	labels := make([]int, len(features))
	for i, cq := range conquests {
		labels[i] = cq.Label
		if cq.Conqueror != graph.Nil {
			c.graph.MarkNodes(cq.Conqueror)
		}
	}
	metrics.Predictions.Add(float64(len(features)))
	return labels, nil
}

// --- Persistence ---

// Save writes the trained model to w.
func (c *Classifier) Save(w io.Writer) error {
	if c.graph == nil {
		return ErrUntrained
	}
	h := persistence.NewHeader(c.graph, c.opts.Metric, c.opts.Precision)
	return persistence.Save(w, h, c.graph)
}

// SaveFile writes the trained model to path, replacing any previous file.
func (c *Classifier) SaveFile(path string) error {
	if c.graph == nil {
		return ErrUntrained
	}
	h := persistence.NewHeader(c.graph, c.opts.Metric, c.opts.Precision)
	return persistence.SaveFile(path, h, c.graph)
}

// LoadFile replaces the model with the snapshot stored at path.
func (c *Classifier) LoadFile(path string) error {
	h, g, err := persistence.LoadFile(path)
	if err != nil {
		return err
	}
	return c.adopt(h, g)
}

// ExportJSON writes the trained model as a JSON document.
func (c *Classifier) ExportJSON(w io.Writer) error {
	if c.graph == nil {
		return ErrUntrained
	}
	h := persistence.NewHeader(c.graph, c.opts.Metric, c.opts.Precision)
	return persistence.ExportJSON(w, h, c.graph)
}

// Load replaces the model with one read from r. Metric and precision are
// taken from the stored header.
func (c *Classifier) Load(r io.Reader) error {
	h, g, err := persistence.Load(r)
	if err != nil {
		return err
	}
	return c.adopt(h, g)
}

// ImportJSON replaces the model with one exported by ExportJSON.
func (c *Classifier) ImportJSON(r io.Reader) error {
	h, g, err := persistence.ImportJSON(r)
	if err != nil {
		return err
	}
	return c.adopt(h, g)
}

func (c *Classifier) adopt(h persistence.Header, g *graph.Graph) error {
	if err := c.setMetric(h.Metric, h.Precision); err != nil {
		return err
	}
	if h.Precision == distance.Float16 {
		g.EncodeFloat16()
	}
	c.graph = g
	c.log.Info("Model loaded", "id", h.ID, "nodes", g.Len(), "prototypes", g.NumPrototypes(), "metric", h.Metric)
	return nil
}
