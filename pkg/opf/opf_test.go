package opf

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/sanonone/kektoropf/pkg/core/distance"
	"github.com/sanonone/kektoropf/pkg/core/graph"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testOptions(threads int) Options {
	opts := DefaultOptions()
	opts.Threads = threads
	opts.Seed = 1
	opts.Logger = quiet
	return opts
}

// blobs returns n points per class around well separated centers.
func blobs(rng *rand.Rand, n, classes, dim int) ([][]float32, []int) {
	var x [][]float32
	var y []int
	for c := 0; c < classes; c++ {
		for i := 0; i < n; i++ {
			row := make([]float32, dim)
			for j := range row {
				row[j] = float32(c*20) + float32(rng.NormFloat64())
			}
			x = append(x, row)
			y = append(y, c+1)
		}
	}
	rng.Shuffle(len(x), func(i, j int) {
		x[i], x[j] = x[j], x[i]
		y[i], y[j] = y[j], y[i]
	})
	return x, y
}

func TestNewValidates(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Options)
	}{
		{"ZeroThreads", func(o *Options) { o.Threads = 0 }},
		{"UnknownMetric", func(o *Options) { o.Metric = "manhattan" }},
		{"UnknownPrecision", func(o *Options) { o.Precision = "int8" }},
		{"CosineHalf", func(o *Options) { o.Metric, o.Precision = distance.Cosine, distance.Float16 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(1)
			tc.mut(&opts)
			if _, err := New(opts); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestDefaultThreads(t *testing.T) {
	if DefaultThreads() < 1 {
		t.Errorf("DefaultThreads = %d", DefaultThreads())
	}
}

func TestFitPredictConcrete(t *testing.T) {
	for _, threads := range []int{1, 4} {
		clf, err := New(testOptions(threads))
		if err != nil {
			t.Fatal(err)
		}
		if err := clf.Fit([][]float32{{0}, {1}, {10}, {11}}, []int{1, 1, 2, 2}); err != nil {
			t.Fatalf("Fit: %v", err)
		}
		g := clf.Graph()
		if p := g.Prototypes(); len(p) != 2 || p[0] != 1 || p[1] != 2 {
			t.Fatalf("threads=%d: prototypes %v, want [1 2]", threads, p)
		}
		for i, want := range []float64{1, 0, 0, 1} {
			if g.Nodes[i].Cost != want {
				t.Errorf("threads=%d: node %d cost %v, want %v", threads, i, g.Nodes[i].Cost, want)
			}
		}

		pred, err := clf.Predict([][]float32{{-1}, {4}, {7}, {12}})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		want := []int{1, 1, 2, 2}
		for i := range want {
			if pred[i] != want[i] {
				t.Errorf("threads=%d: pred %v, want %v", threads, pred, want)
				break
			}
		}
	}
}

func TestPredictMarksRelevantChain(t *testing.T) {
	clf, _ := New(testOptions(1))
	clf.Fit([][]float32{{0}, {1}, {10}, {11}}, []int{1, 1, 2, 2})

	// 12 is conquered by node 3 through prototype 2.
	if _, err := clf.Predict([][]float32{{12}}); err != nil {
		t.Fatal(err)
	}
	rel := clf.Graph().Relevant()
	if len(rel) != 2 || rel[0] != 2 || rel[1] != 3 {
		t.Errorf("relevant = %v, want [2 3]", rel)
	}
}

func TestPredictErrors(t *testing.T) {
	clf, _ := New(testOptions(2))
	if _, err := clf.Predict([][]float32{{1}}); !errors.Is(err, ErrUntrained) {
		t.Errorf("Predict before Fit = %v, want ErrUntrained", err)
	}
	clf.Fit([][]float32{{0, 0}, {5, 5}}, []int{1, 2})
	if _, err := clf.Predict([][]float32{{1}}); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Predict with short sample = %v, want ErrSizeMismatch", err)
	}
}

func TestFitRejectsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	x := [][]float32{{0}, {1}, {nan}, {10}, {11}}
	y := []int{1, 1, 1, 2, 2}
	for _, threads := range []int{1, 4} {
		clf, _ := New(testOptions(threads))
		if err := clf.Fit(x, y); !errors.Is(err, graph.ErrNonFinite) {
			t.Errorf("threads=%d: Fit = %v, want graph.ErrNonFinite", threads, err)
		}
		if clf.Graph() != nil {
			t.Errorf("threads=%d: failed fit left a graph behind", threads)
		}
	}
}

func TestThreadCountsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x, y := blobs(rng, 40, 3, 5)
	q, _ := blobs(rng, 10, 3, 5)

	var ref []int
	for _, threads := range []int{1, 2, 4} {
		clf, _ := New(testOptions(threads))
		if err := clf.Fit(x, y); err != nil {
			t.Fatalf("threads=%d Fit: %v", threads, err)
		}
		pred, err := clf.Predict(q)
		if err != nil {
			t.Fatalf("threads=%d Predict: %v", threads, err)
		}
		if ref == nil {
			ref = pred
			continue
		}
		for i := range ref {
			if pred[i] != ref[i] {
				t.Fatalf("threads=%d disagrees at sample %d: %d vs %d", threads, i, pred[i], ref[i])
			}
		}
	}
}

func TestSeparableAccuracy(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x, y := blobs(rng, 50, 2, 3)
	xTest, yTest := blobs(rng, 20, 2, 3)

	for _, metric := range []distance.Metric{distance.Euclidean, distance.LogEuclidean, distance.LogSquaredEuclidean} {
		for _, precision := range []distance.Precision{distance.Float32, distance.Float16} {
			opts := testOptions(2)
			opts.Metric, opts.Precision = metric, precision
			clf, err := New(opts)
			if err != nil {
				t.Fatalf("%s/%s: %v", metric, precision, err)
			}
			if err := clf.Fit(x, y); err != nil {
				t.Fatalf("%s/%s Fit: %v", metric, precision, err)
			}
			pred, err := clf.Predict(xTest)
			if err != nil {
				t.Fatalf("%s/%s Predict: %v", metric, precision, err)
			}
			if acc, _ := Accuracy(yTest, pred); acc != 1 {
				t.Errorf("%s/%s: accuracy %v on separable data", metric, precision, acc)
			}
		}
	}
}

func TestPrecomputedDistances(t *testing.T) {
	x := [][]float32{{0}, {1}, {10}, {11}}
	y := []int{1, 1, 2, 2}
	fn, _ := distance.GetFloat32Func(distance.Euclidean)
	m, err := distance.Precompute(x, fn)
	if err != nil {
		t.Fatal(err)
	}

	clf, _ := New(testOptions(2))
	clf.SetDistances(m)
	if err := clf.Fit(x, y); err != nil {
		t.Fatalf("Fit with matrix: %v", err)
	}
	for i, want := range []float64{1, 0, 0, 1} {
		if got := clf.Graph().Nodes[i].Cost; got != want {
			t.Errorf("node %d cost %v, want %v", i, got, want)
		}
	}

	clf.SetDistances(mat.NewDense(3, 3, nil))
	if err := clf.Fit(x, y); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("Fit with 3x3 matrix = %v, want ErrSizeMismatch", err)
	}
	// The matrix is consumed even by a failed fit.
	if err := clf.Fit(x, y); err != nil {
		t.Errorf("Fit after consumed matrix: %v", err)
	}

	opts := testOptions(3)
	opts.Precompute = true
	auto, _ := New(opts)
	if err := auto.Fit(x, y); err != nil {
		t.Fatalf("Fit with precompute: %v", err)
	}
	if got := auto.Graph().Nodes[3].Cost; got != 1 {
		t.Errorf("precomputed fit: node 3 cost %v, want 1", got)
	}
}

func TestLearn(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x, y := blobs(rng, 30, 3, 4)
	xVal, yVal := blobs(rng, 10, 3, 4)
	xCopy := append([][]float32(nil), x...)

	clf, _ := New(testOptions(2))
	if err := clf.Learn(x, y, xVal, yVal, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Learn with 0 iterations = %v, want ErrInvalidConfig", err)
	}
	if err := clf.Learn(x, y, xVal, yVal, 5); err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if clf.Graph() == nil || !clf.Graph().Trained {
		t.Fatal("Learn left the classifier untrained")
	}
	for i := range x {
		if &x[i][0] != &xCopy[i][0] {
			t.Fatal("Learn modified the caller's training set")
		}
	}

	pred, err := clf.Predict(xVal)
	if err != nil {
		t.Fatal(err)
	}
	if acc, _ := Accuracy(yVal, pred); acc < 0.99 {
		t.Errorf("accuracy after learning = %v", acc)
	}
}

func TestPrune(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	x, y := blobs(rng, 40, 2, 2)
	xVal, yVal := blobs(rng, 5, 2, 2)

	clf, _ := New(testOptions(2))
	if _, err := clf.Prune(x, y, xVal, yVal, -1); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Prune with -1 iterations = %v, want ErrInvalidConfig", err)
	}

	ratio, err := clf.Prune(x, y, xVal, yVal, 3)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if ratio <= 0 || ratio >= 1 {
		t.Fatalf("prune ratio %v outside (0, 1)", ratio)
	}
	if want := int(math.Round((1 - ratio) * float64(len(x)))); clf.Graph().Len() != want {
		t.Errorf("graph has %d nodes, ratio implies %d", clf.Graph().Len(), want)
	}
}

func TestSaveLoad(t *testing.T) {
	opts := testOptions(2)
	opts.Metric = distance.LogEuclidean
	clf, _ := New(opts)
	x := [][]float32{{0}, {1}, {10}, {11}}
	clf.Fit(x, []int{1, 1, 2, 2})

	var buf bytes.Buffer
	if err := clf.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, _ := New(testOptions(1))
	if err := restored.Load(&buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Metric() != distance.LogEuclidean {
		t.Errorf("metric = %s, want %s", restored.Metric(), distance.LogEuclidean)
	}

	query := [][]float32{{-3}, {5}, {6}, {20}}
	a, _ := clf.Predict(query)
	b, err := restored.Predict(query)
	if err != nil {
		t.Fatalf("Predict after Load: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("sample %d: %d before save, %d after load", i, a[i], b[i])
		}
	}

	buf.Reset()
	if err := clf.ExportJSON(&buf); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	imported, _ := New(testOptions(1))
	if err := imported.ImportJSON(&buf); err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if imported.Graph().NumPrototypes() != 2 {
		t.Errorf("imported prototypes = %d, want 2", imported.Graph().NumPrototypes())
	}
}

func TestSaveUntrained(t *testing.T) {
	clf, _ := New(testOptions(1))
	if err := clf.Save(io.Discard); !errors.Is(err, ErrUntrained) {
		t.Errorf("Save = %v, want ErrUntrained", err)
	}
}

func TestAccuracy(t *testing.T) {
	cases := []struct {
		name        string
		truth, pred []int
		want        float64
	}{
		{"Perfect", []int{1, 2, 2, 3}, []int{1, 2, 2, 3}, 1},
		{"OneMistake", []int{1, 1, 2, 2}, []int{1, 2, 2, 2}, 0.75},
		{"AllWrong", []int{1, 2}, []int{2, 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Accuracy(tc.truth, tc.pred)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("Accuracy = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := Accuracy([]int{1}, []int{1, 2}); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("mismatched lengths = %v, want ErrSizeMismatch", err)
	}
}
