// Package distance provides the arc-weight functions used to build and query
// optimum-path forests.
//
// Metrics form a closed, tagged set (Euclidean, LogEuclidean,
// LogSquaredEuclidean, Cosine). Each tag maps to an implementation per storage
// precision through a lookup table, so a trained model persists the tag name
// and resolves the function again on load.
//
// float32 kernels run on the Gonum BLAS engine; float16 vectors are widened to
// float32 element by element.
package distance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

// --- Public Types ---

// Metric identifies a distance function by name.
type Metric string

// Precision defines the data type used to store feature vectors.
type Precision string

const (
	// Euclidean is the squared Euclidean distance.
	Euclidean Metric = "euclidean"
	// LogEuclidean is MaxArcWeight * ln(sqrt(d + 1)) over the squared Euclidean distance d.
	LogEuclidean Metric = "log_euclidean"
	// LogSquaredEuclidean is MaxArcWeight * ln(d + 1) over the squared Euclidean distance d.
	LogSquaredEuclidean Metric = "log_squared_euclidean"
	// Cosine is 1 - cosine similarity.
	Cosine Metric = "cosine"

	// Float32 stores features as single-precision floats.
	Float32 Precision = "float32"
	// Float16 stores features as IEEE 754 half-precision bits.
	Float16 Precision = "float16"
)

// MaxArcWeight scales the logarithmic metrics.
const MaxArcWeight = 100000

// FuncF32 computes the distance between two float32 vectors.
type FuncF32 func(v1, v2 []float32) (float64, error)

// FuncF16 computes the distance between two float16 vectors.
type FuncF16 func(v1, v2 []uint16) (float64, error)

// ErrLengthMismatch is returned when two vectors have different dimensions.
var ErrLengthMismatch = errors.New("vectors must have the same length")

// --- WORKSPACE POOL ---

// diffWorkspace lends scratch slices for the element-wise difference of two
// vectors so that the hot relaxation loop does not allocate.
var diffWorkspace = sync.Pool{
	New: func() interface{} {
		s := make([]float32, 256)
		return &s
	},
}

var gonumEngine = gonum.Implementation{}

// --- float32 kernels ---

// squaredEuclideanGonum computes sum((v1-v2)^2) with BLAS Saxpy + Sdot.
func squaredEuclideanGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, fmt.Errorf("squared euclidean: %w (%d != %d)", ErrLengthMismatch, n, len(v2))
	}
	if n == 0 {
		return 0, nil
	}

	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)
	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, v1)
	gonumEngine.Saxpy(n, -1, v2, 1, diff, 1)
	return float64(gonumEngine.Sdot(n, diff, 1, diff, 1)), nil
}

// cosineGonum computes 1 - <v1,v2>/(|v1||v2|). A zero vector is at distance 1
// from everything.
func cosineGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, fmt.Errorf("cosine: %w (%d != %d)", ErrLengthMismatch, n, len(v2))
	}
	if n == 0 {
		return 1, nil
	}
	n1 := gonumEngine.Snrm2(n, v1, 1)
	n2 := gonumEngine.Snrm2(n, v2, 1)
	if n1 == 0 || n2 == 0 {
		return 1, nil
	}
	sim := float64(gonumEngine.Sdot(n, v1, 1, v2, 1)) / (float64(n1) * float64(n2))
	// Rounding can push the similarity slightly outside [-1, 1].
	sim = math.Max(-1, math.Min(1, sim))
	return 1 - sim, nil
}

// --- float16 kernels ---

// squaredEuclideanFloat16 widens each component to float32 before subtracting.
func squaredEuclideanFloat16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fmt.Errorf("squared euclidean (float16): %w (%d != %d)", ErrLengthMismatch, len(v1), len(v2))
	}
	var sum float32
	for i := range v1 {
		diff := float16.Frombits(v1[i]).Float32() - float16.Frombits(v2[i]).Float32()
		sum += diff * diff
	}
	return float64(sum), nil
}

// --- Logarithmic wrappers ---

func logEuclidean(d float64) float64 {
	return MaxArcWeight * math.Log(math.Sqrt(d+1))
}

func logSquaredEuclidean(d float64) float64 {
	return MaxArcWeight * math.Log(d+1)
}

func wrapF32(base FuncF32, transform func(float64) float64) FuncF32 {
	return func(v1, v2 []float32) (float64, error) {
		d, err := base(v1, v2)
		if err != nil {
			return 0, err
		}
		return transform(d), nil
	}
}

func wrapF16(base FuncF16, transform func(float64) float64) FuncF16 {
	return func(v1, v2 []uint16) (float64, error) {
		d, err := base(v1, v2)
		if err != nil {
			return 0, err
		}
		return transform(d), nil
	}
}

// --- Function Catalogs and Dispatchers ---

// float32Funcs maps a metric to its float32 implementation.
var float32Funcs = map[Metric]FuncF32{
	Euclidean:           squaredEuclideanGonum,
	LogEuclidean:        wrapF32(squaredEuclideanGonum, logEuclidean),
	LogSquaredEuclidean: wrapF32(squaredEuclideanGonum, logSquaredEuclidean),
	Cosine:              cosineGonum,
}

// float16Funcs maps a metric to its float16 implementation.
var float16Funcs = map[Metric]FuncF16{
	Euclidean:           squaredEuclideanFloat16,
	LogEuclidean:        wrapF16(squaredEuclideanFloat16, logEuclidean),
	LogSquaredEuclidean: wrapF16(squaredEuclideanFloat16, logSquaredEuclidean),
}

// GetFloat32Func returns the float32 implementation of metric.
func GetFloat32Func(metric Metric) (FuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float32 precision", metric)
	}
	return fn, nil
}

// GetFloat16Func returns the float16 implementation of metric.
func GetFloat16Func(metric Metric) (FuncF16, error) {
	fn, ok := float16Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float16 precision", metric)
	}
	return fn, nil
}

// Supports reports whether metric has an implementation for precision.
func Supports(metric Metric, precision Precision) bool {
	switch precision {
	case Float32:
		_, ok := float32Funcs[metric]
		return ok
	case Float16:
		_, ok := float16Funcs[metric]
		return ok
	}
	return false
}

// ParseMetric resolves a metric from its name.
func ParseMetric(name string) (Metric, error) {
	m := Metric(name)
	if _, ok := float32Funcs[m]; !ok {
		return "", fmt.Errorf("unknown distance metric '%s'", name)
	}
	return m, nil
}

// ParsePrecision resolves a precision from its name.
func ParsePrecision(name string) (Precision, error) {
	switch p := Precision(name); p {
	case Float32, Float16:
		return p, nil
	}
	return "", fmt.Errorf("unknown precision '%s'", name)
}

// Metrics lists every known metric name in ascending order.
func Metrics() []string {
	names := make([]string, 0, len(float32Funcs))
	for m := range float32Funcs {
		names = append(names, string(m))
	}
	sort.Strings(names)
	return names
}

// ToFloat16 converts a float32 vector into half-precision bits.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}
