package distance

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// Helper per il confronto con tolleranza
func floatsAreEqual(a, b float64) bool {
	const tolerance = 1e-6
	return math.Abs(a-b) < tolerance
}

func TestImplementations(t *testing.T) {
	v1, v2 := []float32{1, 2}, []float32{3, 4}

	t.Run("EuclideanF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(Euclidean)
		expected := 8.0 // (3-1)^2 + (4-2)^2 = 4 + 4 = 8
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %f, want %f", dist, expected)
		}
	})

	t.Run("LogEuclideanF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(LogEuclidean)
		expected := MaxArcWeight * math.Log(math.Sqrt(9))
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %f, want %f", dist, expected)
		}
	})

	t.Run("LogSquaredEuclideanF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(LogSquaredEuclidean)
		expected := MaxArcWeight * math.Log(9)
		dist, _ := fn(v1, v2)
		if !floatsAreEqual(dist, expected) {
			t.Errorf("got %f, want %f", dist, expected)
		}
	})

	t.Run("CosineF32", func(t *testing.T) {
		fn, _ := GetFloat32Func(Cosine)
		dist, _ := fn([]float32{1, 2, 3}, []float32{2, 4, 6})
		if !floatsAreEqual(dist, 0) {
			t.Errorf("parallel vectors: got %.15f, want 0", dist)
		}
		dist, _ = fn([]float32{1, 0}, []float32{0, 1})
		if !floatsAreEqual(dist, 1) {
			t.Errorf("orthogonal vectors: got %f, want 1", dist)
		}
		dist, _ = fn([]float32{0, 0}, []float32{0, 1})
		if !floatsAreEqual(dist, 1) {
			t.Errorf("zero vector: got %f, want 1", dist)
		}
	})

	t.Run("EuclideanF16", func(t *testing.T) {
		fn, _ := GetFloat16Func(Euclidean)
		dist, _ := fn(ToFloat16(v1), ToFloat16(v2))
		if !floatsAreEqual(dist, 8.0) {
			t.Errorf("got %f, want 8", dist)
		}
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		for _, m := range []Metric{Euclidean, LogEuclidean, Cosine} {
			fn, _ := GetFloat32Func(m)
			if _, err := fn([]float32{1}, []float32{1, 2}); !errors.Is(err, ErrLengthMismatch) {
				t.Errorf("%s: got %v, want ErrLengthMismatch", m, err)
			}
		}
		fn, _ := GetFloat16Func(Euclidean)
		if _, err := fn([]uint16{1}, nil); !errors.Is(err, ErrLengthMismatch) {
			t.Errorf("float16: got %v, want ErrLengthMismatch", err)
		}
	})
}

func TestCatalog(t *testing.T) {
	for _, name := range Metrics() {
		m, err := ParseMetric(name)
		if err != nil {
			t.Fatalf("ParseMetric(%q): %v", name, err)
		}
		if string(m) != name {
			t.Errorf("ParseMetric(%q) = %q", name, m)
		}
		if !Supports(m, Float32) {
			t.Errorf("%s should support float32", m)
		}
	}
	if _, err := ParseMetric("manhattan"); err == nil {
		t.Error("expected error for unknown metric")
	}
	if Supports(Cosine, Float16) {
		t.Error("cosine is not implemented for float16")
	}
	if _, err := GetFloat16Func(Cosine); err == nil {
		t.Error("expected error for cosine/float16")
	}
	if _, err := ParsePrecision("int8"); err == nil {
		t.Error("expected error for unknown precision")
	}
}

func TestPrecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	vectors := make([][]float32, 37)
	for i := range vectors {
		vectors[i] = []float32{rng.Float32(), rng.Float32(), rng.Float32()}
	}
	fn, _ := GetFloat32Func(Euclidean)

	seq, err := Precompute(vectors, fn)
	if err != nil {
		t.Fatalf("Precompute: %v", err)
	}
	par, err := PrecomputeParallel(vectors, fn, 4)
	if err != nil {
		t.Fatalf("PrecomputeParallel: %v", err)
	}
	if !mat.Equal(seq, par) {
		t.Fatal("parallel matrix differs from sequential matrix")
	}
	if err := CheckSquare(seq, len(vectors)); err != nil {
		t.Errorf("CheckSquare: %v", err)
	}
	for i := range vectors {
		if seq.At(i, i) != 0 {
			t.Errorf("diagonal (%d,%d) = %f", i, i, seq.At(i, i))
		}
	}
	want, _ := fn(vectors[3], vectors[10])
	if seq.At(3, 10) != want {
		t.Errorf("At(3,10) = %f, want %f", seq.At(3, 10), want)
	}
}

func TestPrecomputeErrors(t *testing.T) {
	fn, _ := GetFloat32Func(Euclidean)
	if _, err := PrecomputeParallel([][]float32{{1}, {1, 2}}, fn, 2); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("ragged vectors: got %v, want ErrLengthMismatch", err)
	}
	if err := CheckSquare(mat.NewDense(2, 3, nil), 2); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("2x3 matrix: got %v, want ErrSizeMismatch", err)
	}
	if err := CheckSquare(mat.NewDense(3, 3, nil), 2); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("3x3 matrix for 2 nodes: got %v, want ErrSizeMismatch", err)
	}
}

// --- BENCHMARK ---

func generateVectors(dims int) ([]float32, []float32) {
	v1 := make([]float32, dims)
	v2 := make([]float32, dims)
	for i := 0; i < dims; i++ {
		v1[i] = rand.Float32()
		v2[i] = rand.Float32()
	}
	return v1, v2
}

func BenchmarkFloat32(b *testing.B) {
	dims := []int{16, 64, 256, 1024}
	for _, m := range []Metric{Euclidean, LogSquaredEuclidean, Cosine} {
		fn, _ := GetFloat32Func(m)
		for _, d := range dims {
			b.Run(fmt.Sprintf("%s_%dD", m, d), func(b *testing.B) {
				v1, v2 := generateVectors(d)
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					fn(v1, v2)
				}
			})
		}
	}
}

func BenchmarkFloat16(b *testing.B) {
	f16Func, _ := GetFloat16Func(Euclidean)
	for _, d := range []int{16, 64, 256, 1024} {
		b.Run(fmt.Sprintf("Euclidean_%dD", d), func(b *testing.B) {
			v1, v2 := generateVectors(d)
			h1, h2 := ToFloat16(v1), ToFloat16(v2)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				f16Func(h1, h2)
			}
		})
	}
}
