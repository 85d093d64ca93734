package distance

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// ErrSizeMismatch is returned when a precomputed matrix does not match the
// number of nodes.
var ErrSizeMismatch = errors.New("distance matrix size mismatch")

// CheckSquare verifies that m is exactly n x n.
func CheckSquare(m mat.Matrix, n int) error {
	if m == nil {
		return fmt.Errorf("%w: nil matrix", ErrSizeMismatch)
	}
	r, c := m.Dims()
	if r != n || c != n {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrSizeMismatch, r, c, n, n)
	}
	return nil
}

// Precompute fills an n x n matrix with fn over every ordered pair of
// vectors. The diagonal is left at zero.
func Precompute(vectors [][]float32, fn FuncF32) (*mat.Dense, error) {
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("%w: no vectors", ErrSizeMismatch)
	}
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		if err := fillRow(out, vectors, fn, i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// PrecomputeParallel is Precompute with rows dealt round-robin to workers.
// Rows are disjoint, so writes need no locking. workers <= 1 falls back to
// the sequential version.
func PrecomputeParallel(vectors [][]float32, fn FuncF32, workers int) (*mat.Dense, error) {
	if workers <= 1 {
		return Precompute(vectors, fn)
	}
	n := len(vectors)
	if n == 0 {
		return nil, fmt.Errorf("%w: no vectors", ErrSizeMismatch)
	}
	out := mat.NewDense(n, n, nil)

	var group errgroup.Group
	group.SetLimit(workers)
	for w := 0; w < workers; w++ {
		w := w
		group.Go(func() error {
			for i := w; i < n; i += workers {
				if err := fillRow(out, vectors, fn, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func fillRow(out *mat.Dense, vectors [][]float32, fn FuncF32, i int) error {
	for j := range vectors {
		if i == j {
			continue
		}
		d, err := fn(vectors[i], vectors[j])
		if err != nil {
			return fmt.Errorf("distance(%d, %d): %w", i, j, err)
		}
		out.Set(i, j, d)
	}
	return nil
}
