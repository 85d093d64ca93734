package opf

import (
	"errors"
	"fmt"
	"slices"
)

// Accuracy returns the OPF accuracy of pred against truth: one minus the mean,
// over classes, of the false positive and false negative rates, each divided
// by two. It is balanced across classes of different sizes. Labels start at 1.
func Accuracy(truth, pred []int) (float64, error) {
	if len(truth) != len(pred) {
		return 0, fmt.Errorf("%w: %d labels, %d predictions", ErrSizeMismatch, len(truth), len(pred))
	}
	if len(truth) == 0 {
		return 0, errors.New("no labels to score")
	}
	if slices.Min(truth) < 1 || slices.Min(pred) < 1 {
		return 0, fmt.Errorf("%w: labels must be >= 1", ErrInvalidConfig)
	}

	classes := max(slices.Max(truth), slices.Max(pred))
	counts := make([]float64, classes)
	for _, l := range truth {
		counts[l-1]++
	}

	falsePos := make([]float64, classes)
	falseNeg := make([]float64, classes)
	for i, l := range truth {
		if p := pred[i]; p != l {
			falsePos[p-1]++
			falseNeg[l-1]++
		}
	}

	total := float64(len(truth))
	var errSum float64
	for k := 0; k < classes; k++ {
		if others := total - counts[k]; others > 0 {
			errSum += falsePos[k] / others
		}
		if counts[k] > 0 {
			errSum += falseNeg[k] / counts[k]
		}
	}
	return 1 - errSum/float64(2*classes), nil
}
