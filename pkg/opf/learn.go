package opf

import (
	"fmt"
	"math"

	"github.com/sanonone/kektoropf/pkg/core/graph"
)

// minDelta stops Learn once accuracy settles.
const minDelta = 1e-4

// Learn refits the classifier iteratively, each time swapping misclassified
// validation samples with random non-prototype training samples, and keeps the
// forest that scored best on the validation set. The input slices are not
// modified.
func (c *Classifier) Learn(xTrain [][]float32, yTrain []int, xVal [][]float32, yVal []int, iterations int) error {
	if iterations <= 0 {
		return fmt.Errorf("%w: iterations must be greater than 0, got %d", ErrInvalidConfig, iterations)
	}
	if len(xTrain) != len(yTrain) || len(xVal) != len(yVal) {
		return fmt.Errorf("%w: features and labels differ in length", ErrSizeMismatch)
	}

	xTrain, yTrain = append([][]float32(nil), xTrain...), append([]int(nil), yTrain...)
	xVal, yVal = append([][]float32(nil), xVal...), append([]int(nil), yVal...)

	c.log.Info("Learning the best classifier", "iterations", iterations)

	var (
		best          *graph.Graph
		bestAccuracy  float64
		bestIteration = -1
		prevAccuracy  float64
	)
	for t := 0; t < iterations; t++ {
		if err := c.Fit(xTrain, yTrain); err != nil {
			return err
		}
		pred, err := c.Predict(xVal)
		if err != nil {
			return err
		}
		acc, err := Accuracy(yVal, pred)
		if err != nil {
			return err
		}

		if acc > bestAccuracy || best == nil {
			bestAccuracy = acc
			best = c.graph.Clone()
			bestIteration = t
		}

		for i := range yVal {
			if yVal[i] == pred[i] {
				continue
			}
			j := c.randomStandardNode()
			if j < 0 {
				break
			}
			xTrain[j], xVal[i] = xVal[i], xTrain[j]
			yTrain[j], yVal[i] = yVal[i], yTrain[j]
		}

		delta := math.Abs(acc - prevAccuracy)
		prevAccuracy = acc
		c.log.Info("Learning iteration", "iteration", t+1, "accuracy", acc, "delta", delta, "best", bestAccuracy)
		if delta < minDelta {
			break
		}
	}

	c.graph = best
	c.log.Info("Best classifier learned", "iteration", bestIteration+1, "accuracy", bestAccuracy)
	return nil
}

// randomStandardNode draws a random training node that is not a prototype, or
// returns -1 when the draws keep hitting prototypes.
func (c *Classifier) randomStandardNode() int {
	n := c.graph.Len()
	if c.graph.NumPrototypes() >= n {
		return -1
	}
	for attempt := 0; attempt < 4*n; attempt++ {
		if j := c.rng.Intn(n); !c.graph.Nodes[j].IsPrototype() {
			return j
		}
	}
	return -1
}

// Prune drops training nodes that never took part in conquering a validation
// sample, refitting after every pass. It returns the fraction of training
// nodes removed.
func (c *Classifier) Prune(xTrain [][]float32, yTrain []int, xVal [][]float32, yVal []int, iterations int) (float64, error) {
	if iterations <= 0 {
		return 0, fmt.Errorf("%w: iterations must be greater than 0, got %d", ErrInvalidConfig, iterations)
	}
	if len(xTrain) != len(yTrain) {
		return 0, fmt.Errorf("%w: features and labels differ in length", ErrSizeMismatch)
	}

	c.log.Info("Pruning classifier", "iterations", iterations)
	if err := c.Fit(xTrain, yTrain); err != nil {
		return 0, err
	}
	if _, err := c.Predict(xVal); err != nil {
		return 0, err
	}
	initial := len(xTrain)

	for t := 0; t < iterations; t++ {
		relevant := c.graph.Relevant()
		if len(relevant) == 0 || len(relevant) == len(xTrain) {
			break
		}
		keptX := make([][]float32, 0, len(relevant))
		keptY := make([]int, 0, len(relevant))
		for _, i := range relevant {
			keptX = append(keptX, xTrain[i])
			keptY = append(keptY, yTrain[i])
		}
		xTrain, yTrain = keptX, keptY

		if err := c.Fit(xTrain, yTrain); err != nil {
			return 0, err
		}
		pred, err := c.Predict(xVal)
		if err != nil {
			return 0, err
		}
		acc, err := Accuracy(yVal, pred)
		if err != nil {
			return 0, err
		}
		c.log.Info("Pruning iteration", "iteration", t+1, "nodes", len(xTrain), "accuracy", acc)
	}

	ratio := 1 - float64(len(xTrain))/float64(initial)
	c.log.Info("Classifier pruned", "ratio", ratio, "nodes", len(xTrain))
	return ratio, nil
}
