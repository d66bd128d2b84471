package detectors

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649

type isoNode struct {
	split       float64
	left, right *isoNode
	size        int
	leaf        bool
}

// isolationForest is a one-dimensional isolation ensemble. Anomalous values are
// separated from the rest with fewer random splits than ordinary ones.
type isolationForest struct {
	trees      []*isoNode
	numTrees   int
	sampleSize int
	maxDepth   int
	rng        *rand.Rand
}

func newIsolationForest(numTrees, maxSamples int, seed int64) *isolationForest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &isolationForest{
		numTrees:   numTrees,
		sampleSize: maxSamples,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (f *isolationForest) fit(values []float64) {
	f.trees = f.trees[:0]
	if len(values) == 0 {
		return
	}
	if f.sampleSize > len(values) {
		f.sampleSize = len(values)
	}
	f.maxDepth = int(math.Ceil(math.Log2(math.Max(float64(f.sampleSize), 2))))

	for i := 0; i < f.numTrees; i++ {
		f.trees = append(f.trees, f.build(f.sample(values), 0))
	}
}

// sample draws sampleSize values without replacement (partial Fisher-Yates).
func (f *isolationForest) sample(values []float64) []float64 {
	shuffled := append([]float64(nil), values...)
	for i := 0; i < f.sampleSize; i++ {
		j := i + f.rng.Intn(len(shuffled)-i)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:f.sampleSize]
}

func (f *isolationForest) build(data []float64, depth int) *isoNode {
	if len(data) <= 1 || depth >= f.maxDepth {
		return &isoNode{size: len(data), leaf: true}
	}
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo == hi {
		return &isoNode{size: len(data), leaf: true}
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range data {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(data), leaf: true}
	}
	return &isoNode{
		split: split,
		left:  f.build(left, depth+1),
		right: f.build(right, depth+1),
		size:  len(data),
	}
}

func (f *isolationForest) pathLength(node *isoNode, v float64, depth int) float64 {
	if node.leaf {
		return float64(depth) + averagePathLength(node.size)
	}
	if v < node.split {
		return f.pathLength(node.left, v, depth+1)
	}
	return f.pathLength(node.right, v, depth+1)
}

// anomalyScore returns s = 2^(-E[h(v)]/c(n)); values near 1 are isolated quickly.
func (f *isolationForest) anomalyScore(v float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += f.pathLength(t, v, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// decisionFunction shifts the negated scores so that the contamination share of
// values falls below zero. Negative results are anomalous.
func (f *isolationForest) decisionFunction(values []float64, contamination float64) []float64 {
	raw := make([]float64, len(values))
	for i, v := range values {
		raw[i] = -f.anomalyScore(v)
	}
	offset := percentile(raw, contamination*100)
	out := make([]float64, len(values))
	for i := range raw {
		out[i] = raw[i] - offset
	}
	return out
}

// averagePathLength is c(n), the mean unsuccessful-search depth of a BST with n nodes.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*harmonic(n-1) - 2*(fn-1)/fn
}

func harmonic(n int) float64 {
	return math.Log(float64(n)) + eulerGamma
}
