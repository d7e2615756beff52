// Package anomodel implements the isolation-forest anomaly detector: an
// from-scratch port of original_source/backend-fastapi-3/ml/isolation_forest.py,
// per spec.md §4.C6. Training builds n_estimators independent trees, each on
// an independent subsample; scoring averages path length across trees and
// negates it so more-anomalous points yield larger scores, matching the
// Python reference's score_samples convention.
package anomodel

import (
	"math"
	"math/rand"
	"sort"
)

// Node is one node of an isolation tree. Leaves carry no split info.
type Node struct {
	Leaf        bool
	SplitFeat   int32
	SplitValue  float64
	Left, Right *Node
}

// Tree is a single isolation tree built on one subsample.
type Tree struct {
	Root     *Node
	MaxDepth int
}

// Forest is a trained isolation forest.
type Forest struct {
	Trees         []*Tree
	NEstimators   int
	SubsampleSize int
	Contamination float64
	Threshold     float64
}

// Params configures training.
type Params struct {
	NEstimators   int     // default 100
	SubsampleSize int     // default 256
	Contamination float64 // default 0.05
}

func (p Params) withDefaults() Params {
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.SubsampleSize <= 0 {
		p.SubsampleSize = 256
	}
	if p.Contamination <= 0 {
		p.Contamination = 0.05
	}
	return p
}

// Train fits a Forest on X, a slice of fixed-length feature vectors, using
// rng for subsampling and split-value selection so callers can get
// reproducible training in tests.
func Train(X [][]float64, params Params, rng *rand.Rand) *Forest {
	params = params.withDefaults()
	n := len(X)
	subsampleSize := params.SubsampleSize
	if subsampleSize > n {
		subsampleSize = n
	}
	maxDepth := int(math.Ceil(log2(float64(subsampleSize))))

	f := &Forest{
		NEstimators:   params.NEstimators,
		SubsampleSize: subsampleSize,
		Contamination: params.Contamination,
	}

	for i := 0; i < params.NEstimators; i++ {
		subsample := sampleWithoutReplacement(X, subsampleSize, rng)
		tree := &Tree{MaxDepth: maxDepth}
		tree.Root = buildNode(subsample, 0, maxDepth, rng)
		f.Trees = append(f.Trees, tree)
	}

	scores := f.ScoreBatch(X)
	f.Threshold = percentile(scores, params.Contamination*100)
	return f
}

func log2(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Log2(x)
}

func sampleWithoutReplacement(X [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(X)
	idx := rng.Perm(n)[:k]
	out := make([][]float64, k)
	for i, j := range idx {
		out[i] = X[j]
	}
	return out
}

// buildNode recursively splits subset per spec.md §4.C6's termination
// rules: depth reached, subset size <= 1, min==max on the chosen feature,
// or an empty-side split.
func buildNode(subset [][]float64, depth, maxDepth int, rng *rand.Rand) *Node {
	if depth >= maxDepth || len(subset) <= 1 {
		return &Node{Leaf: true}
	}

	nFeatures := len(subset[0])
	feat := rng.Intn(nFeatures)

	min, max := subset[0][feat], subset[0][feat]
	for _, row := range subset[1:] {
		v := row[feat]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return &Node{Leaf: true}
	}

	splitValue := min + rng.Float64()*(max-min)

	var left, right [][]float64
	for _, row := range subset {
		if row[feat] <= splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &Node{Leaf: true}
	}

	return &Node{
		Leaf:       false,
		SplitFeat:  int32(feat),
		SplitValue: splitValue,
		Left:       buildNode(left, depth+1, maxDepth, rng),
		Right:      buildNode(right, depth+1, maxDepth, rng),
	}
}

// PathLength returns the depth of the leaf x reaches in this tree. No
// leaf-size correction is applied, per spec.md §4.C6.
func (t *Tree) PathLength(x []float64) int {
	node := t.Root
	depth := 0
	for node != nil && !node.Leaf {
		if x[node.SplitFeat] <= node.SplitValue {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth
}

// Score returns the anomaly score for x: the negative mean path length
// across all trees. Larger (less negative) scores are more anomalous.
func (f *Forest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.Trees {
		total += float64(tree.PathLength(x))
	}
	return -(total / float64(len(f.Trees)))
}

// ScoreBatch scores each row of X.
func (f *Forest) ScoreBatch(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = f.Score(x)
	}
	return out
}

// Predict reports whether x is anomalous: score > threshold.
func (f *Forest) Predict(x []float64) (score float64, anomaly bool) {
	score = f.Score(x)
	return score, score > f.Threshold
}

// percentile computes the p-th percentile (0..100) of scores using linear
// interpolation between closest ranks, matching numpy.percentile's default.
func percentile(scores []float64, p float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
