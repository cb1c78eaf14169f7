package anomaly

import (
	"math"
	"math/rand"
	"sort"

	"github.com/opensource-sec/kestrel/internal/domain"
)

const eulerMascheroni = 0.5772156649

// IsolationForest isolates anomalies by random axis-aligned splits: outliers
// sit on short paths. Deterministic for a fixed seed and input, so
// re-scoring an unchanged session reproduces its scores.
type IsolationForest struct {
	cfg domain.AnomalyConfig

	trees      []*isoNode
	mean, std  []float64
	sampleSize int
	threshold  float64
	fitted     bool
}

type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int // external node population
}

// NewIsolationForest creates an untrained forest.
func NewIsolationForest(cfg domain.AnomalyConfig) *IsolationForest {
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.MinTrainCount <= 0 {
		cfg.MinTrainCount = 10
	}
	return &IsolationForest{cfg: cfg}
}

// Fit trains the forest. The training sample is capped at MaxTrainCount via
// deterministic stride subsampling; every record is still scorable through
// Score. Fewer than MinTrainCount rows or zero variance across all features
// returns a ModelError and leaves the forest unfitted.
func (f *IsolationForest) Fit(matrix [][]float64) error {
	if len(matrix) < f.cfg.MinTrainCount {
		return domain.ModelError("insufficient training sample")
	}

	sample := matrix
	if f.cfg.MaxTrainCount > 0 && len(matrix) > f.cfg.MaxTrainCount {
		sample = subsample(matrix, f.cfg.MaxTrainCount)
	}

	mean, std := moments(sample)
	if allZero(std) {
		return domain.ModelError("zero feature variance")
	}
	f.mean, f.std = mean, std

	scaled := make([][]float64, len(sample))
	for i, row := range sample {
		scaled[i] = f.standardize(row)
	}

	f.sampleSize = f.cfg.SampleSize
	if f.sampleSize > len(scaled) {
		f.sampleSize = len(scaled)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(f.sampleSize)))) + 1

	rng := rand.New(rand.NewSource(f.cfg.Seed))
	f.trees = make([]*isoNode, f.cfg.Trees)
	for t := range f.trees {
		idx := rng.Perm(len(scaled))[:f.sampleSize]
		subset := make([][]float64, f.sampleSize)
		for i, j := range idx {
			subset[i] = scaled[j]
		}
		f.trees[t] = buildTree(subset, 0, heightLimit, rng)
	}

	f.fitted = true
	f.threshold = f.contaminationCutoff(sample)
	return nil
}

// contaminationCutoff sets the anomalous cutoff at the (1 - contamination)
// quantile of the training scores, so roughly the configured fraction of the
// training sample falls above it.
func (f *IsolationForest) contaminationCutoff(sample [][]float64) float64 {
	contamination := f.cfg.Contamination
	if contamination <= 0 || contamination >= 1 {
		contamination = 0.1
	}

	scores := make([]float64, len(sample))
	for i, row := range sample {
		scores[i] = f.Score(row)
	}
	sort.Float64s(scores)

	idx := int(math.Ceil(float64(len(scores)) * (1 - contamination)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// Threshold reports the raw-score cutoff above which a record counts as
// anomalous. Zero until the forest is fitted.
func (f *IsolationForest) Threshold() float64 {
	return f.threshold
}

// Score returns the anomaly score for one vector: 2^(-E[h(x)]/c(n)), in
// (0,1], higher = more anomalous. An unfitted forest scores the neutral 0.
func (f *IsolationForest) Score(vector []float64) float64 {
	if !f.fitted || len(f.trees) == 0 {
		return 0
	}

	x := f.standardize(vector)
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))

	return math.Pow(2, -avg/avgPathLength(f.sampleSize))
}

// ScoreBatch scores every row and min-max normalizes over the batch,
// matching the downstream expectation that the most normal record in a
// session scores 0 and the most anomalous 1. A flat batch scores all zeros.
func (f *IsolationForest) ScoreBatch(matrix [][]float64) []float64 {
	scores := make([]float64, len(matrix))
	if !f.fitted {
		return scores
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i, row := range matrix {
		scores[i] = f.Score(row)
		lo = math.Min(lo, scores[i])
		hi = math.Max(hi, scores[i])
	}

	if hi-lo < 1e-12 {
		return make([]float64, len(matrix))
	}
	for i := range scores {
		scores[i] = (scores[i] - lo) / (hi - lo)
	}
	return scores
}

func (f *IsolationForest) standardize(row []float64) []float64 {
	out := make([]float64, len(row))
	for i := range row {
		if i >= len(f.mean) {
			break
		}
		if f.std[i] > 0 {
			out[i] = (row[i] - f.mean[i]) / f.std[i]
		}
	}
	return out
}

func buildTree(rows [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(rows) <= 1 {
		return &isoNode{feature: -1, size: len(rows)}
	}

	dims := len(rows[0])
	// Pick among features that still vary in this partition.
	candidates := make([]int, 0, dims)
	for d := 0; d < dims; d++ {
		lo, hi := minMax(rows, d)
		if hi > lo {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{feature: -1, size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	lo, hi := minMax(rows, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, limit, rng),
		right:   buildTree(right, depth+1, limit, rng),
	}
}

func pathLength(n *isoNode, x []float64, depth float64) float64 {
	if n.feature < 0 {
		return depth + avgPathLength(n.size)
	}
	if x[n.feature] < n.split {
		return pathLength(n.left, x, depth+1)
	}
	return pathLength(n.right, x, depth+1)
}

// avgPathLength is c(n), the average unsuccessful-search path length of a
// binary search tree with n nodes.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

// subsample picks count rows by stride so the choice is deterministic and
// spread across the batch.
func subsample(matrix [][]float64, count int) [][]float64 {
	out := make([][]float64, 0, count)
	stride := float64(len(matrix)) / float64(count)
	for i := 0; i < count; i++ {
		out = append(out, matrix[int(float64(i)*stride)])
	}
	return out
}

func moments(matrix [][]float64) (mean, std []float64) {
	dims := len(matrix[0])
	mean = make([]float64, dims)
	std = make([]float64, dims)

	for _, row := range matrix {
		for d := 0; d < dims && d < len(row); d++ {
			mean[d] += row[d]
		}
	}
	for d := range mean {
		mean[d] /= float64(len(matrix))
	}
	for _, row := range matrix {
		for d := 0; d < dims && d < len(row); d++ {
			diff := row[d] - mean[d]
			std[d] += diff * diff
		}
	}
	for d := range std {
		std[d] = math.Sqrt(std[d] / float64(len(matrix)))
	}
	return mean, std
}

func allZero(vals []float64) bool {
	for _, v := range vals {
		if v > 1e-12 {
			return false
		}
	}
	return true
}

func minMax(rows [][]float64, d int) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, row := range rows {
		lo = math.Min(lo, row[d])
		hi = math.Max(hi, row[d])
	}
	return lo, hi
}
