package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/opensource-sec/kestrel/internal/domain"
)

func testConfig() domain.AnomalyConfig {
	return domain.DefaultConfig().Anomaly
}

// clusterWithOutlier builds a tight two-dimensional cluster around (0,0) with
// one far outlier appended as the last row.
func clusterWithOutlier(n int) [][]float64 {
	rng := rand.New(rand.NewSource(7))
	matrix := make([][]float64, 0, n+1)
	for i := 0; i < n; i++ {
		matrix = append(matrix, []float64{
			rng.NormFloat64() * 0.1,
			rng.NormFloat64() * 0.1,
		})
	}
	matrix = append(matrix, []float64{10, 10})
	return matrix
}

func TestFitRejectsSmallSample(t *testing.T) {
	forest := NewIsolationForest(testConfig())

	matrix := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	err := forest.Fit(matrix)
	if err == nil {
		t.Fatal("Fit should reject a sample below MinTrainCount")
	}
	if !errors.Is(err, domain.ErrModel) {
		t.Errorf("error = %v, want ErrModel", err)
	}

	// Unfitted forest scores neutral.
	if got := forest.Score([]float64{1, 2}); got != 0 {
		t.Errorf("unfitted Score = %v, want 0", got)
	}
	if got := forest.Threshold(); got != 0 {
		t.Errorf("unfitted Threshold = %v, want 0", got)
	}
}

func TestFitRejectsZeroVariance(t *testing.T) {
	forest := NewIsolationForest(testConfig())

	matrix := make([][]float64, 50)
	for i := range matrix {
		matrix[i] = []float64{1, 1, 1}
	}

	err := forest.Fit(matrix)
	if !errors.Is(err, domain.ErrModel) {
		t.Errorf("error = %v, want ErrModel", err)
	}
}

func TestOutlierScoresHigher(t *testing.T) {
	forest := NewIsolationForest(testConfig())
	matrix := clusterWithOutlier(100)

	if err := forest.Fit(matrix); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	outlier := forest.Score(matrix[len(matrix)-1])
	inlier := forest.Score(matrix[0])
	if outlier <= inlier {
		t.Errorf("outlier score %v should exceed inlier score %v", outlier, inlier)
	}
	if outlier <= 0 || outlier > 1 {
		t.Errorf("outlier score %v out of (0,1]", outlier)
	}
	if outlier <= forest.Threshold() {
		t.Errorf("outlier %v should sit above the contamination cutoff %v", outlier, forest.Threshold())
	}
}

func TestDeterminism(t *testing.T) {
	matrix := clusterWithOutlier(80)

	a := NewIsolationForest(testConfig())
	b := NewIsolationForest(testConfig())
	if err := a.Fit(matrix); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if err := b.Fit(matrix); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	scoresA := a.ScoreBatch(matrix)
	scoresB := b.ScoreBatch(matrix)
	if !reflect.DeepEqual(scoresA, scoresB) {
		t.Error("same seed and input must reproduce identical scores")
	}
	if a.Threshold() != b.Threshold() {
		t.Errorf("thresholds differ: %v vs %v", a.Threshold(), b.Threshold())
	}

	c := NewIsolationForest(domain.AnomalyConfig{
		Contamination: 0.1, Trees: 100, SampleSize: 256,
		MinTrainCount: 10, Seed: 99,
	})
	if err := c.Fit(matrix); err != nil {
		t.Fatalf("Fit with different seed: %v", err)
	}
	if reflect.DeepEqual(scoresA, c.ScoreBatch(matrix)) {
		t.Error("a different seed should produce different raw scores")
	}
}

func TestScoreBatchNormalization(t *testing.T) {
	forest := NewIsolationForest(testConfig())
	matrix := clusterWithOutlier(60)

	if err := forest.Fit(matrix); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	scores := forest.ScoreBatch(matrix)
	if len(scores) != len(matrix) {
		t.Fatalf("scores = %d, want %d", len(scores), len(matrix))
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		if s < 0 || s > 1 {
			t.Errorf("score %v out of [0,1]", s)
		}
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	if lo != 0 || hi != 1 {
		t.Errorf("normalized range = [%v,%v], want [0,1]", lo, hi)
	}

	// The appended outlier is the most anomalous row.
	if scores[len(scores)-1] != 1 {
		t.Errorf("outlier normalized score = %v, want 1", scores[len(scores)-1])
	}
}

func TestScoreBatchUnfitted(t *testing.T) {
	forest := NewIsolationForest(testConfig())
	scores := forest.ScoreBatch([][]float64{{1}, {2}, {3}})
	for i, s := range scores {
		if s != 0 {
			t.Errorf("unfitted score[%d] = %v, want 0", i, s)
		}
	}
}

func TestContaminationCutoff(t *testing.T) {
	cfg := testConfig()
	cfg.Contamination = 0.2
	forest := NewIsolationForest(cfg)
	matrix := clusterWithOutlier(100)

	if err := forest.Fit(matrix); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// Roughly the configured fraction of the training sample scores above
	// the cutoff. Quantile rounding allows some slack.
	above := 0
	for _, row := range matrix {
		if forest.Score(row) > forest.Threshold() {
			above++
		}
	}
	fraction := float64(above) / float64(len(matrix))
	if fraction > 0.3 {
		t.Errorf("fraction above cutoff = %v, want <= ~0.2", fraction)
	}
}

func TestSubsampleBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTrainCount = 50
	forest := NewIsolationForest(cfg)

	matrix := clusterWithOutlier(500)
	if err := forest.Fit(matrix); err != nil {
		t.Fatalf("Fit with subsampling: %v", err)
	}

	// Every row remains scorable even when training subsampled.
	for i, row := range matrix {
		s := forest.Score(row)
		if s < 0 || s > 1 {
			t.Errorf("score[%d] = %v out of [0,1]", i, s)
		}
	}
}

func TestDetectorFactory(t *testing.T) {
	d := New(testConfig())
	if _, ok := d.(*IsolationForest); !ok {
		t.Errorf("New returned %T, want *IsolationForest", d)
	}
}
