// Package anomaly provides unsupervised outlier scoring for record feature
// matrices.
package anomaly

import (
	"github.com/opensource-sec/kestrel/internal/domain"
)

// Detector is the capability interface for unsupervised outlier detection.
// Fit trains on a bounded sample; Score returns a value in [0,1] where
// higher means more anomalous. Alternative algorithms (one-class SVM, LOF)
// can be substituted without touching the risk composer.
type Detector interface {
	// Fit trains the model on a feature matrix. Returns a ModelError
	// (errors.Is domain.ErrModel) when the sample is too small or has zero
	// variance; callers then fall back to rule-only scoring.
	Fit(matrix [][]float64) error

	// Score returns the anomaly score for one feature vector in [0,1].
	Score(vector []float64) float64

	// ScoreBatch scores every row and min-max normalizes the results over
	// the batch so the most normal record scores 0 and the most anomalous 1.
	ScoreBatch(matrix [][]float64) []float64

	// Threshold returns the raw-score cutoff above which a record counts
	// as anomalous, set from the configured contamination during Fit.
	Threshold() float64
}

// New returns the default detector (isolation forest) for a configuration.
func New(cfg domain.AnomalyConfig) Detector {
	return NewIsolationForest(cfg)
}
