// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import "math/rand"

// Classifier scores an 8-dimensional feature vector in [0,1]: higher is
// more anomalous. The model is a pluggable detail — any implementation
// producing scores in [0,1] is acceptable — so Forest below is a
// deliberately small bagged-decision-stump reference implementation,
// not a production model.
type Classifier interface {
	// Train fits the classifier on a set of feature vectors observed
	// during the Training phase, all assumed to represent normal traffic.
	Train(samples [][8]float64) error
	// Score returns an anomaly score in [0,1] for features.
	Score(features [8]float64) float64
}

// stump is a single decision stump: vote 1 if features[featureIdx]
// exceeds threshold, else 0.
type stump struct {
	featureIdx int
	threshold  float64
}

func (s stump) vote(features [8]float64) float64 {
	if features[s.featureIdx] > s.threshold {
		return 1
	}
	return 0
}

// Forest is a bagged ensemble of feature-threshold stumps. Each stump is
// trained on a bootstrap resample of the training buffer: it picks one
// feature dimension and sets its threshold at that bootstrap sample's
// mean plus a multiple of its standard deviation, following the same
// mean/stddev-threshold idea as the Z-score tracker (ZScoreThreshold)
// but re-derived per stump so the ensemble isn't a single linear rule.
type Forest struct {
	stumps []stump
	trees  int
	rng    *rand.Rand
}

// NewForest returns an untrained Forest that will build treeCount stumps
// on the next call to Train.
func NewForest(treeCount int) *Forest {
	if treeCount <= 0 {
		treeCount = 50
	}
	return &Forest{trees: treeCount, rng: rand.New(rand.NewSource(1))}
}

func (f *Forest) Train(samples [][8]float64) error {
	if len(samples) == 0 {
		f.stumps = nil
		return nil
	}

	stumps := make([]stump, 0, f.trees)
	for i := 0; i < f.trees; i++ {
		featureIdx := f.rng.Intn(8)
		bootstrap := make([]float64, len(samples))
		for j := range bootstrap {
			bootstrap[j] = samples[f.rng.Intn(len(samples))][featureIdx]
		}

		var tracker Tracker
		for _, v := range bootstrap {
			tracker.Update(v)
		}

		k := 1.0 + f.rng.Float64()*2.0 // spread thresholds across [mean+1*std, mean+3*std]
		stumps = append(stumps, stump{
			featureIdx: featureIdx,
			threshold:  tracker.Mean + k*tracker.StdDev(),
		})
	}

	f.stumps = stumps
	return nil
}

// Score returns the fraction of stumps that vote "anomalous" for
// features, a value in [0,1].
func (f *Forest) Score(features [8]float64) float64 {
	if len(f.stumps) == 0 {
		return 0
	}
	var total float64
	for _, s := range f.stumps {
		total += s.vote(features)
	}
	return total / float64(len(f.stumps))
}
