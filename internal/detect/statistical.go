package detect

import (
	"fmt"
	"math"

	"NetSentry/internal/model"
)

// sigmaFloor keeps z-scores finite for dimensions whose baseline variance
// has decayed to zero.
const sigmaFloor = 1e-6

// statisticalScorer compares each feature dimension against the host
// profile's mean and variance. A dimension triggers when its absolute
// z-score exceeds the configured threshold.
type statisticalScorer struct {
	zThreshold float64
}

// triggered records the signed z-score of every dimension that exceeded
// the threshold, keyed by dimension name. The sign tells the classifier
// whether the deviation was above or below baseline.
type triggered map[string]float64

// score returns the normalized anomaly score, the per-dimension triggers,
// and human-readable factor strings. A profile with no observations
// yields a zero score: there is no baseline to deviate from.
func (s *statisticalScorer) score(v *model.FeatureVector, prof model.NetworkProfile) (float64, triggered, []string) {
	if prof.Observations == 0 {
		return 0, nil, nil
	}

	dims := v.Dimensions()
	names := model.DimensionNames

	var maxAbsZ float64
	trig := make(triggered)
	var factors []string

	for i, x := range dims {
		sigma := math.Sqrt(prof.Variance[i])
		if sigma < sigmaFloor {
			sigma = sigmaFloor
		}
		z := (x - prof.Mean[i]) / sigma
		absZ := math.Abs(z)
		if absZ > maxAbsZ {
			maxAbsZ = absZ
		}
		if absZ >= s.zThreshold {
			trig[names[i]] = z
			factors = append(factors, fmt.Sprintf("%s z=%.1f (value %.2f, baseline %.2f)", names[i], z, x, prof.Mean[i]))
		}
	}
	return s.normalize(maxAbsZ), trig, factors
}

// normalize maps an absolute z-score onto [0,1). The threshold itself
// lands at 0.5 so that only clear exceedances reach the anomaly band.
func (s *statisticalScorer) normalize(absZ float64) float64 {
	if absZ <= 0 {
		return 0
	}
	return absZ / (absZ + s.zThreshold)
}
