package detect

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"NetSentry/internal/model"
)

// minTrainingSamples is the smallest window the trainer will accept.
// Below this the model would just memorize noise.
const minTrainingSamples = 20

// centroidModel is the published form of the learned scorer: a global
// centroid with per-dimension scale estimated over a rolling window of
// feature vectors across the whole network. Immutable after training;
// evaluations always see a fully trained snapshot via atomic swap.
type centroidModel struct {
	mean      [model.NumDimensions]float64
	scale     [model.NumDimensions]float64
	samples   int
	trainedAt time.Time
}

// distance is the RMS of per-dimension z-like deviations from the
// centroid.
func (m *centroidModel) distance(v *model.FeatureVector) float64 {
	var sum float64
	for i, x := range v.Dimensions() {
		d := (x - m.mean[i]) / m.scale[i]
		sum += d * d
	}
	return math.Sqrt(sum / model.NumDimensions)
}

// learnedScorer keeps a bounded rolling window of recent vectors and
// periodically retrains the centroid model off the detection path.
type learnedScorer struct {
	mu     sync.Mutex
	window []*model.FeatureVector
	next   int
	filled bool

	active   atomic.Pointer[centroidModel]
	degraded atomic.Bool

	windowSize int
	zThreshold float64
}

func newLearnedScorer(windowSize int, zThreshold float64) *learnedScorer {
	if windowSize < minTrainingSamples {
		windowSize = minTrainingSamples
	}
	return &learnedScorer{
		window:     make([]*model.FeatureVector, windowSize),
		windowSize: windowSize,
		zThreshold: zThreshold,
	}
}

// record adds a vector to the rolling training window. Called on the hot
// path, so it only takes the short window lock.
func (l *learnedScorer) record(v *model.FeatureVector) {
	l.mu.Lock()
	l.window[l.next] = v
	l.next = (l.next + 1) % l.windowSize
	if l.next == 0 {
		l.filled = true
	}
	l.mu.Unlock()
}

// train builds a fresh model from the current window and publishes it
// atomically. Runs on the training ticker, never on the hot path. On
// failure the previous model, if any, stays active and the scorer is
// flagged degraded.
func (l *learnedScorer) train(now time.Time) error {
	l.mu.Lock()
	n := l.next
	if l.filled {
		n = l.windowSize
	}
	samples := make([]*model.FeatureVector, n)
	copy(samples, l.window[:n])
	l.mu.Unlock()

	if len(samples) < minTrainingSamples {
		l.degraded.Store(true)
		return fmt.Errorf("model training: %d samples, need at least %d", len(samples), minTrainingSamples)
	}

	m := &centroidModel{samples: len(samples), trainedAt: now}
	inv := 1.0 / float64(len(samples))
	for _, v := range samples {
		for i, x := range v.Dimensions() {
			m.mean[i] += x * inv
		}
	}
	for _, v := range samples {
		for i, x := range v.Dimensions() {
			d := x - m.mean[i]
			m.scale[i] += d * d * inv
		}
	}
	for i := range m.scale {
		m.scale[i] = math.Sqrt(m.scale[i])
		if m.scale[i] < sigmaFloor {
			m.scale[i] = sigmaFloor
		}
	}

	l.active.Store(m)
	l.degraded.Store(false)
	return nil
}

// score evaluates against the active model. The second return is false
// when no trained model is available; the caller then fuses the two
// remaining scorers only.
func (l *learnedScorer) score(v *model.FeatureVector) (float64, bool) {
	m := l.active.Load()
	if m == nil {
		return 0, false
	}
	d := m.distance(v)
	return d / (d + l.zThreshold), true
}

func (l *learnedScorer) isDegraded() bool { return l.degraded.Load() }
