// Package detect scores feature vectors with three independent methods,
// statistical z-scores against per-host baselines, a periodically
// retrained centroid outlier model, and per-host behavioral clustering,
// and fuses them into a single AnomalyScore.
package detect

import (
	"fmt"
	"log"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// agreeThreshold is the low bar a scorer must clear to count as agreeing
// with the fused verdict.
const agreeThreshold = 0.3

// warningBandCap is the highest fused score a host with no variance
// history can receive from pure deviation signals. First sight of a new
// host must never mint a CRITICAL on its own; explicit attack
// signatures bypass the cap.
const warningBandCap = 0.65

// signatureConfidence floors the confidence of a signature-matched
// score so cold-profile penalties cannot suppress a recognized attack.
const signatureConfidence = 0.8

// Detector fuses the three scorers. Evaluate is safe for concurrent use;
// model training runs on its own ticker goroutine and publishes new
// models atomically.
type Detector struct {
	statistical *statisticalScorer
	learned     *learnedScorer
	behavioral  *behavioralScorer
	heuristics  *heuristics

	statWeight  float64
	learnWeight float64
	behWeight   float64

	anomalyThreshold    float64
	confidenceThreshold float64
	coldPenalty         float64
	minObs              int64

	trainInterval time.Duration

	wg   sync.WaitGroup
	quit chan struct{}
}

func NewDetector(cfg config.DetectorConfig, minObservations int64) *Detector {
	return &Detector{
		statistical:         &statisticalScorer{zThreshold: cfg.ZScoreThreshold},
		learned:             newLearnedScorer(cfg.TrainingWindowSize, cfg.ZScoreThreshold),
		behavioral:          newBehavioralScorer(),
		heuristics:          newHeuristics(),
		statWeight:          cfg.StatisticalWeight,
		learnWeight:         cfg.LearnedWeight,
		behWeight:           cfg.BehavioralWeight,
		anomalyThreshold:    cfg.AnomalyThreshold,
		confidenceThreshold: cfg.ConfidenceThreshold,
		coldPenalty:         cfg.ColdPenalty,
		minObs:              minObservations,
		trainInterval:       config.Duration(cfg.ModelUpdateInterval),
		quit:                make(chan struct{}),
	}
}

// Start launches the background training loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.trainLoop()
}

// Stop terminates the training loop.
func (d *Detector) Stop() {
	close(d.quit)
	d.wg.Wait()
	log.Println("Detector stopped.")
}

func (d *Detector) trainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.trainInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if err := d.learned.train(now); err != nil {
				log.Printf("Detector: degraded, %v", err)
			}
			d.heuristics.sweep(now)
		case <-d.quit:
			return
		}
	}
}

// TrainNow retrains the learned model synchronously. The pipeline calls
// it once at startup after replaying stored history.
func (d *Detector) TrainNow() error {
	return d.learned.train(time.Now())
}

// Degraded reports whether the learned scorer is unavailable. Detection
// continues on the statistical and behavioral scorers alone.
func (d *Detector) Degraded() bool {
	return d.learned.isDegraded()
}

// Anomalous applies the configured score and confidence gates.
func (d *Detector) Anomalous(s model.AnomalyScore) bool {
	return s.Score >= d.anomalyThreshold && s.Confidence >= d.confidenceThreshold
}

// Evaluate scores one feature vector against the host's profile snapshot
// and the shared models. The vector is also recorded for future
// training.
func (d *Detector) Evaluate(v *model.FeatureVector, prof model.NetworkProfile) model.AnomalyScore {
	statScore, trig, factors := d.statistical.score(v, prof)
	learnScore, learnOK := d.learned.score(v)
	behScore := d.behavioral.score(v)
	d.learned.record(v)

	type part struct {
		score     float64
		available bool
	}
	parts := []part{
		{statScore * d.statWeight, prof.Observations > 0},
		{learnScore * d.learnWeight, learnOK},
		{behScore * d.behWeight, true},
	}

	var fused float64
	available, agreeing := 0, 0
	for _, p := range parts {
		if !p.available {
			continue
		}
		available++
		if p.score > fused {
			fused = p.score
		}
		if p.score >= agreeThreshold {
			agreeing++
		}
	}

	confidence := 0.0
	if available > 0 {
		confidence = float64(agreeing) / float64(available)
	}
	if prof.Cold(d.minObs) {
		confidence -= d.coldPenalty
		if confidence < 0 {
			confidence = 0
		}
	}

	attack, sigScore, sigFactors := d.heuristics.assess(v, trig)
	factors = append(factors, sigFactors...)

	// A host with no variance history never scores above the WARNING
	// band on deviation alone.
	if zeroVariance(prof) && sigScore == 0 && fused > warningBandCap {
		fused = warningBandCap
	}
	if sigScore > fused {
		fused = sigScore
	}
	if sigScore > 0 && confidence < signatureConfidence {
		confidence = signatureConfidence
	}

	return model.AnomalyScore{
		Score:       fused,
		Confidence:  confidence,
		Method:      model.MethodFused,
		AttackType:  attack,
		Explanation: d.explain(statScore, learnScore, behScore, learnOK, sigScore, attack),
		Factors:     factors,
		FlowKey:     v.FlowKey,
		SrcIP:       v.SrcIP,
		DstIP:       v.DstIP,
		Timestamp:   v.Timestamp,
	}
}

func (d *Detector) explain(stat, learn, beh float64, learnOK bool, sig float64, attack model.AttackType) string {
	learnPart := "unavailable"
	if learnOK {
		learnPart = fmt.Sprintf("%.2f", learn)
	}
	s := fmt.Sprintf("statistical %.2f, learned %s, behavioral %.2f", stat, learnPart, beh)
	if sig > 0 {
		s += fmt.Sprintf("; %s signature %.2f", attack, sig)
	}
	return s
}

func zeroVariance(prof model.NetworkProfile) bool {
	for _, v := range prof.Variance {
		if v > 0 {
			return false
		}
	}
	return true
}
