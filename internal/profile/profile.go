// Package profile maintains exponentially weighted per-host baselines.
// A single writer goroutine consumes feature vectors from a bounded
// queue, so profile updates never race with detection reads: readers
// always get value copies from Lookup or Snapshot.
package profile

import (
	"log"
	"math"
	"sync"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// Profiler tracks one NetworkProfile per source host. Mean and variance
// per dimension decay with a configurable half life so that old traffic
// gradually stops dominating the baseline.
type Profiler struct {
	mu       sync.RWMutex
	profiles map[string]*model.NetworkProfile

	halfLife time.Duration
	minObs   int64

	updates chan *model.FeatureVector
	dropped uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

func NewProfiler(cfg config.ProfilerConfig) *Profiler {
	queueSize := cfg.UpdateQueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	return &Profiler{
		profiles: make(map[string]*model.NetworkProfile),
		halfLife: config.Duration(cfg.HalfLife),
		minObs:   cfg.MinObservations,
		updates:  make(chan *model.FeatureVector, queueSize),
		quit:     make(chan struct{}),
	}
}

// Start launches the single writer goroutine.
func (p *Profiler) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop drains pending updates and waits for the writer to exit.
func (p *Profiler) Stop() {
	close(p.quit)
	p.wg.Wait()
	log.Println("Profiler stopped.")
}

func (p *Profiler) run() {
	defer p.wg.Done()
	for {
		select {
		case v := <-p.updates:
			p.apply(v)
		case <-p.quit:
			// Drain whatever is buffered before exiting.
			for {
				select {
				case v := <-p.updates:
					p.apply(v)
				default:
					return
				}
			}
		}
	}
}

// Observe enqueues a feature vector for the writer. If the queue is full
// the update is dropped rather than blocking the detection path.
func (p *Profiler) Observe(v *model.FeatureVector) {
	select {
	case p.updates <- v:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Lookup returns a value copy of the host's profile. The second return
// is false when the host has never been seen.
func (p *Profiler) Lookup(host string) (model.NetworkProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[host]
	if !ok {
		return model.NetworkProfile{}, false
	}
	return *prof, true
}

// Cold reports whether the host's baseline is missing or too young for
// full-strength anomaly scoring.
func (p *Profiler) Cold(host string) bool {
	prof, ok := p.Lookup(host)
	return !ok || prof.Cold(p.minObs)
}

// MinObservations exposes the warm-up threshold for scorers.
func (p *Profiler) MinObservations() int64 { return p.minObs }

// Snapshot returns value copies of every profile, keyed by host.
func (p *Profiler) Snapshot() map[string]model.NetworkProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]model.NetworkProfile, len(p.profiles))
	for host, prof := range p.profiles {
		out[host] = *prof
	}
	return out
}

// Dropped reports how many updates were shed due to a full queue.
func (p *Profiler) Dropped() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// apply folds one observation into the host's profile using an
// exponentially weighted mean and variance. The smoothing factor is
// derived from the gap since the previous update and the half life, so
// irregular sampling still decays at the configured rate.
func (p *Profiler) apply(v *model.FeatureVector) {
	dims := v.Dimensions()

	p.mu.Lock()
	defer p.mu.Unlock()

	prof, ok := p.profiles[v.SrcIP]
	if !ok {
		prof = &model.NetworkProfile{Host: v.SrcIP}
		copy(prof.Mean[:], dims)
		prof.Observations = 1
		prof.LastUpdate = v.Timestamp
		p.profiles[v.SrcIP] = prof
		return
	}

	alpha := p.alphaFor(v.Timestamp.Sub(prof.LastUpdate))
	for i, x := range dims {
		delta := x - prof.Mean[i]
		prof.Mean[i] += alpha * delta
		// EW variance update; see West (1979) incremental form.
		prof.Variance[i] = (1 - alpha) * (prof.Variance[i] + alpha*delta*delta)
	}
	prof.Observations++
	if v.Timestamp.After(prof.LastUpdate) {
		prof.LastUpdate = v.Timestamp
	}
}

// alphaFor converts the elapsed time since the last update into an EWMA
// smoothing factor with the configured half life. Out-of-order or
// zero-gap updates fall back to a small fixed alpha.
func (p *Profiler) alphaFor(gap time.Duration) float64 {
	if p.halfLife <= 0 || gap <= 0 {
		return 0.05
	}
	alpha := 1 - math.Exp(-math.Ln2*gap.Seconds()/p.halfLife.Seconds())
	if alpha < 0.01 {
		alpha = 0.01
	}
	if alpha > 0.5 {
		alpha = 0.5
	}
	return alpha
}
