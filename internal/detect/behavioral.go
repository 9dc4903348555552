package detect

import (
	"math"
	"sync"

	"NetSentry/internal/model"
)

const (
	// clusterRadius is the relative distance within which a vector is
	// considered part of an existing cluster.
	clusterRadius = 0.5
	// maxClustersPerHost bounds per-host cluster state.
	maxClustersPerHost = 8
	// maxTrackedHosts bounds total behavioral state. Hosts are recycled
	// with a simple clock sweep when the bound is hit.
	maxTrackedHosts = 4096
)

type cluster struct {
	center [model.NumDimensions]float64
	count  int
}

type hostClusters struct {
	clusters []*cluster
	total    int
}

// behavioralScorer runs leader clustering over each host's recent
// vectors. A vector inside an existing cluster is normal and refines
// that cluster's center. A vector outside every cluster is a noise point
// scored by its distance to the nearest cluster, weighted by how dense
// the host's established behavior is.
type behavioralScorer struct {
	mu    sync.Mutex
	hosts map[string]*hostClusters
}

func newBehavioralScorer() *behavioralScorer {
	return &behavioralScorer{hosts: make(map[string]*hostClusters)}
}

func (b *behavioralScorer) score(v *model.FeatureVector) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	hc, ok := b.hosts[v.SrcIP]
	if !ok {
		if len(b.hosts) >= maxTrackedHosts {
			b.evictOne()
		}
		hc = &hostClusters{}
		b.hosts[v.SrcIP] = hc
	}

	dims := v.Dimensions()

	// First vector for a host seeds its first cluster and is not
	// scorable against anything.
	if len(hc.clusters) == 0 {
		hc.absorb(dims)
		return 0
	}

	nearest, dist := hc.nearest(dims)
	if dist <= clusterRadius {
		nearest.update(dims)
		hc.total++
		return 0
	}

	// Noise point. Distance drives the raw score; density of the host's
	// established clusters drives the weight, so one-off hosts with
	// barely any history cannot produce strong behavioral signals.
	raw := dist / (dist + 1)
	density := float64(hc.total) / float64(hc.total+maxClustersPerHost)
	score := raw * density

	hc.absorb(dims)
	return score
}

// reset drops all per-host cluster state. Used by tests and by the
// status surface's reset hook.
func (b *behavioralScorer) reset() {
	b.mu.Lock()
	b.hosts = make(map[string]*hostClusters)
	b.mu.Unlock()
}

// evictOne removes an arbitrary host. Map iteration order is random
// enough for a pressure valve; callers hold the lock.
func (b *behavioralScorer) evictOne() {
	for host := range b.hosts {
		delete(b.hosts, host)
		return
	}
}

func (hc *hostClusters) absorb(dims []float64) {
	if len(hc.clusters) < maxClustersPerHost {
		c := &cluster{count: 1}
		copy(c.center[:], dims)
		hc.clusters = append(hc.clusters, c)
	} else {
		// At the bound, fold into the nearest cluster instead of
		// growing.
		nearest, _ := hc.nearest(dims)
		nearest.update(dims)
	}
	hc.total++
}

func (hc *hostClusters) nearest(dims []float64) (*cluster, float64) {
	var best *cluster
	bestDist := math.Inf(1)
	for _, c := range hc.clusters {
		d := c.distance(dims)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// distance is relative euclidean: each dimension's difference is scaled
// by the cluster's own magnitude so large-valued dimensions do not
// dominate.
func (c *cluster) distance(dims []float64) float64 {
	var sum float64
	for i, x := range dims {
		scale := math.Abs(c.center[i])
		if scale < 1 {
			scale = 1
		}
		d := (x - c.center[i]) / scale
		sum += d * d
	}
	return math.Sqrt(sum / model.NumDimensions)
}

// update folds a member vector into the cluster center incrementally.
func (c *cluster) update(dims []float64) {
	c.count++
	inv := 1.0 / float64(c.count)
	for i, x := range dims {
		c.center[i] += (x - c.center[i]) * inv
	}
}
