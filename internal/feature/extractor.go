// Package feature converts a stream of packet records into per-flow
// feature vectors. It owns the only mutable flow state in the pipeline:
// a sharded FlowKey -> flow statistics map with bounded size.
package feature

import (
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// flowStats accumulates per-flow counters for the current emission window.
// Owned exclusively by the extractor; rotated out on close, idle timeout,
// or window boundary.
type flowStats struct {
	key   string
	srcIP string
	dstIP string

	flowStart   time.Time
	windowStart time.Time
	lastSeen    time.Time

	packets   uint64
	bytes     uint64
	sizeSum   float64
	sizeSqSum float64
	synCount  uint64

	ports  map[uint16]uint64
	protos map[uint8]uint64
}

type shard struct {
	mu    sync.Mutex
	flows map[string]*flowStats
}

// Extractor implements the ingest contract: each packet record updates the
// matching flow, and a feature vector is emitted when the flow closes
// (FIN/RST), when its sliding window boundary is crossed, or when an idle
// sweep evicts it. The dual trigger covers both short probes and
// long-lived flows without unbounded state.
type Extractor struct {
	shards      []*shard
	shardCount  uint32
	maxPerShard int

	idleTimeout time.Duration
	windowSize  time.Duration

	malformed atomic.Uint64
	evicted   atomic.Uint64
	active    atomic.Int64
}

// NewExtractor creates an extractor from validated configuration.
func NewExtractor(cfg config.ExtractorConfig) *Extractor {
	numShards := cfg.NumShards
	if numShards == 0 {
		numShards = 64
	}
	maxPerShard := cfg.MaxFlows / int(numShards)
	if maxPerShard < 1 {
		maxPerShard = 1
	}
	e := &Extractor{
		shards:      make([]*shard, numShards),
		shardCount:  numShards,
		maxPerShard: maxPerShard,
		idleTimeout: config.Duration(cfg.IdleTimeout),
		windowSize:  config.Duration(cfg.WindowSize),
	}
	for i := range e.shards {
		e.shards[i] = &shard{flows: make(map[string]*flowStats)}
	}
	return e
}

// Ingest processes one packet record and returns any feature vectors it
// triggered. A malformed record is dropped and counted, never an error.
func (e *Extractor) Ingest(rec *model.PacketRecord) []*model.FeatureVector {
	if !rec.Valid() {
		e.malformed.Add(1)
		return nil
	}

	key := rec.FiveTuple.FlowKey()
	sh := e.getShard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var out []*model.FeatureVector

	fs, ok := sh.flows[key]
	if !ok {
		if len(sh.flows) >= e.maxPerShard {
			if v := e.evictOldest(sh); v != nil {
				out = append(out, v)
			}
		}
		fs = &flowStats{
			key:         key,
			srcIP:       rec.FiveTuple.SrcIP.String(),
			dstIP:       rec.FiveTuple.DstIP.String(),
			flowStart:   rec.Timestamp,
			windowStart: rec.Timestamp,
			ports:       make(map[uint16]uint64),
			protos:      make(map[uint8]uint64),
		}
		sh.flows[key] = fs
		e.active.Add(1)
	}

	fs.lastSeen = rec.Timestamp
	fs.packets++
	fs.bytes += uint64(rec.Length)
	size := float64(rec.Length)
	fs.sizeSum += size
	fs.sizeSqSum += size * size
	if rec.TCPFlags&model.FlagSYN != 0 {
		fs.synCount++
	}
	fs.ports[rec.FiveTuple.DstPort]++
	fs.protos[rec.FiveTuple.Protocol]++

	closed := rec.TCPFlags&(model.FlagFIN|model.FlagRST) != 0
	switch {
	case closed:
		out = append(out, fs.vector())
		delete(sh.flows, key)
		e.active.Add(-1)
	case rec.Timestamp.Sub(fs.windowStart) >= e.windowSize:
		out = append(out, fs.vector())
		fs.resetWindow(rec.Timestamp)
	}
	return out
}

// SweepIdle rotates out flows that have been idle past the timeout and
// returns their final feature vectors. The pipeline calls this on a
// ticker; passing a zero timeout flushes everything (shutdown drain).
func (e *Extractor) SweepIdle(now time.Time, timeout time.Duration) []*model.FeatureVector {
	var out []*model.FeatureVector
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, fs := range sh.flows {
			if timeout == 0 || now.Sub(fs.lastSeen) >= timeout {
				// A boundary emission may have already reported every
				// packet; an empty current window has nothing to add.
				if fs.packets > 0 {
					out = append(out, fs.vector())
				}
				delete(sh.flows, key)
				e.active.Add(-1)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Flush emits all remaining flows regardless of age.
func (e *Extractor) Flush() []*model.FeatureVector {
	return e.SweepIdle(time.Time{}, 0)
}

// IdleTimeout returns the configured idle timeout for sweep scheduling.
func (e *Extractor) IdleTimeout() time.Duration { return e.idleTimeout }

// Stats reports counters for the status surface.
func (e *Extractor) Stats() (activeFlows int64, malformed, evicted uint64) {
	return e.active.Load(), e.malformed.Load(), e.evicted.Load()
}

// evictOldest drops the least recently seen flow in a full shard, emitting
// its vector so the signal is not lost. Caller holds the shard lock.
func (e *Extractor) evictOldest(sh *shard) *model.FeatureVector {
	var oldest *flowStats
	for _, fs := range sh.flows {
		if oldest == nil || fs.lastSeen.Before(oldest.lastSeen) {
			oldest = fs
		}
	}
	if oldest == nil {
		return nil
	}
	delete(sh.flows, oldest.key)
	e.active.Add(-1)
	e.evicted.Add(1)
	if oldest.packets == 0 {
		return nil
	}
	return oldest.vector()
}

func (e *Extractor) getShard(key string) *shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return e.shards[hasher.Sum32()%e.shardCount]
}

func (fs *flowStats) resetWindow(at time.Time) {
	fs.windowStart = at
	fs.packets = 0
	fs.bytes = 0
	fs.sizeSum = 0
	fs.sizeSqSum = 0
	fs.synCount = 0
	fs.ports = make(map[uint16]uint64)
	fs.protos = make(map[uint8]uint64)
}

// vector snapshots the current window into an immutable feature vector.
func (fs *flowStats) vector() *model.FeatureVector {
	n := float64(fs.packets)
	if n == 0 {
		n = 1
	}

	// Sub-second windows are clamped to one second so that a burst of
	// packets reads as packets-per-second, not packets-per-instant.
	elapsed := fs.lastSeen.Sub(fs.windowStart).Seconds()
	rateBase := elapsed
	if rateBase < 1 {
		rateBase = 1
	}

	mean := fs.sizeSum / n
	variance := fs.sizeSqSum/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	return &model.FeatureVector{
		FlowKey:       fs.key,
		SrcIP:         fs.srcIP,
		DstIP:         fs.dstIP,
		Timestamp:     fs.lastSeen,
		PacketRate:    float64(fs.packets) / rateBase,
		ByteRate:      float64(fs.bytes) / rateBase,
		MeanSize:      mean,
		SizeStdDev:    math.Sqrt(variance),
		PortEntropy:   entropyU16(fs.ports),
		DistinctPorts: float64(len(fs.ports)),
		ProtoEntropy:  entropyU8(fs.protos),
		SynRatio:      float64(fs.synCount) / n,
		Duration:      fs.lastSeen.Sub(fs.flowStart).Seconds(),
		HourOfDay:     float64(fs.lastSeen.Hour()) / 24.0,
	}
}

// Shannon entropy over a discrete histogram, in bits.
func entropyU16(hist map[uint16]uint64) float64 {
	var total uint64
	for _, c := range hist {
		total += c
	}
	return entropy(histValues16(hist), total)
}

func entropyU8(hist map[uint8]uint64) float64 {
	var total uint64
	for _, c := range hist {
		total += c
	}
	return entropy(histValues8(hist), total)
}

func histValues16(hist map[uint16]uint64) []uint64 {
	vals := make([]uint64, 0, len(hist))
	for _, c := range hist {
		vals = append(vals, c)
	}
	return vals
}

func histValues8(hist map[uint8]uint64) []uint64 {
	vals := make([]uint64, 0, len(hist))
	for _, c := range hist {
		vals = append(vals, c)
	}
	return vals
}

func entropy(counts []uint64, total uint64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
