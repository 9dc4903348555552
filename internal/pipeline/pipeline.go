// Package pipeline assembles the capture, extraction, detection and
// response stages into one runnable unit with an ordered lifecycle.
package pipeline

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"NetSentry/internal/action"
	"NetSentry/internal/capture"
	"NetSentry/internal/config"
	"NetSentry/internal/detect"
	"NetSentry/internal/feature"
	"NetSentry/internal/model"
	"NetSentry/internal/notification"
	"NetSentry/internal/orchestrator"
	"NetSentry/internal/probe"
	"NetSentry/internal/profile"
	"NetSentry/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

const vectorQueueSize = 1024

// Pipeline owns every stage and shuts them down in dependency order, so
// that no applied action outlives the process and no queued work is lost
// silently.
type Pipeline struct {
	cfg *config.Config

	source       model.PacketSource
	extractor    *feature.Extractor
	profiler     *profile.Profiler
	detector     *detect.Detector
	orchestrator *orchestrator.Orchestrator
	engine       *action.Engine
	dispatcher   *notification.Dispatcher
	store        model.Store
	journal      *storage.JSONLStore

	vectors chan *model.FeatureVector
	metrics *metrics

	packets       uint64
	droppedInput  uint64
	vectorCount   uint64
	anomalyCount  uint64
	startedAt     time.Time
	sourceDrained chan struct{} // closed when the capture source runs dry

	producers sync.WaitGroup
	consumers sync.WaitGroup
	quit      chan struct{}
	stopOnce  sync.Once
}

// New builds the full stage graph from config. A non-nil source overrides
// the configured capture backend, which is how tests and pcap replay tools
// inject traffic.
func New(cfg *config.Config, source model.PacketSource) (*Pipeline, error) {
	if source == nil {
		var err error
		source, err = openSource(cfg)
		if err != nil {
			return nil, err
		}
	}

	journal, err := storage.NewJSONLStore(cfg.Storage.RootPath)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("open incident journal: %w", err)
	}
	var store model.Store = journal
	if cfg.Storage.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseStore(cfg.Storage.ClickHouse)
		if err != nil {
			journal.Close()
			source.Close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		store = storage.NewTee(journal, ch)
	}

	dispatcher := notification.NewDispatcher(cfg.Notification)
	engine := action.NewEngine(cfg.Action, nil, store)
	orch, err := orchestrator.New(cfg.Orchestrator, engine, engine.Results(), dispatcher, store)
	if err != nil {
		store.Close()
		source.Close()
		return nil, err
	}

	profiler := profile.NewProfiler(cfg.Profiler)
	if err := profiler.LoadSnapshot(cfg.Storage.RootPath); err != nil {
		log.Printf("Pipeline: baseline snapshot not restored: %v", err)
	}
	p := &Pipeline{
		cfg:           cfg,
		source:        source,
		extractor:     feature.NewExtractor(cfg.Extractor),
		profiler:      profiler,
		detector:      detect.NewDetector(cfg.Detector, profiler.MinObservations()),
		orchestrator:  orch,
		engine:        engine,
		dispatcher:    dispatcher,
		store:         store,
		journal:       journal,
		vectors:       make(chan *model.FeatureVector, vectorQueueSize),
		sourceDrained: make(chan struct{}),
		quit:          make(chan struct{}),
	}
	p.metrics = newMetrics(p)
	return p, nil
}

func openSource(cfg *config.Config) (model.PacketSource, error) {
	switch {
	case cfg.Probe.Enabled:
		return probe.NewStreamSource(cfg.Probe)
	case cfg.Capture.PcapFile != "":
		return capture.OpenFile(cfg.Capture.PcapFile)
	case cfg.Capture.Interface != "":
		return capture.OpenLive(cfg.Capture.Interface, cfg.Capture.SnapshotLen, cfg.Capture.Filter)
	default:
		return nil, fmt.Errorf("no packet source configured: set capture.pcap_file, capture.interface or probe.enabled")
	}
}

// Start launches every stage. Response stages come up before ingestion so
// the first anomaly has somewhere to go.
func (p *Pipeline) Start() {
	p.startedAt = time.Now()

	p.dispatcher.Start()
	p.engine.Start()
	p.orchestrator.Start()
	p.profiler.Start()
	p.profiler.StartSnapshots(p.cfg.Storage.RootPath, config.Duration(p.cfg.Profiler.SnapshotInterval))
	p.detector.Start()

	p.consumers.Add(1)
	go p.evalLoop()

	p.producers.Add(2)
	go p.readLoop()
	go p.sweepLoop()

	log.Printf("Pipeline started")
}

// Stop tears the stages down back-to-front: capture first so no new work
// arrives, the action engine last-but-one so every rollback fires before
// the store closes.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.source.Close()
		p.producers.Wait()
		close(p.vectors)
		p.consumers.Wait()

		p.detector.Stop()
		p.profiler.Stop()
		if err := p.profiler.SaveSnapshot(p.cfg.Storage.RootPath); err != nil {
			log.Printf("Pipeline: final baseline snapshot failed: %v", err)
		}
		p.orchestrator.Stop()
		p.engine.Stop()
		p.dispatcher.Stop()
		if err := p.store.Close(); err != nil {
			log.Printf("Pipeline: closing store: %v", err)
		}
		log.Printf("Pipeline stopped")
	})
}

// Drained is closed once the capture source returns EOF, which is how
// pcap replay callers know the file has been fully processed.
func (p *Pipeline) Drained() <-chan struct{} {
	return p.sourceDrained
}

// Orchestrator exposes the incident surface for the API layer.
func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator {
	return p.orchestrator
}

// Journal exposes the append-only JSONL store for incident export.
func (p *Pipeline) Journal() *storage.JSONLStore {
	return p.journal
}

// Registry returns the pipeline's private Prometheus registry.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.metrics.registry
}

func (p *Pipeline) readLoop() {
	defer p.producers.Done()
	for {
		rec, err := p.source.Next()
		if err != nil {
			close(p.sourceDrained)
			// After a replay the learned model has a full window of
			// samples; train once instead of waiting for the ticker.
			if err := p.detector.TrainNow(); err != nil {
				log.Printf("Pipeline: initial training skipped: %v", err)
			}
			return
		}
		atomic.AddUint64(&p.packets, 1)
		p.metrics.packets.Inc()
		for _, v := range p.extractor.Ingest(rec) {
			p.push(v)
		}
	}
}

func (p *Pipeline) sweepLoop() {
	defer p.producers.Done()
	ticker := time.NewTicker(config.Duration(p.cfg.Extractor.SweepInterval))
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, v := range p.extractor.SweepIdle(now, p.extractor.IdleTimeout()) {
				p.push(v)
			}
		case <-p.quit:
			// Final flush so short replays still score their tail flows.
			for _, v := range p.extractor.Flush() {
				p.push(v)
			}
			return
		}
	}
}

// push applies backpressure to the producer. During shutdown the vector
// is dropped instead so producers can never wedge on a stopped consumer.
func (p *Pipeline) push(v *model.FeatureVector) {
	select {
	case p.vectors <- v:
	case <-p.quit:
		select {
		case p.vectors <- v:
		default:
			atomic.AddUint64(&p.droppedInput, 1)
			p.metrics.dropped.Inc()
		}
	}
}

func (p *Pipeline) evalLoop() {
	defer p.consumers.Done()
	for v := range p.vectors {
		atomic.AddUint64(&p.vectorCount, 1)
		p.metrics.vectors.Inc()

		// Score against the baseline as it stood before this window,
		// then fold the window in.
		prof, _ := p.profiler.Lookup(v.SrcIP)
		score := p.detector.Evaluate(v, prof)
		p.profiler.Observe(v)

		if p.detector.Anomalous(score) {
			atomic.AddUint64(&p.anomalyCount, 1)
			p.metrics.anomalies.Inc()
			p.orchestrator.EvaluateAnomaly(score)
		}
	}
}

// Status is the aggregate reporting surface served by the API.
type Status struct {
	UptimeSeconds    float64             `json:"uptime_seconds"`
	Packets          uint64              `json:"packets"`
	DroppedVectors   uint64              `json:"dropped_vectors"`
	Vectors          uint64              `json:"vectors"`
	Anomalies        uint64              `json:"anomalies"`
	VectorQueueDepth int                 `json:"vector_queue_depth"`
	ActiveFlows      int64               `json:"active_flows"`
	MalformedPackets uint64              `json:"malformed_packets"`
	EvictedFlows     uint64              `json:"evicted_flows"`
	ProfilerDropped  uint64              `json:"profiler_dropped"`
	DetectorDegraded bool                `json:"detector_degraded"`
	Orchestrator     orchestrator.Status `json:"orchestrator"`
	Actions          action.Stats        `json:"actions"`
	BlockedTargets   []string            `json:"blocked_targets"`
	DroppedNotifies  uint64              `json:"dropped_notifications"`
}

// Status snapshots every stage's counters.
func (p *Pipeline) Status() Status {
	active, malformed, evicted := p.extractor.Stats()
	return Status{
		UptimeSeconds:    time.Since(p.startedAt).Seconds(),
		Packets:          atomic.LoadUint64(&p.packets),
		DroppedVectors:   atomic.LoadUint64(&p.droppedInput),
		Vectors:          atomic.LoadUint64(&p.vectorCount),
		Anomalies:        atomic.LoadUint64(&p.anomalyCount),
		VectorQueueDepth: len(p.vectors),
		ActiveFlows:      active,
		MalformedPackets: malformed,
		EvictedFlows:     evicted,
		ProfilerDropped:  p.profiler.Dropped(),
		DetectorDegraded: p.detector.Degraded(),
		Orchestrator:     p.orchestrator.Snapshot(),
		Actions:          p.engine.Snapshot(),
		BlockedTargets:   p.engine.BlockedTargets(),
		DroppedNotifies:  p.dispatcher.Dropped(),
	}
}
