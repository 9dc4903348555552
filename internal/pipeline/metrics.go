package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the pipeline's Prometheus instruments on a private
// registry so multiple pipelines (tests above all) never collide.
type metrics struct {
	registry *prometheus.Registry

	packets   prometheus.Counter
	dropped   prometheus.Counter
	vectors   prometheus.Counter
	anomalies prometheus.Counter

	vectorQueueDepth prometheus.GaugeFunc
	activeFlows      prometheus.GaugeFunc
	activeIncidents  prometheus.GaugeFunc
}

func newMetrics(p *Pipeline) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		packets: factory.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_packets_total",
			Help: "Packet records ingested from the capture source.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_packets_dropped_total",
			Help: "Packet records dropped as malformed or under backpressure.",
		}),
		vectors: factory.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_feature_vectors_total",
			Help: "Feature vectors emitted by the flow extractor.",
		}),
		anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_anomalies_total",
			Help: "Fused scores that cleared the anomaly and confidence gates.",
		}),
		vectorQueueDepth: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netsentry_vector_queue_depth",
			Help: "Feature vectors waiting for detection.",
		}, func() float64 { return float64(len(p.vectors)) }),
		activeFlows: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netsentry_active_flows",
			Help: "Flows currently tracked by the extractor.",
		}, func() float64 {
			active, _, _ := p.extractor.Stats()
			return float64(active)
		}),
		activeIncidents: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "netsentry_active_incidents",
			Help: "Open incidents in the orchestrator.",
		}, func() float64 { return float64(p.orchestrator.Snapshot().ActiveIncidents) }),
	}
}
