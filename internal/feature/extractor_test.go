package feature

import (
	"net"
	"testing"
	"time"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

func testConfig() config.ExtractorConfig {
	return config.ExtractorConfig{
		NumShards:   4,
		MaxFlows:    8,
		IdleTimeout: "60s",
		WindowSize:  "10s",
	}
}

func makeRecord(ts time.Time, srcPort, dstPort uint16, length int, flags uint8) *model.PacketRecord {
	return &model.PacketRecord{
		Timestamp: ts,
		FiveTuple: model.FiveTuple{
			SrcIP:    net.ParseIP("192.168.0.1"),
			DstIP:    net.ParseIP("10.0.0.2"),
			SrcPort:  srcPort,
			DstPort:  dstPort,
			Protocol: 6, // TCP
		},
		Length:   length,
		TCPFlags: flags,
	}
}

func TestExtractor_EmitsOnFlowClose(t *testing.T) {
	e := NewExtractor(testConfig())
	start := time.Now()

	// 1. Feed a handful of packets on the same flow
	for i := 0; i < 4; i++ {
		ts := start.Add(time.Duration(i) * 100 * time.Millisecond)
		if out := e.Ingest(makeRecord(ts, 40000, 443, 1200, model.FlagACK)); len(out) != 0 {
			t.Fatalf("Unexpected emission before close: %d vectors", len(out))
		}
	}

	// 2. FIN closes the flow and emits exactly one vector
	out := e.Ingest(makeRecord(start.Add(400*time.Millisecond), 40000, 443, 60, model.FlagFIN|model.FlagACK))
	if len(out) != 1 {
		t.Fatalf("Expected 1 vector on FIN, got %d", len(out))
	}
	v := out[0]
	if v.PacketRate != 5 { // 5 packets over a sub-second window, clamped to 1s
		t.Errorf("Expected packet rate 5, got %f", v.PacketRate)
	}
	if v.DistinctPorts != 1 {
		t.Errorf("Expected 1 distinct port, got %f", v.DistinctPorts)
	}
	if v.PortEntropy != 0 {
		t.Errorf("Expected zero entropy for single port, got %f", v.PortEntropy)
	}

	// 3. Flow state is gone
	if active, _, _ := e.Stats(); active != 0 {
		t.Errorf("Expected 0 active flows after close, got %d", active)
	}
}

func TestExtractor_WindowBoundaryForLongFlows(t *testing.T) {
	e := NewExtractor(testConfig())
	start := time.Now()

	e.Ingest(makeRecord(start, 40000, 443, 500, model.FlagACK))
	e.Ingest(makeRecord(start.Add(5*time.Second), 40000, 443, 500, model.FlagACK))

	// Crossing the 10s window emits without closing the flow
	out := e.Ingest(makeRecord(start.Add(11*time.Second), 40000, 443, 500, model.FlagACK))
	if len(out) != 1 {
		t.Fatalf("Expected 1 vector at window boundary, got %d", len(out))
	}
	if active, _, _ := e.Stats(); active != 1 {
		t.Errorf("Expected flow to survive window rotation, got %d active", active)
	}

	// Duration spans the whole flow, not just the rotated window
	if out[0].Duration < 10 {
		t.Errorf("Expected duration >= 10s, got %f", out[0].Duration)
	}
}

func TestExtractor_IdleSweep(t *testing.T) {
	e := NewExtractor(testConfig())
	start := time.Now()

	e.Ingest(makeRecord(start, 40000, 80, 500, model.FlagACK))
	e.Ingest(makeRecord(start, 40001, 81, 500, model.FlagACK))

	// Only flows past the timeout are swept
	out := e.SweepIdle(start.Add(30*time.Second), time.Minute)
	if len(out) != 0 {
		t.Fatalf("Swept %d flows before timeout", len(out))
	}
	out = e.SweepIdle(start.Add(2*time.Minute), time.Minute)
	if len(out) != 2 {
		t.Fatalf("Expected 2 swept flows, got %d", len(out))
	}
	if active, _, _ := e.Stats(); active != 0 {
		t.Errorf("Expected 0 active flows after sweep, got %d", active)
	}
}

func TestExtractor_NoEmptyVectorAfterWindowRotation(t *testing.T) {
	e := NewExtractor(testConfig())
	start := time.Now()

	// 1. Two packets 11s apart cross the window boundary and emit
	e.Ingest(makeRecord(start, 40000, 443, 500, model.FlagACK))
	out := e.Ingest(makeRecord(start.Add(11*time.Second), 40000, 443, 500, model.FlagACK))
	if len(out) != 1 {
		t.Fatalf("Expected 1 vector at window boundary, got %d", len(out))
	}

	// 2. The rotated window saw no further packets; the idle sweep must
	// drop the flow silently instead of reporting an all-zeros vector
	out = e.SweepIdle(start.Add(80*time.Second), time.Minute)
	for _, v := range out {
		if v.PacketRate == 0 && v.ByteRate == 0 && v.MeanSize == 0 {
			t.Errorf("Sweep emitted empty-window vector for %s", v.FlowKey)
		}
	}
	if active, _, _ := e.Stats(); active != 0 {
		t.Errorf("Expected 0 active flows after sweep, got %d", active)
	}
}

func TestExtractor_EvictionSkipsEmptyWindow(t *testing.T) {
	cfg := testConfig()
	cfg.NumShards = 1
	cfg.MaxFlows = 2
	e := NewExtractor(cfg)
	start := time.Now()

	// First flow rotates its window and goes quiet
	e.Ingest(makeRecord(start, 50000, 443, 500, model.FlagACK))
	e.Ingest(makeRecord(start.Add(11*time.Second), 50000, 443, 500, model.FlagACK))

	// Filling the shard evicts it as the least recently seen; its empty
	// window must not surface as a vector
	e.Ingest(makeRecord(start.Add(12*time.Second), 50001, 443, 500, model.FlagACK))
	out := e.Ingest(makeRecord(start.Add(13*time.Second), 50002, 443, 500, model.FlagACK))
	for _, v := range out {
		if v.PacketRate == 0 && v.MeanSize == 0 {
			t.Errorf("Eviction emitted empty-window vector for %s", v.FlowKey)
		}
	}
	if _, _, evicted := e.Stats(); evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
}

func TestExtractor_PortScanSignature(t *testing.T) {
	e := NewExtractor(testConfig())
	start := time.Now()

	// A scanner hits many distinct ports from one source. Each probe is
	// its own five-tuple flow; sweeping yields one vector per probe, and
	// the per-flow SYN ratio is the telling feature.
	for port := uint16(1); port <= 50; port++ {
		e.Ingest(makeRecord(start, 40000, port, 60, model.FlagSYN))
	}
	out := e.Flush()
	if len(out) != 50 {
		t.Fatalf("Expected 50 vectors, got %d", len(out))
	}
	for _, v := range out {
		if v.SynRatio != 1 {
			t.Errorf("Expected SYN ratio 1.0 for probe flow, got %f", v.SynRatio)
		}
	}
}

func TestExtractor_MalformedDropped(t *testing.T) {
	e := NewExtractor(testConfig())

	bad := &model.PacketRecord{Timestamp: time.Now()} // nil IPs
	if out := e.Ingest(bad); out != nil {
		t.Fatalf("Malformed record produced %d vectors", len(out))
	}
	if _, malformed, _ := e.Stats(); malformed != 1 {
		t.Errorf("Expected 1 malformed drop, got %d", malformed)
	}
}

func TestExtractor_BoundedFlows(t *testing.T) {
	cfg := testConfig()
	cfg.NumShards = 1
	cfg.MaxFlows = 4
	e := NewExtractor(cfg)
	start := time.Now()

	var emitted int
	for i := 0; i < 10; i++ {
		rec := makeRecord(start.Add(time.Duration(i)*time.Second), uint16(50000+i), 443, 100, model.FlagACK)
		emitted += len(e.Ingest(rec))
	}

	active, _, evicted := e.Stats()
	if active > 4 {
		t.Errorf("Flow table exceeded bound: %d active", active)
	}
	if evicted != 6 {
		t.Errorf("Expected 6 evictions, got %d", evicted)
	}
	if emitted != 6 {
		t.Errorf("Expected evicted flows to emit vectors, got %d", emitted)
	}
}
