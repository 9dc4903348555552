package pipeline

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"NetSentry/internal/capture"
	"NetSentry/internal/config"
	"NetSentry/internal/model"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	raw := fmt.Sprintf(`
extractor:
  window_size: 10s
  idle_timeout: 60s
  sweep_interval: 50ms
profiler:
  min_observations: 5
action:
  dry_run: true
  max_concurrent_actions: 2
storage:
  root_path: %q
`, dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func tcpPacket(ts time.Time, src, dst string, sport, dport uint16, flags uint8, length int) *model.PacketRecord {
	return &model.PacketRecord{
		Timestamp: ts,
		FiveTuple: model.FiveTuple{
			SrcIP:    net.ParseIP(src),
			DstIP:    net.ParseIP(dst),
			SrcPort:  sport,
			DstPort:  dport,
			Protocol: 6,
		},
		Length:   length,
		TCPFlags: flags,
	}
}

// scanTraffic builds a port sweep: one SYN probe per destination port,
// each answered by a RST so the extractor closes the flow immediately.
func scanTraffic(base time.Time, attacker, target string, ports int) []*model.PacketRecord {
	var recs []*model.PacketRecord
	for i := 0; i < ports; i++ {
		ts := base.Add(time.Duration(i) * 20 * time.Millisecond)
		dport := uint16(1000 + i)
		recs = append(recs,
			tcpPacket(ts, attacker, target, uint16(40000+i), dport, model.FlagSYN, 60),
			tcpPacket(ts.Add(time.Millisecond), target, attacker, dport, uint16(40000+i), model.FlagRST, 54),
		)
	}
	return recs
}

func TestPipelineDetectsPortScanEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	recs := scanTraffic(time.Now().Add(-2*time.Second), "10.0.0.66", "10.0.0.1", 50)

	p, err := New(cfg, capture.NewSliceSource(recs))
	require.NoError(t, err)
	p.Start()

	// 1. Wait until the replay has been fully consumed.
	select {
	case <-p.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("source not drained in time")
	}

	// 2. The orchestrator runs behind a queue; poll for the incident.
	deadline := time.Now().Add(3 * time.Second)
	snap := p.Orchestrator().Snapshot()
	for snap.ActiveIncidents == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		snap = p.Orchestrator().Snapshot()
	}
	require.NotZero(t, snap.ActiveIncidents, "expected a port scan incident")
	require.Equal(t, model.AttackPortScan, snap.Incidents[0].AttackType)
	require.Equal(t, "10.0.0.66", snap.Incidents[0].SourceIP)

	status := p.Status()
	require.Equal(t, uint64(len(recs)), status.Packets)
	require.NotZero(t, status.Vectors)
	require.NotZero(t, status.Anomalies)

	p.Stop()

	// 3. Every state transition and action outcome is journaled.
	since := time.Now().Add(-time.Minute)
	incidents, err := p.Journal().LoadRecentIncidents(since)
	require.NoError(t, err)
	require.NotEmpty(t, incidents)

	actions, err := p.Journal().LoadRecentActions(since)
	require.NoError(t, err)
	require.NotEmpty(t, actions, "dry-run actions are still journaled")
	for _, rec := range actions {
		require.False(t, rec.Executed, "dry run must never execute commands")
	}
}

func TestPipelineBenignTrafficRaisesNothing(t *testing.T) {
	cfg := testConfig(t)

	// Steady single-flow web traffic, closed with a FIN.
	base := time.Now().Add(-time.Minute)
	var recs []*model.PacketRecord
	for i := 0; i < 200; i++ {
		ts := base.Add(time.Duration(i) * 100 * time.Millisecond)
		recs = append(recs, tcpPacket(ts, "192.168.1.10", "93.184.216.34", 51000, 443, model.FlagACK, 1200))
	}
	recs = append(recs, tcpPacket(base.Add(21*time.Second), "192.168.1.10", "93.184.216.34", 51000, 443, model.FlagFIN|model.FlagACK, 54))

	p, err := New(cfg, capture.NewSliceSource(recs))
	require.NoError(t, err)
	p.Start()

	select {
	case <-p.Drained():
	case <-time.After(5 * time.Second):
		t.Fatal("source not drained in time")
	}
	time.Sleep(100 * time.Millisecond)

	status := p.Status()
	require.Zero(t, status.Anomalies)
	require.Zero(t, status.Orchestrator.ActiveIncidents)
	require.NotZero(t, status.Vectors)

	p.Stop()
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, capture.NewSliceSource(nil))
	require.NoError(t, err)
	p.Start()
	p.Stop()
	p.Stop()
}
