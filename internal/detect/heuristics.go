package detect

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"NetSentry/internal/model"
)

// Signature thresholds for the fast-path detections. A signature match
// is an explicit attack pattern, not a statistical deviation, so it
// bypasses the cold-profile score cap.
const (
	scanFlowThreshold   = 20  // distinct probe flows per source per window
	bruteForceThreshold = 10  // auth-port flows per source per window
	ddosPacketRate      = 500 // packets per second on one flow
	exfilByteRate       = 1 << 20
	dnsPayloadSize      = 180 // mean DNS packet size above this is suspect
	heuristicWindow     = 10 * time.Second
)

// authPorts are services commonly targeted by credential guessing.
var authPorts = map[uint16]bool{21: true, 22: true, 23: true, 3389: true, 5900: true}

type srcWindow struct {
	start      time.Time
	probeFlows int
	authFlows  int
	dsts       map[string]struct{}
}

// heuristics tracks short-window per-source activity so that patterns
// spread across many small flows, a port scan above all, are still
// visible after the extractor splits them into per-flow vectors.
type heuristics struct {
	mu        sync.Mutex
	perSource map[string]*srcWindow
}

func newHeuristics() *heuristics {
	return &heuristics{perSource: make(map[string]*srcWindow)}
}

// assess folds the vector into the source's activity window and returns
// the attack classification, a signature score (0 when no signature
// matched), and the contributing factor strings.
func (h *heuristics) assess(v *model.FeatureVector, trig triggered) (model.AttackType, float64, []string) {
	probes, authHits, dsts := h.observe(v)

	isProbe := v.SynRatio >= 0.9 && v.MeanSize < 128

	switch {
	case probes >= scanFlowThreshold && isProbe:
		return model.AttackPortScan, 0.9, []string{
			fmt.Sprintf("%d SYN probe flows from %s within %s across %d destinations", probes, v.SrcIP, heuristicWindow, dsts),
		}
	case authHits >= bruteForceThreshold:
		return model.AttackBruteForce, 0.85, []string{
			fmt.Sprintf("%d connection attempts to authentication ports from %s within %s", authHits, v.SrcIP, heuristicWindow),
		}
	case v.PacketRate >= ddosPacketRate && v.SynRatio >= 0.5:
		return model.AttackDDoS, 0.9, []string{
			fmt.Sprintf("flood of %.0f pkt/s with SYN ratio %.2f on %s", v.PacketRate, v.SynRatio, v.FlowKey),
		}
	case isDNSFlow(v.FlowKey) && (v.MeanSize >= dnsPayloadSize || trig["packet_rate"] > 0):
		return model.AttackDNSTunneling, 0.8, []string{
			fmt.Sprintf("DNS flow %s with mean payload %.0f bytes at %.0f pkt/s", v.FlowKey, v.MeanSize, v.PacketRate),
		}
	case v.ByteRate >= exfilByteRate && v.Duration >= 30:
		return model.AttackExfiltration, 0.85, []string{
			fmt.Sprintf("sustained outbound %.0f B/s for %.0fs from %s", v.ByteRate, v.Duration, v.SrcIP),
		}
	case trig["distinct_ports"] > 0:
		return model.AttackPortScan, 0, nil
	case trig["byte_rate"] > 0 && v.Duration >= 30:
		return model.AttackExfiltration, 0, nil
	case trig["packet_rate"] > 0 && trig["syn_ratio"] > 0:
		return model.AttackDDoS, 0, nil
	}
	return model.AttackUnknown, 0, nil
}

func (h *heuristics) observe(v *model.FeatureVector) (probes, authHits, dsts int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.perSource[v.SrcIP]
	if !ok || v.Timestamp.Sub(w.start) > heuristicWindow {
		w = &srcWindow{start: v.Timestamp, dsts: make(map[string]struct{})}
		h.perSource[v.SrcIP] = w
	}

	if v.SynRatio >= 0.9 && v.MeanSize < 128 {
		w.probeFlows++
	}
	if p, ok := flowDstPort(v.FlowKey, v.DstIP); ok && authPorts[p] {
		w.authFlows++
	}
	w.dsts[v.DstIP] = struct{}{}

	return w.probeFlows, w.authFlows, len(w.dsts)
}

// sweep drops stale source windows. Called from the training ticker so
// the map cannot grow without bound.
func (h *heuristics) sweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for src, w := range h.perSource {
		if now.Sub(w.start) > 2*heuristicWindow {
			delete(h.perSource, src)
		}
	}
}

// isDNSFlow reports whether either endpoint of the flow key is port 53.
func isDNSFlow(key string) bool {
	a, b, ok := splitFlowKey(key)
	if !ok {
		return false
	}
	return endpointPort(a) == 53 || endpointPort(b) == 53
}

// flowDstPort extracts the port of the endpoint matching dstIP from a
// canonical flow key.
func flowDstPort(key, dstIP string) (uint16, bool) {
	a, b, ok := splitFlowKey(key)
	if !ok {
		return 0, false
	}
	if strings.HasPrefix(b, dstIP+":") {
		return endpointPort(b), true
	}
	if strings.HasPrefix(a, dstIP+":") {
		return endpointPort(a), true
	}
	return 0, false
}

// splitFlowKey breaks "a<->b/proto" into its two endpoints.
func splitFlowKey(key string) (a, b string, ok bool) {
	slash := strings.LastIndex(key, "/")
	if slash < 0 {
		return "", "", false
	}
	parts := strings.SplitN(key[:slash], "<->", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func endpointPort(ep string) uint16 {
	colon := strings.LastIndex(ep, ":")
	if colon < 0 {
		return 0
	}
	p, err := strconv.ParseUint(ep[colon+1:], 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}
