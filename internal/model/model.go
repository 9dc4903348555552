package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// TCP flag bits carried on a PacketRecord.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// FlowKey returns a canonical string key for the bidirectional flow this
// tuple belongs to. Both directions of the same conversation map to the
// same key: the lexicographically smaller endpoint is always placed first.
func (ft FiveTuple) FlowKey() string {
	a := fmt.Sprintf("%s:%d", ft.SrcIP, ft.SrcPort)
	b := fmt.Sprintf("%s:%d", ft.DstIP, ft.DstPort)
	if a > b {
		a, b = b, a
	}
	return a + "<->" + b + "/" + strconv.Itoa(int(ft.Protocol))
}

// PacketRecord holds the metadata extracted from a single observed packet.
// Records are immutable once produced by a capture backend.
type PacketRecord struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
	TCPFlags  uint8
}

// Valid reports whether the record is well-formed enough to aggregate.
// Malformed records are dropped and counted by the extractor, never
// surfaced as errors.
func (p *PacketRecord) Valid() bool {
	return p != nil && p.Length > 0 && p.FiveTuple.SrcIP != nil && p.FiveTuple.DstIP != nil
}

// PacketSource produces normalized packet records from a capture backend.
// Next returns io.EOF when the stream ends.
type PacketSource interface {
	Next() (*PacketRecord, error)
	Close() error
}

// FeatureVector is a fixed-schema numeric summary of one flow window,
// derived from a flow statistics snapshot. Immutable once created.
type FeatureVector struct {
	FlowKey   string
	SrcIP     string
	DstIP     string
	Timestamp time.Time

	PacketRate    float64 // packets per second
	ByteRate      float64 // bytes per second
	MeanSize      float64 // mean packet size in bytes
	SizeStdDev    float64
	PortEntropy   float64 // Shannon entropy over destination ports
	DistinctPorts float64
	ProtoEntropy  float64 // Shannon entropy over protocols
	SynRatio      float64 // SYN packets / total packets
	Duration      float64 // seconds
	HourOfDay     float64 // 0-1 normalized
}

// Dimensions returns the vector's numeric fields in schema order, paired
// with their names. The order is part of the schema: profiles and the
// learned model index dimensions by position.
func (v *FeatureVector) Dimensions() []float64 {
	return []float64{
		v.PacketRate, v.ByteRate, v.MeanSize, v.SizeStdDev,
		v.PortEntropy, v.DistinctPorts, v.ProtoEntropy, v.SynRatio,
		v.Duration, v.HourOfDay,
	}
}

// DimensionNames mirrors the ordering of Dimensions.
var DimensionNames = []string{
	"packet_rate", "byte_rate", "mean_size", "size_stddev",
	"port_entropy", "distinct_ports", "proto_entropy", "syn_ratio",
	"duration", "hour_of_day",
}

// NumDimensions is the fixed width of the feature schema.
const NumDimensions = 10

// NetworkProfile is a rolling per-host baseline: exponentially weighted
// mean and variance per feature dimension. Profiles are owned and mutated
// exclusively by the behavior profiler; everyone else receives value
// copies of this struct.
type NetworkProfile struct {
	Host         string
	Mean         [NumDimensions]float64
	Variance     [NumDimensions]float64
	Observations int64
	LastUpdate   time.Time
}

// Cold reports whether the profile has too few observations to be
// statistically trustworthy.
func (p NetworkProfile) Cold(minObservations int64) bool {
	return p.Observations < minObservations
}

// DetectionMethod tags which scorer produced an AnomalyScore.
type DetectionMethod string

const (
	MethodStatistical DetectionMethod = "statistical"
	MethodLearned     DetectionMethod = "learned"
	MethodBehavioral  DetectionMethod = "behavioral"
	MethodFused       DetectionMethod = "fused"
)

// AnomalyScore is the result of evaluating one feature vector. Produced
// fresh per evaluation and never mutated afterwards.
type AnomalyScore struct {
	Score       float64 // 0.0 to 1.0
	Confidence  float64 // 0.0 to 1.0
	Method      DetectionMethod
	AttackType  AttackType
	Explanation string
	Factors     []string // human-readable contributing factors
	FlowKey     string
	SrcIP       string
	DstIP       string
	Timestamp   time.Time
}

// AttackType classifies the kind of behavior an anomaly resembles.
type AttackType string

const (
	AttackPortScan     AttackType = "port_scan"
	AttackBruteForce   AttackType = "brute_force"
	AttackDDoS         AttackType = "ddos"
	AttackDNSTunneling AttackType = "dns_tunneling"
	AttackExfiltration AttackType = "data_exfiltration"
	AttackUnknown      AttackType = "unknown"
)

// ParseAttackType validates a config-supplied attack type name.
func ParseAttackType(s string) (AttackType, error) {
	switch t := AttackType(strings.ToLower(s)); t {
	case AttackPortScan, AttackBruteForce, AttackDDoS, AttackDNSTunneling, AttackExfiltration, AttackUnknown:
		return t, nil
	default:
		return "", fmt.Errorf("unknown attack type: %q", s)
	}
}
