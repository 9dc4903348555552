package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		AnomalyThreshold:    0.7,
		ConfidenceThreshold: 0.6,
		ZScoreThreshold:     3.0,
		ColdPenalty:         0.3,
		ModelUpdateInterval: "1h",
		TrainingWindowSize:  100,
		StatisticalWeight:   1.0,
		LearnedWeight:       1.0,
		BehavioralWeight:    1.0,
	}
}

func baselineVector(host string, ts time.Time) *model.FeatureVector {
	return &model.FeatureVector{
		FlowKey:    host + ":40000<->10.0.0.2:443/6",
		SrcIP:      host,
		DstIP:      "10.0.0.2",
		Timestamp:  ts,
		PacketRate: 10,
		ByteRate:   5000,
		MeanSize:   500,
		SizeStdDev: 50,
		SynRatio:   0.1,
		Duration:   30,
		HourOfDay:  0.5,
	}
}

// warmProfile builds a profile with nonzero variance around the baseline
// vector's dimensions.
func warmProfile(host string, observations int64) model.NetworkProfile {
	p := model.NetworkProfile{Host: host, Observations: observations, LastUpdate: time.Now()}
	v := baselineVector(host, time.Now())
	for i, x := range v.Dimensions() {
		p.Mean[i] = x
		p.Variance[i] = 1 + x*x*0.01
	}
	return p
}

func TestDetector_BaselineTrafficScoresNearZero(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)
	now := time.Now()
	prof := warmProfile("192.168.0.1", 1000)

	// Establish behavioral history, then score a vector identical to
	// the baseline
	for i := 0; i < 20; i++ {
		d.Evaluate(baselineVector("192.168.0.1", now.Add(time.Duration(i)*time.Second)), prof)
	}
	s := d.Evaluate(baselineVector("192.168.0.1", now.Add(time.Minute)), prof)

	assert.Less(t, s.Score, 0.3, "baseline traffic must score well below the anomaly band")
	assert.False(t, d.Anomalous(s))
	assert.Equal(t, model.AttackUnknown, s.AttackType)
}

func TestDetector_StatisticalDeviationScores(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)
	prof := warmProfile("192.168.0.1", 1000)

	v := baselineVector("192.168.0.1", time.Now())
	v.PacketRate = 1000 // enormous z against variance ~2

	s := d.Evaluate(v, prof)
	assert.Greater(t, s.Score, 0.7)
	assert.NotEmpty(t, s.Factors, "triggered dimensions must be reported")
	assert.Equal(t, model.MethodFused, s.Method)
}

func TestDetector_ColdProfileCappedAtWarningBand(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)

	// Fresh profile: one observation, zero variance
	v := baselineVector("192.168.0.1", time.Now())
	prof := model.NetworkProfile{Host: "192.168.0.1", Observations: 1}
	for i, x := range v.Dimensions() {
		prof.Mean[i] = x
	}

	spike := baselineVector("192.168.0.1", time.Now())
	spike.PacketRate = 100000

	s := d.Evaluate(spike, prof)
	assert.LessOrEqual(t, s.Score, warningBandCap,
		"zero-variance profile must never exceed the WARNING band on deviation alone")
}

func TestDetector_PortScanSignatureBypassesCap(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)
	now := time.Now()

	// 200 SYN probe flows from one cold source within the heuristic
	// window
	var s model.AnomalyScore
	for i := 0; i < 200; i++ {
		v := &model.FeatureVector{
			FlowKey:    fmt.Sprintf("192.168.0.9:40000<->10.0.0.2:%d/6", i+1),
			SrcIP:      "192.168.0.9",
			DstIP:      "10.0.0.2",
			Timestamp:  now.Add(time.Duration(i) * 10 * time.Millisecond),
			PacketRate: 1,
			MeanSize:   60,
			SynRatio:   1.0,
		}
		s = d.Evaluate(v, model.NetworkProfile{})
	}

	assert.Equal(t, model.AttackPortScan, s.AttackType)
	assert.GreaterOrEqual(t, s.Score, 0.8, "signature match must clear the response threshold despite the cold profile")
	assert.GreaterOrEqual(t, s.Confidence, 0.6)
	assert.True(t, d.Anomalous(s))
}

func TestDetector_BruteForceSignature(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)
	now := time.Now()

	var s model.AnomalyScore
	for i := 0; i < 15; i++ {
		v := &model.FeatureVector{
			FlowKey:    fmt.Sprintf("192.168.0.9:%d<->10.0.0.2:22/6", 40000+i),
			SrcIP:      "192.168.0.9",
			DstIP:      "10.0.0.2",
			Timestamp:  now.Add(time.Duration(i) * 100 * time.Millisecond),
			PacketRate: 5,
			MeanSize:   200,
			SynRatio:   0.3,
		}
		s = d.Evaluate(v, model.NetworkProfile{})
	}
	assert.Equal(t, model.AttackBruteForce, s.AttackType)
}

func TestDetector_DDoSSignature(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)

	v := baselineVector("192.168.0.9", time.Now())
	v.PacketRate = 2000
	v.SynRatio = 0.9

	s := d.Evaluate(v, model.NetworkProfile{})
	assert.Equal(t, model.AttackDDoS, s.AttackType)
	assert.GreaterOrEqual(t, s.Score, 0.8)
}

func TestDetector_DNSTunnelingSignature(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)

	v := &model.FeatureVector{
		FlowKey:    "192.168.0.9:41000<->10.0.0.53:53/17",
		SrcIP:      "192.168.0.9",
		DstIP:      "10.0.0.53",
		Timestamp:  time.Now(),
		PacketRate: 40,
		MeanSize:   400, // far above normal DNS payloads
		Duration:   60,
	}
	s := d.Evaluate(v, model.NetworkProfile{})
	assert.Equal(t, model.AttackDNSTunneling, s.AttackType)
}

func TestDetector_TrainingAndDegradedMode(t *testing.T) {
	d := NewDetector(testDetectorConfig(), 30)
	now := time.Now()

	// Too few samples: training fails and the detector reports degraded
	err := d.TrainNow()
	require.Error(t, err)
	assert.True(t, d.Degraded())

	// Learned scorer unavailable, but evaluation still works
	s := d.Evaluate(baselineVector("192.168.0.1", now), warmProfile("192.168.0.1", 1000))
	assert.Contains(t, s.Explanation, "unavailable")

	// Fill the window and train
	for i := 0; i < 50; i++ {
		d.Evaluate(baselineVector("192.168.0.1", now.Add(time.Duration(i)*time.Second)), warmProfile("192.168.0.1", 1000))
	}
	require.NoError(t, d.TrainNow())
	assert.False(t, d.Degraded())

	// An outlier far from the trained centroid now scores through the
	// learned path as well
	v := baselineVector("192.168.0.1", now.Add(time.Hour))
	v.ByteRate = 5e7
	s = d.Evaluate(v, warmProfile("192.168.0.1", 1000))
	assert.Greater(t, s.Score, 0.5)
}

func TestDetector_ConfidenceColdPenalty(t *testing.T) {
	cfg := testDetectorConfig()
	d := NewDetector(cfg, 30)

	// Warm profile, strong statistical deviation: full confidence path
	v := baselineVector("192.168.0.1", time.Now())
	v.PacketRate = 1000
	warm := d.Evaluate(v, warmProfile("192.168.0.1", 1000))

	// Same deviation on a cold profile with some variance
	coldProf := warmProfile("192.168.0.2", 5)
	v2 := baselineVector("192.168.0.2", time.Now())
	v2.PacketRate = 1000
	cold := d.Evaluate(v2, coldProf)

	assert.Greater(t, warm.Confidence, cold.Confidence,
		"cold profiles must carry the confidence penalty")
}
