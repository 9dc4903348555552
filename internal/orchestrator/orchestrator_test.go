package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetSentry/internal/action"
	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// fakeActions records queued requests and can simulate rate limiting.
type fakeActions struct {
	mu        sync.Mutex
	requests  []model.ActionRequest
	cancelled []string
	rateLimit bool
	nextID    int
}

func (f *fakeActions) Queue(req model.ActionRequest) (model.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rateLimit {
		return model.ActionRecord{}, fmt.Errorf("limiter: %w", action.ErrRateLimited)
	}
	f.nextID++
	f.requests = append(f.requests, req)
	return model.ActionRecord{ID: fmt.Sprintf("act-%d", f.nextID), Request: req}, nil
}

func (f *fakeActions) CancelIncident(incidentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, incidentID)
}

func (f *fakeActions) queued() []model.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ActionRequest(nil), f.requests...)
}

// fakeNotifier collects the incident states it saw.
type fakeNotifier struct {
	mu     sync.Mutex
	states []model.IncidentState
}

func (f *fakeNotifier) Notify(inc *model.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, inc.State)
	return nil
}

func (f *fakeNotifier) seen() []model.IncidentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.IncidentState(nil), f.states...)
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		ResponseThreshold: 0.8,
		QuietPeriod:       "10m",
		MaxIncidentAge:    "24h",
		IntakeQueueSize:   64,
	}
}

func score(src string, attack model.AttackType, value float64) model.AnomalyScore {
	return model.AnomalyScore{
		Score:      value,
		Confidence: 0.9,
		Method:     model.MethodFused,
		AttackType: attack,
		SrcIP:      src,
		DstIP:      "10.0.0.2",
		Timestamp:  time.Now(),
	}
}

func waitForIncidents(t *testing.T, o *Orchestrator, n int) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		st := o.Snapshot()
		if st.ActiveIncidents == n {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %d incidents, have %d", n, st.ActiveIncidents)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOrchestrator_CreatesAndActionsIncident(t *testing.T) {
	actions := &fakeActions{}
	notifier := &fakeNotifier{}
	results := make(chan model.ActionRecord)
	o, err := New(testOrchestratorConfig(), actions, results, notifier, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))

	st := waitForIncidents(t, o, 1)
	inc := st.Incidents[0]
	assert.Equal(t, model.SeverityCritical, inc.Severity)
	assert.Equal(t, model.IncidentActioned, inc.State)
	assert.NotEmpty(t, inc.ActionIDs)

	// Default CRITICAL policy: block plus reset
	reqs := actions.queued()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.ActionFirewallBlock, reqs[0].Type)
	assert.Equal(t, "192.168.0.9", reqs[0].TargetIP)
	assert.Equal(t, inc.ID, reqs[0].IncidentID)

	// OPEN then ACTIONED were both notified
	assert.Contains(t, notifier.seen(), model.IncidentOpen)
	assert.Contains(t, notifier.seen(), model.IncidentActioned)
}

func TestOrchestrator_BelowThresholdIgnored(t *testing.T) {
	actions := &fakeActions{}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.5))
	time.Sleep(50 * time.Millisecond)

	st := o.Snapshot()
	assert.Zero(t, st.ActiveIncidents)
	assert.Empty(t, actions.queued())
}

func TestOrchestrator_MergesAndEscalates(t *testing.T) {
	actions := &fakeActions{}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	// ERROR-band score opens one incident
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.82))
	st := waitForIncidents(t, o, 1)
	first := st.Incidents[0]
	assert.Equal(t, model.SeverityError, first.Severity)

	// A matching stronger score merges and escalates, never duplicates
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.95))
	deadline := time.After(2 * time.Second)
	for {
		st = o.Snapshot()
		require.Equal(t, 1, st.ActiveIncidents, "matching anomaly must merge, not duplicate")
		if st.Incidents[0].Severity == model.SeverityCritical {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Incident never escalated, severity %s", st.Incidents[0].Severity)
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, first.ID, st.Incidents[0].ID)
	assert.Len(t, st.Incidents[0].Scores, 2)

	// A different attack type from the same source is a separate incident
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackBruteForce, 0.85))
	waitForIncidents(t, o, 2)
}

func TestOrchestrator_SeverityMonotonic(t *testing.T) {
	actions := &fakeActions{}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.95))
	st := waitForIncidents(t, o, 1)
	require.Equal(t, model.SeverityCritical, st.Incidents[0].Severity)

	// Weaker corroborating scores never downgrade
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.81))
	deadline := time.After(500 * time.Millisecond)
	for {
		st = o.Snapshot()
		if len(st.Incidents) == 1 && len(st.Incidents[0].Scores) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Second score never merged")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, model.SeverityCritical, st.Incidents[0].Severity)
}

func TestOrchestrator_CorroborationBumpsSeverity(t *testing.T) {
	actions := &fakeActions{}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	// Six ERROR-band scores: base ERROR plus one corroboration bump
	for i := 0; i < 6; i++ {
		o.EvaluateAnomaly(score("192.168.0.9", model.AttackExfiltration, 0.82))
	}
	deadline := time.After(2 * time.Second)
	for {
		st := o.Snapshot()
		if len(st.Incidents) == 1 && st.Incidents[0].Severity == model.SeverityCritical {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Corroborating scores never bumped severity to CRITICAL")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOrchestrator_RateLimitedActionNotRetried(t *testing.T) {
	actions := &fakeActions{rateLimit: true}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))
	st := waitForIncidents(t, o, 1)

	// Rejected means not applied: the incident stays OPEN with no
	// action IDs and nothing is retried
	assert.Equal(t, model.IncidentOpen, st.Incidents[0].State)
	assert.Empty(t, st.Incidents[0].ActionIDs)
}

func TestOrchestrator_FailedActionDegradesIncident(t *testing.T) {
	actions := &fakeActions{}
	notifier := &fakeNotifier{}
	results := make(chan model.ActionRecord, 1)
	o, err := New(testOrchestratorConfig(), actions, results, notifier, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))
	st := waitForIncidents(t, o, 1)
	inc := st.Incidents[0]

	results <- model.ActionRecord{
		ID:      inc.ActionIDs[0],
		Request: model.ActionRequest{IncidentID: inc.ID, Type: model.ActionFirewallBlock},
		Status:  model.ActionFailed,
		Error:   "backend unavailable",
	}

	deadline := time.After(2 * time.Second)
	for {
		st = o.Snapshot()
		if len(st.Incidents) == 1 && st.Incidents[0].State == model.IncidentActionedDegraded {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Incident never degraded, state %s", st.Incidents[0].State)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Exactly one ACTIONED_DEGRADED notification
	degraded := 0
	for _, s := range notifier.seen() {
		if s == model.IncidentActionedDegraded {
			degraded++
		}
	}
	assert.Equal(t, 1, degraded)
}

func TestOrchestrator_ManualResolve(t *testing.T) {
	actions := &fakeActions{}
	o, err := New(testOrchestratorConfig(), actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))
	st := waitForIncidents(t, o, 1)

	require.NoError(t, o.Resolve(st.Incidents[0].ID))
	waitForIncidents(t, o, 0)

	// Resolved incidents are gone; resolving again errors
	assert.ErrorIs(t, o.Resolve(st.Incidents[0].ID), ErrNoIncident)
}

func TestOrchestrator_ResolveAfterStop(t *testing.T) {
	o, err := New(testOrchestratorConfig(), &fakeActions{}, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	o.Stop()

	assert.ErrorIs(t, o.Resolve("any"), ErrStopped)
}

func TestOrchestrator_RetainedScoresBounded(t *testing.T) {
	store := &memStore{}
	o, err := New(testOrchestratorConfig(), &fakeActions{}, nil, nil, store)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	// 1. A sustained flood from one source merges into one incident.
	// The second score is the strongest and must survive the cap.
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.85))
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.97))
	for i := 0; i < 48; i++ {
		o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.85))
	}

	deadline := time.After(2 * time.Second)
	var inc *model.Incident
	for {
		st := o.Snapshot()
		if len(st.Incidents) == 1 && st.Incidents[0].ScoreCount == 50 {
			inc = st.Incidents[0]
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for 50 merged scores")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// 2. Retained scores are capped, the total and the maximum are kept
	assert.LessOrEqual(t, len(inc.Scores), maxRetainedScores)
	var maxScore float64
	for _, s := range inc.Scores {
		if s.Score > maxScore {
			maxScore = s.Score
		}
	}
	assert.Equal(t, 0.97, maxScore)
	assert.Equal(t, model.SeverityCritical, inc.Severity)

	// 3. Journaled copies are bounded too
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, rec := range store.incidents {
		assert.LessOrEqual(t, len(rec.Scores), maxRetainedScores)
	}
}

func TestOrchestrator_QuietPeriodAutoResolves(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.QuietPeriod = "50ms"
	actions := &fakeActions{}
	o, err := New(cfg, actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))
	waitForIncidents(t, o, 1)

	// The sweep ticker fires at least once a second
	deadline := time.After(3 * time.Second)
	for {
		if o.Snapshot().ActiveIncidents == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Incident never auto-resolved after the quiet period")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestOrchestrator_MaxAgeExpiresWithRollback(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.MaxIncidentAge = "50ms"
	cfg.QuietPeriod = "1h" // quiet period must not win
	actions := &fakeActions{}
	o, err := New(cfg, actions, nil, nil, nil)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	o.EvaluateAnomaly(score("192.168.0.9", model.AttackPortScan, 0.95))
	st := waitForIncidents(t, o, 1)
	incID := st.Incidents[0].ID

	deadline := time.After(3 * time.Second)
	for {
		if o.Snapshot().ActiveIncidents == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Incident never expired")
		case <-time.After(20 * time.Millisecond):
		}
	}

	actions.mu.Lock()
	defer actions.mu.Unlock()
	assert.Contains(t, actions.cancelled, incID, "expiry must roll back live actions")
}

func TestOrchestrator_ReopensFromStore(t *testing.T) {
	stored := &model.Incident{
		ID:         "inc-old",
		Severity:   model.SeverityError,
		AttackType: model.AttackDDoS,
		State:      model.IncidentActioned,
		SourceIP:   "192.168.0.9",
		CreatedAt:  time.Now().Add(-time.Hour),
		UpdatedAt:  time.Now().Add(-time.Minute),
	}
	store := &memStore{incidents: []*model.Incident{stored}}
	o, err := New(testOrchestratorConfig(), &fakeActions{}, nil, nil, store)
	require.NoError(t, err)
	o.Start()
	defer o.Stop()

	st := waitForIncidents(t, o, 1)
	assert.Equal(t, "inc-old", st.Incidents[0].ID)

	// A matching anomaly merges into the reopened incident
	o.EvaluateAnomaly(score("192.168.0.9", model.AttackDDoS, 0.85))
	deadline := time.After(2 * time.Second)
	for {
		st = o.Snapshot()
		require.Equal(t, 1, st.ActiveIncidents)
		if len(st.Incidents[0].Scores) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Anomaly never merged into reopened incident")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// memStore is a minimal in-memory model.Store for orchestrator tests.
type memStore struct {
	mu        sync.Mutex
	incidents []*model.Incident
	actions   []*model.ActionRecord
}

func (m *memStore) RecordIncident(inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents = append(m.incidents, inc)
	return nil
}

func (m *memStore) RecordAction(rec *model.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, rec)
	return nil
}

func (m *memStore) LoadRecentIncidents(since time.Time) ([]*model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Incident
	for _, inc := range m.incidents {
		if inc.UpdatedAt.After(since) {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }
