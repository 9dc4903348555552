// Package orchestrator owns the incident state machine. Exactly one
// goroutine mutates the open-incident index; anomaly scores, action
// results, and control commands are all serialized through its loop.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"NetSentry/internal/action"
	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// corroborationBump is how many additional corroborating scores raise
// the severity one level.
const corroborationBump = 5

// maxRetainedScores bounds the contributing scores kept (and journaled)
// per incident; ScoreCount still tracks the true total.
const maxRetainedScores = 32

// ErrNoIncident is returned by Resolve for an unknown or already
// closed incident ID.
var ErrNoIncident = errors.New("no open incident")

// ErrStopped is returned by operations issued after shutdown.
var ErrStopped = errors.New("orchestrator stopped")

// ActionClient is the slice of the action engine the orchestrator needs.
type ActionClient interface {
	Queue(req model.ActionRequest) (model.ActionRecord, error)
	CancelIncident(incidentID string)
}

// Status is the orchestrator's contribution to the reporting surface.
type Status struct {
	ActiveIncidents int               `json:"active_incidents"`
	BySeverity      map[string]int    `json:"by_severity"`
	DroppedScores   uint64            `json:"dropped_scores"`
	Incidents       []*model.Incident `json:"incidents"`
}

type Orchestrator struct {
	policy   *policyTable
	actions  ActionClient
	results  <-chan model.ActionRecord
	notifier model.Notifier
	store    model.Store

	responseThreshold float64
	quietPeriod       time.Duration
	maxAge            time.Duration

	intake chan model.AnomalyScore
	cmds   chan func()

	// Owned by the run goroutine.
	open map[string]*model.Incident
	byID map[string]*model.Incident

	dropped atomic.Uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds the orchestrator. The results channel comes from the action
// engine; notifier and store may be nil in tests.
func New(cfg config.OrchestratorConfig, actions ActionClient, results <-chan model.ActionRecord, notifier model.Notifier, store model.Store) (*Orchestrator, error) {
	policy, err := newPolicyTable(cfg.Policies)
	if err != nil {
		return nil, fmt.Errorf("policy table: %w", err)
	}
	queueSize := cfg.IntakeQueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	return &Orchestrator{
		policy:            policy,
		actions:           actions,
		results:           results,
		notifier:          notifier,
		store:             store,
		responseThreshold: cfg.ResponseThreshold,
		quietPeriod:       config.Duration(cfg.QuietPeriod),
		maxAge:            config.Duration(cfg.MaxIncidentAge),
		intake:            make(chan model.AnomalyScore, queueSize),
		cmds:              make(chan func()),
		open:              make(map[string]*model.Incident),
		byID:              make(map[string]*model.Incident),
		quit:              make(chan struct{}),
	}, nil
}

// Start reopens recent non-terminal incidents from the store, then
// launches the state machine goroutine.
func (o *Orchestrator) Start() {
	o.reopenRecent()
	o.wg.Add(1)
	go o.run()
}

// Stop terminates the loop after draining buffered scores.
func (o *Orchestrator) Stop() {
	close(o.quit)
	o.wg.Wait()
	log.Println("Orchestrator stopped.")
}

// EvaluateAnomaly feeds one fused score into the state machine. Scores
// below the response threshold are ignored; a full intake queue sheds
// with a counter rather than blocking the detection stage.
func (o *Orchestrator) EvaluateAnomaly(s model.AnomalyScore) {
	if s.Score < o.responseThreshold {
		return
	}
	select {
	case o.intake <- s:
	default:
		o.dropped.Add(1)
	}
}

// Resolve manually closes an incident.
func (o *Orchestrator) Resolve(id string) error {
	errCh := make(chan error, 1)
	op := func() {
		inc, ok := o.byID[id]
		if !ok || inc.State.Terminal() {
			errCh <- fmt.Errorf("%w: %q", ErrNoIncident, id)
			return
		}
		o.transition(inc, model.IncidentResolved, "manually resolved")
		errCh <- nil
	}
	select {
	case o.cmds <- op:
		return <-errCh
	case <-o.quit:
		return ErrStopped
	}
}

// Snapshot returns the current status. Incident clones are safe to
// serialize outside the loop.
func (o *Orchestrator) Snapshot() Status {
	ch := make(chan Status, 1)
	op := func() {
		st := Status{
			ActiveIncidents: len(o.open),
			BySeverity:      make(map[string]int),
			DroppedScores:   o.dropped.Load(),
		}
		for _, inc := range o.open {
			st.BySeverity[inc.Severity.String()]++
			st.Incidents = append(st.Incidents, inc.Clone())
		}
		ch <- st
	}
	select {
	case o.cmds <- op:
		return <-ch
	case <-o.quit:
		return Status{DroppedScores: o.dropped.Load()}
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	sweepEvery := o.quietPeriod / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	if sweepEvery > 30*time.Second {
		sweepEvery = 30 * time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case s := <-o.intake:
			o.handleScore(s)
		case rec := <-o.results:
			o.handleActionResult(rec)
		case op := <-o.cmds:
			op()
		case now := <-ticker.C:
			o.sweep(now)
		case <-o.quit:
			for {
				select {
				case s := <-o.intake:
					o.handleScore(s)
				default:
					return
				}
			}
		}
	}
}

func openKey(src string, attack model.AttackType) string {
	return src + "|" + string(attack)
}

// handleScore merges the score into the matching open incident or
// creates a new one. One open incident per (source IP, attack type).
func (o *Orchestrator) handleScore(s model.AnomalyScore) {
	key := openKey(s.SrcIP, s.AttackType)
	now := time.Now()

	inc, ok := o.open[key]
	if !ok {
		inc = &model.Incident{
			ID:         uuid.NewString(),
			Severity:   severityForScore(s.Score),
			AttackType: s.AttackType,
			State:      model.IncidentNew,
			SourceIP:   s.SrcIP,
			TargetIP:   s.DstIP,
			Title:      fmt.Sprintf("%s from %s", s.AttackType, s.SrcIP),
			CreatedAt:  now,
			UpdatedAt:  now,
			Scores:     []model.AnomalyScore{s},
			ScoreCount: 1,
		}
		o.open[key] = inc
		o.byID[inc.ID] = inc
		o.transition(inc, model.IncidentOpen, "anomaly above response threshold")
		o.applyPolicy(inc)
		return
	}

	inc.Scores = append(inc.Scores, s)
	inc.ScoreCount++
	inc.UpdatedAt = now

	// Bound the retained scores so a sustained flood cannot grow the
	// incident (and every journaled copy of it) without limit. The
	// lowest-scoring entry goes first, so the maximum always survives.
	if len(inc.Scores) > maxRetainedScores {
		drop := 0
		for i, sc := range inc.Scores {
			if sc.Score < inc.Scores[drop].Score {
				drop = i
			}
		}
		inc.Scores = append(inc.Scores[:drop], inc.Scores[drop+1:]...)
	}

	// Severity only ever goes up while the incident is open.
	if sev := o.severityFor(inc); sev > inc.Severity {
		inc.Severity = sev
		o.transition(inc, model.IncidentEscalated, "severity increased")
		o.applyPolicy(inc)
		return
	}
	o.persist(inc)
}

// severityForScore maps a fused score onto the severity ladder.
func severityForScore(score float64) model.Severity {
	switch {
	case score >= 0.9:
		return model.SeverityCritical
	case score >= 0.7:
		return model.SeverityError
	case score >= 0.5:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// severityFor recomputes an incident's severity: the highest
// contributing score sets the base, and every corroborationBump
// additional scores raise it one level, capped at CRITICAL.
func (o *Orchestrator) severityFor(inc *model.Incident) model.Severity {
	var maxScore float64
	for _, s := range inc.Scores {
		if s.Score > maxScore {
			maxScore = s.Score
		}
	}
	sev := severityForScore(maxScore)
	count := inc.ScoreCount
	if count < len(inc.Scores) { // records journaled before ScoreCount existed
		count = len(inc.Scores)
	}
	bumps := (count - 1) / corroborationBump
	for i := 0; i < bumps && sev < model.SeverityCritical; i++ {
		sev++
	}
	return sev
}

// applyPolicy emits the policy table's actions for the incident's
// current severity. A rate-limit rejection means "action not applied":
// it is logged and never retried with the same request.
func (o *Orchestrator) applyPolicy(inc *model.Incident) {
	types := o.policy.actionsFor(inc.Severity, inc.AttackType)
	if len(types) == 0 {
		return
	}

	queued := 0
	for _, t := range types {
		rec, err := o.actions.Queue(model.ActionRequest{
			IncidentID: inc.ID,
			Type:       t,
			TargetIP:   inc.SourceIP,
		})
		switch {
		case errors.Is(err, action.ErrRateLimited):
			log.Printf("Orchestrator: %s for incident %s not applied: %v", t, inc.ID, err)
		case err != nil:
			log.Printf("Orchestrator: queueing %s for incident %s: %v", t, inc.ID, err)
		default:
			inc.ActionIDs = append(inc.ActionIDs, rec.ID)
			queued++
		}
	}
	if queued > 0 {
		o.transition(inc, model.IncidentActioned, fmt.Sprintf("%d actions queued", queued))
	}
}

// handleActionResult degrades an incident when its action exhausted the
// backend retry budget.
func (o *Orchestrator) handleActionResult(rec model.ActionRecord) {
	if rec.Status != model.ActionFailed {
		return
	}
	inc, ok := o.byID[rec.Request.IncidentID]
	if !ok || inc.State.Terminal() || inc.State == model.IncidentActionedDegraded {
		return
	}
	o.transition(inc, model.IncidentActionedDegraded,
		fmt.Sprintf("action %s failed after %d attempts: %s", rec.Request.Type, rec.Attempts, rec.Error))
}

// sweep auto-resolves quiet incidents and expires ancient ones.
func (o *Orchestrator) sweep(now time.Time) {
	for _, inc := range o.open {
		switch {
		case now.Sub(inc.CreatedAt) >= o.maxAge:
			o.actions.CancelIncident(inc.ID)
			o.transition(inc, model.IncidentExpired, "exceeded max incident age")
		case now.Sub(inc.UpdatedAt) >= o.quietPeriod:
			o.transition(inc, model.IncidentResolved, "quiet period elapsed")
		}
	}
}

// transition moves an incident to a new state, persists the change, and
// notifies. Terminal states drop the incident from the open index.
func (o *Orchestrator) transition(inc *model.Incident, state model.IncidentState, reason string) {
	inc.State = state
	inc.UpdatedAt = time.Now()
	if state.Terminal() {
		inc.ResolvedAt = inc.UpdatedAt
		delete(o.open, openKey(inc.SourceIP, inc.AttackType))
		delete(o.byID, inc.ID)
	}

	log.Printf("Incident %s [%s] %s -> %s (%s)", inc.ID, inc.Severity, inc.AttackType, state, reason)
	o.persist(inc)
	if o.notifier != nil {
		if err := o.notifier.Notify(inc.Clone()); err != nil {
			log.Printf("Orchestrator: notify for incident %s: %v", inc.ID, err)
		}
	}
}

func (o *Orchestrator) persist(inc *model.Incident) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordIncident(inc.Clone()); err != nil {
		log.Printf("Orchestrator: persist incident %s: %v", inc.ID, err)
	}
}

// reopenRecent restores non-terminal incidents recorded before the last
// shutdown so matching anomalies merge instead of duplicating.
func (o *Orchestrator) reopenRecent() {
	if o.store == nil {
		return
	}
	recent, err := o.store.LoadRecentIncidents(time.Now().Add(-o.maxAge))
	if err != nil {
		log.Printf("Orchestrator: loading recent incidents: %v", err)
		return
	}
	// The store is append-only: keep only the latest record per ID.
	latest := make(map[string]*model.Incident)
	for _, inc := range recent {
		if prev, ok := latest[inc.ID]; !ok || inc.UpdatedAt.After(prev.UpdatedAt) {
			latest[inc.ID] = inc
		}
	}
	reopened := 0
	for _, inc := range latest {
		if inc.State.Terminal() {
			continue
		}
		o.open[openKey(inc.SourceIP, inc.AttackType)] = inc
		o.byID[inc.ID] = inc
		reopened++
	}
	if reopened > 0 {
		log.Printf("Orchestrator: reopened %d incidents from the store", reopened)
	}
}
