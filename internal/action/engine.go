// Package action executes response measures against pluggable
// enforcement backends. Every action is queued, rate limited, time
// bounded, and rolled back exactly once when it expires or the engine
// shuts down.
package action

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// ErrRateLimited is returned when an action is rejected by the sliding
// window limiter, the queue bound, or duplicate-target suppression. The
// orchestrator treats it as "action not applied" and never retries the
// same request.
var ErrRateLimited = errors.New("action rate limited")

// Stats is the engine's counter snapshot for the status surface.
type Stats struct {
	Queued     uint64 `json:"queued"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Rejected   uint64 `json:"rejected"`
	RolledBack uint64 `json:"rolled_back"`
	Active     int    `json:"active"`
	QueueDepth int    `json:"queue_depth"`
}

// Engine runs a bounded queue drained by MaxConcurrentActions workers.
// Terminal results are published on the Results channel for the
// orchestrator.
type Engine struct {
	backends map[model.ActionType]Backend
	store    model.Store

	limiter *rate.Limiter
	queue   chan *model.ActionRecord
	results chan model.ActionRecord

	mu             sync.Mutex
	records        map[string]*model.ActionRecord
	activeByTarget map[string]string
	timers         map[string]*time.Timer
	stats          Stats

	workers         int
	dryRun          bool
	defaultDuration time.Duration
	dispatchTimeout time.Duration
	retryLimit      int

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewEngine builds an engine from validated configuration. A nil runner
// means real command execution; a nil store disables audit persistence.
func NewEngine(cfg config.ActionConfig, run CommandRunner, store model.Store) *Engine {
	apm := cfg.ActionsPerMinute
	return &Engine{
		backends:        NewBackends(cfg, run),
		store:           store,
		limiter:         rate.NewLimiter(rate.Limit(float64(apm)/60.0), apm),
		queue:           make(chan *model.ActionRecord, cfg.QueueSize),
		results:         make(chan model.ActionRecord, cfg.QueueSize),
		records:         make(map[string]*model.ActionRecord),
		activeByTarget:  make(map[string]string),
		timers:          make(map[string]*time.Timer),
		workers:         cfg.MaxConcurrentActions,
		dryRun:          cfg.DryRun,
		defaultDuration: config.Duration(cfg.DefaultTimeout),
		dispatchTimeout: config.Duration(cfg.DispatchTimeout),
		retryLimit:      cfg.RetryLimit,
		quit:            make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Engine) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	log.Printf("ActionEngine started with %d workers (dry_run=%v)", e.workers, e.dryRun)
}

// Stop drains the queue, marking still-pending requests abandoned, and
// fires every outstanding rollback immediately. No action survives
// shutdown in an applied state.
func (e *Engine) Stop() {
	close(e.quit)
	e.wg.Wait()

	// Abandon whatever the workers did not pick up.
	for {
		select {
		case rec := <-e.queue:
			e.finish(rec, model.ActionRejected, "abandoned at shutdown")
		default:
			e.fireAllRollbacks()
			log.Println("ActionEngine stopped.")
			return
		}
	}
}

// Results delivers terminal action records (completed, failed, rejected,
// rolled back). The orchestrator consumes this to degrade incidents.
func (e *Engine) Results() <-chan model.ActionRecord {
	return e.results
}

// Queue admits one action request. The returned record is a snapshot;
// use Record for the live status.
func (e *Engine) Queue(req model.ActionRequest) (model.ActionRecord, error) {
	if _, ok := e.backends[req.Type]; !ok {
		return model.ActionRecord{}, fmt.Errorf("unknown action type %q", req.Type)
	}
	if req.Duration <= 0 {
		req.Duration = e.defaultDuration
	}
	if e.dryRun {
		req.DryRun = true
	}

	target := targetKey(req)

	e.mu.Lock()
	if activeID, dup := e.activeByTarget[target]; dup {
		e.stats.Rejected++
		e.mu.Unlock()
		return model.ActionRecord{}, fmt.Errorf("target %s already covered by action %s: %w", target, activeID, ErrRateLimited)
	}
	if !e.limiter.Allow() {
		e.stats.Rejected++
		e.mu.Unlock()
		return model.ActionRecord{}, fmt.Errorf("sliding window exhausted: %w", ErrRateLimited)
	}

	rec := &model.ActionRecord{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    model.ActionPending,
		StartedAt: time.Now(),
	}
	e.records[rec.ID] = rec
	e.activeByTarget[target] = rec.ID
	e.stats.Queued++

	select {
	case e.queue <- rec:
	default:
		delete(e.records, rec.ID)
		delete(e.activeByTarget, target)
		e.stats.Queued--
		e.stats.Rejected++
		e.mu.Unlock()
		return model.ActionRecord{}, fmt.Errorf("queue full: %w", ErrRateLimited)
	}
	snapshot := *rec
	e.mu.Unlock()
	return snapshot, nil
}

// Record returns a snapshot of one action's audit record.
func (e *Engine) Record(id string) (model.ActionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return model.ActionRecord{}, false
	}
	return *rec, true
}

// Cancel rolls back one action immediately, cancelling its expiry timer.
func (e *Engine) Cancel(id string) {
	e.rollback(id, "cancelled")
}

// CancelIncident rolls back every live action tied to an incident. Used
// when an incident expires or resolves.
func (e *Engine) CancelIncident(incidentID string) {
	e.mu.Lock()
	var ids []string
	for id, rec := range e.records {
		if rec.Request.IncidentID == incidentID && !rec.RolledBack {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.rollback(id, "incident closed")
	}
}

// BlockedTargets lists targets currently under an applied action.
func (e *Engine) BlockedTargets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.activeByTarget))
	for target := range e.activeByTarget {
		out = append(out, target)
	}
	return out
}

// Snapshot returns the engine counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Active = len(e.activeByTarget)
	s.QueueDepth = len(e.queue)
	return s
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case rec := <-e.queue:
			e.execute(rec)
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) execute(rec *model.ActionRecord) {
	e.mu.Lock()
	rec.Status = model.ActionExecuting
	req := rec.Request
	e.mu.Unlock()

	if req.DryRun {
		// Full bookkeeping, backend untouched.
		e.mu.Lock()
		rec.Status = model.ActionCompleted
		rec.Executed = false
		rec.FinishedAt = time.Now()
		rec.ExpiresAt = rec.FinishedAt.Add(req.Duration)
		e.stats.Completed++
		e.armExpiry(rec)
		snapshot := *rec
		e.mu.Unlock()
		e.persist(&snapshot)
		e.publish(snapshot)
		log.Printf("[ACTION] dry-run %s on %s for incident %s (would expire %s)",
			req.Type, req.TargetIP, req.IncidentID, snapshot.ExpiresAt.Format(time.RFC3339))
		return
	}

	backend := e.backends[req.Type]
	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		e.mu.Lock()
		rec.Attempts = attempt
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
		lastErr = backend.Apply(ctx, req)
		cancel()
		if lastErr == nil {
			break
		}
		log.Printf("ActionEngine: %s on %s attempt %d/%d failed: %v", req.Type, req.TargetIP, attempt, e.retryLimit, lastErr)
	}

	if lastErr != nil {
		e.finish(rec, model.ActionFailed, lastErr.Error())
		return
	}

	e.mu.Lock()
	rec.Status = model.ActionCompleted
	rec.Executed = true
	rec.FinishedAt = time.Now()
	rec.ExpiresAt = rec.FinishedAt.Add(req.Duration)
	rec.Error = ""
	e.stats.Completed++
	e.armExpiry(rec)
	snapshot := *rec
	e.mu.Unlock()

	e.persist(&snapshot)
	e.publish(snapshot)
	log.Printf("[ACTION] applied %s on %s for incident %s, expires %s",
		req.Type, req.TargetIP, req.IncidentID, snapshot.ExpiresAt.Format(time.RFC3339))
}

// finish marks a record terminally unsuccessful and frees its target.
func (e *Engine) finish(rec *model.ActionRecord, status model.ActionStatus, msg string) {
	e.mu.Lock()
	rec.Status = status
	rec.Error = msg
	rec.FinishedAt = time.Now()
	if status == model.ActionFailed {
		e.stats.Failed++
	} else {
		e.stats.Rejected++
	}
	delete(e.activeByTarget, targetKey(rec.Request))
	snapshot := *rec
	e.mu.Unlock()

	e.persist(&snapshot)
	e.publish(snapshot)
}

// armExpiry schedules the exactly-once inverse operation. Caller holds
// the lock.
func (e *Engine) armExpiry(rec *model.ActionRecord) {
	id := rec.ID
	e.timers[id] = time.AfterFunc(rec.Request.Duration, func() {
		e.rollback(id, "expired")
	})
}

// rollback issues the inverse operation for one record. The RolledBack
// flag guards exactly-once semantics against the timer, Cancel, and
// shutdown racing each other.
func (e *Engine) rollback(id, reason string) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.RolledBack || rec.Status != model.ActionCompleted {
		e.mu.Unlock()
		return
	}
	rec.RolledBack = true
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	delete(e.activeByTarget, targetKey(rec.Request))
	e.stats.RolledBack++
	executed := rec.Executed
	req := rec.Request
	snapshot := *rec
	e.mu.Unlock()

	if executed {
		ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
		if err := e.backends[req.Type].Revert(ctx, req); err != nil {
			log.Printf("ActionEngine: revert %s on %s: %v", req.Type, req.TargetIP, err)
		}
		cancel()
	}
	e.persist(&snapshot)
	e.publish(snapshot)
	log.Printf("[ACTION] rolled back %s on %s (%s)", req.Type, req.TargetIP, reason)
}

// fireAllRollbacks reverts every applied action. Called once during
// shutdown after the workers have stopped.
func (e *Engine) fireAllRollbacks() {
	e.mu.Lock()
	var ids []string
	for id, rec := range e.records {
		if rec.Status == model.ActionCompleted && !rec.RolledBack {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.rollback(id, "shutdown")
	}
}

func (e *Engine) persist(rec *model.ActionRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.RecordAction(rec); err != nil {
		log.Printf("ActionEngine: persist action %s: %v", rec.ID, err)
	}
}

// publish pushes a terminal record to the results channel without ever
// blocking a worker.
func (e *Engine) publish(rec model.ActionRecord) {
	select {
	case e.results <- rec:
	default:
		log.Printf("ActionEngine: results channel full, dropping update for %s", rec.ID)
	}
}

func targetKey(req model.ActionRequest) string {
	return string(req.Type) + "|" + req.TargetIP + ":" + strconv.Itoa(int(req.TargetPort))
}
