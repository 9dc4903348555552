package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders incident seriousness. Higher values are worse; the
// ordering is relied upon by the monotonic-escalation rule.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity validates a config-supplied severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING":
		return SeverityWarning, nil
	case "ERROR":
		return SeverityError, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity: %q", s)
	}
}

// IncidentState is the lifecycle state of an incident.
type IncidentState string

const (
	IncidentNew              IncidentState = "NEW"
	IncidentOpen             IncidentState = "OPEN"
	IncidentEscalated        IncidentState = "ESCALATED"
	IncidentActioned         IncidentState = "ACTIONED"
	IncidentActionedDegraded IncidentState = "ACTIONED_DEGRADED"
	IncidentResolved         IncidentState = "RESOLVED"
	IncidentExpired          IncidentState = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s IncidentState) Terminal() bool {
	return s == IncidentResolved || s == IncidentExpired
}

// Incident is a tracked, stateful security event aggregating one or more
// anomaly scores for the same (source IP, attack type). Created and
// mutated only by the orchestrator goroutine.
type Incident struct {
	ID         string        `json:"id"`
	Severity   Severity      `json:"severity"`
	AttackType AttackType    `json:"attack_type"`
	State      IncidentState `json:"state"`
	SourceIP   string        `json:"source_ip"`
	TargetIP   string        `json:"target_ip"`
	Title      string        `json:"title"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// Scores holds a bounded subset of contributing scores (the highest
	// is always retained); ScoreCount is the true total across merges.
	Scores     []AnomalyScore `json:"scores"`
	ScoreCount int            `json:"score_count"`
	ActionIDs  []string       `json:"action_ids,omitempty"`
}

// Clone returns a deep copy safe to hand outside the orchestrator.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Scores = append([]AnomalyScore(nil), in.Scores...)
	cp.ActionIDs = append([]string(nil), in.ActionIDs...)
	return &cp
}

// Notifier delivers incident state transitions to external collaborators
// (SIEM, webhook, chat). Delivery is best-effort: a failing notifier must
// never block the pipeline.
type Notifier interface {
	Notify(incident *Incident) error
}

// Store is the append-only persistence boundary. The core records every
// incident state transition and action outcome, and reads recent incidents
// back to reopen matching ones after a restart.
type Store interface {
	RecordIncident(incident *Incident) error
	RecordAction(record *ActionRecord) error
	LoadRecentIncidents(since time.Time) ([]*Incident, error)
	Close() error
}
