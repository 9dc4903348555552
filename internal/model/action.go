package model

import (
	"fmt"
	"strings"
	"time"
)

// ActionType names an automated response capability.
type ActionType string

const (
	ActionFirewallBlock   ActionType = "firewall_block"
	ActionTrafficShape    ActionType = "traffic_shape"
	ActionQuarantineVLAN  ActionType = "quarantine_vlan"
	ActionConnectionReset ActionType = "connection_reset"
	ActionNotifyOnly      ActionType = "notify_only"
)

// ParseActionType validates a config-supplied action type name.
func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(strings.ToLower(s)); t {
	case ActionFirewallBlock, ActionTrafficShape, ActionQuarantineVLAN, ActionConnectionReset, ActionNotifyOnly:
		return t, nil
	default:
		return "", fmt.Errorf("unknown action type: %q", s)
	}
}

// ActionRequest asks the action engine to apply one response measure.
// Created by the orchestrator and consumed exactly once by the engine.
type ActionRequest struct {
	IncidentID string            `json:"incident_id"`
	Type       ActionType        `json:"type"`
	TargetIP   string            `json:"target_ip"`
	TargetPort uint16            `json:"target_port,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Duration   time.Duration     `json:"duration"`
	DryRun     bool              `json:"dry_run"`
}

// ActionStatus is the execution state of a queued action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionRejected  ActionStatus = "rejected"
)

// ActionRecord is the audit trail for one action request. Owned by the
// action engine; an expiring record is rolled back exactly once.
type ActionRecord struct {
	ID      string        `json:"id"`
	Request ActionRequest `json:"request"`
	Status  ActionStatus  `json:"status"`

	Executed   bool      `json:"executed"` // backend actually touched
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	RolledBack bool      `json:"rolled_back"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
}
