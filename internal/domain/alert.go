package domain

import (
	"errors"
	"time"
)

// AlertStatus is the enforcement lifecycle state of an alert.
type AlertStatus string

const (
	AlertNew         AlertStatus = "NEW"
	AlertNoticeSent  AlertStatus = "NOTICE_SENT"
	AlertFollowUpDue AlertStatus = "FOLLOW_UP_DUE"
	AlertCompliant   AlertStatus = "COMPLIANT"
	AlertEscalated   AlertStatus = "ESCALATED"
)

// Open reports whether the status still requires action. At most one
// open alert may exist per entity at any time.
func (s AlertStatus) Open() bool {
	return s == AlertNoticeSent || s == AlertFollowUpDue
}

// Terminal reports whether the status ends the cycle.
func (s AlertStatus) Terminal() bool {
	return s == AlertCompliant || s == AlertEscalated
}

var (
	// ErrAlertConflict is returned when opening an alert for an entity
	// that already has one open. The caller must re-read current state
	// and retry; the conflict is fatal to the attempt, not to the run.
	ErrAlertConflict = errors.New("entity already has an open alert")

	// ErrInvalidTransition is returned for a transition the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid alert transition")
)

// EnforcementAlert tracks one entity's notice lifecycle. Alerts are
// never deleted, only transitioned, preserving an audit trail.
type EnforcementAlert struct {
	AlertID             string      `json:"alertId"`
	EntityKey           string      `json:"entityKey"`
	EntityKind          EntityKind  `json:"entityKind"`
	Status              AlertStatus `json:"status"`
	RiskScoreAtCreation float64     `json:"riskScoreAtCreation"`
	TriggerReason       string      `json:"triggerReason,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	DueDate             time.Time   `json:"dueDate"`
	ResolvedAt          *time.Time  `json:"resolvedAt,omitempty"`
	Notes               string      `json:"notes,omitempty"`
}
