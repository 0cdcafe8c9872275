package domain

import "time"

// RiskLevel buckets a crash-risk score for presentation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskModerate RiskLevel = "MODERATE"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a 0-100 crash-risk score to its level.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskModerate
	default:
		return RiskLow
	}
}

// Flag is an advisory screening-rule match attached to a roster entry.
type Flag struct {
	RuleID   string `json:"ruleId"`
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
}

// RosterEntry is one classified entity as consumed by the presentation
// layer: tier, totals, risk score, and enforcement status.
type RosterEntry struct {
	EntityKey      string      `json:"entityKey"`
	EntityKind     EntityKind  `json:"entityKind"`
	Tier           Tier        `json:"tier"`
	Total          int         `json:"total"`
	ViolationCount int         `json:"violationCount"`
	SevereCount    int         `json:"severeCount"`
	SuperSpeeder   bool        `json:"superSpeeder"`
	TriggerReason  string      `json:"triggerReason,omitempty"`
	RiskScore      float64     `json:"riskScore"`
	RiskLevel      RiskLevel   `json:"riskLevel"`
	FirstViolation time.Time   `json:"firstViolation"`
	LastViolation  time.Time   `json:"lastViolation"`
	Jurisdictions  []string    `json:"jurisdictions"`
	Enforcement    AlertStatus `json:"enforcementStatus"`
	Flags          []Flag      `json:"flags,omitempty"`
}

// DetectionRun is the audit record of one detection pass.
type DetectionRun struct {
	RunID            string     `json:"runId"`
	EntityKind       EntityKind `json:"entityKind"`
	ReferenceInstant time.Time  `json:"referenceInstant"`
	WindowMonths     int        `json:"windowMonths"`
	PolicyVersion    string     `json:"policyVersion"`
	EntityCount      int        `json:"entityCount"`
	RequiredCount    int        `json:"requiredCount"`
	WarningCount     int        `json:"warningCount"`
	NewCrossings     []string   `json:"newCrossings,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      time.Time  `json:"completedAt"`
}
