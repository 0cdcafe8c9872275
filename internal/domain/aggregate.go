package domain

import "time"

// Tier is the policy classification of an entity's windowed aggregate.
type Tier string

const (
	TierCompliant Tier = "COMPLIANT"
	TierWarning   Tier = "WARNING"
	TierRequired  Tier = "REQUIRED"
)

// EntityAggregate is the rolling-window rollup for one entity. It is
// always recomputed from the violation facts for an explicit reference
// instant and never mutated in place, so repeated derivations over an
// unchanged store are identical.
type EntityAggregate struct {
	EntityKey        string     `json:"entityKey"`
	EntityKind       EntityKind `json:"entityKind"`
	WindowMonths     int        `json:"windowMonths"`
	ReferenceInstant time.Time  `json:"referenceInstant"`

	// Total is points for drivers, ticket count for vehicles.
	Total          int       `json:"total"`
	ViolationCount int       `json:"violationCount"`
	SevereCount    int       `json:"severeCount"`
	NightCount     int       `json:"nightCount"`
	FirstViolation time.Time `json:"firstViolation"`
	LastViolation  time.Time `json:"lastViolation"`

	// Jurisdictions is the sorted set of distinct jurisdictions seen
	// inside the window.
	Jurisdictions []string `json:"jurisdictions"`
}

// CrossJurisdiction reports whether violations span more than one
// jurisdiction.
func (a EntityAggregate) CrossJurisdiction() bool {
	return len(a.Jurisdictions) > 1
}

// NightFraction is the proportion of windowed violations that occurred
// inside the configured night hours.
func (a EntityAggregate) NightFraction() float64 {
	if a.ViolationCount == 0 {
		return 0
	}
	return float64(a.NightCount) / float64(a.ViolationCount)
}
