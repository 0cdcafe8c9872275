package domain

import "time"

// FlagRule is an operator-defined screening rule evaluated against
// entity aggregates after classification. Rules are advisory: a match
// attaches a Flag to the roster entry but never changes the tier, which
// is determined solely by the policy thresholds.
//
// Expressions are CEL and must return bool. Available variables:
// total_points, violation_count, severe_count, night_fraction,
// jurisdiction_count, risk_score, tier, super_speeder.
type FlagRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`

	// Severity is a presentation hint (e.g., "info", "review").
	Severity string `json:"severity,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
