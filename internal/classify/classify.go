// Package classify maps windowed aggregates to policy tiers.
package classify

import (
	"fmt"

	"github.com/opencivic/speedguard/internal/domain"
)

// Classify maps an aggregate to its tier under the policy. Drivers and
// vehicles are classified independently, each against its own threshold
// and warning band:
//
//   - REQUIRED when total >= threshold
//   - WARNING when total falls inside the warning band below threshold
//   - COMPLIANT otherwise
func Classify(agg domain.EntityAggregate, policy domain.PolicyConfig) domain.Tier {
	threshold := policy.Threshold(agg.EntityKind)
	if agg.Total >= threshold {
		return domain.TierRequired
	}
	if policy.WarningBand(agg.EntityKind).Contains(agg.Total) {
		return domain.TierWarning
	}
	return domain.TierCompliant
}

// SuperSpeeder reports whether a driver carries any violation in the
// highest severity code tier. This is an orthogonal designation: it is
// not merged into the point total and does not change the tier.
func SuperSpeeder(agg domain.EntityAggregate) bool {
	return agg.EntityKind == domain.EntityDriver && agg.SevereCount > 0
}

// TriggerReason returns a human-readable explanation for a REQUIRED
// classification, or "" when the threshold is not met.
func TriggerReason(agg domain.EntityAggregate, policy domain.PolicyConfig) string {
	threshold := policy.Threshold(agg.EntityKind)
	if agg.Total < threshold {
		return ""
	}
	if agg.EntityKind == domain.EntityVehicle {
		return fmt.Sprintf("%d tickets (threshold: %d)", agg.Total, threshold)
	}
	return fmt.Sprintf("%d points (threshold: %d)", agg.Total, threshold)
}
