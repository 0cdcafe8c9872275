// Package risk computes per-driver crash-risk estimates.
package risk

import "github.com/opencivic/speedguard/internal/domain"

// Score computes a 0-100 crash-risk estimate from an entity's
// violations:
//
//	risk = 100 × clamp(wS×min(sevFactor, cap) + wN×nightFrac + wJ×crossJur, 0, 1)
//
// where sevFactor is total points over the points threshold (capped so
// a single extreme offender does not blow out the scale), nightFrac is
// the proportion of violations inside the configured night window, and
// crossJur is 1 when violations span more than one jurisdiction.
//
// The weights sum to 1.0 by policy convention; PolicyConfig.Validate
// rejects any other configuration rather than renormalizing here. The
// final value is clamped defensively anyway: malformed data (negative
// points from a bad code mapping) must never produce a score outside
// the documented bounds.
func Score(entityKey string, violations []domain.ViolationRecord, policy domain.PolicyConfig) float64 {
	var totalPoints, count, nightCount int
	jurs := make(map[string]struct{})

	for _, v := range violations {
		if v.EntityKey != entityKey || !v.Disposition.Sustained() {
			continue
		}
		count++
		totalPoints += v.Points
		if policy.IsNight(v.OccurredAt) {
			nightCount++
		}
		if v.Jurisdiction != "" {
			jurs[v.Jurisdiction] = struct{}{}
		}
	}

	if count == 0 {
		return 0
	}

	sevFactor := float64(totalPoints) / float64(policy.PointsThreshold)
	if sevFactor > policy.SeverityCap {
		sevFactor = policy.SeverityCap
	}

	nightFrac := float64(nightCount) / float64(count)

	crossJur := 0.0
	if len(jurs) > 1 {
		crossJur = 1.0
	}

	weighted := policy.SeverityWeight*sevFactor +
		policy.NighttimeWeight*nightFrac +
		policy.CrossJurisdictionWeight*crossJur

	return clamp(weighted, 0, 1) * 100
}

// ScoreAggregate computes the same estimate from an already-derived
// aggregate, avoiding a second pass over the raw records.
func ScoreAggregate(agg domain.EntityAggregate, policy domain.PolicyConfig) float64 {
	if agg.ViolationCount == 0 {
		return 0
	}

	// Vehicle aggregates carry ticket counts, not points; the severity
	// factor still uses the totals axis relevant to the kind.
	sevFactor := float64(agg.Total) / float64(policy.Threshold(agg.EntityKind))
	if sevFactor > policy.SeverityCap {
		sevFactor = policy.SeverityCap
	}

	crossJur := 0.0
	if agg.CrossJurisdiction() {
		crossJur = 1.0
	}

	weighted := policy.SeverityWeight*sevFactor +
		policy.NighttimeWeight*agg.NightFraction() +
		policy.CrossJurisdictionWeight*crossJur

	return clamp(weighted, 0, 1) * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
