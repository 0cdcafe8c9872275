// Package aggregate computes per-entity rolling-window rollups from
// violation facts.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opencivic/speedguard/internal/domain"
)

// Aggregate computes the trailing-window rollup for every entity of the
// given kind. The window is [reference - windowMonths, reference] with
// an inclusive lower bound. The reference instant is always supplied by
// the caller, never defaulted to "now": delta detection computes the
// aggregate at the same instant over two different record populations,
// and a silently shifting window end would poison that comparison.
//
// Only sustained dispositions count. Dismissed and not-yet-final
// records are excluded from totals, not treated as errors.
//
// The result is a pure function of (records, kind, window, reference):
// repeated calls over an unchanged population yield identical values.
// Cancellation is honored between entities.
func Aggregate(ctx context.Context, records []domain.ViolationRecord, kind domain.EntityKind, windowMonths int, reference time.Time, policy domain.PolicyConfig) (map[string]domain.EntityAggregate, error) {
	if windowMonths <= 0 {
		return nil, fmt.Errorf("window months must be positive, got %d", windowMonths)
	}
	if reference.IsZero() {
		return nil, fmt.Errorf("reference instant is required")
	}

	cutoff := reference.AddDate(0, -windowMonths, 0)

	grouped := make(map[string][]domain.ViolationRecord)
	for _, rec := range records {
		if rec.EntityKind != kind || !rec.Disposition.Sustained() {
			continue
		}
		if rec.OccurredAt.Before(cutoff) || rec.OccurredAt.After(reference) {
			continue
		}
		grouped[rec.EntityKey] = append(grouped[rec.EntityKey], rec)
	}

	out := make(map[string]domain.EntityAggregate, len(grouped))
	for key, recs := range grouped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[key] = rollup(key, recs, kind, windowMonths, reference, policy)
	}
	return out, nil
}

// ForEntity computes the rollup for a single entity's violations,
// applying the same window and disposition filters.
func ForEntity(entityKey string, records []domain.ViolationRecord, kind domain.EntityKind, windowMonths int, reference time.Time, policy domain.PolicyConfig) domain.EntityAggregate {
	cutoff := reference.AddDate(0, -windowMonths, 0)

	var windowed []domain.ViolationRecord
	for _, rec := range records {
		if rec.EntityKey != entityKey || rec.EntityKind != kind || !rec.Disposition.Sustained() {
			continue
		}
		if rec.OccurredAt.Before(cutoff) || rec.OccurredAt.After(reference) {
			continue
		}
		windowed = append(windowed, rec)
	}
	return rollup(entityKey, windowed, kind, windowMonths, reference, policy)
}

func rollup(key string, recs []domain.ViolationRecord, kind domain.EntityKind, windowMonths int, reference time.Time, policy domain.PolicyConfig) domain.EntityAggregate {
	agg := domain.EntityAggregate{
		EntityKey:        key,
		EntityKind:       kind,
		WindowMonths:     windowMonths,
		ReferenceInstant: reference,
	}

	jurs := make(map[string]struct{})
	for _, rec := range recs {
		agg.ViolationCount++

		// Driver path sums points; vehicle path counts tickets.
		if kind == domain.EntityDriver {
			agg.Total += rec.Points
		} else {
			agg.Total++
		}

		if policy.IsSevere(rec.ViolationCode) {
			agg.SevereCount++
		}
		if policy.IsNight(rec.OccurredAt) {
			agg.NightCount++
		}
		if rec.Jurisdiction != "" {
			jurs[rec.Jurisdiction] = struct{}{}
		}
		if agg.FirstViolation.IsZero() || rec.OccurredAt.Before(agg.FirstViolation) {
			agg.FirstViolation = rec.OccurredAt
		}
		if rec.OccurredAt.After(agg.LastViolation) {
			agg.LastViolation = rec.OccurredAt
		}
	}

	agg.Jurisdictions = make([]string, 0, len(jurs))
	for j := range jurs {
		agg.Jurisdictions = append(agg.Jurisdictions, j)
	}
	sort.Strings(agg.Jurisdictions)

	return agg
}

// MaxOccurredAt returns the latest occurrence timestamp across the
// records, or the zero time for an empty population.
func MaxOccurredAt(records []domain.ViolationRecord) time.Time {
	var maxTS time.Time
	for _, rec := range records {
		if rec.OccurredAt.After(maxTS) {
			maxTS = rec.OccurredAt
		}
	}
	return maxTS
}
