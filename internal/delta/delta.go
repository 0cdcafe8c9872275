// Package delta identifies entities that newly cross the enforcement
// threshold when an incoming batch is merged with history.
package delta

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opencivic/speedguard/internal/aggregate"
	"github.com/opencivic/speedguard/internal/classify"
	"github.com/opencivic/speedguard/internal/domain"
)

// Result reports one delta-detection pass.
type Result struct {
	EntityKind       domain.EntityKind `json:"entityKind"`
	ReferenceInstant time.Time         `json:"referenceInstant"`
	WindowMonths     int               `json:"windowMonths"`

	// NewCrossings are entities that classify REQUIRED over the
	// combined population but not over history alone, sorted for
	// deterministic output.
	NewCrossings []string `json:"newCrossings"`

	// BaselineRequired and CurrentRequired are the REQUIRED counts on
	// each side of the comparison.
	BaselineRequired int `json:"baselineRequired"`
	CurrentRequired  int `json:"currentRequired"`
}

// FindNewCrossings compares a baseline snapshot (history only) against
// a current snapshot (history + incoming) and returns the entities
// whose classification flips to REQUIRED because of the incoming batch.
// Entities already REQUIRED at baseline are never reported, so notices
// are sent once rather than on every re-evaluation.
//
// Both aggregations use one reference instant: the maximum occurrence
// timestamp across the combined population. Using per-side instants
// would silently shift the trailing window for one side only and
// produce false positives and negatives; deriving the instant here,
// once, makes that mismatch impossible to construct.
func FindNewCrossings(ctx context.Context, history, incoming []domain.ViolationRecord, kind domain.EntityKind, policy domain.PolicyConfig) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	combined := merge(history, incoming)
	if len(combined) == 0 {
		return &Result{
			EntityKind:   kind,
			WindowMonths: policy.WindowMonths(kind),
			NewCrossings: []string{},
		}, nil
	}

	reference := aggregate.MaxOccurredAt(combined)
	windowMonths := policy.WindowMonths(kind)

	// History is deduplicated through the same merge path so both
	// sides see identical collapse behavior for repeated record IDs.
	baselinePop := merge(history, nil)

	baseline, err := aggregate.Aggregate(ctx, baselinePop, kind, windowMonths, reference, policy)
	if err != nil {
		return nil, fmt.Errorf("baseline aggregation: %w", err)
	}
	current, err := aggregate.Aggregate(ctx, combined, kind, windowMonths, reference, policy)
	if err != nil {
		return nil, fmt.Errorf("current aggregation: %w", err)
	}

	result := &Result{
		EntityKind:       kind,
		ReferenceInstant: reference,
		WindowMonths:     windowMonths,
		NewCrossings:     []string{},
	}

	baselineRequired := make(map[string]struct{})
	for key, agg := range baseline {
		if classify.Classify(agg, policy) == domain.TierRequired {
			baselineRequired[key] = struct{}{}
		}
	}
	result.BaselineRequired = len(baselineRequired)

	for key, agg := range current {
		if classify.Classify(agg, policy) != domain.TierRequired {
			continue
		}
		result.CurrentRequired++
		if _, already := baselineRequired[key]; !already {
			result.NewCrossings = append(result.NewCrossings, key)
		}
	}
	sort.Strings(result.NewCrossings)

	return result, nil
}

// merge combines two record populations with store dedup semantics:
// the earliest-seen copy of a record ID wins, history before incoming.
func merge(history, incoming []domain.ViolationRecord) []domain.ViolationRecord {
	seen := make(map[string]struct{}, len(history)+len(incoming))
	out := make([]domain.ViolationRecord, 0, len(history)+len(incoming))

	for _, rec := range history {
		key := rec.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	for _, rec := range incoming {
		key := rec.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}
