// Package store holds the deduplicated violation fact set used by
// detection runs.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencivic/speedguard/internal/domain"
)

// Store is an append-only, deduplicating set of violation facts.
// Records are never mutated or deleted once accepted; corrections
// arrive as superseding batches handled by the calling system.
//
// Deduplication is by record ID with the earliest-seen copy winning.
// A later ingest of the same ID, identical or conflicting, is counted
// as a duplicate and discarded.
type Store struct {
	mu     sync.RWMutex
	policy domain.PolicyConfig
	byKey  map[string]domain.ViolationRecord
	order  []string
}

// New creates an empty store bound to a validated policy. The policy
// supplies the violation-code point table.
func New(policy domain.PolicyConfig) *Store {
	return &Store{
		policy: policy,
		byKey:  make(map[string]domain.ViolationRecord),
	}
}

// Ingest validates and deduplicates a batch of raw rows. Invalid rows
// are rejected individually with a reason; the rest of the batch still
// ingests. The report accounts for every input row. The second return
// value is the records actually accepted, in input order, for callers
// that persist or delta-detect against the new facts.
func (s *Store) Ingest(rows []domain.RawRow) (*domain.DeduplicationReport, []domain.ViolationRecord) {
	now := time.Now().UTC()
	report := &domain.DeduplicationReport{
		BatchID:    uuid.New().String(),
		Received:   len(rows),
		IngestedAt: now,
	}
	var accepted []domain.ViolationRecord

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range rows {
		rec, reason := s.buildRecord(row, now)
		if reason != "" {
			report.Rejected = append(report.Rejected, domain.RejectedRow{
				Index:    i,
				RecordID: row.RecordID,
				Reason:   reason,
			})
			continue
		}

		key := rec.DedupKey()
		if _, seen := s.byKey[key]; seen {
			report.Duplicates++
			continue
		}

		// Counted only for accepted rows: the report answers how many
		// stored facts are keyed lossily, not how many inputs lacked IDs.
		if rec.RecordID == "" {
			report.CompositeKey++
		}

		s.byKey[key] = rec
		s.order = append(s.order, key)
		accepted = append(accepted, rec)
		report.Accepted++
	}

	return report, accepted
}

// buildRecord validates one raw row and derives the violation fact.
// An empty reason means the row is valid.
func (s *Store) buildRecord(row domain.RawRow, ingestedAt time.Time) (domain.ViolationRecord, string) {
	switch row.Kind {
	case domain.EntityDriver:
		if row.LicenseNumber == "" {
			return domain.ViolationRecord{}, "missing driver license identifier"
		}
	case domain.EntityVehicle:
		if row.Plate == "" {
			return domain.ViolationRecord{}, "missing vehicle plate identifier"
		}
		if row.PlateState == "" {
			return domain.ViolationRecord{}, "missing plate registration state"
		}
	default:
		return domain.ViolationRecord{}, fmt.Sprintf("unknown entity kind %q", row.Kind)
	}

	if row.OccurredAt.IsZero() {
		return domain.ViolationRecord{}, "missing or unparseable occurred_at timestamp"
	}
	if row.ViolationCode == "" {
		return domain.ViolationRecord{}, "missing violation code"
	}
	if _, known := s.policy.PointsPerCode[row.ViolationCode]; !known {
		return domain.ViolationRecord{}, fmt.Sprintf("unknown violation code %q", row.ViolationCode)
	}

	return domain.ViolationRecord{
		RecordID:      row.RecordID,
		EntityKey:     row.EntityKey(),
		EntityKind:    row.Kind,
		ViolationCode: row.ViolationCode,
		Points:        s.policy.PointsForCode(row.ViolationCode),
		OccurredAt:    row.OccurredAt,
		Disposition:   row.Disposition,
		Jurisdiction:  row.Jurisdiction,
		SourceType:    row.SourceType,
		IngestedAt:    ingestedAt,
	}, ""
}

// Add inserts already-validated violation facts, typically loaded from
// the repository at startup. Duplicates of records already present are
// skipped. Returns the number of records added.
func (s *Store) Add(records []domain.ViolationRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, rec := range records {
		key := rec.DedupKey()
		if _, seen := s.byKey[key]; seen {
			continue
		}
		s.byKey[key] = rec
		s.order = append(s.order, key)
		added++
	}
	return added
}

// Snapshot returns a copy of all facts in ingestion order. Detection
// runs operate on snapshots so concurrent ingests cannot shift results
// mid-run.
func (s *Store) Snapshot() []domain.ViolationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ViolationRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

// SnapshotKind returns a copy of the facts for one entity kind.
func (s *Store) SnapshotKind(kind domain.EntityKind) []domain.ViolationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ViolationRecord
	for _, key := range s.order {
		if rec := s.byKey[key]; rec.EntityKind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of deduplicated facts held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Stats summarizes the current fact set.
func (s *Store) Stats() domain.StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.StoreStats{TotalViolations: int64(len(s.byKey))}
	drivers := make(map[string]struct{})
	vehicles := make(map[string]struct{})

	for _, rec := range s.byKey {
		switch rec.EntityKind {
		case domain.EntityDriver:
			drivers[rec.EntityKey] = struct{}{}
		case domain.EntityVehicle:
			vehicles[rec.EntityKey] = struct{}{}
		}
		switch rec.SourceType {
		case domain.SourceCamera:
			stats.CameraViolations++
		case domain.SourceOfficer:
			stats.OfficerViolations++
		}
		if stats.EarliestViolation.IsZero() || rec.OccurredAt.Before(stats.EarliestViolation) {
			stats.EarliestViolation = rec.OccurredAt
		}
		if rec.OccurredAt.After(stats.LatestViolation) {
			stats.LatestViolation = rec.OccurredAt
		}
	}

	stats.DistinctDrivers = int64(len(drivers))
	stats.DistinctVehicles = int64(len(vehicles))
	return stats
}
