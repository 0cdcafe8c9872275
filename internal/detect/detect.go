// Package detect composes the detection pipeline: store snapshot →
// windowed aggregation → threshold classification → risk scoring →
// screening rules → roster assembly.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opencivic/speedguard/internal/aggregate"
	"github.com/opencivic/speedguard/internal/classify"
	"github.com/opencivic/speedguard/internal/delta"
	"github.com/opencivic/speedguard/internal/domain"
	"github.com/opencivic/speedguard/internal/lifecycle"
	"github.com/opencivic/speedguard/internal/risk"
	"github.com/opencivic/speedguard/internal/rules"
	"github.com/opencivic/speedguard/internal/store"
)

// rosterTTL bounds staleness of cached rosters between ingests.
const rosterTTL = 5 * time.Minute

// Service runs detection passes over a read-only snapshot of the
// violation store. Runs are triggered on demand (a new batch arrives or
// a recompute is requested) and may execute concurrently: aggregation
// is a pure function of (records, window, reference instant), and the
// only shared mutable resource, the alert table, is guarded by the
// lifecycle manager.
type Service struct {
	store  *store.Store
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	engine *rules.Engine
	alerts *lifecycle.Manager
	policy domain.PolicyConfig
}

// NewService creates a detection service. The repository, cache, bus,
// and rule engine may be nil for reduced configurations; the store,
// lifecycle manager, and a validated policy are required.
func NewService(st *store.Store, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, alerts *lifecycle.Manager, policy domain.PolicyConfig) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:  st,
		repo:   repo,
		cache:  cache,
		bus:    bus,
		engine: engine,
		alerts: alerts,
		policy: policy,
	}, nil
}

// LoadFromRepository seeds the in-memory store with persisted facts.
func (s *Service) LoadFromRepository(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	loaded := 0
	for _, kind := range []domain.EntityKind{domain.EntityDriver, domain.EntityVehicle} {
		records, err := s.repo.ListViolations(ctx, kind)
		if err != nil {
			return loaded, fmt.Errorf("load %s violations: %w", kind, err)
		}
		loaded += s.store.Add(records)
	}
	return loaded, nil
}

// BatchResult is the outcome of processing one ingested batch.
type BatchResult struct {
	Report *domain.DeduplicationReport                `json:"report"`
	Deltas map[domain.EntityKind]*delta.Result        `json:"deltas,omitempty"`
	Alerts map[string]*domain.EnforcementAlert        `json:"alerts,omitempty"`
	Runs   map[domain.EntityKind]*domain.DetectionRun `json:"runs,omitempty"`
}

// IngestBatch validates, deduplicates, and persists a batch, then runs
// delta detection per entity kind against the pre-batch history and
// opens enforcement alerts for entities that newly crossed. An alert
// conflict on one entity (a concurrent run got there first) is fatal to
// that entity's notice only, never to the batch.
func (s *Service) IngestBatch(ctx context.Context, rows []domain.RawRow) (*BatchResult, error) {
	start := time.Now()

	// History snapshots must predate the ingest so the baseline side of
	// the delta excludes the incoming records.
	history := map[domain.EntityKind][]domain.ViolationRecord{
		domain.EntityDriver:  s.store.SnapshotKind(domain.EntityDriver),
		domain.EntityVehicle: s.store.SnapshotKind(domain.EntityVehicle),
	}

	report, accepted := s.store.Ingest(rows)
	result := &BatchResult{
		Report: report,
		Deltas: make(map[domain.EntityKind]*delta.Result),
		Alerts: make(map[string]*domain.EnforcementAlert),
		Runs:   make(map[domain.EntityKind]*domain.DetectionRun),
	}

	if len(accepted) == 0 {
		return result, nil
	}

	if s.repo != nil {
		if _, err := s.repo.SaveViolations(ctx, accepted); err != nil {
			return nil, fmt.Errorf("persist batch %s: %w", report.BatchID, err)
		}
	}

	incoming := make(map[domain.EntityKind][]domain.ViolationRecord)
	for _, rec := range accepted {
		incoming[rec.EntityKind] = append(incoming[rec.EntityKind], rec)
	}

	for kind, batch := range incoming {
		res, err := delta.FindNewCrossings(ctx, history[kind], batch, kind, s.policy)
		if err != nil {
			return nil, fmt.Errorf("delta detection (%s): %w", kind, err)
		}
		result.Deltas[kind] = res

		run, err := s.recordRun(ctx, kind, res, start)
		if err != nil {
			return nil, err
		}
		result.Runs[kind] = run

		s.openAlertsForCrossings(ctx, kind, res, history[kind], batch, result)
		s.publishDelta(ctx, report.BatchID, res)
	}

	slog.Info("batch processed",
		"batch_id", report.BatchID,
		"received", report.Received,
		"accepted", report.Accepted,
		"duplicates", report.Duplicates,
		"rejected", len(report.Rejected),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

// openAlertsForCrossings opens one enforcement alert per newly-crossed
// entity. Conflicts are logged and skipped.
func (s *Service) openAlertsForCrossings(ctx context.Context, kind domain.EntityKind, res *delta.Result, history, batch []domain.ViolationRecord, result *BatchResult) {
	if s.alerts == nil || len(res.NewCrossings) == 0 {
		return
	}

	combined := append(append([]domain.ViolationRecord{}, history...), batch...)

	for _, entityKey := range res.NewCrossings {
		agg := aggregate.ForEntity(entityKey, combined, kind, res.WindowMonths, res.ReferenceInstant, s.policy)
		score := risk.ScoreAggregate(agg, s.policy)
		reason := classify.TriggerReason(agg, s.policy)

		alert, err := s.alerts.Open(ctx, entityKey, kind, score, reason)
		if err != nil {
			slog.Warn("could not open alert for new crossing",
				"entity_key", entityKey,
				"error", err,
			)
			continue
		}
		result.Alerts[entityKey] = alert
	}
}

func (s *Service) recordRun(ctx context.Context, kind domain.EntityKind, res *delta.Result, start time.Time) (*domain.DetectionRun, error) {
	run := &domain.DetectionRun{
		RunID:            uuid.New().String(),
		EntityKind:       kind,
		ReferenceInstant: res.ReferenceInstant,
		WindowMonths:     res.WindowMonths,
		PolicyVersion:    s.policy.Version,
		RequiredCount:    res.CurrentRequired,
		NewCrossings:     res.NewCrossings,
		StartedAt:        start.UTC(),
		CompletedAt:      time.Now().UTC(),
	}

	roster, err := s.BuildRoster(ctx, kind, res.ReferenceInstant)
	if err != nil {
		return nil, fmt.Errorf("post-ingest roster (%s): %w", kind, err)
	}
	run.EntityCount = len(roster)
	for _, entry := range roster {
		if entry.Tier == domain.TierWarning {
			run.WarningCount++
		}
	}

	if s.repo != nil {
		if err := s.repo.SaveDetectionRun(ctx, run); err != nil {
			slog.Error("failed to save detection run", "run_id", run.RunID, "error", err)
		}
	}
	return run, nil
}

// BuildRoster derives the classified roster for one entity kind at an
// explicit reference instant: tier, totals, risk score, super-speeder
// designation, advisory flags, and current enforcement status. The
// derivation is cached per (kind, window, reference instant); a cache
// miss recomputes from a fresh snapshot. Cancellation between entities
// leaves no side effects: the roster is discarded and the store is
// untouched.
func (s *Service) BuildRoster(ctx context.Context, kind domain.EntityKind, reference time.Time) ([]domain.RosterEntry, error) {
	key := rosterCacheKey(kind, s.policy.WindowMonths(kind), reference)
	if s.cache != nil {
		if cached, err := s.cache.GetRoster(ctx, key); err == nil && cached != nil {
			return cached, nil
		}
	}

	records := s.store.SnapshotKind(kind)
	aggs, err := aggregate.Aggregate(ctx, records, kind, s.policy.WindowMonths(kind), reference, s.policy)
	if err != nil {
		return nil, err
	}

	alertStatus, err := s.alertStatusIndex(ctx)
	if err != nil {
		return nil, err
	}

	roster := make([]domain.RosterEntry, 0, len(aggs))
	for _, agg := range aggs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tier := classify.Classify(agg, s.policy)
		score := risk.ScoreAggregate(agg, s.policy)
		super := classify.SuperSpeeder(agg)

		entry := domain.RosterEntry{
			EntityKey:      agg.EntityKey,
			EntityKind:     kind,
			Tier:           tier,
			Total:          agg.Total,
			ViolationCount: agg.ViolationCount,
			SevereCount:    agg.SevereCount,
			SuperSpeeder:   super,
			TriggerReason:  classify.TriggerReason(agg, s.policy),
			RiskScore:      score,
			RiskLevel:      domain.LevelForScore(score),
			FirstViolation: agg.FirstViolation,
			LastViolation:  agg.LastViolation,
			Jurisdictions:  agg.Jurisdictions,
			Enforcement:    s.enforcementStatus(agg.EntityKey, tier, alertStatus),
		}

		if s.engine != nil {
			entry.Flags = s.engine.Evaluate(ctx, rules.Input{
				Aggregate:    agg,
				Tier:         tier,
				RiskScore:    score,
				SuperSpeeder: super,
			})
		}

		roster = append(roster, entry)
	}

	// Highest totals first; key breaks ties for stable output.
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].Total != roster[j].Total {
			return roster[i].Total > roster[j].Total
		}
		return roster[i].EntityKey < roster[j].EntityKey
	})

	if s.cache != nil {
		if err := s.cache.SetRoster(ctx, key, roster, rosterTTL); err != nil {
			slog.Debug("roster cache write failed", "key", key, "error", err)
		}
	}

	return roster, nil
}

// alertStatusIndex maps entity keys to their governing alert status:
// the open alert if one exists, otherwise the most recent resolution.
func (s *Service) alertStatusIndex(ctx context.Context) (map[string]domain.AlertStatus, error) {
	index := make(map[string]domain.AlertStatus)
	if s.repo == nil {
		return index, nil
	}

	alerts, err := s.repo.ListAlerts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	// ListAlerts returns newest first; the first status seen per entity
	// wins unless a later (older) row is open, which cannot happen with
	// the one-open-per-entity invariant holding.
	for _, a := range alerts {
		if _, seen := index[a.EntityKey]; !seen || a.Status.Open() {
			index[a.EntityKey] = a.Status
		}
	}
	return index, nil
}

func (s *Service) enforcementStatus(entityKey string, tier domain.Tier, index map[string]domain.AlertStatus) domain.AlertStatus {
	if status, ok := index[entityKey]; ok {
		return status
	}
	if tier == domain.TierRequired {
		// Crossed but not yet noticed.
		return domain.AlertNew
	}
	return ""
}

// Stats reports on the working fact set.
func (s *Service) Stats() domain.StoreStats {
	return s.store.Stats()
}

// Policy returns the run policy (read-only by convention).
func (s *Service) Policy() domain.PolicyConfig {
	return s.policy
}

// Snapshot exposes a copy of the fact set for export assembly.
func (s *Service) Snapshot(kind domain.EntityKind) []domain.ViolationRecord {
	return s.store.SnapshotKind(kind)
}

func (s *Service) publishDelta(ctx context.Context, batchID string, res *delta.Result) {
	if s.bus == nil {
		return
	}

	payload, _ := json.Marshal(res)
	if err := s.bus.Publish(ctx, domain.TopicDetectionCompleted, payload); err != nil {
		slog.Error("failed to publish detection result", "batch_id", batchID, "error", err)
	}

	for _, entityKey := range res.NewCrossings {
		crossing, _ := json.Marshal(map[string]string{
			"batchId":   batchID,
			"entityKey": entityKey,
			"kind":      string(res.EntityKind),
		})
		if err := s.bus.Publish(ctx, domain.TopicCrossingDetected, crossing); err != nil {
			slog.Error("failed to publish crossing", "entity_key", entityKey, "error", err)
		}
	}
}

func rosterCacheKey(kind domain.EntityKind, windowMonths int, reference time.Time) string {
	return fmt.Sprintf("roster:%s:%d:%d", kind, windowMonths, reference.Unix())
}
