package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencivic/speedguard/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testViolation(recordID, entityKey string, occurred time.Time) domain.ViolationRecord {
	return domain.ViolationRecord{
		RecordID:      recordID,
		EntityKey:     entityKey,
		EntityKind:    domain.EntityDriver,
		ViolationCode: "1180B",
		Points:        3,
		OccurredAt:    occurred,
		Disposition:   domain.DispositionGuilty,
		Jurisdiction:  "NY",
		SourceType:    domain.SourceOfficer,
		IngestedAt:    time.Now().UTC(),
	}
}

func testAlert(entityKey string) *domain.EnforcementAlert {
	now := time.Now().UTC()
	return &domain.EnforcementAlert{
		AlertID:             uuid.New().String(),
		EntityKey:           entityKey,
		EntityKind:          domain.EntityDriver,
		Status:              domain.AlertNoticeSent,
		RiskScoreAtCreation: 42.5,
		TriggerReason:       "12 points (threshold: 11)",
		CreatedAt:           now,
		DueDate:             now.AddDate(0, 0, 14),
	}
}

func TestSaveViolations(t *testing.T) {
	ctx := context.Background()
	occurred := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)

	t.Run("InsertAndList", func(t *testing.T) {
		repo := newTestRepo(t)

		inserted, err := repo.SaveViolations(ctx, []domain.ViolationRecord{
			testViolation("R-1", "D100", occurred),
			testViolation("R-2", "D100", occurred.Add(-time.Hour)),
		})
		if err != nil {
			t.Fatalf("SaveViolations failed: %v", err)
		}
		if inserted != 2 {
			t.Errorf("expected 2 inserted, got %d", inserted)
		}

		records, err := repo.ListViolations(ctx, domain.EntityDriver)
		if err != nil {
			t.Fatalf("ListViolations failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		// Occurrence order, oldest first.
		if records[0].RecordID != "R-2" {
			t.Errorf("expected occurrence order, got %s first", records[0].RecordID)
		}
	})

	t.Run("ResubmissionSkipped", func(t *testing.T) {
		repo := newTestRepo(t)

		rec := testViolation("R-1", "D100", occurred)
		if _, err := repo.SaveViolations(ctx, []domain.ViolationRecord{rec}); err != nil {
			t.Fatalf("first save failed: %v", err)
		}

		// Same record ID with a different payload: the stored copy wins.
		changed := rec
		changed.ViolationCode = "1180D"
		changed.Points = 8

		inserted, err := repo.SaveViolations(ctx, []domain.ViolationRecord{changed})
		if err != nil {
			t.Fatalf("second save failed: %v", err)
		}
		if inserted != 0 {
			t.Errorf("expected 0 inserted on resubmission, got %d", inserted)
		}

		records, _ := repo.ListViolations(ctx, domain.EntityDriver)
		if len(records) != 1 || records[0].ViolationCode != "1180B" {
			t.Errorf("stored copy must be unchanged, got %+v", records)
		}
	})

	t.Run("KindsSeparated", func(t *testing.T) {
		repo := newTestRepo(t)

		vehicle := testViolation("R-2", "ABC123:NY", occurred)
		vehicle.EntityKind = domain.EntityVehicle
		vehicle.SourceType = domain.SourceCamera

		repo.SaveViolations(ctx, []domain.ViolationRecord{
			testViolation("R-1", "D100", occurred),
			vehicle,
		})

		drivers, _ := repo.ListViolations(ctx, domain.EntityDriver)
		vehicles, _ := repo.ListViolations(ctx, domain.EntityVehicle)
		if len(drivers) != 1 || len(vehicles) != 1 {
			t.Errorf("expected 1 of each kind, got %d/%d", len(drivers), len(vehicles))
		}
	})
}

func TestListViolationsByEntity(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	occurred := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)

	repo.SaveViolations(ctx, []domain.ViolationRecord{
		testViolation("R-1", "D100", occurred),
		testViolation("R-2", "D100", occurred.AddDate(0, -20, 0)),
		testViolation("R-3", "D200", occurred),
	})

	records, err := repo.ListViolationsByEntity(ctx, "D100", occurred.AddDate(0, -18, 0))
	if err != nil {
		t.Fatalf("ListViolationsByEntity failed: %v", err)
	}
	if len(records) != 1 || records[0].RecordID != "R-1" {
		t.Errorf("expected only the in-window D100 record, got %+v", records)
	}

	if _, err := repo.ListViolationsByEntity(ctx, "", occurred); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty key, got %v", err)
	}
}

func TestViolationStats(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	early := time.Date(2025, 11, 2, 23, 0, 0, 0, time.UTC)
	late := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)

	vehicle := testViolation("R-3", "ABC123:NY", late)
	vehicle.EntityKind = domain.EntityVehicle
	vehicle.SourceType = domain.SourceCamera

	repo.SaveViolations(ctx, []domain.ViolationRecord{
		testViolation("R-1", "D100", early),
		testViolation("R-2", "D100", late),
		vehicle,
	})

	stats, err := repo.ViolationStats(ctx)
	if err != nil {
		t.Fatalf("ViolationStats failed: %v", err)
	}
	if stats.TotalViolations != 3 {
		t.Errorf("expected 3 total, got %d", stats.TotalViolations)
	}
	if stats.DistinctDrivers != 1 || stats.DistinctVehicles != 1 {
		t.Errorf("expected 1 driver 1 vehicle, got %d/%d", stats.DistinctDrivers, stats.DistinctVehicles)
	}
	if stats.CameraViolations != 1 || stats.OfficerViolations != 2 {
		t.Errorf("expected 1 camera 2 officer, got %d/%d", stats.CameraViolations, stats.OfficerViolations)
	}
	if !stats.EarliestViolation.Equal(early) || !stats.LatestViolation.Equal(late) {
		t.Errorf("unexpected bounds: %v .. %v", stats.EarliestViolation, stats.LatestViolation)
	}
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenAndGet", func(t *testing.T) {
		repo := newTestRepo(t)

		alert := testAlert("D100")
		if err := repo.OpenAlert(ctx, alert); err != nil {
			t.Fatalf("OpenAlert failed: %v", err)
		}

		got, err := repo.GetAlert(ctx, alert.AlertID)
		if err != nil {
			t.Fatalf("GetAlert failed: %v", err)
		}
		if got.EntityKey != "D100" || got.Status != domain.AlertNoticeSent {
			t.Errorf("unexpected alert: %+v", got)
		}
		if got.RiskScoreAtCreation != 42.5 {
			t.Errorf("expected frozen risk score, got %f", got.RiskScoreAtCreation)
		}
		if got.ResolvedAt != nil {
			t.Error("new alert must not be resolved")
		}
	})

	t.Run("SecondOpenConflicts", func(t *testing.T) {
		repo := newTestRepo(t)

		if err := repo.OpenAlert(ctx, testAlert("D100")); err != nil {
			t.Fatalf("first OpenAlert failed: %v", err)
		}
		err := repo.OpenAlert(ctx, testAlert("D100"))
		if !errors.Is(err, domain.ErrAlertConflict) {
			t.Errorf("expected ErrAlertConflict, got %v", err)
		}

		// Conflict on one entity must not block another.
		if err := repo.OpenAlert(ctx, testAlert("D200")); err != nil {
			t.Errorf("unexpected error for distinct entity: %v", err)
		}
	})

	t.Run("ReopenAfterResolution", func(t *testing.T) {
		repo := newTestRepo(t)

		alert := testAlert("D100")
		repo.OpenAlert(ctx, alert)

		now := time.Now().UTC()
		alert.Status = domain.AlertCompliant
		alert.ResolvedAt = &now
		alert.Notes = "device installed"
		if err := repo.UpdateAlert(ctx, alert); err != nil {
			t.Fatalf("UpdateAlert failed: %v", err)
		}

		if err := repo.OpenAlert(ctx, testAlert("D100")); err != nil {
			t.Errorf("terminal alert must not block a new cycle: %v", err)
		}
	})

	t.Run("GetOpenAlert", func(t *testing.T) {
		repo := newTestRepo(t)

		alert := testAlert("D100")
		repo.OpenAlert(ctx, alert)

		got, err := repo.GetOpenAlert(ctx, "D100")
		if err != nil {
			t.Fatalf("GetOpenAlert failed: %v", err)
		}
		if got.AlertID != alert.AlertID {
			t.Errorf("expected alert %s, got %s", alert.AlertID, got.AlertID)
		}

		if _, err := repo.GetOpenAlert(ctx, "D999"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdatePersistsTransition", func(t *testing.T) {
		repo := newTestRepo(t)

		alert := testAlert("D100")
		repo.OpenAlert(ctx, alert)

		alert.Status = domain.AlertFollowUpDue
		alert.DueDate = time.Now().UTC().AddDate(0, 0, 7)
		if err := repo.UpdateAlert(ctx, alert); err != nil {
			t.Fatalf("UpdateAlert failed: %v", err)
		}

		got, _ := repo.GetAlert(ctx, alert.AlertID)
		if got.Status != domain.AlertFollowUpDue {
			t.Errorf("expected FOLLOW_UP_DUE, got %s", got.Status)
		}

		missing := testAlert("D200")
		if err := repo.UpdateAlert(ctx, missing); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown alert, got %v", err)
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		repo := newTestRepo(t)

		open := testAlert("D100")
		repo.OpenAlert(ctx, open)

		resolved := testAlert("D200")
		repo.OpenAlert(ctx, resolved)
		now := time.Now().UTC()
		resolved.Status = domain.AlertCompliant
		resolved.ResolvedAt = &now
		repo.UpdateAlert(ctx, resolved)

		all, err := repo.ListAlerts(ctx, "")
		if err != nil {
			t.Fatalf("ListAlerts failed: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("expected 2 alerts, got %d", len(all))
		}

		noticeSent, _ := repo.ListAlerts(ctx, domain.AlertNoticeSent)
		if len(noticeSent) != 1 || noticeSent[0].EntityKey != "D100" {
			t.Errorf("unexpected filtered list: %+v", noticeSent)
		}
	})

	t.Run("RejectsClosedStatusOnOpen", func(t *testing.T) {
		repo := newTestRepo(t)

		bad := testAlert("D100")
		bad.Status = domain.AlertCompliant
		if err := repo.OpenAlert(ctx, bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestDetectionRuns(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	reference := time.Date(2026, 5, 10, 14, 30, 0, 0, time.UTC)
	started := time.Now().UTC().Add(-time.Second)

	for i, crossings := range [][]string{{"D100", "D200"}, {}} {
		run := &domain.DetectionRun{
			RunID:            uuid.New().String(),
			EntityKind:       domain.EntityDriver,
			ReferenceInstant: reference,
			WindowMonths:     18,
			PolicyVersion:    "ny-vtl-2026.1",
			EntityCount:      10,
			RequiredCount:    len(crossings),
			WarningCount:     3,
			NewCrossings:     crossings,
			StartedAt:        started.Add(time.Duration(i) * time.Second),
			CompletedAt:      started.Add(time.Duration(i)*time.Second + 100*time.Millisecond),
		}
		if err := repo.SaveDetectionRun(ctx, run); err != nil {
			t.Fatalf("SaveDetectionRun failed: %v", err)
		}
	}

	runs, err := repo.ListDetectionRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListDetectionRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	// Newest first; the crossings list survives the round trip.
	if len(runs[0].NewCrossings) != 0 {
		t.Errorf("expected newest run first, got %+v", runs[0])
	}
	if len(runs[1].NewCrossings) != 2 || runs[1].NewCrossings[0] != "D100" {
		t.Errorf("crossings did not round-trip: %+v", runs[1].NewCrossings)
	}

	limited, _ := repo.ListDetectionRuns(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestFlagRules(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rule := &domain.FlagRule{
		ID:         "night-owl",
		Name:       "Night owl",
		Expression: "night_fraction >= 0.5",
		Severity:   "medium",
		Enabled:    true,
	}
	if err := repo.SaveFlagRule(ctx, rule); err != nil {
		t.Fatalf("SaveFlagRule failed: %v", err)
	}

	// Upsert replaces the expression in place.
	rule.Expression = "night_fraction >= 0.75"
	if err := repo.SaveFlagRule(ctx, rule); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	disabled := &domain.FlagRule{
		ID:         "off",
		Name:       "Disabled",
		Expression: "true",
		Enabled:    false,
	}
	repo.SaveFlagRule(ctx, disabled)

	rules, err := repo.ListFlagRules(ctx)
	if err != nil {
		t.Fatalf("ListFlagRules failed: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected only enabled rules, got %d", len(rules))
	}
	if rules[0].Expression != "night_fraction >= 0.75" {
		t.Errorf("upsert did not replace expression, got %q", rules[0].Expression)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPing(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
