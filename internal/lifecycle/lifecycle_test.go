package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opencivic/speedguard/internal/domain"
)

// fakeStore is an in-memory AlertStore with the same conflict semantics
// as the SQL repository.
type fakeStore struct {
	mu     sync.Mutex
	alerts map[string]*domain.EnforcementAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[string]*domain.EnforcementAlert)}
}

func (s *fakeStore) OpenAlert(_ context.Context, alert *domain.EnforcementAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.EntityKey == alert.EntityKey && existing.Status.Open() {
			return fmt.Errorf("%w: entity %s", domain.ErrAlertConflict, alert.EntityKey)
		}
	}
	cp := *alert
	s.alerts[alert.AlertID] = &cp
	return nil
}

func (s *fakeStore) GetAlert(_ context.Context, alertID string) (*domain.EnforcementAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, errors.New("alert not found")
	}
	cp := *alert
	return &cp, nil
}

func (s *fakeStore) GetOpenAlert(_ context.Context, entityKey string) (*domain.EnforcementAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alert := range s.alerts {
		if alert.EntityKey == entityKey && alert.Status.Open() {
			cp := *alert
			return &cp, nil
		}
	}
	return nil, errors.New("no open alert")
}

func (s *fakeStore) UpdateAlert(_ context.Context, alert *domain.EnforcementAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.AlertID]; !ok {
		return errors.New("alert not found")
	}
	cp := *alert
	s.alerts[alert.AlertID] = &cp
	return nil
}

func (s *fakeStore) ListAlerts(_ context.Context, status domain.AlertStatus) ([]*domain.EnforcementAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EnforcementAlert
	for _, alert := range s.alerts {
		if status != "" && alert.Status != status {
			continue
		}
		cp := *alert
		out = append(out, &cp)
	}
	return out, nil
}

func newTestManager() (*Manager, *fakeStore) {
	store := newFakeStore()
	return NewManager(store, domain.DefaultPolicy(), nil), store
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesNoticeSentAlert", func(t *testing.T) {
		m, _ := newTestManager()

		alert, err := m.Open(ctx, "D100", domain.EntityDriver, 42.5, "12 points (threshold: 11)")
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}

		if alert.Status != domain.AlertNoticeSent {
			t.Errorf("expected NOTICE_SENT, got %s", alert.Status)
		}
		if alert.AlertID == "" {
			t.Error("expected an alert ID")
		}
		if alert.RiskScoreAtCreation != 42.5 {
			t.Errorf("expected frozen risk score 42.5, got %f", alert.RiskScoreAtCreation)
		}

		wantDue := time.Now().UTC().AddDate(0, 0, 14)
		if diff := alert.DueDate.Sub(wantDue); diff < -time.Minute || diff > time.Minute {
			t.Errorf("expected due date ~14 days out, got %v", alert.DueDate)
		}
	})

	t.Run("SecondOpenConflicts", func(t *testing.T) {
		m, _ := newTestManager()

		if _, err := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason"); err != nil {
			t.Fatalf("first Open failed: %v", err)
		}
		_, err := m.Open(ctx, "D100", domain.EntityDriver, 50, "reason")
		if !errors.Is(err, domain.ErrAlertConflict) {
			t.Errorf("expected ErrAlertConflict, got %v", err)
		}
	})

	t.Run("DistinctEntitiesIndependent", func(t *testing.T) {
		m, _ := newTestManager()

		if _, err := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason"); err != nil {
			t.Fatalf("Open D100 failed: %v", err)
		}
		if _, err := m.Open(ctx, "ABC123:NY", domain.EntityVehicle, 60, "reason"); err != nil {
			t.Errorf("open alert on one entity must not block another: %v", err)
		}
	})

	t.Run("ReopenAfterResolution", func(t *testing.T) {
		m, _ := newTestManager()

		alert, _ := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")
		if _, err := m.MarkFollowUpDue(ctx, alert.AlertID); err != nil {
			t.Fatalf("MarkFollowUpDue failed: %v", err)
		}
		if _, err := m.Confirm(ctx, alert.AlertID, "device installed"); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}

		// Terminal alerts no longer block a fresh cycle.
		if _, err := m.Open(ctx, "D100", domain.EntityDriver, 55, "reason"); err != nil {
			t.Errorf("expected new cycle after COMPLIANT, got %v", err)
		}
	})
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("FullCompliantPath", func(t *testing.T) {
		m, _ := newTestManager()

		alert, _ := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")

		followUp, err := m.MarkFollowUpDue(ctx, alert.AlertID)
		if err != nil {
			t.Fatalf("MarkFollowUpDue failed: %v", err)
		}
		if followUp.Status != domain.AlertFollowUpDue {
			t.Errorf("expected FOLLOW_UP_DUE, got %s", followUp.Status)
		}
		wantDue := time.Now().UTC().AddDate(0, 0, 7)
		if diff := followUp.DueDate.Sub(wantDue); diff < -time.Minute || diff > time.Minute {
			t.Errorf("expected follow-up due ~7 days out, got %v", followUp.DueDate)
		}

		resolved, err := m.Confirm(ctx, alert.AlertID, "device installed")
		if err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
		if resolved.Status != domain.AlertCompliant {
			t.Errorf("expected COMPLIANT, got %s", resolved.Status)
		}
		if resolved.ResolvedAt == nil {
			t.Error("expected resolution timestamp")
		}
		if resolved.Notes != "device installed" {
			t.Errorf("expected notes to be recorded, got %q", resolved.Notes)
		}
	})

	t.Run("EscalatePath", func(t *testing.T) {
		m, _ := newTestManager()

		alert, _ := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")
		m.MarkFollowUpDue(ctx, alert.AlertID)

		escalated, err := m.Escalate(ctx, alert.AlertID, "no response")
		if err != nil {
			t.Fatalf("Escalate failed: %v", err)
		}
		if escalated.Status != domain.AlertEscalated {
			t.Errorf("expected ESCALATED, got %s", escalated.Status)
		}
		if escalated.ResolvedAt == nil {
			t.Error("expected resolution timestamp")
		}
	})

	t.Run("InvalidTransitionsRejected", func(t *testing.T) {
		m, _ := newTestManager()

		alert, _ := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")

		// Cannot resolve straight from NOTICE_SENT.
		if _, err := m.Confirm(ctx, alert.AlertID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition for NOTICE_SENT→COMPLIANT, got %v", err)
		}
		if _, err := m.Escalate(ctx, alert.AlertID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition for NOTICE_SENT→ESCALATED, got %v", err)
		}

		m.MarkFollowUpDue(ctx, alert.AlertID)
		m.Confirm(ctx, alert.AlertID, "")

		// Terminal states accept no further transitions.
		if _, err := m.MarkFollowUpDue(ctx, alert.AlertID); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition from COMPLIANT, got %v", err)
		}
		if _, err := m.Escalate(ctx, alert.AlertID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition from COMPLIANT, got %v", err)
		}
	})

	t.Run("UnknownAlert", func(t *testing.T) {
		m, _ := newTestManager()
		if _, err := m.MarkFollowUpDue(ctx, "no-such-alert"); err == nil {
			t.Error("expected error for unknown alert")
		}
	})
}

func TestSweepDue(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager()

	overdue, _ := m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")
	pending, _ := m.Open(ctx, "D200", domain.EntityDriver, 45, "reason")
	resolved, _ := m.Open(ctx, "D300", domain.EntityDriver, 50, "reason")
	m.MarkFollowUpDue(ctx, resolved.AlertID)
	m.Confirm(ctx, resolved.AlertID, "")

	// Backdate one notice past its due date.
	a, _ := store.GetAlert(ctx, overdue.AlertID)
	a.DueDate = time.Now().UTC().AddDate(0, 0, -1)
	store.UpdateAlert(ctx, a)

	advanced, err := m.SweepDue(ctx)
	if err != nil {
		t.Fatalf("SweepDue failed: %v", err)
	}
	if advanced != 1 {
		t.Errorf("expected 1 alert advanced, got %d", advanced)
	}

	got, _ := store.GetAlert(ctx, overdue.AlertID)
	if got.Status != domain.AlertFollowUpDue {
		t.Errorf("overdue alert should be FOLLOW_UP_DUE, got %s", got.Status)
	}
	got, _ = store.GetAlert(ctx, pending.AlertID)
	if got.Status != domain.AlertNoticeSent {
		t.Errorf("alert within its notice period must not advance, got %s", got.Status)
	}
	got, _ = store.GetAlert(ctx, resolved.AlertID)
	if got.Status != domain.AlertCompliant {
		t.Errorf("resolved alert must not change, got %s", got.Status)
	}
}

func TestConcurrentOpen(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Open(ctx, "D100", domain.EntityDriver, 40, "reason")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, domain.ErrAlertConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("exactly one concurrent Open must win, got %d", succeeded)
	}
}
