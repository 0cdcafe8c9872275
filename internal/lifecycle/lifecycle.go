// Package lifecycle drives the enforcement alert state machine:
//
//	NEW → NOTICE_SENT → FOLLOW_UP_DUE → {COMPLIANT | ESCALATED}
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencivic/speedguard/internal/domain"
)

// AlertStore is the persistence surface the manager requires. The SQL
// repository implements it; OpenAlert must fail with ErrAlertConflict
// when the entity already has an open alert.
type AlertStore interface {
	OpenAlert(ctx context.Context, alert *domain.EnforcementAlert) error
	GetAlert(ctx context.Context, alertID string) (*domain.EnforcementAlert, error)
	GetOpenAlert(ctx context.Context, entityKey string) (*domain.EnforcementAlert, error)
	UpdateAlert(ctx context.Context, alert *domain.EnforcementAlert) error
	ListAlerts(ctx context.Context, status domain.AlertStatus) ([]*domain.EnforcementAlert, error)
}

// Manager owns alert transitions. Each transition is atomic per entity:
// a per-entity lock serializes writers so two concurrent detection runs
// cannot both open or both advance the same entity's alert. Alerts are
// never deleted, preserving the audit trail.
type Manager struct {
	store  AlertStore
	policy domain.PolicyConfig
	bus    domain.EventBus // optional

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager. The bus may be nil; when set,
// every transition publishes to TopicAlertTransitioned.
func NewManager(store AlertStore, policy domain.PolicyConfig, bus domain.EventBus) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		bus:    bus,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Open creates an alert for an entity that newly crossed the REQUIRED
// threshold: NEW → NOTICE_SENT, with the notice due date set from
// policy. Returns ErrAlertConflict when an open alert already exists;
// the conflict is fatal to this attempt, not to the caller's run.
func (m *Manager) Open(ctx context.Context, entityKey string, kind domain.EntityKind, riskScore float64, reason string) (*domain.EnforcementAlert, error) {
	lock := m.entityLock(entityKey)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	alert := &domain.EnforcementAlert{
		AlertID:             uuid.New().String(),
		EntityKey:           entityKey,
		EntityKind:          kind,
		Status:              domain.AlertNoticeSent,
		RiskScoreAtCreation: riskScore,
		TriggerReason:       reason,
		CreatedAt:           now,
		DueDate:             now.AddDate(0, 0, m.policy.NoticePeriodDays),
	}

	if err := m.store.OpenAlert(ctx, alert); err != nil {
		return nil, err
	}

	m.publishTransition(ctx, alert, domain.AlertNew)
	return alert, nil
}

// MarkFollowUpDue advances NOTICE_SENT → FOLLOW_UP_DUE by explicit
// operator action and sets the follow-up due date.
func (m *Manager) MarkFollowUpDue(ctx context.Context, alertID string) (*domain.EnforcementAlert, error) {
	return m.transition(ctx, alertID, domain.AlertNoticeSent, func(a *domain.EnforcementAlert) {
		a.Status = domain.AlertFollowUpDue
		a.DueDate = time.Now().UTC().AddDate(0, 0, m.policy.FollowUpPeriodDays)
	})
}

// Confirm records a confirmed device installation:
// FOLLOW_UP_DUE → COMPLIANT. Terminal for this cycle.
func (m *Manager) Confirm(ctx context.Context, alertID, notes string) (*domain.EnforcementAlert, error) {
	return m.transition(ctx, alertID, domain.AlertFollowUpDue, func(a *domain.EnforcementAlert) {
		now := time.Now().UTC()
		a.Status = domain.AlertCompliant
		a.ResolvedAt = &now
		if notes != "" {
			a.Notes = notes
		}
	})
}

// Escalate marks an ignored follow-up for manual review:
// FOLLOW_UP_DUE → ESCALATED. Terminal.
func (m *Manager) Escalate(ctx context.Context, alertID, notes string) (*domain.EnforcementAlert, error) {
	return m.transition(ctx, alertID, domain.AlertFollowUpDue, func(a *domain.EnforcementAlert) {
		now := time.Now().UTC()
		a.Status = domain.AlertEscalated
		a.ResolvedAt = &now
		if notes != "" {
			a.Notes = notes
		}
	})
}

// SweepDue advances every NOTICE_SENT alert whose notice period has
// elapsed without a resolution action. Returns the number advanced.
// Failures on individual alerts are logged and skipped so one bad row
// does not stall the sweep.
func (m *Manager) SweepDue(ctx context.Context) (int, error) {
	alerts, err := m.store.ListAlerts(ctx, domain.AlertNoticeSent)
	if err != nil {
		return 0, fmt.Errorf("list notice-sent alerts: %w", err)
	}

	now := time.Now().UTC()
	advanced := 0
	for _, alert := range alerts {
		if alert.DueDate.After(now) {
			continue
		}
		if _, err := m.MarkFollowUpDue(ctx, alert.AlertID); err != nil {
			slog.Error("failed to advance overdue alert",
				"alert_id", alert.AlertID,
				"entity_key", alert.EntityKey,
				"error", err,
			)
			continue
		}
		advanced++
	}
	return advanced, nil
}

// transition applies one state change under the entity lock, verifying
// the current status first.
func (m *Manager) transition(ctx context.Context, alertID string, from domain.AlertStatus, apply func(*domain.EnforcementAlert)) (*domain.EnforcementAlert, error) {
	alert, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	lock := m.entityLock(alert.EntityKey)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another writer may have advanced it.
	alert, err = m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != from {
		return nil, fmt.Errorf("%w: alert %s is %s, expected %s",
			domain.ErrInvalidTransition, alertID, alert.Status, from)
	}

	apply(alert)
	if err := m.store.UpdateAlert(ctx, alert); err != nil {
		return nil, err
	}

	m.publishTransition(ctx, alert, from)
	return alert, nil
}

func (m *Manager) entityLock(entityKey string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[entityKey]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[entityKey] = lock
	}
	return lock
}

// TransitionEvent is the payload published on TopicAlertTransitioned.
type TransitionEvent struct {
	AlertID   string             `json:"alertId"`
	EntityKey string             `json:"entityKey"`
	From      domain.AlertStatus `json:"from"`
	To        domain.AlertStatus `json:"to"`
	DueDate   time.Time          `json:"dueDate"`
}

func (m *Manager) publishTransition(ctx context.Context, alert *domain.EnforcementAlert, from domain.AlertStatus) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(TransitionEvent{
		AlertID:   alert.AlertID,
		EntityKey: alert.EntityKey,
		From:      from,
		To:        alert.Status,
		DueDate:   alert.DueDate,
	})
	if err := m.bus.Publish(ctx, domain.TopicAlertTransitioned, payload); err != nil {
		slog.Error("failed to publish alert transition",
			"alert_id", alert.AlertID,
			"error", err,
		)
	}
}
