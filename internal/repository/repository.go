// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencivic/speedguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveViolations appends violation facts, skipping rows whose dedup key
// is already present. Existing rows are never overwritten: the
// earliest-persisted copy wins, matching the store's tie-break.
func (r *SQLRepository) SaveViolations(ctx context.Context, records []domain.ViolationRecord) (int, error) {
	query := `
		INSERT INTO violations (
			record_key, record_id, entity_key, entity_kind, violation_code,
			points, occurred_at, disposition, jurisdiction, source_type, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_key) DO NOTHING
	`

	inserted := 0
	for _, rec := range records {
		res, err := r.db.ExecContext(ctx, r.rebind(query),
			rec.DedupKey(), rec.RecordID, rec.EntityKey, rec.EntityKind, rec.ViolationCode,
			rec.Points, rec.OccurredAt, rec.Disposition, rec.Jurisdiction, rec.SourceType,
			rec.IngestedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert violation %s: %w", rec.DedupKey(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

const violationColumns = `record_id, entity_key, entity_kind, violation_code,
	points, occurred_at, disposition, jurisdiction, source_type, ingested_at`

// ListViolations retrieves all facts for one entity kind in occurrence order.
func (r *SQLRepository) ListViolations(ctx context.Context, kind domain.EntityKind) ([]domain.ViolationRecord, error) {
	query := `
		SELECT ` + violationColumns + `
		FROM violations
		WHERE entity_kind = ?
		ORDER BY occurred_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanViolations(rows)
}

// ListViolationsByEntity retrieves one entity's facts since a cutoff.
func (r *SQLRepository) ListViolationsByEntity(ctx context.Context, entityKey string, since time.Time) ([]domain.ViolationRecord, error) {
	if entityKey == "" {
		return nil, fmt.Errorf("%w: entityKey is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + violationColumns + `
		FROM violations
		WHERE entity_key = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityKey, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanViolations(rows)
}

func scanViolations(rows *sql.Rows) ([]domain.ViolationRecord, error) {
	var out []domain.ViolationRecord
	for rows.Next() {
		var rec domain.ViolationRecord
		var recordID, jurisdiction sql.NullString

		if err := rows.Scan(
			&recordID, &rec.EntityKey, &rec.EntityKind, &rec.ViolationCode,
			&rec.Points, &rec.OccurredAt, &rec.Disposition, &jurisdiction,
			&rec.SourceType, &rec.IngestedAt,
		); err != nil {
			return nil, err
		}

		rec.RecordID = recordID.String
		rec.Jurisdiction = jurisdiction.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ViolationStats summarizes the persisted fact set.
func (r *SQLRepository) ViolationStats(ctx context.Context) (*domain.StoreStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(DISTINCT CASE WHEN entity_kind = 'driver' THEN entity_key END),
			COUNT(DISTINCT CASE WHEN entity_kind = 'vehicle' THEN entity_key END),
			SUM(CASE WHEN source_type = 'CAMERA' THEN 1 ELSE 0 END),
			SUM(CASE WHEN source_type = 'OFFICER' THEN 1 ELSE 0 END)
		FROM violations
	`

	var stats domain.StoreStats
	var camera, officer sql.NullInt64

	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalViolations, &stats.DistinctDrivers, &stats.DistinctVehicles,
		&camera, &officer,
	)
	if err != nil {
		return nil, err
	}

	stats.CameraViolations = camera.Int64
	stats.OfficerViolations = officer.Int64

	// The time bounds come from direct column selects rather than
	// MIN/MAX aggregates: aggregate results lose the column's declared
	// type, and the SQLite driver then yields strings instead of times.
	if stats.TotalViolations > 0 {
		earliest := `SELECT occurred_at FROM violations ORDER BY occurred_at ASC LIMIT 1`
		if err := r.db.QueryRowContext(ctx, earliest).Scan(&stats.EarliestViolation); err != nil {
			return nil, err
		}
		latest := `SELECT occurred_at FROM violations ORDER BY occurred_at DESC LIMIT 1`
		if err := r.db.QueryRowContext(ctx, latest).Scan(&stats.LatestViolation); err != nil {
			return nil, err
		}
	}

	return &stats, nil
}

// OpenAlert inserts a new alert on the condition that the entity has no
// open one. The conditional insert fails on conflict rather than
// duplicating, enforcing the one-open-alert-per-entity invariant even
// across concurrent detection runs.
func (r *SQLRepository) OpenAlert(ctx context.Context, alert *domain.EnforcementAlert) error {
	if alert == nil || alert.EntityKey == "" {
		return fmt.Errorf("%w: alert with entityKey is required", ErrInvalidInput)
	}
	if !alert.Status.Open() {
		return fmt.Errorf("%w: new alert must be open, got %s", ErrInvalidInput, alert.Status)
	}

	query := `
		INSERT INTO enforcement_alerts (
			alert_id, entity_key, entity_kind, status, risk_score_at_creation,
			trigger_reason, created_at, due_date, resolved_at, notes
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM enforcement_alerts
			WHERE entity_key = ? AND status IN ('NOTICE_SENT', 'FOLLOW_UP_DUE')
		)
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.AlertID, alert.EntityKey, alert.EntityKind, alert.Status,
		alert.RiskScoreAtCreation, alert.TriggerReason, alert.CreatedAt,
		alert.DueDate, alert.Notes,
		alert.EntityKey,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: entity %s", domain.ErrAlertConflict, alert.EntityKey)
	}
	return nil
}

const alertColumns = `alert_id, entity_key, entity_kind, status, risk_score_at_creation,
	trigger_reason, created_at, due_date, resolved_at, notes`

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.EnforcementAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM enforcement_alerts WHERE alert_id = ?`
	return r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
}

// GetOpenAlert retrieves the entity's open alert, if any.
func (r *SQLRepository) GetOpenAlert(ctx context.Context, entityKey string) (*domain.EnforcementAlert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM enforcement_alerts
		WHERE entity_key = ? AND status IN ('NOTICE_SENT', 'FOLLOW_UP_DUE')
	`
	return r.scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), entityKey))
}

func (r *SQLRepository) scanAlert(row *sql.Row) (*domain.EnforcementAlert, error) {
	var a domain.EnforcementAlert
	var reason, notes sql.NullString
	var resolved sql.NullTime

	err := row.Scan(
		&a.AlertID, &a.EntityKey, &a.EntityKind, &a.Status, &a.RiskScoreAtCreation,
		&reason, &a.CreatedAt, &a.DueDate, &resolved, &notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.TriggerReason = reason.String
	a.Notes = notes.String
	if resolved.Valid {
		t := resolved.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// UpdateAlert persists a transitioned alert. Alerts only move forward;
// rows are never deleted.
func (r *SQLRepository) UpdateAlert(ctx context.Context, alert *domain.EnforcementAlert) error {
	if alert == nil || alert.AlertID == "" {
		return fmt.Errorf("%w: alert with alertID is required", ErrInvalidInput)
	}

	query := `
		UPDATE enforcement_alerts
		SET status = ?, due_date = ?, resolved_at = ?, notes = ?
		WHERE alert_id = ?
	`

	var resolved any
	if alert.ResolvedAt != nil {
		resolved = *alert.ResolvedAt
	}

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.Status, alert.DueDate, resolved, alert.Notes, alert.AlertID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlerts retrieves alerts newest first, optionally filtered by status.
func (r *SQLRepository) ListAlerts(ctx context.Context, status domain.AlertStatus) ([]*domain.EnforcementAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM enforcement_alerts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.EnforcementAlert
	for rows.Next() {
		var a domain.EnforcementAlert
		var reason, notes sql.NullString
		var resolved sql.NullTime

		if err := rows.Scan(
			&a.AlertID, &a.EntityKey, &a.EntityKind, &a.Status, &a.RiskScoreAtCreation,
			&reason, &a.CreatedAt, &a.DueDate, &resolved, &notes,
		); err != nil {
			return nil, err
		}

		a.TriggerReason = reason.String
		a.Notes = notes.String
		if resolved.Valid {
			t := resolved.Time
			a.ResolvedAt = &t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveDetectionRun stores one detection-run audit record.
func (r *SQLRepository) SaveDetectionRun(ctx context.Context, run *domain.DetectionRun) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("%w: run with runID is required", ErrInvalidInput)
	}

	crossings, _ := json.Marshal(run.NewCrossings)

	query := `
		INSERT INTO detection_runs (
			run_id, entity_kind, reference_instant, window_months, policy_version,
			entity_count, required_count, warning_count, new_crossings,
			started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		run.RunID, run.EntityKind, run.ReferenceInstant, run.WindowMonths,
		run.PolicyVersion, run.EntityCount, run.RequiredCount, run.WarningCount,
		string(crossings), run.StartedAt, run.CompletedAt,
	)
	return err
}

// ListDetectionRuns retrieves recent runs, newest first.
func (r *SQLRepository) ListDetectionRuns(ctx context.Context, limit int) ([]*domain.DetectionRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, entity_kind, reference_instant, window_months, policy_version,
			   entity_count, required_count, warning_count, new_crossings,
			   started_at, completed_at
		FROM detection_runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.DetectionRun
	for rows.Next() {
		var run domain.DetectionRun
		var crossings string

		if err := rows.Scan(
			&run.RunID, &run.EntityKind, &run.ReferenceInstant, &run.WindowMonths,
			&run.PolicyVersion, &run.EntityCount, &run.RequiredCount, &run.WarningCount,
			&crossings, &run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(crossings), &run.NewCrossings)
		out = append(out, &run)
	}
	return out, rows.Err()
}

// SaveFlagRule upserts a screening rule configuration.
func (r *SQLRepository) SaveFlagRule(ctx context.Context, rule *domain.FlagRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule with ID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO flag_rules (
			id, name, description, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression, rule.Severity,
		enabled, now, now,
	)
	return err
}

// ListFlagRules retrieves all enabled screening rules.
func (r *SQLRepository) ListFlagRules(ctx context.Context) ([]*domain.FlagRule, error) {
	query := `
		SELECT id, name, description, expression, severity, enabled, created_at, updated_at
		FROM flag_rules
		WHERE enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FlagRule
	for rows.Next() {
		var rule domain.FlagRule
		var description, severity sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &rule.Expression, &severity,
			&enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Severity = severity.String
		rule.Enabled = enabled == 1
		out = append(out, &rule)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
