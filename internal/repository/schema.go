package repository

// Schema definitions for the speedguard database.
// Compatible with both SQLite and PostgreSQL.

// Violation facts are append-only: rows are inserted once, keyed by the
// dedup key, and never updated or deleted.
const schemaViolations = `
CREATE TABLE IF NOT EXISTS violations (
    record_key TEXT PRIMARY KEY,
    record_id TEXT,
    entity_key TEXT NOT NULL,
    entity_kind TEXT NOT NULL,
    violation_code TEXT NOT NULL,
    points INTEGER NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    disposition TEXT NOT NULL,
    jurisdiction TEXT,
    source_type TEXT NOT NULL,
    ingested_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_entity ON violations(entity_key, occurred_at);
CREATE INDEX IF NOT EXISTS idx_violations_kind ON violations(entity_kind);
CREATE INDEX IF NOT EXISTS idx_violations_occurred ON violations(occurred_at);
`

// The partial unique index backs the one-open-alert-per-entity
// invariant at the storage layer; OpenAlert additionally uses a
// conditional insert so the conflict surfaces as ErrAlertConflict
// rather than a driver-specific constraint error.
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS enforcement_alerts (
    alert_id TEXT PRIMARY KEY,
    entity_key TEXT NOT NULL,
    entity_kind TEXT NOT NULL,
    status TEXT NOT NULL,
    risk_score_at_creation REAL NOT NULL,
    trigger_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    due_date TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    notes TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_open
    ON enforcement_alerts(entity_key)
    WHERE status IN ('NOTICE_SENT', 'FOLLOW_UP_DUE');

CREATE INDEX IF NOT EXISTS idx_alerts_entity ON enforcement_alerts(entity_key, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON enforcement_alerts(status);
`

const schemaDetectionRuns = `
CREATE TABLE IF NOT EXISTS detection_runs (
    run_id TEXT PRIMARY KEY,
    entity_kind TEXT NOT NULL,
    reference_instant TIMESTAMP NOT NULL,
    window_months INTEGER NOT NULL,
    policy_version TEXT NOT NULL,
    entity_count INTEGER NOT NULL,
    required_count INTEGER NOT NULL,
    warning_count INTEGER NOT NULL,
    new_crossings TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON detection_runs(started_at);
`

const schemaFlagRules = `
CREATE TABLE IF NOT EXISTS flag_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaViolations,
		schemaAlerts,
		schemaDetectionRuns,
		schemaFlagRules,
	}
}
