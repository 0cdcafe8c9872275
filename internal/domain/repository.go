package domain

import (
	"context"
	"time"
)

// Repository defines the interface for durable persistence. Violation
// facts are append-only: they are never updated or deleted, and
// corrections arrive as superseding batches from the calling system.
type Repository interface {
	// Violation facts. SaveViolations skips rows whose dedup key is
	// already present and returns the number actually inserted.
	SaveViolations(ctx context.Context, records []ViolationRecord) (int, error)
	ListViolations(ctx context.Context, kind EntityKind) ([]ViolationRecord, error)
	ListViolationsByEntity(ctx context.Context, entityKey string, since time.Time) ([]ViolationRecord, error)
	ViolationStats(ctx context.Context) (*StoreStats, error)

	// Enforcement alerts. OpenAlert fails with ErrAlertConflict when
	// the entity already has an open alert.
	OpenAlert(ctx context.Context, alert *EnforcementAlert) error
	GetAlert(ctx context.Context, alertID string) (*EnforcementAlert, error)
	GetOpenAlert(ctx context.Context, entityKey string) (*EnforcementAlert, error)
	UpdateAlert(ctx context.Context, alert *EnforcementAlert) error
	ListAlerts(ctx context.Context, status AlertStatus) ([]*EnforcementAlert, error)

	// Detection run audit trail.
	SaveDetectionRun(ctx context.Context, run *DetectionRun) error
	ListDetectionRuns(ctx context.Context, limit int) ([]*DetectionRun, error)

	// Screening rule configuration.
	SaveFlagRule(ctx context.Context, rule *FlagRule) error
	ListFlagRules(ctx context.Context) ([]*FlagRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreStats summarizes the persisted violation fact set.
type StoreStats struct {
	TotalViolations   int64     `json:"totalViolations"`
	DistinctDrivers   int64     `json:"distinctDrivers"`
	DistinctVehicles  int64     `json:"distinctVehicles"`
	CameraViolations  int64     `json:"cameraViolations"`
	OfficerViolations int64     `json:"officerViolations"`
	EarliestViolation time.Time `json:"earliestViolation"`
	LatestViolation   time.Time `json:"latestViolation"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
