// Package domain defines the core types and interfaces for speedguard.
package domain

import (
	"fmt"
	"time"
)

// EntityKind distinguishes the two aggregation axes: driver licenses
// accumulate points, vehicle plates accumulate camera tickets.
type EntityKind string

const (
	EntityDriver  EntityKind = "driver"
	EntityVehicle EntityKind = "vehicle"
)

// Disposition is the adjudicated outcome of a violation.
type Disposition string

const (
	DispositionGuilty    Disposition = "GUILTY"
	DispositionDismissed Disposition = "DISMISSED"
	DispositionPending   Disposition = "PENDING"
	DispositionAppealed  Disposition = "APPEALED"
)

// Sustained reports whether the violation counts toward point totals.
// Only adjudicated-guilty records count; dismissed, pending, and
// under-appeal records are excluded from aggregation by policy.
func (d Disposition) Sustained() bool {
	return d == DispositionGuilty
}

// SourceType identifies how a violation was issued.
type SourceType string

const (
	SourceCamera  SourceType = "CAMERA"
	SourceOfficer SourceType = "OFFICER"
)

// ViolationRecord is an immutable violation fact. Two records with the
// same RecordID are the same event and collapse to one during ingestion.
type ViolationRecord struct {
	RecordID      string      `json:"recordId"`
	EntityKey     string      `json:"entityKey"`
	EntityKind    EntityKind  `json:"entityKind"`
	ViolationCode string      `json:"violationCode"`
	Points        int         `json:"points"`
	OccurredAt    time.Time   `json:"occurredAt"`
	Disposition   Disposition `json:"disposition"`
	Jurisdiction  string      `json:"jurisdiction"`
	SourceType    SourceType  `json:"sourceType"`
	IngestedAt    time.Time   `json:"ingestedAt"`
}

// DedupKey returns the identity used for deduplication. When the source
// provided no record ID (some officer-issued feeds omit summons numbers)
// a composite of entity, timestamp, and code is used instead. The
// composite is lossier: two genuinely distinct events with identical
// attributes collapse to one.
func (v ViolationRecord) DedupKey() string {
	if v.RecordID != "" {
		return v.RecordID
	}
	return fmt.Sprintf("%s|%d|%s", v.EntityKey, v.OccurredAt.UnixNano(), v.ViolationCode)
}

// RawRow is a structured input row as delivered by an upload or a prior
// ingestion system, before validation.
type RawRow struct {
	RecordID      string      `json:"recordId,omitempty"`
	SourceType    SourceType  `json:"sourceType"`
	Kind          EntityKind  `json:"kind"`
	LicenseNumber string      `json:"licenseNumber,omitempty"`
	Plate         string      `json:"plate,omitempty"`
	PlateState    string      `json:"plateState,omitempty"`
	ViolationCode string      `json:"violationCode"`
	OccurredAt    time.Time   `json:"occurredAt"`
	Disposition   Disposition `json:"disposition"`
	Jurisdiction  string      `json:"jurisdiction"`
}

// EntityKey derives the aggregation key for the row: the license number
// for driver-violation sources, plate+state for vehicle sources.
func (r RawRow) EntityKey() string {
	switch r.Kind {
	case EntityDriver:
		return r.LicenseNumber
	case EntityVehicle:
		if r.Plate == "" {
			return ""
		}
		return r.Plate + ":" + r.PlateState
	}
	return ""
}

// RejectedRow describes one input row that failed validation. Rejection
// is per row; the rest of the batch still ingests.
type RejectedRow struct {
	Index    int    `json:"index"`
	RecordID string `json:"recordId,omitempty"`
	Reason   string `json:"reason"`
}

// DeduplicationReport is the outcome of ingesting one batch.
type DeduplicationReport struct {
	BatchID      string        `json:"batchId"`
	Received     int           `json:"received"`
	Accepted     int           `json:"accepted"`
	Duplicates   int           `json:"duplicates"`
	CompositeKey int           `json:"compositeKeyed"`
	Rejected     []RejectedRow `json:"rejected,omitempty"`
	IngestedAt   time.Time     `json:"ingestedAt"`
}
