// Package export renders classified rosters as flat tables suitable
// for notice generation.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opencivic/speedguard/internal/domain"
)

const dateLayout = "2006-01-02"

// EntityHeader is the column set for one-row-per-entity exports.
var EntityHeader = []string{
	"entity_key", "entity_kind", "tier", "total", "violation_count",
	"severe_count", "super_speeder", "risk_score", "risk_level",
	"first_violation", "last_violation", "jurisdictions",
	"enforcement_status", "trigger_reason",
}

// DetailHeader is the column set for one-row-per-entity-violation exports.
var DetailHeader = []string{
	"entity_key", "entity_kind", "tier", "record_id", "violation_code",
	"points", "occurred_at", "disposition", "jurisdiction", "source_type",
}

// WriteEntityCSV writes one row per roster entry.
func WriteEntityCSV(w io.Writer, roster []domain.RosterEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(EntityHeader); err != nil {
		return err
	}

	for _, e := range roster {
		row := []string{
			e.EntityKey,
			string(e.EntityKind),
			string(e.Tier),
			fmt.Sprintf("%d", e.Total),
			fmt.Sprintf("%d", e.ViolationCount),
			fmt.Sprintf("%d", e.SevereCount),
			fmt.Sprintf("%t", e.SuperSpeeder),
			fmt.Sprintf("%.1f", e.RiskScore),
			string(e.RiskLevel),
			formatDate(e.FirstViolation),
			formatDate(e.LastViolation),
			strings.Join(e.Jurisdictions, ";"),
			string(e.Enforcement),
			e.TriggerReason,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteDetailCSV writes one row per entity-violation pair, joining each
// roster entry with its violation facts. Records for entities absent
// from the roster are skipped.
func WriteDetailCSV(w io.Writer, roster []domain.RosterEntry, records []domain.ViolationRecord) error {
	tiers := make(map[string]domain.Tier, len(roster))
	order := make([]string, 0, len(roster))
	for _, e := range roster {
		tiers[e.EntityKey] = e.Tier
		order = append(order, e.EntityKey)
	}

	byEntity := make(map[string][]domain.ViolationRecord)
	for _, rec := range records {
		if _, ok := tiers[rec.EntityKey]; !ok {
			continue
		}
		byEntity[rec.EntityKey] = append(byEntity[rec.EntityKey], rec)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(DetailHeader); err != nil {
		return err
	}

	for _, key := range order {
		for _, rec := range byEntity[key] {
			row := []string{
				rec.EntityKey,
				string(rec.EntityKind),
				string(tiers[key]),
				rec.RecordID,
				rec.ViolationCode,
				fmt.Sprintf("%d", rec.Points),
				rec.OccurredAt.UTC().Format(time.RFC3339),
				string(rec.Disposition),
				rec.Jurisdiction,
				string(rec.SourceType),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}
