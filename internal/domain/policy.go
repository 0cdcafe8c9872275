package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrPolicyInvalid wraps all policy validation failures.
var ErrPolicyInvalid = errors.New("invalid policy configuration")

// Band is a half-open range [Low, High) of totals that classify as
// WARNING when strictly below the hard threshold.
type Band struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Contains reports whether total falls inside the band.
func (b Band) Contains(total int) bool {
	return total >= b.Low && total < b.High
}

// PolicyConfig is the immutable enforcement policy for a detection run.
// It is validated once at load time and passed explicitly to every
// component call; concurrent runs may carry different policies.
type PolicyConfig struct {
	Version string `json:"version"`

	// ISA thresholds: either condition mandates device installation.
	PointsThreshold int `json:"pointsThreshold"`
	TicketThreshold int `json:"ticketThreshold"`

	DriverWindowMonths  int `json:"driverWindowMonths"`
	VehicleWindowMonths int `json:"vehicleWindowMonths"`

	WarningBandPoints  Band `json:"warningBandPoints"`
	WarningBandTickets Band `json:"warningBandTickets"`

	// Risk scoring weights. By convention they sum to 1.0; a set that
	// does not is a configuration error, never renormalized silently.
	SeverityWeight          float64 `json:"severityWeight"`
	NighttimeWeight         float64 `json:"nighttimeWeight"`
	CrossJurisdictionWeight float64 `json:"crossJurisdictionWeight"`

	// SeverityCap bounds the severity factor before weighting so one
	// extreme offender cannot blow out the 0-100 scale.
	SeverityCap float64 `json:"severityCap"`

	// Night window hours, wrapping midnight: [NightStartHour, 24) ∪ [0, NightEndHour).
	NightStartHour int `json:"nightStartHour"`
	NightEndHour   int `json:"nightEndHour"`

	// Enforcement lifecycle periods.
	NoticePeriodDays   int `json:"noticePeriodDays"`
	FollowUpPeriodDays int `json:"followUpPeriodDays"`

	// Points per violation code (NY VTL 1180 speeding codes).
	PointsPerCode map[string]int `json:"pointsPerCode"`

	// DefaultPoints is the fallback for codes absent from the table.
	// Ingest validation rejects unknown codes, so it applies only to
	// records loaded around that path, such as historical facts
	// restored from the repository at startup.
	DefaultPoints int `json:"defaultPoints"`

	// SevereCodes is the highest severity tier. Any violation in this
	// set marks the driver as a super speeder independent of totals.
	SevereCodes []string `json:"severeCodes"`
}

// DefaultPolicy returns the policy parameters from the draft ISA bill:
// 11 license points in 18 months or 16 camera tickets in 12 months.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Version:             "0.1-draft",
		PointsThreshold:     11,
		TicketThreshold:     16,
		DriverWindowMonths:  18,
		VehicleWindowMonths: 12,
		WarningBandPoints:   Band{Low: 8, High: 11},
		WarningBandTickets:  Band{Low: 13, High: 16},

		SeverityWeight:          0.5,
		NighttimeWeight:         0.3,
		CrossJurisdictionWeight: 0.2,
		SeverityCap:             2.0,
		NightStartHour:          22,
		NightEndHour:            4,

		NoticePeriodDays:   14,
		FollowUpPeriodDays: 7,

		PointsPerCode: map[string]int{
			"1180A":  2, // 1-10 mph over limit
			"1180B":  3, // 11-20 mph over
			"1180C":  5, // 21-30 mph over
			"1180D":  8, // 31+ mph over
			"1180D2": 8,
			"1180DJ": 8,
			"1180E":  6, // school zone
			"1180F":  6, // work zone
		},
		DefaultPoints: 2,
		SevereCodes:   []string{"1180D", "1180D2", "1180DJ", "1180E", "1180F"},
	}
}

// Validate rejects misconfigured policies with a descriptive error.
// Nothing is clamped into a "reasonable" value.
func (p PolicyConfig) Validate() error {
	if p.PointsThreshold <= 0 {
		return fmt.Errorf("%w: points threshold must be positive, got %d", ErrPolicyInvalid, p.PointsThreshold)
	}
	if p.TicketThreshold <= 0 {
		return fmt.Errorf("%w: ticket threshold must be positive, got %d", ErrPolicyInvalid, p.TicketThreshold)
	}
	if p.DriverWindowMonths <= 0 || p.VehicleWindowMonths <= 0 {
		return fmt.Errorf("%w: window months must be positive (driver=%d, vehicle=%d)",
			ErrPolicyInvalid, p.DriverWindowMonths, p.VehicleWindowMonths)
	}
	if err := p.validateBand(p.WarningBandPoints, p.PointsThreshold, "points"); err != nil {
		return err
	}
	if err := p.validateBand(p.WarningBandTickets, p.TicketThreshold, "tickets"); err != nil {
		return err
	}
	if p.SeverityWeight < 0 || p.NighttimeWeight < 0 || p.CrossJurisdictionWeight < 0 {
		return fmt.Errorf("%w: scoring weights must be non-negative", ErrPolicyInvalid)
	}
	sum := p.SeverityWeight + p.NighttimeWeight + p.CrossJurisdictionWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: scoring weights must sum to 1.0, got %.4f", ErrPolicyInvalid, sum)
	}
	if p.SeverityCap <= 0 {
		return fmt.Errorf("%w: severity cap must be positive, got %.2f", ErrPolicyInvalid, p.SeverityCap)
	}
	if p.NightStartHour < 0 || p.NightStartHour > 23 || p.NightEndHour < 0 || p.NightEndHour > 23 {
		return fmt.Errorf("%w: night window hours must be within [0,23]", ErrPolicyInvalid)
	}
	if p.NoticePeriodDays <= 0 || p.FollowUpPeriodDays <= 0 {
		return fmt.Errorf("%w: lifecycle periods must be positive (notice=%d, follow-up=%d)",
			ErrPolicyInvalid, p.NoticePeriodDays, p.FollowUpPeriodDays)
	}
	if p.DefaultPoints < 0 {
		return fmt.Errorf("%w: default points must be non-negative, got %d", ErrPolicyInvalid, p.DefaultPoints)
	}
	return nil
}

func (p PolicyConfig) validateBand(b Band, threshold int, name string) error {
	if b.Low < 0 || b.High < 0 {
		return fmt.Errorf("%w: %s warning band must be non-negative", ErrPolicyInvalid, name)
	}
	if b.Low >= b.High {
		return fmt.Errorf("%w: %s warning band [%d,%d) is empty", ErrPolicyInvalid, name, b.Low, b.High)
	}
	if b.High > threshold {
		return fmt.Errorf("%w: %s warning band [%d,%d) exceeds threshold %d",
			ErrPolicyInvalid, name, b.Low, b.High, threshold)
	}
	return nil
}

// PointsForCode maps a violation code to its point value.
func (p PolicyConfig) PointsForCode(code string) int {
	if pts, ok := p.PointsPerCode[code]; ok {
		return pts
	}
	return p.DefaultPoints
}

// IsSevere reports whether the code is in the highest severity tier.
func (p PolicyConfig) IsSevere(code string) bool {
	for _, c := range p.SevereCodes {
		if c == code {
			return true
		}
	}
	return false
}

// IsNight reports whether the local time-of-day falls in the night
// window. The window wraps midnight when start > end.
func (p PolicyConfig) IsNight(t time.Time) bool {
	h := t.Hour()
	if p.NightStartHour > p.NightEndHour {
		return h >= p.NightStartHour || h < p.NightEndHour
	}
	return h >= p.NightStartHour && h < p.NightEndHour
}

// Threshold returns the hard threshold for the entity kind.
func (p PolicyConfig) Threshold(kind EntityKind) int {
	if kind == EntityVehicle {
		return p.TicketThreshold
	}
	return p.PointsThreshold
}

// WindowMonths returns the trailing window length for the entity kind.
func (p PolicyConfig) WindowMonths(kind EntityKind) int {
	if kind == EntityVehicle {
		return p.VehicleWindowMonths
	}
	return p.DriverWindowMonths
}

// WarningBand returns the warning band for the entity kind.
func (p PolicyConfig) WarningBand(kind EntityKind) Band {
	if kind == EntityVehicle {
		return p.WarningBandTickets
	}
	return p.WarningBandPoints
}
