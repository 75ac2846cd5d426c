// Package annotator defines the annotator aggregate: profile, trust record,
// and quality warnings. Annotators and experts are independent principals;
// they never share balances.
package annotator

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile represents an annotation workforce member.
type Profile struct {
	ID                    string
	Email                 string
	Status                string
	AcceptingWork         bool
	Skills                []string
	PreferredHoursPerWeek int
	// MaxConcurrentOverride lowers (never raises) the trust-level capacity
	// when positive.
	MaxConcurrentOverride int
	RejectionRate         float64
	// VerifiedExpertise holds "category" or "category/specialization" tags
	// checked against projects that require expertise.
	VerifiedExpertise []string

	// Lifetime probe accuracy (running mean over all evaluated probes).
	LifetimeAccuracy float64
	ProbesEvaluated  int

	// Balances. Pending holds stage-1 escrow amounts awaiting consensus.
	PendingBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	WithdrawnTotal   decimal.Decimal
	LifetimeEarned   decimal.Decimal

	LastActiveAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	StatusApproved  = "approved"
	StatusPending   = "pending"
	StatusSuspended = "suspended"
)

// Trust levels and their payment multipliers. The mapping is immutable.
const (
	LevelNew     = "new"
	LevelJunior  = "junior"
	LevelRegular = "regular"
	LevelSenior  = "senior"
	LevelExpert  = "expert"
)

// LevelMultipliers maps trust level to the payment multiplier.
var LevelMultipliers = map[string]decimal.Decimal{
	LevelNew:     decimal.RequireFromString("0.8"),
	LevelJunior:  decimal.RequireFromString("1.0"),
	LevelRegular: decimal.RequireFromString("1.1"),
	LevelSenior:  decimal.RequireFromString("1.3"),
	LevelExpert:  decimal.RequireFromString("1.5"),
}

// LevelOrder lists trust levels from lowest to highest.
var LevelOrder = []string{LevelNew, LevelJunior, LevelRegular, LevelSenior, LevelExpert}

// LevelRank returns the ordinal position of a trust level (unknown levels rank lowest).
func LevelRank(level string) int {
	for i, l := range LevelOrder {
		if l == level {
			return i
		}
	}
	return 0
}

// CapacityLimits maps trust level to the maximum concurrent active assignments.
var CapacityLimits = map[string]int{
	LevelNew:     50,
	LevelJunior:  100,
	LevelRegular: 150,
	LevelSenior:  200,
	LevelExpert:  300,
}

// LevelThreshold captures the promotion requirements per level. All three
// must hold for a promotion.
type LevelThreshold struct {
	Tasks         int
	Accuracy      float64
	ProbePassRate float64
}

// LevelThresholds maps trust level to its promotion gate.
var LevelThresholds = map[string]LevelThreshold{
	LevelNew:     {Tasks: 0, Accuracy: 0, ProbePassRate: 0},
	LevelJunior:  {Tasks: 50, Accuracy: 70, ProbePassRate: 80},
	LevelRegular: {Tasks: 200, Accuracy: 80, ProbePassRate: 90},
	LevelSenior:  {Tasks: 500, Accuracy: 90, ProbePassRate: 95},
	LevelExpert:  {Tasks: 1000, Accuracy: 95, ProbePassRate: 98},
}

// TrustRecord tracks per-annotator quality and progression metrics.
type TrustRecord struct {
	AnnotatorID string
	Level       string
	Multiplier  decimal.Decimal

	TasksCompleted int

	// Ground-truth accuracy (EMA, alpha 0.3) and its bounded history.
	AccuracyScore          float64
	GroundTruthEvaluations int
	AccuracyHistory        []float64

	// Rolling probe accuracy over the last window; drives the warning ladder.
	RollingAccuracy float64

	ProbesTotal   int
	ProbesPassed  int
	ProbePassRate float64

	FraudFlags            int
	Suspended             bool
	SuspensionReason      string
	CanReceiveAssignments bool

	LastAccuracyUpdate time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AccuracyHistoryLimit bounds the retained ground-truth accuracy history.
const AccuracyHistoryLimit = 100

// NewTrustRecord returns the starting trust record for an annotator.
func NewTrustRecord(annotatorID string) TrustRecord {
	return TrustRecord{
		AnnotatorID:           annotatorID,
		Level:                 LevelNew,
		Multiplier:            LevelMultipliers[LevelNew],
		CanReceiveAssignments: true,
	}
}

// Warning levels, lowest to highest severity.
const (
	WarningHealthy    = "healthy"
	WarningSoft       = "soft_warning"
	WarningFormal     = "formal_warning"
	WarningFinal      = "final_warning"
	WarningSuspension = "suspension"
)

// WarningSeverity returns a numeric severity for level comparison.
func WarningSeverity(level string) int {
	switch level {
	case WarningSoft:
		return 1
	case WarningFormal:
		return 2
	case WarningFinal:
		return 3
	case WarningSuspension:
		return 4
	default:
		return 0
	}
}

// Warning is a tiered quality warning issued from rolling probe accuracy.
type Warning struct {
	ID              string
	AnnotatorID     string
	Level           string
	RollingAccuracy float64
	Message         string
	Acknowledged    bool
	AcknowledgedAt  time.Time
	CreatedAt       time.Time
}

// AccuracySnapshot is an idempotent per-day record of accuracy metrics.
type AccuracySnapshot struct {
	ID               string
	AnnotatorID      string
	Date             string // YYYY-MM-DD
	LifetimeAccuracy float64
	RollingAccuracy  float64
	ProbesEvaluated  int
	CreatedAt        time.Time
}
