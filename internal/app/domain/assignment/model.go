// Package assignment defines the annotator-task pairing and its escrow state.
package assignment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Statuses for a task assignment.
const (
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
	StatusSkipped    = "skipped"
)

// Accuracy classification levels assigned after ground-truth comparison.
const (
	AccuracyExcellent  = "excellent"
	AccuracyGood       = "good"
	AccuracyAcceptable = "acceptable"
	AccuracyPoor       = "poor"
	AccuracyVeryPoor   = "very_poor"
)

// Assignment pairs one annotator with one task. (annotator, task) is unique.
type Assignment struct {
	ID          string
	AnnotatorID string
	TaskID      string
	ProjectID   string
	Status      string

	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	SubmissionID string

	// Escrow split: 40% immediate, 40% consensus, 20% review.
	BasePayment      decimal.Decimal
	ImmediatePayment decimal.Decimal
	ConsensusPayment decimal.Decimal
	ReviewPayment    decimal.Decimal

	QualityMultiplier  decimal.Decimal
	TrustMultiplier    decimal.Decimal
	AccuracyMultiplier decimal.Decimal

	ImmediateReleased bool
	ConsensusReleased bool
	ReviewReleased    bool
	AmountPaid        decimal.Decimal

	QualityScore       float64
	ConsensusAgreement float64
	TimeSpentSeconds   int

	GroundTruthAccuracy float64
	AccuracyLevel       string

	IsProbe     bool
	ProbePassed *bool

	FlaggedForReview bool
	FlagReason       string

	UpdatedAt time.Time
}

// Active reports whether the assignment still occupies annotator capacity.
func (a Assignment) Active() bool {
	return a.Status == StatusAssigned || a.Status == StatusInProgress
}
