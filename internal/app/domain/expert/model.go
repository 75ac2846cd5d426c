// Package expert defines the expert reviewer aggregate and review tasks.
package expert

import (
	"encoding/json"
	"time"
)

// DefaultMaxConcurrent is the review capacity applied when a profile does not
// set its own maximum.
const DefaultMaxConcurrent = 50

// Profile represents a senior reviewer who adjudicates consolidated results.
type Profile struct {
	ID               string
	Email            string
	Active           bool
	AcceptingReviews bool
	Workload         int
	MaxConcurrent    int
	Expertise        []Expertise
	LastActiveAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expertise is a verified category/specialization pair.
type Expertise struct {
	Category       string
	Specialization string
	Verified       bool
}

// MaxReviews returns the effective concurrent review capacity.
func (p Profile) MaxReviews() int {
	if p.MaxConcurrent > 0 {
		return p.MaxConcurrent
	}
	return DefaultMaxConcurrent
}

// AvailableCapacity returns remaining review slots (never negative).
func (p Profile) AvailableCapacity() int {
	if avail := p.MaxReviews() - p.Workload; avail > 0 {
		return avail
	}
	return 0
}

// HasExpertise reports whether the profile carries verified expertise for the
// given requirement. An empty specialization matches any specialization in the
// category.
func (p Profile) HasExpertise(category, specialization string) bool {
	for _, e := range p.Expertise {
		if !e.Verified {
			continue
		}
		if specialization != "" {
			if e.Specialization == specialization {
				return true
			}
			continue
		}
		if category != "" && e.Category == category {
			return true
		}
	}
	return false
}

// Review task statuses.
const (
	ReviewPending   = "pending"
	ReviewInReview  = "in_review"
	ReviewCompleted = "completed"
	ReviewExpired   = "expired"
)

// Assignment reasons.
const (
	ReasonHighAgreement = "high_agreement"
	ReasonDisagreement  = "disagreement"
	ReasonRandomSample  = "random_sample"
	ReasonError         = "error"
	ReasonForced        = "forced"
)

// Decisions an expert can submit.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionCorrect = "correct"
)

// Review is a single expert adjudication of a consolidated task.
type Review struct {
	ID                string
	ExpertID          string
	TaskID            string
	ConsensusID       string
	ProjectID         string
	Status            string
	Reason            string
	DisagreementScore float64
	Decision          string
	CorrectedResult   json.RawMessage
	Notes             string
	AssignedAt        time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
}
