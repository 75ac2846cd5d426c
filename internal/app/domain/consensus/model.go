// Package consensus defines the per-task aggregation record and its
// agreement artifacts.
package consensus

import (
	"encoding/json"
	"time"
)

// Statuses for a consensus record. Transitions are forward-only except into
// review_required from conflict.
const (
	StatusPending        = "pending"
	StatusInConsensus    = "in_consensus"
	StatusReached        = "consensus_reached"
	StatusReviewRequired = "review_required"
	StatusFinalized      = "finalized"
	StatusConflict       = "conflict"
)

// Consolidation method tags.
const (
	MethodSingleAnnotator = "single_annotator"
)

// Consensus aggregates the redundant annotations of one task.
type Consensus struct {
	ID     string
	TaskID string

	RequiredAnnotations int
	CurrentAnnotations  int

	Status string

	ConsolidatedResult  json.RawMessage
	ConsolidationMethod string

	AverageAgreement float64
	MinAgreement     float64
	MaxAgreement     float64

	ReachedAt   time.Time
	FinalizedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PairwiseAgreement records the agreement between two annotators on a task.
// The annotator pair is unordered; stores normalize ordering on write.
type PairwiseAgreement struct {
	ID          string
	ConsensusID string
	AnnotatorA  string
	AnnotatorB  string

	// Overall score on [0,100], two decimal places.
	Overall float64

	// Optional type-specific breakdown on [0,1], four decimal places.
	IoU           *float64
	LabelMatch    *float64
	PositionMatch *float64

	AnnotationType string
	CreatedAt      time.Time
}

// QualityScore is the per-annotator quality record produced by consolidation.
type QualityScore struct {
	ID           string
	ConsensusID  string
	AssignmentID string
	AnnotatorID  string
	// Quality is agreement with the consolidated result.
	Quality float64
	// PeerAgreement is the mean agreement with the other annotators.
	PeerAgreement float64
	CreatedAt     time.Time
}
