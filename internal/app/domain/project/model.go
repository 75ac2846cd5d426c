// Package project defines the project and task aggregates.
package project

import (
	"encoding/json"
	"time"
)

// RequiredOverlap is the fixed number of annotators per task. Callers cannot
// override it.
const RequiredOverlap = 3

// Project owns its tasks, golden tasks, and billing record.
type Project struct {
	ID             string
	OrganizationID string
	Title          string
	// LabelConfig is an opaque tag/label description scanned best-effort by
	// the cost estimator and skill matcher.
	LabelConfig string

	MinTrustLevel string

	ExpertiseRequired       bool
	ExpertiseCategory       string
	ExpertiseSpecialization string

	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is a unit of annotation work.
type Task struct {
	ID        string
	ProjectID string
	Payload   json.RawMessage
	// TargetAssignments mirrors the owning project's required overlap.
	TargetAssignments int
	// AssignedCount caches the number of live assignments.
	AssignedCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
