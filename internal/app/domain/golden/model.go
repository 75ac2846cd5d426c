// Package golden defines golden (probe) tasks and their per-annotator
// assignments. Injection policy is system-controlled.
package golden

import (
	"encoding/json"
	"time"
)

// Pool and evaluation constants. Not configurable by callers.
const (
	// MinPerProject is the minimum active golden pool to enable probes.
	MinPerProject = 10
	// RecommendedPerProject gives enough variety to avoid pattern detection.
	RecommendedPerProject = 50
	// MaxUsesBeforeRetirement retires a golden after this many uses.
	MaxUsesBeforeRetirement = 100
	// DefaultTolerance is the fraction of the reference score required to pass.
	DefaultTolerance = 0.85
)

// Task is a pre-answered task injected blindly into annotator queues.
type Task struct {
	ID        string
	ProjectID string
	// TaskID references the hidden task row presented to annotators so that
	// assignments and submissions flow through the normal task path.
	TaskID     string
	Payload    json.RawMessage
	Reference  json.RawMessage
	Tolerance  float64
	UsageCount int
	Active     bool
	Retired    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Injectable reports whether the golden may still be served.
func (t Task) Injectable() bool {
	return t.Active && !t.Retired
}

// Probe assignment statuses. Evaluation is single-shot.
const (
	ProbePending   = "pending"
	ProbeEvaluated = "evaluated"
)

// ProbeAssignment tracks one golden served to one annotator. At most one
// evaluated record exists per (annotator, golden).
type ProbeAssignment struct {
	ID           string
	AnnotatorID  string
	GoldenID     string
	ProjectID    string
	AssignmentID string
	Position     int
	Status       string
	Score        float64
	Passed       bool
	Detail       json.RawMessage
	SubmittedAt  time.Time
	CreatedAt    time.Time
}
