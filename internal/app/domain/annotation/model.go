// Package annotation defines submissions: the results annotators produce.
package annotation

import (
	"encoding/json"
	"time"
)

// Submission holds one annotator's result for a task. At most one
// non-cancelled submission exists per (task, author); synthetic ground-truth
// rows sit outside that rule.
type Submission struct {
	ID        string
	TaskID    string
	ProjectID string
	AuthorID  string
	// Result is opaque; its annotation type is detected at read time.
	Result      json.RawMessage
	Cancelled   bool
	GroundTruth bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
