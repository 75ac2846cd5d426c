// Package probes implements blind quality sampling: golden tasks injected
// into annotator queues at randomized intervals, and single-shot evaluation
// of the resulting submissions. Injection policy is system-controlled; no
// caller can tune rates and seeds are never exposed.
package probes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/comparator"
	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/accuracy"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

// Injection constants. System-controlled; callers cannot override.
const (
	// MinInterval is the minimum number of tasks between probes.
	MinInterval = 10
	// MaxInterval is the maximum number of tasks between probes.
	MaxInterval = 30
	// MaxFetch bounds how many unseen goldens one batch may consume.
	MaxFetch = 10
	// MinAvailable skips injection when fewer unseen goldens exist.
	MinAvailable = 3
)

// ErrInsufficientGoldens reports that a project's golden pool cannot support
// injection. It is logged, never surfaced to annotators.
var ErrInsufficientGoldens = errors.New("probes: insufficient golden tasks")

// QueueItem is one entry of a mixed assignment queue.
type QueueItem struct {
	Task     project.Task
	IsProbe  bool
	GoldenID string
}

// Evaluation is the outcome of evaluating a probe submission.
type Evaluation struct {
	Score    float64
	Passed   bool
	GoldenID string
}

// Service wires probe injection and evaluation.
type Service struct {
	goldens     storage.GoldenStore
	assignments storage.AssignmentStore
	tracker     *accuracy.Service
	rand        core.Randomizer
	log         *logger.Logger
	now         func() time.Time
}

// New constructs the probe engine.
func New(goldens storage.GoldenStore, assignments storage.AssignmentStore, tracker *accuracy.Service, rand core.Randomizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("probes")
	}
	return &Service{
		goldens:     goldens,
		assignments: assignments,
		tracker:     tracker,
		rand:        rand,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Readiness summarizes a project's golden pool.
type Readiness struct {
	Ready   bool
	Total   int
	Active  int
	Retired int
}

// CheckProjectReadiness reports whether a project's golden pool can support
// probe injection.
func (s *Service) CheckProjectReadiness(ctx context.Context, projectID string) (Readiness, error) {
	all, err := s.goldens.ListGoldens(ctx, projectID)
	if err != nil {
		return Readiness{}, err
	}

	r := Readiness{Total: len(all)}
	for _, g := range all {
		if g.Retired {
			r.Retired++
		} else if g.Active {
			r.Active++
		}
	}
	r.Ready = r.Active >= golden.MinPerProject
	return r, nil
}

// InjectProbes mixes unseen goldens into an ordered task list at randomized
// positions. Real tasks shift right; each injected golden gets a pending
// probe assignment. When the pool is too small the list is returned
// unchanged.
func (s *Service) InjectProbes(ctx context.Context, annotatorID, projectID string, tasks []project.Task) ([]QueueItem, error) {
	plain := make([]QueueItem, 0, len(tasks))
	for _, t := range tasks {
		plain = append(plain, QueueItem{Task: t})
	}
	if len(tasks) == 0 {
		return plain, nil
	}

	available, err := s.goldens.ListUnseenGoldens(ctx, projectID, annotatorID, MaxFetch)
	if err != nil {
		return nil, err
	}
	if len(available) < MinAvailable {
		s.log.WithField("project_id", projectID).
			WithField("available", len(available)).
			Warn("insufficient unseen goldens; skipping probe injection")
		return plain, nil
	}

	s.rand.Shuffle(len(available), func(i, j int) {
		available[i], available[j] = available[j], available[i]
	})

	positions := s.injectionPositions(ctx, annotatorID, projectID, len(tasks))
	if len(positions) == 0 {
		return plain, nil
	}

	positionSet := map[int]bool{}
	for _, p := range positions {
		positionSet[p] = true
	}

	var result []QueueItem
	taskIdx, goldenIdx := 0, 0
	total := len(tasks) + min(len(positions), len(available))
	for pos := 0; pos < total && taskIdx < len(tasks); pos++ {
		if positionSet[pos] && goldenIdx < len(available) {
			g := available[goldenIdx]
			goldenIdx++
			if err := s.serveGolden(ctx, annotatorID, projectID, g, pos); err != nil {
				s.log.WithError(err).WithField("golden_id", g.ID).
					Warn("could not serve golden; skipping position")
				result = append(result, QueueItem{Task: tasks[taskIdx]})
				taskIdx++
				continue
			}
			result = append(result, QueueItem{
				Task: project.Task{
					ID:                g.TaskID,
					ProjectID:         g.ProjectID,
					Payload:           g.Payload,
					TargetAssignments: project.RequiredOverlap,
				},
				IsProbe:  true,
				GoldenID: g.ID,
			})
			continue
		}
		result = append(result, QueueItem{Task: tasks[taskIdx]})
		taskIdx++
	}
	for taskIdx < len(tasks) {
		result = append(result, QueueItem{Task: tasks[taskIdx]})
		taskIdx++
	}

	s.log.WithField("annotator_id", annotatorID).
		WithField("project_id", projectID).
		WithField("probes", goldenIdx).
		WithField("tasks", len(tasks)).
		Info("probes injected into queue")
	return result, nil
}

// injectionPositions picks probe slots: the first accounts for tasks already
// completed since the last evaluated probe, the rest follow uniform random
// gaps within the interval bounds.
func (s *Service) injectionPositions(ctx context.Context, annotatorID, projectID string, taskCount int) []int {
	if taskCount == 0 {
		return nil
	}

	sinceLast := s.tasksSinceLastProbe(ctx, annotatorID, projectID)

	var positions []int
	pos := MinInterval - sinceLast
	if pos < 0 {
		pos = 0
	}
	for pos < taskCount {
		positions = append(positions, pos)
		pos += MinInterval + s.rand.Intn(MaxInterval-MinInterval+1)
	}
	return positions
}

func (s *Service) tasksSinceLastProbe(ctx context.Context, annotatorID, projectID string) int {
	last, err := s.goldens.GetLastEvaluatedProbe(ctx, annotatorID, projectID)
	if err != nil {
		// No previous probe: inject soon.
		return MaxInterval * 100
	}
	n, err := s.assignments.CountCompletedSince(ctx, annotatorID, projectID, last.SubmittedAt)
	if err != nil {
		return 0
	}
	return n
}

// serveGolden records the pending probe assignment and usage accounting for
// one injected golden; goldens auto-retire after the usage cap.
func (s *Service) serveGolden(ctx context.Context, annotatorID, projectID string, g golden.Task, position int) error {
	if _, err := s.goldens.CreateProbeAssignment(ctx, golden.ProbeAssignment{
		AnnotatorID: annotatorID,
		GoldenID:    g.ID,
		ProjectID:   projectID,
		Position:    position,
	}); err != nil {
		return err
	}

	g.UsageCount++
	if g.UsageCount >= golden.MaxUsesBeforeRetirement {
		g.Retired = true
	}
	_, err := s.goldens.UpdateGolden(ctx, g)
	return err
}

// EvaluateSubmission tests whether a submission answers a pending probe. If
// so it scores the submission against the golden reference, records the
// outcome single-shot, updates the assignment, and feeds the accuracy
// tracker. Returns handled=false for ordinary submissions.
func (s *Service) EvaluateSubmission(ctx context.Context, sub annotation.Submission) (bool, *Evaluation, error) {
	probe, err := s.goldens.GetPendingProbeByTask(ctx, sub.AuthorID, sub.TaskID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}

	g, err := s.goldens.GetGolden(ctx, probe.GoldenID)
	if err != nil {
		return false, nil, err
	}

	tolerance := g.Tolerance
	if tolerance <= 0 {
		tolerance = golden.DefaultTolerance
	}

	score := comparator.Compare(sub.Result, g.Reference)
	passed := score.Overall/100 >= tolerance

	detail, err := json.Marshal(map[string]any{
		"annotation_type": string(score.Type),
		"score":           score.Overall,
		"tolerance":       tolerance * 100,
	})
	if err != nil {
		return false, nil, fmt.Errorf("marshal probe detail: %w", err)
	}

	probe.Status = golden.ProbeEvaluated
	probe.Score = score.Overall
	probe.Passed = passed
	probe.Detail = detail
	probe.SubmittedAt = s.now()
	if _, err := s.goldens.UpdateProbeAssignment(ctx, probe); err != nil {
		return false, nil, err
	}

	// The assignment completes like any other so the annotator cannot tell
	// the probe apart, but no payment ever flows for it.
	if asg, err := s.assignments.GetAssignmentByPair(ctx, sub.AuthorID, sub.TaskID); err == nil {
		asg.Status = assignment.StatusCompleted
		asg.CompletedAt = s.now()
		asg.SubmissionID = sub.ID
		asg.IsProbe = true
		asg.ProbePassed = &passed
		if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Warn("could not update probe assignment status")
		}
	}

	if _, err := s.tracker.RecordEvaluation(ctx, sub.AuthorID, score.Overall, passed); err != nil {
		return false, nil, err
	}

	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	metrics.ProbesEvaluated.WithLabelValues(outcome).Inc()
	s.log.WithField("annotator_id", sub.AuthorID).
		WithField("golden_id", g.ID).
		WithField("score", score.Overall).
		WithField("passed", passed).
		Info("probe evaluated")

	return true, &Evaluation{Score: score.Overall, Passed: passed, GoldenID: g.ID}, nil
}
