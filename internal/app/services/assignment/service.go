// Package assignment distributes tasks to annotators under the fixed overlap
// of three, with capacity awareness and rotation fairness, and recovers
// stale or unbalanced assignments.
package assignment

import (
	"context"
	"sort"
	"time"

	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

// Stale thresholds.
const (
	staleAssignedAfter   = 48 * time.Hour
	staleInProgressAfter = 24 * time.Hour
)

// Result reports the outcome of a distribution pass.
type Result struct {
	AssignmentsCreated int
	FullyAssigned      int
	Partial            int
	Waiting            int
}

// Service is the assignment engine.
type Service struct {
	annotators  storage.AnnotatorStore
	projects    storage.ProjectStore
	assignments storage.AssignmentStore
	log         *logger.Logger

	// OnTaskFullyAssigned, when set, fires after a task reaches the required
	// overlap so the caller can schedule a consolidation readiness check.
	OnTaskFullyAssigned func(ctx context.Context, taskID string)
}

// New constructs the assignment engine.
func New(annotators storage.AnnotatorStore, projects storage.ProjectStore, assignments storage.AssignmentStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("assignment")
	}
	return &Service{
		annotators:  annotators,
		projects:    projects,
		assignments: assignments,
		log:         log,
	}
}

// AssignProject distributes every under-filled task of the project across
// the eligible annotators. With fewer annotators than the required overlap
// every task goes to every annotator; otherwise a rotation spreads distinct
// triples across tasks.
func (s *Service) AssignProject(ctx context.Context, projectID string) (Result, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return Result{}, err
	}

	candidates, err := s.rankedCandidates(ctx, proj)
	if err != nil {
		return Result{}, err
	}

	tasks, err := s.projects.ListUnderFilledTasks(ctx, projectID, project.RequiredOverlap)
	if err != nil {
		return Result{}, err
	}

	if len(tasks) == 0 {
		return Result{}, nil
	}
	if len(candidates) == 0 {
		s.log.WithField("project_id", projectID).Warn("no eligible annotators for project")
		return Result{Waiting: len(tasks)}, nil
	}

	if len(candidates) < project.RequiredOverlap {
		return s.assignAllToAll(ctx, proj, candidates, tasks)
	}
	return s.assignRotating(ctx, proj, candidates, tasks)
}

// rankedCandidates filters and scores annotators, highest fit first.
func (s *Service) rankedCandidates(ctx context.Context, proj project.Project) ([]*candidate, error) {
	profiles, err := s.annotators.ListAnnotators(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*candidate
	for _, prof := range profiles {
		trust, err := s.annotators.GetTrustRecord(ctx, prof.ID)
		if err != nil {
			if !storage.IsNotFound(err) {
				return nil, err
			}
			trust = annotator.NewTrustRecord(prof.ID)
		}

		if !eligible(prof, trust, proj) {
			continue
		}

		current, err := s.assignments.CountActiveAssignments(ctx, prof.ID)
		if err != nil {
			return nil, err
		}

		c := &candidate{
			profile:         prof,
			trust:           trust,
			capacityCurrent: current,
			capacityMax:     capacityLimit(prof, trust),
		}
		c.score = s.fitScore(ctx, c, proj)
		if c.score == 0 {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates, nil
}

// assignAllToAll handles the small-pool strategy: every task to every
// annotator, capacity permitting.
func (s *Service) assignAllToAll(ctx context.Context, proj project.Project, candidates []*candidate, tasks []project.Task) (Result, error) {
	var res Result
	for _, task := range tasks {
		assignedCount, err := s.assignedSet(ctx, task.ID)
		if err != nil {
			return res, err
		}

		for _, c := range candidates {
			if assignedCount[c.profile.ID] {
				continue
			}
			if c.available() <= 0 {
				continue
			}
			if err := s.createAssignment(ctx, c, &task); err != nil {
				s.log.WithError(err).
					WithField("task_id", task.ID).
					WithField("annotator_id", c.profile.ID).
					Error("assignment failed; continuing")
				continue
			}
			assignedCount[c.profile.ID] = true
			res.AssignmentsCreated++
		}
		res = s.tallyTask(ctx, task, res)
	}
	metrics.AssignmentsCreated.WithLabelValues("all_to_all").Add(float64(res.AssignmentsCreated))
	return res, nil
}

// assignRotating walks the candidate ring so neighbouring tasks receive
// overlapping but distinct annotator triples: the ring pointer advances one
// slot per task, so task i draws from candidates i, i+1, i+2, ...
func (s *Service) assignRotating(ctx context.Context, proj project.Project, candidates []*candidate, tasks []project.Task) (Result, error) {
	var res Result
	rotation := 0
	n := len(candidates)

	for _, task := range tasks {
		assigned, err := s.assignedSet(ctx, task.ID)
		if err != nil {
			return res, err
		}
		assignedCount := len(assigned)

		// Bounded probing keeps a fully saturated pool from spinning.
		probe := rotation
		for attempts := 0; assignedCount < task.TargetAssignments && attempts < 2*n; attempts++ {
			c := candidates[probe%n]
			probe++

			if assigned[c.profile.ID] || c.available() <= 0 {
				continue
			}
			if err := s.createAssignment(ctx, c, &task); err != nil {
				s.log.WithError(err).
					WithField("task_id", task.ID).
					WithField("annotator_id", c.profile.ID).
					Error("assignment failed; continuing")
				continue
			}
			assigned[c.profile.ID] = true
			assignedCount++
			res.AssignmentsCreated++
		}
		rotation++
		res = s.tallyTask(ctx, task, res)
	}
	metrics.AssignmentsCreated.WithLabelValues("rotating").Add(float64(res.AssignmentsCreated))
	s.log.WithField("project_id", proj.ID).
		WithField("created", res.AssignmentsCreated).
		WithField("full", res.FullyAssigned).
		WithField("partial", res.Partial).
		WithField("waiting", res.Waiting).
		Info("task distribution complete")
	return res, nil
}

func (s *Service) assignedSet(ctx context.Context, taskID string) (map[string]bool, error) {
	existing, err := s.assignments.ListAssignmentsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	for _, a := range existing {
		if a.Status != assignment.StatusSkipped && a.Status != assignment.StatusRejected {
			set[a.AnnotatorID] = true
		}
	}
	return set, nil
}

func (s *Service) createAssignment(ctx context.Context, c *candidate, task *project.Task) error {
	_, err := s.assignments.CreateAssignment(ctx, assignment.Assignment{
		AnnotatorID: c.profile.ID,
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		Status:      assignment.StatusAssigned,
	})
	if err != nil {
		return err
	}

	task.AssignedCount++
	if _, err := s.projects.UpdateTask(ctx, *task); err != nil {
		return err
	}

	c.capacityCurrent++
	return nil
}

func (s *Service) tallyTask(ctx context.Context, task project.Task, res Result) Result {
	current, err := s.assignedSet(ctx, task.ID)
	if err != nil {
		return res
	}
	switch {
	case len(current) >= task.TargetAssignments:
		res.FullyAssigned++
		if s.OnTaskFullyAssigned != nil {
			s.OnTaskFullyAssigned(ctx, task.ID)
		}
	case len(current) > 0:
		res.Partial++
	default:
		res.Waiting++
	}
	return res
}

// SweepStaleAssignments marks abandoned assignments skipped and hands the
// task to an eligible replacement. Returns the number reassigned.
func (s *Service) SweepStaleAssignments(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale, err := s.assignments.ListStaleAssignments(ctx,
		now.Add(-staleAssignedAfter), now.Add(-staleInProgressAfter))
	if err != nil {
		return 0, err
	}

	reassigned := 0
	for _, asg := range stale {
		asg.Status = assignment.StatusSkipped
		if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Error("could not mark assignment skipped; continuing sweep")
			continue
		}

		task, err := s.projects.GetTask(ctx, asg.TaskID)
		if err != nil {
			continue
		}
		if task.AssignedCount > 0 {
			task.AssignedCount--
			if task, err = s.projects.UpdateTask(ctx, task); err != nil {
				continue
			}
		}

		if s.assignReplacement(ctx, asg, task) {
			reassigned++
		}
	}
	return reassigned, nil
}

func (s *Service) assignReplacement(ctx context.Context, skipped assignment.Assignment, task project.Task) bool {
	proj, err := s.projects.GetProject(ctx, task.ProjectID)
	if err != nil {
		return false
	}
	candidates, err := s.rankedCandidates(ctx, proj)
	if err != nil {
		return false
	}

	assigned, err := s.assignedSet(ctx, task.ID)
	if err != nil {
		return false
	}

	for _, c := range candidates {
		if c.profile.ID == skipped.AnnotatorID || assigned[c.profile.ID] || c.available() <= 0 {
			continue
		}
		if err := s.createAssignment(ctx, c, &task); err != nil {
			continue
		}
		s.log.WithField("task_id", task.ID).
			WithField("from", skipped.AnnotatorID).
			WithField("to", c.profile.ID).
			Info("stale assignment handed to replacement")
		return true
	}
	return false
}

// Rebalance moves up to five not-yet-started assignments from the most
// loaded annotator to the least loaded one when the spread exceeds the
// 1.5x/0.5x bounds. Returns the number of assignments moved.
func (s *Service) Rebalance(ctx context.Context, projectID string) (int, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	candidates, err := s.rankedCandidates(ctx, proj)
	if err != nil {
		return 0, err
	}

	all, err := s.assignments.ListAssignmentsByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}

	// Every eligible annotator participates in the load average, including
	// those currently idle.
	counts := map[string]int{}
	for _, c := range candidates {
		counts[c.profile.ID] = 0
	}
	for _, a := range all {
		if a.Active() {
			counts[a.AnnotatorID]++
		}
	}
	if len(counts) < 2 {
		return 0, nil
	}

	total := 0
	maxID, minID := "", ""
	for id, n := range counts {
		total += n
		if maxID == "" || n > counts[maxID] {
			maxID = id
		}
		if minID == "" || n < counts[minID] {
			minID = id
		}
	}
	mean := float64(total) / float64(len(counts))
	if float64(counts[maxID]) <= mean*1.5 || float64(counts[minID]) >= mean*0.5 {
		return 0, nil
	}

	movable, err := s.assignments.ListAssignmentsByAnnotator(ctx, maxID, []string{assignment.StatusAssigned})
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, a := range movable {
		if moved >= 5 {
			break
		}
		if a.ProjectID != projectID {
			continue
		}
		if existing, err := s.assignments.GetAssignmentByPair(ctx, minID, a.TaskID); err == nil && existing.ID != "" {
			continue
		}

		a.Status = assignment.StatusSkipped
		if _, err := s.assignments.UpdateAssignment(ctx, a); err != nil {
			continue
		}
		if _, err := s.assignments.CreateAssignment(ctx, assignment.Assignment{
			AnnotatorID: minID,
			TaskID:      a.TaskID,
			ProjectID:   a.ProjectID,
			Status:      assignment.StatusAssigned,
		}); err != nil {
			continue
		}
		moved++
	}

	if moved > 0 {
		s.log.WithField("project_id", projectID).
			WithField("from", maxID).
			WithField("to", minID).
			WithField("moved", moved).
			Info("workload rebalanced")
	}
	return moved, nil
}

// MarkStarted transitions an assignment to in-progress and stamps the start
// time.
func (s *Service) MarkStarted(ctx context.Context, assignmentID string) error {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if asg.Status != assignment.StatusAssigned {
		return nil
	}
	asg.Status = assignment.StatusInProgress
	asg.StartedAt = time.Now().UTC()
	_, err = s.assignments.UpdateAssignment(ctx, asg)
	return err
}

// Metrics summarizes assignment effectiveness for a project.
type Metrics struct {
	Total    int
	ByStatus map[string]int
	AvgHours float64
}

// ProjectMetrics computes assignment counters and average completion time.
func (s *Service) ProjectMetrics(ctx context.Context, projectID string) (Metrics, error) {
	all, err := s.assignments.ListAssignmentsByProject(ctx, projectID)
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{Total: len(all), ByStatus: map[string]int{}}
	completed := 0
	var hours float64
	for _, a := range all {
		m.ByStatus[a.Status]++
		if a.Status == assignment.StatusCompleted && !a.CompletedAt.IsZero() {
			completed++
			hours += a.CompletedAt.Sub(a.AssignedAt).Hours()
		}
	}
	if completed > 0 {
		m.AvgHours = core.Round2(hours / float64(completed))
	}
	return m, nil
}
