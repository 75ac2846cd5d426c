package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
)

// ProjectStore implementation -------------------------------------------------

func (m *Store) CreateProject(_ context.Context, p project.Project) (project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p.ID = m.newIDLocked(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = p
	return p, nil
}

func (m *Store) UpdateProject(_ context.Context, p project.Project) (project.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.projects[p.ID]
	if !ok {
		return project.Project{}, notFound("project", p.ID)
	}
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.projects[p.ID] = p
	return p, nil
}

func (m *Store) GetProject(_ context.Context, id string) (project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return project.Project{}, notFound("project", id)
	}
	return p, nil
}

func (m *Store) ListProjects(_ context.Context, organizationID string) ([]project.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, p := range m.projects {
		if organizationID == "" || p.OrganizationID == organizationID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]project.Project, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.projects[id])
	}
	return result, nil
}

func (m *Store) CreateTask(_ context.Context, t project.Task) (project.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.ID = m.newIDLocked(t.ID)
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.TargetAssignments == 0 {
		t.TargetAssignments = project.RequiredOverlap
	}
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Store) UpdateTask(_ context.Context, t project.Task) (project.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.tasks[t.ID]
	if !ok {
		return project.Task{}, notFound("task", t.ID)
	}
	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = t
	return t, nil
}

func (m *Store) GetTask(_ context.Context, id string) (project.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return project.Task{}, notFound("task", id)
	}
	return t, nil
}

func (m *Store) ListTasks(_ context.Context, projectID string) ([]project.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listTasksLocked(projectID, -1), nil
}

func (m *Store) ListUnderFilledTasks(_ context.Context, projectID string, overlap int) ([]project.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listTasksLocked(projectID, overlap), nil
}

func (m *Store) listTasksLocked(projectID string, underOverlap int) []project.Task {
	ids := make([]string, 0)
	for id, t := range m.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if underOverlap >= 0 && t.AssignedCount >= underOverlap {
			continue
		}
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]project.Task, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.tasks[id])
	}
	return result
}

// AssignmentStore implementation ----------------------------------------------

func (m *Store) CreateAssignment(_ context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.assignments {
		if existing.AnnotatorID == a.AnnotatorID && existing.TaskID == a.TaskID {
			return assignment.Assignment{}, fmt.Errorf("assignment for annotator %s on task %s already exists", a.AnnotatorID, a.TaskID)
		}
	}

	a.ID = m.newIDLocked(a.ID)
	now := time.Now().UTC()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = assignment.StatusAssigned
	}
	m.assignments[a.ID] = a
	return a, nil
}

func (m *Store) UpdateAssignment(_ context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.assignments[a.ID]
	if !ok {
		return assignment.Assignment{}, notFound("assignment", a.ID)
	}
	a.AssignedAt = original.AssignedAt
	a.UpdatedAt = time.Now().UTC()
	m.assignments[a.ID] = a
	return a, nil
}

func (m *Store) GetAssignment(_ context.Context, id string) (assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[id]
	if !ok {
		return assignment.Assignment{}, notFound("assignment", id)
	}
	return a, nil
}

func (m *Store) GetAssignmentByPair(_ context.Context, annotatorID, taskID string) (assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.assignments {
		if a.AnnotatorID == annotatorID && a.TaskID == taskID {
			return a, nil
		}
	}
	return assignment.Assignment{}, notFound("assignment", annotatorID+"/"+taskID)
}

func (m *Store) ListAssignmentsByTask(_ context.Context, taskID string) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.assignments {
		if a.TaskID == taskID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]assignment.Assignment, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.assignments[id])
	}
	return result, nil
}

func (m *Store) ListAssignmentsByAnnotator(_ context.Context, annotatorID string, statuses []string) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.assignments {
		if a.AnnotatorID != annotatorID {
			continue
		}
		if len(statuses) > 0 && !containsString(statuses, a.Status) {
			continue
		}
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]assignment.Assignment, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.assignments[id])
	}
	return result, nil
}

func (m *Store) ListAssignmentsByProject(_ context.Context, projectID string) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.assignments {
		if a.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]assignment.Assignment, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.assignments[id])
	}
	return result, nil
}

func (m *Store) CountActiveAssignments(_ context.Context, annotatorID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.assignments {
		if a.AnnotatorID == annotatorID && a.Active() {
			n++
		}
	}
	return n, nil
}

func (m *Store) CountCompletedSince(_ context.Context, annotatorID, projectID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.assignments {
		if a.AnnotatorID == annotatorID && a.ProjectID == projectID &&
			a.Status == assignment.StatusCompleted && a.CompletedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *Store) ListStaleAssignments(_ context.Context, assignedBefore, startedBefore time.Time) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.assignments {
		stale := (a.Status == assignment.StatusAssigned && a.AssignedAt.Before(assignedBefore)) ||
			(a.Status == assignment.StatusInProgress && !a.StartedAt.IsZero() && a.StartedAt.Before(startedBefore))
		if stale {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]assignment.Assignment, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.assignments[id])
	}
	return result, nil
}

func (m *Store) ListReleasable(_ context.Context, projectID string, taskIDs []string) ([]assignment.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, a := range m.assignments {
		if a.ProjectID != projectID || a.Status != assignment.StatusCompleted {
			continue
		}
		if !a.ConsensusReleased || a.ReviewReleased {
			continue
		}
		if len(taskIDs) > 0 && !containsString(taskIDs, a.TaskID) {
			continue
		}
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]assignment.Assignment, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.assignments[id])
	}
	return result, nil
}

// SubmissionStore implementation ----------------------------------------------

func (m *Store) CreateSubmission(_ context.Context, s annotation.Submission) (annotation.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.Cancelled && !s.GroundTruth {
		for _, existing := range m.submissions {
			if existing.TaskID == s.TaskID && existing.AuthorID == s.AuthorID &&
				!existing.Cancelled && !existing.GroundTruth {
				return annotation.Submission{}, fmt.Errorf("active submission for task %s by %s already exists", s.TaskID, s.AuthorID)
			}
		}
	}

	s.ID = m.newIDLocked(s.ID)
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.submissions[s.ID] = s
	return s, nil
}

func (m *Store) UpdateSubmission(_ context.Context, s annotation.Submission) (annotation.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.submissions[s.ID]
	if !ok {
		return annotation.Submission{}, notFound("submission", s.ID)
	}
	s.CreatedAt = original.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.submissions[s.ID] = s
	return s, nil
}

func (m *Store) GetSubmission(_ context.Context, id string) (annotation.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return annotation.Submission{}, notFound("submission", id)
	}
	return s, nil
}

func (m *Store) ListSubmissionsByTask(_ context.Context, taskID string) ([]annotation.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, s := range m.submissions {
		if s.TaskID == taskID && !s.Cancelled {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]annotation.Submission, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.submissions[id])
	}
	return result, nil
}

func (m *Store) ClearGroundTruth(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.submissions {
		if s.TaskID == taskID && s.GroundTruth {
			s.GroundTruth = false
			m.submissions[id] = s
		}
	}
	return nil
}
