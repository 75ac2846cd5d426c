package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotation"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/expert"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// ExpertStore implementation --------------------------------------------------

const expertColumns = `id, email, active, accepting_reviews, workload, max_concurrent, expertise, last_active_at, created_at, updated_at`

func (s *Store) CreateExpert(ctx context.Context, p expert.Profile) (expert.Profile, error) {
	p.ID = newID(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experts (`+expertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Email, p.Active, p.AcceptingReviews, p.Workload, p.MaxConcurrent,
		encodeExpertise(p.Expertise), nullTime(p.LastActiveAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return expert.Profile{}, err
	}
	return p, nil
}

func (s *Store) UpdateExpert(ctx context.Context, p expert.Profile) (expert.Profile, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE experts
		SET email = $2, active = $3, accepting_reviews = $4, workload = $5,
		    max_concurrent = $6, expertise = $7, last_active_at = $8, updated_at = $9
		WHERE id = $1
	`, p.ID, p.Email, p.Active, p.AcceptingReviews, p.Workload,
		p.MaxConcurrent, encodeExpertise(p.Expertise), nullTime(p.LastActiveAt), p.UpdatedAt)
	if err != nil {
		return expert.Profile{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return expert.Profile{}, &storage.NotFoundError{Entity: "expert", ID: p.ID}
	}
	return p, nil
}

func (s *Store) GetExpert(ctx context.Context, id string) (expert.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expertColumns+` FROM experts WHERE id = $1`, id)
	p, err := scanExpert(row)
	if err != nil {
		return expert.Profile{}, notFound("expert", id, err)
	}
	return p, nil
}

func (s *Store) ListExperts(ctx context.Context) ([]expert.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+expertColumns+` FROM experts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []expert.Profile
	for rows.Next() {
		p, err := scanExpert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Expertise is stored as "category/specialization[!]" strings; a trailing
// bang marks unverified entries.
func encodeExpertise(list []expert.Expertise) pq.StringArray {
	out := make(pq.StringArray, 0, len(list))
	for _, e := range list {
		s := e.Category + "/" + e.Specialization
		if !e.Verified {
			s += "!"
		}
		out = append(out, s)
	}
	return out
}

func decodeExpertise(raw pq.StringArray) []expert.Expertise {
	out := make([]expert.Expertise, 0, len(raw))
	for _, s := range raw {
		verified := true
		if len(s) > 0 && s[len(s)-1] == '!' {
			verified = false
			s = s[:len(s)-1]
		}
		category, specialization := s, ""
		for i := 0; i < len(s); i++ {
			if s[i] == '/' {
				category, specialization = s[:i], s[i+1:]
				break
			}
		}
		out = append(out, expert.Expertise{Category: category, Specialization: specialization, Verified: verified})
	}
	return out
}

func scanExpert(row rowScanner) (expert.Profile, error) {
	var p expert.Profile
	var lastActive sql.NullTime
	var expertise pq.StringArray
	err := row.Scan(&p.ID, &p.Email, &p.Active, &p.AcceptingReviews, &p.Workload,
		&p.MaxConcurrent, &expertise, &lastActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return expert.Profile{}, err
	}
	p.Expertise = decodeExpertise(expertise)
	p.LastActiveAt = fromNullTime(lastActive)
	return p, nil
}

const reviewColumns = `id, expert_id, task_id, consensus_id, project_id, status, reason,
	disagreement_score, decision, corrected_result, notes, assigned_at, started_at, completed_at`

func (s *Store) CreateReview(ctx context.Context, r expert.Review) (expert.Review, error) {
	r.ID = newID(r.ID)
	if r.AssignedAt.IsZero() {
		r.AssignedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expert_reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.ExpertID, r.TaskID, r.ConsensusID, r.ProjectID, r.Status, r.Reason,
		r.DisagreementScore, r.Decision, []byte(r.CorrectedResult), r.Notes,
		r.AssignedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return expert.Review{}, err
	}
	return r, nil
}

func (s *Store) UpdateReview(ctx context.Context, r expert.Review) (expert.Review, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE expert_reviews
		SET status = $2, reason = $3, disagreement_score = $4, decision = $5,
		    corrected_result = $6, notes = $7, assigned_at = $8, started_at = $9, completed_at = $10
		WHERE id = $1
	`, r.ID, r.Status, r.Reason, r.DisagreementScore, r.Decision,
		[]byte(r.CorrectedResult), r.Notes, r.AssignedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return expert.Review{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return expert.Review{}, &storage.NotFoundError{Entity: "review", ID: r.ID}
	}
	return r, nil
}

func (s *Store) GetReview(ctx context.Context, id string) (expert.Review, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM expert_reviews WHERE id = $1`, id)
	r, err := scanReview(row)
	if err != nil {
		return expert.Review{}, notFound("review", id, err)
	}
	return r, nil
}

func (s *Store) ListReviewsByExpert(ctx context.Context, expertID string, statuses []string) ([]expert.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM expert_reviews WHERE expert_id = $1`
	args := []any{expertID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY assigned_at`
	return s.queryReviews(ctx, query, args...)
}

func (s *Store) ListReviewsByTask(ctx context.Context, taskID string) ([]expert.Review, error) {
	return s.queryReviews(ctx, `SELECT `+reviewColumns+` FROM expert_reviews WHERE task_id = $1 ORDER BY assigned_at`, taskID)
}

func (s *Store) ListOpenReviewsOlderThan(ctx context.Context, cutoff time.Time) ([]expert.Review, error) {
	return s.queryReviews(ctx, `
		SELECT `+reviewColumns+` FROM expert_reviews
		WHERE status IN ('pending', 'in_review') AND assigned_at < $1
		ORDER BY assigned_at
	`, cutoff)
}

func (s *Store) queryReviews(ctx context.Context, query string, args ...any) ([]expert.Review, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []expert.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanReview(row rowScanner) (expert.Review, error) {
	var r expert.Review
	var started, completed sql.NullTime
	var corrected []byte
	err := row.Scan(&r.ID, &r.ExpertID, &r.TaskID, &r.ConsensusID, &r.ProjectID, &r.Status, &r.Reason,
		&r.DisagreementScore, &r.Decision, &corrected, &r.Notes, &r.AssignedAt, &started, &completed)
	if err != nil {
		return expert.Review{}, err
	}
	r.CorrectedResult = corrected
	r.StartedAt = fromNullTime(started)
	r.CompletedAt = fromNullTime(completed)
	return r, nil
}

// ProjectStore implementation -------------------------------------------------

const projectColumns = `id, organization_id, title, label_config, min_trust_level,
	expertise_required, expertise_category, expertise_specialization, published, created_at, updated_at`

func (s *Store) CreateProject(ctx context.Context, p project.Project) (project.Project, error) {
	p.ID = newID(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.OrganizationID, p.Title, p.LabelConfig, p.MinTrustLevel,
		p.ExpertiseRequired, p.ExpertiseCategory, p.ExpertiseSpecialization, p.Published, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return project.Project{}, err
	}
	return p, nil
}

func (s *Store) UpdateProject(ctx context.Context, p project.Project) (project.Project, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET organization_id = $2, title = $3, label_config = $4, min_trust_level = $5,
		    expertise_required = $6, expertise_category = $7, expertise_specialization = $8,
		    published = $9, updated_at = $10
		WHERE id = $1
	`, p.ID, p.OrganizationID, p.Title, p.LabelConfig, p.MinTrustLevel,
		p.ExpertiseRequired, p.ExpertiseCategory, p.ExpertiseSpecialization, p.Published, p.UpdatedAt)
	if err != nil {
		return project.Project{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return project.Project{}, &storage.NotFoundError{Entity: "project", ID: p.ID}
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (project.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	var p project.Project
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Title, &p.LabelConfig, &p.MinTrustLevel,
		&p.ExpertiseRequired, &p.ExpertiseCategory, &p.ExpertiseSpecialization, &p.Published, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return project.Project{}, notFound("project", id, err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, organizationID string) ([]project.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if organizationID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, organizationID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []project.Project
	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Title, &p.LabelConfig, &p.MinTrustLevel,
			&p.ExpertiseRequired, &p.ExpertiseCategory, &p.ExpertiseSpecialization, &p.Published, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

const taskColumns = `id, project_id, payload, target_assignments, assigned_count, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t project.Task) (project.Task, error) {
	t.ID = newID(t.ID)
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.TargetAssignments == 0 {
		t.TargetAssignments = project.RequiredOverlap
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.ProjectID, []byte(t.Payload), t.TargetAssignments, t.AssignedCount, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return project.Task{}, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t project.Task) (project.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET payload = $2, target_assignments = $3, assigned_count = $4, updated_at = $5
		WHERE id = $1
	`, t.ID, []byte(t.Payload), t.TargetAssignments, t.AssignedCount, t.UpdatedAt)
	if err != nil {
		return project.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return project.Task{}, &storage.NotFoundError{Entity: "task", ID: t.ID}
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (project.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return project.Task{}, notFound("task", id, err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]project.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at`, projectID)
}

// ListUnderFilledTasks locks candidate rows so one rotation pass per task set
// runs at a time; SKIP LOCKED lets concurrent workers pass each other.
func (s *Store) ListUnderFilledTasks(ctx context.Context, projectID string, overlap int) ([]project.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE project_id = $1 AND assigned_count < $2
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
	`, projectID, overlap)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]project.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []project.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTask(row rowScanner) (project.Task, error) {
	var t project.Task
	var payload []byte
	err := row.Scan(&t.ID, &t.ProjectID, &payload, &t.TargetAssignments, &t.AssignedCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return project.Task{}, err
	}
	t.Payload = payload
	return t, nil
}

// AssignmentStore implementation ----------------------------------------------

const assignmentColumns = `id, annotator_id, task_id, project_id, status,
	assigned_at, started_at, completed_at, submission_id,
	base_payment, immediate_payment, consensus_payment, review_payment,
	quality_multiplier, trust_multiplier, accuracy_multiplier,
	immediate_released, consensus_released, review_released, amount_paid,
	quality_score, consensus_agreement, time_spent_seconds,
	ground_truth_accuracy, accuracy_level, is_probe, probe_passed,
	flagged_for_review, flag_reason, updated_at`

func (s *Store) CreateAssignment(ctx context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	a.ID = newID(a.ID)
	now := time.Now().UTC()
	if a.AssignedAt.IsZero() {
		a.AssignedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = assignment.StatusAssigned
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_assignments (`+assignmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
	`, a.ID, a.AnnotatorID, a.TaskID, a.ProjectID, a.Status,
		a.AssignedAt, nullTime(a.StartedAt), nullTime(a.CompletedAt), a.SubmissionID,
		a.BasePayment, a.ImmediatePayment, a.ConsensusPayment, a.ReviewPayment,
		a.QualityMultiplier, a.TrustMultiplier, a.AccuracyMultiplier,
		a.ImmediateReleased, a.ConsensusReleased, a.ReviewReleased, a.AmountPaid,
		a.QualityScore, a.ConsensusAgreement, a.TimeSpentSeconds,
		a.GroundTruthAccuracy, a.AccuracyLevel, a.IsProbe, nullBool(a.ProbePassed),
		a.FlaggedForReview, a.FlagReason, a.UpdatedAt)
	if err != nil {
		return assignment.Assignment{}, err
	}
	return a, nil
}

func (s *Store) UpdateAssignment(ctx context.Context, a assignment.Assignment) (assignment.Assignment, error) {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_assignments
		SET status = $2, started_at = $3, completed_at = $4, submission_id = $5,
		    base_payment = $6, immediate_payment = $7, consensus_payment = $8, review_payment = $9,
		    quality_multiplier = $10, trust_multiplier = $11, accuracy_multiplier = $12,
		    immediate_released = $13, consensus_released = $14, review_released = $15,
		    amount_paid = $16, quality_score = $17, consensus_agreement = $18,
		    time_spent_seconds = $19, ground_truth_accuracy = $20, accuracy_level = $21,
		    is_probe = $22, probe_passed = $23, flagged_for_review = $24, flag_reason = $25,
		    updated_at = $26
		WHERE id = $1
	`, a.ID, a.Status, nullTime(a.StartedAt), nullTime(a.CompletedAt), a.SubmissionID,
		a.BasePayment, a.ImmediatePayment, a.ConsensusPayment, a.ReviewPayment,
		a.QualityMultiplier, a.TrustMultiplier, a.AccuracyMultiplier,
		a.ImmediateReleased, a.ConsensusReleased, a.ReviewReleased,
		a.AmountPaid, a.QualityScore, a.ConsensusAgreement,
		a.TimeSpentSeconds, a.GroundTruthAccuracy, a.AccuracyLevel,
		a.IsProbe, nullBool(a.ProbePassed), a.FlaggedForReview, a.FlagReason, a.UpdatedAt)
	if err != nil {
		return assignment.Assignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return assignment.Assignment{}, &storage.NotFoundError{Entity: "assignment", ID: a.ID}
	}
	return a, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (assignment.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE id = $1`, id)
	a, err := scanAssignment(row)
	if err != nil {
		return assignment.Assignment{}, notFound("assignment", id, err)
	}
	return a, nil
}

func (s *Store) GetAssignmentByPair(ctx context.Context, annotatorID, taskID string) (assignment.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM task_assignments
		WHERE annotator_id = $1 AND task_id = $2
	`, annotatorID, taskID)
	a, err := scanAssignment(row)
	if err != nil {
		return assignment.Assignment{}, notFound("assignment", annotatorID+"/"+taskID, err)
	}
	return a, nil
}

func (s *Store) ListAssignmentsByTask(ctx context.Context, taskID string) ([]assignment.Assignment, error) {
	return s.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE task_id = $1 ORDER BY assigned_at`, taskID)
}

func (s *Store) ListAssignmentsByAnnotator(ctx context.Context, annotatorID string, statuses []string) ([]assignment.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM task_assignments WHERE annotator_id = $1`
	args := []any{annotatorID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY assigned_at`
	return s.queryAssignments(ctx, query, args...)
}

func (s *Store) ListAssignmentsByProject(ctx context.Context, projectID string) ([]assignment.Assignment, error) {
	return s.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM task_assignments WHERE project_id = $1 ORDER BY assigned_at`, projectID)
}

func (s *Store) CountActiveAssignments(ctx context.Context, annotatorID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_assignments
		WHERE annotator_id = $1 AND status IN ('assigned', 'in_progress')
	`, annotatorID).Scan(&n)
	return n, err
}

func (s *Store) CountCompletedSince(ctx context.Context, annotatorID, projectID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_assignments
		WHERE annotator_id = $1 AND project_id = $2 AND status = 'completed' AND completed_at > $3
	`, annotatorID, projectID, since).Scan(&n)
	return n, err
}

func (s *Store) ListStaleAssignments(ctx context.Context, assignedBefore, startedBefore time.Time) ([]assignment.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM task_assignments
		WHERE (status = 'assigned' AND assigned_at < $1)
		   OR (status = 'in_progress' AND started_at IS NOT NULL AND started_at < $2)
		ORDER BY assigned_at
		FOR UPDATE SKIP LOCKED
	`, assignedBefore, startedBefore)
}

func (s *Store) ListReleasable(ctx context.Context, projectID string, taskIDs []string) ([]assignment.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + ` FROM task_assignments
		WHERE project_id = $1 AND status = 'completed'
		  AND consensus_released AND NOT review_released`
	args := []any{projectID}
	if len(taskIDs) > 0 {
		query += ` AND task_id = ANY($2)`
		args = append(args, pq.Array(taskIDs))
	}
	query += ` ORDER BY assigned_at`
	return s.queryAssignments(ctx, query, args...)
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]assignment.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []assignment.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func scanAssignment(row rowScanner) (assignment.Assignment, error) {
	var a assignment.Assignment
	var started, completed sql.NullTime
	var probePassed sql.NullBool
	err := row.Scan(&a.ID, &a.AnnotatorID, &a.TaskID, &a.ProjectID, &a.Status,
		&a.AssignedAt, &started, &completed, &a.SubmissionID,
		&a.BasePayment, &a.ImmediatePayment, &a.ConsensusPayment, &a.ReviewPayment,
		&a.QualityMultiplier, &a.TrustMultiplier, &a.AccuracyMultiplier,
		&a.ImmediateReleased, &a.ConsensusReleased, &a.ReviewReleased, &a.AmountPaid,
		&a.QualityScore, &a.ConsensusAgreement, &a.TimeSpentSeconds,
		&a.GroundTruthAccuracy, &a.AccuracyLevel, &a.IsProbe, &probePassed,
		&a.FlaggedForReview, &a.FlagReason, &a.UpdatedAt)
	if err != nil {
		return assignment.Assignment{}, err
	}
	a.StartedAt = fromNullTime(started)
	a.CompletedAt = fromNullTime(completed)
	if probePassed.Valid {
		a.ProbePassed = &probePassed.Bool
	}
	return a, nil
}

// SubmissionStore implementation ----------------------------------------------

const submissionColumns = `id, task_id, project_id, author_id, result, cancelled, ground_truth, created_at, updated_at`

func (s *Store) CreateSubmission(ctx context.Context, sub annotation.Submission) (annotation.Submission, error) {
	sub.ID = newID(sub.ID)
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sub.ID, sub.TaskID, sub.ProjectID, sub.AuthorID, []byte(sub.Result), sub.Cancelled, sub.GroundTruth, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return annotation.Submission{}, err
	}
	return sub, nil
}

func (s *Store) UpdateSubmission(ctx context.Context, sub annotation.Submission) (annotation.Submission, error) {
	sub.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET result = $2, cancelled = $3, ground_truth = $4, updated_at = $5
		WHERE id = $1
	`, sub.ID, []byte(sub.Result), sub.Cancelled, sub.GroundTruth, sub.UpdatedAt)
	if err != nil {
		return annotation.Submission{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return annotation.Submission{}, &storage.NotFoundError{Entity: "submission", ID: sub.ID}
	}
	return sub, nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (annotation.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		return annotation.Submission{}, notFound("submission", id, err)
	}
	return sub, nil
}

func (s *Store) ListSubmissionsByTask(ctx context.Context, taskID string) ([]annotation.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE task_id = $1 AND NOT cancelled
		ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []annotation.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (s *Store) ClearGroundTruth(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET ground_truth = FALSE WHERE task_id = $1 AND ground_truth`, taskID)
	return err
}

func scanSubmission(row rowScanner) (annotation.Submission, error) {
	var sub annotation.Submission
	var result []byte
	err := row.Scan(&sub.ID, &sub.TaskID, &sub.ProjectID, &sub.AuthorID, &result, &sub.Cancelled, &sub.GroundTruth, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return annotation.Submission{}, err
	}
	sub.Result = result
	return sub, nil
}
