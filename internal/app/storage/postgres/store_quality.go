package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/consensus"
	"github.com/synapse-platform/annotation-core/internal/app/domain/golden"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// ConsensusStore implementation -----------------------------------------------

const consensusColumns = `id, task_id, required_annotations, current_annotations, status,
	consolidated_result, consolidation_method, average_agreement, min_agreement, max_agreement,
	reached_at, finalized_at, created_at, updated_at`

func (s *Store) CreateConsensus(ctx context.Context, c consensus.Consensus) (consensus.Consensus, error) {
	c.ID = newID(c.ID)
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = consensus.StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_consensus (`+consensusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, c.ID, c.TaskID, c.RequiredAnnotations, c.CurrentAnnotations, c.Status,
		[]byte(c.ConsolidatedResult), c.ConsolidationMethod, c.AverageAgreement, c.MinAgreement, c.MaxAgreement,
		nullTime(c.ReachedAt), nullTime(c.FinalizedAt), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return consensus.Consensus{}, err
	}
	return c, nil
}

func (s *Store) UpdateConsensus(ctx context.Context, c consensus.Consensus) (consensus.Consensus, error) {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_consensus
		SET current_annotations = $2, status = $3, consolidated_result = $4,
		    consolidation_method = $5, average_agreement = $6, min_agreement = $7,
		    max_agreement = $8, reached_at = $9, finalized_at = $10, updated_at = $11
		WHERE id = $1
	`, c.ID, c.CurrentAnnotations, c.Status, []byte(c.ConsolidatedResult),
		c.ConsolidationMethod, c.AverageAgreement, c.MinAgreement,
		c.MaxAgreement, nullTime(c.ReachedAt), nullTime(c.FinalizedAt), c.UpdatedAt)
	if err != nil {
		return consensus.Consensus{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return consensus.Consensus{}, &storage.NotFoundError{Entity: "consensus", ID: c.ID}
	}
	return c, nil
}

func (s *Store) GetConsensus(ctx context.Context, id string) (consensus.Consensus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM task_consensus WHERE id = $1`, id)
	c, err := scanConsensus(row)
	if err != nil {
		return consensus.Consensus{}, notFound("consensus", id, err)
	}
	return c, nil
}

func (s *Store) GetConsensusByTask(ctx context.Context, taskID string) (consensus.Consensus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM task_consensus WHERE task_id = $1`, taskID)
	c, err := scanConsensus(row)
	if err != nil {
		return consensus.Consensus{}, notFound("consensus for task", taskID, err)
	}
	return c, nil
}

func (s *Store) ListStaleConsensus(ctx context.Context, cutoff time.Time) ([]consensus.Consensus, error) {
	return s.queryConsensus(ctx, `
		SELECT `+consensusColumns+` FROM task_consensus
		WHERE status = 'in_consensus' AND updated_at < $1
		ORDER BY updated_at
		FOR UPDATE SKIP LOCKED
	`, cutoff)
}

func (s *Store) ListConsensusByStatus(ctx context.Context, status string, limit int) ([]consensus.Consensus, error) {
	query := `SELECT ` + consensusColumns + ` FROM task_consensus WHERE status = $1 ORDER BY created_at`
	args := []any{status}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryConsensus(ctx, query, args...)
}

func (s *Store) queryConsensus(ctx context.Context, query string, args ...any) ([]consensus.Consensus, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []consensus.Consensus
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanConsensus(row rowScanner) (consensus.Consensus, error) {
	var c consensus.Consensus
	var reached, finalized sql.NullTime
	var result []byte
	err := row.Scan(&c.ID, &c.TaskID, &c.RequiredAnnotations, &c.CurrentAnnotations, &c.Status,
		&result, &c.ConsolidationMethod, &c.AverageAgreement, &c.MinAgreement, &c.MaxAgreement,
		&reached, &finalized, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return consensus.Consensus{}, err
	}
	c.ConsolidatedResult = result
	c.ReachedAt = fromNullTime(reached)
	c.FinalizedAt = fromNullTime(finalized)
	return c, nil
}

func (s *Store) CreatePairwiseAgreement(ctx context.Context, a consensus.PairwiseAgreement) (consensus.PairwiseAgreement, error) {
	a.ID = newID(a.ID)
	a.CreatedAt = time.Now().UTC()
	// The pair is unordered; normalize before storing.
	if a.AnnotatorB < a.AnnotatorA {
		a.AnnotatorA, a.AnnotatorB = a.AnnotatorB, a.AnnotatorA
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairwise_agreements (
			id, consensus_id, annotator_a, annotator_b, overall,
			iou_score, label_match, position_match, annotation_type, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.ConsensusID, a.AnnotatorA, a.AnnotatorB, a.Overall,
		a.IoU, a.LabelMatch, a.PositionMatch, a.AnnotationType, a.CreatedAt)
	if err != nil {
		return consensus.PairwiseAgreement{}, err
	}
	return a, nil
}

func (s *Store) ListPairwiseAgreements(ctx context.Context, consensusID string) ([]consensus.PairwiseAgreement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consensus_id, annotator_a, annotator_b, overall,
		       iou_score, label_match, position_match, annotation_type, created_at
		FROM pairwise_agreements WHERE consensus_id = $1 ORDER BY created_at
	`, consensusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []consensus.PairwiseAgreement
	for rows.Next() {
		var a consensus.PairwiseAgreement
		if err := rows.Scan(&a.ID, &a.ConsensusID, &a.AnnotatorA, &a.AnnotatorB, &a.Overall,
			&a.IoU, &a.LabelMatch, &a.PositionMatch, &a.AnnotationType, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) CreateQualityScore(ctx context.Context, q consensus.QualityScore) (consensus.QualityScore, error) {
	q.ID = newID(q.ID)
	q.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consensus_quality_scores (id, consensus_id, assignment_id, annotator_id, quality, peer_agreement, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, q.ID, q.ConsensusID, q.AssignmentID, q.AnnotatorID, q.Quality, q.PeerAgreement, q.CreatedAt)
	if err != nil {
		return consensus.QualityScore{}, err
	}
	return q, nil
}

func (s *Store) ListQualityScores(ctx context.Context, consensusID string) ([]consensus.QualityScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consensus_id, assignment_id, annotator_id, quality, peer_agreement, created_at
		FROM consensus_quality_scores WHERE consensus_id = $1 ORDER BY created_at
	`, consensusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []consensus.QualityScore
	for rows.Next() {
		var q consensus.QualityScore
		if err := rows.Scan(&q.ID, &q.ConsensusID, &q.AssignmentID, &q.AnnotatorID, &q.Quality, &q.PeerAgreement, &q.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, q)
	}
	return result, rows.Err()
}

// GoldenStore implementation --------------------------------------------------

const goldenColumns = `id, project_id, task_id, payload, reference, tolerance, usage_count, active, retired, created_at, updated_at`

func (s *Store) CreateGolden(ctx context.Context, g golden.Task) (golden.Task, error) {
	g.ID = newID(g.ID)
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	if g.Tolerance == 0 {
		g.Tolerance = golden.DefaultTolerance
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO golden_tasks (`+goldenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, g.ProjectID, g.TaskID, []byte(g.Payload), []byte(g.Reference), g.Tolerance, g.UsageCount, g.Active, g.Retired, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return golden.Task{}, err
	}
	return g, nil
}

func (s *Store) UpdateGolden(ctx context.Context, g golden.Task) (golden.Task, error) {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE golden_tasks
		SET payload = $2, reference = $3, tolerance = $4, usage_count = $5,
		    active = $6, retired = $7, updated_at = $8
		WHERE id = $1
	`, g.ID, []byte(g.Payload), []byte(g.Reference), g.Tolerance, g.UsageCount, g.Active, g.Retired, g.UpdatedAt)
	if err != nil {
		return golden.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return golden.Task{}, &storage.NotFoundError{Entity: "golden task", ID: g.ID}
	}
	return g, nil
}

func (s *Store) GetGolden(ctx context.Context, id string) (golden.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goldenColumns+` FROM golden_tasks WHERE id = $1`, id)
	g, err := scanGolden(row)
	if err != nil {
		return golden.Task{}, notFound("golden task", id, err)
	}
	return g, nil
}

func (s *Store) ListGoldens(ctx context.Context, projectID string) ([]golden.Task, error) {
	return s.queryGoldens(ctx, `SELECT `+goldenColumns+` FROM golden_tasks WHERE project_id = $1 ORDER BY created_at`, projectID)
}

// ListUnseenGoldens reads the pool optimistically; the unique constraint on
// probe assignments prevents double-serving a golden to one annotator.
func (s *Store) ListUnseenGoldens(ctx context.Context, projectID, annotatorID string, limit int) ([]golden.Task, error) {
	query := `
		SELECT ` + goldenColumns + ` FROM golden_tasks g
		WHERE g.project_id = $1 AND g.active AND NOT g.retired
		  AND NOT EXISTS (
			SELECT 1 FROM probe_assignments p
			WHERE p.golden_id = g.id AND p.annotator_id = $2
		  )
		ORDER BY RANDOM()`
	args := []any{projectID, annotatorID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryGoldens(ctx, query, args...)
}

func (s *Store) queryGoldens(ctx context.Context, query string, args ...any) ([]golden.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []golden.Task
	for rows.Next() {
		g, err := scanGolden(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func scanGolden(row rowScanner) (golden.Task, error) {
	var g golden.Task
	var payload, reference []byte
	err := row.Scan(&g.ID, &g.ProjectID, &g.TaskID, &payload, &reference, &g.Tolerance, &g.UsageCount, &g.Active, &g.Retired, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return golden.Task{}, err
	}
	g.Payload = payload
	g.Reference = reference
	return g, nil
}

const probeColumns = `id, annotator_id, golden_id, project_id, assignment_id, position, status, score, passed, detail, submitted_at, created_at`

func (s *Store) CreateProbeAssignment(ctx context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error) {
	p.ID = newID(p.ID)
	p.CreatedAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = golden.ProbePending
	}

	// The (annotator, golden) unique index makes the insert the atomic
	// double-use guard.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO probe_assignments (`+probeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.AnnotatorID, p.GoldenID, p.ProjectID, p.AssignmentID, p.Position, p.Status, p.Score, p.Passed, []byte(p.Detail), nullTime(p.SubmittedAt), p.CreatedAt)
	if err != nil {
		return golden.ProbeAssignment{}, err
	}
	return p, nil
}

func (s *Store) UpdateProbeAssignment(ctx context.Context, p golden.ProbeAssignment) (golden.ProbeAssignment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE probe_assignments
		SET status = $2, score = $3, passed = $4, detail = $5, submitted_at = $6
		WHERE id = $1
	`, p.ID, p.Status, p.Score, p.Passed, []byte(p.Detail), nullTime(p.SubmittedAt))
	if err != nil {
		return golden.ProbeAssignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return golden.ProbeAssignment{}, &storage.NotFoundError{Entity: "probe assignment", ID: p.ID}
	}
	return p, nil
}

func (s *Store) GetProbeAssignment(ctx context.Context, id string) (golden.ProbeAssignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+probeColumns+` FROM probe_assignments WHERE id = $1`, id)
	p, err := scanProbe(row)
	if err != nil {
		return golden.ProbeAssignment{}, notFound("probe assignment", id, err)
	}
	return p, nil
}

func (s *Store) GetPendingProbeByTask(ctx context.Context, annotatorID, taskID string) (golden.ProbeAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+probePrefixed("p")+` FROM probe_assignments p
		JOIN golden_tasks g ON g.id = p.golden_id
		WHERE p.annotator_id = $1 AND p.status = 'pending' AND g.task_id = $2
	`, annotatorID, taskID)
	p, err := scanProbe(row)
	if err != nil {
		return golden.ProbeAssignment{}, notFound("pending probe for task", taskID, err)
	}
	return p, nil
}

func (s *Store) ListEvaluatedProbes(ctx context.Context, annotatorID string, limit int) ([]golden.ProbeAssignment, error) {
	query := `
		SELECT ` + probeColumns + ` FROM probe_assignments
		WHERE annotator_id = $1 AND status = 'evaluated'
		ORDER BY submitted_at DESC`
	args := []any{annotatorID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []golden.ProbeAssignment
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) GetLastEvaluatedProbe(ctx context.Context, annotatorID, projectID string) (golden.ProbeAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+probeColumns+` FROM probe_assignments
		WHERE annotator_id = $1 AND project_id = $2 AND status = 'evaluated'
		ORDER BY submitted_at DESC
		LIMIT 1
	`, annotatorID, projectID)
	p, err := scanProbe(row)
	if err != nil {
		return golden.ProbeAssignment{}, notFound("evaluated probe", annotatorID+"/"+projectID, err)
	}
	return p, nil
}

func probePrefixed(alias string) string {
	return alias + `.id, ` + alias + `.annotator_id, ` + alias + `.golden_id, ` + alias + `.project_id, ` +
		alias + `.assignment_id, ` + alias + `.position, ` + alias + `.status, ` + alias + `.score, ` +
		alias + `.passed, ` + alias + `.detail, ` + alias + `.submitted_at, ` + alias + `.created_at`
}

func scanProbe(row rowScanner) (golden.ProbeAssignment, error) {
	var p golden.ProbeAssignment
	var submitted sql.NullTime
	var detail []byte
	err := row.Scan(&p.ID, &p.AnnotatorID, &p.GoldenID, &p.ProjectID, &p.AssignmentID, &p.Position, &p.Status, &p.Score, &p.Passed, &detail, &submitted, &p.CreatedAt)
	if err != nil {
		return golden.ProbeAssignment{}, err
	}
	p.Detail = detail
	p.SubmittedAt = fromNullTime(submitted)
	return p, nil
}
