// Package postgres implements the storage interfaces over PostgreSQL using
// database/sql and lib/pq. Batch mutation paths lock candidate rows with
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers pass each other
// without blocking.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/synapse-platform/annotation-core/internal/app/domain/annotator"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	db *sql.DB
}

// New creates a store over an open connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// AnnotatorStore implementation ----------------------------------------------

const annotatorColumns = `id, email, status, accepting_work, skills, preferred_hours,
	max_concurrent_override, rejection_rate, verified_expertise,
	lifetime_accuracy, probes_evaluated,
	pending_balance, available_balance, withdrawn_total, lifetime_earned,
	last_active_at, created_at, updated_at`

func (s *Store) CreateAnnotator(ctx context.Context, p annotator.Profile) (annotator.Profile, error) {
	p.ID = newID(p.ID)
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotators (`+annotatorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, p.ID, p.Email, p.Status, p.AcceptingWork, pq.Array(p.Skills), p.PreferredHoursPerWeek,
		p.MaxConcurrentOverride, p.RejectionRate, pq.Array(p.VerifiedExpertise),
		p.LifetimeAccuracy, p.ProbesEvaluated,
		p.PendingBalance, p.AvailableBalance, p.WithdrawnTotal, p.LifetimeEarned,
		nullTime(p.LastActiveAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return annotator.Profile{}, err
	}
	return p, nil
}

func (s *Store) UpdateAnnotator(ctx context.Context, p annotator.Profile) (annotator.Profile, error) {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE annotators
		SET email = $2, status = $3, accepting_work = $4, skills = $5,
		    preferred_hours = $6, max_concurrent_override = $7, rejection_rate = $8,
		    verified_expertise = $9, lifetime_accuracy = $10, probes_evaluated = $11,
		    pending_balance = $12, available_balance = $13, withdrawn_total = $14,
		    lifetime_earned = $15, last_active_at = $16, updated_at = $17
		WHERE id = $1
	`, p.ID, p.Email, p.Status, p.AcceptingWork, pq.Array(p.Skills),
		p.PreferredHoursPerWeek, p.MaxConcurrentOverride, p.RejectionRate,
		pq.Array(p.VerifiedExpertise), p.LifetimeAccuracy, p.ProbesEvaluated,
		p.PendingBalance, p.AvailableBalance, p.WithdrawnTotal,
		p.LifetimeEarned, nullTime(p.LastActiveAt), p.UpdatedAt)
	if err != nil {
		return annotator.Profile{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return annotator.Profile{}, &storage.NotFoundError{Entity: "annotator", ID: p.ID}
	}
	return p, nil
}

func (s *Store) GetAnnotator(ctx context.Context, id string) (annotator.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotatorColumns+` FROM annotators WHERE id = $1`, id)
	p, err := scanAnnotator(row)
	if err != nil {
		return annotator.Profile{}, notFound("annotator", id, err)
	}
	return p, nil
}

func (s *Store) ListAnnotators(ctx context.Context) ([]annotator.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotatorColumns+` FROM annotators ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []annotator.Profile
	for rows.Next() {
		p, err := scanAnnotator(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotator(row rowScanner) (annotator.Profile, error) {
	var p annotator.Profile
	var lastActive sql.NullTime
	var skills, expertise pq.StringArray
	err := row.Scan(&p.ID, &p.Email, &p.Status, &p.AcceptingWork, &skills, &p.PreferredHoursPerWeek,
		&p.MaxConcurrentOverride, &p.RejectionRate, &expertise,
		&p.LifetimeAccuracy, &p.ProbesEvaluated,
		&p.PendingBalance, &p.AvailableBalance, &p.WithdrawnTotal, &p.LifetimeEarned,
		&lastActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return annotator.Profile{}, err
	}
	p.Skills = skills
	p.VerifiedExpertise = expertise
	p.LastActiveAt = fromNullTime(lastActive)
	return p, nil
}

func (s *Store) GetTrustRecord(ctx context.Context, annotatorID string) (annotator.TrustRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT annotator_id, level, multiplier, tasks_completed,
		       accuracy_score, ground_truth_evaluations, accuracy_history,
		       rolling_accuracy, probes_total, probes_passed, probe_pass_rate,
		       fraud_flags, suspended, suspension_reason, can_receive_assignments,
		       last_accuracy_update, created_at, updated_at
		FROM trust_records WHERE annotator_id = $1
	`, annotatorID)

	var rec annotator.TrustRecord
	var lastUpdate sql.NullTime
	var history pq.Float64Array
	err := row.Scan(&rec.AnnotatorID, &rec.Level, &rec.Multiplier, &rec.TasksCompleted,
		&rec.AccuracyScore, &rec.GroundTruthEvaluations, &history,
		&rec.RollingAccuracy, &rec.ProbesTotal, &rec.ProbesPassed, &rec.ProbePassRate,
		&rec.FraudFlags, &rec.Suspended, &rec.SuspensionReason, &rec.CanReceiveAssignments,
		&lastUpdate, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return annotator.TrustRecord{}, notFound("trust record", annotatorID, err)
	}
	rec.AccuracyHistory = history
	rec.LastAccuracyUpdate = fromNullTime(lastUpdate)
	return rec, nil
}

func (s *Store) SaveTrustRecord(ctx context.Context, rec annotator.TrustRecord) (annotator.TrustRecord, error) {
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_records (
			annotator_id, level, multiplier, tasks_completed,
			accuracy_score, ground_truth_evaluations, accuracy_history,
			rolling_accuracy, probes_total, probes_passed, probe_pass_rate,
			fraud_flags, suspended, suspension_reason, can_receive_assignments,
			last_accuracy_update, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (annotator_id) DO UPDATE SET
			level = EXCLUDED.level,
			multiplier = EXCLUDED.multiplier,
			tasks_completed = EXCLUDED.tasks_completed,
			accuracy_score = EXCLUDED.accuracy_score,
			ground_truth_evaluations = EXCLUDED.ground_truth_evaluations,
			accuracy_history = EXCLUDED.accuracy_history,
			rolling_accuracy = EXCLUDED.rolling_accuracy,
			probes_total = EXCLUDED.probes_total,
			probes_passed = EXCLUDED.probes_passed,
			probe_pass_rate = EXCLUDED.probe_pass_rate,
			fraud_flags = EXCLUDED.fraud_flags,
			suspended = EXCLUDED.suspended,
			suspension_reason = EXCLUDED.suspension_reason,
			can_receive_assignments = EXCLUDED.can_receive_assignments,
			last_accuracy_update = EXCLUDED.last_accuracy_update,
			updated_at = EXCLUDED.updated_at
	`, rec.AnnotatorID, rec.Level, rec.Multiplier, rec.TasksCompleted,
		rec.AccuracyScore, rec.GroundTruthEvaluations, pq.Array(rec.AccuracyHistory),
		rec.RollingAccuracy, rec.ProbesTotal, rec.ProbesPassed, rec.ProbePassRate,
		rec.FraudFlags, rec.Suspended, rec.SuspensionReason, rec.CanReceiveAssignments,
		nullTime(rec.LastAccuracyUpdate), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return annotator.TrustRecord{}, err
	}
	return rec, nil
}

func (s *Store) CreateWarning(ctx context.Context, w annotator.Warning) (annotator.Warning, error) {
	w.ID = newID(w.ID)
	w.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotator_warnings (id, annotator_id, level, rolling_accuracy, message, acknowledged, acknowledged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.AnnotatorID, w.Level, w.RollingAccuracy, w.Message, w.Acknowledged, nullTime(w.AcknowledgedAt), w.CreatedAt)
	if err != nil {
		return annotator.Warning{}, err
	}
	return w, nil
}

func (s *Store) UpdateWarning(ctx context.Context, w annotator.Warning) (annotator.Warning, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE annotator_warnings
		SET acknowledged = $2, acknowledged_at = $3
		WHERE id = $1
	`, w.ID, w.Acknowledged, nullTime(w.AcknowledgedAt))
	if err != nil {
		return annotator.Warning{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return annotator.Warning{}, &storage.NotFoundError{Entity: "warning", ID: w.ID}
	}
	return w, nil
}

func (s *Store) GetWarning(ctx context.Context, id string) (annotator.Warning, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, annotator_id, level, rolling_accuracy, message, acknowledged, acknowledged_at, created_at
		FROM annotator_warnings WHERE id = $1
	`, id)
	w, err := scanWarning(row)
	if err != nil {
		return annotator.Warning{}, notFound("warning", id, err)
	}
	return w, nil
}

func (s *Store) ListWarnings(ctx context.Context, annotatorID string) ([]annotator.Warning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, annotator_id, level, rolling_accuracy, message, acknowledged, acknowledged_at, created_at
		FROM annotator_warnings WHERE annotator_id = $1 ORDER BY created_at DESC
	`, annotatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []annotator.Warning
	for rows.Next() {
		w, err := scanWarning(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func scanWarning(row rowScanner) (annotator.Warning, error) {
	var w annotator.Warning
	var ackAt sql.NullTime
	err := row.Scan(&w.ID, &w.AnnotatorID, &w.Level, &w.RollingAccuracy, &w.Message, &w.Acknowledged, &ackAt, &w.CreatedAt)
	if err != nil {
		return annotator.Warning{}, err
	}
	w.AcknowledgedAt = fromNullTime(ackAt)
	return w, nil
}

func (s *Store) CreateAccuracySnapshot(ctx context.Context, snap annotator.AccuracySnapshot) (annotator.AccuracySnapshot, error) {
	snap.ID = newID(snap.ID)
	snap.CreatedAt = time.Now().UTC()
	// Idempotent per (annotator, date).
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accuracy_snapshots (id, annotator_id, snapshot_date, lifetime_accuracy, rolling_accuracy, probes_evaluated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (annotator_id, snapshot_date) DO NOTHING
	`, snap.ID, snap.AnnotatorID, snap.Date, snap.LifetimeAccuracy, snap.RollingAccuracy, snap.ProbesEvaluated, snap.CreatedAt)
	if err != nil {
		return annotator.AccuracySnapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListAccuracySnapshots(ctx context.Context, annotatorID string, limit int) ([]annotator.AccuracySnapshot, error) {
	query := `
		SELECT id, annotator_id, snapshot_date, lifetime_accuracy, rolling_accuracy, probes_evaluated, created_at
		FROM accuracy_snapshots WHERE annotator_id = $1 ORDER BY snapshot_date DESC`
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

	var result []annotator.AccuracySnapshot
	for rows.Next() {
		var snap annotator.AccuracySnapshot
		if err := rows.Scan(&snap.ID, &snap.AnnotatorID, &snap.Date, &snap.LifetimeAccuracy, &snap.RollingAccuracy, &snap.ProbesEvaluated, &snap.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}
