package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
)

// BillingStore implementation -------------------------------------------------

func (s *Store) GetOrCreateOrganizationBilling(ctx context.Context, organizationID string) (billing.OrganizationBilling, error) {
	// The organization row is the single hot row; it is read here without a
	// row lock.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, available_credits, created_at, updated_at
		FROM organization_billing WHERE organization_id = $1
	`, organizationID)

	var b billing.OrganizationBilling
	err := row.Scan(&b.ID, &b.OrganizationID, &b.AvailableCredits, &b.CreatedAt, &b.UpdatedAt)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return billing.OrganizationBilling{}, err
	}

	b = billing.OrganizationBilling{
		ID:             newID(""),
		OrganizationID: organizationID,
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_billing (id, organization_id, available_credits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO NOTHING
	`, b.ID, b.OrganizationID, b.AvailableCredits, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return billing.OrganizationBilling{}, err
	}
	return b, nil
}

func (s *Store) UpdateOrganizationBilling(ctx context.Context, b billing.OrganizationBilling) (billing.OrganizationBilling, error) {
	b.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE organization_billing SET available_credits = $2, updated_at = $3 WHERE id = $1
	`, b.ID, b.AvailableCredits, b.UpdatedAt)
	if err != nil {
		return billing.OrganizationBilling{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.OrganizationBilling{}, &storage.NotFoundError{Entity: "organization billing", ID: b.ID}
	}
	return b, nil
}

func (s *Store) CreateCreditTransaction(ctx context.Context, tx billing.CreditTransaction) (billing.CreditTransaction, error) {
	tx.ID = newID(tx.ID)
	tx.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, organization_id, tx_type, category, amount, balance_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tx.ID, tx.OrganizationID, tx.Type, tx.Category, tx.Amount, tx.BalanceAfter, tx.Description, tx.CreatedAt)
	if err != nil {
		return billing.CreditTransaction{}, err
	}
	return tx, nil
}

func (s *Store) ListCreditTransactions(ctx context.Context, organizationID string, limit int) ([]billing.CreditTransaction, error) {
	query := `
		SELECT id, organization_id, tx_type, category, amount, balance_after, description, created_at
		FROM credit_transactions WHERE organization_id = $1 ORDER BY created_at DESC`
	args := []any{organizationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.CreditTransaction
	for rows.Next() {
		var tx billing.CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.OrganizationID, &tx.Type, &tx.Category, &tx.Amount, &tx.BalanceAfter, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

const projectBillingColumns = `id, project_id, deposit_required, deposit_paid, deposit_refunded,
	storage_fee_paid, security_fee, estimated_annotation_cost, actual_annotation_cost,
	credits_consumed, state, state_changed_at, last_activity_at, last_export_at,
	export_count, scheduled_deletion_at, deposit_held, created_at, updated_at`

func (s *Store) CreateProjectBilling(ctx context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error) {
	b.ID = newID(b.ID)
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.State == "" {
		b.State = billing.StateActive
	}
	if b.StateChangedAt.IsZero() {
		b.StateChangedAt = now
	}
	if b.LastActivityAt.IsZero() {
		b.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_billing (`+projectBillingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, b.ID, b.ProjectID, b.DepositRequired, b.DepositPaid, b.DepositRefunded,
		b.StorageFeePaid, b.SecurityFee, b.EstimatedAnnotationCost, b.ActualAnnotationCost,
		b.CreditsConsumed, b.State, b.StateChangedAt, b.LastActivityAt, nullTime(b.LastExportAt),
		b.ExportCount, nullTime(b.ScheduledDeletionAt), b.DepositHeld, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return billing.ProjectBilling{}, err
	}
	return b, nil
}

func (s *Store) UpdateProjectBilling(ctx context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error) {
	b.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE project_billing
		SET deposit_required = $2, deposit_paid = $3, deposit_refunded = $4,
		    storage_fee_paid = $5, security_fee = $6, estimated_annotation_cost = $7,
		    actual_annotation_cost = $8, credits_consumed = $9, state = $10,
		    state_changed_at = $11, last_activity_at = $12, last_export_at = $13,
		    export_count = $14, scheduled_deletion_at = $15, deposit_held = $16, updated_at = $17
		WHERE id = $1
	`, b.ID, b.DepositRequired, b.DepositPaid, b.DepositRefunded,
		b.StorageFeePaid, b.SecurityFee, b.EstimatedAnnotationCost,
		b.ActualAnnotationCost, b.CreditsConsumed, b.State,
		b.StateChangedAt, b.LastActivityAt, nullTime(b.LastExportAt),
		b.ExportCount, nullTime(b.ScheduledDeletionAt), b.DepositHeld, b.UpdatedAt)
	if err != nil {
		return billing.ProjectBilling{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ProjectBilling{}, &storage.NotFoundError{Entity: "project billing", ID: b.ID}
	}
	return b, nil
}

func (s *Store) GetProjectBilling(ctx context.Context, projectID string) (billing.ProjectBilling, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectBillingColumns+` FROM project_billing WHERE project_id = $1`, projectID)
	b, err := scanProjectBilling(row)
	if err != nil {
		return billing.ProjectBilling{}, notFound("project billing for project", projectID, err)
	}
	return b, nil
}

func (s *Store) ListProjectBillings(ctx context.Context) ([]billing.ProjectBilling, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectBillingColumns+` FROM project_billing ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.ProjectBilling
	for rows.Next() {
		b, err := scanProjectBilling(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func scanProjectBilling(row rowScanner) (billing.ProjectBilling, error) {
	var b billing.ProjectBilling
	var lastExport, scheduledDeletion sql.NullTime
	err := row.Scan(&b.ID, &b.ProjectID, &b.DepositRequired, &b.DepositPaid, &b.DepositRefunded,
		&b.StorageFeePaid, &b.SecurityFee, &b.EstimatedAnnotationCost, &b.ActualAnnotationCost,
		&b.CreditsConsumed, &b.State, &b.StateChangedAt, &b.LastActivityAt, &lastExport,
		&b.ExportCount, &scheduledDeletion, &b.DepositHeld, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return billing.ProjectBilling{}, err
	}
	b.LastExportAt = fromNullTime(lastExport)
	b.ScheduledDeletionAt = fromNullTime(scheduledDeletion)
	return b, nil
}

const depositColumns = `id, project_id, organization_id, base_fee, storage_fee, annotation_fee, total,
	refunded, forfeited, status, paid_at, refunded_at, forfeited_at, created_at`

func (s *Store) CreateSecurityDeposit(ctx context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error) {
	d.ID = newID(d.ID)
	d.CreatedAt = time.Now().UTC()
	if d.Status == "" {
		d.Status = billing.DepositPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_deposits (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.ProjectID, d.OrganizationID, d.BaseFee, d.StorageFee, d.AnnotationFee, d.Total,
		d.Refunded, d.Forfeited, d.Status, nullTime(d.PaidAt), nullTime(d.RefundedAt), nullTime(d.ForfeitedAt), d.CreatedAt)
	if err != nil {
		return billing.SecurityDeposit{}, err
	}
	return d, nil
}

func (s *Store) UpdateSecurityDeposit(ctx context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE security_deposits
		SET refunded = $2, forfeited = $3, status = $4, paid_at = $5, refunded_at = $6, forfeited_at = $7
		WHERE id = $1
	`, d.ID, d.Refunded, d.Forfeited, d.Status, nullTime(d.PaidAt), nullTime(d.RefundedAt), nullTime(d.ForfeitedAt))
	if err != nil {
		return billing.SecurityDeposit{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.SecurityDeposit{}, &storage.NotFoundError{Entity: "security deposit", ID: d.ID}
	}
	return d, nil
}

func (s *Store) GetHeldSecurityDeposit(ctx context.Context, projectID string) (billing.SecurityDeposit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+depositColumns+` FROM security_deposits
		WHERE project_id = $1 AND status IN ('held', 'partially_used')
		ORDER BY created_at DESC LIMIT 1
	`, projectID)

	var d billing.SecurityDeposit
	var paid, refunded, forfeited sql.NullTime
	err := row.Scan(&d.ID, &d.ProjectID, &d.OrganizationID, &d.BaseFee, &d.StorageFee, &d.AnnotationFee, &d.Total,
		&d.Refunded, &d.Forfeited, &d.Status, &paid, &refunded, &forfeited, &d.CreatedAt)
	if err != nil {
		return billing.SecurityDeposit{}, notFound("held deposit for project", projectID, err)
	}
	d.PaidAt = fromNullTime(paid)
	d.RefundedAt = fromNullTime(refunded)
	d.ForfeitedAt = fromNullTime(forfeited)
	return d, nil
}

func (s *Store) CreateEarningsTransaction(ctx context.Context, tx billing.EarningsTransaction) (billing.EarningsTransaction, error) {
	tx.ID = newID(tx.ID)
	tx.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO earnings_transactions (id, annotator_id, tx_type, stage, amount, balance_after, assignment_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.AnnotatorID, tx.Type, tx.Stage, tx.Amount, tx.BalanceAfter, tx.AssignmentID, tx.Description, tx.CreatedAt)
	if err != nil {
		return billing.EarningsTransaction{}, err
	}
	return tx, nil
}

func (s *Store) ListEarningsTransactions(ctx context.Context, annotatorID string, limit int) ([]billing.EarningsTransaction, error) {
	query := `
		SELECT id, annotator_id, tx_type, stage, amount, balance_after, assignment_id, description, created_at
		FROM earnings_transactions WHERE annotator_id = $1 ORDER BY created_at DESC`
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

	var result []billing.EarningsTransaction
	for rows.Next() {
		var tx billing.EarningsTransaction
		if err := rows.Scan(&tx.ID, &tx.AnnotatorID, &tx.Type, &tx.Stage, &tx.Amount, &tx.BalanceAfter, &tx.AssignmentID, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) CreateExportRecord(ctx context.Context, r billing.ExportRecord) (billing.ExportRecord, error) {
	r.ID = newID(r.ID)
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_records (id, project_id, organization_id, annotations_exported, tasks_exported, credits_charged, free, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.ProjectID, r.OrganizationID, r.AnnotationsExported, r.TasksExported, r.CreditsCharged, r.Free, r.CreatedAt)
	if err != nil {
		return billing.ExportRecord{}, err
	}
	return r, nil
}

func (s *Store) ListExportRecords(ctx context.Context, projectID string, limit int) ([]billing.ExportRecord, error) {
	query := `
		SELECT id, project_id, organization_id, annotations_exported, tasks_exported, credits_charged, free, created_at
		FROM export_records WHERE project_id = $1 ORDER BY created_at DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []billing.ExportRecord
	for rows.Next() {
		var r billing.ExportRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.OrganizationID, &r.AnnotationsExported, &r.TasksExported, &r.CreditsCharged, &r.Free, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// OutboxStore implementation --------------------------------------------------

func (s *Store) EnqueueNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error) {
	n.ID = newID(n.ID)
	n.CreatedAt = time.Now().UTC()
	if n.Status == "" {
		n.Status = outbox.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (id, kind, recipient, subject, body, status, attempts, last_error, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, n.ID, n.Kind, n.Recipient, n.Subject, n.Body, n.Status, n.Attempts, n.LastError, nullTime(n.DeliveredAt), n.CreatedAt)
	if err != nil {
		return outbox.Notification{}, err
	}
	return n, nil
}

func (s *Store) UpdateNotification(ctx context.Context, n outbox.Notification) (outbox.Notification, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = $2, attempts = $3, last_error = $4, delivered_at = $5
		WHERE id = $1
	`, n.ID, n.Status, n.Attempts, n.LastError, nullTime(n.DeliveredAt))
	if err != nil {
		return outbox.Notification{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return outbox.Notification{}, &storage.NotFoundError{Entity: "notification", ID: n.ID}
	}
	return n, nil
}

func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]outbox.Notification, error) {
	query := `
		SELECT id, kind, recipient, subject, body, status, attempts, last_error, delivered_at, created_at
		FROM notification_outbox WHERE status = 'pending' ORDER BY created_at
		FOR UPDATE SKIP LOCKED`
	args := []any{}
	if limit > 0 {
		query = `
		SELECT id, kind, recipient, subject, body, status, attempts, last_error, delivered_at, created_at
		FROM notification_outbox WHERE status = 'pending' ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []outbox.Notification
	for rows.Next() {
		var n outbox.Notification
		var delivered sql.NullTime
		if err := rows.Scan(&n.ID, &n.Kind, &n.Recipient, &n.Subject, &n.Body, &n.Status, &n.Attempts, &n.LastError, &delivered, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.DeliveredAt = fromNullTime(delivered)
		result = append(result, n)
	}
	return result, rows.Err()
}
