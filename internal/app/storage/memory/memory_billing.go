package memory

import (
	"context"
	"time"

	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
)

// BillingStore implementation -------------------------------------------------

func (m *Store) GetOrCreateOrganizationBilling(_ context.Context, organizationID string) (billing.OrganizationBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.orgBillings {
		if b.OrganizationID == organizationID {
			return b, nil
		}
	}

	b := billing.OrganizationBilling{
		OrganizationID: organizationID,
	}
	b.ID = m.newIDLocked("")
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.orgBillings[b.ID] = b
	return b, nil
}

func (m *Store) UpdateOrganizationBilling(_ context.Context, b billing.OrganizationBilling) (billing.OrganizationBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.orgBillings[b.ID]
	if !ok {
		return billing.OrganizationBilling{}, notFound("organization billing", b.ID)
	}
	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	m.orgBillings[b.ID] = b
	return b, nil
}

func (m *Store) CreateCreditTransaction(_ context.Context, tx billing.CreditTransaction) (billing.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.ID = m.newIDLocked(tx.ID)
	tx.CreatedAt = time.Now().UTC()
	m.creditTxs[tx.ID] = tx
	return tx, nil
}

func (m *Store) ListCreditTransactions(_ context.Context, organizationID string, limit int) ([]billing.CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, tx := range m.creditTxs {
		if tx.OrganizationID == organizationID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]billing.CreditTransaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.creditTxs[ids[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Store) CreateProjectBilling(_ context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b.ID = m.newIDLocked(b.ID)
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
	m.projectBillings[b.ID] = b
	return b, nil
}

func (m *Store) UpdateProjectBilling(_ context.Context, b billing.ProjectBilling) (billing.ProjectBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.projectBillings[b.ID]
	if !ok {
		return billing.ProjectBilling{}, notFound("project billing", b.ID)
	}
	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	m.projectBillings[b.ID] = b
	return b, nil
}

func (m *Store) GetProjectBilling(_ context.Context, projectID string) (billing.ProjectBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.projectBillings {
		if b.ProjectID == projectID {
			return b, nil
		}
	}
	return billing.ProjectBilling{}, notFound("project billing for project", projectID)
}

func (m *Store) ListProjectBillings(_ context.Context) ([]billing.ProjectBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.projectBillings))
	for id := range m.projectBillings {
		ids = append(ids, id)
	}
	m.sortByInsertion(ids)

	result := make([]billing.ProjectBilling, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.projectBillings[id])
	}
	return result, nil
}

func (m *Store) CreateSecurityDeposit(_ context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.ID = m.newIDLocked(d.ID)
	d.CreatedAt = time.Now().UTC()
	if d.Status == "" {
		d.Status = billing.DepositPending
	}
	m.deposits[d.ID] = d
	return d, nil
}

func (m *Store) UpdateSecurityDeposit(_ context.Context, d billing.SecurityDeposit) (billing.SecurityDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.deposits[d.ID]
	if !ok {
		return billing.SecurityDeposit{}, notFound("security deposit", d.ID)
	}
	d.CreatedAt = original.CreatedAt
	m.deposits[d.ID] = d
	return d, nil
}

func (m *Store) GetHeldSecurityDeposit(_ context.Context, projectID string) (billing.SecurityDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.deposits {
		if d.ProjectID == projectID && (d.Status == billing.DepositHeld || d.Status == billing.DepositPartiallyUsed) {
			return d, nil
		}
	}
	return billing.SecurityDeposit{}, notFound("held deposit for project", projectID)
}

func (m *Store) CreateEarningsTransaction(_ context.Context, tx billing.EarningsTransaction) (billing.EarningsTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx.ID = m.newIDLocked(tx.ID)
	tx.CreatedAt = time.Now().UTC()
	m.earningsTxs[tx.ID] = tx
	return tx, nil
}

func (m *Store) ListEarningsTransactions(_ context.Context, annotatorID string, limit int) ([]billing.EarningsTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, tx := range m.earningsTxs {
		if tx.AnnotatorID == annotatorID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]billing.EarningsTransaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.earningsTxs[ids[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Store) CreateExportRecord(_ context.Context, r billing.ExportRecord) (billing.ExportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.newIDLocked(r.ID)
	r.CreatedAt = time.Now().UTC()
	m.exports[r.ID] = r
	return r, nil
}

func (m *Store) ListExportRecords(_ context.Context, projectID string, limit int) ([]billing.ExportRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, r := range m.exports {
		if r.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]billing.ExportRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, m.exports[ids[i]])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// OutboxStore implementation --------------------------------------------------

func (m *Store) EnqueueNotification(_ context.Context, n outbox.Notification) (outbox.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n.ID = m.newIDLocked(n.ID)
	n.CreatedAt = time.Now().UTC()
	if n.Status == "" {
		n.Status = outbox.StatusPending
	}
	m.notifications[n.ID] = n
	return n, nil
}

func (m *Store) UpdateNotification(_ context.Context, n outbox.Notification) (outbox.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.notifications[n.ID]
	if !ok {
		return outbox.Notification{}, notFound("notification", n.ID)
	}
	n.CreatedAt = original.CreatedAt
	m.notifications[n.ID] = n
	return n, nil
}

func (m *Store) ListPendingNotifications(_ context.Context, limit int) ([]outbox.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, n := range m.notifications {
		if n.Status == outbox.StatusPending {
			ids = append(ids, id)
		}
	}
	m.sortByInsertion(ids)

	result := make([]outbox.Notification, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.notifications[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
