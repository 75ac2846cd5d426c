// Package billing defines organization credit accounts, project billing
// lifecycle records, security deposits, and the append-only ledgers.
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrganizationBilling is the credit account of a client organization. It is
// the single hot row for deposit, debit, and refund operations.
type OrganizationBilling struct {
	ID               string
	OrganizationID   string
	AvailableCredits decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Credit transaction types.
const (
	CreditTxCredit = "credit"
	CreditTxDebit  = "debit"
)

// Credit transaction categories.
const (
	CategoryDeposit    = "deposit"
	CategoryRefund     = "refund"
	CategoryAnnotation = "annotation"
	CategoryExport     = "export"
	CategoryBonus      = "bonus"
)

// CreditTransaction is an append-only ledger row for organization credits.
// BalanceAfter matches the organization balance computed from prior rows.
type CreditTransaction struct {
	ID             string
	OrganizationID string
	Type           string
	Category       string
	Amount         decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	CreatedAt      time.Time
}

// Project lifecycle states. Transitions are monotonic except active⇄dormant.
const (
	StateActive    = "active"
	StateDormant   = "dormant"
	StateWarning   = "warning"
	StateGrace     = "grace"
	StateCompleted = "completed"
	StateDeleted   = "deleted"
)

// ProjectBilling tracks a project's deposit, consumption, and lifecycle.
type ProjectBilling struct {
	ID        string
	ProjectID string

	DepositRequired decimal.Decimal
	DepositPaid     decimal.Decimal
	DepositRefunded decimal.Decimal

	StorageFeePaid decimal.Decimal
	SecurityFee    decimal.Decimal

	EstimatedAnnotationCost decimal.Decimal
	ActualAnnotationCost    decimal.Decimal
	CreditsConsumed         decimal.Decimal

	State          string
	StateChangedAt time.Time

	LastActivityAt      time.Time
	LastExportAt        time.Time
	ExportCount         int
	ScheduledDeletionAt time.Time

	DepositHeld bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Refundable returns paid − consumed − refunded, floored at zero.
func (b ProjectBilling) Refundable() decimal.Decimal {
	r := b.DepositPaid.Sub(b.CreditsConsumed).Sub(b.DepositRefunded)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Security deposit statuses.
const (
	DepositPending       = "pending"
	DepositHeld          = "held"
	DepositPartiallyUsed = "partially_used"
	DepositRefunded      = "refunded"
	DepositForfeited     = "forfeited"
)

// SecurityDeposit is the per-project deposit transaction record.
type SecurityDeposit struct {
	ID             string
	ProjectID      string
	OrganizationID string

	BaseFee       decimal.Decimal
	StorageFee    decimal.Decimal
	AnnotationFee decimal.Decimal
	Total         decimal.Decimal

	Refunded  decimal.Decimal
	Forfeited decimal.Decimal

	Status      string
	PaidAt      time.Time
	RefundedAt  time.Time
	ForfeitedAt time.Time
	CreatedAt   time.Time
}

// Earnings transaction types and stages.
const (
	EarningsTxEarning = "earning"
	EarningsTxPenalty = "penalty"
	EarningsTxPayout  = "payout"

	StageImmediate = "immediate"
	StageConsensus = "consensus"
	StageReview    = "review"
)

// EarningsTransaction is an append-only ledger row for annotator earnings.
// Amounts are signed; BalanceAfter reflects the balance the release touched
// (pending for stage one, available afterwards).
type EarningsTransaction struct {
	ID           string
	AnnotatorID  string
	Type         string
	Stage        string
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	AssignmentID string
	Description  string
	CreatedAt    time.Time
}

// ExportRecord logs one project export for the export-gating rules.
type ExportRecord struct {
	ID                  string
	ProjectID           string
	OrganizationID      string
	AnnotationsExported int
	TasksExported       int
	CreditsCharged      decimal.Decimal
	Free                bool
	CreatedAt           time.Time
}
