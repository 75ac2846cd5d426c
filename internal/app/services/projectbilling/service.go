// Package projectbilling manages organization credits against project work:
// deposit collection on publish, per-annotation debits, export gating,
// refunds, and the dormant/warning/grace/deleted lifecycle.
package projectbilling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/domain/outbox"
	"github.com/synapse-platform/annotation-core/internal/app/domain/project"
	"github.com/synapse-platform/annotation-core/internal/app/services/costs"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

// Billing policy constants.
var (
	// MinBalanceForNewProject is the organization credit floor for project
	// creation.
	MinBalanceForNewProject = decimal.NewFromInt(100)
	// ExportMinimumCharge is the floor for paid exports.
	ExportMinimumCharge = decimal.NewFromInt(10)
	// ExportPerAnnotationRate prices paid exports.
	ExportPerAnnotationRate = decimal.RequireFromString("0.1")
)

const (
	// DormantAfter moves idle projects to dormant.
	DormantAfter = 30 * 24 * time.Hour
	// GracePeriod is the window before a credit-exhausted project is deleted.
	GracePeriod = 30 * 24 * time.Hour
	// ReExportWindow keeps repeat exports free.
	ReExportWindow = 24 * time.Hour
	// EarlyDeletionCompletion is the work-completion fraction below which a
	// deletion refunds everything but the security fee.
	EarlyDeletionCompletion = 0.30
)

// ErrInsufficientCredits is returned when an organization cannot cover a
// required debit. Nothing is partially committed.
var ErrInsufficientCredits = errors.New("projectbilling: insufficient credits")

// Service wires billing over the stores.
type Service struct {
	projects    storage.ProjectStore
	submissions storage.SubmissionStore
	billingRepo storage.BillingStore
	outbox      storage.OutboxStore
	estimator   *costs.Estimator
	log         *logger.Logger
	now         func() time.Time
}

// New constructs the billing service.
func New(
	projects storage.ProjectStore,
	submissions storage.SubmissionStore,
	billingRepo storage.BillingStore,
	outboxStore storage.OutboxStore,
	estimator *costs.Estimator,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("projectbilling")
	}
	if estimator == nil {
		estimator = costs.NewEstimator()
	}
	return &Service{
		projects:    projects,
		submissions: submissions,
		billingRepo: billingRepo,
		outbox:      outboxStore,
		estimator:   estimator,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EstimateCost is the pure estimate entry point.
func (s *Service) EstimateCost(p costs.Params) costs.Breakdown {
	return s.estimator.Estimate(p)
}

// CalculateDeposit derives the deposit breakdown for a project, optionally
// overridden by caller estimates.
func (s *Service) CalculateDeposit(ctx context.Context, projectID string, overrides *costs.Params) (costs.Breakdown, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return costs.Breakdown{}, err
	}

	params := costs.Params{LabelConfig: proj.LabelConfig}
	if overrides != nil {
		params = *overrides
		if params.LabelConfig == "" {
			params.LabelConfig = proj.LabelConfig
		}
	}
	if params.TaskCount == 0 {
		tasks, err := s.projects.ListTasks(ctx, projectID)
		if err != nil {
			return costs.Breakdown{}, err
		}
		params.TaskCount = len(tasks)
		if params.TaskCount == 0 {
			params.TaskCount = 10
		}
	}
	return s.estimator.Estimate(params), nil
}

// CollectDeposit debits the security deposit from the organization, creates
// the deposit and billing records, and publishes the project. Fails whole
// with ErrInsufficientCredits; nothing partial is committed.
func (s *Service) CollectDeposit(ctx context.Context, projectID string, overrides *costs.Params) (billing.ProjectBilling, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return billing.ProjectBilling{}, err
	}

	breakdown, err := s.CalculateDeposit(ctx, projectID, overrides)
	if err != nil {
		return billing.ProjectBilling{}, err
	}

	org, err := s.billingRepo.GetOrCreateOrganizationBilling(ctx, proj.OrganizationID)
	if err != nil {
		return billing.ProjectBilling{}, err
	}

	if org.AvailableCredits.LessThan(MinBalanceForNewProject) {
		return billing.ProjectBilling{}, fmt.Errorf("%w: balance %s below project floor %s",
			ErrInsufficientCredits, org.AvailableCredits, MinBalanceForNewProject)
	}
	if org.AvailableCredits.LessThan(breakdown.TotalDeposit) {
		return billing.ProjectBilling{}, fmt.Errorf("%w: deposit %s exceeds balance %s",
			ErrInsufficientCredits, breakdown.TotalDeposit, org.AvailableCredits)
	}

	if _, err := s.debitOrganization(ctx, org, breakdown.TotalDeposit, billing.CategoryDeposit,
		fmt.Sprintf("Security deposit for project %s", proj.Title)); err != nil {
		return billing.ProjectBilling{}, err
	}

	deposit := billing.SecurityDeposit{
		ProjectID:      projectID,
		OrganizationID: proj.OrganizationID,
		BaseFee:        breakdown.SecurityFee,
		StorageFee:     breakdown.StorageFee,
		AnnotationFee:  breakdown.AnnotationFee,
		Total:          breakdown.TotalDeposit,
		Status:         billing.DepositHeld,
		PaidAt:         s.now(),
	}
	if _, err := s.billingRepo.CreateSecurityDeposit(ctx, deposit); err != nil {
		return billing.ProjectBilling{}, err
	}

	pb := billing.ProjectBilling{
		ProjectID:               projectID,
		DepositRequired:         breakdown.TotalDeposit,
		DepositPaid:             breakdown.TotalDeposit,
		StorageFeePaid:          breakdown.StorageFee,
		SecurityFee:             breakdown.SecurityFee,
		EstimatedAnnotationCost: breakdown.AnnotationFee,
		State:                   billing.StateActive,
		DepositHeld:             true,
	}
	if pb, err = s.billingRepo.CreateProjectBilling(ctx, pb); err != nil {
		return billing.ProjectBilling{}, err
	}

	proj.Published = true
	if _, err := s.projects.UpdateProject(ctx, proj); err != nil {
		return billing.ProjectBilling{}, err
	}

	metrics.DepositsCollected.Inc()
	s.log.WithField("project_id", projectID).
		WithField("deposit", breakdown.TotalDeposit.String()).
		Info("security deposit collected; project published")
	return pb, nil
}

// OnSubmission accumulates the actual annotation cost of one submission at
// the per-type rate times complexity, without buffer or overlap.
func (s *Service) OnSubmission(ctx context.Context, taskID string) error {
	task, err := s.projects.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	pb, err := s.billingRepo.GetProjectBilling(ctx, task.ProjectID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil // Unbilled project; nothing to track.
		}
		return err
	}

	cost, err := s.perTaskCost(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	pb.ActualAnnotationCost = pb.ActualAnnotationCost.Add(cost)
	pb.LastActivityAt = s.now()
	_, err = s.billingRepo.UpdateProjectBilling(ctx, pb)
	return err
}

// DebitFinalizedAnnotation charges the organization for a finalized
// annotation. An insufficient balance defers the debit rather than undoing
// the finalization.
func (s *Service) DebitFinalizedAnnotation(ctx context.Context, taskID string, _ json.RawMessage) error {
	task, err := s.projects.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	pb, err := s.billingRepo.GetProjectBilling(ctx, task.ProjectID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}

	proj, err := s.projects.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	cost, err := s.perTaskCost(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	org, err := s.billingRepo.GetOrCreateOrganizationBilling(ctx, proj.OrganizationID)
	if err != nil {
		return err
	}
	if org.AvailableCredits.LessThan(cost) {
		s.log.WithField("project_id", task.ProjectID).
			WithField("required", cost.String()).
			WithField("available", org.AvailableCredits.String()).
			Warn("insufficient credits; annotation debit deferred")
		return nil
	}

	if _, err := s.debitOrganization(ctx, org, cost, billing.CategoryAnnotation,
		fmt.Sprintf("Finalized annotation for task %s", taskID)); err != nil {
		return err
	}

	pb.CreditsConsumed = pb.CreditsConsumed.Add(cost)
	pb.LastActivityAt = s.now()
	_, err = s.billingRepo.UpdateProjectBilling(ctx, pb)
	return err
}

// ExportCharge reports one export billing outcome.
type ExportCharge struct {
	Credits decimal.Decimal
	Free    bool
}

// ChargeExport applies the export gating rules: the first export and any
// re-export within the window are free, later exports cost
// max(10, 0.1 x annotations).
func (s *Service) ChargeExport(ctx context.Context, projectID string, tasksExported, annotationsExported int) (ExportCharge, error) {
	pb, err := s.billingRepo.GetProjectBilling(ctx, projectID)
	if err != nil {
		return ExportCharge{}, err
	}
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return ExportCharge{}, err
	}

	free := pb.ExportCount == 0 ||
		(!pb.LastExportAt.IsZero() && s.now().Sub(pb.LastExportAt) < ReExportWindow)

	charge := decimal.Zero
	if !free {
		charge = ExportPerAnnotationRate.Mul(decimal.NewFromInt(int64(annotationsExported))).Round(2)
		if charge.LessThan(ExportMinimumCharge) {
			charge = ExportMinimumCharge
		}

		org, err := s.billingRepo.GetOrCreateOrganizationBilling(ctx, proj.OrganizationID)
		if err != nil {
			return ExportCharge{}, err
		}
		if org.AvailableCredits.LessThan(charge) {
			return ExportCharge{}, fmt.Errorf("%w: export requires %s, balance %s",
				ErrInsufficientCredits, charge, org.AvailableCredits)
		}
		if _, err := s.debitOrganization(ctx, org, charge, billing.CategoryExport,
			fmt.Sprintf("Export of %d annotations from project %s", annotationsExported, proj.Title)); err != nil {
			return ExportCharge{}, err
		}
		pb.CreditsConsumed = pb.CreditsConsumed.Add(charge)
	}

	if _, err := s.billingRepo.CreateExportRecord(ctx, billing.ExportRecord{
		ProjectID:           projectID,
		OrganizationID:      proj.OrganizationID,
		AnnotationsExported: annotationsExported,
		TasksExported:       tasksExported,
		CreditsCharged:      charge,
		Free:                free,
	}); err != nil {
		return ExportCharge{}, err
	}

	pb.ExportCount++
	pb.LastExportAt = s.now()
	pb.LastActivityAt = s.now()
	if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
		return ExportCharge{}, err
	}

	return ExportCharge{Credits: charge, Free: free}, nil
}

func (s *Service) perTaskCost(ctx context.Context, projectID string) (decimal.Decimal, error) {
	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.estimator.PerTaskCost(costs.Params{TaskCount: 1, LabelConfig: proj.LabelConfig}), nil
}

func (s *Service) debitOrganization(ctx context.Context, org billing.OrganizationBilling, amount decimal.Decimal, category, description string) (billing.OrganizationBilling, error) {
	org.AvailableCredits = org.AvailableCredits.Sub(amount)
	org, err := s.billingRepo.UpdateOrganizationBilling(ctx, org)
	if err != nil {
		return org, err
	}
	_, err = s.billingRepo.CreateCreditTransaction(ctx, billing.CreditTransaction{
		OrganizationID: org.OrganizationID,
		Type:           billing.CreditTxDebit,
		Category:       category,
		Amount:         amount.Neg(),
		BalanceAfter:   org.AvailableCredits,
		Description:    description,
	})
	return org, err
}

func (s *Service) creditOrganization(ctx context.Context, org billing.OrganizationBilling, amount decimal.Decimal, category, description string) (billing.OrganizationBilling, error) {
	org.AvailableCredits = org.AvailableCredits.Add(amount)
	org, err := s.billingRepo.UpdateOrganizationBilling(ctx, org)
	if err != nil {
		return org, err
	}
	_, err = s.billingRepo.CreateCreditTransaction(ctx, billing.CreditTransaction{
		OrganizationID: org.OrganizationID,
		Type:           billing.CreditTxCredit,
		Category:       category,
		Amount:         amount,
		BalanceAfter:   org.AvailableCredits,
		Description:    description,
	})
	return org, err
}

// workCompletion returns filled/total annotation slots across the project's
// tasks, with per-task counts capped at the overlap.
func (s *Service) workCompletion(ctx context.Context, projectID string) (float64, error) {
	tasks, err := s.projects.ListTasks(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	filled := 0
	for _, task := range tasks {
		subs, err := s.submissions.ListSubmissionsByTask(ctx, task.ID)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, sub := range subs {
			if !sub.GroundTruth {
				n++
			}
		}
		if n > project.RequiredOverlap {
			n = project.RequiredOverlap
		}
		filled += n
	}
	total := len(tasks) * project.RequiredOverlap
	return float64(filled) / float64(total), nil
}

// RefundDeposit closes out a project's deposit. Above the early-deletion
// completion threshold only unfilled slots refund; below it everything except
// the security fee returns. The storage fee follows the unfilled-slot rule's
// fate: it is returned only on early deletion.
func (s *Service) RefundDeposit(ctx context.Context, projectID, reason string) (decimal.Decimal, error) {
	pb, err := s.billingRepo.GetProjectBilling(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}
	if pb.DepositRefunded.IsPositive() {
		return decimal.Zero, fmt.Errorf("deposit for project %s already refunded", projectID)
	}

	proj, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}

	completion, err := s.workCompletion(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}

	refundable := pb.Refundable()
	var refund decimal.Decimal
	if completion < EarlyDeletionCompletion {
		refund = refundable.Sub(pb.SecurityFee)
	} else {
		refund, err = s.slotRefund(ctx, pb, projectID)
		if err != nil {
			return decimal.Zero, err
		}
	}
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	if refund.GreaterThan(refundable) {
		refund = refundable
	}

	if refund.IsPositive() {
		org, err := s.billingRepo.GetOrCreateOrganizationBilling(ctx, proj.OrganizationID)
		if err != nil {
			return decimal.Zero, err
		}
		if _, err := s.creditOrganization(ctx, org, refund, billing.CategoryRefund,
			fmt.Sprintf("Security deposit refund for project %s: %s", proj.Title, reason)); err != nil {
			return decimal.Zero, err
		}
	}

	pb.DepositRefunded = refund
	pb.DepositHeld = false
	pb.State = billing.StateCompleted
	pb.StateChangedAt = s.now()
	if _, err := s.billingRepo.UpdateProjectBilling(ctx, pb); err != nil {
		return decimal.Zero, err
	}

	if dep, err := s.billingRepo.GetHeldSecurityDeposit(ctx, projectID); err == nil {
		dep.Refunded = refund
		dep.RefundedAt = s.now()
		dep.Status = billing.DepositRefunded
		if _, err := s.billingRepo.UpdateSecurityDeposit(ctx, dep); err != nil {
			return decimal.Zero, err
		}
	}

	s.notify(ctx, outbox.KindDepositRefunded, proj.OrganizationID,
		fmt.Sprintf("Deposit refund for %s", proj.Title),
		fmt.Sprintf("Refunded %s credits: %s", refund, reason))

	metrics.DepositsRefunded.Inc()
	s.log.WithField("project_id", projectID).
		WithField("refund", refund.String()).
		WithField("completion", completion).
		Info("security deposit refunded")
	return refund, nil
}

// slotRefund prices the unfilled annotation slots at the deposited per-slot
// rate (buffer included).
func (s *Service) slotRefund(ctx context.Context, pb billing.ProjectBilling, projectID string) (decimal.Decimal, error) {
	tasks, err := s.projects.ListTasks(ctx, projectID)
	if err != nil {
		return decimal.Zero, err
	}
	if len(tasks) == 0 {
		return decimal.Zero, nil
	}

	totalSlots := int64(len(tasks)) * int64(project.RequiredOverlap)
	perSlot := pb.EstimatedAnnotationCost.Div(decimal.NewFromInt(totalSlots))

	unfilled := int64(0)
	for _, task := range tasks {
		subs, err := s.submissions.ListSubmissionsByTask(ctx, task.ID)
		if err != nil {
			return decimal.Zero, err
		}
		n := 0
		for _, sub := range subs {
			if !sub.GroundTruth {
				n++
			}
		}
		if n > project.RequiredOverlap {
			n = project.RequiredOverlap
		}
		unfilled += int64(project.RequiredOverlap - n)
	}
	return perSlot.Mul(decimal.NewFromInt(unfilled)).Round(2), nil
}

func (s *Service) notify(ctx context.Context, kind, recipient, subject, body string) {
	if _, err := s.outbox.EnqueueNotification(ctx, outbox.Notification{
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	}); err != nil {
		s.log.WithError(err).Warn("could not enqueue billing notification")
	}
}
