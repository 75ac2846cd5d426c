// Package escrow implements the three-stage payment pipeline: 40% on
// submission, 40% on consensus, 20% on expert approval, each scaled by
// quality and trust multipliers; the consensus and review stages are also
// scaled by the accuracy multiplier. Stage transitions are strictly ordered
// and idempotent.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synapse-platform/annotation-core/internal/app/comparator"
	core "github.com/synapse-platform/annotation-core/internal/app/core/service"
	"github.com/synapse-platform/annotation-core/internal/app/domain/assignment"
	"github.com/synapse-platform/annotation-core/internal/app/domain/billing"
	"github.com/synapse-platform/annotation-core/internal/app/services/costs"
	"github.com/synapse-platform/annotation-core/internal/app/storage"
	"github.com/synapse-platform/annotation-core/pkg/logger"
	"github.com/synapse-platform/annotation-core/pkg/metrics"
)

// Escrow split shares.
var (
	immediateShare = decimal.RequireFromString("0.4")
	consensusShare = decimal.RequireFromString("0.4")
	reviewShare    = decimal.RequireFromString("0.2")
)

// Release reason codes for zero-delta outcomes.
const (
	ReasonAlreadyReleased = "already_released"
	ReasonStageOutOfOrder = "stage_out_of_order"
	ReasonNotCompleted    = "not_completed"
)

// Release is the outcome of a stage-release call. Out-of-order and repeated
// calls return Released=false with a reason code and zero amount.
type Release struct {
	Amount   decimal.Decimal
	Released bool
	Reason   string
}

func skipped(reason string) Release {
	return Release{Amount: decimal.Zero, Released: false, Reason: reason}
}

// Service wires the escrow pipeline over the stores.
type Service struct {
	annotators  storage.AnnotatorStore
	assignments storage.AssignmentStore
	billingRepo storage.BillingStore
	projects    storage.ProjectStore
	estimator   *costs.Estimator
	log         *logger.Logger
}

// New constructs the escrow service.
func New(
	annotators storage.AnnotatorStore,
	assignments storage.AssignmentStore,
	billingRepo storage.BillingStore,
	projects storage.ProjectStore,
	estimator *costs.Estimator,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	if estimator == nil {
		estimator = costs.NewEstimator()
	}
	return &Service{
		annotators:  annotators,
		assignments: assignments,
		billingRepo: billingRepo,
		projects:    projects,
		estimator:   estimator,
		log:         log,
	}
}

// rateKeyByType maps detected annotation types to rate-table entries.
var rateKeyByType = map[comparator.Type]string{
	comparator.TypeClassification: "choices",
	comparator.TypeBoundingBox:    "rectanglelabels",
	comparator.TypePolygon:        "polygonlabels",
	comparator.TypeSegmentation:   "brushlabels",
	comparator.TypeText:           "textarea",
	comparator.TypeRating:         "choices",
	comparator.TypeKeypoint:       "keypointlabels",
	comparator.TypeGeneric:        "labels",
}

// computeSplit fills the assignment's base payment and escrow tiers from the
// cost-estimator rate tables.
func (s *Service) computeSplit(ctx context.Context, asg *assignment.Assignment, result json.RawMessage) error {
	params := costs.Params{TaskCount: 1}

	proj, err := s.projects.GetProject(ctx, asg.ProjectID)
	if err == nil && proj.LabelConfig != "" {
		params.LabelConfig = proj.LabelConfig
	} else {
		params.AnnotationTypes = []string{rateKeyByType[comparator.Detect(result)]}
		params.LabelCount = 1
	}

	base := s.estimator.PerTaskCost(params)
	asg.BasePayment = base
	asg.ImmediatePayment = base.Mul(immediateShare).Round(2)
	asg.ConsensusPayment = base.Mul(consensusShare).Round(2)
	asg.ReviewPayment = base.Mul(reviewShare).Round(2)
	return nil
}

// ReleaseImmediate runs escrow stage one for a non-probe submission: mark the
// assignment completed, score quality, compute the payment split, and move
// the immediate tier into the annotator's pending balance.
func (s *Service) ReleaseImmediate(ctx context.Context, assignmentID string, result json.RawMessage) (Release, error) {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Release{}, err
	}
	if asg.ImmediateReleased {
		return skipped(ReasonAlreadyReleased), nil
	}

	now := time.Now().UTC()
	asg.Status = assignment.StatusCompleted
	if asg.CompletedAt.IsZero() {
		asg.CompletedAt = now
	}

	quality := s.qualityScore(asg, result)
	asg.QualityScore = core.Round2(quality)
	asg.QualityMultiplier = decimal.NewFromFloat(quality / 100).Round(4)

	trust, err := s.trustRecord(ctx, asg.AnnotatorID)
	if err != nil {
		return Release{}, err
	}
	asg.TrustMultiplier = trust.Multiplier
	if asg.AccuracyMultiplier.IsZero() {
		asg.AccuracyMultiplier = decimal.NewFromInt(1)
	}

	if err := s.computeSplit(ctx, &asg, result); err != nil {
		return Release{}, err
	}

	amount := asg.ImmediatePayment.
		Mul(asg.QualityMultiplier).
		Mul(asg.TrustMultiplier).
		Round(2)

	prof, err := s.annotators.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return Release{}, err
	}
	prof.PendingBalance = prof.PendingBalance.Add(amount)
	prof.LifetimeEarned = prof.LifetimeEarned.Add(amount)
	if _, err := s.annotators.UpdateAnnotator(ctx, prof); err != nil {
		return Release{}, err
	}

	asg.ImmediateReleased = true
	asg.AmountPaid = asg.AmountPaid.Add(amount)
	if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
		return Release{}, err
	}

	if err := s.appendLedger(ctx, asg, billing.StageImmediate, amount, prof.PendingBalance,
		fmt.Sprintf("Immediate payment for task %s", asg.TaskID)); err != nil {
		return Release{}, err
	}

	metrics.EscrowReleases.WithLabelValues(billing.StageImmediate).Inc()
	s.log.WithField("assignment_id", asg.ID).
		WithField("annotator_id", asg.AnnotatorID).
		WithField("amount", amount.String()).
		Info("immediate payment released")
	return Release{Amount: amount, Released: true}, nil
}

// ReleaseConsensus runs escrow stage two: move the immediate tier from
// pending to available and credit the consensus tier. Refuses to run before
// stage one.
func (s *Service) ReleaseConsensus(ctx context.Context, assignmentID string) (Release, error) {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Release{}, err
	}
	if asg.ConsensusReleased {
		return skipped(ReasonAlreadyReleased), nil
	}
	if !asg.ImmediateReleased {
		return skipped(ReasonStageOutOfOrder), nil
	}

	immediatePortion := asg.ImmediatePayment.
		Mul(asg.QualityMultiplier).
		Mul(asg.TrustMultiplier).
		Round(2)
	consensusPortion := asg.ConsensusPayment.
		Mul(asg.QualityMultiplier).
		Mul(asg.TrustMultiplier).
		Mul(s.accuracyMultiplier(asg)).
		Round(2)

	prof, err := s.annotators.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return Release{}, err
	}
	prof.PendingBalance = prof.PendingBalance.Sub(immediatePortion)
	if prof.PendingBalance.IsNegative() {
		prof.PendingBalance = decimal.Zero
	}
	prof.AvailableBalance = prof.AvailableBalance.Add(immediatePortion).Add(consensusPortion)
	prof.LifetimeEarned = prof.LifetimeEarned.Add(consensusPortion)
	if _, err := s.annotators.UpdateAnnotator(ctx, prof); err != nil {
		return Release{}, err
	}

	asg.ConsensusReleased = true
	asg.AmountPaid = asg.AmountPaid.Add(consensusPortion)
	if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
		return Release{}, err
	}

	if err := s.appendLedger(ctx, asg, billing.StageConsensus, consensusPortion, prof.AvailableBalance,
		fmt.Sprintf("Consensus payment for task %s", asg.TaskID)); err != nil {
		return Release{}, err
	}

	if err := s.updateTrustAfterConsensus(ctx, asg); err != nil {
		s.log.WithError(err).WithField("annotator_id", asg.AnnotatorID).
			Warn("trust metrics update failed after consensus release")
	}

	metrics.EscrowReleases.WithLabelValues(billing.StageConsensus).Inc()
	s.log.WithField("assignment_id", asg.ID).
		WithField("annotator_id", asg.AnnotatorID).
		WithField("amount", consensusPortion.String()).
		Info("consensus payment released")
	return Release{Amount: consensusPortion, Released: true}, nil
}

// ReleaseReview runs escrow stage three: credit the review tier. Refuses to
// run before stage two.
func (s *Service) ReleaseReview(ctx context.Context, assignmentID string) (Release, error) {
	asg, err := s.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Release{}, err
	}
	if asg.ReviewReleased {
		return skipped(ReasonAlreadyReleased), nil
	}
	if !asg.ConsensusReleased {
		return skipped(ReasonStageOutOfOrder), nil
	}

	amount := asg.ReviewPayment.
		Mul(asg.QualityMultiplier).
		Mul(asg.TrustMultiplier).
		Mul(s.accuracyMultiplier(asg)).
		Round(2)

	prof, err := s.annotators.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return Release{}, err
	}
	prof.AvailableBalance = prof.AvailableBalance.Add(amount)
	prof.LifetimeEarned = prof.LifetimeEarned.Add(amount)
	if _, err := s.annotators.UpdateAnnotator(ctx, prof); err != nil {
		return Release{}, err
	}

	asg.ReviewReleased = true
	asg.AmountPaid = asg.AmountPaid.Add(amount)
	asg.FlaggedForReview = false
	if _, err := s.assignments.UpdateAssignment(ctx, asg); err != nil {
		return Release{}, err
	}

	if err := s.appendLedger(ctx, asg, billing.StageReview, amount, prof.AvailableBalance,
		fmt.Sprintf("Review payment for task %s", asg.TaskID)); err != nil {
		return Release{}, err
	}

	metrics.EscrowReleases.WithLabelValues(billing.StageReview).Inc()
	s.log.WithField("assignment_id", asg.ID).
		WithField("annotator_id", asg.AnnotatorID).
		WithField("amount", amount.String()).
		Info("review payment released")
	return Release{Amount: amount, Released: true}, nil
}

// ReleaseFinalOnExport releases the review tier for every eligible assignment
// of the project (optionally restricted to task ids). Per-item failures are
// recorded and the batch continues.
func (s *Service) ReleaseFinalOnExport(ctx context.Context, projectID string, taskIDs []string) (int, decimal.Decimal, error) {
	eligible, err := s.assignments.ListReleasable(ctx, projectID, taskIDs)
	if err != nil {
		return 0, decimal.Zero, err
	}

	count := 0
	total := decimal.Zero
	for _, asg := range eligible {
		release, err := s.ReleaseReview(ctx, asg.ID)
		if err != nil {
			s.log.WithError(err).WithField("assignment_id", asg.ID).
				Error("final release failed; continuing batch")
			continue
		}
		if release.Released {
			count++
			total = total.Add(release.Amount)
		}
	}

	s.log.WithField("project_id", projectID).
		WithField("count", count).
		WithField("total", total.String()).
		Info("final payments released on export")
	return count, total, nil
}

// EarningsSummary rolls up an annotator's balances and recent ledger rows.
type EarningsSummary struct {
	Pending        decimal.Decimal
	Available      decimal.Decimal
	Withdrawn      decimal.Decimal
	LifetimeEarned decimal.Decimal
	Recent         []billing.EarningsTransaction
}

// Earnings returns the annotator's balance rollup with recent transactions.
func (s *Service) Earnings(ctx context.Context, annotatorID string, limit int) (EarningsSummary, error) {
	prof, err := s.annotators.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return EarningsSummary{}, err
	}

	recent, err := s.billingRepo.ListEarningsTransactions(ctx, annotatorID,
		core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit))
	if err != nil {
		return EarningsSummary{}, err
	}

	return EarningsSummary{
		Pending:        prof.PendingBalance,
		Available:      prof.AvailableBalance,
		Withdrawn:      prof.WithdrawnTotal,
		LifetimeEarned: prof.LifetimeEarned,
		Recent:         recent,
	}, nil
}
